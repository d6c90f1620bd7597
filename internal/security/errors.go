package security

import "errors"

var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrIdentityBlocked    = errors.New("identity is blocked")
	ErrInvalidIdentity    = errors.New("identity key has invalid format")
	ErrReservedAddress    = errors.New("reserved or private address rejected")
	ErrCsrfInvalidFormat  = errors.New("csrf token has invalid format")
	ErrCsrfSignature      = errors.New("csrf token signature mismatch")
	ErrCsrfActionMismatch = errors.New("csrf token action mismatch")
	ErrCsrfSubjectMismatch = errors.New("csrf token subject mismatch")
	ErrCsrfExpired        = errors.New("csrf token expired")
	ErrCsrfSessionMismatch = errors.New("csrf token session fingerprint mismatch")
)

// IsCsrfError reports whether err is any anti-forgery verification
// failure. Used at the boundary to feed failed-attempt accounting.
func IsCsrfError(err error) bool {
	for _, sentinel := range []error{
		ErrCsrfInvalidFormat, ErrCsrfSignature, ErrCsrfActionMismatch,
		ErrCsrfSubjectMismatch, ErrCsrfExpired, ErrCsrfSessionMismatch,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
