package license

import "errors"

// Domain errors are plain sentinel values; mapping to HTTP responses and
// security-event recording happens once at the transport boundary.
var (
	ErrInvalidFormat           = errors.New("license key has invalid format")
	ErrWeakKey                 = errors.New("license key rejected by weak-key filter")
	ErrLicenseNotFound         = errors.New("license not found")
	ErrLicenseExpired          = errors.New("license expired")
	ErrLicenseRevoked          = errors.New("license revoked")
	ErrLicenseInactive         = errors.New("license inactive")
	ErrActivationLimitExceeded = errors.New("activation limit exceeded")
	ErrDomainNotAuthorized     = errors.New("domain not authorized for this license")
	ErrDuplicateLookupHash     = errors.New("duplicate key lookup hash")
	ErrActivationNotFound      = errors.New("activation not found")
)

// PersistenceError wraps a storage failure. It is always fatal to the
// current operation; callers receive a generic failure while the wrapped
// cause is logged with full context for operators.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence failure during " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err unless it is already a typed domain error.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrDuplicateLookupHash, ErrActivationLimitExceeded,
		ErrLicenseNotFound, ErrActivationNotFound,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is a storage failure.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
