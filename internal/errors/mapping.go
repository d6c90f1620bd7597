package errors

import (
	stderrors "errors"
	"net/http"

	"keygate/internal/license"
	"keygate/internal/security"
	"keygate/internal/signedlink"
)

// domainMapping pairs a sentinel with its wire representation. Messages
// are user-safe; internal detail never leaves the boundary.
type domainMapping struct {
	sentinel error
	apiErr   *APIError
	// securityRelevant failures feed SecurityGuard.RecordFailedAttempt
	// and are logged as security events.
	securityRelevant bool
}

var domainMappings = []domainMapping{
	{license.ErrInvalidFormat, New(http.StatusBadRequest, "INVALID_FORMAT", "The license key is malformed"), true},
	{license.ErrWeakKey, New(http.StatusBadRequest, "WEAK_KEY", "The license key is malformed"), true},
	{license.ErrLicenseNotFound, New(http.StatusNotFound, "LICENSE_NOT_FOUND", "No license matches the provided key"), true},
	{license.ErrLicenseExpired, New(http.StatusForbidden, "LICENSE_EXPIRED", "The license has expired"), false},
	{license.ErrLicenseRevoked, New(http.StatusForbidden, "LICENSE_REVOKED", "The license has been revoked"), false},
	{license.ErrLicenseInactive, New(http.StatusForbidden, "LICENSE_INACTIVE", "The license is not active"), false},
	{license.ErrActivationLimitExceeded, New(http.StatusConflict, "ACTIVATION_LIMIT_EXCEEDED", "The license has no free activation slots"), false},
	{license.ErrDomainNotAuthorized, New(http.StatusForbidden, "DOMAIN_NOT_AUTHORIZED", "The domain is not activated for this license"), false},
	{license.ErrActivationNotFound, New(http.StatusNotFound, "ACTIVATION_NOT_FOUND", "No activation exists for this domain"), false},
	{security.ErrRateLimitExceeded, ErrRateLimited, true},
	{security.ErrIdentityBlocked, New(http.StatusForbidden, "IDENTITY_BLOCKED", "Access denied"), true},
	{security.ErrReservedAddress, New(http.StatusForbidden, "IDENTITY_BLOCKED", "Access denied"), true},
	{security.ErrInvalidIdentity, New(http.StatusBadRequest, "INVALID_IDENTITY", "Invalid client identity"), true},
	{security.ErrCsrfInvalidFormat, New(http.StatusForbidden, "CSRF_TOKEN_INVALID", "Anti-forgery check failed"), true},
	{security.ErrCsrfSignature, New(http.StatusForbidden, "CSRF_TOKEN_INVALID", "Anti-forgery check failed"), true},
	{security.ErrCsrfActionMismatch, New(http.StatusForbidden, "CSRF_TOKEN_INVALID", "Anti-forgery check failed"), true},
	{security.ErrCsrfSubjectMismatch, New(http.StatusForbidden, "CSRF_TOKEN_INVALID", "Anti-forgery check failed"), true},
	{security.ErrCsrfExpired, New(http.StatusForbidden, "CSRF_TOKEN_INVALID", "Anti-forgery check failed"), true},
	{security.ErrCsrfSessionMismatch, New(http.StatusForbidden, "CSRF_TOKEN_INVALID", "Anti-forgery check failed"), true},
	{signedlink.ErrExpired, New(http.StatusForbidden, "SIGNED_LINK_EXPIRED", "The download link has expired"), false},
	{signedlink.ErrSignatureInvalid, New(http.StatusForbidden, "SIGNATURE_INVALID", "The download link is invalid"), true},
	{signedlink.ErrAlreadyUsed, New(http.StatusForbidden, "SIGNED_LINK_USED", "The download link was already redeemed"), false},
}

// FromDomain translates a domain error into its API representation.
// Persistence failures and anything unrecognized collapse into a generic
// 500; the raw cause is for logs only.
func FromDomain(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range domainMappings {
		if stderrors.Is(err, m.sentinel) {
			return m.apiErr
		}
	}
	return ErrInternalServer
}

// IsSecurityRelevant reports whether the failure must feed the guard's
// failed-attempt accounting.
func IsSecurityRelevant(err error) bool {
	for _, m := range domainMappings {
		if stderrors.Is(err, m.sentinel) {
			return m.securityRelevant
		}
	}
	return false
}
