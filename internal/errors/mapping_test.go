package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"keygate/internal/license"
	"keygate/internal/security"
	"keygate/internal/signedlink"
)

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid format", license.ErrInvalidFormat, http.StatusBadRequest, "INVALID_FORMAT"},
		{"not found", license.ErrLicenseNotFound, http.StatusNotFound, "LICENSE_NOT_FOUND"},
		{"expired", license.ErrLicenseExpired, http.StatusForbidden, "LICENSE_EXPIRED"},
		{"revoked", license.ErrLicenseRevoked, http.StatusForbidden, "LICENSE_REVOKED"},
		{"limit", license.ErrActivationLimitExceeded, http.StatusConflict, "ACTIVATION_LIMIT_EXCEEDED"},
		{"domain", license.ErrDomainNotAuthorized, http.StatusForbidden, "DOMAIN_NOT_AUTHORIZED"},
		{"rate limit", security.ErrRateLimitExceeded, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"blocked", security.ErrIdentityBlocked, http.StatusForbidden, "IDENTITY_BLOCKED"},
		{"csrf", security.ErrCsrfSignature, http.StatusForbidden, "CSRF_TOKEN_INVALID"},
		{"link expired", signedlink.ErrExpired, http.StatusForbidden, "SIGNED_LINK_EXPIRED"},
		{"link forged", signedlink.ErrSignatureInvalid, http.StatusForbidden, "SIGNATURE_INVALID"},
		{"link reused", signedlink.ErrAlreadyUsed, http.StatusForbidden, "SIGNED_LINK_USED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := FromDomain(tt.err)
			assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.ErrorCode)
		})
	}

	t.Run("wrapped sentinels still map", func(t *testing.T) {
		wrapped := fmt.Errorf("resolving key: %w", license.ErrLicenseNotFound)
		assert.Equal(t, "LICENSE_NOT_FOUND", FromDomain(wrapped).ErrorCode)
	})

	t.Run("persistence failures collapse to 500", func(t *testing.T) {
		err := license.NewPersistenceError("license create", stderrors.New("connection refused"))
		apiErr := FromDomain(err)
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.NotContains(t, apiErr.Message, "connection refused", "internal detail stays internal")
	})

	t.Run("unknown errors collapse to 500", func(t *testing.T) {
		assert.Equal(t, ErrInternalServer, FromDomain(stderrors.New("boom")))
	})

	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, FromDomain(nil))
	})
}

func TestIsSecurityRelevant(t *testing.T) {
	assert.True(t, IsSecurityRelevant(license.ErrInvalidFormat))
	assert.True(t, IsSecurityRelevant(license.ErrLicenseNotFound))
	assert.True(t, IsSecurityRelevant(security.ErrCsrfActionMismatch))
	assert.True(t, IsSecurityRelevant(signedlink.ErrSignatureInvalid))

	assert.False(t, IsSecurityRelevant(license.ErrLicenseExpired))
	assert.False(t, IsSecurityRelevant(license.ErrActivationLimitExceeded))
	assert.False(t, IsSecurityRelevant(signedlink.ErrExpired))
	assert.False(t, IsSecurityRelevant(stderrors.New("boom")))
}
