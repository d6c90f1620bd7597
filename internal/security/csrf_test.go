package security

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	csrfSecret  = "csrf-signing-secret-0123456789ab"
	testSession = "198.51.100.7|Mozilla/5.0"
)

func newTestCsrfService(t *testing.T) (*CsrfService, *time.Time) {
	t.Helper()
	svc, err := NewCsrfService([]byte(csrfSecret), time.Hour)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }
	return svc, &now
}

func TestNewCsrfService(t *testing.T) {
	_, err := NewCsrfService([]byte("short"), 0)
	assert.Error(t, err)

	svc, err := NewCsrfService([]byte(csrfSecret), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCsrfTTL, svc.ttl)
}

func TestCsrfRoundTrip(t *testing.T) {
	svc, _ := newTestCsrfService(t)

	token, err := svc.Generate("license.deactivate", "lic-42", testSession)
	require.NoError(t, err)
	assert.Contains(t, token, ".")

	assert.NoError(t, svc.Verify(token, "license.deactivate", "lic-42", testSession))

	// Tokens stay valid across repeated checks; nothing is consumed.
	assert.NoError(t, svc.Verify(token, "license.deactivate", "lic-42", testSession))
}

func TestCsrfTokensAreUnique(t *testing.T) {
	svc, _ := newTestCsrfService(t)

	a, err := svc.Generate("license.revoke", "lic-1", testSession)
	require.NoError(t, err)
	b, err := svc.Generate("license.revoke", "lic-1", testSession)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "the nonce must make every token distinct")
}

func TestCsrfGenerateRequiresAction(t *testing.T) {
	svc, _ := newTestCsrfService(t)
	_, err := svc.Generate("", "lic-1", testSession)
	assert.ErrorIs(t, err, ErrCsrfInvalidFormat)
}

func TestCsrfVerifyFailures(t *testing.T) {
	svc, now := newTestCsrfService(t)
	token, err := svc.Generate("license.deactivate", "lic-42", testSession)
	require.NoError(t, err)

	t.Run("garbage token", func(t *testing.T) {
		assert.ErrorIs(t, svc.Verify("not-a-token", "license.deactivate", "lic-42", testSession), ErrCsrfInvalidFormat)
		assert.ErrorIs(t, svc.Verify("", "license.deactivate", "lic-42", testSession), ErrCsrfInvalidFormat)
		assert.ErrorIs(t, svc.Verify("a.", "license.deactivate", "lic-42", testSession), ErrCsrfInvalidFormat)
		assert.ErrorIs(t, svc.Verify("!!!.deadbeef", "license.deactivate", "lic-42", testSession), ErrCsrfInvalidFormat)
	})

	t.Run("tampered payload", func(t *testing.T) {
		encoded, sig, _ := strings.Cut(token, ".")
		body, err := base64.RawURLEncoding.DecodeString(encoded)
		require.NoError(t, err)
		forged := strings.Replace(string(body), "lic-42", "lic-43", 1)
		tampered := base64.RawURLEncoding.EncodeToString([]byte(forged)) + "." + sig
		assert.ErrorIs(t, svc.Verify(tampered, "license.deactivate", "lic-43", testSession), ErrCsrfSignature)
	})

	t.Run("tampered signature", func(t *testing.T) {
		tampered := token[:len(token)-1] + flipHexDigit(token[len(token)-1])
		assert.ErrorIs(t, svc.Verify(tampered, "license.deactivate", "lic-42", testSession), ErrCsrfSignature)
	})

	t.Run("wrong action", func(t *testing.T) {
		assert.ErrorIs(t, svc.Verify(token, "license.revoke", "lic-42", testSession), ErrCsrfActionMismatch)
	})

	t.Run("wrong subject", func(t *testing.T) {
		assert.ErrorIs(t, svc.Verify(token, "license.deactivate", "lic-99", testSession), ErrCsrfSubjectMismatch)
	})

	t.Run("wrong session", func(t *testing.T) {
		assert.ErrorIs(t, svc.Verify(token, "license.deactivate", "lic-42", "203.0.113.9|curl/8.0"), ErrCsrfSessionMismatch)
	})

	t.Run("expired", func(t *testing.T) {
		*now = now.Add(2 * time.Hour)
		defer func() { *now = now.Add(-2 * time.Hour) }()
		assert.ErrorIs(t, svc.Verify(token, "license.deactivate", "lic-42", testSession), ErrCsrfExpired)
	})
}

func TestIsCsrfError(t *testing.T) {
	for _, err := range []error{
		ErrCsrfInvalidFormat, ErrCsrfSignature, ErrCsrfActionMismatch,
		ErrCsrfSubjectMismatch, ErrCsrfExpired, ErrCsrfSessionMismatch,
	} {
		assert.True(t, IsCsrfError(err), err.Error())
	}
	assert.False(t, IsCsrfError(ErrRateLimitExceeded))
	assert.False(t, IsCsrfError(nil))
}

func TestFingerprintPrefix(t *testing.T) {
	a := FingerprintPrefix(testSession)
	assert.Len(t, a, fingerprintPrefixLen)
	assert.Equal(t, a, FingerprintPrefix(testSession))
	assert.NotEqual(t, a, FingerprintPrefix("other-session"))
}

func TestHashIdentity(t *testing.T) {
	assert.Empty(t, HashIdentity(""))
	h := HashIdentity("203.0.113.9")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashIdentity("203.0.113.9"))
	assert.NotEqual(t, h, HashIdentity("203.0.113.10"))
}

func flipHexDigit(b byte) string {
	if b == 'a' {
		return "b"
	}
	return "a"
}
