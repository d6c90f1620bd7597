package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCsrfTTL bounds how long an issued anti-forgery token stays
// valid.
const DefaultCsrfTTL = 12 * time.Hour

// fingerprintPrefixLen is how much of the hashed session fingerprint is
// embedded in the token. Enough to bind the token to a session without
// making the full fingerprint recoverable from a leaked token.
const fingerprintPrefixLen = 16

// csrfPayload is the signed token body. Field names are part of the
// canonical signing input and must stay stable.
type csrfPayload struct {
	Action    string `json:"action"`
	IssuedAt  int64  `json:"issued_at"`
	Nonce     string `json:"nonce"`
	Session   string `json:"session"`
	SubjectID string `json:"subject_id"`
}

// canonical serializes the payload with fields in sorted order so the
// signature is independent of map/marshal ordering quirks.
func (p csrfPayload) canonical() string {
	return fmt.Sprintf("action=%s&issued_at=%d&nonce=%s&session=%s&subject_id=%s",
		p.Action, p.IssuedAt, p.Nonce, p.Session, p.SubjectID)
}

// CsrfService issues and verifies stateless anti-forgery tokens bound to
// an action, a subject, and a session fingerprint. Tokens are the
// base64url-encoded payload joined to a hex HMAC-SHA256 signature with a
// dot; nothing is persisted server side.
type CsrfService struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewCsrfService builds the service with its dedicated signing secret,
// distinct from the key-hashing and signed-link secrets.
func NewCsrfService(secret []byte, ttl time.Duration) (*CsrfService, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("csrf signing secret must be at least 16 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultCsrfTTL
	}
	return &CsrfService{secret: secret, ttl: ttl, clock: time.Now}, nil
}

// FingerprintPrefix derives the session-binding prefix from the caller's
// raw session fingerprint (cookie, session id, or TLS channel binding).
func FingerprintPrefix(sessionFingerprint string) string {
	sum := sha256.Sum256([]byte(sessionFingerprint))
	return hex.EncodeToString(sum[:])[:fingerprintPrefixLen]
}

// Generate issues a token for one action and subject in the given
// session.
func (s *CsrfService) Generate(action, subjectID, sessionFingerprint string) (string, error) {
	if action == "" {
		return "", fmt.Errorf("csrf action is required: %w", ErrCsrfInvalidFormat)
	}
	payload := csrfPayload{
		Action:    action,
		IssuedAt:  s.clock().Unix(),
		Nonce:     uuid.New().String(),
		Session:   FingerprintPrefix(sessionFingerprint),
		SubjectID: subjectID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("csrf payload encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(body) + "." + s.sign(payload), nil
}

// Verify decodes and checks the token in a fixed order: format,
// signature (constant time), action, subject, expiry, session binding.
// Each failure maps to its own typed error so the boundary can record
// security events precisely.
func (s *CsrfService) Verify(token, action, subjectID, sessionFingerprint string) error {
	encoded, sig, found := strings.Cut(token, ".")
	if !found || encoded == "" || sig == "" {
		return ErrCsrfInvalidFormat
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ErrCsrfInvalidFormat
	}
	var payload csrfPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ErrCsrfInvalidFormat
	}
	if payload.Action == "" || payload.Nonce == "" || payload.IssuedAt == 0 {
		return ErrCsrfInvalidFormat
	}
	if subtle.ConstantTimeCompare([]byte(s.sign(payload)), []byte(sig)) != 1 {
		return ErrCsrfSignature
	}
	if payload.Action != action {
		return ErrCsrfActionMismatch
	}
	if payload.SubjectID != subjectID {
		return ErrCsrfSubjectMismatch
	}
	if s.clock().Sub(time.Unix(payload.IssuedAt, 0)) > s.ttl {
		return ErrCsrfExpired
	}
	if payload.Session != FingerprintPrefix(sessionFingerprint) {
		return ErrCsrfSessionMismatch
	}
	return nil
}

func (s *CsrfService) sign(p csrfPayload) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(p.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}
