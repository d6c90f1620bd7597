package license

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyLength   = 32
	keyGroupLen = 8
	keyGroups   = keyLength / keyGroupLen

	// maxSequentialRun is the longest tolerated run of characters whose
	// codes step by exactly 1 (ascending or descending) within a group.
	maxSequentialRun = 2
	// maxCharRepeats is the most a single character may appear in a group.
	maxCharRepeats = 4

	// lookupSalt keys the PBKDF2 derivation of the lookup-hash secret when
	// no independent secret is configured.
	lookupSalt       = "keygate/lookup-hash/v1"
	lookupIterations = 4096
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{8}-[A-Z0-9]{8}-[A-Z0-9]{8}-[A-Z0-9]{8}$`)

// KeyCodec generates, normalizes, validates, hashes, and masks license
// keys. The primary secret keys KeyHash; the lookup secret keys
// KeyLookupHash, a second independently-keyed HMAC used purely as an
// equality index so a leaked index cannot be used to forge KeyHash.
type KeyCodec struct {
	secret       []byte
	lookupSecret []byte
}

// NewKeyCodec builds a codec from the primary hashing secret. If
// lookupSecret is empty it is derived from the primary secret with PBKDF2
// so the two HMAC keys are never identical.
func NewKeyCodec(secret, lookupSecret []byte) (*KeyCodec, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("key hashing secret must be at least 16 bytes, got %d", len(secret))
	}
	if len(lookupSecret) == 0 {
		lookupSecret = pbkdf2.Key(secret, []byte(lookupSalt), lookupIterations, 32, sha256.New)
	}
	if subtle.ConstantTimeCompare(secret, lookupSecret) == 1 {
		return nil, fmt.Errorf("lookup secret must differ from the primary secret")
	}
	return &KeyCodec{secret: secret, lookupSecret: lookupSecret}, nil
}

// Generate produces a new key of 32 cryptographically random characters
// grouped as 4x8 with dashes. Candidates that trip the weak-key filter
// are discarded and regenerated.
func (c *KeyCodec) Generate() (string, error) {
	for {
		raw, err := randomKeyChars(keyLength)
		if err != nil {
			return "", fmt.Errorf("generate license key: %w", err)
		}
		key := insertDashes(raw)
		if weakKey(key) == nil {
			return key, nil
		}
	}
}

// Normalize strips non-alphanumeric characters and uppercases. Dashes are
// re-inserted only when exactly 32 characters remain; anything else is
// returned stripped so Validate can reject it.
func (c *KeyCodec) Normalize(raw string) string {
	stripped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			return r
		}
		return -1
	}, raw)
	if len(stripped) != keyLength {
		return stripped
	}
	return insertDashes(stripped)
}

// Validate checks the dashed format and the weak-key filter.
func (c *KeyCodec) Validate(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidFormat
	}
	return weakKey(key)
}

// Hash returns the primary HMAC and the lookup HMAC of the normalized
// key, hex encoded. Deterministic for a fixed key and secrets.
func (c *KeyCodec) Hash(key string) (hash, lookupHash string) {
	norm := c.Normalize(key)
	return hmacHex(c.secret, norm), hmacHex(c.lookupSecret, norm)
}

// Matches compares a plaintext key against a stored primary hash in
// constant time.
func (c *KeyCodec) Matches(key, storedHash string) bool {
	h, _ := c.Hash(key)
	return subtle.ConstantTimeCompare([]byte(h), []byte(storedHash)) == 1
}

// Mask renders a key safe for logging: first and last groups verbatim,
// middle groups replaced with ****.
func (c *KeyCodec) Mask(key string) string {
	groups := strings.Split(key, "-")
	if len(groups) != keyGroups {
		if len(key) <= keyGroupLen {
			return "****"
		}
		return key[:keyGroupLen] + "-****"
	}
	return groups[0] + "-****-****-" + groups[keyGroups-1]
}

func hmacHex(secret []byte, msg string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomKeyChars(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(out), nil
}

func insertDashes(raw string) string {
	var sb strings.Builder
	sb.Grow(keyLength + keyGroups - 1)
	for i := 0; i < keyGroups; i++ {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(raw[i*keyGroupLen : (i+1)*keyGroupLen])
	}
	return sb.String()
}

// weakKey returns ErrWeakKey when any group contains a sequential run
// longer than maxSequentialRun or a character repeated more than
// maxCharRepeats times. Guessable patterns like "ABCDEF12" or "AAAAA7Q2"
// are rejected at generation and at validation.
func weakKey(key string) error {
	for _, group := range strings.Split(key, "-") {
		if hasSequentialRun(group) || hasExcessRepeats(group) {
			return ErrWeakKey
		}
	}
	return nil
}

func hasSequentialRun(group string) bool {
	ascRun, descRun := 1, 1
	for i := 1; i < len(group); i++ {
		diff := int(group[i]) - int(group[i-1])
		if diff == 1 {
			ascRun++
			descRun = 1
		} else if diff == -1 {
			descRun++
			ascRun = 1
		} else {
			ascRun, descRun = 1, 1
		}
		if ascRun > maxSequentialRun || descRun > maxSequentialRun {
			return true
		}
	}
	return false
}

func hasExcessRepeats(group string) bool {
	var counts [256]int
	for i := 0; i < len(group); i++ {
		counts[group[i]]++
		if counts[group[i]] > maxCharRepeats {
			return true
		}
	}
	return false
}
