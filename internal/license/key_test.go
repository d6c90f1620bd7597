package license

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHashSecret   = "test-key-hash-secret-0123456789"
	testLookupSecret = "test-lookup-secret-9876543210ab"
	strongKey        = "X7K2P9QM-R4T8W3ZA-B6N1C5VD-H2J9L4SF"
)

func newTestCodec(t *testing.T) *KeyCodec {
	t.Helper()
	codec, err := NewKeyCodec([]byte(testHashSecret), []byte(testLookupSecret))
	require.NoError(t, err)
	return codec
}

func TestNewKeyCodec(t *testing.T) {
	t.Run("rejects short secret", func(t *testing.T) {
		_, err := NewKeyCodec([]byte("short"), nil)
		assert.Error(t, err)
	})

	t.Run("rejects identical lookup secret", func(t *testing.T) {
		_, err := NewKeyCodec([]byte(testHashSecret), []byte(testHashSecret))
		assert.Error(t, err)
	})

	t.Run("derives lookup secret when omitted", func(t *testing.T) {
		codec, err := NewKeyCodec([]byte(testHashSecret), nil)
		require.NoError(t, err)
		hash, lookup := codec.Hash(strongKey)
		assert.NotEqual(t, hash, lookup)
	})
}

func TestKeyCodecGenerate(t *testing.T) {
	codec := newTestCodec(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := codec.Generate()
		require.NoError(t, err)
		assert.Regexp(t, `^[A-Z0-9]{8}-[A-Z0-9]{8}-[A-Z0-9]{8}-[A-Z0-9]{8}$`, key)
		assert.NoError(t, codec.Validate(key))
		assert.False(t, seen[key], "generated a duplicate key")
		seen[key] = true
	}
}

func TestKeyCodecNormalize(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already canonical", strongKey, strongKey},
		{"lowercase with dashes", strings.ToLower(strongKey), strongKey},
		{"no dashes", strings.ReplaceAll(strongKey, "-", ""), strongKey},
		{"spaces and mixed separators", "x7k2 p9qm_r4t8.w3za B6N1C5VD-h2j9l4sf", strongKey},
		{"too short stays stripped", "abc-123", "ABC123"},
		{"too long stays stripped", strings.ReplaceAll(strongKey, "-", "") + "XX", strings.ReplaceAll(strongKey, "-", "") + "XX"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codec.Normalize(tt.in))
		})
	}
}

func TestKeyCodecValidate(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name string
		key  string
		want error
	}{
		{"strong key", strongKey, nil},
		{"paired repeats are fine", "AABBCCDD-R4T8W3ZA-B6N1C5VD-H2J9L4SF", nil},
		{"lowercase", strings.ToLower(strongKey), ErrInvalidFormat},
		{"missing group", "X7K2P9QM-R4T8W3ZA-B6N1C5VD", ErrInvalidFormat},
		{"no dashes", strings.ReplaceAll(strongKey, "-", ""), ErrInvalidFormat},
		{"empty", "", ErrInvalidFormat},
		{"ascending letter run", "ABCD9QM2-R4T8W3ZA-B6N1C5VD-H2J9L4SF", ErrWeakKey},
		{"ascending digit run", "12345678-R4T8W3ZA-B6N1C5VD-H2J9L4SF", ErrWeakKey},
		{"descending run", "X7DCBA9Q-R4T8W3ZA-B6N1C5VD-H2J9L4SF", ErrWeakKey},
		{"run in a later group", "X7K2P9QM-R4T8W3ZA-B6N1C5VD-H2RSTUL4", ErrWeakKey},
		{"excess repeats", "AAAAA9M2-R4T8W3ZA-B6N1C5VD-H2J9L4SF", ErrWeakKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := codec.Validate(tt.key)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestKeyCodecHash(t *testing.T) {
	codec := newTestCodec(t)

	hash1, lookup1 := codec.Hash(strongKey)
	hash2, lookup2 := codec.Hash(strongKey)
	assert.Equal(t, hash1, hash2, "primary hash must be deterministic")
	assert.Equal(t, lookup1, lookup2, "lookup hash must be deterministic")
	assert.NotEqual(t, hash1, lookup1, "the two hashes must never collide")

	// Normalization happens before hashing, so presentation variants of
	// the same key hash identically.
	hashLower, _ := codec.Hash(strings.ToLower(strongKey))
	assert.Equal(t, hash1, hashLower)

	otherHash, _ := codec.Hash("AABBCCDD-R4T8W3ZA-B6N1C5VD-H2J9L4SF")
	assert.NotEqual(t, hash1, otherHash)

	assert.True(t, codec.Matches(strongKey, hash1))
	assert.True(t, codec.Matches(strings.ToLower(strongKey), hash1))
	assert.False(t, codec.Matches(strongKey, otherHash))
	assert.False(t, codec.Matches("AABBCCDD-R4T8W3ZA-B6N1C5VD-H2J9L4SF", hash1))
}

func TestKeyCodecMask(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full key", strongKey, "X7K2P9QM-****-****-H2J9L4SF"},
		{"short fragment", "ABC", "****"},
		{"undashed long value", "X7K2P9QMR4T8", "X7K2P9QM-****"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codec.Mask(tt.in))
		})
	}
}
