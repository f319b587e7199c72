package keyvault

import (
	"testing"

	"escrowd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewSealerRejectsShortSecret(t *testing.T) {
	_, err := NewSealer("")
	require.Error(t, err)
	assert.Equal(t, models.CodeKeyUnavailable, models.CodeOf(err))

	_, err = NewSealer("too-short")
	require.Error(t, err)
	assert.Equal(t, models.CodeKeyUnavailable, models.CodeOf(err))
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)

	plaintext := []byte("a 32-byte secp256k1 private key!")
	env, err := sealer.Seal(plaintext)
	require.NoError(t, err)

	assert.Equal(t, "v1", env.KeyID)
	assert.Len(t, env.Nonce, nonceSize*2)
	assert.Len(t, env.Tag, tagSize*2)
	assert.NotEmpty(t, env.Ciphertext)

	opened, err := sealer.Open(env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealUsesFreshNonces(t *testing.T) {
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)

	a, err := sealer.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestOpenRejectsTampering(t *testing.T) {
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)

	env, err := sealer.Seal([]byte("sealed secret"))
	require.NoError(t, err)

	tamper := func(mutate func(*Envelope)) error {
		copied := *env
		mutate(&copied)
		_, openErr := sealer.Open(&copied)
		return openErr
	}

	cases := map[string]func(*Envelope){
		"flipped ciphertext": func(e *Envelope) {
			e.Ciphertext = flipHexByte(e.Ciphertext)
		},
		"flipped tag": func(e *Envelope) {
			e.Tag = flipHexByte(e.Tag)
		},
		"flipped nonce": func(e *Envelope) {
			e.Nonce = flipHexByte(e.Nonce)
		},
		"non-hex nonce": func(e *Envelope) {
			e.Nonce = "zz" + e.Nonce[2:]
		},
		"truncated tag": func(e *Envelope) {
			e.Tag = e.Tag[:4]
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			err := tamper(mutate)
			require.Error(t, err)
			assert.Equal(t, models.CodeCorruptEnvelope, models.CodeOf(err))
		})
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)
	other, err := NewSealer("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	env, err := sealer.Seal([]byte("sealed under the first key"))
	require.NoError(t, err)

	_, err = other.Open(env)
	require.Error(t, err)
	assert.Equal(t, models.CodeCorruptEnvelope, models.CodeOf(err))
}

// flipHexByte flips one bit in the first byte of a hex string.
func flipHexByte(s string) string {
	if s[0] == '0' {
		return "1" + s[1:]
	}
	return "0" + s[1:]
}
