package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"escrowd/internal/models"
)

const (
	minSecretLen = 32
	nonceSize    = 12 // 96-bit GCM nonce
	tagSize      = 16
)

// Envelope is a sealed secret: AES-256-GCM ciphertext with the nonce and
// authentication tag split out, all hex-encoded for storage.
type Envelope struct {
	Nonce      string
	Tag        string
	Ciphertext string
	KeyID      string // reserved for master key rotation; always "v1" today
}

// Sealer wraps and unwraps secrets under the process master key. The key is
// SHA-256 of the configured secret, derived once at construction.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the master key and prepares the AEAD. Fails with
// KEY_UNAVAILABLE when the secret is missing or shorter than 32 characters.
func NewSealer(secret string) (*Sealer, error) {
	if len(secret) < minSecretLen {
		return nil, models.E(models.CodeKeyUnavailable,
			"key encryption secret missing or shorter than %d characters", minSecretLen)
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, models.WrapErr(models.CodeKeyUnavailable, err, "init cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, models.WrapErr(models.CodeKeyUnavailable, err, "init GCM")
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) (*Envelope, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, models.WrapErr(models.CodeKeyUnavailable, err, "generate nonce")
	}

	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &Envelope{
		Nonce:      hex.EncodeToString(nonce),
		Tag:        hex.EncodeToString(tag),
		Ciphertext: hex.EncodeToString(ciphertext),
		KeyID:      "v1",
	}, nil
}

// Open decrypts an envelope. Any tampering with nonce, tag or ciphertext
// fails with CORRUPT_ENVELOPE.
func (s *Sealer) Open(env *Envelope) ([]byte, error) {
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, models.E(models.CodeCorruptEnvelope, "malformed nonce")
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, models.E(models.CodeCorruptEnvelope, "malformed tag")
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, models.E(models.CodeCorruptEnvelope, "malformed ciphertext")
	}

	plaintext, err := s.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, models.WrapErr(models.CodeCorruptEnvelope, err, "authentication failed")
	}
	return plaintext, nil
}
