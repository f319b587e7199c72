package models

import (
	"time"
)

// Wallet is a custodial wallet for one marketplace user. The secp256k1
// secret is sealed with AES-256-GCM under the process master key and is
// never stored or logged in plaintext.
type Wallet struct {
	UserID     string    `json:"user_id" gorm:"primaryKey;size:64"`
	Address    string    `json:"address" gorm:"size:42;uniqueIndex;not null"` // 0x + 40 hex chars, lowercased
	KeyID      string    `json:"-" gorm:"size:32;default:'v1'"`               // reserved for master key rotation
	SealNonce  string    `json:"-" gorm:"size:24;not null"`                   // 96-bit GCM nonce, hex
	SealTag    string    `json:"-" gorm:"size:32;not null"`                   // 128-bit GCM tag, hex
	Ciphertext string    `json:"-" gorm:"type:text;not null"`                 // sealed secret key, hex
	CreatedAt  time.Time `json:"created_at"`
}
