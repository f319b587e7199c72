package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BurnStatus lifecycle: pending -> submitted -> confirmed | failed.
// A failed record is never resubmitted; a retry creates a new record.
type BurnStatus string

const (
	BurnStatusPending   BurnStatus = "pending"
	BurnStatusSubmitted BurnStatus = "submitted"
	BurnStatusConfirmed BurnStatus = "confirmed"
	BurnStatusFailed    BurnStatus = "failed"
)

// BurnRecord records one attempt to burn internal tokens ahead of a fiat
// payout. It is the sole bridge from on-chain finality to fiat owing: only a
// confirmed burn may arm a payout, and at most one payout per burn.
type BurnRecord struct {
	ID             string          `json:"id" gorm:"primaryKey;size:36"`
	UserID         string          `json:"user_id" gorm:"size:64;index;not null"`
	AmountToken    string          `json:"amount_token" gorm:"size:78;not null"` // token smallest unit, uint256 decimal string
	AmountUSD      decimal.Decimal `json:"amount_usd" gorm:"type:numeric(20,2);not null"`
	Status         BurnStatus      `json:"status" gorm:"size:12;index;not null"`
	TxHash         *string         `json:"tx_hash,omitempty" gorm:"size:66;index"`
	BlockNumber    *uint64         `json:"block_number,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty" gorm:"type:text"`
	BankDetailID   *string         `json:"bank_detail_id,omitempty" gorm:"size:36"` // payout destination chosen at claim time
	LinkedPayoutID *string         `json:"linked_payout_id,omitempty" gorm:"size:36"`
	CreatedAt      time.Time       `json:"created_at"`
	VerifiedAt     *time.Time      `json:"verified_at,omitempty"`
}
