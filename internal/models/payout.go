package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutStatus lifecycle:
//
//	pending -> processing -> sent -> completed
//	pending -> pending_manual -> completed (admin mark_complete)
//	processing -> reversed | failed
//	failed -> pending (admin retry)
type PayoutStatus string

const (
	PayoutStatusPending       PayoutStatus = "pending"
	PayoutStatusProcessing    PayoutStatus = "processing"
	PayoutStatusSent          PayoutStatus = "sent"
	PayoutStatusCompleted     PayoutStatus = "completed"
	PayoutStatusFailed        PayoutStatus = "failed"
	PayoutStatusPendingManual PayoutStatus = "pending_manual"
	PayoutStatusReversed      PayoutStatus = "reversed"
)

// Payout is one fiat transfer backed by exactly one confirmed BurnRecord.
// The provider call carries the payout id as reference_id, so provider-side
// retries and duplicate webhooks converge on this record.
type Payout struct {
	ID           string          `json:"id" gorm:"primaryKey;size:36"`
	UserID       string          `json:"user_id" gorm:"size:64;index;not null"`
	BurnRecordID string          `json:"burn_record_id" gorm:"size:36;uniqueIndex;not null"`
	BankDetailID string          `json:"bank_detail_id" gorm:"size:36;not null"`
	AmountUSD    decimal.Decimal `json:"amount_usd" gorm:"type:numeric(20,2);not null"`
	AmountINR    decimal.Decimal `json:"amount_inr" gorm:"type:numeric(20,2);not null"`
	ExchangeRate decimal.Decimal `json:"exchange_rate" gorm:"type:numeric(12,4);not null"` // frozen at initiation
	Status       PayoutStatus    `json:"status" gorm:"size:16;index;not null"`

	ProviderPayoutID *string `json:"provider_payout_id,omitempty" gorm:"size:64;index"`
	ProviderStatus   *string `json:"provider_status,omitempty" gorm:"size:32"`
	UTR              *string `json:"utr,omitempty" gorm:"size:64"`
	FailureReason    *string `json:"failure_reason,omitempty" gorm:"type:text"`
	Metadata         string  `json:"metadata,omitempty" gorm:"type:text"`

	InitiatedAt *time.Time `json:"initiated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MapProviderStatus translates the provider's payout status vocabulary into
// the internal one. Unknown statuses keep the payout in processing so a later
// webhook or poll can settle it.
func MapProviderStatus(providerStatus string) PayoutStatus {
	switch providerStatus {
	case "created", "queued", "pending", "processing":
		return PayoutStatusProcessing
	case "processed":
		return PayoutStatusCompleted
	case "reversed":
		return PayoutStatusReversed
	case "cancelled", "rejected":
		return PayoutStatusFailed
	}
	return PayoutStatusProcessing
}
