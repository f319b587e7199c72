package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus mirrors the on-chain escrow contract state at the domain level.
// The mirror is advanced optimistically on submission and finalized by the
// verification loop; once terminal it never changes again.
type EscrowStatus string

const (
	EscrowStatusNone           EscrowStatus = ""                // escrow not yet created
	EscrowStatusLocked         EscrowStatus = "locked"          // contract state 0
	EscrowStatusReleasePending EscrowStatus = "release_pending" // contract state 1
	EscrowStatusDisputed       EscrowStatus = "disputed"        // contract state 2
	EscrowStatusComplete       EscrowStatus = "complete"        // contract state 3, terminal
	EscrowStatusRefunded       EscrowStatus = "refunded"        // contract state 4, terminal
)

// Terminal reports whether the status accepts no further transitions.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowStatusComplete || s == EscrowStatusRefunded
}

// ContractState maps the escrow contract's currentState() uint8 to the
// domain status. Values outside 0..4 map to EscrowStatusNone.
func ContractState(state uint8) EscrowStatus {
	switch state {
	case 0:
		return EscrowStatusLocked
	case 1:
		return EscrowStatusReleasePending
	case 2:
		return EscrowStatusDisputed
	case 3:
		return EscrowStatusComplete
	case 4:
		return EscrowStatusRefunded
	}
	return EscrowStatusNone
}

// Order is the escrow-relevant projection of a marketplace order. The order
// itself (cart, items, pricing) is composed upstream; this record carries the
// parties, the total and the per-order escrow mirror.
type Order struct {
	ID          string          `json:"order_id" gorm:"primaryKey;size:64"`
	BuyerID     string          `json:"buyer_id" gorm:"size:64;index;not null"`
	SellerID    string          `json:"seller_id" gorm:"size:64;index;not null"`
	TotalAmount decimal.Decimal `json:"total_amount" gorm:"type:numeric(30,18);not null"`

	// Escrow mirror, absent until the operator creates the contract.
	EscrowAddress   *string      `json:"escrow_address,omitempty" gorm:"size:42;index"`
	EscrowStatus    EscrowStatus `json:"escrow_status" gorm:"size:20;index"`
	BuyerAddr       string       `json:"buyer_addr" gorm:"size:42"`
	SellerAddr      string       `json:"seller_addr" gorm:"size:42"`
	AmountWei       string       `json:"amount_wei" gorm:"size:78"` // uint256 decimal string
	EscrowCreatedAt *time.Time   `json:"escrow_created_at,omitempty"`

	TxLog []EscrowTxLog `json:"tx_log" gorm:"foreignKey:OrderID;references:ID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TxKind identifies which escrow transition a log entry records.
type TxKind string

const (
	TxKindCreated         TxKind = "created"
	TxKindConfirmDelivery TxKind = "confirm_delivery"
	TxKindRelease         TxKind = "release"
	TxKindDispute         TxKind = "dispute"
	TxKindResolve         TxKind = "resolve"
	TxKindTimeoutClaim    TxKind = "timeout_claim"
)

// TxOutcome is the observed receipt outcome of a submitted transaction.
type TxOutcome string

const (
	TxOutcomePending  TxOutcome = "pending"
	TxOutcomeSuccess  TxOutcome = "success"
	TxOutcomeReverted TxOutcome = "reverted"
)

// EscrowTxLog is one append-only entry in an order's transaction log. Entries
// are never updated except to finalize Outcome/BlockNumber/ConfirmedAt.
// FromStatus/ToStatus record the mirror transition the tx is expected to
// cause, so the verification loop can finalize or roll back without
// re-deriving the state machine.
type EscrowTxLog struct {
	ID          string       `json:"id" gorm:"primaryKey;size:36"`
	OrderID     string       `json:"order_id" gorm:"size:64;index;not null"`
	Kind        TxKind       `json:"kind" gorm:"size:20;not null"`
	TxHash      string       `json:"tx_hash" gorm:"size:66;index"`
	FromStatus  EscrowStatus `json:"from_status" gorm:"size:20"`
	ToStatus    EscrowStatus `json:"to_status" gorm:"size:20"`
	BlockNumber *uint64      `json:"block_number,omitempty"`
	Outcome     TxOutcome    `json:"outcome" gorm:"size:10;index;not null"`
	SubmittedAt time.Time    `json:"submitted_at"`
	ConfirmedAt *time.Time   `json:"confirmed_at,omitempty"`
}
