package models

import (
	"time"
)

// BankAccountKind is the account type submitted to the payments provider.
type BankAccountKind string

const (
	BankAccountSavings BankAccountKind = "savings"
	BankAccountCurrent BankAccountKind = "current"
)

// BankDetail is a user's payout destination. At most one active record per
// user carries IsDefault=true; provider ids are filled lazily the first time
// a payout is initiated against the record.
type BankDetail struct {
	ID            string          `json:"id" gorm:"primaryKey;size:36"`
	UserID        string          `json:"user_id" gorm:"size:64;index;not null"`
	HolderName    string          `json:"holder_name" gorm:"size:120;not null"`
	AccountNumber string          `json:"account_number" gorm:"size:34;not null"` // retained for provider submission
	RoutingCode   string          `json:"routing_code" gorm:"size:20;not null"`   // IFSC
	BankName      string          `json:"bank_name" gorm:"size:120"`
	Kind          BankAccountKind `json:"kind" gorm:"size:10;default:'savings'"`
	IsDefault     bool            `json:"is_default" gorm:"index"`
	IsActive      bool            `json:"is_active" gorm:"index;default:true"`

	ProviderContactID     *string `json:"provider_contact_id,omitempty" gorm:"size:64"`
	ProviderFundAccountID *string `json:"provider_fund_account_id,omitempty" gorm:"size:64"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
