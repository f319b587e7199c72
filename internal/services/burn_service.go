package services

import (
	"context"
	"log"
	"time"

	"escrowd/internal/chain"
	"escrowd/internal/keyvault"
	"escrowd/internal/metrics"
	"escrowd/internal/models"
	"escrowd/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BurnService owns the burn ledger: one record per claim attempt, advancing
// pending -> submitted here and submitted -> confirmed | failed in the
// verification loop. Tokens convert 1:1 to USD.
type BurnService struct {
	burns       repository.BurnRepository
	bankDetails repository.BankDetailRepository
	registry    *keyvault.Registry
	gateway     chain.Gateway
}

func NewBurnService(burns repository.BurnRepository, bankDetails repository.BankDetailRepository, registry *keyvault.Registry, gateway chain.Gateway) *BurnService {
	return &BurnService{burns: burns, bankDetails: bankDetails, registry: registry, gateway: gateway}
}

// RequestBurn converts the USD amount to token units, checks the user's
// token balance, persists a pending record and submits the user-signed burn.
// A failed submission marks the record failed; a retry always creates a new
// record. bankDetailID optionally picks the payout destination; empty means
// the user's default at arm time.
func (s *BurnService) RequestBurn(ctx context.Context, userID string, amountUSD decimal.Decimal, bankDetailID string) (*models.BurnRecord, error) {
	amountToken, err := UsdToWei(amountUSD)
	if err != nil {
		return nil, err
	}

	if bankDetailID != "" {
		bank, err := s.bankDetails.GetByID(ctx, bankDetailID)
		if err != nil || bank.UserID != userID || !bank.IsActive {
			return nil, models.E(models.CodeBadInput, "bank detail %s is not an active destination for this user", bankDetailID)
		}
	}

	walletAddr, err := s.registry.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	balance, err := s.gateway.TokenBalanceOf(ctx, walletAddr)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amountToken) < 0 {
		return nil, models.E(models.CodeBadInput,
			"token balance %s is below requested burn of %s", balance, amountToken)
	}

	record := &models.BurnRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		AmountToken: amountToken.String(),
		AmountUSD:   amountUSD.Round(2),
		Status:      models.BurnStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if bankDetailID != "" {
		record.BankDetailID = &bankDetailID
	}
	if err := s.burns.Create(ctx, record); err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "create burn record")
	}

	result, err := s.gateway.SubmitBurn(ctx, userID, amountToken)
	if err != nil {
		if failErr := s.burns.MarkFailed(ctx, record.ID, err.Error()); failErr != nil {
			log.Printf("❌ burn %s: mark failed: %v", record.ID, failErr)
		}
		metrics.BurnsTotal.WithLabelValues(string(models.BurnStatusFailed)).Inc()
		return nil, err
	}

	if err := s.burns.MarkSubmitted(ctx, record.ID, result.TxHash); err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "mark burn submitted")
	}
	log.Printf("✅ burn %s submitted for user %s (tx %s)", record.ID, userID, result.TxHash)

	record.Status = models.BurnStatusSubmitted
	record.TxHash = &result.TxHash
	return record, nil
}

// History returns the user's burn records, newest first.
func (s *BurnService) History(ctx context.Context, userID string) ([]models.BurnRecord, error) {
	return s.burns.FindByUser(ctx, userID)
}

// TokenBalance reads the user's live token balance as a USD-equivalent
// decimal.
func (s *BurnService) TokenBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	walletAddr, err := s.registry.AddressOf(ctx, userID)
	if err != nil {
		if models.CodeOf(err) == models.CodeNoWallet {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	balance, err := s.gateway.TokenBalanceOf(ctx, walletAddr)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(balance, 0).Div(weiPerToken), nil
}
