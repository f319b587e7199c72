package services

import (
	"context"
	"errors"
	"log"
	"time"

	"escrowd/internal/config"
	"escrowd/internal/db"
	"escrowd/internal/events"
	"escrowd/internal/metrics"
	"escrowd/internal/models"
	"escrowd/internal/provider"
	"escrowd/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PayoutService drives the fiat side: arm a payout from a confirmed burn,
// initiate it with the payments provider, absorb webhooks, and expose the
// admin fallbacks for manual settlement.
type PayoutService struct {
	gdb         *gorm.DB
	payouts     repository.PayoutRepository
	burns       repository.BurnRepository
	bankDetails repository.BankDetailRepository
	client      provider.Client
	events      *events.Publisher
	fxRate      decimal.Decimal
	manualMode  bool
}

func NewPayoutService(gdb *gorm.DB, payouts repository.PayoutRepository, burns repository.BurnRepository, bankDetails repository.BankDetailRepository, client provider.Client, publisher *events.Publisher, payoutCfg config.PayoutConfig, providerCfg config.ProviderConfig) *PayoutService {
	manual := providerCfg.ManualMode || providerCfg.Key == "" || providerCfg.Secret == "" || providerCfg.Account == ""
	if manual {
		log.Printf("⚠️ payout provider not configured, every payout will land in pending_manual")
	}
	return &PayoutService{
		gdb:         gdb,
		payouts:     payouts,
		burns:       burns,
		bankDetails: bankDetails,
		client:      client,
		events:      publisher,
		fxRate:      decimal.NewFromFloat(payoutCfg.USDToINRRate),
		manualMode:  manual,
	}
}

// Arm creates the payout for a confirmed burn and immediately initiates it.
// Idempotent on the burn: a second arm for the same burn returns the
// existing payout. In manual mode the payout lands directly in
// pending_manual.
func (s *PayoutService) Arm(ctx context.Context, burn *models.BurnRecord) (*models.Payout, error) {
	if burn.Status != models.BurnStatusConfirmed {
		return nil, models.E(models.CodeBadInput, "burn %s is %s, only confirmed burns arm payouts", burn.ID, burn.Status)
	}

	if existing, err := s.payouts.GetByBurnRecordID(ctx, burn.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrPayoutNotFound) {
		return nil, models.WrapErr(models.CodeInternal, err, "look up payout for burn %s", burn.ID)
	}

	bank, err := s.payoutBank(ctx, burn)
	if err != nil {
		return nil, err
	}

	status := models.PayoutStatusPending
	if s.manualMode {
		status = models.PayoutStatusPendingManual
	}
	payout := &models.Payout{
		ID:           uuid.New().String(),
		UserID:       burn.UserID,
		BurnRecordID: burn.ID,
		BankDetailID: bank.ID,
		AmountUSD:    burn.AmountUSD,
		AmountINR:    burn.AmountUSD.Mul(s.fxRate).Round(2),
		ExchangeRate: s.fxRate,
		Status:       status,
	}

	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payouts.Create(tx, payout); err != nil {
			return err
		}
		return s.burns.LinkPayout(tx, burn.ID, payout.ID)
	})
	if err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "arm payout for burn %s", burn.ID)
	}
	metrics.PayoutsTotal.WithLabelValues(string(status)).Inc()
	log.Printf("✅ payout %s armed for burn %s (%s USD)", payout.ID, burn.ID, payout.AmountUSD)

	if s.manualMode {
		s.publish(payout, "", string(status))
		return payout, nil
	}

	if err := s.Initiate(ctx, payout.ID); err != nil {
		// Initiation failures route to pending_manual inside Initiate; the
		// armed payout is still returned.
		log.Printf("⚠️ payout %s initiation failed: %v", payout.ID, err)
	}
	return s.payouts.GetByID(ctx, payout.ID)
}

// Initiate submits a pending payout to the provider, lazily registering the
// contact and fund account on the bank detail. Provider errors move the
// payout to pending_manual with the failure reason instead of failing the
// caller's claim.
func (s *PayoutService) Initiate(ctx context.Context, payoutID string) error {
	payout, err := s.loadPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if payout.Status != models.PayoutStatusPending {
		return models.E(models.CodeBadInput, "payout %s is %s, only pending payouts initiate", payout.ID, payout.Status)
	}
	if s.manualMode {
		return s.moveToManual(ctx, payout, "provider not configured")
	}

	bank, err := s.bankDetails.GetByID(ctx, payout.BankDetailID)
	if err != nil {
		return models.WrapErr(models.CodeInternal, err, "load bank detail %s", payout.BankDetailID)
	}

	fundAccountID, err := s.ensureFundAccount(ctx, bank)
	if err != nil {
		return s.moveToManual(ctx, payout, err.Error())
	}

	resp, err := s.client.CreatePayout(ctx, provider.PayoutRequest{
		FundAccountID: fundAccountID,
		AmountMinor:   payout.AmountINR.Mul(decimal.NewFromInt(100)).IntPart(),
		Currency:      "INR",
		ReferenceID:   payout.ID,
		Narration:     "escrow payout",
	})
	if err != nil {
		return s.moveToManual(ctx, payout, err.Error())
	}

	now := time.Now().UTC()
	from := payout.Status
	payout.Status = models.MapProviderStatus(resp.Status)
	payout.ProviderPayoutID = &resp.ID
	payout.ProviderStatus = &resp.Status
	payout.InitiatedAt = &now
	if err := s.payouts.Update(s.gdb.WithContext(ctx), payout); err != nil {
		return models.WrapErr(models.CodeInternal, err, "persist initiated payout %s", payout.ID)
	}
	metrics.PayoutsTotal.WithLabelValues(string(payout.Status)).Inc()
	log.Printf("✅ payout %s initiated with provider id %s (%s)", payout.ID, resp.ID, resp.Status)
	s.publish(payout, string(from), string(payout.Status))
	return nil
}

// WebhookEvent is the normalized shape of a provider payout webhook.
type WebhookEvent struct {
	ProviderPayoutID string
	ReferenceID      string
	Status           string
	UTR              string
	FailureReason    string
}

// HandleWebhook applies one provider status notification. Serialized per
// payout by an advisory lock; duplicates and out-of-order regressions are
// no-ops.
func (s *PayoutService) HandleWebhook(ctx context.Context, event WebhookEvent) error {
	var payout *models.Payout
	if event.ReferenceID != "" {
		p, err := s.payouts.GetByID(ctx, event.ReferenceID)
		if err == nil {
			payout = p
		}
	}
	if payout == nil && event.ProviderPayoutID != "" {
		p, err := s.payouts.GetByProviderPayoutID(s.gdb.WithContext(ctx), event.ProviderPayoutID)
		if err == nil {
			payout = p
		}
	}
	if payout == nil {
		return models.E(models.CodeNotFound, "no payout for webhook %s/%s", event.ReferenceID, event.ProviderPayoutID)
	}

	var from, to models.PayoutStatus
	err := db.WithAdvisoryLock(s.gdb.WithContext(ctx), payout.ID, func(tx *gorm.DB) error {
		current, err := s.payouts.GetByProviderPayoutID(tx, event.ProviderPayoutID)
		if err != nil {
			// Provider id not yet persisted, fall back to the reference id.
			// The reload must go through tx so it sees the locked state.
			current, err = s.payouts.GetForUpdate(tx, payout.ID)
			if err != nil {
				return models.WrapErr(models.CodeInternal, err, "reload payout %s", payout.ID)
			}
		}

		from = current.Status
		to = models.MapProviderStatus(event.Status)

		// Terminal statuses never regress; a duplicate webhook is a no-op.
		if from == models.PayoutStatusCompleted || from == models.PayoutStatusReversed {
			return nil
		}
		if from == to && current.ProviderStatus != nil && *current.ProviderStatus == event.Status {
			return nil
		}

		now := time.Now().UTC()
		current.Status = to
		current.ProviderStatus = &event.Status
		if event.ProviderPayoutID != "" && current.ProviderPayoutID == nil {
			current.ProviderPayoutID = &event.ProviderPayoutID
		}
		if event.UTR != "" {
			current.UTR = &event.UTR
		}
		if event.FailureReason != "" {
			current.FailureReason = &event.FailureReason
		}
		if to == models.PayoutStatusCompleted {
			current.CompletedAt = &now
		}
		return s.payouts.Update(tx, current)
	})
	if err != nil {
		return err
	}

	if from != to {
		metrics.PayoutsTotal.WithLabelValues(string(to)).Inc()
		log.Printf("✅ payout %s: %s -> %s (provider %s)", payout.ID, from, to, event.Status)
		s.publish(payout, string(from), string(to))
	}
	return nil
}

// RefreshStale polls the provider for payouts sitting in processing with no
// status change since the cutoff, covering webhooks that were lost in
// transit. The provider answer flows through the same path as a webhook.
func (s *PayoutService) RefreshStale(ctx context.Context, olderThan time.Time, limit int) error {
	if s.manualMode {
		return nil
	}
	stale, err := s.payouts.StaleProcessing(ctx, olderThan, limit)
	if err != nil {
		return models.WrapErr(models.CodeInternal, err, "collect stale payouts")
	}
	for i := range stale {
		payout := &stale[i]
		resp, err := s.client.FetchPayout(ctx, *payout.ProviderPayoutID)
		if err != nil {
			log.Printf("❌ payout %s: provider fetch: %v", payout.ID, err)
			continue
		}
		event := WebhookEvent{
			ProviderPayoutID: *payout.ProviderPayoutID,
			ReferenceID:      payout.ID,
			Status:           resp.Status,
			UTR:              resp.UTR,
			FailureReason:    resp.Reason,
		}
		if err := s.HandleWebhook(ctx, event); err != nil {
			log.Printf("❌ payout %s: apply polled status: %v", payout.ID, err)
		}
	}
	return nil
}

// Retry moves a failed payout back to pending and re-initiates it.
func (s *PayoutService) Retry(ctx context.Context, payoutID string) (*models.Payout, error) {
	payout, err := s.loadPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status != models.PayoutStatusFailed {
		return nil, models.E(models.CodeBadInput, "payout %s is %s, only failed payouts retry", payout.ID, payout.Status)
	}

	payout.Status = models.PayoutStatusPending
	payout.FailureReason = nil
	if err := s.payouts.Update(s.gdb.WithContext(ctx), payout); err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "reset payout %s", payout.ID)
	}

	if err := s.Initiate(ctx, payout.ID); err != nil {
		log.Printf("⚠️ payout %s retry initiation failed: %v", payout.ID, err)
	}
	return s.payouts.GetByID(ctx, payout.ID)
}

// MarkComplete settles a pending_manual payout with the bank's UTR after an
// out-of-band transfer.
func (s *PayoutService) MarkComplete(ctx context.Context, payoutID, utr string) (*models.Payout, error) {
	if utr == "" {
		return nil, models.E(models.CodeBadInput, "utr is required")
	}
	payout, err := s.loadPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status != models.PayoutStatusPendingManual {
		return nil, models.E(models.CodeBadInput, "payout %s is %s, only pending_manual payouts complete manually", payout.ID, payout.Status)
	}

	now := time.Now().UTC()
	from := payout.Status
	payout.Status = models.PayoutStatusCompleted
	payout.UTR = &utr
	payout.CompletedAt = &now
	if err := s.payouts.Update(s.gdb.WithContext(ctx), payout); err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "complete payout %s", payout.ID)
	}
	metrics.PayoutsTotal.WithLabelValues(string(models.PayoutStatusCompleted)).Inc()
	log.Printf("✅ payout %s completed manually (utr %s)", payout.ID, utr)
	s.publish(payout, string(from), string(payout.Status))
	return payout, nil
}

// List returns payouts matching the filter with the total count.
func (s *PayoutService) List(ctx context.Context, filter repository.PayoutFilter) ([]models.Payout, int64, error) {
	return s.payouts.List(ctx, filter)
}

// Get returns one payout.
func (s *PayoutService) Get(ctx context.Context, payoutID string) (*models.Payout, error) {
	return s.loadPayout(ctx, payoutID)
}

func (s *PayoutService) loadPayout(ctx context.Context, payoutID string) (*models.Payout, error) {
	payout, err := s.payouts.GetByID(ctx, payoutID)
	if errors.Is(err, repository.ErrPayoutNotFound) {
		return nil, models.E(models.CodeNotFound, "payout %s not found", payoutID)
	}
	if err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "load payout")
	}
	return payout, nil
}

// payoutBank resolves the payout destination: the detail chosen at claim
// time when it is still active, else the user's current default.
func (s *PayoutService) payoutBank(ctx context.Context, burn *models.BurnRecord) (*models.BankDetail, error) {
	if burn.BankDetailID != nil && *burn.BankDetailID != "" {
		bank, err := s.bankDetails.GetByID(ctx, *burn.BankDetailID)
		if err == nil && bank.UserID == burn.UserID && bank.IsActive {
			return bank, nil
		}
		log.Printf("⚠️ burn %s: chosen bank detail %s unusable, falling back to default", burn.ID, *burn.BankDetailID)
	}

	bank, err := s.bankDetails.DefaultForUser(ctx, burn.UserID)
	if errors.Is(err, repository.ErrBankDetailNotFound) {
		return nil, models.E(models.CodeBadInput, "user %s has no default bank detail", burn.UserID)
	}
	if err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "load bank detail")
	}
	return bank, nil
}

// ensureFundAccount lazily registers the provider contact and fund account
// on the bank detail.
func (s *PayoutService) ensureFundAccount(ctx context.Context, bank *models.BankDetail) (string, error) {
	if bank.ProviderFundAccountID != nil && *bank.ProviderFundAccountID != "" {
		return *bank.ProviderFundAccountID, nil
	}

	contactID := ""
	if bank.ProviderContactID != nil {
		contactID = *bank.ProviderContactID
	}
	if contactID == "" {
		id, err := s.client.CreateContact(ctx, bank.HolderName, bank.UserID)
		if err != nil {
			return "", err
		}
		contactID = id
	}

	fundAccountID, err := s.client.CreateFundAccount(ctx, contactID, provider.BankAccount{
		HolderName:    bank.HolderName,
		AccountNumber: bank.AccountNumber,
		RoutingCode:   bank.RoutingCode,
	})
	if err != nil {
		return "", err
	}

	if err := s.bankDetails.SetProviderIDs(s.gdb.WithContext(ctx), bank.ID, &contactID, &fundAccountID); err != nil {
		return "", models.WrapErr(models.CodeInternal, err, "persist provider ids for bank detail %s", bank.ID)
	}
	return fundAccountID, nil
}

// moveToManual parks a payout in pending_manual with the reason attached.
func (s *PayoutService) moveToManual(ctx context.Context, payout *models.Payout, reason string) error {
	from := payout.Status
	payout.Status = models.PayoutStatusPendingManual
	payout.FailureReason = &reason
	if err := s.payouts.Update(s.gdb.WithContext(ctx), payout); err != nil {
		return models.WrapErr(models.CodeInternal, err, "park payout %s", payout.ID)
	}
	metrics.PayoutsTotal.WithLabelValues(string(models.PayoutStatusPendingManual)).Inc()
	log.Printf("⚠️ payout %s routed to pending_manual: %s", payout.ID, reason)
	s.publish(payout, string(from), string(payout.Status))
	return nil
}

func (s *PayoutService) publish(payout *models.Payout, from, to string) {
	s.events.PayoutStatus(events.PayoutStatusChanged{
		PayoutID:   payout.ID,
		UserID:     payout.UserID,
		FromStatus: from,
		ToStatus:   to,
	})
}
