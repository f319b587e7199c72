package services

import (
	"context"
	"testing"
	"time"

	"escrowd/internal/config"
	"escrowd/internal/models"
	"escrowd/internal/provider"
	"escrowd/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type payoutFixture struct {
	gdb      *gorm.DB
	service  *PayoutService
	provider *fakeProvider
	burns    repository.BurnRepository
	payouts  repository.PayoutRepository
	banks    repository.BankDetailRepository
}

func newPayoutFixture(t *testing.T, manual bool) *payoutFixture {
	t.Helper()
	gdb := newTestDB(t)
	fake := newFakeProvider()

	providerCfg := config.ProviderConfig{
		Key:        "key_test",
		Secret:     "secret_test",
		Account:    "1234567890",
		ManualMode: manual,
	}

	burns := repository.NewBurnRepository(gdb)
	payouts := repository.NewPayoutRepository(gdb)
	banks := repository.NewBankDetailRepository(gdb)

	service := NewPayoutService(
		gdb, payouts, burns, banks,
		fake, testPublisher(),
		config.PayoutConfig{USDToINRRate: 83.0}, providerCfg,
	)
	return &payoutFixture{gdb: gdb, service: service, provider: fake, burns: burns, payouts: payouts, banks: banks}
}

func (fx *payoutFixture) confirmedBurn(t *testing.T, userID, amountUSD string) *models.BurnRecord {
	t.Helper()
	ctx := context.Background()
	txHash := "0xburn" + uuid.New().String()[:8]

	record := &models.BurnRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		AmountToken: "25000000000000000000",
		AmountUSD:   decimal.RequireFromString(amountUSD),
		Status:      models.BurnStatusPending,
	}
	require.NoError(t, fx.burns.Create(ctx, record))
	require.NoError(t, fx.burns.MarkSubmitted(ctx, record.ID, txHash))
	require.NoError(t, fx.burns.MarkConfirmed(fx.gdb, record.ID, 321, record.CreatedAt))

	confirmed, err := fx.burns.GetByID(ctx, record.ID)
	require.NoError(t, err)
	return confirmed
}

func (fx *payoutFixture) defaultBank(t *testing.T, userID string) *models.BankDetail {
	t.Helper()
	detail := &models.BankDetail{
		ID:            uuid.New().String(),
		UserID:        userID,
		HolderName:    "Test Holder",
		AccountNumber: "000111222333",
		RoutingCode:   "HDFC0000001",
		Kind:          models.BankAccountSavings,
		IsDefault:     true,
		IsActive:      true,
	}
	require.NoError(t, fx.banks.Create(context.Background(), detail))
	return detail
}

func TestArmCreatesAndInitiatesPayout(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "25.00")

	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)

	assert.Equal(t, models.PayoutStatusProcessing, payout.Status)
	assert.Equal(t, "2075", payout.AmountINR.String()) // 25 * 83
	assert.Equal(t, "83", payout.ExchangeRate.String())
	require.NotNil(t, payout.ProviderPayoutID)

	// Provider got paise and the payout id as reference.
	assert.Equal(t, int64(207500), fx.provider.lastRequest.AmountMinor)
	assert.Equal(t, payout.ID, fx.provider.lastRequest.ReferenceID)
	assert.Equal(t, "INR", fx.provider.lastRequest.Currency)

	// The burn now links back to the payout.
	linked, err := fx.burns.GetByID(context.Background(), burn.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.LinkedPayoutID)
	assert.Equal(t, payout.ID, *linked.LinkedPayoutID)
}

func TestArmUsesChosenBankDetail(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")
	chosen := &models.BankDetail{
		ID:            uuid.New().String(),
		UserID:        "user-1",
		HolderName:    "Test Holder",
		AccountNumber: "999888777666",
		RoutingCode:   "ICIC0000002",
		Kind:          models.BankAccountCurrent,
		IsActive:      true,
	}
	require.NoError(t, fx.banks.Create(context.Background(), chosen))

	burn := fx.confirmedBurn(t, "user-1", "25.00")
	require.NoError(t, fx.gdb.Model(&models.BurnRecord{}).
		Where("id = ?", burn.ID).
		Update("bank_detail_id", chosen.ID).Error)
	burn.BankDetailID = &chosen.ID

	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)
	assert.Equal(t, chosen.ID, payout.BankDetailID)
}

func TestArmFallsBackWhenChosenDetailDeactivated(t *testing.T) {
	fx := newPayoutFixture(t, false)
	def := fx.defaultBank(t, "user-1")
	stale := &models.BankDetail{
		ID:            uuid.New().String(),
		UserID:        "user-1",
		HolderName:    "Test Holder",
		AccountNumber: "555444333222",
		RoutingCode:   "SBIN0000003",
		Kind:          models.BankAccountSavings,
		IsActive:      false,
	}
	require.NoError(t, fx.banks.Create(context.Background(), stale))

	burn := fx.confirmedBurn(t, "user-1", "25.00")
	burn.BankDetailID = &stale.ID

	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)
	assert.Equal(t, def.ID, payout.BankDetailID)
}

func TestArmIsIdempotentPerBurn(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "25.00")

	first, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)
	second, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, fx.provider.payoutCalls)
}

func TestArmRejectsUnconfirmedBurn(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")

	burn := &models.BurnRecord{
		ID:          uuid.New().String(),
		UserID:      "user-1",
		AmountToken: "1",
		AmountUSD:   decimal.RequireFromString("1.00"),
		Status:      models.BurnStatusSubmitted,
	}
	_, err := fx.service.Arm(context.Background(), burn)
	require.Error(t, err)
	assert.Equal(t, models.CodeBadInput, models.CodeOf(err))
}

func TestManualModeRoutesToPendingManual(t *testing.T) {
	fx := newPayoutFixture(t, true)
	fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "40.00")

	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)

	assert.Equal(t, models.PayoutStatusPendingManual, payout.Status)
	assert.Equal(t, 0, fx.provider.payoutCalls)

	// Admin settles out-of-band.
	completed, err := fx.service.MarkComplete(context.Background(), payout.ID, "X123")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusCompleted, completed.Status)
	require.NotNil(t, completed.UTR)
	assert.Equal(t, "X123", *completed.UTR)
	require.NotNil(t, completed.CompletedAt)
}

func TestProviderErrorParksPayout(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")
	fx.provider.payoutErr = models.E(models.CodeProviderRejected, "provider rejected /payouts: insufficient balance")
	burn := fx.confirmedBurn(t, "user-1", "25.00")

	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)

	assert.Equal(t, models.PayoutStatusPendingManual, payout.Status)
	require.NotNil(t, payout.FailureReason)
	assert.Contains(t, *payout.FailureReason, "insufficient balance")
}

func TestWebhookProcessedCompletesOnce(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "25.00")
	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)

	event := WebhookEvent{
		ProviderPayoutID: *payout.ProviderPayoutID,
		ReferenceID:      payout.ID,
		Status:           "processed",
		UTR:              "UTR001",
	}
	require.NoError(t, fx.service.HandleWebhook(context.Background(), event))

	updated, err := fx.service.Get(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusCompleted, updated.Status)
	require.NotNil(t, updated.UTR)
	assert.Equal(t, "UTR001", *updated.UTR)
	firstCompletedAt := updated.CompletedAt
	require.NotNil(t, firstCompletedAt)

	// Duplicate webhook is a no-op.
	require.NoError(t, fx.service.HandleWebhook(context.Background(), event))
	again, err := fx.service.Get(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusCompleted, again.Status)
	assert.Equal(t, firstCompletedAt.Unix(), again.CompletedAt.Unix())
}

func TestWebhookRejectedFailsAndAdminRetries(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "25.00")
	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)

	require.NoError(t, fx.service.HandleWebhook(context.Background(), WebhookEvent{
		ProviderPayoutID: *payout.ProviderPayoutID,
		ReferenceID:      payout.ID,
		Status:           "rejected",
		FailureReason:    "beneficiary bank offline",
	}))

	failed, err := fx.service.Get(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusFailed, failed.Status)

	retried, err := fx.service.Retry(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusProcessing, retried.Status)
	assert.Equal(t, 2, fx.provider.payoutCalls)
}

func TestWebhookUnknownPayout(t *testing.T) {
	fx := newPayoutFixture(t, false)

	err := fx.service.HandleWebhook(context.Background(), WebhookEvent{
		ProviderPayoutID: "pout_ghost",
		Status:           "processed",
	})
	require.Error(t, err)
	assert.Equal(t, models.CodeNotFound, models.CodeOf(err))
}

func TestWebhookReversed(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "25.00")
	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)

	require.NoError(t, fx.service.HandleWebhook(context.Background(), WebhookEvent{
		ProviderPayoutID: *payout.ProviderPayoutID,
		ReferenceID:      payout.ID,
		Status:           "reversed",
	}))

	updated, err := fx.service.Get(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusReversed, updated.Status)

	// Reversed is terminal for webhooks.
	require.NoError(t, fx.service.HandleWebhook(context.Background(), WebhookEvent{
		ProviderPayoutID: *payout.ProviderPayoutID,
		ReferenceID:      payout.ID,
		Status:           "processed",
	}))
	still, err := fx.service.Get(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusReversed, still.Status)
}

func TestWebhookMatchesByReferenceOnly(t *testing.T) {
	// Manual-mode payouts carry no provider id yet, so the webhook can
	// only be matched through the reference id inside the lock.
	fx := newPayoutFixture(t, true)
	fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "25.00")
	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)
	require.Nil(t, payout.ProviderPayoutID)

	require.NoError(t, fx.service.HandleWebhook(context.Background(), WebhookEvent{
		ProviderPayoutID: "pout_late",
		ReferenceID:      payout.ID,
		Status:           "processed",
		UTR:              "UTR901",
	}))

	updated, err := fx.service.Get(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusCompleted, updated.Status)
	require.NotNil(t, updated.UTR)
	assert.Equal(t, "UTR901", *updated.UTR)
	require.NotNil(t, updated.ProviderPayoutID)
	assert.Equal(t, "pout_late", *updated.ProviderPayoutID)
}

func TestRefreshStaleCompletesMissedWebhook(t *testing.T) {
	fx := newPayoutFixture(t, false)
	fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "25.00")
	payout, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)
	require.NotNil(t, payout.ProviderPayoutID)

	cutoff := time.Now().Add(time.Minute)

	// Provider still reports processing: nothing changes.
	require.NoError(t, fx.service.RefreshStale(context.Background(), cutoff, 20))
	current, err := fx.service.Get(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusProcessing, current.Status)

	// The webhook for the processed payout never arrived; the poll
	// must settle it.
	fx.provider.fetchResults[*payout.ProviderPayoutID] = &provider.PayoutResponse{
		ID:     *payout.ProviderPayoutID,
		Status: "processed",
		UTR:    "UTR900",
	}
	require.NoError(t, fx.service.RefreshStale(context.Background(), cutoff, 20))

	updated, err := fx.service.Get(context.Background(), payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusCompleted, updated.Status)
	require.NotNil(t, updated.UTR)
	assert.Equal(t, "UTR900", *updated.UTR)
	require.NotNil(t, updated.CompletedAt)
}

func TestLazyFundAccountRegistration(t *testing.T) {
	fx := newPayoutFixture(t, false)
	bank := fx.defaultBank(t, "user-1")
	burn := fx.confirmedBurn(t, "user-1", "25.00")

	_, err := fx.service.Arm(context.Background(), burn)
	require.NoError(t, err)

	stored, err := fx.banks.GetByID(context.Background(), bank.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProviderContactID)
	assert.Equal(t, "cont_test", *stored.ProviderContactID)
	require.NotNil(t, stored.ProviderFundAccountID)
	assert.Equal(t, "fa_test", *stored.ProviderFundAccountID)
}

var _ provider.Client = (*fakeProvider)(nil)
