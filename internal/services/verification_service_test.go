package services

import (
	"context"
	"testing"
	"time"

	"escrowd/internal/chain"
	"escrowd/internal/config"
	"escrowd/internal/keyvault"
	"escrowd/internal/models"
	"escrowd/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var _ chain.Gateway = (*fakeGateway)(nil)

type verificationFixture struct {
	gdb      *gorm.DB
	service  *VerificationService
	gateway  *fakeGateway
	registry *keyvault.Registry
	orders   repository.OrderRepository
	burns    repository.BurnRepository
	payouts  repository.PayoutRepository
	banks    repository.BankDetailRepository
}

func newVerificationFixture(t *testing.T) *verificationFixture {
	t.Helper()
	gdb := newTestDB(t)
	gateway := newFakeGateway()
	registry := newTestRegistry(t, gdb)

	orders := repository.NewOrderRepository(gdb)
	burns := repository.NewBurnRepository(gdb)
	payouts := repository.NewPayoutRepository(gdb)
	banks := repository.NewBankDetailRepository(gdb)

	// Manual-mode payout pipeline keeps the armed payout local to the test.
	payoutService := NewPayoutService(
		gdb, payouts, burns, banks,
		newFakeProvider(), testPublisher(),
		config.PayoutConfig{USDToINRRate: 83.0},
		config.ProviderConfig{ManualMode: true},
	)

	service := NewVerificationService(
		gdb, orders, burns, registry, gateway, payoutService, testPublisher(),
		config.VerifyConfig{PollIntervalSec: 30, WindowHours: 24, StuckHours: 2, BatchSize: 20},
	)
	return &verificationFixture{
		gdb: gdb, service: service, gateway: gateway, registry: registry,
		orders: orders, burns: burns, payouts: payouts, banks: banks,
	}
}

// seedPendingTransition stores an order whose mirror was advanced
// optimistically and whose tx_log entry awaits a receipt.
func (fx *verificationFixture) seedPendingTransition(t *testing.T, orderID, txHash string) *models.EscrowTxLog {
	t.Helper()
	addr := "0x000000000000000000000000000000000000e5c1"
	order := &models.Order{
		ID:            orderID,
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		TotalAmount:   decimal.RequireFromString("50.00"),
		EscrowAddress: &addr,
		EscrowStatus:  models.EscrowStatusReleasePending,
		AmountWei:     "50000000000000000000",
	}
	require.NoError(t, fx.orders.Create(context.Background(), order))

	entry := &models.EscrowTxLog{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		Kind:        models.TxKindConfirmDelivery,
		TxHash:      txHash,
		FromStatus:  models.EscrowStatusLocked,
		ToStatus:    models.EscrowStatusReleasePending,
		Outcome:     models.TxOutcomePending,
		SubmittedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, fx.orders.AppendTxLog(fx.gdb, entry))
	return entry
}

func (fx *verificationFixture) seedSubmittedBurn(t *testing.T, userID, txHash string) *models.BurnRecord {
	t.Helper()
	record := &models.BurnRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		AmountToken: "25000000000000000000",
		AmountUSD:   decimal.RequireFromString("25.00"),
		Status:      models.BurnStatusPending,
	}
	require.NoError(t, fx.burns.Create(context.Background(), record))
	require.NoError(t, fx.burns.MarkSubmitted(context.Background(), record.ID, txHash))
	return record
}

func TestCycleWithNothingPendingMakesNoRPCCalls(t *testing.T) {
	fx := newVerificationFixture(t)
	fx.service.RunCycle(context.Background())
	assert.Equal(t, 0, fx.gateway.receiptCalls)
}

func TestCycleFinalizesSuccessfulTransition(t *testing.T) {
	fx := newVerificationFixture(t)
	fx.seedPendingTransition(t, "order-1", "0xpending1")
	fx.gateway.receipts["0xpending1"] = &chain.Receipt{Mined: true, Success: true, BlockNumber: 777}

	fx.service.RunCycle(context.Background())

	order, err := fx.orders.GetByID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleasePending, order.EscrowStatus)
	require.Len(t, order.TxLog, 1)
	assert.Equal(t, models.TxOutcomeSuccess, order.TxLog[0].Outcome)
	require.NotNil(t, order.TxLog[0].BlockNumber)
	assert.Equal(t, uint64(777), *order.TxLog[0].BlockNumber)
	require.NotNil(t, order.TxLog[0].ConfirmedAt)

	// A second observation of the same receipt changes nothing.
	confirmedAt := *order.TxLog[0].ConfirmedAt
	fx.service.RunCycle(context.Background())
	order, err = fx.orders.GetByID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, confirmedAt.Unix(), order.TxLog[0].ConfirmedAt.Unix())
}

func TestCycleRollsBackRevertedTransition(t *testing.T) {
	fx := newVerificationFixture(t)
	fx.seedPendingTransition(t, "order-1", "0xreverted")
	fx.gateway.receipts["0xreverted"] = &chain.Receipt{Mined: true, Success: false, BlockNumber: 778}

	fx.service.RunCycle(context.Background())

	order, err := fx.orders.GetByID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusLocked, order.EscrowStatus, "mirror must roll back to the source status")
	assert.Equal(t, models.TxOutcomeReverted, order.TxLog[0].Outcome)
}

func TestCycleLeavesUnminedTransactionsPending(t *testing.T) {
	fx := newVerificationFixture(t)
	fx.seedPendingTransition(t, "order-1", "0xunmined")

	fx.service.RunCycle(context.Background())

	order, err := fx.orders.GetByID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.TxOutcomePending, order.TxLog[0].Outcome)
	assert.Equal(t, models.EscrowStatusReleasePending, order.EscrowStatus)
}

func TestCycleConfirmsBurnAndArmsPayout(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	// The burn author must have a wallet and a payout destination.
	_, err := fx.registry.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, fx.banks.Create(ctx, &models.BankDetail{
		ID: uuid.New().String(), UserID: "user-1", HolderName: "Test Holder",
		AccountNumber: "000111222333", RoutingCode: "HDFC0000001",
		Kind: models.BankAccountSavings, IsDefault: true, IsActive: true,
	}))

	record := fx.seedSubmittedBurn(t, "user-1", "0xburn1")
	fx.gateway.receipts["0xburn1"] = &chain.Receipt{Mined: true, Success: true, BlockNumber: 900}
	fx.gateway.burnChecks["0xburn1"] = &chain.BurnCheck{Verified: true, BlockNumber: 900}

	fx.service.RunCycle(ctx)

	confirmed, err := fx.burns.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BurnStatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.BlockNumber)
	assert.Equal(t, uint64(900), *confirmed.BlockNumber)
	require.NotNil(t, confirmed.VerifiedAt)

	payout, err := fx.payouts.GetByBurnRecordID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPendingManual, payout.Status)
	assert.Equal(t, "25", payout.AmountUSD.String())
}

func TestCycleFailsUnverifiableBurn(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()
	_, err := fx.registry.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	record := fx.seedSubmittedBurn(t, "user-1", "0xburnbad")
	fx.gateway.receipts["0xburnbad"] = &chain.Receipt{Mined: true, Success: true, BlockNumber: 901}
	fx.gateway.burnChecks["0xburnbad"] = &chain.BurnCheck{Verified: false, BlockNumber: 901, Reason: "burn amount mismatch"}

	fx.service.RunCycle(ctx)

	failed, err := fx.burns.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BurnStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "mismatch")

	_, err = fx.payouts.GetByBurnRecordID(ctx, record.ID)
	assert.ErrorIs(t, err, repository.ErrPayoutNotFound)
}

func TestCycleFailsRevertedBurn(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	record := fx.seedSubmittedBurn(t, "user-1", "0xburnrev")
	fx.gateway.receipts["0xburnrev"] = &chain.Receipt{Mined: true, Success: false, BlockNumber: 902}

	fx.service.RunCycle(ctx)

	failed, err := fx.burns.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BurnStatusFailed, failed.Status)
}

func TestCycleRearmsConfirmedBurnWithoutPayout(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()
	_, err := fx.registry.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	record := fx.seedSubmittedBurn(t, "user-1", "0xburn2")
	fx.gateway.receipts["0xburn2"] = &chain.Receipt{Mined: true, Success: true, BlockNumber: 950}
	fx.gateway.burnChecks["0xburn2"] = &chain.BurnCheck{Verified: true, BlockNumber: 950}

	// No bank detail yet: the burn confirms but arming fails.
	fx.service.RunCycle(ctx)

	confirmed, err := fx.burns.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BurnStatusConfirmed, confirmed.Status)
	_, err = fx.payouts.GetByBurnRecordID(ctx, record.ID)
	require.ErrorIs(t, err, repository.ErrPayoutNotFound)

	// Once a destination exists the next cycle must pick the burn back up.
	require.NoError(t, fx.banks.Create(ctx, &models.BankDetail{
		ID: uuid.New().String(), UserID: "user-1", HolderName: "Test Holder",
		AccountNumber: "000111222333", RoutingCode: "HDFC0000001",
		Kind: models.BankAccountSavings, IsDefault: true, IsActive: true,
	}))
	fx.service.RunCycle(ctx)

	payout, err := fx.payouts.GetByBurnRecordID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPendingManual, payout.Status)
	assert.Equal(t, "25", payout.AmountUSD.String())
}

func TestCycleFinishesUnminedDeploy(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	order := &models.Order{
		ID:           "order-1",
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		TotalAmount:  decimal.RequireFromString("50.00"),
		EscrowStatus: models.EscrowStatusNone,
		AmountWei:    "50000000000000000000",
	}
	require.NoError(t, fx.orders.Create(ctx, order))
	entry := &models.EscrowTxLog{
		ID:          uuid.New().String(),
		OrderID:     "order-1",
		Kind:        models.TxKindCreated,
		TxHash:      "0xd1",
		FromStatus:  models.EscrowStatusNone,
		ToStatus:    models.EscrowStatusLocked,
		Outcome:     models.TxOutcomePending,
		SubmittedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, fx.orders.AppendTxLog(fx.gdb, entry))

	escrowAddr := common.HexToAddress("0x000000000000000000000000000000000000e5c9")
	fx.gateway.receipts["0xd1"] = &chain.Receipt{Mined: true, Success: true, BlockNumber: 500}
	fx.gateway.deployResults["0xd1"] = &chain.DeployResult{EscrowAddr: escrowAddr, TxHash: "0xd1", BlockNumber: 500}

	fx.service.RunCycle(ctx)

	stored, err := fx.orders.GetByID(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, stored.EscrowAddress)
	assert.Equal(t, "0x000000000000000000000000000000000000e5c9", *stored.EscrowAddress)
	assert.Equal(t, models.EscrowStatusLocked, stored.EscrowStatus)
	require.Len(t, stored.TxLog, 1)
	assert.Equal(t, models.TxOutcomeSuccess, stored.TxLog[0].Outcome)
	require.NotNil(t, stored.TxLog[0].BlockNumber)
	assert.Equal(t, uint64(500), *stored.TxLog[0].BlockNumber)
}

func TestCycleRecordsRevertedDeploy(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	order := &models.Order{
		ID:           "order-1",
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		TotalAmount:  decimal.RequireFromString("50.00"),
		EscrowStatus: models.EscrowStatusNone,
		AmountWei:    "50000000000000000000",
	}
	require.NoError(t, fx.orders.Create(ctx, order))
	entry := &models.EscrowTxLog{
		ID:          uuid.New().String(),
		OrderID:     "order-1",
		Kind:        models.TxKindCreated,
		TxHash:      "0xd2",
		FromStatus:  models.EscrowStatusNone,
		ToStatus:    models.EscrowStatusLocked,
		Outcome:     models.TxOutcomePending,
		SubmittedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, fx.orders.AppendTxLog(fx.gdb, entry))
	fx.gateway.receipts["0xd2"] = &chain.Receipt{Mined: true, Success: false, BlockNumber: 501}

	fx.service.RunCycle(ctx)

	stored, err := fx.orders.GetByID(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, stored.EscrowAddress)
	assert.Equal(t, models.EscrowStatusNone, stored.EscrowStatus)
	assert.Equal(t, models.TxOutcomeReverted, stored.TxLog[0].Outcome)
}

func TestStartStopAreIdempotent(t *testing.T) {
	fx := newVerificationFixture(t)
	fx.service.Start()
	fx.service.Start()
	fx.service.Stop()
	fx.service.Stop()
}
