package services

import (
	"context"
	"log"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"escrowd/internal/chain"
	"escrowd/internal/config"
	"escrowd/internal/events"
	"escrowd/internal/keyvault"
	"escrowd/internal/metrics"
	"escrowd/internal/models"
	"escrowd/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

// PayoutPipeline is the slice of the payout side the verification loop
// drives: arming payouts for confirmed burns and polling the provider for
// payouts whose webhook never arrived.
type PayoutPipeline interface {
	Arm(ctx context.Context, burn *models.BurnRecord) (*models.Payout, error)
	RefreshStale(ctx context.Context, olderThan time.Time, limit int) error
}

// VerificationService is the periodic reconciler between the database mirror
// and chain truth. It finalizes pending escrow tx_log entries, confirms or
// fails submitted burns, and surfaces transactions stuck beyond the alert
// threshold. It never resubmits anything.
type VerificationService struct {
	gdb      *gorm.DB
	orders   repository.OrderRepository
	burns    repository.BurnRepository
	registry *keyvault.Registry
	gateway  chain.Gateway
	payouts  PayoutPipeline
	events   *events.Publisher
	cfg      config.VerifyConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func NewVerificationService(gdb *gorm.DB, orders repository.OrderRepository, burns repository.BurnRepository, registry *keyvault.Registry, gateway chain.Gateway, payouts PayoutPipeline, publisher *events.Publisher, cfg config.VerifyConfig) *VerificationService {
	return &VerificationService{
		gdb:      gdb,
		orders:   orders,
		burns:    burns,
		registry: registry,
		gateway:  gateway,
		payouts:  payouts,
		events:   publisher,
		cfg:      cfg,
	}
}

// Start launches the background loop. Safe to call once.
func (s *VerificationService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	go s.runLoop()
	log.Printf("🚀 verification loop started (every %s)", s.cfg.PollInterval())
}

// Stop signals the loop to exit after the current cycle.
func (s *VerificationService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Printf("⚠️ verification loop stopped")
}

func (s *VerificationService) runLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollInterval())
			s.RunCycle(ctx)
			cancel()
		}
	}
}

// pendingRecord is one unit of verification work, escrow tx or burn.
type pendingRecord struct {
	submittedAt time.Time
	txLog       *models.EscrowTxLog
	burn        *models.BurnRecord
}

// RunCycle performs one reconciliation pass. Exported so tests and the
// container can drive it synchronously.
func (s *VerificationService) RunCycle(ctx context.Context) {
	started := time.Now()
	result := "ok"
	defer func() {
		metrics.VerificationCycles.WithLabelValues(result).Inc()
		metrics.VerificationCycleDuration.Observe(time.Since(started).Seconds())
	}()

	since := time.Now().Add(-s.cfg.Window())
	stuckBefore := time.Now().Add(-s.cfg.StuckThreshold())

	batch, err := s.collect(ctx, since)
	if err != nil {
		log.Printf("❌ verification: collect batch: %v", err)
		result = "error"
		return
	}

	stuck := 0
	for _, record := range batch {
		select {
		case <-ctx.Done():
			result = "timeout"
			return
		default:
		}
		if s.process(ctx, record, stuckBefore) {
			stuck++
		}
	}
	metrics.StuckTransactions.Set(float64(stuck))

	s.armOrphanedBurns(ctx)

	if err := s.payouts.RefreshStale(ctx, stuckBefore, s.batchLimit()); err != nil {
		log.Printf("❌ verification: refresh stale payouts: %v", err)
	}

	if balance, err := s.gateway.OperatorBalance(ctx); err == nil {
		wei, _ := new(big.Float).SetInt(balance).Float64()
		metrics.OperatorBalanceWei.Set(wei)
	}
}

func (s *VerificationService) batchLimit() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return 20
}

// collect gathers up to BatchSize records with a tx hash inside the
// verification window, ordered by submission time.
func (s *VerificationService) collect(ctx context.Context, since time.Time) ([]pendingRecord, error) {
	limit := s.batchLimit()

	txLogs, err := s.orders.PendingTxLogs(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	burns, err := s.burns.Unverified(ctx, since, limit)
	if err != nil {
		return nil, err
	}

	records := make([]pendingRecord, 0, len(txLogs)+len(burns))
	for i := range txLogs {
		if txLogs[i].TxHash == "" {
			continue
		}
		records = append(records, pendingRecord{submittedAt: txLogs[i].SubmittedAt, txLog: &txLogs[i]})
	}
	for i := range burns {
		if burns[i].TxHash == nil || *burns[i].TxHash == "" {
			continue
		}
		records = append(records, pendingRecord{submittedAt: burns[i].CreatedAt, burn: &burns[i]})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].submittedAt.Before(records[j].submittedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// process settles one record against its receipt. Returns true when the
// record is still unmined past the stuck threshold.
func (s *VerificationService) process(ctx context.Context, record pendingRecord, stuckBefore time.Time) (stuck bool) {
	var txHash string
	if record.txLog != nil {
		txHash = record.txLog.TxHash
	} else {
		txHash = *record.burn.TxHash
	}

	receipt, err := s.gateway.GetReceipt(ctx, txHash)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("get_receipt").Inc()
		log.Printf("❌ verification: receipt %s: %v", txHash, err)
		return false
	}

	if !receipt.Mined {
		if record.submittedAt.Before(stuckBefore) {
			log.Printf("⚠️ verification: tx %s pending since %s, needs operator attention",
				txHash, record.submittedAt.Format(time.RFC3339))
			return true
		}
		return false
	}

	switch {
	case record.txLog != nil && record.txLog.Kind == models.TxKindCreated:
		s.settleDeploy(ctx, record.txLog, receipt)
	case record.txLog != nil:
		s.settleEscrowTx(ctx, record.txLog, receipt)
	default:
		s.settleBurn(ctx, record.burn, receipt)
	}
	return false
}

// settleDeploy finishes an escrow deployment whose receipt outlived the
// creator's bounded wait: the mirror gets the contract address decoded from
// the NewEscrowCreated event.
func (s *VerificationService) settleDeploy(ctx context.Context, entry *models.EscrowTxLog, receipt *chain.Receipt) {
	now := time.Now().UTC()
	if !receipt.Success {
		err := s.gdb.Transaction(func(tx *gorm.DB) error {
			return s.orders.FinalizeTxLog(tx, entry.ID, models.TxOutcomeReverted, &receipt.BlockNumber, now)
		})
		if err != nil {
			log.Printf("❌ verification: record reverted deploy %s: %v", entry.TxHash, err)
			return
		}
		metrics.EscrowTransitions.WithLabelValues(string(models.TxKindCreated), "reverted").Inc()
		log.Printf("❌ verification: escrow deploy %s for order %s reverted", entry.TxHash, entry.OrderID)
		return
	}

	deploy, err := s.gateway.DeployedEscrowAddress(ctx, entry.TxHash)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("deploy_result").Inc()
		log.Printf("❌ verification: decode deploy %s: %v", entry.TxHash, err)
		return
	}
	addr := strings.ToLower(deploy.EscrowAddr.Hex())
	err = s.gdb.Transaction(func(tx *gorm.DB) error {
		return s.orders.RecordEscrowDeployed(tx, entry.ID, entry.OrderID, addr, deploy.BlockNumber, now)
	})
	if err != nil {
		log.Printf("❌ verification: persist escrow mirror for order %s: %v", entry.OrderID, err)
		return
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.TxKindCreated), "success").Inc()
	log.Printf("✅ verification: escrow for order %s deployed at %s", entry.OrderID, addr)
	s.events.EscrowStatus(events.EscrowStatusChanged{
		OrderID:    entry.OrderID,
		FromStatus: string(models.EscrowStatusNone),
		ToStatus:   string(models.EscrowStatusLocked),
		TxHash:     entry.TxHash,
	})
}

// settleEscrowEntry finalizes a pending tx_log entry against its receipt.
// Success confirms the optimistic mirror; a revert rolls the mirror back to
// the entry's source status. Repeated observations are no-ops thanks to the
// outcome guard on FinalizeTxLog. Shared between the coordinator's bounded
// post-submit wait and the verification loop.
func settleEscrowEntry(gdb *gorm.DB, orders repository.OrderRepository, publisher *events.Publisher, entry *models.EscrowTxLog, receipt *chain.Receipt) error {
	now := time.Now().UTC()
	err := gdb.Transaction(func(tx *gorm.DB) error {
		if receipt.Success {
			if err := orders.FinalizeTxLog(tx, entry.ID, models.TxOutcomeSuccess, &receipt.BlockNumber, now); err != nil {
				return err
			}
			return orders.UpdateEscrowStatus(tx, entry.OrderID, entry.ToStatus)
		}
		if err := orders.FinalizeTxLog(tx, entry.ID, models.TxOutcomeReverted, &receipt.BlockNumber, now); err != nil {
			return err
		}
		return orders.UpdateEscrowStatus(tx, entry.OrderID, entry.FromStatus)
	})
	if err != nil {
		return err
	}

	if receipt.Success {
		metrics.EscrowTransitions.WithLabelValues(string(entry.Kind), "success").Inc()
		log.Printf("✅ order %s %s confirmed in block %d", entry.OrderID, entry.Kind, receipt.BlockNumber)
		publisher.EscrowStatus(events.EscrowStatusChanged{
			OrderID:    entry.OrderID,
			FromStatus: string(entry.FromStatus),
			ToStatus:   string(entry.ToStatus),
			TxHash:     entry.TxHash,
		})
	} else {
		metrics.EscrowTransitions.WithLabelValues(string(entry.Kind), "reverted").Inc()
		log.Printf("❌ order %s %s tx %s reverted, mirror rolled back to %s",
			entry.OrderID, entry.Kind, entry.TxHash, entry.FromStatus)
		publisher.EscrowStatus(events.EscrowStatusChanged{
			OrderID:    entry.OrderID,
			FromStatus: string(entry.ToStatus),
			ToStatus:   string(entry.FromStatus),
			TxHash:     entry.TxHash,
		})
	}
	return nil
}

// settleEscrowTx applies the shared finalization and, for transitions that
// land an escrow terminal, re-checks the contract balance.
func (s *VerificationService) settleEscrowTx(ctx context.Context, entry *models.EscrowTxLog, receipt *chain.Receipt) {
	if err := settleEscrowEntry(s.gdb.WithContext(ctx), s.orders, s.events, entry, receipt); err != nil {
		log.Printf("❌ verification: finalize %s tx %s: %v", entry.Kind, entry.TxHash, err)
		return
	}
	if receipt.Success && entry.ToStatus.Terminal() {
		s.checkSettledBalance(ctx, entry.OrderID)
	}
}

// checkSettledBalance re-checks a terminal escrow against chain truth: a
// settled contract must hold zero wei. A nonzero balance is flagged for
// operator review, never rolled back.
func (s *VerificationService) checkSettledBalance(ctx context.Context, orderID string) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil || order.EscrowAddress == nil {
		return
	}
	state, err := s.gateway.EscrowState(ctx, common.HexToAddress(*order.EscrowAddress))
	if err != nil {
		metrics.RPCErrors.WithLabelValues("escrow_state").Inc()
		return
	}
	if state.Balance != nil && state.Balance.Sign() != 0 {
		log.Printf("⚠️ verification: escrow %s for order %s is terminal but holds %s wei, needs operator review",
			*order.EscrowAddress, orderID, state.Balance)
	}
}

// settleBurn confirms a mined burn against the token's Burn event and arms
// the payout pipeline, or fails the record with the reason.
func (s *VerificationService) settleBurn(ctx context.Context, record *models.BurnRecord, receipt *chain.Receipt) {
	if !receipt.Success {
		if err := s.burns.MarkFailed(ctx, record.ID, "transaction reverted"); err != nil {
			log.Printf("❌ verification: fail burn %s: %v", record.ID, err)
			return
		}
		metrics.BurnsTotal.WithLabelValues(string(models.BurnStatusFailed)).Inc()
		log.Printf("❌ verification: burn %s tx %s reverted", record.ID, *record.TxHash)
		return
	}

	walletAddr, err := s.registry.AddressOf(ctx, record.UserID)
	if err != nil {
		log.Printf("❌ verification: wallet for burn %s: %v", record.ID, err)
		return
	}
	amount, ok := new(big.Int).SetString(record.AmountToken, 10)
	if !ok {
		log.Printf("❌ verification: burn %s has malformed amount %q", record.ID, record.AmountToken)
		return
	}

	check, err := s.gateway.VerifyBurn(ctx, *record.TxHash, walletAddr, amount)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("verify_burn").Inc()
		log.Printf("❌ verification: verify burn %s: %v", record.ID, err)
		return
	}
	if !check.Verified {
		if err := s.burns.MarkFailed(ctx, record.ID, check.Reason); err != nil {
			log.Printf("❌ verification: fail burn %s: %v", record.ID, err)
		}
		metrics.BurnsTotal.WithLabelValues(string(models.BurnStatusFailed)).Inc()
		log.Printf("❌ verification: burn %s rejected: %s", record.ID, check.Reason)
		return
	}

	now := time.Now().UTC()
	if err := s.burns.MarkConfirmed(s.gdb.WithContext(ctx), record.ID, check.BlockNumber, now); err != nil {
		log.Printf("❌ verification: confirm burn %s: %v", record.ID, err)
		return
	}
	metrics.BurnsTotal.WithLabelValues(string(models.BurnStatusConfirmed)).Inc()
	log.Printf("✅ verification: burn %s confirmed in block %d", record.ID, check.BlockNumber)

	record.Status = models.BurnStatusConfirmed
	record.BlockNumber = &check.BlockNumber
	record.VerifiedAt = &now
	if _, err := s.payouts.Arm(ctx, record); err != nil {
		// armOrphanedBurns retries next cycle; the burn stays confirmed.
		log.Printf("❌ verification: arm payout for burn %s: %v", record.ID, err)
	}
}

// armOrphanedBurns retries payout arming for confirmed burns that never got
// one, typically because the user had no usable bank detail when the burn
// confirmed. A confirmed burn must always end in a payout record, so these
// are retried every cycle with no age window.
func (s *VerificationService) armOrphanedBurns(ctx context.Context) {
	burns, err := s.burns.ConfirmedUnarmed(ctx, s.batchLimit())
	if err != nil {
		log.Printf("❌ verification: collect unarmed burns: %v", err)
		return
	}
	for i := range burns {
		if _, err := s.payouts.Arm(ctx, &burns[i]); err != nil {
			log.Printf("❌ verification: arm payout for burn %s: %v", burns[i].ID, err)
			continue
		}
		log.Printf("✅ verification: payout armed for orphaned burn %s", burns[i].ID)
	}
}
