package services

import (
	"context"
	"errors"
	"log"
	"math/big"
	"strings"
	"time"

	"escrowd/internal/chain"
	"escrowd/internal/config"
	"escrowd/internal/db"
	"escrowd/internal/events"
	"escrowd/internal/keyvault"
	"escrowd/internal/metrics"
	"escrowd/internal/models"
	"escrowd/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// weiPerToken is 10^18, the token's declared decimals.
var weiPerToken = decimal.New(1, 18)

// CreateEscrowRequest carries everything needed to lock funds for an order.
type CreateEscrowRequest struct {
	OrderID   string          `json:"order_id" binding:"required"`
	BuyerID   string          `json:"buyer_id" binding:"required"`
	SellerID  string          `json:"seller_id" binding:"required"`
	AmountUSD decimal.Decimal `json:"amount_usd" binding:"required"`
}

// TransitionResult is returned from every escrow intent.
type TransitionResult struct {
	OrderID    string              `json:"order_id"`
	FromStatus models.EscrowStatus `json:"from_status"`
	ToStatus   models.EscrowStatus `json:"to_status"`
	TxHash     string              `json:"tx_hash"`
	Mined      bool                `json:"mined"`
}

// EscrowCoordinator drives the per-order escrow state machine. Every
// transition submits the on-chain call whose effect is the source of truth,
// advances the database mirror optimistically and leaves finalization to the
// verification loop when the receipt wait times out.
type EscrowCoordinator struct {
	gdb      *gorm.DB
	orders   repository.OrderRepository
	registry *keyvault.Registry
	gateway  chain.Gateway
	events   *events.Publisher
	cfg      config.ChainConfig
}

func NewEscrowCoordinator(gdb *gorm.DB, orders repository.OrderRepository, registry *keyvault.Registry, gateway chain.Gateway, publisher *events.Publisher, cfg config.ChainConfig) *EscrowCoordinator {
	return &EscrowCoordinator{
		gdb:      gdb,
		orders:   orders,
		registry: registry,
		gateway:  gateway,
		events:   publisher,
		cfg:      cfg,
	}
}

// transition describes one row of the state machine table.
type transition struct {
	kind   models.TxKind
	from   models.EscrowStatus
	to     models.EscrowStatus
	method chain.EscrowMethod
	// allowed reports whether the caller may request this transition.
	allowed func(order *models.Order, userID string) bool
}

var transitions = map[models.TxKind]transition{
	models.TxKindConfirmDelivery: {
		kind:   models.TxKindConfirmDelivery,
		from:   models.EscrowStatusLocked,
		to:     models.EscrowStatusReleasePending,
		method: chain.MethodConfirmDelivery,
		allowed: func(o *models.Order, userID string) bool {
			return userID == o.BuyerID
		},
	},
	models.TxKindRelease: {
		kind:   models.TxKindRelease,
		from:   models.EscrowStatusReleasePending,
		to:     models.EscrowStatusComplete,
		method: chain.MethodRelease,
		allowed: func(o *models.Order, userID string) bool {
			return userID == o.SellerID
		},
	},
	models.TxKindDispute: {
		kind:   models.TxKindDispute,
		from:   models.EscrowStatusLocked,
		to:     models.EscrowStatusDisputed,
		method: chain.MethodDispute,
		allowed: func(o *models.Order, userID string) bool {
			return userID == o.BuyerID || userID == o.SellerID
		},
	},
	models.TxKindTimeoutClaim: {
		kind:   models.TxKindTimeoutClaim,
		from:   models.EscrowStatusLocked,
		to:     models.EscrowStatusComplete,
		method: chain.MethodClaimTimeout,
		allowed: func(o *models.Order, userID string) bool {
			return userID == o.SellerID
		},
	},
}

// UsdToWei converts a decimal USD-equivalent amount to the contract's integer
// wei units (1 token = 1 USD, 18 decimals). At most 18 fractional digits are
// accepted; sub-wei remainders would otherwise be silently truncated.
func UsdToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() || amount.IsZero() {
		return nil, models.E(models.CodeBadInput, "amount must be positive, got %s", amount)
	}
	if amount.Exponent() < -18 {
		return nil, models.E(models.CodeBadInput, "amount %s has more than 18 fractional digits", amount)
	}
	return amount.Mul(weiPerToken).Truncate(0).BigInt(), nil
}

// CreateEscrow deploys the per-order escrow contract and records the mirror.
// Idempotent: calling again for an order that already has an escrow returns
// the existing mirror unchanged. The order lock covers only the deploy
// submission and the pending tx_log append; the receipt wait runs without
// it, and on timeout the verification loop finishes the deployment.
func (c *EscrowCoordinator) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*models.Order, error) {
	amountWei, err := UsdToWei(req.AmountUSD)
	if err != nil {
		return nil, err
	}

	buyerAddr, err := c.registry.GetOrCreate(ctx, req.BuyerID)
	if err != nil {
		return nil, err
	}
	sellerAddr, err := c.registry.GetOrCreate(ctx, req.SellerID)
	if err != nil {
		return nil, err
	}

	// Fast path outside the lock.
	if existing, err := c.orders.GetByID(ctx, req.OrderID); err == nil && existing.EscrowAddress != nil {
		return existing, nil
	}

	var order *models.Order
	var entry *models.EscrowTxLog
	err = db.WithAdvisoryLock(c.gdb.WithContext(ctx), req.OrderID, func(tx *gorm.DB) error {
		var err error
		order, err = c.orders.GetByIDForUpdate(tx, req.OrderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			order = &models.Order{
				ID:          req.OrderID,
				BuyerID:     req.BuyerID,
				SellerID:    req.SellerID,
				TotalAmount: req.AmountUSD,
			}
			if err := tx.Create(order).Error; err != nil {
				return models.WrapErr(models.CodeInternal, err, "create order")
			}
		} else if err != nil {
			return models.WrapErr(models.CodeInternal, err, "load order")
		}
		if order.EscrowAddress != nil {
			return nil
		}
		for i := range order.TxLog {
			if order.TxLog[i].Kind == models.TxKindCreated && order.TxLog[i].Outcome == models.TxOutcomePending {
				return models.E(models.CodeReceiptTimeout, "escrow deployment for order %s is in progress", order.ID)
			}
		}

		submitted, err := c.gateway.DeployEscrow(ctx, buyerAddr, sellerAddr, amountWei)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"buyer_addr":  strings.ToLower(buyerAddr.Hex()),
			"seller_addr": strings.ToLower(sellerAddr.Hex()),
			"amount_wei":  amountWei.String(),
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(updates).Error; err != nil {
			return models.WrapErr(models.CodeInternal, err, "persist escrow parties")
		}

		entry = &models.EscrowTxLog{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			Kind:        models.TxKindCreated,
			TxHash:      submitted.TxHash,
			FromStatus:  models.EscrowStatusNone,
			ToStatus:    models.EscrowStatusLocked,
			Outcome:     models.TxOutcomePending,
			SubmittedAt: now,
		}
		if err := c.orders.AppendTxLog(tx, entry); err != nil {
			return models.WrapErr(models.CodeInternal, err, "record deploy tx")
		}

		order.BuyerAddr = strings.ToLower(buyerAddr.Hex())
		order.SellerAddr = strings.ToLower(sellerAddr.Hex())
		order.AmountWei = amountWei.String()
		return nil
	})
	if err != nil {
		metrics.EscrowTransitions.WithLabelValues(string(models.TxKindCreated), "error").Inc()
		return nil, err
	}
	if entry == nil {
		// Another caller already deployed.
		return order, nil
	}

	// Receipt wait happens outside the order lock.
	waited, err := c.gateway.WaitMined(ctx, entry.TxHash)
	if err != nil || !waited.Mined {
		return nil, models.E(models.CodeReceiptTimeout,
			"createEscrow %s for order %s not mined yet", entry.TxHash, order.ID)
	}
	if !waited.Success {
		now := time.Now().UTC()
		if finErr := c.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return c.orders.FinalizeTxLog(tx, entry.ID, models.TxOutcomeReverted, waited.BlockNumber, now)
		}); finErr != nil {
			log.Printf("❌ record reverted deploy for order %s: %v", order.ID, finErr)
		}
		metrics.EscrowTransitions.WithLabelValues(string(models.TxKindCreated), "reverted").Inc()
		return nil, models.E(models.CodeDeployFailed, "createEscrow %s reverted", entry.TxHash)
	}

	deploy, err := c.gateway.DeployedEscrowAddress(ctx, entry.TxHash)
	if err != nil {
		return nil, err
	}
	addr := strings.ToLower(deploy.EscrowAddr.Hex())
	now := time.Now().UTC()
	err = db.WithAdvisoryLock(c.gdb.WithContext(ctx), order.ID, func(tx *gorm.DB) error {
		return c.orders.RecordEscrowDeployed(tx, entry.ID, order.ID, addr, deploy.BlockNumber, now)
	})
	if err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "persist escrow mirror")
	}
	log.Printf("✅ escrow deployed for order %s at %s (tx %s)", order.ID, addr, entry.TxHash)

	metrics.EscrowTransitions.WithLabelValues(string(models.TxKindCreated), "success").Inc()
	c.events.EscrowStatus(events.EscrowStatusChanged{
		OrderID:    order.ID,
		FromStatus: string(models.EscrowStatusNone),
		ToStatus:   string(models.EscrowStatusLocked),
		TxHash:     entry.TxHash,
	})

	order.EscrowAddress = &addr
	order.EscrowStatus = models.EscrowStatusLocked
	order.EscrowCreatedAt = &now
	return order, nil
}

// ConfirmDelivery moves Locked to ReleasePending, signed by the buyer.
func (c *EscrowCoordinator) ConfirmDelivery(ctx context.Context, orderID, userID string) (*TransitionResult, error) {
	return c.submitTransition(ctx, orderID, userID, transitions[models.TxKindConfirmDelivery])
}

// Release moves ReleasePending to Complete, signed by the seller.
func (c *EscrowCoordinator) Release(ctx context.Context, orderID, userID string) (*TransitionResult, error) {
	return c.submitTransition(ctx, orderID, userID, transitions[models.TxKindRelease])
}

// Dispute moves Locked to Disputed. The dispute is recorded off-chain unless
// eager on-chain disputes are configured.
func (c *EscrowCoordinator) Dispute(ctx context.Context, orderID, userID string) (*TransitionResult, error) {
	t := transitions[models.TxKindDispute]
	if c.cfg.EagerDispute {
		return c.submitTransition(ctx, orderID, userID, t)
	}
	return c.recordOffChainTransition(ctx, orderID, userID, t)
}

// ClaimTimeout moves Locked to Complete after the contract timeout elapses
// without a buyer confirmation, signed by the seller.
func (c *EscrowCoordinator) ClaimTimeout(ctx context.Context, orderID, userID string) (*TransitionResult, error) {
	return c.submitTransition(ctx, orderID, userID, transitions[models.TxKindTimeoutClaim])
}

// ResolveDispute settles a Disputed escrow, operator-signed. winnerID must be
// the order's buyer or seller.
func (c *EscrowCoordinator) ResolveDispute(ctx context.Context, orderID, winnerID string) (*TransitionResult, error) {
	var result *TransitionResult
	var entry *models.EscrowTxLog
	err := db.WithAdvisoryLock(c.gdb.WithContext(ctx), orderID, func(tx *gorm.DB) error {
		order, err := c.loadEscrowOrder(tx, orderID)
		if err != nil {
			return err
		}

		var winnerAddr common.Address
		var target models.EscrowStatus
		switch winnerID {
		case order.SellerID:
			winnerAddr = common.HexToAddress(order.SellerAddr)
			target = models.EscrowStatusComplete
		case order.BuyerID:
			winnerAddr = common.HexToAddress(order.BuyerAddr)
			target = models.EscrowStatusRefunded
		default:
			return models.E(models.CodeBadInput, "winner %s is neither buyer nor seller of order %s", winnerID, orderID)
		}

		if order.EscrowStatus.Terminal() {
			return models.E(models.CodeTerminal, "order %s escrow is %s", orderID, order.EscrowStatus)
		}
		if order.EscrowStatus != models.EscrowStatusDisputed {
			return models.E(models.CodeAlreadyAdvanced, "order %s escrow is %s, not disputed", orderID, order.EscrowStatus)
		}

		txResult, err := c.gateway.ResolveDispute(ctx, common.HexToAddress(*order.EscrowAddress), winnerAddr)
		if err != nil {
			return err
		}

		entry, result, err = c.recordSubmission(tx, order, models.TxKindResolve, order.EscrowStatus, target, txResult)
		return err
	})
	if err != nil {
		metrics.EscrowTransitions.WithLabelValues(string(models.TxKindResolve), "error").Inc()
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.TxKindResolve), "submitted").Inc()
	c.publishTransition(orderID, result)
	return c.awaitReceipt(ctx, entry, result)
}

// GetOrder returns the order with its transaction log.
func (c *EscrowCoordinator) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := c.orders.GetByID(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, models.E(models.CodeUnknownOrder, "order %s not found", orderID)
	}
	if err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "load order")
	}
	return order, nil
}

// LiveState reads the order's escrow state directly from chain.
func (c *EscrowCoordinator) LiveState(ctx context.Context, orderID string) (*chain.EscrowState, error) {
	order, err := c.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.EscrowAddress == nil {
		return nil, models.E(models.CodeNotFound, "order %s has no escrow", orderID)
	}
	return c.gateway.EscrowState(ctx, common.HexToAddress(*order.EscrowAddress))
}

// submitTransition validates, submits on-chain and records one user-signed
// transition, serialized per-order by the advisory lock. The lock covers
// validate + submit + record tx_hash only; the bounded receipt wait runs
// after it is released.
func (c *EscrowCoordinator) submitTransition(ctx context.Context, orderID, userID string, t transition) (*TransitionResult, error) {
	var result *TransitionResult
	var entry *models.EscrowTxLog
	err := db.WithAdvisoryLock(c.gdb.WithContext(ctx), orderID, func(tx *gorm.DB) error {
		order, err := c.loadEscrowOrder(tx, orderID)
		if err != nil {
			return err
		}
		if err := c.validate(ctx, order, userID, t); err != nil {
			return err
		}

		txResult, err := c.gateway.SubmitUserTx(ctx, userID, common.HexToAddress(*order.EscrowAddress), t.method)
		if err != nil {
			// No tx reached the chain: append nothing, mirror untouched.
			return err
		}

		entry, result, err = c.recordSubmission(tx, order, t.kind, order.EscrowStatus, t.to, txResult)
		return err
	})
	if err != nil {
		metrics.EscrowTransitions.WithLabelValues(string(t.kind), "error").Inc()
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(t.kind), "submitted").Inc()
	c.publishTransition(orderID, result)
	return c.awaitReceipt(ctx, entry, result)
}

// awaitReceipt waits the bounded receipt window for an already-recorded
// submission and finalizes it when a receipt arrives. Runs without the order
// lock; a timeout leaves the entry pending for the verification loop.
func (c *EscrowCoordinator) awaitReceipt(ctx context.Context, entry *models.EscrowTxLog, result *TransitionResult) (*TransitionResult, error) {
	waited, err := c.gateway.WaitMined(ctx, entry.TxHash)
	if err != nil || !waited.Mined {
		return result, nil
	}

	receipt := &chain.Receipt{Mined: true, Success: waited.Success}
	if waited.BlockNumber != nil {
		receipt.BlockNumber = *waited.BlockNumber
	}
	if err := settleEscrowEntry(c.gdb.WithContext(ctx), c.orders, c.events, entry, receipt); err != nil {
		log.Printf("❌ finalize %s tx %s: %v", entry.Kind, entry.TxHash, err)
		return result, nil
	}

	result.Mined = true
	if !waited.Success {
		return nil, models.E(models.CodeChainError, "%s tx %s reverted on chain", entry.Kind, entry.TxHash)
	}
	return result, nil
}

// recordOffChainTransition advances the mirror without touching the chain,
// used for off-chain disputes reconciled later at resolution.
func (c *EscrowCoordinator) recordOffChainTransition(ctx context.Context, orderID, userID string, t transition) (*TransitionResult, error) {
	var result *TransitionResult
	err := db.WithAdvisoryLock(c.gdb.WithContext(ctx), orderID, func(tx *gorm.DB) error {
		order, err := c.loadEscrowOrder(tx, orderID)
		if err != nil {
			return err
		}
		if err := c.validate(ctx, order, userID, t); err != nil {
			return err
		}

		now := time.Now().UTC()
		entry := &models.EscrowTxLog{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			Kind:        t.kind,
			FromStatus:  order.EscrowStatus,
			ToStatus:    t.to,
			Outcome:     models.TxOutcomeSuccess,
			SubmittedAt: now,
			ConfirmedAt: &now,
		}
		if err := c.orders.AppendTxLog(tx, entry); err != nil {
			return err
		}
		if err := c.orders.UpdateEscrowStatus(tx, order.ID, t.to); err != nil {
			return err
		}
		result = &TransitionResult{
			OrderID:    order.ID,
			FromStatus: order.EscrowStatus,
			ToStatus:   t.to,
			Mined:      true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(string(t.kind), "success").Inc()
	c.publishTransition(orderID, result)
	return result, nil
}

// loadEscrowOrder loads an order inside the lock and requires an escrow.
func (c *EscrowCoordinator) loadEscrowOrder(tx *gorm.DB, orderID string) (*models.Order, error) {
	order, err := c.orders.GetByIDForUpdate(tx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, models.E(models.CodeUnknownOrder, "order %s not found", orderID)
	}
	if err != nil {
		return nil, models.WrapErr(models.CodeInternal, err, "load order")
	}
	if order.EscrowAddress == nil {
		return nil, models.E(models.CodeNotFound, "order %s has no escrow", orderID)
	}
	return order, nil
}

// validate enforces authorization and the state machine's preconditions.
func (c *EscrowCoordinator) validate(ctx context.Context, order *models.Order, userID string, t transition) error {
	if !t.allowed(order, userID) {
		return models.E(models.CodeForbidden, "user %s may not %s order %s", userID, t.kind, order.ID)
	}
	if order.EscrowStatus.Terminal() {
		return models.E(models.CodeTerminal, "order %s escrow is %s", order.ID, order.EscrowStatus)
	}
	if order.EscrowStatus != t.from {
		return models.E(models.CodeAlreadyAdvanced, "order %s escrow is %s, expected %s", order.ID, order.EscrowStatus, t.from)
	}

	if t.kind == models.TxKindTimeoutClaim {
		state, err := c.gateway.EscrowState(ctx, common.HexToAddress(*order.EscrowAddress))
		if err != nil {
			return err
		}
		if state.BuyerConfirmed {
			return models.E(models.CodeTooEarly, "buyer already confirmed delivery for order %s", order.ID)
		}
		// The contract enforces the deadline against block time, so the
		// eligibility check must use the chain's clock, not the server's.
		nowChain, err := c.gateway.ChainTime(ctx)
		if err != nil {
			return err
		}
		deadline := state.CreatedAtChain + uint64(c.cfg.EscrowTimeout)
		if nowChain < deadline {
			return models.E(models.CodeTooEarly, "timeout claim for order %s available at chain ts %d", order.ID, deadline)
		}
	}
	return nil
}

// recordSubmission appends the pending tx_log entry and advances the mirror
// optimistically. Errors propagate so the surrounding lock transaction rolls
// back and the caller learns the record failed.
func (c *EscrowCoordinator) recordSubmission(tx *gorm.DB, order *models.Order, kind models.TxKind, from, to models.EscrowStatus, txResult *chain.TxResult) (*models.EscrowTxLog, *TransitionResult, error) {
	now := time.Now().UTC()
	entry := &models.EscrowTxLog{
		ID:          uuid.New().String(),
		OrderID:     order.ID,
		Kind:        kind,
		TxHash:      txResult.TxHash,
		FromStatus:  from,
		ToStatus:    to,
		Outcome:     models.TxOutcomePending,
		SubmittedAt: now,
	}

	if err := c.orders.AppendTxLog(tx, entry); err != nil {
		return nil, nil, models.WrapErr(models.CodeInternal, err, "append tx_log for order %s", order.ID)
	}
	if err := c.orders.UpdateEscrowStatus(tx, order.ID, to); err != nil {
		return nil, nil, models.WrapErr(models.CodeInternal, err, "advance mirror for order %s", order.ID)
	}

	return entry, &TransitionResult{
		OrderID:    order.ID,
		FromStatus: from,
		ToStatus:   to,
		TxHash:     txResult.TxHash,
		Mined:      false,
	}, nil
}

func (c *EscrowCoordinator) publishTransition(orderID string, result *TransitionResult) {
	if result == nil {
		return
	}
	c.events.EscrowStatus(events.EscrowStatusChanged{
		OrderID:    orderID,
		FromStatus: string(result.FromStatus),
		ToStatus:   string(result.ToStatus),
		TxHash:     result.TxHash,
	})
}
