package repository

import (
	"context"
	"errors"
	"time"

	"escrowd/internal/models"

	"gorm.io/gorm"
)

// ErrOrderNotFound is returned when the order id is unknown.
var ErrOrderNotFound = errors.New("order not found")

// OrderRepository defines data access for orders and their escrow tx logs.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	// GetByIDForUpdate loads the order inside tx with a row lock.
	GetByIDForUpdate(tx *gorm.DB, id string) (*models.Order, error)

	// PendingTxLogs returns tx-log entries still awaiting a receipt, oldest
	// first, bounded by the verification window and batch size.
	PendingTxLogs(ctx context.Context, since time.Time, limit int) ([]models.EscrowTxLog, error)

	AppendTxLog(tx *gorm.DB, entry *models.EscrowTxLog) error
	UpdateEscrowStatus(tx *gorm.DB, orderID string, status models.EscrowStatus) error
	FinalizeTxLog(tx *gorm.DB, entryID string, outcome models.TxOutcome, blockNumber *uint64, confirmedAt time.Time) error

	// RecordEscrowDeployed finalizes the created entry and fills the mirror
	// with the deployed contract address, in one step.
	RecordEscrowDeployed(tx *gorm.DB, entryID, orderID, escrowAddr string, blockNumber uint64, at time.Time) error
}

type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new OrderRepository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("TxLog", func(db *gorm.DB) *gorm.DB { return db.Order("submitted_at ASC") }).
		Where("id = ?", id).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) GetByIDForUpdate(tx *gorm.DB, id string) (*models.Order, error) {
	var order models.Order
	err := tx.
		Preload("TxLog", func(db *gorm.DB) *gorm.DB { return db.Order("submitted_at ASC") }).
		Where("id = ?", id).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) PendingTxLogs(ctx context.Context, since time.Time, limit int) ([]models.EscrowTxLog, error) {
	var entries []models.EscrowTxLog
	err := r.db.WithContext(ctx).
		Where("outcome = ? AND tx_hash <> '' AND submitted_at >= ?", models.TxOutcomePending, since).
		Order("submitted_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *orderRepository) AppendTxLog(tx *gorm.DB, entry *models.EscrowTxLog) error {
	return tx.Create(entry).Error
}

func (r *orderRepository) UpdateEscrowStatus(tx *gorm.DB, orderID string, status models.EscrowStatus) error {
	return tx.Model(&models.Order{}).
		Where("id = ?", orderID).
		Update("escrow_status", status).Error
}

func (r *orderRepository) FinalizeTxLog(tx *gorm.DB, entryID string, outcome models.TxOutcome, blockNumber *uint64, confirmedAt time.Time) error {
	result := tx.Model(&models.EscrowTxLog{}).
		Where("id = ? AND outcome = ?", entryID, models.TxOutcomePending).
		Updates(map[string]interface{}{
			"outcome":      outcome,
			"block_number": blockNumber,
			"confirmed_at": confirmedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	// Zero rows means another observer already finalized the entry; repeated
	// receipt observations must be no-ops.
	return nil
}

func (r *orderRepository) RecordEscrowDeployed(tx *gorm.DB, entryID, orderID, escrowAddr string, blockNumber uint64, at time.Time) error {
	if err := r.FinalizeTxLog(tx, entryID, models.TxOutcomeSuccess, &blockNumber, at); err != nil {
		return err
	}
	return tx.Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"escrow_address":    escrowAddr,
			"escrow_status":     models.EscrowStatusLocked,
			"escrow_created_at": at,
		}).Error
}
