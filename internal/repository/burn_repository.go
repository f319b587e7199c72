package repository

import (
	"context"
	"errors"
	"time"

	"escrowd/internal/models"

	"gorm.io/gorm"
)

// ErrBurnNotFound is returned when the burn record id is unknown.
var ErrBurnNotFound = errors.New("burn record not found")

// BurnRepository defines data access for burn records.
type BurnRepository interface {
	Create(ctx context.Context, record *models.BurnRecord) error
	GetByID(ctx context.Context, id string) (*models.BurnRecord, error)
	FindByUser(ctx context.Context, userID string) ([]models.BurnRecord, error)

	// Unverified returns pending/submitted burns with a tx hash inside the
	// verification window, oldest first.
	Unverified(ctx context.Context, since time.Time, limit int) ([]models.BurnRecord, error)

	// ConfirmedUnarmed returns confirmed burns that never got a payout,
	// oldest first. Burned tokens must always end in a payout record, so
	// these are retried without a window.
	ConfirmedUnarmed(ctx context.Context, limit int) ([]models.BurnRecord, error)

	MarkSubmitted(ctx context.Context, id, txHash string) error
	MarkConfirmed(tx *gorm.DB, id string, blockNumber uint64, verifiedAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	LinkPayout(tx *gorm.DB, id, payoutID string) error
}

type burnRepository struct {
	db *gorm.DB
}

// NewBurnRepository creates a new BurnRepository instance
func NewBurnRepository(db *gorm.DB) BurnRepository {
	return &burnRepository{db: db}
}

func (r *burnRepository) Create(ctx context.Context, record *models.BurnRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *burnRepository) GetByID(ctx context.Context, id string) (*models.BurnRecord, error) {
	var record models.BurnRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBurnNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *burnRepository) FindByUser(ctx context.Context, userID string) ([]models.BurnRecord, error) {
	var records []models.BurnRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&records).Error
	return records, err
}

func (r *burnRepository) Unverified(ctx context.Context, since time.Time, limit int) ([]models.BurnRecord, error) {
	var records []models.BurnRecord
	err := r.db.WithContext(ctx).
		Where("status IN ? AND tx_hash IS NOT NULL AND created_at >= ?",
			[]models.BurnStatus{models.BurnStatusPending, models.BurnStatusSubmitted}, since).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *burnRepository) ConfirmedUnarmed(ctx context.Context, limit int) ([]models.BurnRecord, error) {
	var records []models.BurnRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND linked_payout_id IS NULL", models.BurnStatusConfirmed).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *burnRepository) MarkSubmitted(ctx context.Context, id, txHash string) error {
	return r.db.WithContext(ctx).Model(&models.BurnRecord{}).
		Where("id = ? AND status = ?", id, models.BurnStatusPending).
		Updates(map[string]interface{}{
			"status":  models.BurnStatusSubmitted,
			"tx_hash": txHash,
		}).Error
}

func (r *burnRepository) MarkConfirmed(tx *gorm.DB, id string, blockNumber uint64, verifiedAt time.Time) error {
	return tx.Model(&models.BurnRecord{}).
		Where("id = ? AND status = ?", id, models.BurnStatusSubmitted).
		Updates(map[string]interface{}{
			"status":       models.BurnStatusConfirmed,
			"block_number": blockNumber,
			"verified_at":  verifiedAt,
		}).Error
}

func (r *burnRepository) MarkFailed(ctx context.Context, id, reason string) error {
	// Failed records are never resurrected; a retry is a fresh record.
	return r.db.WithContext(ctx).Model(&models.BurnRecord{}).
		Where("id = ? AND status IN ?", id,
			[]models.BurnStatus{models.BurnStatusPending, models.BurnStatusSubmitted}).
		Updates(map[string]interface{}{
			"status":        models.BurnStatusFailed,
			"error_message": reason,
		}).Error
}

func (r *burnRepository) LinkPayout(tx *gorm.DB, id, payoutID string) error {
	return tx.Model(&models.BurnRecord{}).
		Where("id = ?", id).
		Update("linked_payout_id", payoutID).Error
}
