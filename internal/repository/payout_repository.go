package repository

import (
	"context"
	"errors"
	"time"

	"escrowd/internal/models"

	"gorm.io/gorm"
)

// ErrPayoutNotFound is returned when the payout id is unknown.
var ErrPayoutNotFound = errors.New("payout not found")

// PayoutFilter narrows payout listings.
type PayoutFilter struct {
	UserID string
	Status models.PayoutStatus
	Page   int
	Limit  int
}

// PayoutRepository defines data access for payouts.
type PayoutRepository interface {
	Create(tx *gorm.DB, payout *models.Payout) error
	GetByID(ctx context.Context, id string) (*models.Payout, error)
	// GetForUpdate loads the payout inside tx, for use under the payout
	// advisory lock.
	GetForUpdate(tx *gorm.DB, id string) (*models.Payout, error)
	GetByBurnRecordID(ctx context.Context, burnRecordID string) (*models.Payout, error)
	GetByProviderPayoutID(tx *gorm.DB, providerPayoutID string) (*models.Payout, error)
	Update(tx *gorm.DB, payout *models.Payout) error
	List(ctx context.Context, filter PayoutFilter) ([]models.Payout, int64, error)

	// StaleProcessing returns initiated payouts that have sat in processing
	// without an update since before the cutoff, oldest first.
	StaleProcessing(ctx context.Context, before time.Time, limit int) ([]models.Payout, error)
}

type payoutRepository struct {
	db *gorm.DB
}

// NewPayoutRepository creates a new PayoutRepository instance
func NewPayoutRepository(db *gorm.DB) PayoutRepository {
	return &payoutRepository{db: db}
}

func (r *payoutRepository) Create(tx *gorm.DB, payout *models.Payout) error {
	return tx.Create(payout).Error
}

func (r *payoutRepository) GetByID(ctx context.Context, id string) (*models.Payout, error) {
	var payout models.Payout
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *payoutRepository) GetForUpdate(tx *gorm.DB, id string) (*models.Payout, error) {
	var payout models.Payout
	err := tx.Where("id = ?", id).First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *payoutRepository) GetByBurnRecordID(ctx context.Context, burnRecordID string) (*models.Payout, error) {
	var payout models.Payout
	err := r.db.WithContext(ctx).Where("burn_record_id = ?", burnRecordID).First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *payoutRepository) GetByProviderPayoutID(tx *gorm.DB, providerPayoutID string) (*models.Payout, error) {
	var payout models.Payout
	err := tx.Where("provider_payout_id = ?", providerPayoutID).First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *payoutRepository) Update(tx *gorm.DB, payout *models.Payout) error {
	return tx.Save(payout).Error
}

func (r *payoutRepository) StaleProcessing(ctx context.Context, before time.Time, limit int) ([]models.Payout, error) {
	var payouts []models.Payout
	err := r.db.WithContext(ctx).
		Where("status = ? AND provider_payout_id IS NOT NULL AND updated_at <= ?",
			models.PayoutStatusProcessing, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payouts).Error
	return payouts, err
}

func (r *payoutRepository) List(ctx context.Context, filter PayoutFilter) ([]models.Payout, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Payout{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	var payouts []models.Payout
	err := query.Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&payouts).Error
	return payouts, total, err
}
