package repository

import (
	"context"
	"errors"

	"escrowd/internal/models"

	"gorm.io/gorm"
)

// ErrBankDetailNotFound is returned when the bank detail id is unknown.
var ErrBankDetailNotFound = errors.New("bank detail not found")

// BankDetailRepository defines data access for payout bank details.
type BankDetailRepository interface {
	Create(ctx context.Context, detail *models.BankDetail) error
	GetByID(ctx context.Context, id string) (*models.BankDetail, error)
	ListByUser(ctx context.Context, userID string) ([]models.BankDetail, error)
	DefaultForUser(ctx context.Context, userID string) (*models.BankDetail, error)
	SetDefault(ctx context.Context, userID, id string) error
	Deactivate(ctx context.Context, userID, id string) error
	SetProviderIDs(tx *gorm.DB, id string, contactID, fundAccountID *string) error
}

type bankDetailRepository struct {
	db *gorm.DB
}

// NewBankDetailRepository creates a new BankDetailRepository instance
func NewBankDetailRepository(db *gorm.DB) BankDetailRepository {
	return &bankDetailRepository{db: db}
}

func (r *bankDetailRepository) Create(ctx context.Context, detail *models.BankDetail) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if detail.IsDefault {
			if err := tx.Model(&models.BankDetail{}).
				Where("user_id = ? AND is_default = ?", detail.UserID, true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(detail).Error
	})
}

func (r *bankDetailRepository) GetByID(ctx context.Context, id string) (*models.BankDetail, error) {
	var detail models.BankDetail
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&detail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBankDetailNotFound
	}
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

func (r *bankDetailRepository) ListByUser(ctx context.Context, userID string) ([]models.BankDetail, error) {
	var details []models.BankDetail
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		Find(&details).Error
	return details, err
}

func (r *bankDetailRepository) DefaultForUser(ctx context.Context, userID string) (*models.BankDetail, error) {
	var detail models.BankDetail
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_default = ? AND is_active = ?", userID, true, true).
		First(&detail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBankDetailNotFound
	}
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

func (r *bankDetailRepository) SetDefault(ctx context.Context, userID, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.BankDetail{}).
			Where("user_id = ? AND is_default = ?", userID, true).
			Update("is_default", false).Error; err != nil {
			return err
		}
		result := tx.Model(&models.BankDetail{}).
			Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
			Update("is_default", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBankDetailNotFound
		}
		return nil
	})
}

func (r *bankDetailRepository) Deactivate(ctx context.Context, userID, id string) error {
	result := r.db.WithContext(ctx).Model(&models.BankDetail{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]interface{}{"is_active": false, "is_default": false})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBankDetailNotFound
	}
	return nil
}

func (r *bankDetailRepository) SetProviderIDs(tx *gorm.DB, id string, contactID, fundAccountID *string) error {
	updates := map[string]interface{}{}
	if contactID != nil {
		updates["provider_contact_id"] = *contactID
	}
	if fundAccountID != nil {
		updates["provider_fund_account_id"] = *fundAccountID
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&models.BankDetail{}).Where("id = ?", id).Updates(updates).Error
}
