package repository

import (
	"context"
	"errors"

	"escrowd/internal/models"

	"gorm.io/gorm"
)

// WalletRepository defines data access for custodial wallets.
type WalletRepository interface {
	GetByUserID(ctx context.Context, userID string) (*models.Wallet, error)
	GetByAddress(ctx context.Context, address string) (*models.Wallet, error)
	Create(ctx context.Context, wallet *models.Wallet) error
}

type walletRepository struct {
	db *gorm.DB
}

// NewWalletRepository creates a new WalletRepository instance
func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

// ErrWalletNotFound is returned when no wallet exists for the lookup key.
var ErrWalletNotFound = errors.New("wallet not found")

func (r *walletRepository) GetByUserID(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *walletRepository) GetByAddress(ctx context.Context, address string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *walletRepository) Create(ctx context.Context, wallet *models.Wallet) error {
	return r.db.WithContext(ctx).Create(wallet).Error
}
