package keyvault

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"escrowd/internal/models"
	"escrowd/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Registry is the custodial wallet registry: one secp256k1 key pair per user,
// created lazily, sealed at rest. The plaintext secret exists only inside a
// single decrypt+sign (or decrypt+derive) scope and is zeroed before return.
type Registry struct {
	sealer  *Sealer
	wallets repository.WalletRepository
	logger  *logrus.Logger
}

// NewRegistry creates the wallet registry.
func NewRegistry(sealer *Sealer, wallets repository.WalletRepository, logger *logrus.Logger) *Registry {
	return &Registry{sealer: sealer, wallets: wallets, logger: logger}
}

// GetOrCreate returns the user's wallet address, generating and sealing a
// fresh key pair on first use.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (common.Address, error) {
	wallet, err := r.wallets.GetByUserID(ctx, userID)
	if err == nil {
		return common.HexToAddress(wallet.Address), nil
	}
	if !errors.Is(err, repository.ErrWalletNotFound) {
		return common.Address{}, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, models.WrapErr(models.CodeSignFailed, err, "generate key pair")
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	secret := crypto.FromECDSA(key)
	env, sealErr := r.sealer.Seal(secret)
	zero(secret)
	if sealErr != nil {
		return common.Address{}, sealErr
	}

	wallet = &models.Wallet{
		UserID:     userID,
		Address:    strings.ToLower(address.Hex()),
		KeyID:      env.KeyID,
		SealNonce:  env.Nonce,
		SealTag:    env.Tag,
		Ciphertext: env.Ciphertext,
		CreatedAt:  time.Now(),
	}
	if err := r.wallets.Create(ctx, wallet); err != nil {
		// A concurrent first-use may have won the unique constraint race;
		// re-read rather than reissue.
		if existing, readErr := r.wallets.GetByUserID(ctx, userID); readErr == nil {
			return common.HexToAddress(existing.Address), nil
		}
		return common.Address{}, err
	}

	r.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"address": wallet.Address,
	}).Info("custodial wallet created")

	return address, nil
}

// AddressOf returns the user's wallet address. Fails with NO_WALLET when the
// user has never touched the chain.
func (r *Registry) AddressOf(ctx context.Context, userID string) (common.Address, error) {
	wallet, err := r.wallets.GetByUserID(ctx, userID)
	if errors.Is(err, repository.ErrWalletNotFound) {
		return common.Address{}, models.E(models.CodeNoWallet, "no wallet for user %s", userID)
	}
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(wallet.Address), nil
}

// SignTx opens the user's envelope and signs the transaction with the
// chain-id aware signer. The decrypted secret never leaves this call.
func (r *Registry) SignTx(ctx context.Context, userID string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	wallet, err := r.wallets.GetByUserID(ctx, userID)
	if errors.Is(err, repository.ErrWalletNotFound) {
		return nil, models.E(models.CodeNoWallet, "no wallet for user %s", userID)
	}
	if err != nil {
		return nil, err
	}

	secret, err := r.sealer.Open(&Envelope{
		Nonce:      wallet.SealNonce,
		Tag:        wallet.SealTag,
		Ciphertext: wallet.Ciphertext,
		KeyID:      wallet.KeyID,
	})
	if err != nil {
		return nil, err
	}
	defer zero(secret)

	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, models.WrapErr(models.CodeSignFailed, err, "decode secret key")
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, models.WrapErr(models.CodeSignFailed, err, "sign transaction")
	}
	return signed, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
