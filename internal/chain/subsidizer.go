package chain

import (
	"context"
	"math/big"
	"strings"

	"escrowd/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const transferGasLimit = 21000

// Subsidizer tops up custodial wallets with native coin from the operator so
// users never hold gas themselves.
type Subsidizer struct {
	gateway      *EthGateway
	safetyFactor *big.Int
	logger       *logrus.Logger
}

func NewSubsidizer(gateway *EthGateway, safetyFactor int64, logger *logrus.Logger) *Subsidizer {
	if safetyFactor <= 0 {
		safetyFactor = 5
	}
	return &Subsidizer{
		gateway:      gateway,
		safetyFactor: big.NewInt(safetyFactor),
		logger:       logger,
	}
}

// EnsureGas guarantees userAddr can pay for a transaction of estimatedGas
// units. The target balance is estimatedGas * gasPrice * safetyFactor so one
// top-up usually covers several transitions. Returns true when a transfer was
// made, false when the wallet was already funded.
func (s *Subsidizer) EnsureGas(ctx context.Context, userAddr common.Address, estimatedGas uint64) (bool, error) {
	g := s.gateway

	if err := g.limiter.Wait(ctx); err != nil {
		return false, err
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return false, models.WrapErr(models.CodeChainError, err, "gas price")
	}

	required := new(big.Int).SetUint64(estimatedGas)
	required.Mul(required, gasPrice)
	required.Mul(required, s.safetyFactor)

	if err := g.limiter.Wait(ctx); err != nil {
		return false, err
	}
	balance, err := g.client.BalanceAt(ctx, userAddr, nil)
	if err != nil {
		return false, models.WrapErr(models.CodeChainError, err, "balance of %s", userAddr.Hex())
	}
	if balance.Cmp(required) >= 0 {
		return false, nil
	}

	shortfall := new(big.Int).Sub(required, balance)
	transferCost := new(big.Int).Mul(big.NewInt(transferGasLimit), gasPrice)

	operatorBalance, err := g.OperatorBalance(ctx)
	if err != nil {
		return false, err
	}
	if operatorBalance.Cmp(new(big.Int).Add(shortfall, transferCost)) < 0 {
		return false, models.E(models.CodeOperatorUnderfunded,
			"operator balance %s cannot cover top-up of %s wei", operatorBalance, shortfall)
	}

	g.operatorMu.Lock()
	result, err := g.submitOperatorTxLocked(ctx, userAddr, nil, shortfall, transferGasLimit)
	g.operatorMu.Unlock()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return false, models.WrapErr(models.CodeOperatorUnderfunded, err, "gas top-up for %s", userAddr.Hex())
		}
		return false, err
	}

	// The user tx can only pay for gas once the top-up lands.
	result, err = g.WaitMined(ctx, result.TxHash)
	if err != nil {
		return false, err
	}
	if !result.Mined {
		return false, models.E(models.CodeReceiptTimeout, "gas top-up %s not mined", result.TxHash)
	}
	if !result.Success {
		return false, models.E(models.CodeChainError, "gas top-up %s reverted", result.TxHash)
	}

	s.logger.WithFields(logrus.Fields{
		"user_addr": userAddr.Hex(),
		"wei":       shortfall.String(),
		"tx_hash":   result.TxHash,
	}).Info("gas top-up sent")
	return true, nil
}
