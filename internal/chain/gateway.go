package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"escrowd/internal/config"
	"escrowd/internal/keyvault"
	"escrowd/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DeployResult is the outcome of a factory createEscrow call.
type DeployResult struct {
	EscrowAddr  common.Address
	TxHash      string
	BlockNumber uint64
}

// EscrowState is the live on-chain view of one escrow contract.
type EscrowState struct {
	Buyer          common.Address `json:"buyer"`
	Seller         common.Address `json:"seller"`
	Arbitrator     common.Address `json:"arbitrator"`
	Amount         *big.Int       `json:"amount"`
	State          uint8          `json:"state"`
	BuyerConfirmed bool           `json:"buyer_confirmed"`
	Balance        *big.Int       `json:"balance_wei"`
	CreatedAtChain uint64         `json:"created_at_chain_ts"`
}

// TxResult is the outcome of a submitted transaction. Submissions return as
// soon as the node accepts the raw tx with Mined=false; WaitMined (or the
// verification loop) settles the final outcome.
type TxResult struct {
	TxHash      string
	BlockNumber *uint64
	Mined       bool
	Success     bool
}

// Receipt is a condensed transaction receipt.
type Receipt struct {
	Mined       bool
	Success     bool
	BlockNumber uint64
	Logs        []*types.Log
}

// BurnCheck is the outcome of verifying a burn transaction.
type BurnCheck struct {
	Verified    bool
	BlockNumber uint64
	Reason      string
}

// Gateway is the typed wrapper over the RPC endpoint. The concrete
// implementation holds the operator account; a fake stands in for tests.
type Gateway interface {
	OperatorAddress() common.Address
	OperatorBalance(ctx context.Context) (*big.Int, error)
	DeployEscrow(ctx context.Context, buyer, seller common.Address, amountWei *big.Int) (*TxResult, error)
	DeployedEscrowAddress(ctx context.Context, txHash string) (*DeployResult, error)
	EscrowState(ctx context.Context, escrowAddr common.Address) (*EscrowState, error)
	SubmitUserTx(ctx context.Context, userID string, escrowAddr common.Address, method EscrowMethod) (*TxResult, error)
	ResolveDispute(ctx context.Context, escrowAddr, winner common.Address) (*TxResult, error)
	SubmitBurn(ctx context.Context, userID string, amount *big.Int) (*TxResult, error)
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
	WaitMined(ctx context.Context, txHash string) (*TxResult, error)
	VerifyBurn(ctx context.Context, txHash string, expectedFrom common.Address, expectedAmount *big.Int) (*BurnCheck, error)
	TokenBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	ChainTime(ctx context.Context) (uint64, error)
}

// EthGateway implements Gateway against a go-ethereum RPC client.
type EthGateway struct {
	client      *ethclient.Client
	chainID     *big.Int
	factoryAddr common.Address
	tokenAddr   common.Address

	operatorKey  *ecdsa.PrivateKey
	operatorAddr common.Address
	// operatorMu serializes every operator-signed submission: the operator
	// has exactly one nonce sequence.
	operatorMu sync.Mutex

	registry    *keyvault.Registry
	subsidizer  *Subsidizer
	limiter     *rate.Limiter
	receiptWait time.Duration
	logger      *logrus.Logger
}

// NewEthGateway dials the RPC endpoint and loads the operator account.
func NewEthGateway(cfg config.ChainConfig, registry *keyvault.Registry, logger *logrus.Logger) (*EthGateway, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "dial RPC %s", cfg.RPCURL)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return nil, models.WrapErr(models.CodeChainError, err, "query chain id")
		}
	}

	operatorKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorSecret, "0x"))
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "parse operator secret")
	}

	rps := cfg.RPCRateLimit
	if rps <= 0 {
		rps = 20
	}

	g := &EthGateway{
		client:       client,
		chainID:      chainID,
		factoryAddr:  common.HexToAddress(cfg.FactoryAddress),
		tokenAddr:    common.HexToAddress(cfg.TokenAddress),
		operatorKey:  operatorKey,
		operatorAddr: crypto.PubkeyToAddress(operatorKey.PublicKey),
		registry:     registry,
		limiter:      rate.NewLimiter(rate.Limit(rps), rps),
		receiptWait:  cfg.ReceiptWait(),
		logger:       logger,
	}
	g.subsidizer = NewSubsidizer(g, cfg.GasSafetyFactor, logger)

	logger.WithFields(logrus.Fields{
		"chain_id": chainID.String(),
		"operator": g.operatorAddr.Hex(),
		"factory":  g.factoryAddr.Hex(),
		"token":    g.tokenAddr.Hex(),
	}).Info("chain gateway initialized")

	return g, nil
}

// OperatorAddress returns the single privileged wallet address.
func (g *EthGateway) OperatorAddress() common.Address { return g.operatorAddr }

// Close releases the RPC connection.
func (g *EthGateway) Close() { g.client.Close() }

// OperatorBalance returns the operator's native coin balance.
func (g *EthGateway) OperatorBalance(ctx context.Context) (*big.Int, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	balance, err := g.client.BalanceAt(ctx, g.operatorAddr, nil)
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "operator balance")
	}
	return balance, nil
}

// DeployEscrow submits the factory createEscrow call, the operator as
// arbitrator. The escrow address is only known once the tx is mined; callers
// read it with DeployedEscrowAddress after WaitMined.
func (g *EthGateway) DeployEscrow(ctx context.Context, buyer, seller common.Address, amountWei *big.Int) (*TxResult, error) {
	data, err := factoryABI.Pack("createEscrow", buyer, seller, g.operatorAddr, amountWei)
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "pack createEscrow")
	}
	return g.submitOperatorTx(ctx, g.factoryAddr, data)
}

// DeployedEscrowAddress decodes the NewEscrowCreated event from a mined
// createEscrow transaction.
func (g *EthGateway) DeployedEscrowAddress(ctx context.Context, txHash string) (*DeployResult, error) {
	receipt, err := g.GetReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if !receipt.Mined {
		return nil, models.E(models.CodeDeployFailed, "createEscrow %s not mined", txHash)
	}
	if !receipt.Success {
		return nil, models.E(models.CodeDeployFailed, "createEscrow %s reverted", txHash)
	}
	event, err := decodeNewEscrowCreated(g.factoryAddr, receipt.Logs)
	if err != nil {
		return nil, models.WrapErr(models.CodeDeployFailed, err, "tx %s", txHash)
	}
	return &DeployResult{
		EscrowAddr:  event.EscrowContractAddress,
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber,
	}, nil
}

// EscrowState reads the full live state of an escrow contract.
func (g *EthGateway) EscrowState(ctx context.Context, escrowAddr common.Address) (*EscrowState, error) {
	state := &EscrowState{}
	reads := []struct {
		method string
		out    interface{}
	}{
		{"buyer", &state.Buyer},
		{"seller", &state.Seller},
		{"arbitrator", &state.Arbitrator},
		{"amount", &state.Amount},
		{"currentState", &state.State},
		{"buyerConfirmedDelivery", &state.BuyerConfirmed},
		{"getBalance", &state.Balance},
	}
	for _, read := range reads {
		if err := g.callView(ctx, escrowABI, escrowAddr, read.method, read.out); err != nil {
			return nil, err
		}
	}
	var createdAt *big.Int
	if err := g.callView(ctx, escrowABI, escrowAddr, "creationTimestamp", &createdAt); err != nil {
		return nil, err
	}
	state.CreatedAtChain = createdAt.Uint64()
	return state, nil
}

// SubmitUserTx submits one of the escrow transitions signed by the user's
// custodial wallet: gas estimate, subsidy top-up, nonce, sign, raw send.
// Returns as soon as the node accepts the tx.
func (g *EthGateway) SubmitUserTx(ctx context.Context, userID string, escrowAddr common.Address, method EscrowMethod) (*TxResult, error) {
	userAddr, err := g.registry.AddressOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	data, err := escrowABI.Pack(string(method))
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "pack %s", method)
	}

	gasLimit, gasPrice, err := g.estimate(ctx, userAddr, escrowAddr, data)
	if err != nil {
		return nil, err
	}

	if _, err := g.subsidizer.EnsureGas(ctx, userAddr, gasLimit); err != nil {
		return nil, err
	}

	return g.sendUserTx(ctx, userID, userAddr, escrowAddr, data, gasLimit, gasPrice)
}

// SubmitBurn submits a token burn signed by the user's custodial wallet.
func (g *EthGateway) SubmitBurn(ctx context.Context, userID string, amount *big.Int) (*TxResult, error) {
	userAddr, err := g.registry.AddressOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	data, err := tokenABI.Pack("burn", amount)
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "pack burn")
	}

	gasLimit, gasPrice, err := g.estimate(ctx, userAddr, g.tokenAddr, data)
	if err != nil {
		return nil, err
	}

	if _, err := g.subsidizer.EnsureGas(ctx, userAddr, gasLimit); err != nil {
		return nil, err
	}

	return g.sendUserTx(ctx, userID, userAddr, g.tokenAddr, data, gasLimit, gasPrice)
}

// ResolveDispute submits the operator-signed resolveDispute(winner) call.
func (g *EthGateway) ResolveDispute(ctx context.Context, escrowAddr, winner common.Address) (*TxResult, error) {
	data, err := escrowABI.Pack("resolveDispute", winner)
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "pack resolveDispute")
	}
	return g.submitOperatorTx(ctx, escrowAddr, data)
}

// GetReceipt fetches and condenses a transaction receipt. Mined=false with a
// nil error means the transaction is still pending.
func (g *EthGateway) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return &Receipt{Mined: false}, nil
	}
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "receipt %s", txHash)
	}
	return &Receipt{
		Mined:       true,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Logs:        receipt.Logs,
	}, nil
}

// VerifyBurn confirms a mined burn transaction carries a Burn event for the
// expected amount authored by the expected caller.
func (g *EthGateway) VerifyBurn(ctx context.Context, txHash string, expectedFrom common.Address, expectedAmount *big.Int) (*BurnCheck, error) {
	receipt, err := g.GetReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if !receipt.Mined {
		return &BurnCheck{Verified: false, Reason: "not mined"}, nil
	}
	if !receipt.Success {
		return &BurnCheck{Verified: false, BlockNumber: receipt.BlockNumber, Reason: "transaction reverted"}, nil
	}

	from, amount, err := decodeBurn(g.tokenAddr, receipt.Logs)
	if err != nil {
		return &BurnCheck{Verified: false, BlockNumber: receipt.BlockNumber, Reason: err.Error()}, nil
	}
	if from != expectedFrom {
		return &BurnCheck{Verified: false, BlockNumber: receipt.BlockNumber,
			Reason: fmt.Sprintf("burn author %s != wallet %s", from.Hex(), expectedFrom.Hex())}, nil
	}
	if amount.Cmp(expectedAmount) != 0 {
		return &BurnCheck{Verified: false, BlockNumber: receipt.BlockNumber,
			Reason: fmt.Sprintf("burn amount %s != expected %s", amount, expectedAmount)}, nil
	}
	return &BurnCheck{Verified: true, BlockNumber: receipt.BlockNumber}, nil
}

// TokenBalanceOf reads the token balance of an address.
func (g *EthGateway) TokenBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := g.callView(ctx, tokenABI, g.tokenAddr, "balanceOf", &balance, addr); err != nil {
		return nil, err
	}
	return balance, nil
}

// ===== internals =====

// callView executes a read-only contract call with one retry on transient
// RPC errors.
func (g *EthGateway) callView(ctx context.Context, contractABI abi.ABI, to common.Address, method string, out interface{}, args ...interface{}) error {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return models.WrapErr(models.CodeChainError, err, "pack %s", method)
	}

	msg := ethereum.CallMsg{To: &to, Data: data}
	var raw []byte
	err = g.withRetry(ctx, func() error {
		var callErr error
		raw, callErr = g.client.CallContract(ctx, msg, nil)
		return callErr
	})
	if err != nil {
		return models.WrapErr(models.CodeChainError, err, "call %s on %s", method, to.Hex())
	}
	if err := contractABI.UnpackIntoInterface(out, method, raw); err != nil {
		return models.WrapErr(models.CodeChainError, err, "unpack %s", method)
	}
	return nil
}

// estimate computes the gas limit (estimate * 1.2) and current gas price for
// a call from the given address.
func (g *EthGateway) estimate(ctx context.Context, from, to common.Address, data []byte) (uint64, *big.Int, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return 0, nil, models.WrapErr(models.CodeChainError, err, "estimate gas")
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, models.WrapErr(models.CodeChainError, err, "gas price")
	}

	return gas * 12 / 10, price, nil
}

// sendUserTx signs with the user's sealed key and sends. It does not wait
// for inclusion; the caller decides whether to.
func (g *EthGateway) sendUserTx(ctx context.Context, userID string, from, to common.Address, data []byte, gasLimit uint64, gasPrice *big.Int) (*TxResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "nonce for %s", from.Hex())
	}

	for attempt := 0; ; attempt++ {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := g.registry.SignTx(ctx, userID, tx, g.chainID)
		if err != nil {
			return nil, err
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		sendErr := g.client.SendTransaction(ctx, signed)
		if sendErr == nil {
			return &TxResult{TxHash: signed.Hash().Hex(), Mined: false}, nil
		}
		if attempt == 0 && isNonceTooLow(sendErr) {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			nonce, err = g.client.PendingNonceAt(ctx, from)
			if err != nil {
				return nil, models.WrapErr(models.CodeNonceConflict, err, "refresh nonce for %s", from.Hex())
			}
			continue
		}
		if attempt == 0 && isTransient(sendErr) {
			continue
		}
		return nil, models.WrapErr(models.CodeChainError, sendErr, "send user tx")
	}
}

// submitOperatorTx builds, signs and sends an operator transaction while
// holding the operator lock. The lock is released as soon as the send
// returns; inclusion waiting happens without it.
func (g *EthGateway) submitOperatorTx(ctx context.Context, to common.Address, data []byte) (*TxResult, error) {
	g.operatorMu.Lock()
	defer g.operatorMu.Unlock()
	return g.submitOperatorTxLocked(ctx, to, data, nil, 0)
}

// submitOperatorTxLocked does the actual work; value may be nil and
// gasLimitOverride zero for plain contract calls. Callers hold operatorMu.
func (g *EthGateway) submitOperatorTxLocked(ctx context.Context, to common.Address, data []byte, value *big.Int, gasLimitOverride uint64) (*TxResult, error) {
	gasLimit := gasLimitOverride
	var gasPrice *big.Int
	var err error
	if gasLimit == 0 {
		gasLimit, gasPrice, err = g.estimate(ctx, g.operatorAddr, to, data)
		if err != nil {
			return nil, err
		}
	} else {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		gasPrice, err = g.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, models.WrapErr(models.CodeChainError, err, "gas price")
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := g.client.PendingNonceAt(ctx, g.operatorAddr)
	if err != nil {
		return nil, models.WrapErr(models.CodeChainError, err, "operator nonce")
	}

	for attempt := 0; ; attempt++ {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.operatorKey)
		if err != nil {
			return nil, models.WrapErr(models.CodeChainError, err, "sign operator tx")
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		sendErr := g.client.SendTransaction(ctx, signed)
		if sendErr == nil {
			return &TxResult{TxHash: signed.Hash().Hex(), Mined: false}, nil
		}
		if attempt == 0 && isNonceTooLow(sendErr) {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			nonce, err = g.client.PendingNonceAt(ctx, g.operatorAddr)
			if err != nil {
				return nil, models.WrapErr(models.CodeNonceConflict, err, "refresh operator nonce")
			}
			continue
		}
		if attempt == 0 && isTransient(sendErr) {
			continue
		}
		return nil, models.WrapErr(models.CodeChainError, sendErr, "send operator tx")
	}
}

// WaitMined polls for inclusion up to the configured receipt wait. On
// timeout the result carries Mined=false and the verification loop takes
// over; the tx hash is always returned.
func (g *EthGateway) WaitMined(ctx context.Context, txHash string) (*TxResult, error) {
	return g.waitReceipt(ctx, common.HexToHash(txHash))
}

// ChainTime returns the timestamp of the latest block.
func (g *EthGateway) ChainTime(ctx context.Context) (uint64, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	header, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, models.WrapErr(models.CodeChainError, err, "latest header")
	}
	return header.Time, nil
}

func (g *EthGateway) waitReceipt(ctx context.Context, hash common.Hash) (*TxResult, error) {
	deadline := time.Now().Add(g.receiptWait)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	txHash := hash.Hex()
	for {
		receipt, err := g.GetReceipt(ctx, txHash)
		if err == nil && receipt.Mined {
			block := receipt.BlockNumber
			return &TxResult{TxHash: txHash, BlockNumber: &block, Mined: true, Success: receipt.Success}, nil
		}

		if time.Now().After(deadline) {
			g.logger.WithFields(logrus.Fields{
				"tx_hash": txHash,
				"waited":  g.receiptWait.String(),
			}).Warn("receipt wait timed out, handing off to verification loop")
			return &TxResult{TxHash: txHash, Mined: false}, nil
		}

		select {
		case <-ctx.Done():
			return &TxResult{TxHash: txHash, Mined: false}, nil
		case <-ticker.C:
		}
	}
}

// withRetry runs fn with one immediate retry on transient RPC errors.
func (g *EthGateway) withRetry(ctx context.Context, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}
	if waitErr := g.limiter.Wait(ctx); waitErr != nil {
		return waitErr
	}
	return fn()
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "timeout", "eof", "temporarily unavailable", "too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
