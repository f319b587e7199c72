package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"escrowd/internal/chain"
	"escrowd/internal/config"
	"escrowd/internal/db"
	"escrowd/internal/events"
	"escrowd/internal/keyvault"
	"escrowd/internal/provider"
	"escrowd/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testPublisher() *events.Publisher {
	return events.NewPublisher(config.NATSConfig{}, quietLogger())
}

func newTestRegistry(t *testing.T, gdb *gorm.DB) *keyvault.Registry {
	t.Helper()
	sealer, err := keyvault.NewSealer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	return keyvault.NewRegistry(sealer, repository.NewWalletRepository(gdb), quietLogger())
}

// fakeGateway is a scriptable chain.Gateway. Every submission returns the
// next queued result (or a mined success by default) and counts calls;
// WaitMined resolves whatever the matching submission was scripted to do.
type fakeGateway struct {
	mu sync.Mutex

	operator common.Address

	deployErr     error
	deployWait    *chain.TxResult
	deployCount   int
	escrowSerial  int
	deployResults map[string]*chain.DeployResult

	states map[common.Address]*chain.EscrowState

	submitErr    error
	submitQueue  []*chain.TxResult
	submitCount  int
	lastMethod   chain.EscrowMethod
	lastSubmitID string

	waits map[string]*chain.TxResult

	receipts     map[string]*chain.Receipt
	receiptCalls int

	burnChecks map[string]*chain.BurnCheck

	chainTime uint64

	tokenBalance    *big.Int
	operatorBalance *big.Int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		operator:        common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		deployResults:   map[string]*chain.DeployResult{},
		states:          map[common.Address]*chain.EscrowState{},
		waits:           map[string]*chain.TxResult{},
		receipts:        map[string]*chain.Receipt{},
		burnChecks:      map[string]*chain.BurnCheck{},
		tokenBalance:    new(big.Int).Lsh(big.NewInt(1), 96),
		operatorBalance: new(big.Int).Lsh(big.NewInt(1), 96),
	}
}

func (f *fakeGateway) OperatorAddress() common.Address { return f.operator }

func (f *fakeGateway) OperatorBalance(context.Context) (*big.Int, error) {
	return f.operatorBalance, nil
}

func (f *fakeGateway) DeployEscrow(_ context.Context, buyer, seller common.Address, amountWei *big.Int) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	f.deployCount++
	f.escrowSerial++
	addr := common.BigToAddress(big.NewInt(int64(0xe5c0 + f.escrowSerial)))
	f.states[addr] = &chain.EscrowState{
		Buyer:   buyer,
		Seller:  seller,
		Amount:  amountWei,
		Balance: amountWei,
	}
	txHash := fmt.Sprintf("0xdeploy%04d", f.escrowSerial)
	block := uint64(100 + f.escrowSerial)
	f.deployResults[txHash] = &chain.DeployResult{
		EscrowAddr:  addr,
		TxHash:      txHash,
		BlockNumber: block,
	}
	if f.deployWait != nil {
		wait := *f.deployWait
		wait.TxHash = txHash
		f.waits[txHash] = &wait
	} else {
		f.waits[txHash] = &chain.TxResult{TxHash: txHash, BlockNumber: &block, Mined: true, Success: true}
	}
	return &chain.TxResult{TxHash: txHash, Mined: false}, nil
}

func (f *fakeGateway) DeployedEscrowAddress(_ context.Context, txHash string) (*chain.DeployResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.deployResults[txHash]; ok {
		return result, nil
	}
	return nil, fmt.Errorf("no deployment for tx %s", txHash)
}

func (f *fakeGateway) EscrowState(_ context.Context, addr common.Address) (*chain.EscrowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[addr]
	if !ok {
		return nil, fmt.Errorf("no escrow at %s", addr.Hex())
	}
	return state, nil
}

func (f *fakeGateway) nextResult() *chain.TxResult {
	f.submitCount++
	var result *chain.TxResult
	if len(f.submitQueue) > 0 {
		result = f.submitQueue[0]
		f.submitQueue = f.submitQueue[1:]
	} else {
		block := uint64(200 + f.submitCount)
		result = &chain.TxResult{
			TxHash:      fmt.Sprintf("0xtx%04d", f.submitCount),
			BlockNumber: &block,
			Mined:       true,
			Success:     true,
		}
	}
	f.waits[result.TxHash] = result
	return &chain.TxResult{TxHash: result.TxHash, Mined: false}
}

func (f *fakeGateway) WaitMined(_ context.Context, txHash string) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.waits[txHash]; ok {
		return result, nil
	}
	return &chain.TxResult{TxHash: txHash, Mined: false}, nil
}

func (f *fakeGateway) ChainTime(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chainTime != 0 {
		return f.chainTime, nil
	}
	return uint64(time.Now().Unix()), nil
}

func (f *fakeGateway) SubmitUserTx(_ context.Context, userID string, _ common.Address, method chain.EscrowMethod) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.lastMethod = method
	f.lastSubmitID = userID
	return f.nextResult(), nil
}

func (f *fakeGateway) ResolveDispute(_ context.Context, _, _ common.Address) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.nextResult(), nil
}

func (f *fakeGateway) SubmitBurn(_ context.Context, userID string, _ *big.Int) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.lastSubmitID = userID
	return f.nextResult(), nil
}

func (f *fakeGateway) GetReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if receipt, ok := f.receipts[txHash]; ok {
		return receipt, nil
	}
	return &chain.Receipt{Mined: false}, nil
}

func (f *fakeGateway) VerifyBurn(_ context.Context, txHash string, _ common.Address, _ *big.Int) (*chain.BurnCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if check, ok := f.burnChecks[txHash]; ok {
		return check, nil
	}
	return &chain.BurnCheck{Verified: false, Reason: "no burn event"}, nil
}

func (f *fakeGateway) TokenBalanceOf(context.Context, common.Address) (*big.Int, error) {
	return f.tokenBalance, nil
}

// fakeProvider is a scriptable provider.Client.
type fakeProvider struct {
	mu sync.Mutex

	contactErr     error
	fundAccountErr error
	payoutErr      error
	payoutStatus   string

	payoutCalls  int
	lastRequest  provider.PayoutRequest
	fetchResults map[string]*provider.PayoutResponse
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		payoutStatus: "queued",
		fetchResults: map[string]*provider.PayoutResponse{},
	}
}

func (f *fakeProvider) CreateContact(_ context.Context, _, _ string) (string, error) {
	if f.contactErr != nil {
		return "", f.contactErr
	}
	return "cont_test", nil
}

func (f *fakeProvider) CreateFundAccount(_ context.Context, _ string, _ provider.BankAccount) (string, error) {
	if f.fundAccountErr != nil {
		return "", f.fundAccountErr
	}
	return "fa_test", nil
}

func (f *fakeProvider) CreatePayout(_ context.Context, req provider.PayoutRequest) (*provider.PayoutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payoutErr != nil {
		return nil, f.payoutErr
	}
	f.payoutCalls++
	f.lastRequest = req
	return &provider.PayoutResponse{
		ID:     fmt.Sprintf("pout_%04d", f.payoutCalls),
		Status: f.payoutStatus,
	}, nil
}

func (f *fakeProvider) FetchPayout(_ context.Context, id string) (*provider.PayoutResponse, error) {
	if resp, ok := f.fetchResults[id]; ok {
		return resp, nil
	}
	return &provider.PayoutResponse{ID: id, Status: "processing"}, nil
}
