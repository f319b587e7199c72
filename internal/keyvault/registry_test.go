package keyvault

import (
	"context"
	"math/big"
	"testing"

	"escrowd/internal/models"
	"escrowd/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Wallet{}))

	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewRegistry(sealer, repository.NewWalletRepository(gdb), log)
}

func TestGetOrCreateIsStablePerUser(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	first, err := registry.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, first)

	second, err := registry.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := registry.GetOrCreate(ctx, "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestAddressOfWithoutWallet(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.AddressOf(context.Background(), "stranger")
	require.Error(t, err)
	assert.Equal(t, models.CodeNoWallet, models.CodeOf(err))
}

func TestSignTxRecoversWalletAddress(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	chainID := big.NewInt(1337)

	addr, err := registry.GetOrCreate(ctx, "signer")
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})

	signed, err := registry.SignTx(ctx, "signer", tx, chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, addr, sender)
}

func TestSignTxWithoutWallet(t *testing.T) {
	registry := newTestRegistry(t)

	to := common.Address{}
	tx := types.NewTx(&types.LegacyTx{To: &to, Gas: 21000, GasPrice: big.NewInt(1)})
	_, err := registry.SignTx(context.Background(), "stranger", tx, big.NewInt(1))
	require.Error(t, err)
	assert.Equal(t, models.CodeNoWallet, models.CodeOf(err))
}
