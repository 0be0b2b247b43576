package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"usdt-gateway/internal/blockchain"
	"usdt-gateway/internal/wallet"
	"usdt-gateway/pkg/config"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeChain 只实现同步路径用到的余额查询
type fakeChain struct {
	balances map[string]decimal.Decimal
	err      error
}

func (f *fakeChain) Name() string                                       { return "TRC20" }
func (f *fakeChain) GetBlockNumber(ctx context.Context) (uint64, error) { return 1000, nil }
func (f *fakeChain) GetRequiredConfirmations() int                      { return 1 }
func (f *fakeChain) ValidateAddress(address string) bool                { return true }

func (f *fakeChain) GetUSDTBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.balances[address], nil
}

func (f *fakeChain) GetTransfers(ctx context.Context, address string, sinceBlock uint64) ([]blockchain.TokenTransfer, error) {
	return nil, nil
}

func (f *fakeChain) GetTransaction(ctx context.Context, txHash string) (*blockchain.TransactionInfo, error) {
	return nil, blockchain.ErrTxNotFound
}

func (f *fakeChain) EstimateFee(ctx context.Context) (decimal.Decimal, error) {
	return decimal.RequireFromString("1.5"), nil
}

func (f *fakeChain) TransferUSDT(ctx context.Context, privateKey []byte, to string, amount decimal.Decimal) (string, error) {
	return "", errors.New("not supported")
}

func setupSyncer(t *testing.T, chain blockchain.Chain) (Service, wallet.Repository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&wallet.Wallet{}, &wallet.BalanceSnapshot{}))

	repo := wallet.NewRepository(db)
	svc := NewService(repo, map[wallet.Network]blockchain.Chain{wallet.NetworkTRC20: chain}, config.SyncConfig{
		DefaultInterval:  5 * time.Minute,
		OccupiedInterval: time.Minute,
		Tolerance:        "0.000001",
		MaxConcurrency:   5,
	})
	return svc, repo
}

func seedWallet(t *testing.T, repo wallet.Repository, balance decimal.Decimal) *wallet.Wallet {
	t.Helper()
	w := &wallet.Wallet{
		UUID:                uuid.New().String(),
		Network:             wallet.NetworkTRC20,
		Address:             "T" + uuid.New().String()[:16],
		EncryptedPrivateKey: "ciphertext",
		Status:              wallet.StatusAvailable,
		Balance:             balance,
		DailyLimit:          decimal.NewFromInt(10000),
		MonthlyLimit:        decimal.NewFromInt(100000),
		RiskLevel:           wallet.RiskLow,
		SuccessRate:         1.0,
	}
	require.NoError(t, repo.Create(w))
	return w
}

func TestSyncWalletCorrectsDrift(t *testing.T) {
	chain := &fakeChain{balances: map[string]decimal.Decimal{}}
	svc, repo := setupSyncer(t, chain)
	w := seedWallet(t, repo, decimal.NewFromInt(100))
	chain.balances[w.Address] = decimal.NewFromInt(105)

	result, err := svc.SyncWallet(context.Background(), w.ID, true)
	require.NoError(t, err)
	assert.True(t, result.Adjusted)
	assert.True(t, result.ChainBalance.Equal(decimal.NewFromInt(105)))

	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(105)))

	// 纠偏必须留下快照
	snapshots, err := repo.ListSnapshots(w.ID, 10)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.True(t, snapshots[0].Change.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, wallet.SnapshotSourceSync, snapshots[0].Source)
}

func TestSyncWalletToleratesDust(t *testing.T) {
	chain := &fakeChain{balances: map[string]decimal.Decimal{}}
	svc, repo := setupSyncer(t, chain)
	w := seedWallet(t, repo, decimal.NewFromInt(100))
	// 差额在容差内
	chain.balances[w.Address] = decimal.RequireFromString("100.0000005")

	result, err := svc.SyncWallet(context.Background(), w.ID, true)
	require.NoError(t, err)
	assert.False(t, result.Adjusted)

	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(100)))
	// 同步时间要刷新，但不产生快照噪音
	assert.NotNil(t, got.LastSyncAt)
	snapshots, err := repo.ListSnapshots(w.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestSyncWalletSkipsWhenNotDue(t *testing.T) {
	chain := &fakeChain{balances: map[string]decimal.Decimal{}}
	svc, repo := setupSyncer(t, chain)
	w := seedWallet(t, repo, decimal.NewFromInt(100))
	chain.balances[w.Address] = decimal.NewFromInt(200)

	// 刚同步过且未到期
	require.NoError(t, repo.TouchSyncTime(w.ID, time.Now()))

	result, err := svc.SyncWallet(context.Background(), w.ID, false)
	require.NoError(t, err)
	assert.False(t, result.Adjusted)

	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(100)))
}

func TestSyncWalletNotFound(t *testing.T) {
	chain := &fakeChain{balances: map[string]decimal.Decimal{}}
	svc, _ := setupSyncer(t, chain)

	_, err := svc.SyncWallet(context.Background(), 999, true)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestSyncDueBatch(t *testing.T) {
	chain := &fakeChain{balances: map[string]decimal.Decimal{}}
	svc, repo := setupSyncer(t, chain)

	drifted := seedWallet(t, repo, decimal.NewFromInt(10))
	clean := seedWallet(t, repo, decimal.NewFromInt(20))
	chain.balances[drifted.Address] = decimal.NewFromInt(15)
	chain.balances[clean.Address] = decimal.NewFromInt(20)

	result, err := svc.SyncDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Adjusted)
	assert.Empty(t, result.Failed)

	got, err := repo.GetByID(drifted.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(15)))
}

func TestSyncDueRecordsFailures(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc unavailable")}
	svc, repo := setupSyncer(t, chain)
	w := seedWallet(t, repo, decimal.NewFromInt(10))

	result, err := svc.SyncDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Contains(t, result.Failed, w.ID)

	// 失败不得污染账本
	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(10)))
}
