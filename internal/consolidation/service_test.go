package consolidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"usdt-gateway/internal/blockchain"
	"usdt-gateway/internal/keycustody"
	"usdt-gateway/internal/notification"
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

const masterAddr = "TMasterAddress0001"

// fakeChain 归集路径用的链桩：固定费用、可注入转账失败
type fakeChain struct {
	fee         decimal.Decimal
	transferErr error
	transfers   []string
}

func (f *fakeChain) Name() string                                       { return "TRC20" }
func (f *fakeChain) GetBlockNumber(ctx context.Context) (uint64, error) { return 1000, nil }
func (f *fakeChain) GetRequiredConfirmations() int                      { return 1 }
func (f *fakeChain) ValidateAddress(address string) bool                { return true }

func (f *fakeChain) GetUSDTBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeChain) GetTransfers(ctx context.Context, address string, sinceBlock uint64) ([]blockchain.TokenTransfer, error) {
	return nil, nil
}

func (f *fakeChain) GetTransaction(ctx context.Context, txHash string) (*blockchain.TransactionInfo, error) {
	return nil, blockchain.ErrTxNotFound
}

func (f *fakeChain) EstimateFee(ctx context.Context) (decimal.Decimal, error) {
	return f.fee, nil
}

func (f *fakeChain) TransferUSDT(ctx context.Context, privateKey []byte, to string, amount decimal.Decimal) (string, error) {
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transfers = append(f.transfers, to)
	return "tx-sweep-1", nil
}

type testEnv struct {
	svc        Service
	repo       Repository
	walletRepo wallet.Repository
	walletSvc  wallet.Service
	chain      *fakeChain
	custody    keycustody.Service
}

func testNetworks() map[string]config.NetworkConfig {
	return map[string]config.NetworkConfig{
		"TRC20": {
			MasterAddress:        masterAddr,
			ConsolidationMin:     "10",
			ConsolidationTrigger: "100",
			DeepTrigger:          "20",
			MaxFeeRatio:          0.05,
			FeeEstimate:          "1.5",
		},
	}
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&wallet.Wallet{}, &wallet.BalanceSnapshot{},
		&ConsolidationTask{},
		&notification.Notification{}, &notification.WebhookEndpoint{},
	))

	custody, err := keycustody.NewService("test-master-key", "development", 100000)
	require.NoError(t, err)

	walletRepo := wallet.NewRepository(db)
	walletSvc := wallet.NewService(walletRepo, custody)
	repo := NewRepository(db)
	notifier := notification.NewService(notification.NewRepository(db))
	chain := &fakeChain{fee: decimal.RequireFromString("1.5")}

	svc := NewService(repo, walletRepo, walletSvc, map[wallet.Network]blockchain.Chain{
		wallet.NetworkTRC20: chain,
	}, notifier, config.ConsolidationConfig{
		RetryInterval: time.Hour,
		StallTimeout:  time.Hour,
	}, testNetworks())

	return &testEnv{svc: svc, repo: repo, walletRepo: walletRepo, walletSvc: walletSvc, chain: chain, custody: custody}
}

func seedWallet(t *testing.T, env *testEnv, balance decimal.Decimal) *wallet.Wallet {
	t.Helper()
	w := &wallet.Wallet{
		UUID:         uuid.New().String(),
		Network:      wallet.NetworkTRC20,
		Address:      "T" + uuid.New().String()[:16],
		Status:       wallet.StatusAvailable,
		Balance:      balance,
		DailyLimit:   decimal.NewFromInt(100000),
		MonthlyLimit: decimal.NewFromInt(1000000),
		RiskLevel:    wallet.RiskLow,
		SuccessRate:  1.0,
	}
	encrypted, err := env.custody.Encrypt([]byte("fake-private-key"), w.KeyContext())
	require.NoError(t, err)
	w.EncryptedPrivateKey = encrypted
	require.NoError(t, env.walletRepo.Create(w))
	return w
}

func seedMaster(t *testing.T, env *testEnv) *wallet.Wallet {
	t.Helper()
	m, err := env.walletSvc.RegisterMasterWallet(wallet.NetworkTRC20, masterAddr)
	require.NoError(t, err)
	return m
}

func TestScanCreatesTasksAboveTrigger(t *testing.T) {
	env := setupEnv(t)
	rich := seedWallet(t, env, decimal.NewFromInt(500))
	seedWallet(t, env, decimal.NewFromInt(50)) // 达到min但未到trigger

	created, err := env.svc.ScanForOpportunities(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	tasks, err := env.repo.ListPending(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, rich.ID, tasks[0].WalletID)
	assert.Equal(t, masterAddr, tasks[0].MasterAddress)
	assert.True(t, tasks[0].Amount.Equal(decimal.NewFromInt(500)))
}

func TestDeepScanUsesLowerTrigger(t *testing.T) {
	env := setupEnv(t)
	seedWallet(t, env, decimal.NewFromInt(50))

	created, err := env.svc.ScanForOpportunities(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestScanSkipsWhenFeeRatioTooHigh(t *testing.T) {
	env := setupEnv(t)
	// 费用10 / 余额110 ≈ 9% > 5%上限
	env.chain.fee = decimal.NewFromInt(10)
	seedWallet(t, env, decimal.NewFromInt(110))

	created, err := env.svc.ScanForOpportunities(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestScanSkipsWalletsWithActiveTask(t *testing.T) {
	env := setupEnv(t)
	seedWallet(t, env, decimal.NewFromInt(500))

	created, err := env.svc.ScanForOpportunities(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	// 再扫不重复建任务
	created, err = env.svc.ScanForOpportunities(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestExecuteTaskSweepsToMaster(t *testing.T) {
	env := setupEnv(t)
	master := seedMaster(t, env)
	source := seedWallet(t, env, decimal.NewFromInt(500))

	_, err := env.svc.ScanForOpportunities(context.Background(), false)
	require.NoError(t, err)
	tasks, err := env.repo.ListPending(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, env.svc.ExecuteTask(context.Background(), tasks[0].TaskNo))

	got, err := env.repo.GetByTaskNo(tasks[0].TaskNo)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Equal(t, "tx-sweep-1", got.TransactionHash)
	assert.NotNil(t, got.CompletedAt)

	// 账本：来源清零、主钱包贷记
	gotSource, err := env.walletRepo.GetByID(source.ID)
	require.NoError(t, err)
	assert.True(t, gotSource.Balance.IsZero())
	assert.Equal(t, wallet.StatusAvailable, gotSource.Status)

	gotMaster, err := env.walletRepo.GetByID(master.ID)
	require.NoError(t, err)
	assert.True(t, gotMaster.Balance.Equal(decimal.NewFromInt(500)))

	assert.Equal(t, []string{masterAddr}, env.chain.transfers)
}

func TestExecuteTaskFailureReleasesWallet(t *testing.T) {
	env := setupEnv(t)
	seedMaster(t, env)
	source := seedWallet(t, env, decimal.NewFromInt(500))
	env.chain.transferErr = errors.New("broadcast failed")

	_, err := env.svc.ScanForOpportunities(context.Background(), false)
	require.NoError(t, err)
	tasks, err := env.repo.ListPending(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	err = env.svc.ExecuteTask(context.Background(), tasks[0].TaskNo)
	require.Error(t, err)

	got, err := env.repo.GetByTaskNo(tasks[0].TaskNo)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// 失败不得留下搁浅的consolidating钱包，余额不动
	gotSource, err := env.walletRepo.GetByID(source.ID)
	require.NoError(t, err)
	assert.Equal(t, wallet.StatusAvailable, gotSource.Status)
	assert.True(t, gotSource.Balance.Equal(decimal.NewFromInt(500)))
}

func TestExecuteTaskSkipsOccupiedWallet(t *testing.T) {
	env := setupEnv(t)
	seedMaster(t, env)
	source := seedWallet(t, env, decimal.NewFromInt(500))

	_, err := env.svc.ScanForOpportunities(context.Background(), false)
	require.NoError(t, err)
	tasks, err := env.repo.ListPending(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// 扫描后钱包被订单抢占
	claimed, err := env.walletRepo.ClaimForOrder(source.ID, "PO1", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	err = env.svc.ExecuteTask(context.Background(), tasks[0].TaskNo)
	assert.ErrorIs(t, err, ErrWalletBusy)

	// 订单占用不受归集影响
	gotSource, err := env.walletRepo.GetByID(source.ID)
	require.NoError(t, err)
	assert.Equal(t, wallet.StatusOccupied, gotSource.Status)
}

func TestRetryFailedRequeues(t *testing.T) {
	env := setupEnv(t)
	task := &ConsolidationTask{
		TaskNo:        "CT-retry",
		WalletID:      1,
		Network:       wallet.NetworkTRC20,
		Amount:        decimal.NewFromInt(100),
		MasterAddress: masterAddr,
		Status:        TaskFailed,
		RetryCount:    1,
	}
	require.NoError(t, env.repo.Create(task))
	// 把更新时间拨回重试间隔之前
	require.NoError(t, env.repo.(*repository).db.Model(&ConsolidationTask{}).
		Where("task_no = ?", task.TaskNo).
		Update("updated_at", time.Now().Add(-2*time.Hour)).Error)

	requeued, err := env.svc.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	got, err := env.repo.GetByTaskNo(task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
}

func TestRetryFailedRespectsMaxRetries(t *testing.T) {
	env := setupEnv(t)
	task := &ConsolidationTask{
		TaskNo:        "CT-exhausted",
		WalletID:      1,
		Network:       wallet.NetworkTRC20,
		Amount:        decimal.NewFromInt(100),
		MasterAddress: masterAddr,
		Status:        TaskFailed,
		RetryCount:    maxRetries,
	}
	require.NoError(t, env.repo.Create(task))
	require.NoError(t, env.repo.(*repository).db.Model(&ConsolidationTask{}).
		Where("task_no = ?", task.TaskNo).
		Update("updated_at", time.Now().Add(-2*time.Hour)).Error)

	requeued, err := env.svc.RetryFailed()
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestFailStalledReleasesWallet(t *testing.T) {
	env := setupEnv(t)
	source := seedWallet(t, env, decimal.NewFromInt(500))

	marked, err := env.walletRepo.MarkConsolidating(source.ID)
	require.NoError(t, err)
	require.True(t, marked)

	started := time.Now().Add(-2 * time.Hour)
	task := &ConsolidationTask{
		TaskNo:        "CT-stalled",
		WalletID:      source.ID,
		Network:       wallet.NetworkTRC20,
		Amount:        decimal.NewFromInt(500),
		MasterAddress: masterAddr,
		Status:        TaskProcessing,
		StartedAt:     &started,
	}
	require.NoError(t, env.repo.Create(task))

	failed, err := env.svc.FailStalled()
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	got, err := env.repo.GetByTaskNo(task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)

	gotSource, err := env.walletRepo.GetByID(source.ID)
	require.NoError(t, err)
	assert.Equal(t, wallet.StatusAvailable, gotSource.Status)
}
