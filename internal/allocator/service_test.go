package allocator

import (
	"testing"
	"time"

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

func setupRepo(t *testing.T) wallet.Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&wallet.Wallet{}, &wallet.BalanceSnapshot{}))
	return wallet.NewRepository(db)
}

func testConfig() config.AllocationConfig {
	return config.AllocationConfig{
		Weights: config.ScoreWeights{
			Risk:         0.25,
			Performance:  0.25,
			Availability: 0.25,
			Load:         0.15,
			Cost:         0.10,
		},
		Timeout:         30 * time.Minute,
		CooldownPeriod:  6 * time.Hour,
		MaxClaimRetries: 5,
	}
}

func testNetworks() map[string]config.NetworkConfig {
	return map[string]config.NetworkConfig{
		"TRC20": {CostScore: 0.9},
		"ERC20": {CostScore: 0.3},
	}
}

func seed(t *testing.T, repo wallet.Repository, mutate func(*wallet.Wallet)) *wallet.Wallet {
	t.Helper()
	w := &wallet.Wallet{
		UUID:                uuid.New().String(),
		Network:             wallet.NetworkTRC20,
		Address:             "T" + uuid.New().String()[:16],
		EncryptedPrivateKey: "ciphertext",
		Status:              wallet.StatusAvailable,
		DailyLimit:          decimal.NewFromInt(10000),
		MonthlyLimit:        decimal.NewFromInt(100000),
		RiskLevel:           wallet.RiskLow,
		SuccessRate:         1.0,
	}
	if mutate != nil {
		mutate(w)
	}
	require.NoError(t, repo.Create(w))
	return w
}

func TestAllocateClaimsWallet(t *testing.T) {
	repo := setupRepo(t)
	svc := NewService(repo, testConfig(), testNetworks())
	w := seed(t, repo, nil)

	got, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(100), wallet.RiskHigh, "PO1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, wallet.StatusOccupied, got.Status)

	// 唯一钱包已被占用
	_, err = svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(100), wallet.RiskHigh, "PO2")
	assert.ErrorIs(t, err, ErrNoWalletAvailable)

	require.NoError(t, svc.Release(w.ID))
	_, err = svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(100), wallet.RiskHigh, "PO3")
	require.NoError(t, err)
}

func TestAllocateFiltersDailyLimit(t *testing.T) {
	repo := setupRepo(t)
	svc := NewService(repo, testConfig(), testNetworks())

	today := time.Now().Format("2006-01-02")
	seed(t, repo, func(w *wallet.Wallet) {
		w.DailyLimit = decimal.NewFromInt(100)
		w.CurrentDailyReceived = decimal.NewFromInt(80)
		w.DailyWindow = today
	})

	// 当日剩余20，容不下50
	_, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(50), wallet.RiskHigh, "PO1")
	assert.ErrorIs(t, err, ErrNoWalletAvailable)

	got, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(20), wallet.RiskHigh, "PO2")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestAllocateFiltersExpiredWindowAsFullQuota(t *testing.T) {
	repo := setupRepo(t)
	svc := NewService(repo, testConfig(), testNetworks())

	// 窗口是昨天的，额度应视为全额
	seed(t, repo, func(w *wallet.Wallet) {
		w.DailyLimit = decimal.NewFromInt(100)
		w.CurrentDailyReceived = decimal.NewFromInt(95)
		w.DailyWindow = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	})

	_, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(50), wallet.RiskHigh, "PO1")
	require.NoError(t, err)
}

func TestAllocateRespectsRiskTolerance(t *testing.T) {
	repo := setupRepo(t)
	svc := NewService(repo, testConfig(), testNetworks())

	high := seed(t, repo, func(w *wallet.Wallet) { w.RiskLevel = wallet.RiskHigh })

	// LOW容忍度拒绝HIGH钱包
	_, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(10), wallet.RiskLow, "PO1")
	assert.ErrorIs(t, err, ErrNoWalletAvailable)

	got, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(10), wallet.RiskHigh, "PO2")
	require.NoError(t, err)
	assert.Equal(t, high.ID, got.ID)
}

func TestAllocateExcludesMasterWallet(t *testing.T) {
	repo := setupRepo(t)
	svc := NewService(repo, testConfig(), testNetworks())

	seed(t, repo, func(w *wallet.Wallet) { w.IsMaster = true })

	_, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(10), wallet.RiskHigh, "PO1")
	assert.ErrorIs(t, err, ErrNoWalletAvailable)
}

func TestAllocatePrefersHigherScore(t *testing.T) {
	repo := setupRepo(t)
	svc := NewService(repo, testConfig(), testNetworks())

	// 同等条件下LOW风险、成功率高者应胜出
	seed(t, repo, func(w *wallet.Wallet) {
		w.RiskLevel = wallet.RiskHigh
		w.SuccessRate = 0.5
	})
	better := seed(t, repo, func(w *wallet.Wallet) {
		w.RiskLevel = wallet.RiskLow
		w.SuccessRate = 1.0
	})

	got, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(10), wallet.RiskHigh, "PO1")
	require.NoError(t, err)
	assert.Equal(t, better.ID, got.ID)
}

func TestAllocateTieBreaksOnTransactionCount(t *testing.T) {
	repo := setupRepo(t)
	svc := NewService(repo, testConfig(), testNetworks())

	seed(t, repo, func(w *wallet.Wallet) { w.TransactionCount = 50 })
	quieter := seed(t, repo, func(w *wallet.Wallet) { w.TransactionCount = 3 })

	got, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(10), wallet.RiskHigh, "PO1")
	require.NoError(t, err)
	assert.Equal(t, quieter.ID, got.ID)
}

func TestAllocateFallsBackToNextCandidate(t *testing.T) {
	repo := setupRepo(t)
	svc := NewService(repo, testConfig(), testNetworks())

	best := seed(t, repo, func(w *wallet.Wallet) { w.TransactionCount = 1 })
	second := seed(t, repo, func(w *wallet.Wallet) { w.TransactionCount = 2 })

	// 模拟并发竞争：首选在排序后、抢占前被别人拿走
	claimed, err := repo.ClaimForOrder(best.ID, "other-order", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	// GetAvailable已排除被占用者，这里直接验证次优可得
	got, err := svc.Allocate(wallet.NetworkTRC20, decimal.NewFromInt(10), wallet.RiskHigh, "PO1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}
