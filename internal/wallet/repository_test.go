package wallet

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Wallet{}, &BalanceSnapshot{}))
	return db
}

func seedWallet(t *testing.T, repo Repository, mutate func(*Wallet)) *Wallet {
	t.Helper()
	w := &Wallet{
		UUID:                uuid.New().String(),
		Network:             NetworkTRC20,
		Address:             "T" + uuid.New().String()[:16],
		EncryptedPrivateKey: "ciphertext",
		Status:              StatusAvailable,
		Balance:             decimal.Zero,
		DailyLimit:          decimal.NewFromInt(10000),
		MonthlyLimit:        decimal.NewFromInt(100000),
		RiskLevel:           RiskLow,
		SuccessRate:         1.0,
	}
	if mutate != nil {
		mutate(w)
	}
	require.NoError(t, repo.Create(w))
	return w
}

func TestClaimForOrderIsExclusive(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	w := seedWallet(t, repo, nil)
	now := time.Now()

	claimed, err := repo.ClaimForOrder(w.ID, "PO1", now)
	require.NoError(t, err)
	assert.True(t, claimed)

	// 已占用的钱包不能再被抢占
	claimed, err = repo.ClaimForOrder(w.ID, "PO2", now)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOccupied, got.Status)
	require.NotNil(t, got.CurrentOrderNo)
	assert.Equal(t, "PO1", *got.CurrentOrderNo)
	assert.NotNil(t, got.AllocatedAt)
}

func TestReleaseFromOrderClearsAllocation(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	w := seedWallet(t, repo, nil)

	claimed, err := repo.ClaimForOrder(w.ID, "PO1", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, repo.ReleaseFromOrder(w.ID))

	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, got.Status)
	assert.Nil(t, got.CurrentOrderNo)
	assert.Nil(t, got.AllocatedAt)
	// last_allocated_at保留，冷却期评分依赖它
	assert.NotNil(t, got.LastAllocatedAt)
}

func TestMarkConsolidatingOnlyFromAvailable(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	w := seedWallet(t, repo, nil)

	claimed, err := repo.ClaimForOrder(w.ID, "PO1", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	// 占用中的钱包不可归集
	marked, err := repo.MarkConsolidating(w.ID)
	require.NoError(t, err)
	assert.False(t, marked)

	require.NoError(t, repo.ReleaseFromOrder(w.ID))
	marked, err = repo.MarkConsolidating(w.ID)
	require.NoError(t, err)
	assert.True(t, marked)

	require.NoError(t, repo.ReleaseConsolidating(w.ID))
	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, got.Status)
}

func TestUpdateBalanceWithSnapshot(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	w := seedWallet(t, repo, func(w *Wallet) {
		w.Balance = decimal.NewFromInt(100)
	})

	snapshot, err := repo.UpdateBalanceWithSnapshot(w.ID, decimal.NewFromInt(105), "balance drift corrected", SnapshotSourceSync)
	require.NoError(t, err)
	assert.True(t, snapshot.Change.Equal(decimal.NewFromInt(5)))
	assert.True(t, snapshot.Balance.Equal(decimal.NewFromInt(105)))

	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(105)))
	assert.NotNil(t, got.LastSyncAt)
}

func TestApplySweepMovesBalanceAtomically(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	source := seedWallet(t, repo, func(w *Wallet) {
		w.Balance = decimal.NewFromInt(250)
	})
	master := seedWallet(t, repo, func(w *Wallet) {
		w.IsMaster = true
		w.Status = StatusMaintenance
		w.Balance = decimal.NewFromInt(1000)
	})

	require.NoError(t, repo.ApplySweep(source.ID, master.ID, decimal.NewFromInt(250)))

	gotSource, err := repo.GetByID(source.ID)
	require.NoError(t, err)
	assert.True(t, gotSource.Balance.IsZero())

	gotMaster, err := repo.GetByID(master.ID)
	require.NoError(t, err)
	assert.True(t, gotMaster.Balance.Equal(decimal.NewFromInt(1250)))

	// 双边快照
	sourceSnaps, err := repo.ListSnapshots(source.ID, 10)
	require.NoError(t, err)
	require.Len(t, sourceSnaps, 1)
	assert.True(t, sourceSnaps[0].Change.Equal(decimal.NewFromInt(-250)))
	assert.Equal(t, SnapshotSourceConsolidation, sourceSnaps[0].Source)

	masterSnaps, err := repo.ListSnapshots(master.ID, 10)
	require.NoError(t, err)
	require.Len(t, masterSnaps, 1)
	assert.True(t, masterSnaps[0].Change.Equal(decimal.NewFromInt(250)))
}

func TestApplySweepKeepsLateDeposit(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	// 读取余额到出账之间又入账50：只扣减实际归集的250
	source := seedWallet(t, repo, func(w *Wallet) {
		w.Balance = decimal.NewFromInt(300)
	})
	master := seedWallet(t, repo, func(w *Wallet) {
		w.IsMaster = true
		w.Status = StatusMaintenance
	})

	require.NoError(t, repo.ApplySweep(source.ID, master.ID, decimal.NewFromInt(250)))

	gotSource, err := repo.GetByID(source.ID)
	require.NoError(t, err)
	assert.True(t, gotSource.Balance.Equal(decimal.NewFromInt(50)))

	gotMaster, err := repo.GetByID(master.ID)
	require.NoError(t, err)
	assert.True(t, gotMaster.Balance.Equal(decimal.NewFromInt(250)))

	// 双边快照严格复式：变动等额反向
	sourceSnaps, err := repo.ListSnapshots(source.ID, 10)
	require.NoError(t, err)
	require.Len(t, sourceSnaps, 1)
	assert.True(t, sourceSnaps[0].Change.Equal(decimal.NewFromInt(-250)))
	assert.True(t, sourceSnaps[0].Balance.Equal(decimal.NewFromInt(50)))
}

func TestAddReceivedRollsWindows(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	w := seedWallet(t, repo, nil)

	day1 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddReceived(w.ID, decimal.NewFromInt(30), day1))
	require.NoError(t, repo.AddReceived(w.ID, decimal.NewFromInt(20), day1))

	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentDailyReceived.Equal(decimal.NewFromInt(50)))
	assert.True(t, got.CurrentMonthlyReceived.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "2026-08-24", got.DailyWindow)
	assert.Equal(t, int64(2), got.TransactionCount)

	// 跨日：日计数归零重计，月计数延续
	day2 := day1.Add(24 * time.Hour)
	require.NoError(t, repo.AddReceived(w.ID, decimal.NewFromInt(10), day2))

	got, err = repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentDailyReceived.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.CurrentMonthlyReceived.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, "2026-08-25", got.DailyWindow)

	// 跨月：两个计数都归零重计
	nextMonth := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddReceived(w.ID, decimal.NewFromInt(7), nextMonth))

	got, err = repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentDailyReceived.Equal(decimal.NewFromInt(7)))
	assert.True(t, got.CurrentMonthlyReceived.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, "2026-09", got.MonthlyWindow)
}

func TestDailyRemainingIgnoresExpiredWindow(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w := &Wallet{
		DailyLimit:           decimal.NewFromInt(100),
		CurrentDailyReceived: decimal.NewFromInt(80),
		DailyWindow:          "2026-08-24",
	}

	// 窗口已过期，剩余额度视为全额
	assert.True(t, w.DailyRemaining(now).Equal(decimal.NewFromInt(100)))

	w.DailyWindow = "2026-08-25"
	assert.True(t, w.DailyRemaining(now).Equal(decimal.NewFromInt(20)))
}

func TestRecordOutcomeMovesAverages(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	w := seedWallet(t, repo, nil)

	require.NoError(t, repo.RecordOutcome(w.ID, false, 0))

	got, err := repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got.SuccessRate, 0.0001)

	require.NoError(t, repo.RecordOutcome(w.ID, true, 1000))
	got, err = repo.GetByID(w.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.84, got.SuccessRate, 0.0001)
	assert.InDelta(t, 200, got.AvgResponseTime, 0.0001)
}

func TestGetAvailableExcludesOtherStatuses(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	available := seedWallet(t, repo, nil)
	seedWallet(t, repo, func(w *Wallet) { w.Status = StatusOccupied })
	seedWallet(t, repo, func(w *Wallet) { w.Status = StatusMaintenance })
	seedWallet(t, repo, func(w *Wallet) { w.Network = NetworkERC20; w.Address = "0xabc" })

	wallets, err := repo.GetAvailable(NetworkTRC20)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, available.ID, wallets[0].ID)
}

func TestStaleOccupied(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	w := seedWallet(t, repo, nil)

	claimed, err := repo.ClaimForOrder(w.ID, "PO1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	stale, err := repo.StaleOccupied(time.Now().Add(-30 * time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, w.ID, stale[0].ID)

	stale, err = repo.StaleOccupied(time.Now().Add(-2 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
