package wallet

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository 钱包池仓储接口
type Repository interface {
	Create(w *Wallet) error
	GetByID(id uint) (*Wallet, error)
	GetByAddress(network Network, address string) (*Wallet, error)
	List(network Network, status WalletStatus) ([]*Wallet, error)

	// GetAvailable 按当日已收升序、同步时间最旧优先返回可用钱包，自然轮换
	GetAvailable(network Network) ([]*Wallet, error)

	// ClaimForOrder 条件更新抢占钱包，返回是否抢到
	ClaimForOrder(id uint, orderNo string, now time.Time) (bool, error)
	// ReleaseFromOrder 无条件释放回可用状态
	ReleaseFromOrder(id uint) error
	// MarkConsolidating 归集前独占钱包，返回是否抢到
	MarkConsolidating(id uint) (bool, error)
	// ReleaseConsolidating 归集结束释放，仅在仍处于consolidating时生效
	ReleaseConsolidating(id uint) error
	// UpdateStatus 运维用状态更新（如维护）
	UpdateStatus(id uint, status WalletStatus) error

	// UpdateBalanceWithSnapshot 更新账本余额并在同一事务内追加快照
	UpdateBalanceWithSnapshot(id uint, newBalance decimal.Decimal, reason, source string) (*BalanceSnapshot, error)
	// TouchSyncTime 仅刷新同步时间，余额未变时不追加快照
	TouchSyncTime(id uint, at time.Time) error
	// ApplySweep 归集入账：来源扣减已归集金额、贷记主钱包、双边快照，单事务完成
	ApplySweep(sourceID, masterID uint, amount decimal.Decimal) error
	// AddReceived 记账当日/当月已收金额，窗口过期自动滚动
	AddReceived(id uint, amount decimal.Decimal, now time.Time) error
	// RecordOutcome 更新分配结果遥测
	RecordOutcome(id uint, success bool, responseTime float64) error

	ListSnapshots(walletID uint, limit int) ([]*BalanceSnapshot, error)
	// StaleOccupied 占用超时的钱包
	StaleOccupied(before time.Time) ([]*Wallet, error)
	// ListForConsolidation 余额达到下限、非主钱包的可用钱包
	ListForConsolidation(network Network, minBalance decimal.Decimal) ([]*Wallet, error)
	Statistics() (*PoolStatistics, error)
}

// PoolStatistics 钱包池统计
type PoolStatistics struct {
	Total       int64                    `json:"total"`
	ByStatus    map[WalletStatus]int64   `json:"by_status"`
	ByNetwork   map[Network]NetworkStats `json:"by_network"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// NetworkStats 单网络统计
type NetworkStats struct {
	Total        int64           `json:"total"`
	Available    int64           `json:"available"`
	TotalBalance decimal.Decimal `json:"total_balance"`
}

type repository struct {
	db *gorm.DB
}

// NewRepository 创建钱包池仓储
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Create 创建钱包
func (r *repository) Create(w *Wallet) error {
	return r.db.Create(w).Error
}

// GetByID 通过ID获取钱包
func (r *repository) GetByID(id uint) (*Wallet, error) {
	var w Wallet
	if err := r.db.First(&w, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// GetByAddress 通过地址获取钱包
func (r *repository) GetByAddress(network Network, address string) (*Wallet, error) {
	var w Wallet
	if err := r.db.Where("network = ? AND address = ?", network, address).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// List 查询钱包列表
func (r *repository) List(network Network, status WalletStatus) ([]*Wallet, error) {
	var wallets []*Wallet
	query := r.db.Model(&Wallet{})
	if network != "" {
		query = query.Where("network = ?", network)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&wallets).Error; err != nil {
		return nil, err
	}
	return wallets, nil
}

// GetAvailable 获取可用钱包
func (r *repository) GetAvailable(network Network) ([]*Wallet, error) {
	var wallets []*Wallet
	err := r.db.
		Where("network = ? AND status = ?", network, StatusAvailable).
		Order("current_daily_received ASC").
		Order("last_sync_at ASC NULLS FIRST").
		Find(&wallets).Error
	if err != nil {
		return nil, err
	}
	return wallets, nil
}

// ClaimForOrder 抢占钱包
func (r *repository) ClaimForOrder(id uint, orderNo string, now time.Time) (bool, error) {
	result := r.db.Model(&Wallet{}).
		Where("id = ? AND status = ?", id, StatusAvailable).
		Updates(map[string]interface{}{
			"status":            StatusOccupied,
			"current_order_no":  orderNo,
			"allocated_at":      now,
			"last_allocated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseFromOrder 释放钱包
func (r *repository) ReleaseFromOrder(id uint) error {
	return r.db.Model(&Wallet{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           StatusAvailable,
			"current_order_no": nil,
			"allocated_at":     nil,
		}).Error
}

// MarkConsolidating 归集前独占钱包
func (r *repository) MarkConsolidating(id uint) (bool, error) {
	result := r.db.Model(&Wallet{}).
		Where("id = ? AND status = ?", id, StatusAvailable).
		Update("status", StatusConsolidating)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseConsolidating 归集结束释放
func (r *repository) ReleaseConsolidating(id uint) error {
	return r.db.Model(&Wallet{}).
		Where("id = ? AND status = ?", id, StatusConsolidating).
		Update("status", StatusAvailable).Error
}

// UpdateStatus 更新状态
func (r *repository) UpdateStatus(id uint, status WalletStatus) error {
	return r.db.Model(&Wallet{}).Where("id = ?", id).Update("status", status).Error
}

// UpdateBalanceWithSnapshot 更新账本余额并追加快照
func (r *repository) UpdateBalanceWithSnapshot(id uint, newBalance decimal.Decimal, reason, source string) (*BalanceSnapshot, error) {
	var snapshot *BalanceSnapshot
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var w Wallet
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, id).Error; err != nil {
			return err
		}

		now := time.Now()
		change := newBalance.Sub(w.Balance)
		if err := tx.Model(&Wallet{}).Where("id = ?", id).Updates(map[string]interface{}{
			"balance":      newBalance,
			"last_sync_at": now,
		}).Error; err != nil {
			return err
		}

		snapshot = &BalanceSnapshot{
			WalletID: id,
			Balance:  newBalance,
			Change:   change,
			Reason:   reason,
			Source:   source,
		}
		return tx.Create(snapshot).Error
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// TouchSyncTime 仅刷新同步时间
func (r *repository) TouchSyncTime(id uint, at time.Time) error {
	return r.db.Model(&Wallet{}).Where("id = ?", id).Update("last_sync_at", at).Error
}

// ApplySweep 归集入账
func (r *repository) ApplySweep(sourceID, masterID uint, amount decimal.Decimal) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var source, master Wallet
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&source, sourceID).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&master, masterID).Error; err != nil {
			return err
		}

		// 只扣减已归集金额：读余额到出账之间落地的入账不能被清掉
		newSourceBalance := source.Balance.Sub(amount)
		if err := tx.Model(&Wallet{}).Where("id = ?", sourceID).
			Update("balance", newSourceBalance).Error; err != nil {
			return err
		}
		if err := tx.Create(&BalanceSnapshot{
			WalletID: sourceID,
			Balance:  newSourceBalance,
			Change:   amount.Neg(),
			Reason:   "swept to master wallet",
			Source:   SnapshotSourceConsolidation,
		}).Error; err != nil {
			return err
		}

		newMasterBalance := master.Balance.Add(amount)
		if err := tx.Model(&Wallet{}).Where("id = ?", masterID).
			Update("balance", newMasterBalance).Error; err != nil {
			return err
		}
		return tx.Create(&BalanceSnapshot{
			WalletID: masterID,
			Balance:  newMasterBalance,
			Change:   amount,
			Reason:   "received consolidation sweep",
			Source:   SnapshotSourceConsolidation,
		}).Error
	})
}

// AddReceived 记账已收金额
func (r *repository) AddReceived(id uint, amount decimal.Decimal, now time.Time) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var w Wallet
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, id).Error; err != nil {
			return err
		}

		day := now.Format("2006-01-02")
		month := now.Format("2006-01")

		daily := w.CurrentDailyReceived
		if w.DailyWindow != day {
			daily = decimal.Zero
		}
		monthly := w.CurrentMonthlyReceived
		if w.MonthlyWindow != month {
			monthly = decimal.Zero
		}

		return tx.Model(&Wallet{}).Where("id = ?", id).Updates(map[string]interface{}{
			"current_daily_received":   daily.Add(amount),
			"current_monthly_received": monthly.Add(amount),
			"daily_window":             day,
			"monthly_window":           month,
			"transaction_count":        gorm.Expr("transaction_count + 1"),
		}).Error
	})
}

// RecordOutcome 更新遥测：指数滑动平均
func (r *repository) RecordOutcome(id uint, success bool, responseTime float64) error {
	w, err := r.GetByID(id)
	if err != nil || w == nil {
		return err
	}

	const alpha = 0.2
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	newRate := w.SuccessRate*(1-alpha) + outcome*alpha
	newAvg := w.AvgResponseTime
	if responseTime > 0 {
		newAvg = w.AvgResponseTime*(1-alpha) + responseTime*alpha
	}

	return r.db.Model(&Wallet{}).Where("id = ?", id).Updates(map[string]interface{}{
		"success_rate":      newRate,
		"avg_response_time": newAvg,
	}).Error
}

// ListSnapshots 查询余额快照
func (r *repository) ListSnapshots(walletID uint, limit int) ([]*BalanceSnapshot, error) {
	var snapshots []*BalanceSnapshot
	if limit <= 0 {
		limit = 100
	}
	err := r.db.Where("wallet_id = ?", walletID).
		Order("id DESC").Limit(limit).Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// StaleOccupied 占用超时的钱包
func (r *repository) StaleOccupied(before time.Time) ([]*Wallet, error) {
	var wallets []*Wallet
	err := r.db.
		Where("status = ? AND allocated_at < ?", StatusOccupied, before).
		Find(&wallets).Error
	if err != nil {
		return nil, err
	}
	return wallets, nil
}

// ListForConsolidation 归集候选钱包
func (r *repository) ListForConsolidation(network Network, minBalance decimal.Decimal) ([]*Wallet, error) {
	var wallets []*Wallet
	err := r.db.
		Where("network = ? AND status = ? AND is_master = ? AND balance >= ?",
			network, StatusAvailable, false, minBalance).
		Order("balance DESC").
		Find(&wallets).Error
	if err != nil {
		return nil, err
	}
	return wallets, nil
}

// Statistics 钱包池统计
func (r *repository) Statistics() (*PoolStatistics, error) {
	stats := &PoolStatistics{
		ByStatus:    make(map[WalletStatus]int64),
		ByNetwork:   make(map[Network]NetworkStats),
		GeneratedAt: time.Now(),
	}

	var statusRows []struct {
		Status WalletStatus
		Count  int64
	}
	if err := r.db.Model(&Wallet{}).
		Select("status, count(*) as count").
		Group("status").Scan(&statusRows).Error; err != nil {
		return nil, err
	}
	for _, row := range statusRows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	var networkRows []struct {
		Network      Network
		Total        int64
		Available    int64
		TotalBalance decimal.Decimal
	}
	if err := r.db.Model(&Wallet{}).
		Select("network, count(*) as total, sum(case when status = 'available' then 1 else 0 end) as available, sum(balance) as total_balance").
		Group("network").Scan(&networkRows).Error; err != nil {
		return nil, err
	}
	for _, row := range networkRows {
		stats.ByNetwork[row.Network] = NetworkStats{
			Total:        row.Total,
			Available:    row.Available,
			TotalBalance: row.TotalBalance,
		}
	}

	return stats, nil
}
