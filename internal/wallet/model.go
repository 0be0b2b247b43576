package wallet

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Network 网络（链+代币标准）
type Network string

const (
	NetworkTRC20 Network = "TRC20"
	NetworkERC20 Network = "ERC20"
	NetworkBEP20 Network = "BEP20"
)

// Valid 判断是否为支持的网络
func (n Network) Valid() bool {
	switch n {
	case NetworkTRC20, NetworkERC20, NetworkBEP20:
		return true
	}
	return false
}

// WalletStatus 钱包状态
type WalletStatus string

const (
	StatusAvailable     WalletStatus = "available"
	StatusOccupied      WalletStatus = "occupied"
	StatusConsolidating WalletStatus = "consolidating"
	StatusMaintenance   WalletStatus = "maintenance"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// rank 风险等级排序值
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 2
}

// Accepts 作为容忍度时是否接受给定等级的钱包
func (r RiskLevel) Accepts(level RiskLevel) bool {
	return level.rank() <= r.rank()
}

// BaseScore 风险基准分，越低越好
func (r RiskLevel) BaseScore() float64 {
	switch r {
	case RiskLow:
		return 0.1
	case RiskMedium:
		return 0.3
	case RiskHigh:
		return 0.6
	}
	return 0.6
}

// Wallet 池钱包
type Wallet struct {
	ID                  uint            `gorm:"primaryKey" json:"id"`
	UUID                string          `gorm:"type:varchar(36);uniqueIndex;not null" json:"uuid"`
	Network             Network         `gorm:"type:varchar(10);index:idx_network_status;not null" json:"network"`
	Address             string          `gorm:"type:varchar(255);uniqueIndex;not null" json:"address"`
	EncryptedPrivateKey string          `gorm:"type:text;not null" json:"-"`
	Status              WalletStatus    `gorm:"type:varchar(20);index:idx_network_status;default:available" json:"status"`
	Balance             decimal.Decimal `gorm:"type:decimal(36,18);default:0" json:"balance"`
	CurrentOrderNo      *string         `gorm:"type:varchar(64)" json:"current_order_no"`
	AllocatedAt         *time.Time      `json:"allocated_at"`
	LastAllocatedAt     *time.Time      `json:"last_allocated_at"`
	IsMaster            bool            `gorm:"default:false" json:"is_master"`

	DailyLimit             decimal.Decimal `gorm:"type:decimal(36,18);default:0" json:"daily_limit"`
	MonthlyLimit           decimal.Decimal `gorm:"type:decimal(36,18);default:0" json:"monthly_limit"`
	CurrentDailyReceived   decimal.Decimal `gorm:"type:decimal(36,18);default:0" json:"current_daily_received"`
	CurrentMonthlyReceived decimal.Decimal `gorm:"type:decimal(36,18);default:0" json:"current_monthly_received"`
	DailyWindow            string          `gorm:"type:varchar(10)" json:"daily_window"`  // YYYY-MM-DD
	MonthlyWindow          string          `gorm:"type:varchar(7)" json:"monthly_window"` // YYYY-MM
	RiskLevel              RiskLevel       `gorm:"type:varchar(10);default:LOW" json:"risk_level"`

	SuccessRate      float64    `gorm:"default:1" json:"success_rate"`
	AvgResponseTime  float64    `gorm:"default:0" json:"avg_response_time"` // ms
	TransactionCount int64      `gorm:"default:0" json:"transaction_count"`
	LastSyncAt       *time.Time `json:"last_sync_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KeyContext 私钥加解密上下文，密文与钱包身份绑定
func (w *Wallet) KeyContext() string {
	return fmt.Sprintf("wallet_%s_%s", w.UUID, w.Network)
}

// DailyRemaining 当日剩余额度，窗口过期视为全额
func (w *Wallet) DailyRemaining(now time.Time) decimal.Decimal {
	if w.DailyWindow != now.Format("2006-01-02") {
		return w.DailyLimit
	}
	return w.DailyLimit.Sub(w.CurrentDailyReceived)
}

// MonthlyRemaining 当月剩余额度，窗口过期视为全额
func (w *Wallet) MonthlyRemaining(now time.Time) decimal.Decimal {
	if w.MonthlyWindow != now.Format("2006-01") {
		return w.MonthlyLimit
	}
	return w.MonthlyLimit.Sub(w.CurrentMonthlyReceived)
}

// DailyUsageRatio 当日额度使用率
func (w *Wallet) DailyUsageRatio(now time.Time) float64 {
	if w.DailyLimit.IsZero() {
		return 0
	}
	if w.DailyWindow != now.Format("2006-01-02") {
		return 0
	}
	ratio, _ := w.CurrentDailyReceived.Div(w.DailyLimit).Float64()
	return ratio
}

// MonthlyUsageRatio 当月额度使用率
func (w *Wallet) MonthlyUsageRatio(now time.Time) float64 {
	if w.MonthlyLimit.IsZero() {
		return 0
	}
	if w.MonthlyWindow != now.Format("2006-01") {
		return 0
	}
	ratio, _ := w.CurrentMonthlyReceived.Div(w.MonthlyLimit).Float64()
	return ratio
}

// BalanceSnapshot 余额快照，只追加的审计记录
type BalanceSnapshot struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	WalletID  uint            `gorm:"index;not null" json:"wallet_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"balance"`
	Change    decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"change"`
	Reason    string          `gorm:"type:varchar(100);not null" json:"reason"`
	Source    string          `gorm:"type:varchar(50);not null" json:"source"`
	CreatedAt time.Time       `gorm:"index" json:"created_at"`
}

// 快照来源常量
const (
	SnapshotSourceSync          = "balance_sync"
	SnapshotSourceConsolidation = "consolidation"
	SnapshotSourceManual        = "manual"
)

// TableName 表名
func (Wallet) TableName() string {
	return "wallets"
}

func (BalanceSnapshot) TableName() string {
	return "balance_snapshots"
}
