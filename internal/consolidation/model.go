package consolidation

import (
	"time"

	"usdt-gateway/internal/wallet"

	"github.com/shopspring/decimal"
)

// TaskStatus 归集任务状态
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ConsolidationTask 归集任务，持久化保证重启后不丢
type ConsolidationTask struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	TaskNo   string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"task_no"`
	WalletID uint           `gorm:"index;not null" json:"wallet_id"`
	Network  wallet.Network `gorm:"type:varchar(10);index;not null" json:"network"`

	Amount        decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"amount"`
	EstimatedFee  decimal.Decimal `gorm:"type:decimal(36,18);default:0" json:"estimated_fee"`
	MasterAddress string          `gorm:"type:varchar(255);not null" json:"master_address"`

	Status   TaskStatus `gorm:"type:varchar(20);index;default:pending" json:"status"`
	Priority int        `gorm:"default:0;index" json:"priority"`

	TransactionHash string `gorm:"type:varchar(128)" json:"transaction_hash"`
	ErrorMsg        string `gorm:"type:text" json:"error_msg"`
	RetryCount      int    `gorm:"default:0" json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TableName 表名
func (ConsolidationTask) TableName() string {
	return "consolidation_tasks"
}

// Statistics 归集统计
type Statistics struct {
	ByStatus    map[TaskStatus]int64 `json:"by_status"`
	TotalSwept  decimal.Decimal      `json:"total_swept"`
	GeneratedAt time.Time            `json:"generated_at"`
}
