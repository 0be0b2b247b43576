package consolidation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository 归集任务仓储接口
type Repository interface {
	Create(t *ConsolidationTask) error
	GetByTaskNo(taskNo string) (*ConsolidationTask, error)
	// ListPending 按优先级降序取待执行任务
	ListPending(limit int) ([]*ConsolidationTask, error)
	// ListRetryable 重试间隔已过且未超重试上限的失败任务
	ListRetryable(before time.Time, maxRetries int) ([]*ConsolidationTask, error)
	// ListStalled 卡在processing超时的任务
	ListStalled(before time.Time) ([]*ConsolidationTask, error)
	// HasActive 钱包上是否已有未终结的任务
	HasActive(walletID uint) (bool, error)

	// MarkProcessing 条件转换pending→processing，返回是否抢到
	MarkProcessing(taskNo string, now time.Time) (bool, error)
	MarkCompleted(taskNo, txHash string, now time.Time) error
	MarkFailed(taskNo, errMsg string) error
	// Requeue 失败任务重新入队
	Requeue(taskNo string) error

	Statistics() (*Statistics, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository 创建归集任务仓储
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Create 创建任务
func (r *repository) Create(t *ConsolidationTask) error {
	return r.db.Create(t).Error
}

// GetByTaskNo 通过任务号获取
func (r *repository) GetByTaskNo(taskNo string) (*ConsolidationTask, error) {
	var t ConsolidationTask
	if err := r.db.Where("task_no = ?", taskNo).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListPending 待执行任务
func (r *repository) ListPending(limit int) ([]*ConsolidationTask, error) {
	var tasks []*ConsolidationTask
	if limit <= 0 {
		limit = 50
	}
	err := r.db.Where("status = ?", TaskPending).
		Order("priority DESC").Order("id ASC").
		Limit(limit).Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListRetryable 可重试的失败任务
func (r *repository) ListRetryable(before time.Time, maxRetries int) ([]*ConsolidationTask, error) {
	var tasks []*ConsolidationTask
	err := r.db.Where("status = ? AND retry_count < ? AND updated_at < ?", TaskFailed, maxRetries, before).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListStalled 卡死任务
func (r *repository) ListStalled(before time.Time) ([]*ConsolidationTask, error) {
	var tasks []*ConsolidationTask
	err := r.db.Where("status = ? AND started_at < ?", TaskProcessing, before).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// HasActive 钱包是否有未终结任务
func (r *repository) HasActive(walletID uint) (bool, error) {
	var count int64
	err := r.db.Model(&ConsolidationTask{}).
		Where("wallet_id = ? AND status IN ?", walletID, []TaskStatus{TaskPending, TaskProcessing}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkProcessing 条件转换为processing
func (r *repository) MarkProcessing(taskNo string, now time.Time) (bool, error) {
	result := r.db.Model(&ConsolidationTask{}).
		Where("task_no = ? AND status = ?", taskNo, TaskPending).
		Updates(map[string]interface{}{
			"status":     TaskProcessing,
			"started_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkCompleted 任务完成
func (r *repository) MarkCompleted(taskNo, txHash string, now time.Time) error {
	return r.db.Model(&ConsolidationTask{}).
		Where("task_no = ?", taskNo).
		Updates(map[string]interface{}{
			"status":           TaskCompleted,
			"transaction_hash": txHash,
			"completed_at":     now,
			"error_msg":        "",
		}).Error
}

// MarkFailed 任务失败并累加重试计数
func (r *repository) MarkFailed(taskNo, errMsg string) error {
	return r.db.Model(&ConsolidationTask{}).
		Where("task_no = ?", taskNo).
		Updates(map[string]interface{}{
			"status":      TaskFailed,
			"error_msg":   errMsg,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

// Requeue 失败任务重新入队
func (r *repository) Requeue(taskNo string) error {
	return r.db.Model(&ConsolidationTask{}).
		Where("task_no = ? AND status = ?", taskNo, TaskFailed).
		Updates(map[string]interface{}{
			"status":     TaskPending,
			"started_at": nil,
		}).Error
}

// Statistics 归集统计
func (r *repository) Statistics() (*Statistics, error) {
	stats := &Statistics{
		ByStatus:    make(map[TaskStatus]int64),
		TotalSwept:  decimal.Zero,
		GeneratedAt: time.Now(),
	}

	var rows []struct {
		Status TaskStatus
		Count  int64
	}
	if err := r.db.Model(&ConsolidationTask{}).
		Select("status, count(*) as count").
		Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
	}

	var swept struct {
		Total decimal.Decimal
	}
	if err := r.db.Model(&ConsolidationTask{}).
		Select("coalesce(sum(amount), 0) as total").
		Where("status = ?", TaskCompleted).
		Scan(&swept).Error; err != nil {
		return nil, err
	}
	stats.TotalSwept = swept.Total

	return stats, nil
}
