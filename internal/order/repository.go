package order

import (
	"errors"
	"time"

	"usdt-gateway/internal/wallet"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository 订单仓储接口
type Repository interface {
	Create(o *PaymentOrder) error
	GetByOrderNo(orderNo string) (*PaymentOrder, error)
	GetByTxHash(txHash string) (*PaymentOrder, error)
	ListPendingByAddress(network wallet.Network, toAddress string) ([]*PaymentOrder, error)
	ListPending() ([]*PaymentOrder, error)
	ListOverdue(now time.Time, limit int) ([]*PaymentOrder, error)
	ListByUser(userID uint, page, pageSize int) ([]*PaymentOrder, int64, error)

	// HasPendingExpectedAmount 判断钱包上是否已有同expected_amount的待支付订单
	HasPendingExpectedAmount(walletID uint, expected decimal.Decimal) (bool, error)

	// Transition 条件状态转换，仅当当前状态等于from时生效
	Transition(orderNo string, from, to OrderStatus, updates map[string]interface{}) (bool, error)
	// UpdateMatch 写入链上匹配信息（交易哈希、实际金额、确认数）
	UpdateMatch(orderNo string, txHash string, actual decimal.Decimal, confirmations int) error
	// UpdateConfirmations 仅刷新确认数
	UpdateConfirmations(orderNo string, confirmations int) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository 创建订单仓储
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Create 创建订单
func (r *repository) Create(o *PaymentOrder) error {
	return r.db.Create(o).Error
}

// GetByOrderNo 通过订单号获取
func (r *repository) GetByOrderNo(orderNo string) (*PaymentOrder, error) {
	var o PaymentOrder
	if err := r.db.Where("order_no = ?", orderNo).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// GetByTxHash 通过交易哈希获取
func (r *repository) GetByTxHash(txHash string) (*PaymentOrder, error) {
	var o PaymentOrder
	if err := r.db.Where("transaction_hash = ?", txHash).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// ListPendingByAddress 地址上的待支付订单
func (r *repository) ListPendingByAddress(network wallet.Network, toAddress string) ([]*PaymentOrder, error) {
	var orders []*PaymentOrder
	err := r.db.
		Where("network = ? AND to_address = ? AND status = ?", network, toAddress, StatusPending).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ListPending 所有待支付订单
func (r *repository) ListPending() ([]*PaymentOrder, error) {
	var orders []*PaymentOrder
	if err := r.db.Where("status = ?", StatusPending).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ListOverdue 已超期的待支付订单
func (r *repository) ListOverdue(now time.Time, limit int) ([]*PaymentOrder, error) {
	var orders []*PaymentOrder
	if limit <= 0 {
		limit = 200
	}
	err := r.db.
		Where("status = ? AND expires_at < ?", StatusPending, now).
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ListByUser 用户订单分页
func (r *repository) ListByUser(userID uint, page, pageSize int) ([]*PaymentOrder, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	if err := r.db.Model(&PaymentOrder{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []*PaymentOrder
	err := r.db.Where("user_id = ?", userID).
		Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// HasPendingExpectedAmount 判断expected_amount冲突
func (r *repository) HasPendingExpectedAmount(walletID uint, expected decimal.Decimal) (bool, error) {
	var count int64
	err := r.db.Model(&PaymentOrder{}).
		Where("wallet_id = ? AND status = ? AND expected_amount = ?", walletID, StatusPending, expected).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Transition 条件状态转换
func (r *repository) Transition(orderNo string, from, to OrderStatus, updates map[string]interface{}) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}

	if updates == nil {
		updates = make(map[string]interface{})
	}
	updates["status"] = to

	result := r.db.Model(&PaymentOrder{}).
		Where("order_no = ? AND status = ?", orderNo, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateMatch 写入链上匹配信息
func (r *repository) UpdateMatch(orderNo string, txHash string, actual decimal.Decimal, confirmations int) error {
	return r.db.Model(&PaymentOrder{}).
		Where("order_no = ? AND status = ?", orderNo, StatusPending).
		Updates(map[string]interface{}{
			"transaction_hash": txHash,
			"actual_amount":    actual,
			"confirmations":    confirmations,
		}).Error
}

// UpdateConfirmations 刷新确认数
func (r *repository) UpdateConfirmations(orderNo string, confirmations int) error {
	return r.db.Model(&PaymentOrder{}).
		Where("order_no = ?", orderNo).
		Update("confirmations", confirmations).Error
}
