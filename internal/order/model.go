package order

import (
	"time"

	"usdt-gateway/internal/wallet"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusExpired   OrderStatus = "expired"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
)

// transitions 合法状态转换表，pending以外均为终态
var transitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusExpired:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
}

// CanTransition 判断状态转换是否合法
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	return transitions[s][to]
}

// IsTerminal 是否为终态
func (s OrderStatus) IsTerminal() bool {
	return s != StatusPending
}

// PaymentOrder 支付订单
type PaymentOrder struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	OrderNo  string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID   uint           `gorm:"index;not null" json:"user_id"`
	WalletID *uint          `gorm:"index" json:"wallet_id"`
	Network  wallet.Network `gorm:"type:varchar(10);not null" json:"network"`

	USDTAmount     decimal.Decimal  `gorm:"type:decimal(36,18);not null" json:"usdt_amount"`
	ExpectedAmount decimal.Decimal  `gorm:"type:decimal(36,18);not null" json:"expected_amount"`
	ActualAmount   *decimal.Decimal `gorm:"type:decimal(36,18)" json:"actual_amount"`

	Status      OrderStatus `gorm:"type:varchar(20);index;default:pending" json:"status"`
	Description string      `gorm:"type:varchar(255)" json:"description"`

	ToAddress             string `gorm:"type:varchar(255);index;not null" json:"to_address"`
	TransactionHash       string `gorm:"type:varchar(128);index" json:"transaction_hash"`
	Confirmations         int    `gorm:"default:0" json:"confirmations"`
	RequiredConfirmations int    `gorm:"not null" json:"required_confirmations"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ExpiresAt    time.Time  `gorm:"index;not null" json:"expires_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at"`
	CancelledAt  *time.Time `json:"cancelled_at"`
	CancelReason string     `gorm:"type:varchar(255)" json:"cancel_reason"`
}

// TableName 表名
func (PaymentOrder) TableName() string {
	return "payment_orders"
}

// OrderView 对外订单视图
type OrderView struct {
	OrderNo               string           `json:"order_no"`
	Network               wallet.Network   `json:"network"`
	Status                OrderStatus      `json:"status"`
	USDTAmount            decimal.Decimal  `json:"usdt_amount"`
	ExpectedAmount        decimal.Decimal  `json:"expected_amount"`
	ActualAmount          *decimal.Decimal `json:"actual_amount,omitempty"`
	ToAddress             string           `json:"to_address"`
	TransactionHash       string           `json:"transaction_hash,omitempty"`
	Confirmations         int              `json:"confirmations"`
	RequiredConfirmations int              `json:"required_confirmations"`
	CreatedAt             time.Time        `json:"created_at"`
	ExpiresAt             time.Time        `json:"expires_at"`
	ConfirmedAt           *time.Time       `json:"confirmed_at,omitempty"`
}

// View 转换为对外视图
func (o *PaymentOrder) View() *OrderView {
	return &OrderView{
		OrderNo:               o.OrderNo,
		Network:               o.Network,
		Status:                o.Status,
		USDTAmount:            o.USDTAmount,
		ExpectedAmount:        o.ExpectedAmount,
		ActualAmount:          o.ActualAmount,
		ToAddress:             o.ToAddress,
		TransactionHash:       o.TransactionHash,
		Confirmations:         o.Confirmations,
		RequiredConfirmations: o.RequiredConfirmations,
		CreatedAt:             o.CreatedAt,
		ExpiresAt:             o.ExpiresAt,
		ConfirmedAt:           o.ConfirmedAt,
	}
}
