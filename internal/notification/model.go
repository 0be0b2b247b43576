package notification

import (
	"time"
)

// Type 通知类型
type Type string

const (
	TypeOrderConfirmed        Type = "order_confirmed"
	TypeOrderExpired          Type = "order_expired"
	TypeConsolidationComplete Type = "consolidation_complete"
	TypeConsolidationFailed   Type = "consolidation_failed"
	TypeSystemAlert           Type = "system_alert"
)

// Channel 通知渠道
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelWebhook Channel = "webhook"
)

// 通知状态
const (
	StatusPending = 0
	StatusSent    = 1
	StatusFailed  = 2
	StatusRead    = 3
)

// Notification 通知记录，webhook渠道的每条记录对应一次待投递
type Notification struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	UserID     uint       `gorm:"index;not null" json:"user_id"`
	Type       Type       `gorm:"type:varchar(50);not null" json:"type"`
	Channel    Channel    `gorm:"type:varchar(20);not null" json:"channel"`
	WebhookID  uint       `gorm:"index" json:"webhook_id,omitempty"`
	Title      string     `gorm:"type:varchar(200)" json:"title"`
	Content    string     `gorm:"type:text;not null" json:"content"`
	Data       string     `gorm:"type:text" json:"data"` // JSON
	Status     int        `gorm:"default:0;index" json:"status"`
	SendAt     *time.Time `json:"send_at"`
	ErrorMsg   string     `gorm:"type:text" json:"error_msg"`
	RetryCount int        `gorm:"default:0" json:"retry_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// WebhookEndpoint 商户回调地址
type WebhookEndpoint struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	URL       string    `gorm:"type:varchar(500);not null" json:"url"`
	Secret    string    `gorm:"type:varchar(255)" json:"secret"`
	Events    string    `gorm:"type:text" json:"events"` // JSON array，"*"匹配所有事件
	Status    int       `gorm:"default:1" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 表名
func (Notification) TableName() string {
	return "notifications"
}

func (WebhookEndpoint) TableName() string {
	return "webhook_endpoints"
}
