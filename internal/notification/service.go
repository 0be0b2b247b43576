package notification

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"usdt-gateway/pkg/logger"

	"gorm.io/gorm"
)

// maxDeliveryAttempts 单条webhook投递的尝试上限
const maxDeliveryAttempts = 3

// Repository 通知仓储接口
type Repository interface {
	Create(n *Notification) error
	ListByUser(userID uint, page, pageSize int) ([]*Notification, int64, error)
	ListPending(limit int) ([]*Notification, error)
	Update(n *Notification) error

	ListUserWebhooks(userID uint) ([]*WebhookEndpoint, error)
	GetWebhook(id uint) (*WebhookEndpoint, error)
	CreateWebhook(w *WebhookEndpoint) error
	DeleteWebhook(id uint) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository 创建通知仓储
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Create 创建通知
func (r *repository) Create(n *Notification) error {
	return r.db.Create(n).Error
}

// ListByUser 用户通知分页
func (r *repository) ListByUser(userID uint, page, pageSize int) ([]*Notification, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	if err := r.db.Model(&Notification{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var notifications []*Notification
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&notifications).Error
	if err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

// ListPending 待发送通知，重试预算耗尽的不再返回
func (r *repository) ListPending(limit int) ([]*Notification, error) {
	var notifications []*Notification
	err := r.db.Where("status = ? AND retry_count < ?", StatusPending, maxDeliveryAttempts).
		Order("created_at ASC").Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

// Update 更新通知
func (r *repository) Update(n *Notification) error {
	return r.db.Save(n).Error
}

// ListUserWebhooks 用户回调地址列表
func (r *repository) ListUserWebhooks(userID uint) ([]*WebhookEndpoint, error) {
	var webhooks []*WebhookEndpoint
	if err := r.db.Where("user_id = ?", userID).Find(&webhooks).Error; err != nil {
		return nil, err
	}
	return webhooks, nil
}

// GetWebhook 通过ID获取回调地址
func (r *repository) GetWebhook(id uint) (*WebhookEndpoint, error) {
	var w WebhookEndpoint
	if err := r.db.First(&w, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// CreateWebhook 登记回调地址
func (r *repository) CreateWebhook(w *WebhookEndpoint) error {
	return r.db.Create(w).Error
}

// DeleteWebhook 删除回调地址
func (r *repository) DeleteWebhook(id uint) error {
	return r.db.Delete(&WebhookEndpoint{}, id).Error
}

// Service 通知服务接口
type Service interface {
	// Notify 记录站内通知并异步推送商户回调
	Notify(nType Type, userID uint, title, content string, data map[string]interface{})
	ListNotifications(userID uint, page, pageSize int) ([]*Notification, int64, error)
	RegisterWebhook(userID uint, url, secret string, events []string) (*WebhookEndpoint, error)
	// ProcessPending 待发送通知重试，由worker定时调用
	ProcessPending() error
}

type service struct {
	repo   Repository
	client *http.Client
}

// NewService 创建通知服务
func NewService(repo Repository) Service {
	return &service{
		repo:   repo,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify 记录并推送通知，失败只记日志不影响主流程
func (s *service) Notify(nType Type, userID uint, title, content string, data map[string]interface{}) {
	n := &Notification{
		UserID:  userID,
		Type:    nType,
		Channel: ChannelInApp,
		Title:   title,
		Content: content,
		Status:  StatusSent,
	}
	if dataJSON, err := json.Marshal(data); err == nil {
		n.Data = string(dataJSON)
	}
	now := time.Now()
	n.SendAt = &now

	if err := s.repo.Create(n); err != nil {
		logger.Errorf("Failed to record notification: %v", err)
	}

	s.dispatchWebhooks(nType, userID, title, data)
}

// dispatchWebhooks 为每个匹配的回调地址落一条待投递记录后立即尝试发送，
// 失败的投递由ProcessPending按重试预算补发
func (s *service) dispatchWebhooks(nType Type, userID uint, title string, data map[string]interface{}) {
	webhooks, err := s.repo.ListUserWebhooks(userID)
	if err != nil {
		logger.Errorf("Failed to list webhooks for user %d: %v", userID, err)
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"event":     string(nType),
		"data":      data,
		"timestamp": time.Now().Unix(),
	})

	for _, webhook := range webhooks {
		if webhook.Status != 1 || !webhookMatches(webhook, nType) {
			continue
		}
		delivery := &Notification{
			UserID:    userID,
			Type:      nType,
			Channel:   ChannelWebhook,
			WebhookID: webhook.ID,
			Title:     title,
			Data:      string(payload),
			Status:    StatusPending,
		}
		if err := s.repo.Create(delivery); err != nil {
			logger.Errorf("Failed to record webhook delivery for user %d: %v", userID, err)
			continue
		}
		go s.deliver(delivery)
	}
}

func webhookMatches(w *WebhookEndpoint, nType Type) bool {
	if w.Events == "" {
		return true
	}
	var events []string
	if err := json.Unmarshal([]byte(w.Events), &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == "*" || e == string(nType) {
			return true
		}
	}
	return false
}

// deliver 执行一次webhook投递并落盘结果
func (s *service) deliver(n *Notification) {
	webhook, err := s.repo.GetWebhook(n.WebhookID)
	if err != nil {
		logger.Errorf("Failed to load webhook %d: %v", n.WebhookID, err)
		return
	}
	if webhook == nil || webhook.Status != 1 {
		// 回调地址已删除或停用，不再占用重试预算
		n.Status = StatusFailed
		n.ErrorMsg = "webhook endpoint removed or disabled"
		if err := s.repo.Update(n); err != nil {
			logger.Errorf("Failed to update delivery %d: %v", n.ID, err)
		}
		return
	}

	if err := s.sendWebhook(webhook, []byte(n.Data)); err != nil {
		n.RetryCount++
		n.ErrorMsg = err.Error()
		if n.RetryCount >= maxDeliveryAttempts {
			n.Status = StatusFailed
		} else {
			n.Status = StatusPending
		}
		logger.Warnf("Webhook delivery %d to %s failed (attempt %d): %v", n.ID, webhook.URL, n.RetryCount, err)
	} else {
		now := time.Now()
		n.Status = StatusSent
		n.SendAt = &now
		n.ErrorMsg = ""
	}
	if err := s.repo.Update(n); err != nil {
		logger.Errorf("Failed to update delivery %d: %v", n.ID, err)
	}
}

func (s *service) sendWebhook(webhook *WebhookEndpoint, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, webhook.URL, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if webhook.Secret != "" {
		mac := hmac.New(sha256.New, []byte(webhook.Secret))
		mac.Write(payload)
		req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// ListNotifications 用户通知列表
func (s *service) ListNotifications(userID uint, page, pageSize int) ([]*Notification, int64, error) {
	return s.repo.ListByUser(userID, page, pageSize)
}

// RegisterWebhook 登记商户回调地址
func (s *service) RegisterWebhook(userID uint, url, secret string, events []string) (*WebhookEndpoint, error) {
	if url == "" {
		return nil, errors.New("webhook url required")
	}
	w := &WebhookEndpoint{
		UserID: userID,
		URL:    url,
		Secret: secret,
		Status: 1,
	}
	if len(events) > 0 {
		eventsJSON, err := json.Marshal(events)
		if err != nil {
			return nil, err
		}
		w.Events = string(eventsJSON)
	}
	if err := s.repo.CreateWebhook(w); err != nil {
		return nil, err
	}
	return w, nil
}

// ProcessPending 补发失败的webhook投递
func (s *service) ProcessPending() error {
	notifications, err := s.repo.ListPending(100)
	if err != nil {
		return err
	}

	for _, n := range notifications {
		if n.Channel != ChannelWebhook {
			// 站内通知落库即送达
			now := time.Now()
			n.Status = StatusSent
			n.SendAt = &now
			if err := s.repo.Update(n); err != nil {
				logger.Errorf("Failed to update notification %d: %v", n.ID, err)
			}
			continue
		}
		s.deliver(n)
	}
	return nil
}
