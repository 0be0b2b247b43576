package order

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"usdt-gateway/internal/allocator"
	"usdt-gateway/internal/blockchain"
	"usdt-gateway/internal/notification"
	"usdt-gateway/internal/wallet"
	"usdt-gateway/pkg/config"
	"usdt-gateway/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidState           = errors.New("order is not in a cancellable state")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrUnsupportedNetwork     = errors.New("unsupported network")
	ErrAmountBelowMinimum     = errors.New("amount below network minimum")
	ErrExpectedAmountConflict = errors.New("could not derive unique expected amount")
)

// Watcher 地址监控注册接口，由区块链监控器实现
type Watcher interface {
	Watch(network wallet.Network, address string)
	Unwatch(network wallet.Network, address string)
}

// Service 支付订单服务接口
type Service interface {
	CreateOrder(req *CreateOrderRequest) (*PaymentOrder, error)
	// GetOrder 获取订单，超期的pending订单就地转为expired
	GetOrder(orderNo string) (*PaymentOrder, error)
	ListOrders(userID uint, page, pageSize int) ([]*PaymentOrder, int64, error)
	CancelOrder(orderNo, reason string) error

	// MatchIncoming 监控器发现入账转账后的匹配入口
	MatchIncoming(network wallet.Network, t blockchain.TokenTransfer, confirmations int) error
	// ProcessTransaction 管理员手工对账，视为已达所需确认数
	ProcessTransaction(txHash, toAddress, amountStr, networkStr string) error

	// ExpireOverdue 主动超期清扫，返回处理条数
	ExpireOverdue() (int, error)
	// ReleaseStaleAllocations 释放分配超时且订单已终态的钱包
	ReleaseStaleAllocations(timeout time.Duration) (int, error)
	// WatchPending 启动时为存量pending订单重新注册监控
	WatchPending() error
}

// CreateOrderRequest 创建订单请求
type CreateOrderRequest struct {
	UserID      uint   `json:"-"`
	Amount      string `json:"amount" binding:"required"`
	Network     string `json:"network" binding:"required"`
	Description string `json:"description"`
	TTLMinutes  int    `json:"ttl_minutes"`
}

type service struct {
	repo       Repository
	walletRepo wallet.Repository
	alloc      allocator.Service
	watcher    Watcher
	notifier   notification.Service
	cfg        config.OrderConfig
	networks   map[string]config.NetworkConfig
}

// NewService 创建订单服务
func NewService(
	repo Repository,
	walletRepo wallet.Repository,
	alloc allocator.Service,
	watcher Watcher,
	notifier notification.Service,
	cfg config.OrderConfig,
	networks map[string]config.NetworkConfig,
) Service {
	return &service{
		repo:       repo,
		walletRepo: walletRepo,
		alloc:      alloc,
		watcher:    watcher,
		notifier:   notifier,
		cfg:        cfg,
		networks:   networks,
	}
}

// CreateOrder 创建订单
func (s *service) CreateOrder(req *CreateOrderRequest) (*PaymentOrder, error) {
	network := wallet.Network(strings.ToUpper(req.Network))
	nc, ok := s.networks[string(network)]
	if !ok || !network.Valid() {
		return nil, ErrUnsupportedNetwork
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	minAmount, _ := decimal.NewFromString(nc.MinOrderAmount)
	if amount.LessThan(minAmount) {
		return nil, fmt.Errorf("%w: minimum on %s is %s", ErrAmountBelowMinimum, network, minAmount)
	}

	ttl := s.cfg.DefaultTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
		if ttl < s.cfg.MinTTL {
			ttl = s.cfg.MinTTL
		}
		if ttl > s.cfg.MaxTTL {
			ttl = s.cfg.MaxTTL
		}
	}

	orderNo := generateOrderNo()

	w, err := s.alloc.Allocate(network, amount, wallet.RiskHigh, orderNo)
	if err != nil {
		return nil, err
	}

	expected, err := s.deriveExpectedAmount(w.ID, amount)
	if err != nil {
		_ = s.alloc.Release(w.ID)
		return nil, err
	}

	now := time.Now()
	o := &PaymentOrder{
		OrderNo:               orderNo,
		UserID:                req.UserID,
		WalletID:              &w.ID,
		Network:               network,
		USDTAmount:            amount,
		ExpectedAmount:        expected,
		Status:                StatusPending,
		Description:           req.Description,
		ToAddress:             w.Address,
		RequiredConfirmations: nc.Confirmations,
		ExpiresAt:             now.Add(ttl),
	}

	if err := s.repo.Create(o); err != nil {
		_ = s.alloc.Release(w.ID)
		return nil, err
	}

	s.watcher.Watch(network, w.Address)

	logger.Infof("Order %s created: %s USDT on %s to %s, expires %s",
		orderNo, expected, network, w.Address, o.ExpiresAt.Format(time.RFC3339))
	return o, nil
}

// deriveExpectedAmount 叠加0.01~0.99的随机尾数区分同钱包并发订单
func (s *service) deriveExpectedAmount(walletID uint, amount decimal.Decimal) (decimal.Decimal, error) {
	for attempt := 0; attempt < 10; attempt++ {
		cents := rand.Intn(99) + 1
		expected := amount.Add(decimal.New(int64(cents), -2))

		conflict, err := s.repo.HasPendingExpectedAmount(walletID, expected)
		if err != nil {
			return decimal.Zero, err
		}
		if !conflict {
			return expected, nil
		}
	}
	return decimal.Zero, ErrExpectedAmountConflict
}

func generateOrderNo() string {
	return fmt.Sprintf("PO%s%s",
		time.Now().Format("20060102150405"),
		strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8]))
}

// GetOrder 获取订单
func (s *service) GetOrder(orderNo string) (*PaymentOrder, error) {
	o, err := s.repo.GetByOrderNo(orderNo)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}

	// 惰性超期
	if o.Status == StatusPending && time.Now().After(o.ExpiresAt) {
		if err := s.expire(o); err != nil {
			return nil, err
		}
		return s.repo.GetByOrderNo(orderNo)
	}
	return o, nil
}

// ListOrders 用户订单分页
func (s *service) ListOrders(userID uint, page, pageSize int) ([]*PaymentOrder, int64, error) {
	return s.repo.ListByUser(userID, page, pageSize)
}

// CancelOrder 取消订单，仅pending可取消
func (s *service) CancelOrder(orderNo, reason string) error {
	o, err := s.repo.GetByOrderNo(orderNo)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return ErrInvalidState
	}

	now := time.Now()
	ok, err := s.repo.Transition(orderNo, StatusPending, StatusCancelled, map[string]interface{}{
		"cancelled_at":  now,
		"cancel_reason": reason,
	})
	if err != nil {
		return err
	}
	if !ok {
		// 并发下已被确认或超期
		return ErrInvalidState
	}

	s.releaseWallet(o)
	logger.Infof("Order %s cancelled: %s", orderNo, reason)
	return nil
}

// MatchIncoming 匹配入账转账
func (s *service) MatchIncoming(network wallet.Network, t blockchain.TokenTransfer, confirmations int) error {
	orders, err := s.repo.ListPendingByAddress(network, t.To)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, o := range orders {
		if now.After(o.ExpiresAt) {
			if err := s.expire(o); err != nil {
				logger.Errorf("Failed to expire order %s: %v", o.OrderNo, err)
			}
			continue
		}

		// 已匹配过其它交易的订单不再改绑
		if o.TransactionHash != "" && o.TransactionHash != t.TxHash {
			continue
		}

		if o.TransactionHash != t.TxHash && !amountMatches(o.ExpectedAmount, t.Amount, s.cfg.MatchTolerance) {
			continue
		}

		if err := s.repo.UpdateMatch(o.OrderNo, t.TxHash, t.Amount, confirmations); err != nil {
			return err
		}

		if confirmations >= o.RequiredConfirmations {
			return s.confirm(o, t, confirmations)
		}
		logger.Infof("Order %s matched tx %s, %d/%d confirmations",
			o.OrderNo, t.TxHash, confirmations, o.RequiredConfirmations)
		return nil
	}

	// 无匹配订单：金额不符或地址上无待支付订单，保持pending直到正确匹配或超期
	return nil
}

func amountMatches(expected, actual decimal.Decimal, tolerance float64) bool {
	if expected.IsZero() {
		return false
	}
	diff := actual.Sub(expected).Abs()
	limit := expected.Mul(decimal.NewFromFloat(tolerance))
	return diff.LessThanOrEqual(limit)
}

// confirm 确认订单：状态转换、释放钱包、记账、通知
func (s *service) confirm(o *PaymentOrder, t blockchain.TokenTransfer, confirmations int) error {
	now := time.Now()
	ok, err := s.repo.Transition(o.OrderNo, StatusPending, StatusConfirmed, map[string]interface{}{
		"confirmed_at":     now,
		"actual_amount":    t.Amount,
		"transaction_hash": t.TxHash,
		"confirmations":    confirmations,
	})
	if err != nil {
		return err
	}
	if !ok {
		// 已被并发确认或已终态，不重复确认
		return nil
	}

	if o.WalletID != nil {
		if err := s.walletRepo.AddReceived(*o.WalletID, t.Amount, now); err != nil {
			logger.Errorf("Failed to record received amount for wallet %d: %v", *o.WalletID, err)
		}
		responseMs := float64(now.Sub(o.CreatedAt).Milliseconds())
		if err := s.walletRepo.RecordOutcome(*o.WalletID, true, responseMs); err != nil {
			logger.Errorf("Failed to record outcome for wallet %d: %v", *o.WalletID, err)
		}
	}
	s.releaseWallet(o)

	s.notifier.Notify(notification.TypeOrderConfirmed, o.UserID,
		"Payment confirmed",
		fmt.Sprintf("Order %s confirmed: %s USDT received on %s", o.OrderNo, t.Amount, o.Network),
		map[string]interface{}{"order_no": o.OrderNo, "tx_hash": t.TxHash})

	logger.Infof("Order %s confirmed with tx %s (%d confirmations)", o.OrderNo, t.TxHash, confirmations)
	return nil
}

// expire 超期处理：状态转换加钱包释放，二者必须配套
func (s *service) expire(o *PaymentOrder) error {
	ok, err := s.repo.Transition(o.OrderNo, StatusPending, StatusExpired, nil)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if o.WalletID != nil {
		if err := s.walletRepo.RecordOutcome(*o.WalletID, false, 0); err != nil {
			logger.Errorf("Failed to record outcome for wallet %d: %v", *o.WalletID, err)
		}
	}
	s.releaseWallet(o)

	s.notifier.Notify(notification.TypeOrderExpired, o.UserID,
		"Payment expired",
		fmt.Sprintf("Order %s expired without payment", o.OrderNo),
		map[string]interface{}{"order_no": o.OrderNo})

	logger.Infof("Order %s expired", o.OrderNo)
	return nil
}

func (s *service) releaseWallet(o *PaymentOrder) {
	if o.WalletID == nil {
		return
	}
	if err := s.alloc.Release(*o.WalletID); err != nil {
		logger.Errorf("Failed to release wallet %d for order %s: %v", *o.WalletID, o.OrderNo, err)
		return
	}
	s.watcher.Unwatch(o.Network, o.ToAddress)
}

// ProcessTransaction 管理员手工对账
func (s *service) ProcessTransaction(txHash, toAddress, amountStr, networkStr string) error {
	network := wallet.Network(strings.ToUpper(networkStr))
	nc, ok := s.networks[string(network)]
	if !ok {
		return ErrUnsupportedNetwork
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil || !amount.IsPositive() {
		return ErrInvalidAmount
	}

	t := blockchain.TokenTransfer{
		TxHash: txHash,
		To:     toAddress,
		Amount: amount,
	}
	// 手工对账由操作者确认终局性
	return s.MatchIncoming(network, t, nc.Confirmations)
}

// ExpireOverdue 主动超期清扫
func (s *service) ExpireOverdue() (int, error) {
	overdue, err := s.repo.ListOverdue(time.Now(), 200)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range overdue {
		if err := s.expire(o); err != nil {
			logger.Errorf("Failed to expire order %s: %v", o.OrderNo, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// ReleaseStaleAllocations 释放分配超时的钱包
func (s *service) ReleaseStaleAllocations(timeout time.Duration) (int, error) {
	stale, err := s.walletRepo.StaleOccupied(time.Now().Add(-timeout))
	if err != nil {
		return 0, err
	}

	released := 0
	for _, w := range stale {
		if w.CurrentOrderNo == nil {
			// 不变量被破坏：占用中却无订单引用，直接修复
			if err := s.walletRepo.ReleaseFromOrder(w.ID); err == nil {
				released++
			}
			continue
		}

		o, err := s.repo.GetByOrderNo(*w.CurrentOrderNo)
		if err != nil {
			continue
		}
		if o == nil || o.Status.IsTerminal() {
			if err := s.walletRepo.ReleaseFromOrder(w.ID); err == nil {
				released++
			}
			continue
		}
		if time.Now().After(o.ExpiresAt) {
			if err := s.expire(o); err == nil {
				released++
			}
		}
	}
	return released, nil
}

// WatchPending 为存量pending订单重新注册监控
func (s *service) WatchPending() error {
	pending, err := s.repo.ListPending()
	if err != nil {
		return err
	}
	for _, o := range pending {
		s.watcher.Watch(o.Network, o.ToAddress)
	}
	logger.Infof("Watching %d pending order addresses", len(pending))
	return nil
}
