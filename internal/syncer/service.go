package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"usdt-gateway/internal/blockchain"
	"usdt-gateway/internal/wallet"
	"usdt-gateway/pkg/config"
	"usdt-gateway/pkg/logger"

	"github.com/shopspring/decimal"
)

var ErrWalletNotFound = errors.New("wallet not found")

// SyncResult 单钱包同步结果
type SyncResult struct {
	WalletID      uint            `json:"wallet_id"`
	Address       string          `json:"address"`
	Network       wallet.Network  `json:"network"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	ChainBalance  decimal.Decimal `json:"chain_balance"`
	Adjusted      bool            `json:"adjusted"`
	SyncedAt      time.Time       `json:"synced_at"`
}

// BatchResult 批量同步结果
type BatchResult struct {
	Total    int             `json:"total"`
	Adjusted int             `json:"adjusted"`
	Failed   map[uint]string `json:"failed,omitempty"`
}

// Service 余额同步服务接口
type Service interface {
	// SyncWallet 同步单个钱包，force跳过间隔检查
	SyncWallet(ctx context.Context, walletID uint, force bool) (*SyncResult, error)
	// SyncDue 同步所有到期钱包：占用中钱包高频、空闲钱包低频
	SyncDue(ctx context.Context) (*BatchResult, error)
}

type service struct {
	repo   wallet.Repository
	chains map[wallet.Network]blockchain.Chain
	cfg    config.SyncConfig

	tolerance decimal.Decimal
}

// NewService 创建余额同步服务
func NewService(repo wallet.Repository, chains map[wallet.Network]blockchain.Chain, cfg config.SyncConfig) Service {
	tolerance, err := decimal.NewFromString(cfg.Tolerance)
	if err != nil {
		tolerance = decimal.New(1, -6)
	}
	return &service{
		repo:      repo,
		chains:    chains,
		cfg:       cfg,
		tolerance: tolerance,
	}
}

// SyncWallet 同步单个钱包
func (s *service) SyncWallet(ctx context.Context, walletID uint, force bool) (*SyncResult, error) {
	w, err := s.repo.GetByID(walletID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}
	if !force && !s.due(w, time.Now()) {
		return &SyncResult{
			WalletID:      w.ID,
			Address:       w.Address,
			Network:       w.Network,
			LedgerBalance: w.Balance,
			ChainBalance:  w.Balance,
		}, nil
	}
	return s.sync(ctx, w)
}

func (s *service) sync(ctx context.Context, w *wallet.Wallet) (*SyncResult, error) {
	chain, ok := s.chains[w.Network]
	if !ok {
		return nil, errors.New("no chain client for network " + string(w.Network))
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	chainBalance, err := chain.GetUSDTBalance(callCtx, w.Address)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		WalletID:      w.ID,
		Address:       w.Address,
		Network:       w.Network,
		LedgerBalance: w.Balance,
		ChainBalance:  chainBalance,
		SyncedAt:      time.Now(),
	}

	// 容差内不写账，避免无意义的快照噪音
	if chainBalance.Sub(w.Balance).Abs().LessThanOrEqual(s.tolerance) {
		if err := s.repo.TouchSyncTime(w.ID, result.SyncedAt); err != nil {
			return nil, err
		}
		return result, nil
	}

	if _, err := s.repo.UpdateBalanceWithSnapshot(w.ID, chainBalance, "balance drift corrected", wallet.SnapshotSourceSync); err != nil {
		return nil, err
	}
	result.Adjusted = true

	logger.Infof("Wallet %d balance adjusted on %s: %s -> %s",
		w.ID, w.Network, w.Balance, chainBalance)
	return result, nil
}

// due 判断钱包是否到期：占用中按高频间隔，其余按默认间隔
func (s *service) due(w *wallet.Wallet, now time.Time) bool {
	if w.LastSyncAt == nil {
		return true
	}
	interval := s.cfg.DefaultInterval
	if w.Status == wallet.StatusOccupied {
		interval = s.cfg.OccupiedInterval
	}
	return now.Sub(*w.LastSyncAt) >= interval
}

// SyncDue 批量同步到期钱包
func (s *service) SyncDue(ctx context.Context) (*BatchResult, error) {
	wallets, err := s.repo.List("", "")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	due := make([]*wallet.Wallet, 0, len(wallets))
	for _, w := range wallets {
		if s.due(w, now) {
			due = append(due, w)
		}
	}

	result := &BatchResult{Total: len(due), Failed: make(map[uint]string)}
	if len(due) == 0 {
		return result, nil
	}

	concurrency := s.cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, w := range due {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(w *wallet.Wallet) {
			defer wg.Done()
			defer func() { <-sem }()

			r, err := s.sync(ctx, w)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[w.ID] = err.Error()
				return
			}
			if r.Adjusted {
				result.Adjusted++
			}
		}(w)
	}
	wg.Wait()

	if len(result.Failed) > 0 {
		logger.Warnf("Balance sync batch: %d synced, %d adjusted, %d failed",
			result.Total-len(result.Failed), result.Adjusted, len(result.Failed))
	} else {
		logger.Debugf("Balance sync batch: %d synced, %d adjusted", result.Total, result.Adjusted)
	}
	return result, nil
}
