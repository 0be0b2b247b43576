package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"usdt-gateway/internal/blockchain"
	"usdt-gateway/internal/wallet"
	"usdt-gateway/pkg/config"
	"usdt-gateway/pkg/logger"
)

// Sink 入账转账的消费方，由订单服务实现，实现必须幂等
type Sink interface {
	MatchIncoming(network wallet.Network, t blockchain.TokenTransfer, confirmations int) error
}

// Service 区块链监控服务
type Service struct {
	chains   map[wallet.Network]blockchain.Chain
	networks map[string]config.NetworkConfig

	mu       sync.Mutex
	sink     Sink
	watchers map[string]context.CancelFunc

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService 创建监控服务
func NewService(chains map[wallet.Network]blockchain.Chain, networks map[string]config.NetworkConfig) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		chains:   chains,
		networks: networks,
		watchers: make(map[string]context.CancelFunc),
		rootCtx:  ctx,
		cancel:   cancel,
	}
}

// SetSink 注入转账消费方，必须在Watch之前调用
func (s *Service) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func watchKey(network wallet.Network, address string) string {
	return fmt.Sprintf("%s:%s", network, address)
}

// Watch 注册地址监控，重复注册为空操作
func (s *Service) Watch(network wallet.Network, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watchKey(network, address)
	if _, exists := s.watchers[key]; exists {
		return
	}
	chain, ok := s.chains[network]
	if !ok {
		logger.Errorf("No chain client for network %s, cannot watch %s", network, address)
		return
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	s.watchers[key] = cancel

	s.wg.Add(1)
	go s.run(ctx, chain, network, address, key)
	logger.Infof("Watching %s on %s", address, network)
}

// Unwatch 注销地址监控
func (s *Service) Unwatch(network wallet.Network, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watchKey(network, address)
	if cancel, exists := s.watchers[key]; exists {
		cancel()
		delete(s.watchers, key)
		logger.Infof("Stopped watching %s on %s", address, network)
	}
}

// WatchedCount 当前监控地址数
func (s *Service) WatchedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Stop 停止所有监控并等待退出
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

// run 单地址监控循环的监督层，panic后短暂等待重启
func (s *Service) run(ctx context.Context, chain blockchain.Chain, network wallet.Network, address, key string) {
	defer s.wg.Done()

	for {
		stopped := s.poll(ctx, chain, network, address, key)
		if stopped || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// poll 轮询循环，返回true表示正常终止不再重启
func (s *Service) poll(ctx context.Context, chain blockchain.Chain, network wallet.Network, address, key string) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Monitor for %s on %s panicked: %v", address, network, r)
			stopped = false
		}
	}()

	nc := s.networks[string(network)]
	interval := nc.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxInterval := nc.MaxPollInterval
	if maxInterval < interval {
		maxInterval = interval
	}

	required := chain.GetRequiredConfirmations()
	delay := interval

	// 起始游标落后所需确认数，避免漏掉启动瞬间的未终局转账
	var sinceBlock uint64
	if latest, err := chain.GetBlockNumber(ctx); err == nil && latest > uint64(required) {
		sinceBlock = latest - uint64(required)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
		}

		next, err := s.scanOnce(ctx, chain, network, address, sinceBlock, required)
		switch {
		case err == nil:
			sinceBlock = next
			delay = interval
		case blockchain.IsPermanent(err):
			logger.Errorf("Permanent error watching %s on %s, stopping: %v", address, network, err)
			s.mu.Lock()
			delete(s.watchers, key)
			s.mu.Unlock()
			return true
		default:
			// 瞬时故障指数退避
			delay *= 2
			if delay > maxInterval {
				delay = maxInterval
			}
			logger.Warnf("Scan failed for %s on %s, backing off to %s: %v", address, network, delay, err)
		}

		timer.Reset(delay)
	}
}

// scanOnce 单次扫描：拉取转账、计算确认数、投递给sink，返回下一次的起始区块
func (s *Service) scanOnce(ctx context.Context, chain blockchain.Chain, network wallet.Network, address string, sinceBlock uint64, required int) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	latest, err := chain.GetBlockNumber(callCtx)
	if err != nil {
		return sinceBlock, err
	}

	transfers, err := chain.GetTransfers(callCtx, address, sinceBlock)
	if err != nil {
		return sinceBlock, err
	}

	for _, t := range transfers {
		confirmations := 0
		if t.BlockNumber > 0 {
			if latest >= t.BlockNumber {
				confirmations = int(latest-t.BlockNumber) + 1
			}
		} else {
			// 按时间游标翻页的链（TronGrid）不带区块号且每笔只回一次，回查交易补确认数
			info, err := chain.GetTransaction(callCtx, t.TxHash)
			if err != nil {
				logger.Warnf("Failed to resolve confirmations for %s on %s: %v", t.TxHash, network, err)
			} else if info != nil {
				confirmations = info.Confirmations
			}
		}

		sink := s.currentSink()
		if sink == nil {
			logger.Warnf("Transfer %s on %s observed before sink wired, will retry", t.TxHash, network)
			continue
		}
		if err := sink.MatchIncoming(network, t, confirmations); err != nil {
			logger.Errorf("Failed to process transfer %s on %s: %v", t.TxHash, network, err)
		}
	}

	// 游标落后所需确认数，未终局的转账下次仍可见，靠sink幂等去重
	next := sinceBlock
	if latest > uint64(required) && latest-uint64(required) > next {
		next = latest - uint64(required)
	}
	return next, nil
}

func (s *Service) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}
