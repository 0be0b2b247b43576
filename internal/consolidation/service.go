package consolidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"usdt-gateway/internal/blockchain"
	"usdt-gateway/internal/notification"
	"usdt-gateway/internal/wallet"
	"usdt-gateway/pkg/cache"
	"usdt-gateway/pkg/config"
	"usdt-gateway/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrTaskNotFound  = errors.New("consolidation task not found")
	ErrWalletBusy    = errors.New("wallet is not available for consolidation")
	ErrMasterMissing = errors.New("master wallet not registered")
)

const (
	maxRetries    = 3
	statsCacheKey = "consolidation:stats"
)

// Service 资金归集服务接口
type Service interface {
	// ScanForOpportunities 扫描归集机会并建任务，deep使用低阈值
	ScanForOpportunities(ctx context.Context, deep bool) (int, error)
	// ExecutePending 执行待处理任务，返回完成数
	ExecutePending(ctx context.Context) (int, error)
	// ExecuteTask 执行单个任务
	ExecuteTask(ctx context.Context, taskNo string) error
	// RetryFailed 重试间隔已过的失败任务重新入队
	RetryFailed() (int, error)
	// FailStalled 将卡死的processing任务判定为失败并释放钱包
	FailStalled() (int, error)
	GetStatistics(ctx context.Context) (*Statistics, error)
}

type service struct {
	repo       Repository
	walletRepo wallet.Repository
	walletSvc  wallet.Service
	chains     map[wallet.Network]blockchain.Chain
	notifier   notification.Service
	cfg        config.ConsolidationConfig
	networks   map[string]config.NetworkConfig
}

// NewService 创建归集服务
func NewService(
	repo Repository,
	walletRepo wallet.Repository,
	walletSvc wallet.Service,
	chains map[wallet.Network]blockchain.Chain,
	notifier notification.Service,
	cfg config.ConsolidationConfig,
	networks map[string]config.NetworkConfig,
) Service {
	return &service{
		repo:       repo,
		walletRepo: walletRepo,
		walletSvc:  walletSvc,
		chains:     chains,
		notifier:   notifier,
		cfg:        cfg,
		networks:   networks,
	}
}

// ScanForOpportunities 扫描归集机会
func (s *service) ScanForOpportunities(ctx context.Context, deep bool) (int, error) {
	created := 0
	for name, nc := range s.networks {
		if nc.MasterAddress == "" {
			continue
		}
		network := wallet.Network(name)

		n, err := s.scanNetwork(ctx, network, nc, deep)
		if err != nil {
			logger.Errorf("Consolidation scan failed on %s: %v", network, err)
			continue
		}
		created += n
	}
	if created > 0 {
		logger.Infof("Consolidation scan created %d tasks (deep=%v)", created, deep)
	}
	return created, nil
}

func (s *service) scanNetwork(ctx context.Context, network wallet.Network, nc config.NetworkConfig, deep bool) (int, error) {
	minBalance, err := decimal.NewFromString(nc.ConsolidationMin)
	if err != nil {
		return 0, fmt.Errorf("invalid consolidation min for %s: %w", network, err)
	}
	trigger, err := decimal.NewFromString(nc.ConsolidationTrigger)
	if err != nil {
		return 0, fmt.Errorf("invalid consolidation trigger for %s: %w", network, err)
	}
	if deep {
		if trigger, err = decimal.NewFromString(nc.DeepTrigger); err != nil {
			return 0, fmt.Errorf("invalid deep trigger for %s: %w", network, err)
		}
	}

	candidates, err := s.walletRepo.ListForConsolidation(network, minBalance)
	if err != nil {
		return 0, err
	}

	fee := s.estimateFee(ctx, network, nc)

	created := 0
	for _, w := range candidates {
		if w.Balance.LessThan(trigger) {
			continue
		}

		active, err := s.repo.HasActive(w.ID)
		if err != nil {
			return created, err
		}
		if active {
			continue
		}

		if !s.acquireRecheck(ctx, w.ID, nc.RecheckInterval) {
			continue
		}

		// 费用占比超上限的钱包跳过，余额增长后再议
		if nc.MaxFeeRatio > 0 && !w.Balance.IsZero() {
			ratio, _ := fee.Div(w.Balance).Float64()
			if ratio > nc.MaxFeeRatio {
				logger.Warnf("Skipping consolidation for wallet %d on %s: fee %s is %.2f%% of balance %s",
					w.ID, network, fee, ratio*100, w.Balance)
				continue
			}
		}

		t := &ConsolidationTask{
			TaskNo:        generateTaskNo(),
			WalletID:      w.ID,
			Network:       network,
			Amount:        w.Balance,
			EstimatedFee:  fee,
			MasterAddress: nc.MasterAddress,
			Status:        TaskPending,
			Priority:      int(w.Balance.IntPart()),
		}
		if err := s.repo.Create(t); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// estimateFee 链上估算，失败退回配置的静态估值
func (s *service) estimateFee(ctx context.Context, network wallet.Network, nc config.NetworkConfig) decimal.Decimal {
	if chain, ok := s.chains[network]; ok {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if fee, err := chain.EstimateFee(callCtx); err == nil && fee.IsPositive() {
			return fee
		}
	}
	fee, err := decimal.NewFromString(nc.FeeEstimate)
	if err != nil {
		return decimal.Zero
	}
	return fee
}

// acquireRecheck 复查间隔闸门，Redis不可用时放行
func (s *service) acquireRecheck(ctx context.Context, walletID uint, interval time.Duration) bool {
	if cache.GetClient() == nil || interval <= 0 {
		return true
	}
	lock := cache.NewLock(fmt.Sprintf("consolidation:recheck:%d", walletID), interval)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		logger.Debugf("Recheck gate unavailable for wallet %d: %v", walletID, err)
		return true
	}
	return ok
}

func generateTaskNo() string {
	return fmt.Sprintf("CT%s%s",
		time.Now().Format("20060102150405"),
		strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8]))
}

// ExecutePending 执行待处理任务
func (s *service) ExecutePending(ctx context.Context) (int, error) {
	tasks, err := s.repo.ListPending(50)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if err := s.ExecuteTask(ctx, t.TaskNo); err != nil {
			logger.Errorf("Consolidation task %s failed: %v", t.TaskNo, err)
			continue
		}
		completed++
	}
	return completed, nil
}

// ExecuteTask 执行单个任务
func (s *service) ExecuteTask(ctx context.Context, taskNo string) error {
	t, err := s.repo.GetByTaskNo(taskNo)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrTaskNotFound
	}

	claimed, err := s.repo.MarkProcessing(taskNo, time.Now())
	if err != nil {
		return err
	}
	if !claimed {
		// 已被并发执行者拿走
		return nil
	}

	if err := s.execute(ctx, t); err != nil {
		if markErr := s.repo.MarkFailed(taskNo, err.Error()); markErr != nil {
			logger.Errorf("Failed to mark task %s failed: %v", taskNo, markErr)
		}
		return err
	}
	return nil
}

func (s *service) execute(ctx context.Context, t *ConsolidationTask) error {
	w, err := s.walletRepo.GetByID(t.WalletID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("wallet %d not found", t.WalletID)
	}

	chain, ok := s.chains[t.Network]
	if !ok {
		return fmt.Errorf("no chain client for network %s", t.Network)
	}

	claimed, err := s.walletRepo.MarkConsolidating(w.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// 钱包被订单占用，留给重试
		return ErrWalletBusy
	}
	// 无论成败都释放，绝不留下搁浅的consolidating钱包
	defer func() {
		if err := s.walletRepo.ReleaseConsolidating(w.ID); err != nil {
			logger.Errorf("Failed to release consolidating wallet %d: %v", w.ID, err)
		}
	}()

	master, err := s.walletRepo.GetByAddress(t.Network, t.MasterAddress)
	if err != nil {
		return err
	}
	if master == nil {
		return ErrMasterMissing
	}

	// 用最新账本余额，任务创建后可能又有入账
	amount := w.Balance
	if !amount.IsPositive() {
		return errors.New("wallet balance is zero, nothing to sweep")
	}

	privateKey, err := s.walletSvc.PrivateKey(w)
	if err != nil {
		return fmt.Errorf("decrypt private key: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	txHash, err := chain.TransferUSDT(callCtx, privateKey, t.MasterAddress, amount)
	if err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}

	// 链上已出账，账本入账失败只能靠余额同步兜底，任务仍记完成
	if err := s.walletRepo.ApplySweep(w.ID, master.ID, amount); err != nil {
		logger.Errorf("Sweep ledger update failed for wallet %d (tx %s): %v", w.ID, txHash, err)
	}

	now := time.Now()
	if err := s.repo.MarkCompleted(t.TaskNo, txHash, now); err != nil {
		return err
	}

	s.notifier.Notify(notification.TypeConsolidationComplete, 0,
		"Consolidation completed",
		fmt.Sprintf("Swept %s USDT from wallet %d to %s on %s", amount, w.ID, t.MasterAddress, t.Network),
		map[string]interface{}{"task_no": t.TaskNo, "tx_hash": txHash})

	logger.Infof("Consolidation task %s completed: %s USDT via tx %s", t.TaskNo, amount, txHash)
	return nil
}

// RetryFailed 失败任务重新入队
func (s *service) RetryFailed() (int, error) {
	tasks, err := s.repo.ListRetryable(time.Now().Add(-s.cfg.RetryInterval), maxRetries)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, t := range tasks {
		if err := s.repo.Requeue(t.TaskNo); err != nil {
			logger.Errorf("Failed to requeue task %s: %v", t.TaskNo, err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		logger.Infof("Requeued %d failed consolidation tasks", requeued)
	}
	return requeued, nil
}

// FailStalled 卡死任务兜底
func (s *service) FailStalled() (int, error) {
	tasks, err := s.repo.ListStalled(time.Now().Add(-s.cfg.StallTimeout))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, t := range tasks {
		if err := s.repo.MarkFailed(t.TaskNo, "stalled in processing"); err != nil {
			logger.Errorf("Failed to fail stalled task %s: %v", t.TaskNo, err)
			continue
		}
		// 执行进程可能已死，释放钱包避免永久搁浅
		if err := s.walletRepo.ReleaseConsolidating(t.WalletID); err != nil {
			logger.Errorf("Failed to release wallet %d for stalled task %s: %v", t.WalletID, t.TaskNo, err)
		}
		failed++

		s.notifier.Notify(notification.TypeConsolidationFailed, 0,
			"Consolidation stalled",
			fmt.Sprintf("Task %s on %s stalled and was marked failed", t.TaskNo, t.Network),
			map[string]interface{}{"task_no": t.TaskNo})
	}
	return failed, nil
}

// GetStatistics 归集统计，短暂缓存
func (s *service) GetStatistics(ctx context.Context) (*Statistics, error) {
	if cache.GetClient() != nil {
		var cached Statistics
		if err := cache.Get(ctx, statsCacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	stats, err := s.repo.Statistics()
	if err != nil {
		return nil, err
	}

	if cache.GetClient() != nil {
		if err := cache.Set(ctx, statsCacheKey, stats, 30*time.Second); err != nil {
			logger.Debugf("failed to cache consolidation statistics: %v", err)
		}
	}
	return stats, nil
}
