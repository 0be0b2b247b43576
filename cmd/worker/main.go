package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"usdt-gateway/internal/allocator"
	"usdt-gateway/internal/blockchain"
	"usdt-gateway/internal/blockchain/evm"
	"usdt-gateway/internal/blockchain/tron"
	"usdt-gateway/internal/consolidation"
	"usdt-gateway/internal/keycustody"
	"usdt-gateway/internal/monitor"
	"usdt-gateway/internal/notification"
	"usdt-gateway/internal/order"
	"usdt-gateway/internal/syncer"
	"usdt-gateway/internal/wallet"
	"usdt-gateway/pkg/cache"
	"usdt-gateway/pkg/config"
	"usdt-gateway/pkg/database"
	"usdt-gateway/pkg/logger"
)

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化日志
	logger.Init(cfg.App.Env)
	defer logger.Sync()

	logger.Info("Starting worker...")

	// 初始化数据库
	if err := database.Init(cfg.Database); err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	// 初始化Redis
	if err := cache.Init(cfg.Redis); err != nil {
		logger.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer cache.Close()

	// 初始化区块链客户端
	chains := initChains(cfg)

	// 初始化服务
	services, err := initServices(cfg, chains)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}

	// 为存量pending订单恢复监控
	if err := services.order.WatchPending(); err != nil {
		logger.Errorf("Failed to watch pending orders: %v", err)
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	go runWatchRefresher(ctx, services.order)
	go runExpirySweeper(ctx, services.order, cfg.Order.ExpirySweepTick)
	go runStaleReleaser(ctx, services.order, cfg.Allocation.Timeout)
	go runBalanceSyncer(ctx, services.syncer)
	go runConsolidationScanner(ctx, services.consolidation, cfg.Consolidation)
	go runConsolidationExecutor(ctx, services.consolidation)
	go runConsolidationJanitor(ctx, services.consolidation, cfg.Consolidation.StallCheckTick)
	go runNotificationProcessor(ctx, services.notification)

	// 等待信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	services.monitor.Stop()

	// 等待任务完成
	time.Sleep(5 * time.Second)
	logger.Info("Worker exited")
}

func initChains(cfg *config.Config) map[wallet.Network]blockchain.Chain {
	chains := make(map[wallet.Network]blockchain.Chain)

	if nc, ok := cfg.Network("TRC20"); ok {
		client, err := tron.NewClient(nc.RPCURL, nc.APIKey, nc.USDTContract, nc.TokenDecimals, nc.Confirmations, nc.FeeEstimate)
		if err != nil {
			logger.Warnf("Failed to initialize Tron client: %v", err)
		} else {
			chains[wallet.NetworkTRC20] = client
		}
	}

	if nc, ok := cfg.Network("ERC20"); ok {
		client, err := evm.NewClient("ERC20", nc.RPCURL, nc.ChainID, nc.USDTContract, nc.TokenDecimals, nc.Confirmations, nc.FeeEstimate)
		if err != nil {
			logger.Warnf("Failed to initialize Ethereum client: %v", err)
		} else {
			chains[wallet.NetworkERC20] = client
		}
	}

	if nc, ok := cfg.Network("BEP20"); ok {
		client, err := evm.NewClient("BEP20", nc.RPCURL, nc.ChainID, nc.USDTContract, nc.TokenDecimals, nc.Confirmations, nc.FeeEstimate)
		if err != nil {
			logger.Warnf("Failed to initialize BSC client: %v", err)
		} else {
			chains[wallet.NetworkBEP20] = client
		}
	}

	return chains
}

type workerServices struct {
	order         order.Service
	syncer        syncer.Service
	consolidation consolidation.Service
	notification  notification.Service
	monitor       *monitor.Service
}

func initServices(cfg *config.Config, chains map[wallet.Network]blockchain.Chain) (*workerServices, error) {
	db := database.GetDB()

	custody, err := keycustody.NewService(cfg.Custody.MasterKey, cfg.App.Env, cfg.Custody.PBKDF2Iterations)
	if err != nil {
		return nil, err
	}

	walletRepo := wallet.NewRepository(db)
	orderRepo := order.NewRepository(db)
	consolidationRepo := consolidation.NewRepository(db)
	notificationRepo := notification.NewRepository(db)

	walletSvc := wallet.NewService(walletRepo, custody)
	notificationSvc := notification.NewService(notificationRepo)
	allocatorSvc := allocator.NewService(walletRepo, cfg.Allocation, cfg.Networks)

	monitorSvc := monitor.NewService(chains, cfg.Networks)
	orderSvc := order.NewService(orderRepo, walletRepo, allocatorSvc, monitorSvc, notificationSvc, cfg.Order, cfg.Networks)
	monitorSvc.SetSink(orderSvc)

	return &workerServices{
		order:         orderSvc,
		syncer:        syncer.NewService(walletRepo, chains, cfg.Sync),
		consolidation: consolidation.NewService(consolidationRepo, walletRepo, walletSvc, chains, notificationSvc, cfg.Consolidation, cfg.Networks),
		notification:  notificationSvc,
		monitor:       monitorSvc,
	}, nil
}

// runWatchRefresher 周期性补注册监控，接住API进程新建的订单
func runWatchRefresher(ctx context.Context, svc order.Service) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.WatchPending(); err != nil {
				logger.Errorf("Failed to refresh pending watches: %v", err)
			}
		}
	}
}

// runExpirySweeper 订单超期清扫
func runExpirySweeper(ctx context.Context, svc order.Service, tick time.Duration) {
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := svc.ExpireOverdue()
			if err != nil {
				logger.Errorf("Failed to expire overdue orders: %v", err)
				continue
			}
			if expired > 0 {
				logger.Infof("Expired %d overdue orders", expired)
			}
		}
	}
}

// runStaleReleaser 占用超时钱包释放
func runStaleReleaser(ctx context.Context, svc order.Service, timeout time.Duration) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := svc.ReleaseStaleAllocations(timeout)
			if err != nil {
				logger.Errorf("Failed to release stale allocations: %v", err)
				continue
			}
			if released > 0 {
				logger.Warnf("Released %d stale wallet allocations", released)
			}
		}
	}
}

// runBalanceSyncer 余额同步，到期判断在服务内部
func runBalanceSyncer(ctx context.Context, svc syncer.Service) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.SyncDue(ctx); err != nil {
				logger.Errorf("Failed to sync balances: %v", err)
			}
		}
	}
}

// runConsolidationScanner 归集扫描：常规高阈值加周期性低阈值深扫
func runConsolidationScanner(ctx context.Context, svc consolidation.Service, cfg config.ConsolidationConfig) {
	scanTicker := time.NewTicker(cfg.ScanInterval)
	deepTicker := time.NewTicker(cfg.DeepInterval)
	defer scanTicker.Stop()
	defer deepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			if _, err := svc.ScanForOpportunities(ctx, false); err != nil {
				logger.Errorf("Consolidation scan failed: %v", err)
			}
		case <-deepTicker.C:
			if _, err := svc.ScanForOpportunities(ctx, true); err != nil {
				logger.Errorf("Deep consolidation scan failed: %v", err)
			}
		}
	}
}

// runConsolidationExecutor 归集任务执行
func runConsolidationExecutor(ctx context.Context, svc consolidation.Service) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ExecutePending(ctx); err != nil {
				logger.Errorf("Failed to execute consolidation tasks: %v", err)
			}
		}
	}
}

// runConsolidationJanitor 失败重试与卡死任务兜底
func runConsolidationJanitor(ctx context.Context, svc consolidation.Service, tick time.Duration) {
	if tick <= 0 {
		tick = 10 * time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.RetryFailed(); err != nil {
				logger.Errorf("Failed to retry consolidation tasks: %v", err)
			}
			if _, err := svc.FailStalled(); err != nil {
				logger.Errorf("Failed to fail stalled consolidation tasks: %v", err)
			}
		}
	}
}

// runNotificationProcessor 通知重发
func runNotificationProcessor(ctx context.Context, svc notification.Service) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.ProcessPending(); err != nil {
				logger.Errorf("Failed to process notifications: %v", err)
			}
		}
	}
}
