package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"usdt-gateway/api/routers"
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

	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化日志
	logger.Init(cfg.App.Env)
	defer logger.Sync()

	logger.Infof("Starting %s v%s", cfg.App.Name, cfg.App.Version)

	// 初始化数据库
	if err := database.Init(cfg.Database); err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	// 自动迁移
	if err := autoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化Redis
	if err := cache.Init(cfg.Redis); err != nil {
		logger.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer cache.Close()

	// 初始化区块链客户端
	chains := initChains(cfg)

	// 初始化服务
	services, monitorSvc, err := initServices(cfg, chains)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}
	defer monitorSvc.Stop()

	// 登记配置的主钱包
	registerMasterWallets(cfg, services.Wallet)

	// 为存量pending订单恢复监控
	if err := services.Order.WatchPending(); err != nil {
		logger.Errorf("Failed to watch pending orders: %v", err)
	}

	// 设置JWT密钥
	routers.SetJWTSecret(cfg.Admin.JWTSecret)

	// 初始化Gin
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      routers.SetupRouter(services),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on port %d", cfg.App.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}

func autoMigrate() error {
	return database.AutoMigrate(
		// Wallet
		&wallet.Wallet{},
		&wallet.BalanceSnapshot{},
		// Order
		&order.PaymentOrder{},
		// Consolidation
		&consolidation.ConsolidationTask{},
		// Notification
		&notification.Notification{},
		&notification.WebhookEndpoint{},
	)
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

func initServices(cfg *config.Config, chains map[wallet.Network]blockchain.Chain) (*routers.Services, *monitor.Service, error) {
	db := database.GetDB()

	custody, err := keycustody.NewService(cfg.Custody.MasterKey, cfg.App.Env, cfg.Custody.PBKDF2Iterations)
	if err != nil {
		return nil, nil, err
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

	syncerSvc := syncer.NewService(walletRepo, chains, cfg.Sync)
	consolidationSvc := consolidation.NewService(
		consolidationRepo, walletRepo, walletSvc, chains, notificationSvc, cfg.Consolidation, cfg.Networks)

	return &routers.Services{
		Wallet:        walletSvc,
		Order:         orderSvc,
		Syncer:        syncerSvc,
		Consolidation: consolidationSvc,
		Notification:  notificationSvc,
	}, monitorSvc, nil
}

func registerMasterWallets(cfg *config.Config, svc wallet.Service) {
	for name, nc := range cfg.Networks {
		if nc.MasterAddress == "" {
			continue
		}
		if _, err := svc.RegisterMasterWallet(wallet.Network(name), nc.MasterAddress); err != nil {
			logger.Errorf("Failed to register master wallet for %s: %v", name, err)
		}
	}
}
