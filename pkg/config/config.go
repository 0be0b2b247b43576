package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 应用配置
type Config struct {
	App           AppConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Admin         AdminConfig
	Custody       CustodyConfig
	Allocation    AllocationConfig
	Order         OrderConfig
	Sync          SyncConfig
	Consolidation ConsolidationConfig
	Networks      map[string]NetworkConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name    string
	Version string
	Port    int
	Env     string // development, staging, production
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxIdleConns int
	MaxOpenConns int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AdminConfig 管理接口认证配置
type AdminConfig struct {
	JWTSecret  string
	ExpireTime time.Duration
}

// CustodyConfig 密钥托管配置
type CustodyConfig struct {
	// MasterKey 主加密密钥，生产环境必须由外部注入
	MasterKey        string
	PBKDF2Iterations int
}

// AllocationConfig 钱包分配配置
type AllocationConfig struct {
	Weights         ScoreWeights
	Timeout         time.Duration // 占用超时，超时且订单已终态则强制释放
	CooldownPeriod  time.Duration // 分配冷却期，降低热钱包偏好
	MaxClaimRetries int           // 条件更新失败后最多尝试的候选数
}

// ScoreWeights 评分权重
type ScoreWeights struct {
	Risk         float64
	Performance  float64
	Availability float64
	Load         float64
	Cost         float64
}

// OrderConfig 支付订单配置
type OrderConfig struct {
	DefaultTTL      time.Duration
	MinTTL          time.Duration
	MaxTTL          time.Duration
	MatchTolerance  float64 // 金额匹配容差（比例）
	ExpirySweepTick time.Duration
}

// SyncConfig 余额同步配置
type SyncConfig struct {
	DefaultInterval  time.Duration // 空闲钱包同步间隔
	OccupiedInterval time.Duration // 占用中钱包同步间隔
	Tolerance        string        // 账本与链上差额容差（USDT）
	MaxConcurrency   int           // 批量同步最大并发链上调用数
}

// ConsolidationConfig 资金归集配置
type ConsolidationConfig struct {
	ScanInterval   time.Duration // 常规扫描间隔
	DeepInterval   time.Duration // 低阈值深度扫描间隔
	RetryInterval  time.Duration // 失败任务重试间隔
	StallTimeout   time.Duration // pending任务超时判定
	StallCheckTick time.Duration
	MaxConcurrency int
}

// NetworkConfig 单网络配置
type NetworkConfig struct {
	RPCURL               string
	APIKey               string
	ChainID              int64
	Confirmations        int
	USDTContract         string
	TokenDecimals        int32
	MinOrderAmount       string // 最小下单金额（USDT）
	CostScore            float64
	MasterAddress        string // 归集目标主钱包地址
	ConsolidationMin     string // 值得关注的最低余额
	ConsolidationTrigger string // 实际触发归集的阈值
	DeepTrigger          string // 深度扫描使用的低阈值
	MaxFeeRatio          float64
	FeeEstimate          string // 单笔归集转账的预估费用（折算USDT）
	RecheckInterval      time.Duration
	PollInterval         time.Duration // 监控轮询间隔
	MaxPollInterval      time.Duration // 退避上限
}

// Load 加载配置
func Load() *Config {
	return &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "usdt-gateway"),
			Version: getEnv("APP_VERSION", "1.0.0"),
			Port:    getEnvInt("APP_PORT", 8080),
			Env:     getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", "postgres"),
			DBName:       getEnv("DB_NAME", "usdt_gateway"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 100),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Admin: AdminConfig{
			JWTSecret:  getEnv("ADMIN_JWT_SECRET", "change-me-in-production"),
			ExpireTime: time.Duration(getEnvInt("ADMIN_JWT_EXPIRE_HOURS", 24)) * time.Hour,
		},
		Custody: CustodyConfig{
			MasterKey:        getEnv("MASTER_KEY", ""),
			PBKDF2Iterations: getEnvInt("CUSTODY_PBKDF2_ITERATIONS", 100000),
		},
		Allocation: AllocationConfig{
			Weights: ScoreWeights{
				Risk:         getEnvFloat("ALLOC_WEIGHT_RISK", 0.25),
				Performance:  getEnvFloat("ALLOC_WEIGHT_PERFORMANCE", 0.25),
				Availability: getEnvFloat("ALLOC_WEIGHT_AVAILABILITY", 0.25),
				Load:         getEnvFloat("ALLOC_WEIGHT_LOAD", 0.15),
				Cost:         getEnvFloat("ALLOC_WEIGHT_COST", 0.10),
			},
			Timeout:         time.Duration(getEnvInt("ALLOC_TIMEOUT_MINUTES", 30)) * time.Minute,
			CooldownPeriod:  time.Duration(getEnvInt("ALLOC_COOLDOWN_HOURS", 6)) * time.Hour,
			MaxClaimRetries: getEnvInt("ALLOC_MAX_CLAIM_RETRIES", 5),
		},
		Order: OrderConfig{
			DefaultTTL:      time.Duration(getEnvInt("ORDER_TTL_MINUTES", 30)) * time.Minute,
			MinTTL:          5 * time.Minute,
			MaxTTL:          1440 * time.Minute,
			MatchTolerance:  getEnvFloat("ORDER_MATCH_TOLERANCE", 0.01),
			ExpirySweepTick: time.Duration(getEnvInt("ORDER_EXPIRY_SWEEP_SECONDS", 60)) * time.Second,
		},
		Sync: SyncConfig{
			DefaultInterval:  time.Duration(getEnvInt("SYNC_INTERVAL_MINUTES", 5)) * time.Minute,
			OccupiedInterval: time.Duration(getEnvInt("SYNC_OCCUPIED_INTERVAL_SECONDS", 60)) * time.Second,
			Tolerance:        getEnv("SYNC_TOLERANCE", "0.000001"),
			MaxConcurrency:   getEnvInt("SYNC_MAX_CONCURRENCY", 5),
		},
		Consolidation: ConsolidationConfig{
			ScanInterval:   time.Duration(getEnvInt("CONSOLIDATION_SCAN_HOURS", 4)) * time.Hour,
			DeepInterval:   time.Duration(getEnvInt("CONSOLIDATION_DEEP_HOURS", 24)) * time.Hour,
			RetryInterval:  time.Duration(getEnvInt("CONSOLIDATION_RETRY_MINUTES", 60)) * time.Minute,
			StallTimeout:   time.Duration(getEnvInt("CONSOLIDATION_STALL_MINUTES", 60)) * time.Minute,
			StallCheckTick: time.Duration(getEnvInt("CONSOLIDATION_STALL_CHECK_MINUTES", 10)) * time.Minute,
			MaxConcurrency: getEnvInt("CONSOLIDATION_MAX_CONCURRENCY", 3),
		},
		Networks: map[string]NetworkConfig{
			"TRC20": {
				RPCURL:               getEnv("TRON_RPC_URL", "https://api.trongrid.io"),
				APIKey:               getEnv("TRON_API_KEY", ""),
				Confirmations:        getEnvInt("TRON_CONFIRMATIONS", 1),
				USDTContract:         getEnv("TRON_USDT_CONTRACT", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"),
				TokenDecimals:        int32(getEnvInt("TRON_USDT_DECIMALS", 6)),
				MinOrderAmount:       getEnv("TRON_MIN_ORDER", "1"),
				CostScore:            getEnvFloat("TRON_COST_SCORE", 0.9),
				MasterAddress:        getEnv("TRON_MASTER_ADDRESS", ""),
				ConsolidationMin:     getEnv("TRON_CONSOLIDATION_MIN", "10"),
				ConsolidationTrigger: getEnv("TRON_CONSOLIDATION_TRIGGER", "100"),
				DeepTrigger:          getEnv("TRON_DEEP_TRIGGER", "20"),
				MaxFeeRatio:          getEnvFloat("TRON_MAX_FEE_RATIO", 0.05),
				FeeEstimate:          getEnv("TRON_FEE_ESTIMATE", "1.5"),
				RecheckInterval:      time.Duration(getEnvInt("TRON_RECHECK_MINUTES", 60)) * time.Minute,
				PollInterval:         time.Duration(getEnvInt("TRON_POLL_SECONDS", 10)) * time.Second,
				MaxPollInterval:      time.Duration(getEnvInt("TRON_MAX_POLL_SECONDS", 300)) * time.Second,
			},
			"ERC20": {
				RPCURL:               getEnv("ETH_RPC_URL", "http://localhost:8545"),
				ChainID:              int64(getEnvInt("ETH_CHAIN_ID", 1)),
				Confirmations:        getEnvInt("ETH_CONFIRMATIONS", 12),
				USDTContract:         getEnv("ETH_USDT_CONTRACT", "0xdAC17F958D2ee523a2206206994597C13D831ec7"),
				TokenDecimals:        int32(getEnvInt("ETH_USDT_DECIMALS", 6)),
				MinOrderAmount:       getEnv("ETH_MIN_ORDER", "10"),
				CostScore:            getEnvFloat("ETH_COST_SCORE", 0.3),
				MasterAddress:        getEnv("ETH_MASTER_ADDRESS", ""),
				ConsolidationMin:     getEnv("ETH_CONSOLIDATION_MIN", "100"),
				ConsolidationTrigger: getEnv("ETH_CONSOLIDATION_TRIGGER", "1000"),
				DeepTrigger:          getEnv("ETH_DEEP_TRIGGER", "200"),
				MaxFeeRatio:          getEnvFloat("ETH_MAX_FEE_RATIO", 0.02),
				FeeEstimate:          getEnv("ETH_FEE_ESTIMATE", "8"),
				RecheckInterval:      time.Duration(getEnvInt("ETH_RECHECK_MINUTES", 120)) * time.Minute,
				PollInterval:         time.Duration(getEnvInt("ETH_POLL_SECONDS", 15)) * time.Second,
				MaxPollInterval:      time.Duration(getEnvInt("ETH_MAX_POLL_SECONDS", 300)) * time.Second,
			},
			"BEP20": {
				RPCURL:               getEnv("BSC_RPC_URL", "https://bsc-dataseed.binance.org/"),
				ChainID:              int64(getEnvInt("BSC_CHAIN_ID", 56)),
				Confirmations:        getEnvInt("BSC_CONFIRMATIONS", 12),
				USDTContract:         getEnv("BSC_USDT_CONTRACT", "0x55d398326f99059fF775485246999027B3197955"),
				TokenDecimals:        int32(getEnvInt("BSC_USDT_DECIMALS", 6)),
				MinOrderAmount:       getEnv("BSC_MIN_ORDER", "1"),
				CostScore:            getEnvFloat("BSC_COST_SCORE", 0.6),
				MasterAddress:        getEnv("BSC_MASTER_ADDRESS", ""),
				ConsolidationMin:     getEnv("BSC_CONSOLIDATION_MIN", "50"),
				ConsolidationTrigger: getEnv("BSC_CONSOLIDATION_TRIGGER", "500"),
				DeepTrigger:          getEnv("BSC_DEEP_TRIGGER", "100"),
				MaxFeeRatio:          getEnvFloat("BSC_MAX_FEE_RATIO", 0.03),
				FeeEstimate:          getEnv("BSC_FEE_ESTIMATE", "0.5"),
				RecheckInterval:      time.Duration(getEnvInt("BSC_RECHECK_MINUTES", 90)) * time.Minute,
				PollInterval:         time.Duration(getEnvInt("BSC_POLL_SECONDS", 10)) * time.Second,
				MaxPollInterval:      time.Duration(getEnvInt("BSC_MAX_POLL_SECONDS", 300)) * time.Second,
			},
		},
	}
}

// Network 获取指定网络配置，网络名不区分大小写
func (c *Config) Network(name string) (NetworkConfig, bool) {
	nc, ok := c.Networks[strings.ToUpper(name)]
	return nc, ok
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
