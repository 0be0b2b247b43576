package allocator

import (
	"errors"
	"sort"
	"time"

	"usdt-gateway/internal/wallet"
	"usdt-gateway/pkg/config"
	"usdt-gateway/pkg/logger"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoWalletAvailable 无合适钱包，业务性结果而非故障
	ErrNoWalletAvailable = errors.New("no suitable wallet available")
)

// Service 钱包分配服务接口
type Service interface {
	// Allocate 按评分选取并原子抢占一个钱包；抢占失败自动尝试次优候选
	Allocate(network wallet.Network, amount decimal.Decimal, tolerance wallet.RiskLevel, orderNo string) (*wallet.Wallet, error)
	// AllocateWithWeights 按调用方自定义权重分配
	AllocateWithWeights(network wallet.Network, amount decimal.Decimal, tolerance wallet.RiskLevel, orderNo string, weights config.ScoreWeights) (*wallet.Wallet, error)
	// Release 释放钱包回可用状态
	Release(walletID uint) error
}

type service struct {
	repo  wallet.Repository
	cfg   config.AllocationConfig
	costs map[wallet.Network]float64
}

// NewService 创建分配服务
func NewService(repo wallet.Repository, cfg config.AllocationConfig, networks map[string]config.NetworkConfig) Service {
	costs := make(map[wallet.Network]float64, len(networks))
	for name, nc := range networks {
		costs[wallet.Network(name)] = nc.CostScore
	}
	return &service{repo: repo, cfg: cfg, costs: costs}
}

// Allocate 按默认权重分配
func (s *service) Allocate(network wallet.Network, amount decimal.Decimal, tolerance wallet.RiskLevel, orderNo string) (*wallet.Wallet, error) {
	return s.AllocateWithWeights(network, amount, tolerance, orderNo, s.cfg.Weights)
}

// AllocateWithWeights 按指定权重分配
func (s *service) AllocateWithWeights(network wallet.Network, amount decimal.Decimal, tolerance wallet.RiskLevel, orderNo string, weights config.ScoreWeights) (*wallet.Wallet, error) {
	candidates, err := s.repo.GetAvailable(network)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ranked := s.rank(candidates, amount, tolerance, weights, now)
	if len(ranked) == 0 {
		return nil, ErrNoWalletAvailable
	}

	// 抢占失败说明被并发调用者拿走，换下一个候选，绝不重试同一行
	attempts := s.cfg.MaxClaimRetries
	if attempts <= 0 || attempts > len(ranked) {
		attempts = len(ranked)
	}
	for _, candidate := range ranked[:attempts] {
		claimed, err := s.repo.ClaimForOrder(candidate.ID, orderNo, now)
		if err != nil {
			return nil, err
		}
		if claimed {
			logger.Debugf("Wallet %d claimed for order %s on %s", candidate.ID, orderNo, network)
			return s.repo.GetByID(candidate.ID)
		}
	}

	return nil, ErrNoWalletAvailable
}

// Release 释放钱包
func (s *service) Release(walletID uint) error {
	return s.repo.ReleaseFromOrder(walletID)
}

// rank 过滤并按加权评分降序排序候选
func (s *service) rank(candidates []*wallet.Wallet, amount decimal.Decimal, tolerance wallet.RiskLevel, weights config.ScoreWeights, now time.Time) []*wallet.Wallet {
	type scored struct {
		w     *wallet.Wallet
		score float64
	}

	eligible := make([]scored, 0, len(candidates))
	for _, w := range candidates {
		if w.IsMaster {
			continue
		}
		if !tolerance.Accepts(w.RiskLevel) {
			continue
		}
		if w.DailyRemaining(now).LessThan(amount) {
			continue
		}
		if w.MonthlyRemaining(now).LessThan(amount) {
			continue
		}
		eligible = append(eligible, scored{w: w, score: s.score(w, weights, now)})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		// 平分时交易数少者优先，摊平负载
		return eligible[i].w.TransactionCount < eligible[j].w.TransactionCount
	})

	out := make([]*wallet.Wallet, len(eligible))
	for i, e := range eligible {
		out[i] = e.w
	}
	return out
}

// score 加权综合评分，各分量归一到[0,1]，越高越好
func (s *service) score(w *wallet.Wallet, weights config.ScoreWeights, now time.Time) float64 {
	risk := riskScore(w)
	perf := performanceScore(w, now)
	avail := s.availabilityScore(w, now)
	load := loadScore(w, now)
	cost := s.costs[w.Network]

	return weights.Risk*risk +
		weights.Performance*perf +
		weights.Availability*avail +
		weights.Load*load +
		weights.Cost*cost
}

// riskScore 风险基准分加近期失败率的反向分
func riskScore(w *wallet.Wallet) float64 {
	failureRate := 1.0 - w.SuccessRate
	adjusted := w.RiskLevel.BaseScore() + failureRate*0.5
	if adjusted > 1.0 {
		adjusted = 1.0
	}
	return 1.0 - adjusted
}

// performanceScore 成功率与同步新鲜度的混合
func performanceScore(w *wallet.Wallet, now time.Time) float64 {
	recency := 0.0
	if w.LastSyncAt != nil {
		age := now.Sub(*w.LastSyncAt)
		switch {
		case age <= 10*time.Minute:
			recency = 1.0
		case age >= 24*time.Hour:
			recency = 0.0
		default:
			recency = 1.0 - age.Hours()/24.0
		}
	}
	return 0.7*w.SuccessRate + 0.3*recency
}

// availabilityScore 冷却期内按已过时长线性回升，抑制热钱包
func (s *service) availabilityScore(w *wallet.Wallet, now time.Time) float64 {
	if w.LastAllocatedAt == nil || s.cfg.CooldownPeriod <= 0 {
		return 1.0
	}
	elapsed := now.Sub(*w.LastAllocatedAt)
	if elapsed >= s.cfg.CooldownPeriod {
		return 1.0
	}
	return 0.5 + 0.5*float64(elapsed)/float64(s.cfg.CooldownPeriod)
}

// loadScore 额度使用率的反向分，日/月取较高者
func loadScore(w *wallet.Wallet, now time.Time) float64 {
	usage := w.DailyUsageRatio(now)
	if monthly := w.MonthlyUsageRatio(now); monthly > usage {
		usage = monthly
	}
	if usage > 1.0 {
		usage = 1.0
	}
	return 1.0 - usage
}
