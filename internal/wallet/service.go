package wallet

import (
	"context"
	"errors"
	"time"

	"usdt-gateway/internal/blockchain/tron"
	"usdt-gateway/internal/keycustody"
	"usdt-gateway/pkg/cache"
	"usdt-gateway/pkg/logger"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrInvalidNetwork = errors.New("invalid network")
)

const statsCacheKey = "wallet:pool:stats"

// Service 钱包池服务接口
type Service interface {
	// ProvisionWallets 批量生成池钱包：助记词派生私钥、按网络推导地址、加密入库
	ProvisionWallets(network Network, count int, dailyLimit, monthlyLimit decimal.Decimal, risk RiskLevel) ([]*Wallet, error)
	// RegisterMasterWallet 将配置的主钱包地址登记为钱包记录（归集贷记目标）
	RegisterMasterWallet(network Network, address string) (*Wallet, error)
	GetWallet(id uint) (*Wallet, error)
	GetByAddress(network Network, address string) (*Wallet, error)
	ListWallets(network Network, status WalletStatus) ([]*Wallet, error)
	SetMaintenance(id uint, on bool) error
	// PrivateKey 解密钱包私钥，仅限归集签名路径调用
	PrivateKey(w *Wallet) ([]byte, error)
	// GetPoolStatistics 钱包池统计，短暂缓存
	GetPoolStatistics(ctx context.Context) (*PoolStatistics, error)
}

type service struct {
	repo    Repository
	custody keycustody.Service
}

// NewService 创建钱包池服务
func NewService(repo Repository, custody keycustody.Service) Service {
	return &service{repo: repo, custody: custody}
}

// ProvisionWallets 批量生成池钱包
func (s *service) ProvisionWallets(network Network, count int, dailyLimit, monthlyLimit decimal.Decimal, risk RiskLevel) ([]*Wallet, error) {
	if !network.Valid() {
		return nil, ErrInvalidNetwork
	}
	if count <= 0 {
		count = 1
	}

	wallets := make([]*Wallet, 0, count)
	for i := 0; i < count; i++ {
		w, err := s.provisionOne(network, dailyLimit, monthlyLimit, risk)
		if err != nil {
			return wallets, err
		}
		wallets = append(wallets, w)
	}

	logger.Infof("Provisioned %d wallets on %s", len(wallets), network)
	return wallets, nil
}

func (s *service) provisionOne(network Network, dailyLimit, monthlyLimit decimal.Decimal, risk RiskLevel) (*Wallet, error) {
	// 每个池钱包独立助记词，互不派生
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	seed := bip39.NewSeed(mnemonic, "")

	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	// BIP44: m/44'/coin'/0'/0/0
	purpose, err := master.NewChildKey(bip32.FirstHardenedChild + 44)
	if err != nil {
		return nil, err
	}
	coin, err := purpose.NewChildKey(bip32.FirstHardenedChild + coinType(network))
	if err != nil {
		return nil, err
	}
	account, err := coin.NewChildKey(bip32.FirstHardenedChild)
	if err != nil {
		return nil, err
	}
	change, err := account.NewChildKey(0)
	if err != nil {
		return nil, err
	}
	addressKey, err := change.NewChildKey(0)
	if err != nil {
		return nil, err
	}

	address, err := deriveAddress(network, addressKey.Key)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		UUID:         uuid.New().String(),
		Network:      network,
		Address:      address,
		Status:       StatusAvailable,
		Balance:      decimal.Zero,
		DailyLimit:   dailyLimit,
		MonthlyLimit: monthlyLimit,
		RiskLevel:    risk,
		SuccessRate:  1.0,
	}

	encrypted, err := s.custody.Encrypt(addressKey.Key, w.KeyContext())
	if err != nil {
		return nil, err
	}
	w.EncryptedPrivateKey = encrypted

	if err := s.repo.Create(w); err != nil {
		return nil, err
	}
	return w, nil
}

func coinType(network Network) uint32 {
	switch network {
	case NetworkTRC20:
		return 195
	default:
		return 60
	}
}

func deriveAddress(network Network, privateKey []byte) (string, error) {
	switch network {
	case NetworkTRC20:
		return tron.PrivateKeyToAddress(privateKey)
	default:
		priv, err := ethcrypto.ToECDSA(privateKey)
		if err != nil {
			return "", err
		}
		return ethcrypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
	}
}

// RegisterMasterWallet 登记主钱包
func (s *service) RegisterMasterWallet(network Network, address string) (*Wallet, error) {
	if !network.Valid() {
		return nil, ErrInvalidNetwork
	}
	existing, err := s.repo.GetByAddress(network, address)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.IsMaster {
			existing.IsMaster = true
			if err := s.repo.UpdateStatus(existing.ID, StatusMaintenance); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	// 主钱包私钥不由本系统托管，仅作为贷记账本记录存在
	w := &Wallet{
		UUID:                uuid.New().String(),
		Network:             network,
		Address:             address,
		EncryptedPrivateKey: "external",
		Status:              StatusMaintenance,
		Balance:             decimal.Zero,
		IsMaster:            true,
		RiskLevel:           RiskLow,
		SuccessRate:         1.0,
	}
	if err := s.repo.Create(w); err != nil {
		return nil, err
	}
	logger.Infof("Master wallet registered: %s on %s", address, network)
	return w, nil
}

// GetWallet 获取钱包
func (s *service) GetWallet(id uint) (*Wallet, error) {
	w, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}
	return w, nil
}

// GetByAddress 通过地址获取钱包
func (s *service) GetByAddress(network Network, address string) (*Wallet, error) {
	w, err := s.repo.GetByAddress(network, address)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}
	return w, nil
}

// ListWallets 查询钱包列表
func (s *service) ListWallets(network Network, status WalletStatus) ([]*Wallet, error) {
	return s.repo.List(network, status)
}

// SetMaintenance 设置/解除维护状态
func (s *service) SetMaintenance(id uint, on bool) error {
	w, err := s.GetWallet(id)
	if err != nil {
		return err
	}
	if on {
		return s.repo.UpdateStatus(w.ID, StatusMaintenance)
	}
	return s.repo.UpdateStatus(w.ID, StatusAvailable)
}

// PrivateKey 解密钱包私钥
func (s *service) PrivateKey(w *Wallet) ([]byte, error) {
	return s.custody.Decrypt(w.EncryptedPrivateKey, w.KeyContext())
}

// GetPoolStatistics 钱包池统计
func (s *service) GetPoolStatistics(ctx context.Context) (*PoolStatistics, error) {
	if cache.GetClient() != nil {
		var cached PoolStatistics
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
			logger.Debugf("failed to cache pool statistics: %v", err)
		}
	}
	return stats, nil
}
