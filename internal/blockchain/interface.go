package blockchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Chain 区块链接口，按网络各自实现
type Chain interface {
	// Name 链名称（TRC20/ERC20/BEP20）
	Name() string

	// GetBlockNumber 获取最新区块号
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetUSDTBalance 获取地址的USDT余额（按代币精度折算）
	GetUSDTBalance(ctx context.Context, address string) (decimal.Decimal, error)

	// GetTransfers 获取地址自指定区块以来收到的USDT转账
	GetTransfers(ctx context.Context, address string, sinceBlock uint64) ([]TokenTransfer, error)

	// GetTransaction 获取交易信息，未上链的交易返回pending而非失败
	GetTransaction(ctx context.Context, txHash string) (*TransactionInfo, error)

	// GetRequiredConfirmations 获取该网络所需确认数
	GetRequiredConfirmations() int

	// EstimateFee 估算单笔代币转账费用（折算USDT）
	EstimateFee(ctx context.Context) (decimal.Decimal, error)

	// TransferUSDT 用给定私钥签名并广播USDT转账，返回交易哈希
	TransferUSDT(ctx context.Context, privateKey []byte, to string, amount decimal.Decimal) (string, error)

	// ValidateAddress 验证地址格式
	ValidateAddress(address string) bool
}

// TokenTransfer 代币转账记录
type TokenTransfer struct {
	TxHash      string          `json:"tx_hash"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	BlockNumber uint64          `json:"block_number"`
	Timestamp   int64           `json:"timestamp"`
}

// TxStatus 交易状态
type TxStatus int

const (
	TxStatusPending TxStatus = 0
	TxStatusSuccess TxStatus = 1
	TxStatusFailed  TxStatus = 2
)

// TransactionInfo 交易信息
type TransactionInfo struct {
	TxHash        string          `json:"tx_hash"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	BlockNumber   uint64          `json:"block_number"`
	Confirmations int             `json:"confirmations"`
	Status        TxStatus        `json:"status"`
}

// ErrTxNotFound 交易不存在
var ErrTxNotFound = errors.New("transaction not found")

// permanentError 永久性错误，调用方不应重试
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 将错误标记为永久性（地址无效、响应格式错误等）
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf 构造永久性错误
func Permanentf(format string, args ...interface{}) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsPermanent 判断错误是否为永久性
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
