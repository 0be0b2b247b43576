package evm

import (
	"context"
	"math/big"
	"strings"
	"time"

	"usdt-gateway/internal/blockchain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// transferTopic ERC20 Transfer(address,address,uint256)事件签名
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const (
	callTimeout   = 10 * time.Second
	tokenGasLimit = 100000
)

// Client 以太坊兼容链客户端（ERC20/BEP20）
type Client struct {
	client        *ethclient.Client
	name          string
	chainID       *big.Int
	contract      common.Address
	decimals      int32
	confirmations int
	feeEstimate   decimal.Decimal
}

// NewClient 创建以太坊兼容链客户端
func NewClient(name, rpcURL string, chainID int64, contract string, decimals int32, confirmations int, feeEstimate string) (*Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}

	fee, err := decimal.NewFromString(feeEstimate)
	if err != nil {
		fee = decimal.Zero
	}

	return &Client{
		client:        client,
		name:          name,
		chainID:       big.NewInt(chainID),
		contract:      common.HexToAddress(contract),
		decimals:      decimals,
		confirmations: confirmations,
		feeEstimate:   fee,
	}, nil
}

// Name 链名称
func (c *Client) Name() string { return c.name }

// GetRequiredConfirmations 所需确认数
func (c *Client) GetRequiredConfirmations() int { return c.confirmations }

// GetBlockNumber 获取最新区块号
func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return c.client.BlockNumber(ctx)
}

// GetUSDTBalance 获取USDT余额
func (c *Client) GetUSDTBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, blockchain.Permanentf("invalid address: %s", address)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	// balanceOf(address)
	data := append(common.Hex2Bytes("70a08231"), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	msg := ethereum.CallMsg{To: &c.contract, Data: data}

	result, err := c.client.CallContract(ctx, msg, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if len(result) == 0 {
		return decimal.Zero, blockchain.Permanentf("empty balanceOf result for %s", address)
	}

	raw := new(big.Int).SetBytes(result)
	return decimal.NewFromBigInt(raw, -c.decimals), nil
}

// GetTransfers 获取地址自指定区块以来收到的USDT转账
func (c *Client) GetTransfers(ctx context.Context, address string, sinceBlock uint64) ([]blockchain.TokenTransfer, error) {
	if !common.IsHexAddress(address) {
		return nil, blockchain.Permanentf("invalid address: %s", address)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	toTopic := common.BytesToHash(common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32))
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(sinceBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{transferTopic}, nil, {toTopic}},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	transfers := make([]blockchain.TokenTransfer, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 || lg.Removed {
			continue
		}
		amount := decimal.NewFromBigInt(new(big.Int).SetBytes(lg.Data), -c.decimals)
		transfers = append(transfers, blockchain.TokenTransfer{
			TxHash:      lg.TxHash.Hex(),
			From:        common.HexToAddress(lg.Topics[1].Hex()).Hex(),
			To:          common.HexToAddress(lg.Topics[2].Hex()).Hex(),
			Amount:      amount,
			BlockNumber: lg.BlockNumber,
		})
	}
	return transfers, nil
}

// GetTransaction 获取交易信息
func (c *Client) GetTransaction(ctx context.Context, txHash string) (*blockchain.TransactionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	tx, isPending, err := c.client.TransactionByHash(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, blockchain.ErrTxNotFound
		}
		return nil, err
	}

	info := &blockchain.TransactionInfo{TxHash: txHash}

	// 解析代币转账calldata: transfer(address,uint256)
	if tx.To() != nil && *tx.To() == c.contract {
		data := tx.Data()
		if len(data) == 68 && common.Bytes2Hex(data[:4]) == "a9059cbb" {
			info.To = common.BytesToAddress(data[16:36]).Hex()
			info.Amount = decimal.NewFromBigInt(new(big.Int).SetBytes(data[36:68]), -c.decimals)
		}
	}

	signer := types.LatestSignerForChainID(c.chainID)
	if from, err := types.Sender(signer, tx); err == nil {
		info.From = from.Hex()
	}

	if isPending {
		info.Status = blockchain.TxStatusPending
		return info, nil
	}

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		// 已知未pending但收据尚不可见，按pending上报
		info.Status = blockchain.TxStatusPending
		return info, nil
	}

	info.BlockNumber = receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusSuccessful {
		info.Status = blockchain.TxStatusSuccess
	} else {
		info.Status = blockchain.TxStatusFailed
	}

	if current, err := c.client.BlockNumber(ctx); err == nil && current >= info.BlockNumber {
		info.Confirmations = int(current - info.BlockNumber + 1)
	}

	return info, nil
}

// EstimateFee 估算单笔代币转账费用（折算USDT）
func (c *Client) EstimateFee(ctx context.Context) (decimal.Decimal, error) {
	return c.feeEstimate, nil
}

// TransferUSDT 签名并广播USDT转账
func (c *Client) TransferUSDT(ctx context.Context, privateKey []byte, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", blockchain.Permanentf("invalid address: %s", to)
	}

	priv, err := ethcrypto.ToECDSA(privateKey)
	if err != nil {
		return "", blockchain.Permanent(err)
	}
	from := ethcrypto.PubkeyToAddress(priv.PublicKey)

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", err
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	// transfer(address,uint256)
	raw := amount.Shift(c.decimals).BigInt()
	data := append(common.Hex2Bytes("a9059cbb"), common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(raw.Bytes(), 32)...)

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), tokenGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), priv)
	if err != nil {
		return "", err
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// ValidateAddress 验证地址格式
func (c *Client) ValidateAddress(address string) bool {
	return common.IsHexAddress(address) && strings.HasPrefix(address, "0x")
}

var _ blockchain.Chain = (*Client)(nil)
