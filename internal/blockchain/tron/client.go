package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"usdt-gateway/internal/blockchain"

	"github.com/btcsuite/btcd/btcutil/base58"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// tronAddressVersion Tron主网地址版本前缀
const tronAddressVersion = 0x41

const (
	callTimeout = 15 * time.Second
	feeLimitSun = 30000000 // 30 TRX
)

// Client Tron客户端（TronGrid HTTP API）
type Client struct {
	url           string
	apiKey        string
	contract      string
	decimals      int32
	confirmations int
	feeEstimate   decimal.Decimal
	httpClient    *http.Client

	// TronGrid的TRC20转账接口按时间游标翻页，区块号在此不适用
	mu      sync.Mutex
	cursors map[string]int64 // address -> 最后一次拉取的block_timestamp(ms)
}

// NewClient 创建Tron客户端
func NewClient(rpcURL, apiKey, contract string, decimals int32, confirmations int, feeEstimate string) (*Client, error) {
	if _, err := addressToHex(contract); err != nil {
		return nil, fmt.Errorf("invalid USDT contract address: %w", err)
	}
	fee, err := decimal.NewFromString(feeEstimate)
	if err != nil {
		fee = decimal.Zero
	}
	return &Client{
		url:           strings.TrimRight(rpcURL, "/"),
		apiKey:        apiKey,
		contract:      contract,
		decimals:      decimals,
		confirmations: confirmations,
		feeEstimate:   fee,
		httpClient:    &http.Client{Timeout: callTimeout},
		cursors:       make(map[string]int64),
	}, nil
}

// Name 链名称
func (c *Client) Name() string { return "TRC20" }

// GetRequiredConfirmations 所需确认数
func (c *Client) GetRequiredConfirmations() int { return c.confirmations }

func (c *Client) call(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("trongrid status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, blockchain.Permanentf("trongrid status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// GetBlockNumber 获取最新区块号
func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	b, err := c.call(ctx, http.MethodPost, "/wallet/getnowblock", nil)
	if err != nil {
		return 0, err
	}

	var resp struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		return 0, blockchain.Permanent(err)
	}
	return resp.BlockHeader.RawData.Number, nil
}

// GetUSDTBalance 获取USDT余额
func (c *Client) GetUSDTBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	ownerHex, err := addressToHex(address)
	if err != nil {
		return decimal.Zero, blockchain.Permanent(err)
	}
	contractHex, _ := addressToHex(c.contract)

	param := fmt.Sprintf("%064s", ownerHex[2:]) // 去掉41前缀后左补零到32字节
	body := map[string]interface{}{
		"owner_address":     ownerHex,
		"contract_address":  contractHex,
		"function_selector": "balanceOf(address)",
		"parameter":         param,
	}

	b, err := c.call(ctx, http.MethodPost, "/wallet/triggerconstantcontract", body)
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		ConstantResult []string `json:"constant_result"`
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		return decimal.Zero, blockchain.Permanent(err)
	}
	if len(resp.ConstantResult) == 0 {
		return decimal.Zero, blockchain.Permanentf("empty balanceOf result for %s", address)
	}

	raw, ok := new(big.Int).SetString(resp.ConstantResult[0], 16)
	if !ok {
		return decimal.Zero, blockchain.Permanentf("malformed balanceOf result: %s", resp.ConstantResult[0])
	}
	return decimal.NewFromBigInt(raw, -c.decimals), nil
}

// GetTransfers 获取地址收到的USDT转账
// sinceBlock在TronGrid的TRC20接口上不可用，内部维护时间游标
func (c *Client) GetTransfers(ctx context.Context, address string, sinceBlock uint64) ([]blockchain.TokenTransfer, error) {
	if _, err := addressToHex(address); err != nil {
		return nil, blockchain.Permanent(err)
	}

	c.mu.Lock()
	since, ok := c.cursors[address]
	if !ok {
		// 首次拉取只回看十分钟，避免翻出历史转账
		since = time.Now().Add(-10 * time.Minute).UnixMilli()
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("only_to", "true")
	q.Set("only_confirmed", "true")
	q.Set("contract_address", c.contract)
	q.Set("min_timestamp", fmt.Sprintf("%d", since+1))
	q.Set("limit", "100")

	path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?%s", address, q.Encode())
	b, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			TransactionID  string `json:"transaction_id"`
			From           string `json:"from"`
			To             string `json:"to"`
			Value          string `json:"value"`
			BlockTimestamp int64  `json:"block_timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, blockchain.Permanent(err)
	}

	transfers := make([]blockchain.TokenTransfer, 0, len(resp.Data))
	maxTs := since
	for _, item := range resp.Data {
		raw, ok := new(big.Int).SetString(item.Value, 10)
		if !ok {
			continue
		}
		transfers = append(transfers, blockchain.TokenTransfer{
			TxHash:    item.TransactionID,
			From:      item.From,
			To:        item.To,
			Amount:    decimal.NewFromBigInt(raw, -c.decimals),
			Timestamp: item.BlockTimestamp,
		})
		if item.BlockTimestamp > maxTs {
			maxTs = item.BlockTimestamp
		}
	}

	c.mu.Lock()
	c.cursors[address] = maxTs
	c.mu.Unlock()

	return transfers, nil
}

// GetTransaction 获取交易信息
func (c *Client) GetTransaction(ctx context.Context, txHash string) (*blockchain.TransactionInfo, error) {
	body := map[string]string{"value": txHash}
	b, err := c.call(ctx, http.MethodPost, "/wallet/gettransactioninfobyid", body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID          string `json:"id"`
		BlockNumber uint64 `json:"blockNumber"`
		Receipt     struct {
			Result string `json:"result"`
		} `json:"receipt"`
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, blockchain.Permanent(err)
	}

	info := &blockchain.TransactionInfo{TxHash: txHash}
	if resp.ID == "" {
		// 尚未上链，按pending上报
		info.Status = blockchain.TxStatusPending
		return info, nil
	}

	info.BlockNumber = resp.BlockNumber
	switch resp.Receipt.Result {
	case "", "SUCCESS":
		info.Status = blockchain.TxStatusSuccess
	default:
		info.Status = blockchain.TxStatusFailed
	}

	if current, err := c.GetBlockNumber(ctx); err == nil && current >= info.BlockNumber {
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
	priv, err := ethcrypto.ToECDSA(privateKey)
	if err != nil {
		return "", blockchain.Permanent(err)
	}

	fromHex := pubkeyToHexAddress(priv)
	toHex, err := addressToHex(to)
	if err != nil {
		return "", blockchain.Permanent(err)
	}
	contractHex, _ := addressToHex(c.contract)

	raw := amount.Shift(c.decimals).BigInt()
	param := fmt.Sprintf("%064s%064x", toHex[2:], raw)

	buildBody := map[string]interface{}{
		"owner_address":     fromHex,
		"contract_address":  contractHex,
		"function_selector": "transfer(address,uint256)",
		"parameter":         param,
		"fee_limit":         feeLimitSun,
		"call_value":        0,
	}

	b, err := c.call(ctx, http.MethodPost, "/wallet/triggersmartcontract", buildBody)
	if err != nil {
		return "", err
	}

	var built struct {
		Result struct {
			Result bool `json:"result"`
		} `json:"result"`
		Transaction struct {
			TxID       string                 `json:"txID"`
			RawData    map[string]interface{} `json:"raw_data"`
			RawDataHex string                 `json:"raw_data_hex"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(b, &built); err != nil {
		return "", blockchain.Permanent(err)
	}
	if !built.Result.Result || built.Transaction.TxID == "" {
		return "", fmt.Errorf("failed to build tron transaction")
	}

	rawBytes, err := hex.DecodeString(built.Transaction.RawDataHex)
	if err != nil {
		return "", blockchain.Permanent(err)
	}

	digest := sha256Sum(rawBytes)
	sig, err := ethcrypto.Sign(digest, priv)
	if err != nil {
		return "", err
	}

	broadcastBody := map[string]interface{}{
		"txID":         built.Transaction.TxID,
		"raw_data":     built.Transaction.RawData,
		"raw_data_hex": built.Transaction.RawDataHex,
		"signature":    []string{hex.EncodeToString(sig)},
	}

	b, err = c.call(ctx, http.MethodPost, "/wallet/broadcasttransaction", broadcastBody)
	if err != nil {
		return "", err
	}

	var bresp struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &bresp); err != nil {
		return "", blockchain.Permanent(err)
	}
	if !bresp.Result {
		return "", fmt.Errorf("broadcast rejected: %s %s", bresp.Code, bresp.Message)
	}

	return built.Transaction.TxID, nil
}

// ValidateAddress 验证地址格式
func (c *Client) ValidateAddress(address string) bool {
	_, err := addressToHex(address)
	return err == nil
}

// addressToHex base58地址转41前缀十六进制
func addressToHex(address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("empty address")
	}
	if strings.HasPrefix(address, "41") && len(address) == 42 {
		return address, nil
	}
	decoded, version, err := base58.CheckDecode(address)
	if err != nil {
		return "", fmt.Errorf("invalid tron address %s: %w", address, err)
	}
	if version != tronAddressVersion || len(decoded) != 20 {
		return "", fmt.Errorf("invalid tron address %s", address)
	}
	return "41" + hex.EncodeToString(decoded), nil
}

// HexToAddress 41前缀十六进制转base58地址
func HexToAddress(hexAddr string) (string, error) {
	raw, err := hex.DecodeString(hexAddr)
	if err != nil || len(raw) != 21 || raw[0] != tronAddressVersion {
		return "", fmt.Errorf("invalid tron hex address %s", hexAddr)
	}
	return base58.CheckEncode(raw[1:], tronAddressVersion), nil
}

var _ blockchain.Chain = (*Client)(nil)
