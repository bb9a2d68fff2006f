package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
)

const (
	balanceTTL         = 10 * time.Second
	balanceRevalidate  = 7 * time.Second
	tokenWirePrefix    = "nep141:"
)

// Client 访问结算链：余额视图、nonce 查询、摘要签名。
type Client struct {
	rpcURL    string
	accountID string
	contract  string
	signer    *Signer
	http      *http.Client
	log       *logger.Logger

	mu       sync.Mutex
	balances map[string]*balanceEntry
	rpcID    int64
}

type balanceEntry struct {
	value      string
	fetchedAt  time.Time
	refreshing bool
}

// ClientConfig configures the settlement-chain client.
type ClientConfig struct {
	RPCURL          string
	AccountID       string
	IntentsContract string
	PrivateKey      string
}

// NewClient parses the key and prepares the RPC client. No network I/O here.
func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	signer, err := NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return &Client{
		rpcURL:    cfg.RPCURL,
		accountID: cfg.AccountID,
		contract:  cfg.IntentsContract,
		signer:    signer,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
		balances:  make(map[string]*balanceEntry),
	}, nil
}

// AccountID returns the solver's on-chain account.
func (c *Client) AccountID() string { return c.accountID }

// Signer exposes the loaded Ed25519 signer.
func (c *Client) Signer() *Signer { return c.signer }

// Sign signs a 32-byte digest with the pre-loaded key.
func (c *Client) Sign(digest []byte) ([]byte, error) {
	return c.signer.Sign(digest)
}

// PublicKeyString returns the solver's public key text form.
func (c *Client) PublicKeyString() string {
	return c.signer.PublicKeyString()
}

// GetBalance 读取 intents 合约上的多币种余额（base unit 整数串）。
// stale-while-revalidate：10 秒硬过期；超过 7 秒时后台刷新、先返回旧值。
// 读取失败返回 "0" 并记 WARN，上游视为无法报价。
func (c *Client) GetBalance(ctx context.Context, tokenID string) string {
	c.mu.Lock()
	entry, ok := c.balances[tokenID]
	if ok {
		age := time.Since(entry.fetchedAt)
		if age < balanceTTL {
			value := entry.value
			if age >= balanceRevalidate && !entry.refreshing {
				entry.refreshing = true
				go c.refreshBalance(tokenID)
			}
			c.mu.Unlock()
			return value
		}
	}
	c.mu.Unlock()

	value, err := c.fetchBalance(ctx, tokenID)
	if err != nil {
		c.log.Warn("balance read failed", zap.String("token", tokenID), zap.Error(err))
		return "0"
	}
	c.storeBalance(tokenID, value)
	return value
}

func (c *Client) refreshBalance(tokenID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	value, err := c.fetchBalance(ctx, tokenID)
	c.mu.Lock()
	if entry, ok := c.balances[tokenID]; ok {
		entry.refreshing = false
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("background balance refresh failed", zap.String("token", tokenID), zap.Error(err))
		return
	}
	c.storeBalance(tokenID, value)
}

func (c *Client) storeBalance(tokenID, value string) {
	c.mu.Lock()
	c.balances[tokenID] = &balanceEntry{value: value, fetchedAt: time.Now()}
	c.mu.Unlock()
}

func (c *Client) fetchBalance(ctx context.Context, tokenID string) (string, error) {
	args := map[string]string{
		"account_id": c.accountID,
		"token_id":   tokenWirePrefix + tokenID,
	}
	raw, err := c.viewFunction(ctx, c.contract, "mt_balance_of", args)
	if err != nil {
		return "", err
	}
	var amount string
	if err := json.Unmarshal(raw, &amount); err != nil {
		return "", fmt.Errorf("decode balance: %w", err)
	}
	return amount, nil
}

// WasNonceUsed 查询 nonce 是否已被消费。错误向上抛给 hedger 统计连续失败。
func (c *Client) WasNonceUsed(ctx context.Context, nonceB64 string) (bool, error) {
	args := map[string]string{
		"account_id": c.accountID,
		"nonce":      nonceB64,
	}
	raw, err := c.viewFunction(ctx, c.contract, "is_nonce_used", args)
	if err != nil {
		return false, err
	}
	var used bool
	if err := json.Unmarshal(raw, &used); err != nil {
		return false, fmt.Errorf("decode nonce result: %w", err)
	}
	return used, nil
}

// viewFunction 执行只读合约调用，返回合约回传的原始 JSON 字节。
func (c *Client) viewFunction(ctx context.Context, contract, method string, args interface{}) ([]byte, error) {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rpcID++
	id := c.rpcID
	c.mu.Unlock()

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "query",
		"params": map[string]interface{}{
			"request_type": "call_function",
			"finality":     "final",
			"account_id":   contract,
			"method_name":  method,
			"args_base64":  base64.StdEncoding.EncodeToString(argBytes),
		},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result *struct {
			// RPC 以字节数组形式返回合约输出
			Result []int `json:"result"`
		} `json:"result"`
		Error *struct {
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return nil, fmt.Errorf("rpc response missing result")
	}
	out := make([]byte, len(rpcResp.Result.Result))
	for i, b := range rpcResp.Result.Result {
		out[i] = byte(b)
	}
	return out, nil
}
