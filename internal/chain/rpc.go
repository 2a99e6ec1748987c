package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"lootline/internal/domain"
)

// attack(uint256,uint256,uint256,bytes)
const attackSelector = "ec38bdcf"

const receiptPollInterval = time.Second

// ErrReverted marks a transaction that was mined but failed. It is a
// permanent rejection, never retried.
var ErrReverted = errors.New("transaction reverted")

// RPCClient talks JSON-RPC to a node that holds the looter accounts;
// submissions go through eth_sendTransaction and the node signs.
type RPCClient struct {
	URL        string
	Contract   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewRPC creates an RPC client with sane defaults. The HTTP client is
// initialized here; the instance must not be mutated after construction.
func NewRPC(url, contract string, timeout time.Duration) *RPCClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &RPCClient{
		URL:        url,
		Contract:   contract,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// Simulate dry-runs the attack via eth_call from the looter's account.
func (c *RPCClient) Simulate(ctx context.Context, cm domain.Commitment) error {
	data, err := attackCalldata(cm)
	if err != nil {
		return err
	}
	call := map[string]string{
		"from": cm.LooterAddress,
		"to":   c.Contract,
		"data": data,
	}
	_, err = c.call(ctx, "eth_call", call, "latest")
	return err
}

// Submit sends the real transaction and returns its hash.
func (c *RPCClient) Submit(ctx context.Context, cm domain.Commitment) (string, error) {
	data, err := attackCalldata(cm)
	if err != nil {
		return "", err
	}
	tx := map[string]string{
		"from": cm.LooterAddress,
		"to":   c.Contract,
		"data": data,
	}
	raw, err := c.call(ctx, "eth_sendTransaction", tx)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("decode tx hash: %w", err)
	}
	return hash, nil
}

// AwaitConfirmations polls until the transaction has n confirmations or ctx
// expires. A mined-but-failed receipt returns ErrReverted.
func (c *RPCClient) AwaitConfirmations(ctx context.Context, txHash string, n int) error {
	if n < 1 {
		n = 1
	}
	for {
		receipt, err := c.receipt(ctx, txHash)
		if err != nil {
			return err
		}
		if receipt != nil {
			if receipt.Status == "0x0" {
				return fmt.Errorf("%w: %s", ErrReverted, txHash)
			}
			head, err := c.blockNumber(ctx)
			if err != nil {
				return err
			}
			mined, err := hexToUint(receipt.BlockNumber)
			if err != nil {
				return err
			}
			if head >= mined && head-mined+1 >= uint64(n) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

type txReceipt struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
}

func (c *RPCClient) receipt(ctx context.Context, txHash string) (*txReceipt, error) {
	raw, err := c.call(ctx, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r txReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

func (c *RPCClient) blockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var num string
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, err
	}
	return hexToUint(num)
}

func (c *RPCClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	if params == nil {
		params = []any{}
	}
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// attackCalldata ABI-encodes attack(gameId, teamId, expireTime, signature).
// The signature argument is dynamic, so it is referenced by offset after the
// three static words.
func attackCalldata(cm domain.Commitment) (string, error) {
	sig := strings.TrimPrefix(cm.Signature, "0x")
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(attackSelector)
	buf.WriteString(encodeUint(big.NewInt(cm.MineID)))
	buf.WriteString(encodeUint(big.NewInt(cm.TeamID)))
	buf.WriteString(encodeUint(big.NewInt(cm.ExpireAt.Unix())))
	// offset of the bytes payload: 4 words * 32.
	buf.WriteString(encodeUint(big.NewInt(128)))
	buf.WriteString(encodeUint(big.NewInt(int64(len(sigBytes)))))
	buf.WriteString(hex.EncodeToString(padRight(sigBytes)))
	return "0x" + buf.String(), nil
}

func encodeUint(v *big.Int) string {
	return fmt.Sprintf("%064x", v)
}

func padRight(b []byte) []byte {
	if rem := len(b) % 32; rem != 0 {
		return append(b, make([]byte, 32-rem)...)
	}
	return b
}

func hexToUint(s string) (uint64, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v.Uint64(), nil
}
