package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// weiPerEth is 10^18, the wei-to-ether scale.
var weiPerEth = decimal.New(1, 18)

type rpcRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
	ID      int      `json:"id"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WalletWatcher polls an Ethereum JSON-RPC endpoint for the native balance of
// one address. It is a read-only overlay: it never writes into the watchlist
// state and is joined with it only at the presentation boundary.
type WalletWatcher struct {
	onUpdate     func(decimal.Decimal)
	balance      decimal.Decimal
	mu           sync.RWMutex
	pollInterval time.Duration
	rpcURL       string
	address      string
	httpClient   *http.Client
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewWalletWatcher creates a watcher for the configured address. onUpdate is
// invoked whenever the observed balance changes.
func NewWalletWatcher(cfg *Config, onUpdate func(decimal.Decimal)) *WalletWatcher {
	return &WalletWatcher{
		onUpdate:     onUpdate,
		balance:      decimal.Zero,
		pollInterval: time.Duration(cfg.Wallet.PollIntervalSec) * time.Second,
		rpcURL:       cfg.Wallet.RPCURL,
		address:      cfg.Wallet.Address,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Start begins polling for balance updates
func (w *WalletWatcher) Start(ctx context.Context) error {
	if w.rpcURL == "" || w.address == "" {
		return fmt.Errorf("wallet watcher requires rpc_url and address")
	}

	ctx, w.cancel = context.WithCancel(ctx)

	// Fetch immediately on start
	if err := w.fetchBalance(ctx); err != nil {
		slog.Warn("Initial wallet balance fetch failed", slog.Any("error", err))
		// Continue anyway - will retry on next tick
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Wallet balance polling stopped")
				return
			case <-ticker.C:
				if err := w.fetchBalance(ctx); err != nil {
					slog.Warn("Wallet balance fetch failed", slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

func (w *WalletWatcher) fetchBalance(ctx context.Context) error {
	GlobalMetrics.RecordWalletPoll()

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_getBalance",
		Params:  []string{w.address, "latest"},
		ID:      1,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	newBalance, err := parseWeiHex(rpcResp.Result)
	if err != nil {
		return err
	}

	w.mu.Lock()
	oldBalance := w.balance
	w.balance = newBalance
	w.mu.Unlock()

	if !oldBalance.Equal(newBalance) && w.onUpdate != nil {
		slog.Info("Wallet balance updated",
			slog.String("balance_eth", newBalance.String()),
			slog.String("old_balance_eth", oldBalance.String()),
		)
		w.onUpdate(newBalance)
	}

	return nil
}

// parseWeiHex converts a 0x-prefixed hex wei amount into decimal ether.
func parseWeiHex(s string) (decimal.Decimal, error) {
	hex := strings.TrimPrefix(s, "0x")
	if hex == "" {
		return decimal.Zero, fmt.Errorf("empty balance result")
	}

	wei, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return decimal.Zero, fmt.Errorf("malformed balance result: %s", s)
	}
	return decimal.NewFromBigInt(wei, 0).Div(weiPerEth), nil
}

// Stop stops the polling
func (w *WalletWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}

// Balance returns the last observed balance in ether.
func (w *WalletWatcher) Balance() decimal.Decimal {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.balance
}
