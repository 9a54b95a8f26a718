// Package wallet is an HTTP client for the LNbits-style Lightning wallet and
// its splitpayments extension: invoice creation/payment, balance reads, and
// split-target configuration.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cyberherd/pkg/logger"
	"cyberherd/pkg/retry"

	"go.uber.org/zap"
)

const (
	maxConcurrentRequests = 5
	defaultTimeout        = 5 * time.Second
)

// SplitTarget is one entry in the split-targets document pushed to the
// wallet's splitpayments extension.
type SplitTarget struct {
	Wallet  string `json:"wallet"`
	Alias   string `json:"alias"`
	Percent int    `json:"percent"`
}

// Adapter is the Wallet Adapter described by the split-target, invoice, and
// balance external interfaces.
type Adapter struct {
	httpClient  *http.Client
	baseURL     string
	mainAPIKey  string
	splitAPIKey string
	sem         chan struct{}
}

// Config configures an Adapter.
type Config struct {
	BaseURL     string
	MainAPIKey  string
	SplitAPIKey string
	HTTPClient  *http.Client
}

// New creates a Wallet Adapter. A nil HTTPClient gets a default with a 5s
// timeout and a tuned transport, matching this codebase's outbound-HTTP
// convention.
func New(cfg Config) *Adapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		}
	}
	return &Adapter{
		httpClient:  client,
		baseURL:     cfg.BaseURL,
		mainAPIKey:  cfg.MainAPIKey,
		splitAPIKey: cfg.SplitAPIKey,
		sem:         make(chan struct{}, maxConcurrentRequests),
	}
}

func (a *Adapter) acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) release() { <-a.sem }

func (a *Adapter) doJSON(ctx context.Context, method, path, apiKey string, body any, out any) error {
	if err := a.acquire(ctx); err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	defer a.release()

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wallet: encode request: %w", err)
		}
		payload = encoded
	}

	return retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("wallet: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", apiKey)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			logger.Warn("wallet request failed, retrying", zap.String("path", path), zap.Error(err))
			return fmt.Errorf("wallet: request %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			logger.Warn("wallet request returned error status, retrying", zap.String("path", path), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("wallet: %s returned status %d", path, resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("wallet: decode response from %s: %w", path, err)
		}
		return nil
	})
}

// BalanceSats reads the main wallet's current balance in sats, used to seed
// the in-memory balance at recovery startup and as a reachability probe at
// shutdown.
func (a *Adapter) BalanceSats(ctx context.Context) (int64, error) {
	var out struct {
		BalanceMsat int64 `json:"balance"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/api/v1/wallet", a.mainAPIKey, nil, &out); err != nil {
		return 0, err
	}
	return out.BalanceMsat / 1000, nil
}

// CreateInvoice requests a bolt11 invoice for amountSats on the wallet
// identified by apiKey (main wallet for generic invoices, split wallet for
// the payout orchestrator's self-payment).
func (a *Adapter) CreateInvoice(ctx context.Context, apiKey string, amountSats int64, memo string) (string, error) {
	req := struct {
		Out    bool   `json:"out"`
		Amount int64  `json:"amount"`
		Unit   string `json:"unit"`
		Memo   string `json:"memo"`
	}{Out: false, Amount: amountSats, Unit: "sat", Memo: memo}

	var out struct {
		Bolt11 string `json:"bolt11"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/api/v1/payments", apiKey, req, &out); err != nil {
		return "", fmt.Errorf("wallet: create invoice: %w", err)
	}
	if out.Bolt11 == "" {
		return "", fmt.Errorf("wallet: create invoice: empty bolt11 in response")
	}
	return out.Bolt11, nil
}

// PayInvoice pays bolt11 from the wallet identified by apiKey.
func (a *Adapter) PayInvoice(ctx context.Context, apiKey, bolt11 string) error {
	req := struct {
		Out    bool   `json:"out"`
		Unit   string `json:"unit"`
		Bolt11 string `json:"bolt11"`
	}{Out: true, Unit: "sat", Bolt11: bolt11}

	if err := a.doJSON(ctx, http.MethodPost, "/api/v1/payments", apiKey, req, nil); err != nil {
		return fmt.Errorf("wallet: pay invoice: %w", err)
	}
	return nil
}

// SelfPayout creates an invoice for amountSats on the split wallet, waits
// delay to reduce races with some wallet implementations, then pays it from
// the main wallet — a self-payment that enters the split router and
// distributes amountSats to the current split targets.
func (a *Adapter) SelfPayout(ctx context.Context, amountSats int64, memo string, delay time.Duration) error {
	bolt11, err := a.CreateInvoice(ctx, a.splitAPIKey, amountSats, memo)
	if err != nil {
		return fmt.Errorf("wallet: self payout: %w", err)
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.PayInvoice(ctx, a.mainAPIKey, bolt11); err != nil {
		return fmt.Errorf("wallet: self payout: %w", err)
	}
	return nil
}

// PushSplitTargets replaces the splitpayments extension's target list.
func (a *Adapter) PushSplitTargets(ctx context.Context, targets []SplitTarget) error {
	doc := struct {
		Targets []SplitTarget `json:"targets"`
	}{Targets: targets}

	if err := a.doJSON(ctx, http.MethodPut, "/splitpayments/api/v1/targets", a.splitAPIKey, doc, nil); err != nil {
		return fmt.Errorf("wallet: push split targets: %w", err)
	}
	return nil
}
