// Package feeder is an HTTP client for the physical feeder-control
// appliance: an override toggle and a trigger rule.
package feeder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cyberherd/pkg/logger"
	"cyberherd/pkg/retry"

	"go.uber.org/zap"
)

const (
	maxConcurrentRequests = 3
	defaultTimeout        = 5 * time.Second
)

// Adapter is the Feeder Adapter described by the feeder-control external
// interface: override GET, trigger POST with basic auth.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	sem        chan struct{}
}

// Config configures an Adapter.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

// New creates a Feeder Adapter.
func New(cfg Config) *Adapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Adapter{
		httpClient: client,
		baseURL:    cfg.BaseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		sem:        make(chan struct{}, maxConcurrentRequests),
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

// OverrideActive reports whether the feeder's manual override is ON,
// meaning the trigger path must not fire automatically.
func (a *Adapter) OverrideActive(ctx context.Context) (bool, error) {
	if err := a.acquire(ctx); err != nil {
		return false, fmt.Errorf("feeder: %w", err)
	}
	defer a.release()

	var active bool
	err := retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/override", nil)
		if err != nil {
			return fmt.Errorf("feeder: build override request: %w", err)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			logger.Warn("feeder override check failed, retrying", zap.Error(err))
			return fmt.Errorf("feeder: override request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("feeder: read override response: %w", err)
		}
		active = strings.EqualFold(strings.TrimSpace(string(body)), "ON")
		return nil
	})
	if err != nil {
		return false, err
	}
	return active, nil
}

// Trigger fires the feeder via its rule endpoint, authenticated with basic auth.
func (a *Adapter) Trigger(ctx context.Context) error {
	if err := a.acquire(ctx); err != nil {
		return fmt.Errorf("feeder: %w", err)
	}
	defer a.release()

	return retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/rules/trigger", nil)
		if err != nil {
			return fmt.Errorf("feeder: build trigger request: %w", err)
		}
		req.SetBasicAuth(a.username, a.password)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			logger.Warn("feeder trigger failed, retrying", zap.Error(err))
			return fmt.Errorf("feeder: trigger request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			logger.Warn("feeder trigger returned error status, retrying", zap.Int("status", resp.StatusCode))
			return fmt.Errorf("feeder: trigger returned status %d", resp.StatusCode)
		}
		return nil
	})
}
