package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cyberherd/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func TestBalanceSats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/wallet", r.URL.Path)
		assert.Equal(t, "main-key", r.Header.Get("X-Api-Key"))
		json.NewEncoder(w).Encode(map[string]int64{"balance": 1500000})
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, MainAPIKey: "main-key", HTTPClient: server.Client()})
	balance, err := a.BalanceSats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)
}

func TestCreateInvoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/payments", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(1050), body["amount"])
		assert.Equal(t, false, body["out"])
		json.NewEncoder(w).Encode(map[string]string{"bolt11": "lnbc1..."})
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, SplitAPIKey: "split-key", HTTPClient: server.Client()})
	bolt11, err := a.CreateInvoice(context.Background(), "split-key", 1050, "payout")
	require.NoError(t, err)
	assert.Equal(t, "lnbc1...", bolt11)
}

func TestCreateInvoiceEmptyBolt11IsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := a.CreateInvoice(context.Background(), "k", 10, "memo")
	assert.Error(t, err)
}

func TestPayInvoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["out"])
		assert.Equal(t, "lnbc1...", body["bolt11"])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, MainAPIKey: "main-key", HTTPClient: server.Client()})
	err := a.PayInvoice(context.Background(), "main-key", "lnbc1...")
	require.NoError(t, err)
}

func TestPayInvoiceErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, HTTPClient: server.Client()})
	err := a.PayInvoice(context.Background(), "k", "lnbc1...")
	assert.Error(t, err)
}

func TestSelfPayoutCreatesThenPays(t *testing.T) {
	var sawCreate, sawPay bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["out"] == false {
			sawCreate = true
			assert.Equal(t, "split-key", r.Header.Get("X-Api-Key"))
			json.NewEncoder(w).Encode(map[string]string{"bolt11": "lnbc1..."})
			return
		}
		sawPay = true
		assert.Equal(t, "main-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "lnbc1...", body["bolt11"])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, MainAPIKey: "main-key", SplitAPIKey: "split-key", HTTPClient: server.Client()})
	err := a.SelfPayout(context.Background(), 1050, "payout", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, sawCreate)
	assert.True(t, sawPay)
}

func TestSelfPayoutCreateFailureSkipsPay(t *testing.T) {
	var sawPay bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["out"] == true {
			sawPay = true
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, MainAPIKey: "main-key", SplitAPIKey: "split-key", HTTPClient: server.Client()})
	err := a.SelfPayout(context.Background(), 1050, "payout", time.Millisecond)
	assert.Error(t, err)
	assert.False(t, sawPay)
}

func TestPushSplitTargets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/splitpayments/api/v1/targets", r.URL.Path)
		var body struct {
			Targets []SplitTarget `json:"targets"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Targets, 2)
		assert.Equal(t, 90, body.Targets[0].Percent)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, SplitAPIKey: "split-key", HTTPClient: server.Client()})
	err := a.PushSplitTargets(context.Background(), []SplitTarget{
		{Wallet: "fallback@getalby.com", Alias: "CyberHerd", Percent: 90},
		{Wallet: "a@getalby.com", Alias: "A", Percent: 10},
	})
	require.NoError(t, err)
}
