package custody

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCoins(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/tbtc/wallet/w-1/sendcoins", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tb1qaddr", body["address"])
		assert.Equal(t, "123456", body["amount"])
		assert.Equal(t, "pass", body["walletPassphrase"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"txid":"abc123","status":"signed","transfer":{"id":"tr-1","state":"signed"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", WithWalletPassphrase("pass"))
	res, err := c.SendCoins(context.Background(), SendRequest{
		Coin:      "tbtc",
		WalletID:  "w-1",
		Address:   "tb1qaddr",
		BaseUnits: decimal.NewFromInt(123456),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.Reference())
	assert.Equal(t, "tr-1", res.TransferID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendCoins_PendingApproval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pendingApproval":{"id":"pa-9"}}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "t").SendCoins(context.Background(), SendRequest{
		Coin: "teth", WalletID: "w", Address: "0xabc", BaseUnits: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "pa-9", res.Reference())
	assert.Equal(t, "pendingApproval", res.Status)
}

func TestSendCoins_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"wallet locked","name":"WalletLocked","requestId":"r1"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t").SendCoins(context.Background(), SendRequest{
		Coin: "tbtc", WalletID: "w", Address: "a", BaseUnits: decimal.NewFromInt(10),
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "wallet locked", apiErr.Message)
	assert.Equal(t, "WalletLocked", apiErr.Name)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendCoins_RejectsFractionalBaseUnits(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "t")

	_, err := c.SendCoins(context.Background(), SendRequest{BaseUnits: decimal.RequireFromString("1.5")})
	assert.Error(t, err)

	_, err = c.SendCoins(context.Background(), SendRequest{BaseUnits: decimal.Zero})
	assert.Error(t, err)
}

func TestWalletBalance_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/tltc/wallet/w-2", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"w-2","coin":"tltc","balanceString":"900000000","spendableBalanceString":"850000000"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", WithRetryDelay(time.Millisecond))
	bal, err := c.WalletBalance(context.Background(), "tltc", "w-2")
	require.NoError(t, err)
	assert.True(t, bal.Confirmed.Equal(decimal.NewFromInt(900000000)))
	assert.True(t, bal.Spendable.Equal(decimal.NewFromInt(850000000)))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWalletBalance_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("unauthorized"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t", WithRetryDelay(time.Millisecond)).WalletBalance(context.Background(), "btc", "w")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unauthorized", apiErr.Message)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}
