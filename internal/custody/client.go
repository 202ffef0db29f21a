// Package custody is a client for the wallet custody HTTP API (BitGo v2 style).
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cashbridge/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryDelay = 500 * time.Millisecond
)

// APIError is a non-2xx response from the custody API.
type APIError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"error"`
	RequestID  string `json:"requestId"`
}

func (e *APIError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("custody api %d %s: %s", e.StatusCode, e.Name, e.Message)
	}
	return fmt.Sprintf("custody api %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may be repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the custody API with a bearer access token.
type Client struct {
	baseURL    string
	token      string
	passphrase string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithWalletPassphrase sets the passphrase used to sign sends.
func WithWalletPassphrase(p string) Option {
	return func(c *Client) {
		c.passphrase = p
	}
}

// WithMaxRetries sets retry attempts for read requests. Sends are never retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the delay between read retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// NewClient creates a custody API client. baseURL is e.g. https://app.bitgo-test.com.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendRequest is a single-output payout.
type SendRequest struct {
	Coin     string
	WalletID string
	Address  string
	// BaseUnits is the amount in the coin's smallest unit.
	BaseUnits decimal.Decimal
}

// SendResult is the custody API's acknowledgement of a send.
type SendResult struct {
	TxID   string
	Status string
	// TransferID identifies the transfer when it awaits approval and has no txid yet.
	TransferID string
}

// Reference returns the identifier to store as the settlement reference.
func (r *SendResult) Reference() string {
	if r.TxID != "" {
		return r.TxID
	}
	return r.TransferID
}

type sendCoinsBody struct {
	Address          string `json:"address"`
	Amount           string `json:"amount"`
	WalletPassphrase string `json:"walletPassphrase,omitempty"`
}

type sendCoinsResponse struct {
	TxID     string `json:"txid"`
	Status   string `json:"status"`
	Transfer *struct {
		ID    string `json:"id"`
		State string `json:"state"`
	} `json:"transfer"`
	PendingApproval *struct {
		ID string `json:"id"`
	} `json:"pendingApproval"`
}

// SendCoins submits a payout. It is attempted exactly once.
func (c *Client) SendCoins(ctx context.Context, req SendRequest) (*SendResult, error) {
	if !req.BaseUnits.IsPositive() || !req.BaseUnits.Equal(req.BaseUnits.Truncate(0)) {
		return nil, fmt.Errorf("amount must be a positive whole number of base units, got %s", req.BaseUnits)
	}

	body := sendCoinsBody{
		Address:          req.Address,
		Amount:           req.BaseUnits.StringFixed(0),
		WalletPassphrase: c.passphrase,
	}

	start := time.Now()
	defer func() {
		observability.RecordRPCLatency("custody", "sendcoins", time.Since(start).Seconds())
	}()

	var resp sendCoinsResponse
	if err := c.do(ctx, http.MethodPost, walletPath(req.Coin, req.WalletID, "sendcoins"), body, &resp); err != nil {
		return nil, err
	}

	result := &SendResult{TxID: resp.TxID, Status: resp.Status}
	if resp.Transfer != nil {
		result.TransferID = resp.Transfer.ID
		if result.Status == "" {
			result.Status = resp.Transfer.State
		}
	}
	if result.TransferID == "" && resp.PendingApproval != nil {
		result.TransferID = resp.PendingApproval.ID
		result.Status = "pendingApproval"
	}
	if result.Reference() == "" {
		return nil, fmt.Errorf("send accepted without txid or transfer id")
	}
	return result, nil
}

// Balance is a wallet balance in base units.
type Balance struct {
	Confirmed decimal.Decimal
	Spendable decimal.Decimal
}

type walletResponse struct {
	ID                     string `json:"id"`
	Coin                   string `json:"coin"`
	BalanceString          string `json:"balanceString"`
	ConfirmedBalanceString string `json:"confirmedBalanceString"`
	SpendableBalanceString string `json:"spendableBalanceString"`
}

// WalletBalance reads the wallet's balances. Transient failures are retried.
func (c *Client) WalletBalance(ctx context.Context, coin, walletID string) (*Balance, error) {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency("custody", "wallet_balance", time.Since(start).Seconds())
	}()

	var resp walletResponse
	delay := c.retryDelay
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err = c.do(ctx, http.MethodGet, walletPath(coin, walletID, ""), nil, &resp)
		if err == nil || !retryable(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	confirmed, err := parseBaseUnits(firstNonEmpty(resp.ConfirmedBalanceString, resp.BalanceString))
	if err != nil {
		return nil, fmt.Errorf("confirmed balance: %w", err)
	}
	spendable, err := parseBaseUnits(resp.SpendableBalanceString)
	if err != nil {
		return nil, fmt.Errorf("spendable balance: %w", err)
	}
	return &Balance{Confirmed: confirmed, Spendable: spendable}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func walletPath(coin, walletID, action string) string {
	p := "/api/v2/" + url.PathEscape(coin) + "/wallet/" + url.PathEscape(walletID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func retryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable()
	}
	// transport errors
	return true
}

func parseBaseUnits(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
