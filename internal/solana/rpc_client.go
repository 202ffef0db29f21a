package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"cashbridge/internal/observability"
)

const (
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultCommitment = "confirmed"

	maxRetryDelay = 8 * time.Second
	maxBodyBytes  = 1 << 20
)

// HTTPClient is a JSON-RPC 2.0 client for balance reads. Transport errors,
// 429 and 5xx responses are retried with doubling delay; RPC errors are not.
type HTTPClient struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	commitment string
	requestID  atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithMaxRetries sets the retries after the first attempt.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) { c.maxRetries = n }
}

// WithRetryDelay sets the first retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.retryDelay = d }
}

// WithCommitment sets the commitment level for balance reads.
func WithCommitment(level string) ClientOption {
	return func(c *HTTPClient) { c.commitment = level }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) { c.client = client }
}

// NewHTTPClient creates a client for endpoint.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		commitment: DefaultCommitment,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("solana rpc error %d: %s", e.Code, e.Message)
}

// errRetryable marks an attempt failure worth another try.
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }
func (e errRetryable) Unwrap() error { return e.err }

// GetBalance returns the lamport balance of pubkey.
func (c *HTTPClient) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{pubkey, map[string]any{"commitment": c.commitment}}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, fmt.Errorf("getBalance %s: %w", pubkey, err)
	}
	return result.Value, nil
}

// Health calls getHealth. A node that is behind answers with an RPC error.
func (c *HTTPClient) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("solana node unhealthy: %q", status)
	}
	return nil
}

func (c *HTTPClient) call(ctx context.Context, method string, params []any, result any) error {
	defer func(start time.Time) {
		observability.RecordRPCLatency("solana", method, time.Since(start).Seconds())
	}(time.Now())

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	delay := c.retryDelay
	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, body, result)
		var retry errRetryable
		if err == nil || !errors.As(err, &retry) {
			return err
		}
		if attempt >= c.maxRetries {
			return fmt.Errorf("%s failed after %d attempts: %w", method, attempt+1, retry.err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func (c *HTTPClient) attempt(ctx context.Context, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errRetryable{fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errRetryable{fmt.Errorf("read response: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errRetryable{fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}
