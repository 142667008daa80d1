// Package rpc is a minimal JSON-RPC 2.0 client for the two node methods the
// delivery core needs: sendTransaction and getSignatureStatuses.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"txrelay/internal/task/retry"
	"txrelay/internal/transport"
	"txrelay/internal/txn"
)

var ErrNoEndpoint = errors.New("rpc: endpoint not configured")

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type Config struct {
	Endpoint   string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Headers    map[string]string
}

type Client struct {
	endpoint string
	headers  map[string]string
	hc       *http.Client
	limiter  *rate.Limiter
	seq      atomic.Uint64
}

var (
	_ transport.Sender       = (*Client)(nil)
	_ transport.StatusReader = (*Client)(nil)
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	ep := strings.TrimSpace(cfg.Endpoint)
	if ep == "" {
		return nil, ErrNoEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{endpoint: ep, headers: cfg.Headers, hc: &http.Client{Timeout: timeout}}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type sendOpts struct {
	Encoding      string `json:"encoding"`
	SkipPreflight bool   `json:"skipPreflight"`
	MaxRetries    int    `json:"maxRetries"`
}

// SendRaw submits legacy wire bytes with preflight skipped and node retries
// disabled.
func (c *Client) SendRaw(ctx context.Context, raw []byte) (string, error) {
	return c.send(ctx, txn.Signed{Raw: raw})
}

// Send submits a versioned transaction. The node accepts both formats through
// the same method; the split mirrors the Sender contract.
func (c *Client) Send(ctx context.Context, tx txn.Signed) (string, error) {
	return c.send(ctx, tx)
}

func (c *Client) send(ctx context.Context, tx txn.Signed) (string, error) {
	var sig string
	err := c.call(ctx, "sendTransaction", []any{
		tx.Base64(),
		sendOpts{Encoding: "base64", SkipPreflight: true, MaxRetries: 0},
	}, &sig)
	return sig, err
}

type statusValue struct {
	Slot               uint64  `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	ConfirmationStatus string  `json:"confirmationStatus"`
	Err                any     `json:"err"`
}

// SignatureStatuses returns one entry per id, in order.
func (c *Client) SignatureStatuses(ctx context.Context, ids []string) ([]transport.SignatureStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var res struct {
		Value []*statusValue `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", []any{ids, map[string]bool{"searchTransactionHistory": false}}, &res); err != nil {
		return nil, err
	}
	out := make([]transport.SignatureStatus, len(ids))
	for i := range ids {
		if i >= len(res.Value) || res.Value[i] == nil {
			continue
		}
		v := res.Value[i]
		out[i] = transport.SignatureStatus{
			Found:              true,
			Slot:               v.Slot,
			Confirmations:      v.Confirmations,
			ConfirmationStatus: v.ConfirmationStatus,
			Err:                v.Err,
		}
	}
	return out, nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) (retErr error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		err := fmt.Errorf("%s: rpc status %d", method, resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("%s: rpc status %d", method, resp.StatusCode)
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("%s: %w", method, decoded.Error)
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}
