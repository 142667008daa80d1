// Package relay posts signed transactions to an auxiliary HTTP relay. The
// relay is a best-effort side channel: callers log its errors and move on.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	logx "txrelay/pkg/logx"
)

var (
	ErrCircuitOpen = errors.New("relay: circuit open")
	ErrRateLimited = errors.New("relay: rate limited")
	ErrNoURL       = errors.New("relay: url not configured")
)

type Config struct {
	URL        string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Headers    map[string]string
	Circuit    CircuitConfig
}

type Client struct {
	url     string
	headers map[string]string
	hc      *http.Client
	limiter *rate.Limiter
	breaker *circuit
	clk     clock.Clock
	log     logx.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clk = clk
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(c *Client) { c.log = l } }

func New(cfg Config, opts ...Option) (*Client, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, ErrNoURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		url:     u,
		headers: cfg.Headers,
		hc:      &http.Client{Timeout: timeout},
		breaker: newCircuit(cfg.Circuit),
		clk:     clock.New(),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c, nil
}

type payload struct {
	Data []string `json:"data"`
}

// Relay posts {"data":["<base64>"]} to the relay URL. Any 2xx counts as
// accepted; the body is ignored.
func (c *Client) Relay(ctx context.Context, raw []byte) error {
	now := c.clk.Now()
	if open, until := c.breaker.open(now); open {
		return fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
	}
	if c.limiter != nil && !c.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}

	err := c.post(ctx, raw)
	if ctx.Err() == nil {
		c.breaker.record(c.clk.Now(), err)
	}
	return err
}

func (c *Client) post(ctx context.Context, raw []byte) (retErr error) {
	body, err := json.Marshal(payload{Data: []string{base64.StdEncoding.EncodeToString(raw)}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
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
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay status %d", resp.StatusCode)
	}
	return nil
}
