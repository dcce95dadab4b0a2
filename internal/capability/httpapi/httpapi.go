// Package httpapi calls a JSON-over-HTTP payment provider.
package httpapi

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
	"time"

	"payrelay/internal/capability"
	"payrelay/internal/jobs"
	logx "payrelay/pkg/logx"
)

// Paths maps each payment kind to the provider endpoint it posts to.
var Paths = map[jobs.Kind]string{
	jobs.KindPaymentCharge: "/v1/charges",
	jobs.KindPaymentRefund: "/v1/refunds",
	jobs.KindPaymentStatus: "/v1/status",
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	base string
	http *http.Client
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("payment provider base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.Named("capability.httpapi"),
		now:  time.Now,
	}, nil
}

type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Execute implements capability.Capability for the payment kinds.
func (c *Client) Execute(ctx context.Context, req capability.Request) error {
	path, ok := Paths[req.Kind]
	if !ok {
		return capability.Permanent(fmt.Errorf("%w: %s", capability.ErrUnknownKind, req.Kind))
	}
	body := req.Payload
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return capability.WithCode(capability.Permanent(errors.New("payload is not valid JSON")), "bad_payload")
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return capability.Permanent(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	hreq.Header.Set("X-Merchant-ID", req.MerchantID)
	if req.Credentials.Secret != "" {
		hreq.Header.Set("Authorization", "Bearer "+req.Credentials.Secret)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return capability.Transient(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var pe providerError
	_ = json.Unmarshal(raw, &pe)
	code := pe.Code
	if code == "" {
		code = "http_" + strconv.Itoa(resp.StatusCode)
	}
	msg := strings.TrimSpace(pe.Message)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	err = fmt.Errorf("provider %s: %d %s", path, resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return capability.WithCode(capability.RetryAfter(err, c.retryAfter(resp.Header.Get("Retry-After"))), code)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		if d := c.retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return capability.WithCode(capability.RetryAfter(err, d), code)
		}
		return capability.WithCode(capability.Transient(err), code)
	default:
		return capability.WithCode(capability.Permanent(err), code)
	}
}

// retryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable values yield 0.
func (c *Client) retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(c.now()); d > 0 {
			return d
		}
	}
	return 0
}
