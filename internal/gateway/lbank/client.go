// Package lbank implements the exchange gateway against the LBank futures
// (contract) REST API.
//
// Base URL: https://lbkperp.lbank.com
// Auth: HmacSHA256 over MD5(sorted query).upper(), keys in signed params,
// timestamp/echostr repeated in headers.
package lbank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"sigflow/internal/gateway/exchange"
	"sigflow/internal/logger"
	"sigflow/internal/pkg/backoff"
	"sigflow/internal/pkg/circuit"
)

const (
	DefaultBaseURL = "https://lbkperp.lbank.com"

	// USDT-margined perpetuals.
	productGroup = "SwapU"

	signatureMethod = "HmacSHA256"
	requestTimeout  = 30 * time.Second
)

type Config struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	// MaxRetries bounds transient retries per call. Zero defaults to 3.
	MaxRetries int
}

// client is the low-level REST layer: signing, retries, the circuit
// breaker, and the response envelope. The Gateway methods sit on top.
type client struct {
	cfg     Config
	http    *http.Client
	breaker *circuit.Breaker
}

func newClient(cfg Config) *client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &client{
		cfg:     cfg,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: circuit.New("lbank", 5, 30*time.Second),
	}
}

func (c *client) authParams(params map[string]string) (map[string]string, map[string]string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	echostr := randomEchostr()

	params["api_key"] = c.cfg.APIKey
	params["signature_method"] = signatureMethod
	params["timestamp"] = ts
	params["echostr"] = echostr
	sig := sign(params, c.cfg.SecretKey)
	params["sign"] = sig

	headers := map[string]string{
		"Content-Type":     "application/json",
		"timestamp":        ts,
		"signature_method": signatureMethod,
		"echostr":          echostr,
	}
	return params, headers
}

// post sends a signed JSON POST and returns the raw body. Transient
// failures are retried with backoff; anything else comes back typed.
// Retries only happen when the request demonstrably never reached the
// exchange. A failure after the request went out is Unknown, never retried:
// retrying an ambiguous order placement can double-fill.
func (c *client) post(ctx context.Context, path string, params map[string]string, idempotent bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &exchange.Failure{Kind: exchange.Transient, Message: "context cancelled", Err: ctx.Err()}
			case <-time.After(backoff.Delay(attempt - 1)):
			}
		}
		if !c.breaker.Allow() {
			return nil, &exchange.Failure{Kind: exchange.Transient, Message: "circuit breaker open"}
		}

		body, err := c.doPost(ctx, path, params)
		if err == nil {
			c.breaker.Success()
			return body, nil
		}
		c.breaker.Failure()

		f := exchange.AsFailure(err)
		retriable := f.Kind == exchange.Transient || (idempotent && f.Kind == exchange.Unknown)
		if !retriable {
			return nil, err
		}
		lastErr = err
		logger.Warnf("lbank: %s attempt %d failed: %v", path, attempt+1, err)
	}
	return nil, lastErr
}

func (c *client) doPost(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	signed, headers := c.authParams(cloneParams(params))
	payload, err := json.Marshal(signed)
	if err != nil {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "build request", Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exchange.Failure{Kind: exchange.Unknown, Message: "read response", Err: err}
	}
	return classifyResponse(resp.StatusCode, body)
}

// get sends an unauthenticated GET for public endpoints.
func (c *client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "build request", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exchange.Failure{Kind: exchange.Unknown, Message: "read response", Err: err}
	}
	return classifyResponse(resp.StatusCode, body)
}

// classifyTransport sorts a round-trip error into the failure taxonomy.
// Connection refusals and DNS failures happen before anything reached the
// exchange, so they are Transient. A timeout can fire after the request
// went out, which makes its effect ambiguous.
func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &exchange.Failure{Kind: exchange.Unknown, Message: "request timeout", Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &exchange.Failure{Kind: exchange.Transient, Message: "connect: " + opErr.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &exchange.Failure{Kind: exchange.Unknown, Message: "request timeout", Err: err}
	}
	return &exchange.Failure{Kind: exchange.Transient, Message: err.Error(), Err: err}
}

// classifyResponse checks both the HTTP status and the API envelope.
// LBank wraps results as {"result": true/false, "error_code": N, "data": ...}.
func classifyResponse(status int, body []byte) ([]byte, error) {
	switch {
	case status == http.StatusTooManyRequests:
		return nil, &exchange.Failure{Kind: exchange.Transient, Code: "429", Message: "rate limited"}
	case status >= 500:
		// The exchange may have processed the request before failing.
		return nil, &exchange.Failure{Kind: exchange.Unknown, Code: strconv.Itoa(status), Message: "server error"}
	case status >= 400:
		return nil, &exchange.Failure{Kind: exchange.Rejected, Code: strconv.Itoa(status), Message: string(body)}
	}

	result := gjson.GetBytes(body, "result")
	if result.Exists() && !isTrue(result) {
		code := gjson.GetBytes(body, "error_code").String()
		msg := gjson.GetBytes(body, "msg").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "message").String()
		}
		if msg == "" {
			msg = string(body)
		}
		return nil, &exchange.Failure{Kind: exchange.Rejected, Code: code, Message: msg}
	}
	return body, nil
}

// isTrue accepts the envelope's result field in both its boolean and its
// string spelling; the API is not consistent across endpoints.
func isTrue(r gjson.Result) bool {
	if r.Type == gjson.True {
		return true
	}
	return r.Type == gjson.String && r.String() == "true"
}

func cloneParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+5)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func baseParams() map[string]string {
	return map[string]string{"productGroup": productGroup}
}

func fmtErr(op string, err error) error {
	return fmt.Errorf("lbank %s: %w", op, err)
}
