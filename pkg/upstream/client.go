// Package upstream implements the authenticated, retrying client for the
// upstream job API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/metrics"
	"github.com/abdhe/dreamina-proxy/pkg/resilience"
)

const (
	DefaultBaseURL = "https://jimeng.jianying.com"
	DefaultTimeout = 15 * time.Second

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
	maxBody   = 32 << 20
)

// Options carries the per-call parts of an upstream request.
type Options struct {
	Params  map[string]string
	Headers map[string]string
	// Body is JSON-encoded unless it is already a []byte.
	Body any
}

// Config holds the client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // per attempt
	Retry      resilience.RetryConfig
	Limiter    *rate.Limiter // optional outbound rate limit
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Client calls the upstream job API. It is safe for concurrent use; the only
// state it holds is read-only configuration and the process identity.
type Client struct {
	baseURL  string
	timeout  time.Duration
	retry    resilience.RetryConfig
	limiter  *rate.Limiter
	http     *http.Client
	now      func() time.Time
	identity Identity
	logger   zerolog.Logger
}

// NewClient creates a client presenting the given identity.
func NewClient(identity Identity, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		timeout:  cfg.Timeout,
		retry:    cfg.Retry,
		limiter:  cfg.Limiter,
		http:     cfg.HTTPClient,
		now:      cfg.Now,
		identity: identity,
		logger:   cfg.Logger.With().Str("component", "upstream").Logger(),
	}
}

// Identity returns the identity the client presents.
func (c *Client) Identity() Identity { return c.identity }

// Call sends an authenticated request and returns the data field of the
// {ret, errmsg, data} envelope. Transport failures and HTTP statuses >= 400
// are retried; envelope errors are classified and returned immediately.
func (c *Client) Call(ctx context.Context, method, path, sessionToken string, opts Options) (json.RawMessage, error) {
	payload, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.UpstreamLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	var data json.RawMessage
	err = resilience.Retry(ctx, c.retryConfig(path), func(ctx context.Context, attempt int) error {
		raw, err := c.roundTrip(ctx, method, path, sessionToken, opts, payload, attempt)
		if err != nil {
			return err
		}
		data, err = ParseEnvelope(raw)
		return err
	})
	if err != nil {
		outcome := "error"
		if apierror.IsRetryable(err) {
			outcome = "exhausted"
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(path, outcome).Inc()
		return nil, err
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(path, "ok").Inc()
	return data, nil
}

// Stream sends an authenticated request and returns the raw response without
// envelope parsing. Attempts are retried like Call until a response with a
// status below 400 arrives. The per-attempt timeout covers waiting for
// response headers only; the body lives until ctx ends or the caller closes it.
func (c *Client) Stream(ctx context.Context, method, path, sessionToken string, opts Options) (*http.Response, error) {
	payload, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	err = resilience.Retry(ctx, c.retryConfig(path), func(ctx context.Context, attempt int) error {
		resp, err = c.open(ctx, method, path, sessionToken, opts, payload, attempt)
		return err
	})
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(path, "error").Inc()
		return nil, err
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(path, "ok").Inc()
	return resp, nil
}

// open performs one Stream attempt. The returned body cancels the attempt's
// context when closed.
func (c *Client) open(parent context.Context, method, path, sessionToken string, opts Options, payload []byte, attempt int) (*http.Response, error) {
	ctx, cancel := context.WithCancel(parent)
	timer := time.AfterFunc(c.timeout, cancel)

	req, err := c.newRequest(ctx, method, path, sessionToken, opts, payload)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	resp, err := c.send(req)
	if fired := !timer.Stop(); fired && parent.Err() == nil {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, apierror.Transient(0, "", fmt.Errorf("upstream: %s: no response within %s", path, c.timeout))
	}
	if err != nil {
		cancel()
		return nil, err
	}

	c.logger.Debug().Str("method", method).Str("path", path).Int("attempt", attempt).
		Int("status", resp.StatusCode).Msg("upstream stream opened")

	if _, bad := apierror.ClassifyStatus(resp.StatusCode); bad {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, apierror.Transient(resp.StatusCode, string(raw), nil)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) retryConfig(path string) resilience.RetryConfig {
	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error) {
		metrics.UpstreamRetriesTotal.WithLabelValues(path).Inc()
		c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).
			Dur("delay", cfg.Delay).Msg("upstream call failed, retrying")
	}
	return cfg
}

// roundTrip performs one attempt with its own timeout and returns the body.
func (c *Client) roundTrip(ctx context.Context, method, path, sessionToken string, opts Options, payload []byte, attempt int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, sessionToken, opts, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, apierror.Transient(resp.StatusCode, "", fmt.Errorf("read body: %w", err))
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("attempt", attempt).
		Int("status", resp.StatusCode).Int("bytes", len(raw)).Msg("upstream response")

	if _, bad := apierror.ClassifyStatus(resp.StatusCode); bad {
		return nil, apierror.Transient(resp.StatusCode, string(raw), nil)
	}
	return raw, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("upstream: rate limit wait: %w", err)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if apierror.IsTransientTransport(err) {
			return nil, apierror.Transient(0, "", err)
		}
		return nil, fmt.Errorf("upstream: do request: %w", err)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, sessionToken string, opts Options, payload []byte) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse url: %w", err)
	}
	query := u.Query()
	query.Set("aid", AppID)
	query.Set("device_platform", "web")
	query.Set("region", Region)
	query.Set("webId", c.identity.WebID)
	query.Set("da_version", DAVersion)
	query.Set("web_version", WebVersion)
	query.Set("aigc_features", "app_lip_sync")
	for k, v := range opts.Params {
		query.Set(k, v)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}

	now := c.now()
	deviceTime := now.Unix()
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Appid", AppID)
	req.Header.Set("Appvr", VersionCode)
	req.Header.Set("Pf", PlatformCode)
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cookie", c.identity.Cookie(sessionToken, now))
	req.Header.Set("Device-Time", strconv.FormatInt(deviceTime, 10))
	req.Header.Set("Sign", CallSign(u.Path, deviceTime))
	req.Header.Set("Sign-Ver", "1")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("upstream: marshal body: %w", err)
		}
		return payload, nil
	}
}

// ParseEnvelope unwraps a {ret, errmsg, data} body. A ret of "0" (string or
// number) yields data; any other numeric ret is classified by apierror.
// Bodies without a numeric ret are returned unchanged.
func ParseEnvelope(raw []byte) (json.RawMessage, error) {
	var env struct {
		Ret    json.RawMessage `json:"ret"`
		Errmsg string          `json:"errmsg"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apierror.UpstreamLogic(raw, "decode response: %v", err)
	}

	ret, ok := retCode(env.Ret)
	if !ok {
		return raw, nil
	}
	if ret == "0" {
		return env.Data, nil
	}
	return nil, apierror.ClassifyEnvelope(ret, env.Errmsg, raw)
}

// retCode normalises ret to its decimal string form. ok is false when ret is
// absent or not numeric.
func retCode(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}
