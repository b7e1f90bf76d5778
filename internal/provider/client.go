// Package provider issues rate-limited calls against external data providers and turns
// throttling responses into rescheduled work instead of failures.
package provider

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sync-control-plane/internal/backoff"
	"sync-control-plane/internal/config"
	"sync-control-plane/internal/ratelimit"
	"sync-control-plane/internal/telemetry"
)

// BlockedFloorSeconds is the minimum pause after a provider IP block.
const BlockedFloorSeconds = 300

const maxErrorBody = 512

// WorkUnit is the piece of queued work a call is made on behalf of. Release hands it
// back to the queue to become eligible again after delay.
type WorkUnit interface {
	JobName() string
	Release(ctx context.Context, delay time.Duration) error
}

type sendHookKey struct{}

// WithSendHook returns a context under which Do calls fn each time a request is put on
// the wire. Calls turned away by the rate budget, or never built, are not reported.
func WithSendHook(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, sendHookKey{}, fn)
}

func sending(ctx context.Context) {
	if fn, ok := ctx.Value(sendHookKey{}).(func()); ok && fn != nil {
		fn()
	}
}

// Response is a successful provider response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client talks to one provider.
type Client struct {
	name    string
	cfg     config.Provider
	http    *http.Client
	limiter ratelimit.Limiter
	calc    *backoff.Calculator
	log     zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

func WithLimiter(l ratelimit.Limiter) Option      { return func(c *Client) { c.limiter = l } }
func WithCalculator(b *backoff.Calculator) Option { return func(c *Client) { c.calc = b } }
func WithLogger(l zerolog.Logger) Option          { return func(c *Client) { c.log = l } }
func WithHTTPClient(h *http.Client) Option        { return func(c *Client) { c.http = h } }

// New builds a client for the named provider. cfg is expected to carry defaults already
// (see config.Config.Provider).
func New(name string, cfg config.Provider, opts ...Option) *Client {
	c := &Client{
		name:    name,
		cfg:     cfg,
		limiter: ratelimit.Unlimited{},
		calc:    backoff.Default(),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = newHTTPClient(cfg.ConnectTimeout, cfg.Timeout)
	}
	return c
}

func newHTTPClient(connect, total time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connect}
	return &http.Client{
		Timeout: total,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: connect,
			MaxIdleConnsPerHost: 4,
		},
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// Do performs one call. It returns the response on success, (nil, nil) when the unit
// was rescheduled and the caller must stop, or an error for any other failure.
// unit may be nil for calls made outside queued work; throttling then surfaces as a
// *ThrottledError instead of a release.
func (c *Client) Do(ctx context.Context, unit WorkUnit, req Request) (*Response, error) {
	wait, err := c.limiter.Take(ctx, "rl:provider:"+c.name)
	if err != nil {
		return nil, fmt.Errorf("%s: rate budget: %w", c.name, err)
	}
	if wait > 0 {
		telemetry.RateBudgetRejects.WithLabelValues(c.name).Inc()
		delay := int(math.Ceil(wait.Seconds()))
		return nil, c.reschedule(ctx, unit, 0, "budget", delay)
	}

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}
	sending(ctx)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: send: %w", c.name, err)
	}
	defer resp.Body.Close()

	outcome := Classify(resp.StatusCode, c.cfg.IPBlockOn403)
	telemetry.ProviderResponses.WithLabelValues(c.name, outcome.String()).Inc()

	switch outcome {
	case Success:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: read body: %w", c.name, err)
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	case RateLimited:
		hint := backoff.ParseRetryAfter(resp.Header.Get("Retry-After"))
		delay := c.calc.Delay(hint, c.cfg.RetryAfterFallback, c.cfg.RetryAfterCap, backoff.JitterRateLimited)
		return nil, c.reschedule(ctx, unit, resp.StatusCode, outcome.String(), delay)
	case Overloaded:
		delay := c.calc.Delay(nil, c.cfg.RetryAfterFallback, c.cfg.RetryAfterCap, backoff.JitterOverloaded)
		return nil, c.reschedule(ctx, unit, resp.StatusCode, outcome.String(), delay)
	case Blocked:
		delay := c.calc.Delay(nil, BlockedFloorSeconds, BlockedFloorSeconds, backoff.JitterOverloaded)
		return nil, c.reschedule(ctx, unit, resp.StatusCode, outcome.String(), delay)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Provider: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

func (c *Client) reschedule(ctx context.Context, unit WorkUnit, status int, reason string, delaySeconds int) error {
	if unit == nil {
		telemetry.Reschedules.WithLabelValues(c.name, reason).Inc()
		return &ThrottledError{Provider: c.name, StatusCode: status, Reason: reason, Delay: time.Duration(delaySeconds) * time.Second}
	}
	c.log.Warn().
		Str("job", unit.JobName()).
		Str("provider", c.name).
		Int("status", status).
		Str("reason", reason).
		Int("delay_seconds", delaySeconds).
		Msg("provider throttled, releasing work unit")
	telemetry.Reschedules.WithLabelValues(c.name, reason).Inc()
	if err := unit.Release(ctx, time.Duration(delaySeconds)*time.Second); err != nil {
		return fmt.Errorf("%s: release %s: %w", c.name, unit.JobName(), err)
	}
	return nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := strings.TrimRight(c.cfg.Endpoint, "/")
	if req.Path != "" {
		target += "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	return httpReq, nil
}
