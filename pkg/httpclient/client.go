// Package httpclient is the shared retrying HTTP client used by every
// backend connector. It honours Retry-After on 429, retries transient 5xx
// once with a short delay, and surfaces rate-limit information to the
// dispatcher through RetryableError.
package httpclient

import (
	"crypto/tls"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"
)

type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

// RateLimitInfo is what a provider's rate-limit headers tell us.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

type RateLimitHeaderParser func(http.Header) RateLimitInfo

type RetryStrategyFunc func(statusCode int) RetryStrategy

type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) { c.strategyFunc = strategyFunc }
}

// WithTimeout replaces the underlying client with one bounded by timeout,
// keeping the shared transport.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.client = &http.Client{Transport: sharedTransport, Timeout: timeout}
	}
}

// sharedTransport is the keep-alive connection pool all connectors share.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   20,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Transport: sharedTransport, Timeout: 120 * time.Second},
		maxRetries:   2,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do performs the request with the configured retry policy. Non-2xx final
// responses are returned together with a *RetryableError or *StatusError so
// callers can read the error body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, &StatusError{Message: "failed to recreate request body for retry", Err: err}
			}
			req.Body = body
		}

		resp, strategy, retryInfo, err := c.attemptRequest(req)

		if strategy == NoRetry || err == nil {
			return resp, err
		}

		delay := c.calculateDelay(strategy, attempt, retryInfo)

		if attempt >= c.maxRetries || delay < 0 {
			if resp != nil {
				return resp, &RetryableError{
					StatusCode: resp.StatusCode,
					Message:    "retries exhausted",
					RetryAfter: retryInfo.RetryAfter,
					Err:        err,
				}
			}
			return nil, err
		}

		if resp != nil {
			_ = resp.Body.Close()
			slog.Warn("upstream request failed, retrying",
				"status", resp.StatusCode, "delay", delay, "attempt", attempt+1)
		} else {
			slog.Warn("upstream request failed, retrying",
				"error", err, "delay", delay, "attempt", attempt+1)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &RetryableError{Message: "max retries exceeded"}
}

func (c *Client) attemptRequest(req *http.Request) (*http.Response, RetryStrategy, RateLimitInfo, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		// Network errors retry conservatively when the body can be replayed.
		if req.GetBody != nil {
			return nil, ConservativeRetry, RateLimitInfo{}, err
		}
		return nil, NoRetry, RateLimitInfo{}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, RateLimitInfo{}, nil
	}

	var retryInfo RateLimitInfo
	if c.headerParser != nil {
		retryInfo = c.headerParser(resp.Header)
	}

	strategy := c.strategyFunc(resp.StatusCode)
	if strategy == NoRetry {
		return resp, NoRetry, retryInfo, &StatusError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			RetryAfter: retryInfo.RetryAfter,
		}
	}

	return resp, strategy, retryInfo, &RetryableError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		RetryAfter: retryInfo.RetryAfter,
	}
}

// calculateDelay returns the wait before the next attempt; negative means
// give up now.
func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, retryInfo RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if retryInfo.RetryAfter > 0 {
			return retryInfo.RetryAfter
		}
		if retryInfo.ResetTime > 0 {
			if delay := time.Until(time.Unix(retryInfo.ResetTime, 0)); delay > 0 {
				return delay
			}
		}
		exponential := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(float64(exponential) * 0.1)
		return exponential + jitter

	case ConservativeRetry:
		if attempt >= 1 {
			return -1
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return -1
	}
}
