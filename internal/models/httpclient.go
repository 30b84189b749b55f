// internal/models/httpclient.go
package models

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries   int // retries after the first attempt
	InitialDelay time.Duration
	Base         float64
	MaxDelay     time.Duration
	Jitter       float64 // delay is scaled by a uniform factor in [1-Jitter, 1+Jitter]
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Base:         2,
		MaxDelay:     30 * time.Second,
		Jitter:       0.25,
	}
}

// Backoff returns the wait before retry number attempt (0-indexed).
// An upstream retry-after hint takes precedence; both are capped at MaxDelay.
func (c RetryConfig) Backoff(attempt int, retryAfter time.Duration, random func() float64) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, c.MaxDelay)
	}

	base := c.Base
	if base < 1 {
		base = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(base, float64(attempt))
	if c.Jitter > 0 && random != nil {
		delay *= 1 - c.Jitter + 2*c.Jitter*random()
	}
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// TimeoutConfig bounds a single endpoint call
type TimeoutConfig struct {
	Connect time.Duration
	Request time.Duration // whole call, including reading a stream
}

// DefaultTimeoutConfig returns sensible defaults
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Connect: 10 * time.Second,
		Request: 120 * time.Second,
	}
}

// newHTTPClient builds a client whose only deadline is the dial/TLS phase.
// The per-call deadline is applied through the request context so streams
// can be cancelled mid-body.
func newHTTPClient(t TimeoutConfig) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   t.Connect,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   t.Connect,
			ResponseHeaderTimeout: t.Request,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   16,
		},
	}
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func jitterSource() float64 {
	return rand.Float64()
}

// NewRequestWithBody creates a new HTTP request with the given body bytes
// The body is stored so it can be re-read on retry
func NewRequestWithBody(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Body, _ = req.GetBody()
	req.ContentLength = int64(len(body))
	return req, nil
}
