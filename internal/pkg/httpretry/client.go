// Package httpretry provides an HTTP client wrapper with retry, backoff,
// rate-limit header honouring, and minimum inter-request spacing. Both
// provider clients (MLP and DDS) share it so retry policy lives in exactly
// one place.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy controls retry and pacing behaviour of a RetryClient.
type Policy struct {
	// MaxRetries is the number of retry attempts after the initial request.
	MaxRetries int
	// BaseDelay is the unit of linear backoff: attempt N waits BaseDelay*N.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration
	// Jitter, in [0,1], randomizes each delay by ±Jitter*delay.
	Jitter float64
	// HonourRateHeaders makes the client read X-RateLimit-Remaining and
	// X-RateLimit-Reset and hold the next request until the reset time
	// when the remaining budget is exhausted.
	HonourRateHeaders bool
	// MinInterval enforces a minimum spacing between consecutive requests
	// issued through this client. Zero disables pacing.
	MinInterval time.Duration
}

// DefaultPolicy matches the provider contract: 3 retries, linear 1s backoff,
// rate-limit headers honoured, 1 request per second pacing.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		Jitter:            0.1,
		HonourRateHeaders: true,
		MinInterval:       1 * time.Second,
	}
}

// Sleeper abstracts time.Sleep so tests can run without wall-clock waits.
type Sleeper func(d time.Duration)

// RetryClient wraps an HTTPDoer with retry and pacing logic.
// Safe for concurrent use; pacing and rate-limit state are shared across
// goroutines using the same client.
type RetryClient struct {
	client HTTPDoer
	policy Policy
	sleep  Sleeper
	now    func() time.Time

	mu          sync.Mutex
	lastRequest time.Time
	holdUntil   time.Time // rate-limit reset gate
}

// New creates a RetryClient around the given HTTPDoer. If client is nil a
// default http.Client with a 30s timeout is used.
func New(client HTTPDoer, policy Policy) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	return &RetryClient{
		client: client,
		policy: policy,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// SetSleeper replaces the sleep function (tests).
func (rc *RetryClient) SetSleeper(s Sleeper) { rc.sleep = s }

// SetClock replaces the time source (tests).
func (rc *RetryClient) SetClock(now func() time.Time) { rc.now = now }

// Do executes the request with pacing and retry. Retryable conditions are
// transient network errors and status 429/500/502/503/504. Client errors
// (4xx except 429) return the response as-is so the caller can classify
// them. The final retryable response is also returned as-is.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.policy.MaxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}
			delay := rc.backoff(attempt)
			log.Printf("[httpretry] retry %d/%d for %s %s%s (waiting %s)",
				attempt, rc.policy.MaxRetries, req.Method, req.URL.Host, req.URL.Path, delay)
			if !rc.sleepCtx(req, delay) {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		if !rc.pace(req) {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		rc.observeRateHeaders(resp)

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == rc.policy.MaxRetries {
			return resp, nil
		}

		// 429 carries the authoritative wait in its headers; the generic
		// backoff still applies on top via the holdUntil gate.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// pace blocks until both the minimum inter-request interval and any
// rate-limit hold have elapsed. Returns false if the context was cancelled
// while waiting.
func (rc *RetryClient) pace(req *http.Request) bool {
	rc.mu.Lock()
	now := rc.now()
	wait := time.Duration(0)
	if rc.policy.MinInterval > 0 && !rc.lastRequest.IsZero() {
		if d := rc.policy.MinInterval - now.Sub(rc.lastRequest); d > wait {
			wait = d
		}
	}
	if rc.policy.HonourRateHeaders && rc.holdUntil.After(now) {
		if d := rc.holdUntil.Sub(now); d > wait {
			wait = d
		}
	}
	rc.lastRequest = now.Add(wait)
	rc.mu.Unlock()

	if wait <= 0 {
		return true
	}
	return rc.sleepCtx(req, wait)
}

// observeRateHeaders records the remaining budget and reset time so the
// next request can hold until the window reopens.
func (rc *RetryClient) observeRateHeaders(resp *http.Response) {
	if !rc.policy.HonourRateHeaders {
		return
	}
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil || n > 0 {
		return
	}

	var until time.Time
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
			// Either an absolute unix timestamp or a delta in seconds.
			if secs > 1_000_000_000 {
				until = time.Unix(secs, 0)
			} else {
				until = rc.now().Add(time.Duration(secs) * time.Second)
			}
		}
	}
	if until.IsZero() {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseInt(ra, 10, 64); err == nil {
				until = rc.now().Add(time.Duration(secs) * time.Second)
			}
		}
	}
	if until.IsZero() {
		return
	}

	rc.mu.Lock()
	if until.After(rc.holdUntil) {
		rc.holdUntil = until
	}
	rc.mu.Unlock()
}

// backoff returns the linear backoff for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * rc.policy.BaseDelay
	if d > rc.policy.MaxDelay {
		d = rc.policy.MaxDelay
	}
	if rc.policy.Jitter > 0 {
		f := 1 + rc.policy.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// sleepCtx sleeps for d, returning false if the request context ends first.
// The injected sleeper is used so tests can make this instantaneous; the
// context is still checked afterwards.
func (rc *RetryClient) sleepCtx(req *http.Request, d time.Duration) bool {
	done := req.Context().Done()
	if done == nil {
		rc.sleep(d)
		return true
	}
	timer := make(chan struct{})
	go func() {
		rc.sleep(d)
		close(timer)
	}()
	select {
	case <-timer:
		return req.Context().Err() == nil
	case <-done:
		return false
	}
}

// isRetryableStatus reports whether the status indicates a transient
// condition worth retrying: 429 and the 5xx gateway/server family.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
