package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hulylabs/vibesync/internal/debug"
)

// Defaults for pacing and retry. Overridable through Options.
const (
	DefaultMinInterval    = 75 * time.Millisecond
	DefaultMaxRetries     = 5
	DefaultBaseBackoff    = 200 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second

	// retryJitterMax is added to Retry-After waits so parked retries
	// do not stampede in lockstep.
	retryJitterMax = 200 * time.Millisecond
)

// sharedTransport is the process-wide pooled transport. All REST
// clients share it so keep-alive connections are reused across
// components.
var sharedTransport = &http.Transport{
	MaxIdleConns:        32,
	MaxIdleConnsPerHost: 8,
	IdleConnTimeout:     90 * time.Second,
}

// Options configures a Client.
type Options struct {
	// MinInterval is the minimum spacing between requests to the same
	// host. Zero uses DefaultMinInterval; negative disables pacing.
	MinInterval time.Duration
	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int
	// BaseBackoff is the initial retry delay; it doubles per attempt.
	BaseBackoff time.Duration
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// Client wraps http.Client with pacing, classified errors, and bounded
// retry. One Client per upstream service.
type Client struct {
	httpClient  *http.Client
	minInterval time.Duration
	maxRetries  int
	baseBackoff time.Duration
	userAgent   string

	mu       sync.Mutex
	lastSent map[string]time.Time // host -> last request time
}

// NewClient builds a paced client over the shared transport.
func NewClient(opts Options) *Client {
	if opts.MinInterval == 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "vibesync/1.0"
	}
	return &Client{
		httpClient: &http.Client{
			Transport: sharedTransport,
			Timeout:   opts.Timeout,
		},
		minInterval: opts.MinInterval,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		userAgent:   opts.UserAgent,
		lastSent:    make(map[string]time.Time),
	}
}

// throttle blocks until the per-host minimum interval has elapsed.
func (c *Client) throttle(ctx context.Context, host string) error {
	if c.minInterval <= 0 {
		return nil
	}
	c.mu.Lock()
	now := time.Now()
	next := c.lastSent[host].Add(c.minInterval)
	if next.Before(now) {
		next = now
	}
	c.lastSent[host] = next
	c.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// Request describes one HTTP call.
type Request struct {
	Method    string
	URL       string
	Body      []byte
	Headers   map[string]string
	Operation string // for error context, e.g. "huly.patch_issue"
}

// serverHintBackoff raises the next delay to at least the server's
// Retry-After hint (plus jitter). One wait per attempt: the hint never
// stacks on top of the computed backoff.
type serverHintBackoff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *serverHintBackoff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if b.hint > 0 {
		wait := b.hint + time.Duration(rand.Int63n(int64(retryJitterMax)))
		b.hint = 0
		if wait > next {
			next = wait
		}
	}
	return next
}

// Do executes the request with pacing and retry. Transient failures
// (network blips, 408/429/5xx) are retried up to MaxRetries with
// doubling backoff; a Retry-After header raises the computed delay,
// plus up to 200ms of jitter. The response body is fully read and
// returned.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &Error{Class: ClassPermanent, Operation: req.Operation, Err: err}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseBackoff
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	hinted := &serverHintBackoff{BackOff: bo}

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.throttle(ctx, u.Host); err != nil {
			return backoff.Permanent(err)
		}
		var retryAfter time.Duration
		body, retryAfter, err = c.doOnce(ctx, req)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt > c.maxRetries {
			return backoff.Permanent(err)
		}
		debug.Logf("httpx: retrying %s (attempt %d/%d): %v", req.Operation, attempt, c.maxRetries, err)
		hinted.hint = retryAfter
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(hinted, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// doOnce executes exactly one HTTP round trip. On a retryable status it
// also returns the server's Retry-After duration, if any.
func (c *Client) doOnce(ctx context.Context, req Request) ([]byte, time.Duration, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, 0, &Error{Class: ClassPermanent, Operation: req.Operation, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, &Error{Class: classifyNetErr(err), Operation: req.Operation, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &Error{Class: ClassTransient, Operation: req.Operation, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, 0, nil
	}

	class := classifyStatus(resp.StatusCode)
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	return nil, retryAfter, &Error{
		Class:      class,
		Operation:  req.Operation,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncateBody(respBody)),
	}
}

// parseRetryAfter handles the delta-seconds form; the HTTP-date form is
// rare enough from the services we talk to that we fall back to the
// computed backoff.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
