// Package peerclient speaks the sync protocol to a remote node over
// HTTP/JSON.
package peerclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// maxRetryAfter caps how long a 429 response can make the client wait
const maxRetryAfter = 2 * time.Minute

// Client talks to one peer
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      types.Logger
	userAgent   string
	nodeID      string
	maxRetries  int
	backoff     time.Duration
}

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client)

// WithLogger sets a custom logger
func WithLogger(logger types.Logger) ClientOption {
	return func(c *Client) {
		c.logger = types.OrDefault(logger)
	}
}

// WithUserAgent sets a custom user agent string
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithTimeout sets the per-request HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit sets a custom rate limit (requests per period)
func WithRateLimit(requestsPerPeriod int, period time.Duration) ClientOption {
	return func(c *Client) {
		c.rateLimiter = NewRateLimiter(requestsPerPeriod, period)
	}
}

// WithRetries sets the attempt count and initial backoff
func WithRetries(attempts int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if attempts < 1 {
			attempts = 1
		}
		c.maxRetries = attempts
		c.backoff = backoff
	}
}

// WithNodeID identifies this node to the peer. Pull uses it so the peer
// can skip bundles it already sent us.
func WithNodeID(id string) ClientOption {
	return func(c *Client) {
		c.nodeID = id
	}
}

// NewClient creates a client for the peer at baseURL.
// Default: 120 requests per minute, 30 second timeout, 3 attempts.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      types.DefaultLogger{},
		userAgent:   "dtnbundle/dev",
		maxRetries:  3,
		backoff:     time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Close drops idle keep-alive connections to the peer
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// BaseURL returns the peer's base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError is a non-2xx answer from the peer
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("peer returned status %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether another attempt could succeed
func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GetIndex fetches the peer's manifest of forwardable bundles
func (c *Client) GetIndex(ctx context.Context) (*dtn.IndexResponse, error) {
	var out dtn.IndexResponse
	if err := c.do(ctx, http.MethodGet, "/sync/index", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching index: %w", err)
	}
	return &out, nil
}

// PullOptions narrows a pull
type PullOptions struct {
	// Trust optionally asks for a lower tier than the peer grants us.
	// The peer decides our tier from its own configuration; nil leaves
	// it at that.
	Trust *dtn.Audience
	IDs   []string
	Limit int
}

// Pull fetches bundles the peer will forward to us
func (c *Client) Pull(ctx context.Context, opts PullOptions) ([]*dtn.Bundle, error) {
	q := url.Values{}
	if c.nodeID != "" {
		q.Set("peer_id", c.nodeID)
	}
	if opts.Trust != nil {
		q.Set("trust", opts.Trust.String())
	}
	if len(opts.IDs) > 0 {
		q.Set("ids", strings.Join(opts.IDs, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var out dtn.PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync/pull", q, nil, &out); err != nil {
		return nil, fmt.Errorf("pulling bundles: %w", err)
	}
	return out.Bundles, nil
}

// Push offers bundles to the peer and returns its per-bundle verdicts
func (c *Client) Push(ctx context.Context, bundles []*dtn.Bundle) (*dtn.PushResult, error) {
	body, err := json.Marshal(dtn.PushRequest{PeerID: c.nodeID, Bundles: bundles})
	if err != nil {
		return nil, fmt.Errorf("encoding push: %w", err)
	}

	var out dtn.PushResult
	if err := c.do(ctx, http.MethodPost, "/sync/push", nil, body, &out); err != nil {
		return nil, fmt.Errorf("pushing bundles: %w", err)
	}
	return &out, nil
}

// do runs one request with rate limiting and retry. 429 and 5xx
// answers and transport errors are retried with exponential backoff;
// other statuses fail at once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	var lastErr error
	backoff := c.backoff

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}

		retryAfter, err := c.doOnce(ctx, method, path, query, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == c.maxRetries {
			break
		}

		wait := backoff
		if retryAfter > wait {
			wait = retryAfter
		}
		c.logger.Printf("[Peer] %s %s failed (attempt %d/%d): %v, retrying in %v",
			method, path, attempt, c.maxRetries, err, wait)

		select {
		case <-time.After(wait):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) (time.Duration, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			return parseRetryAfter(resp), se
		}
		return 0, se
	}

	if out == nil {
		return 0, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}
	return 0, nil
}

// errorMessage extracts {"error": "..."} from a failure body, falling
// back to the raw text
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

// parseRetryAfter parses the Retry-After header as seconds or an HTTP date
func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(header); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(header); err == nil {
		d = time.Until(t)
	}

	if d < 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}
