package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/indexing/metrics"
)

const (
	pathNodeInfo        = "/api/node/info"
	pathBlocks          = "/api/blocks"
	pathGenesisAccounts = "/api/genesis/accounts"
	pathDelegates       = "/api/delegates"
)

// RetryConfig defines retry behavior per endpoint.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    500 * time.Millisecond,
	MaxDelay:        10 * time.Second,
	BackoffMultiple: 2.0,
}

type Config struct {
	Endpoints  []string
	Timeout    time.Duration
	APIVersion string
	Retry      RetryConfig
}

// EndpointHealth is the call history of one gateway endpoint.
type EndpointHealth struct {
	Successes     int64
	Failures      int64
	LastError     string
	LastSuccessAt time.Time
	LastFailureAt time.Time
	Latency       time.Duration
}

// Available reports whether the last call to the endpoint succeeded.
func (h EndpointHealth) Available() bool {
	return !h.LastSuccessAt.Before(h.LastFailureAt)
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// errorAction determines how to handle an error.
type errorAction int

const (
	actionRetry errorAction = iota
	actionFailover
	actionFatal
)

func classifyError(err error) errorAction {
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrMalformedBlock) {
		return actionFatal
	}

	code := 0
	var statusErr *StatusError
	var apiErr *apiError
	switch {
	case errors.As(err, &statusErr):
		code = statusErr.Code
	case errors.As(err, &apiErr):
		code = apiErr.Code
	}

	switch {
	case code == http.StatusTooManyRequests, code == http.StatusForbidden, code == http.StatusUnauthorized:
		return actionFailover
	case code == http.StatusNotFound:
		return actionFatal
	case code >= 400 && code < 500:
		return actionFatal
	default:
		// Network, timeouts and 5xx
		return actionRetry
	}
}

func errorType(err error) string {
	var statusErr *StatusError
	var apiErr *apiError
	var netErr net.Error
	switch {
	case errors.As(err, &statusErr):
		return strconv.Itoa(statusErr.Code)
	case errors.As(err, &apiErr):
		return "api"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, domain.ErrMalformedBlock):
		return "decode"
	default:
		return "network"
	}
}

// HTTPClient implements Client against the gateway's JSON API. Calls start at
// the next endpoint round-robin and fail over to the others.
type HTTPClient struct {
	endpoints  []string
	next       atomic.Uint64
	codec      Codec
	httpClient *http.Client
	retry      RetryConfig
	health     *xsync.Map[string, EndpointHealth]
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("node: at least one endpoint is required")
	}
	codec, err := NewCodec(cfg.APIVersion)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig
	}

	endpoints := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, strings.TrimRight(ep, "/"))
	}

	return &HTTPClient{
		endpoints: endpoints,
		codec:     codec,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:  cfg.Retry,
		health: xsync.NewMap[string, EndpointHealth](),
		logger: slog.Default().With("component", "node"),
	}, nil
}

func (c *HTTPClient) GetNetworkStatus(ctx context.Context) (*domain.NetworkStatus, error) {
	data, err := c.get(ctx, pathNodeInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("get network status: %w", err)
	}
	return c.codec.DecodeNetworkStatus(data)
}

func (c *HTTPClient) GetBlockByHeight(ctx context.Context, height uint64) (*domain.Block, error) {
	query := url.Values{"height": {strconv.FormatUint(height, 10)}}
	data, err := c.get(ctx, pathBlocks, query)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("height %d: %w", height, ErrBlockNotFound)
		}
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}

	blocks, err := c.codec.DecodeBlocks(data)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("height %d: %w", height, ErrBlockNotFound)
	}
	if blocks[0].Height != height {
		return nil, fmt.Errorf("%w: requested height %d, got %d", domain.ErrMalformedBlock, height, blocks[0].Height)
	}
	return blocks[0], nil
}

func (c *HTTPClient) GetBlocksByHeightBetween(ctx context.Context, from, to uint64) ([]*domain.Block, error) {
	if to < from {
		return nil, nil
	}
	query := url.Values{
		"from": {strconv.FormatUint(from, 10)},
		"to":   {strconv.FormatUint(to, 10)},
	}
	data, err := c.get(ctx, pathBlocks, query)
	if err != nil {
		return nil, fmt.Errorf("get blocks %d-%d: %w", from, to, err)
	}

	blocks, err := c.codec.DecodeBlocks(data)
	if err != nil {
		return nil, fmt.Errorf("get blocks %d-%d: %w", from, to, err)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	return blocks, nil
}

func (c *HTTPClient) GetGenesisAccounts(ctx context.Context, offset, limit int) ([]*domain.Account, error) {
	return c.getAccounts(ctx, pathGenesisAccounts, offset, limit)
}

func (c *HTTPClient) GetDelegates(ctx context.Context, offset, limit int) ([]*domain.Account, error) {
	return c.getAccounts(ctx, pathDelegates, offset, limit)
}

func (c *HTTPClient) getAccounts(ctx context.Context, path string, offset, limit int) ([]*domain.Account, error) {
	query := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	data, err := c.get(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return c.codec.DecodeAccounts(data)
}

// EndpointHealth returns the call history of every endpoint.
func (c *HTTPClient) EndpointHealth() map[string]EndpointHealth {
	out := make(map[string]EndpointHealth, len(c.endpoints))
	for _, ep := range c.endpoints {
		h, _ := c.health.Load(ep)
		out[ep] = h
	}
	return out
}

// get tries every endpoint once, starting at the round-robin cursor.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	start := c.next.Add(1) - 1
	n := uint64(len(c.endpoints))

	var lastErr error
	for i := uint64(0); i < n; i++ {
		endpoint := c.endpoints[(start+i)%n]
		data, err := c.callWithRetry(ctx, endpoint, path, query)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if classifyError(err) == actionFatal {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("Node endpoint failed, trying next",
			"endpoint", endpoint,
			"path", path,
			"error", err,
		)
	}
	if n > 1 {
		return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
	}
	return nil, lastErr
}

func (c *HTTPClient) callWithRetry(
	ctx context.Context,
	endpoint, path string,
	query url.Values,
) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		data, err := c.do(ctx, endpoint, path, query)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if classifyError(err) != actionRetry {
			return nil, err
		}
		if attempt == c.retry.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	multiple := c.retry.BackoffMultiple
	if multiple <= 0 {
		multiple = 2
	}
	delay := float64(c.retry.InitialDelay) * math.Pow(multiple, float64(attempt))
	if delay > float64(c.retry.MaxDelay) {
		delay = float64(c.retry.MaxDelay)
	}
	return time.Duration(delay)
}

func (c *HTTPClient) do(ctx context.Context, endpoint, path string, query url.Values) (json.RawMessage, error) {
	start := time.Now()
	metrics.NodeCallsTotal.WithLabelValues(endpoint, path).Inc()

	data, err := c.fetch(ctx, endpoint, path, query)
	latency := time.Since(start)
	metrics.NodeLatency.WithLabelValues(endpoint, path).Observe(latency.Seconds())

	if err != nil {
		metrics.NodeErrorsTotal.WithLabelValues(endpoint, errorType(err)).Inc()
		c.recordFailure(endpoint, err)
		return nil, err
	}
	c.recordSuccess(endpoint, latency)
	return data, nil
}

func (c *HTTPClient) fetch(ctx context.Context, endpoint, path string, query url.Values) (json.RawMessage, error) {
	target := endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("node call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", domain.ErrMalformedBlock, err)
	}
	if env.Error != nil {
		return nil, env.Error
	}
	return env.Data, nil
}

func (c *HTTPClient) recordSuccess(endpoint string, latency time.Duration) {
	c.health.Compute(endpoint, func(h EndpointHealth, loaded bool) (EndpointHealth, xsync.ComputeOp) {
		h.Successes++
		h.LastSuccessAt = time.Now()
		h.Latency = latency
		return h, xsync.UpdateOp
	})
}

func (c *HTTPClient) recordFailure(endpoint string, err error) {
	c.health.Compute(endpoint, func(h EndpointHealth, loaded bool) (EndpointHealth, xsync.ComputeOp) {
		h.Failures++
		h.LastFailureAt = time.Now()
		h.LastError = err.Error()
		return h, xsync.UpdateOp
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
