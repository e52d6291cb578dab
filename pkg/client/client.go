// Package client provides the HTTP transport used to fetch search and
// profile pages. It maps every outcome onto a types.Status, enforces a
// minimum interval between requests, and consults the block cooldown.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/logging"
	"github.com/Sternrassler/profile-harvest/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for transport operations.
var (
	harvestRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total requests by host and outcome status",
	}, []string{"host", "status"})

	harvestRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "Request duration in seconds by host",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"host"})

	harvestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_request_errors_total",
		Help: "Total request errors by class",
	}, []string{"class"})

	harvestLimiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_limiter_wait_seconds",
		Help:    "Time spent waiting on the minimum request interval",
		Buckets: []float64{0, 0.1, 0.5, 1, 2, 5},
	})
)

// ErrorClass represents a classification of failed requests.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 520 origin errors some CDNs return under load.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassBlocked represents a refusal (403, 429 or a challenge page).
	ErrorClassBlocked ErrorClass = "blocked"

	// ErrorClassOversize represents a body larger than MaxBodyBytes.
	ErrorClassOversize ErrorClass = "oversize"
)

// ErrBodyTooLarge is wrapped by the FetchError for an oversize response.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Client is the HTTP transport.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	cooldown   *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// UserAgent is used when the caller's headers carry none.
	UserAgent string

	// MinInterval is the hard floor between two requests, independent of
	// any pacing done by callers.
	MinInterval time.Duration

	// Timeout bounds a single request.
	Timeout time.Duration

	// MaxBodyBytes caps response bodies; a larger body fails with ErrBodyTooLarge.
	MaxBodyBytes int64

	// BlockMarkers are body substrings that turn a 2xx into a block.
	BlockMarkers []string

	// Cooldown, when set, refuses requests during a cooldown and records
	// blocks and successes.
	Cooldown *ratelimit.Tracker
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
		MinInterval:  2 * time.Second,
		Timeout:      30 * time.Second,
		MaxBodyBytes: 5 << 20,
		BlockMarkers: []string{
			"px-captcha",
			"captcha-delivery",
			"Access to this page has been denied",
			"Please verify you are a human",
		},
	}
}

// New creates a new transport client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("min_interval must be >= 0 (got %s)", cfg.MinInterval)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter:  rate.NewLimiter(limit, 1),
		cooldown: cfg.Cooldown,
		config:   cfg,
		logger:   logging.NewLogger("client"),
	}, nil
}

// Fetch performs one GET request. The returned status is authoritative;
// the error, when present, explains a non-ok status.
func (c *Client) Fetch(ctx context.Context, target string, headers http.Header) (types.Response, error) {
	resp := types.Response{Target: target}
	host := hostOf(target)

	if c.cooldown != nil {
		allowed, wait, err := c.cooldown.ShouldAllowRun(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Cooldown check failed")
		} else if !allowed {
			resp.Status = types.StatusBlocked
			harvestRequestsTotal.WithLabelValues(host, "cooldown").Inc()
			return resp, &FetchError{
				Target:     target,
				Status:     types.StatusBlocked,
				ErrorClass: ErrorClassBlocked,
				Err:        fmt.Errorf("%w: %s remaining", ratelimit.ErrCooldownActive, wait.Round(time.Second)),
			}
		}
	}

	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		resp.Status = types.StatusTransient
		return resp, &FetchError{Target: target, Status: resp.Status, ErrorClass: ErrorClassNetwork, Err: err}
	}
	harvestLimiterWaitSeconds.Observe(time.Since(waitStart).Seconds())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		resp.Status = types.StatusTransient
		return resp, &FetchError{Target: target, Status: resp.Status, ErrorClass: ErrorClassClient, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range headers {
		req.Header[k] = append([]string(nil), v...)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	startTime := time.Now()
	httpResp, err := c.httpClient.Do(req)
	harvestRequestDuration.WithLabelValues(host).Observe(time.Since(startTime).Seconds())
	if err != nil {
		c.logger.Warn().Err(err).Str(logging.FieldTarget, target).Msg("HTTP request failed")
		harvestErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		harvestRequestsTotal.WithLabelValues(host, "network_error").Inc()
		resp.Status = types.StatusTransient
		return resp, &FetchError{Target: target, Status: resp.Status, ErrorClass: ErrorClassNetwork, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.config.MaxBodyBytes+1))
	resp.StatusCode = httpResp.StatusCode
	if err != nil {
		harvestErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		resp.Status = types.StatusTransient
		return resp, &FetchError{Target: target, StatusCode: resp.StatusCode, Status: resp.Status, ErrorClass: ErrorClassNetwork, Err: fmt.Errorf("read body: %w", err)}
	}

	if int64(len(body)) > c.config.MaxBodyBytes {
		harvestErrorsTotal.WithLabelValues(string(ErrorClassOversize)).Inc()
		harvestRequestsTotal.WithLabelValues(host, "oversize").Inc()
		c.logger.Warn().
			Str(logging.FieldTarget, target).
			Int64("max_bytes", c.config.MaxBodyBytes).
			Msg("Response body over limit")
		resp.Status = types.StatusTransient
		return resp, &FetchError{
			Target:     target,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			ErrorClass: ErrorClassOversize,
			Err:        fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, c.config.MaxBodyBytes),
		}
	}

	resp.Status, resp.Payload = c.classify(httpResp.StatusCode, body)
	harvestRequestsTotal.WithLabelValues(host, string(resp.Status)).Inc()
	c.track(ctx, resp.Status)

	if resp.Status == types.StatusOK {
		c.logger.Debug().
			Str(logging.FieldTarget, target).
			Int("status_code", resp.StatusCode).
			Int("bytes", len(body)).
			Msg("Fetched")
		return resp, nil
	}

	class := classifyError(httpResp.StatusCode, resp.Status)
	harvestErrorsTotal.WithLabelValues(string(class)).Inc()

	event := c.logger.Warn()
	if resp.Status == types.StatusExhausted {
		event = c.logger.Debug()
	}
	event.
		Str(logging.FieldTarget, target).
		Int("status_code", resp.StatusCode).
		Str("status", string(resp.Status)).
		Str("error_class", string(class)).
		Msg("Request did not succeed")

	return resp, &FetchError{Target: target, StatusCode: resp.StatusCode, Status: resp.Status, ErrorClass: class}
}

// classify maps an HTTP status and body onto a transport status.
func (c *Client) classify(code int, body []byte) (types.Status, []byte) {
	switch {
	case code >= 200 && code < 300:
		for _, marker := range c.config.BlockMarkers {
			if marker != "" && bytes.Contains(body, []byte(marker)) {
				return types.StatusBlocked, body
			}
		}
		return types.StatusOK, body
	case code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return types.StatusBlocked, body
	case code == http.StatusNotFound, code == http.StatusGone:
		return types.StatusExhausted, body
	default:
		return types.StatusTransient, body
	}
}

// classifyError categorizes a non-ok response for observability.
func classifyError(code int, status types.Status) ErrorClass {
	switch {
	case status == types.StatusBlocked:
		return ErrorClassBlocked
	case code == 520:
		return ErrorClassRateLimit
	case code >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

func (c *Client) track(ctx context.Context, status types.Status) {
	if c.cooldown == nil {
		return
	}
	var err error
	switch status {
	case types.StatusBlocked:
		_, err = c.cooldown.RecordBlock(ctx)
	case types.StatusOK:
		err = c.cooldown.RecordSuccess(ctx)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update cooldown state")
	}
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
