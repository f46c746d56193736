// Copyright 2025 James Ross
// Package apiclient is the authenticated JSON/HTTP transport the kind
// migrators drive: GET/POST/PATCH with retry and backoff, a paginated
// listing driver, and a batch-POST that isolates per-item failures by
// recursive splitting (spec.md §4.1).
package apiclient

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
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flyingrobots/langsmith-migrator/internal/apierr"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// Options configures a Client. It is the HTTP-transport-facing subset of
// config.Connection plus the migration-wide rate pacing knob, kept
// separate so apiclient does not import internal/config.
type Options struct {
	BaseURL       string
	APIKey        string
	VerifyTLS     bool
	Timeout       time.Duration
	MaxRetries    int
	RateLimitWait time.Duration
	Verbose       bool
}

// Client is an authenticated transport to one side (source or
// destination) of the migration. It is safe for concurrent use: the
// underlying http.Transport pools and reuses connections, matching the
// teacher's webhook subscriber transport shape.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	limiter    *rate.Limiter
	verbose    bool
	logger     *zap.Logger

	statsMu      sync.Mutex
	requestCount int
	errorCount   int
}

// New builds a Client. logger must not be nil; pass zap.NewNop() in tests
// that don't care about log output.
func New(opts Options, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if !opts.VerifyTLS {
		transport.TLSClientConfig = insecureTLSConfig()
	}

	var limiter *rate.Limiter
	if opts.RateLimitWait > 0 {
		// One request allowed per RateLimitWait interval; burst of 1 so
		// the pacing is a strict minimum inter-request delay, not a
		// bucket that lets requests through in bursts.
		limiter = rate.NewLimiter(rate.Every(opts.RateLimitWait), 1)
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: transport},
		maxRetries: opts.MaxRetries,
		limiter:    limiter,
		verbose:    opts.Verbose,
		logger:     logger,
	}
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http") {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return c.baseURL + path
	}
	return c.baseURL + "/" + path
}

// Get issues a GET with the default retry budget.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (record.Record, error) {
	return c.do(ctx, requestSpec{
		method:     http.MethodGet,
		path:       path,
		query:      query,
		timeout:    c.httpClient.Timeout,
		maxRetries: c.maxRetries,
	})
}

// Post issues a POST with the default retry budget.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (record.Record, error) {
	return c.do(ctx, requestSpec{
		method:     http.MethodPost,
		path:       path,
		body:       body,
		timeout:    c.httpClient.Timeout,
		maxRetries: c.maxRetries,
	})
}

// Patch issues a PATCH with a single-attempt retry budget and a fixed 15s
// timeout: the server treats idempotent overwrites as expensive, so a
// failed PATCH is assumed unlikely to succeed on blind retry (spec.md
// §4.1).
func (c *Client) Patch(ctx context.Context, path string, body interface{}) (record.Record, error) {
	return c.do(ctx, requestSpec{
		method:     http.MethodPatch,
		path:       path,
		body:       body,
		timeout:    15 * time.Second,
		maxRetries: 1,
	})
}

type requestSpec struct {
	method     string
	path       string
	query      url.Values
	body       interface{}
	timeout    time.Duration
	maxRetries int
}

func (c *Client) do(ctx context.Context, spec requestSpec) (record.Record, error) {
	policy := retryPolicy{maxRetries: spec.maxRetries}
	var lastErr error

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, apierr.Wrap(apierr.Network, spec.path, err)
			}
		}

		resp, err := c.attempt(ctx, spec)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		apiErr, ok := err.(*apierr.Error)
		if !ok || !apiErr.Retryable() {
			return nil, err
		}
		wait, shouldRetry := policy.next(attempt, apiErr)
		if !shouldRetry {
			return nil, err
		}
		if c.verbose {
			c.logger.Debug("retrying request",
				zap.String("method", spec.method), zap.String("path", spec.path),
				zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	// unreachable, but keeps the compiler happy about lastErr's use.
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, spec requestSpec) (record.Record, error) {
	fullURL := c.url(spec.path)
	if len(spec.query) > 0 {
		fullURL += "?" + spec.query.Encode()
	}

	if c.verbose {
		c.logger.Debug("request", zap.String("method", spec.method), zap.String("url", fullURL))
	}

	var bodyReader io.Reader
	if spec.body != nil {
		b, err := json.Marshal(spec.body)
		if err != nil {
			return nil, apierr.Wrap(apierr.Validation, spec.path, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, spec.method, fullURL, bodyReader)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, spec.path, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if spec.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	c.recordRequest()
	if err != nil {
		return nil, apierr.Wrap(apierr.Network, spec.path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordError()
		return nil, apierr.Wrap(apierr.Network, spec.path, err)
	}

	return c.handleResponse(resp, respBody, spec.path)
}

func (c *Client) handleResponse(resp *http.Response, body []byte, endpoint string) (record.Record, error) {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		c.recordError()
		return nil, apierr.WithStatus(apierr.Authentication, endpoint, errorDetail(body), resp.StatusCode)
	case http.StatusNotFound:
		return nil, apierr.WithStatus(apierr.NotFound, endpoint, errorDetail(body), http.StatusNotFound)
	case http.StatusConflict:
		c.recordError()
		return nil, apierr.WithStatus(apierr.Conflict, endpoint, errorDetail(body), http.StatusConflict)
	case http.StatusTooManyRequests:
		e := apierr.WithStatus(apierr.RateLimited, endpoint, errorDetail(body), http.StatusTooManyRequests)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				e.RetryAfter = secs
			}
		}
		return nil, e
	}

	if resp.StatusCode >= 500 {
		c.recordError()
		return nil, apierr.WithStatus(apierr.ServerError, endpoint, errorDetail(body), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		c.recordError()
		return nil, apierr.WithStatus(apierr.Validation, endpoint, errorDetail(body), resp.StatusCode)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return record.Record{}, nil
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.recordError()
		return nil, apierr.WithStatus(apierr.Protocol, endpoint, fmt.Sprintf("invalid JSON response: %v", err), resp.StatusCode)
	}

	switch v := decoded.(type) {
	case nil:
		return record.Record{}, nil
	case map[string]interface{}:
		return record.Record(v), nil
	case []interface{}:
		// Bare-array responses are wrapped so callers that expect a
		// Record (PATCH/POST single-object endpoints never return a
		// bare array in practice) still get something usable; list
		// callers (Paginate, BatchPost) read the array back from "items"
		// through extractItems.
		return record.Record{"items": v}, nil
	default:
		return nil, apierr.WithStatus(apierr.Protocol, endpoint, "unexpected JSON top-level shape", resp.StatusCode)
	}
}

func errorDetail(body []byte) string {
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err == nil {
		if d, ok := decoded["detail"].(string); ok && d != "" {
			return d
		}
		if m, ok := decoded["message"].(string); ok && m != "" {
			return m
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500]
	}
	if s == "" {
		return "no response body"
	}
	return s
}

func (c *Client) recordRequest() {
	c.statsMu.Lock()
	c.requestCount++
	c.statsMu.Unlock()
}

func (c *Client) recordError() {
	c.statsMu.Lock()
	c.errorCount++
	c.statsMu.Unlock()
}

// Stats mirrors the original's get_statistics(): requests issued, errors
// observed, and the derived success rate, surfaced in command summaries.
type Stats struct {
	Requests    int
	Errors      int
	SuccessRate float64
}

func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := Stats{Requests: c.requestCount, Errors: c.errorCount}
	if c.requestCount > 0 {
		s.SuccessRate = float64(c.requestCount-c.errorCount) / float64(c.requestCount)
	}
	return s
}

// TestConnection probes an ordered list of candidate endpoints and
// returns the first one that succeeds, because real deployments mount
// the API at varying prefixes (supplemented from original_source's
// EnhancedAPIClient.test_connection).
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	hasVersion := strings.Contains(c.baseURL, "/api/v1") || strings.Contains(c.baseURL, "/api/v2")
	var candidates []string
	if hasVersion {
		candidates = []string{"/datasets", "/health", "/"}
	} else {
		candidates = []string{"/api/v1/datasets", "/datasets", "/health", "/"}
	}

	var lastErr string
	for _, endpoint := range candidates {
		var query url.Values
		if strings.Contains(endpoint, "datasets") {
			query = url.Values{"limit": {"1"}}
		}
		_, err := c.Get(ctx, endpoint, query)
		if err == nil {
			return true, ""
		}
		kind, ok := apierr.KindOf(err)
		if !ok {
			lastErr = err.Error()
			continue
		}
		switch kind {
		case apierr.Authentication:
			return false, fmt.Sprintf("authentication failed: %v", err)
		case apierr.Network:
			return false, fmt.Sprintf("connection failed: %v", err)
		case apierr.NotFound:
			continue
		default:
			lastErr = err.Error()
			continue
		}
	}
	if lastErr == "" {
		lastErr = "all candidate endpoints returned errors or were not found"
	}
	return false, lastErr
}
