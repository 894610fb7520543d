// Package http provides a resilient HTTP client for upstream read APIs
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "copy_trader/pkg/errors"
	"copy_trader/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents a non-2xx response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer decorates outgoing requests with credentials
type Signer interface {
	SignRequest(req *http.Request) error
}

// HeaderSigner sets a static credential header. An empty value leaves the request untouched.
type HeaderSigner struct {
	Header string
	Value  string
}

func (s HeaderSigner) SignRequest(req *http.Request) error {
	if s.Value == "" {
		return nil
	}
	req.Header.Set(s.Header, s.Value)
	return nil
}

// Options tunes the resilience pipeline
type Options struct {
	Timeout          time.Duration
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	BreakerFailures  uint
	BreakerExecution uint
	BreakerDelay     time.Duration
}

// DefaultOptions retries 5xx and 429 three times and opens after 5 failures in 10 calls
func DefaultOptions() Options {
	return Options{
		Timeout:          10 * time.Second,
		MaxRetries:       3,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		BreakerFailures:  5,
		BreakerExecution: 10,
		BreakerDelay:     10 * time.Second,
	}
}

// Client wraps http.Client with retry, circuit breaking and OTel instrumentation
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client for baseURL. signer may be nil.
func NewClient(baseURL string, opts Options, signer Signer) *Client {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(opts.BaseBackoff, opts.MaxBackoff).
		WithMaxRetries(opts.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(opts.BreakerFailures, opts.BreakerExecution).
		WithDelay(opts.BreakerDelay).
		Build()

	meter := telemetry.GetMeter("http-client")
	reqCounter, _ := meter.Int64Counter("copy_trader_http_requests_total",
		metric.WithDescription("Upstream HTTP requests"))
	errCounter, _ := meter.Int64Counter("copy_trader_http_errors_total",
		metric.WithDescription("Upstream HTTP requests that failed"))
	latencyHist, _ := meter.Float64Histogram("copy_trader_http_request_duration_seconds",
		metric.WithDescription("Upstream HTTP latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: opts.Timeout},
		baseURL:     baseURL,
		signer:      signer,
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		tracer:      telemetry.GetTracer("http-client"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Get sends a GET request and returns the body of a 2xx response
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	return c.do(req)
}

// GetJSON sends a GET request and decodes the body into T
func GetJSON[T any](ctx context.Context, c *Client, path string, params map[string]string) (T, error) {
	var out T
	body, err := c.Get(ctx, path, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return out, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(req.Context(), fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		// drain the body of the previous attempt before retrying
		if last := exec.LastResult(); last != nil && last.Body != nil {
			_, _ = io.Copy(io.Discard, last.Body)
			last.Body.Close()
		}
		return c.client.Do(req)
	})

	attrs := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)
	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, attrs)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("request %s failed: %w: %w", req.URL.Path, apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, attrs)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
