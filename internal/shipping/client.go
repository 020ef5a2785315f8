// Package shipping is the HTTP client of the shipping provider.
package shipping

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/shipment"
)

// ProviderName is recorded on orders shipped through this provider.
const ProviderName = "postex"

const maxResponseSize = 1 << 20

// Config configures the shipping client.
type Config struct {
	BaseURL         string
	APIKey          string
	CreateTimeout   time.Duration
	TrackingTimeout time.Duration
	// RatePerSecond caps outgoing requests. Zero disables the limit.
	RatePerSecond float64
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to the provider's parcel and tracking endpoints.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

var _ shipment.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(c *Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithTelemetry instruments outgoing requests.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(c *Client) {
		c.http = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(tp),
				otelhttp.WithMeterProvider(mp),
			),
		}
	}
}

// New creates a shipping Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 15 * time.Second
	}
	if cfg.TrackingTimeout <= 0 {
		cfg.TrackingTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter: rate.NewLimiter(limit, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string { return ProviderName }

// CreateParcel registers a pick-up parcel.
func (c *Client) CreateParcel(ctx context.Context, req shipment.ParcelRequest) (*shipment.Parcel, error) {
	raw, err := c.do(ctx, http.MethodPost, "/api/v1/parcels/bulk", c.cfg.CreateTimeout, encodeParcel(req))
	if err != nil {
		return nil, err
	}
	p, err := decodeParcel(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode parcel response")
	}
	return p, nil
}

// Tracking returns the carrier events of a parcel.
func (c *Client) Tracking(ctx context.Context, parcelNo string) ([]shipment.TrackingEvent, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/v1/tracking/events/"+url.PathEscape(parcelNo), c.cfg.TrackingTimeout, nil)
	if err != nil {
		return nil, err
	}
	events, err := decodeTracking(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode tracking response")
	}
	return events, nil
}

// CancelParcel cancels a parcel that has not been collected yet.
func (c *Client) CancelParcel(ctx context.Context, parcelNo string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/parcels/"+url.PathEscape(parcelNo), c.cfg.TrackingTimeout, nil)
	return err
}

// do performs a request. Transport failures, 429 and 5xx responses are
// returned as *shipment.TransientError.
func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &shipment.TransientError{Err: errors.Wrap(err, "rate limit")}
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &shipment.TransientError{Err: errors.Wrapf(err, "%s %s", method, path)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &shipment.TransientError{Err: errors.Wrap(err, "read response")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &shipment.TransientError{Err: se}
		}
		return nil, se
	}
	return raw, nil
}
