// Package gateway is the HTTP client of the payment gateway.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/payment"
)

const maxResponseSize = 1 << 20

// Config configures the gateway client.
type Config struct {
	BaseURL        string
	StartURL       string
	MerchantID     string
	RequestTimeout time.Duration
	VerifyTimeout  time.Duration
}

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to the gateway's /v1/request and /v1/verify endpoints.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ payment.Gateway = (*Client)(nil)

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

// New creates a gateway Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Request registers a payment and returns the gateway track id.
func (c *Client) Request(ctx context.Context, req payment.Request) (*payment.RequestResult, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("merchant")
	e.Str(c.cfg.MerchantID)
	e.FieldStart("amount")
	e.Int64(req.Amount)
	e.FieldStart("orderId")
	e.Str(req.OrderID)
	e.FieldStart("callbackUrl")
	e.Str(req.CallbackURL)
	e.ObjEnd()

	raw, err := c.post(ctx, "/v1/request", c.cfg.RequestTimeout, e.Bytes())
	if err != nil {
		return nil, err
	}
	res := &payment.RequestResult{Raw: string(raw)}
	if err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "result":
			res.Result, err = d.Int()
		case "trackId":
			res.TrackID, err = scalar(d)
		case "message":
			res.Message, err = scalar(d)
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode request response")
	}
	return res, nil
}

// Verify asks the gateway to confirm the payment of a track id.
func (c *Client) Verify(ctx context.Context, trackID string) (*payment.VerifyResult, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("merchant")
	e.Str(c.cfg.MerchantID)
	e.FieldStart("trackId")
	if n, err := strconv.ParseInt(trackID, 10, 64); err == nil {
		e.Int64(n)
	} else {
		e.Str(trackID)
	}
	e.ObjEnd()

	raw, err := c.post(ctx, "/v1/verify", c.cfg.VerifyTimeout, e.Bytes())
	if err != nil {
		return nil, err
	}
	res := &payment.VerifyResult{Raw: string(raw)}
	if err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "result":
			res.Result, err = d.Int()
		case "amount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			res.Amount, err = d.Int64()
		case "orderId":
			res.OrderID, err = scalar(d)
		case "refNumber":
			res.RefNumber, err = scalar(d)
		case "message":
			res.Message, err = scalar(d)
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode verify response")
	}
	return res, nil
}

// RedirectURL returns the payment page for a track id.
func (c *Client) RedirectURL(trackID string) string {
	return strings.TrimRight(c.cfg.StartURL, "/") + "/" + url.PathEscape(trackID)
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "post %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// scalar reads a string or number as a string. Null reads as "".
func scalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", d.Skip()
	}
}
