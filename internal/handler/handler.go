// Package handler serves the inbound payment gateway callback.
package handler

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/payment"
	"github.com/amirhossein-moloki/ecommerce-core/pkg/httpmiddleware"
)

// DefaultSignatureHeader carries the callback HMAC when no header is configured.
const DefaultSignatureHeader = "X-Signature"

const maxBodySize = 64 << 10

// Verifier verifies gateway callbacks.
type Verifier interface {
	Verify(ctx context.Context, req payment.VerifyRequest) (*payment.VerifyResponse, error)
}

// Config holds handler settings.
type Config struct {
	SignatureHeader string
}

// Handler serves GET and POST /payment/verify.
type Handler struct {
	payments        Verifier
	signatureHeader string
}

// New creates a Handler.
func New(cfg Config, payments Verifier) *Handler {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	return &Handler{
		payments:        payments,
		signatureHeader: cfg.SignatureHeader,
	}
}

// Register mounts the handler routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /payment/verify", h.Verify)
	mux.HandleFunc("POST /payment/verify", h.Verify)
}

// Verify handles a gateway redirect (GET query) or webhook (POST form or JSON).
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	req, err := h.parse(r)
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.payments.Verify(r.Context(), req)
	if err != nil {
		h.writeVerifyError(r.Context(), w, req.TrackID, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str("success") })
		e.Field("orderId", func(e *jx.Encoder) { e.Str(res.OrderID) })
		e.Field("refId", func(e *jx.Encoder) { e.Str(res.RefID) })
		e.Field("message", func(e *jx.Encoder) { e.Str(res.Message) })
		e.Field("alreadyVerified", func(e *jx.Encoder) { e.Bool(res.AlreadyVerified) })
	})
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *Handler) parse(r *http.Request) (payment.VerifyRequest, error) {
	req := payment.VerifyRequest{
		Signature: r.Header.Get(h.signatureHeader),
		IP:        httpmiddleware.ClientIPFromContext(r.Context()),
	}
	if req.IP == "" {
		req.IP = httpmiddleware.RemoteIP(r, false)
	}

	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.TrackID = q.Get("trackId")
		req.Success = q.Get("success")
		req.RawPayload = r.URL.RawQuery
		return req, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return req, errors.Wrap(err, "read body")
	}
	req.RawPayload = string(body)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		if err := decodeCallback(body, &req); err != nil {
			return req, errors.Wrap(err, "decode body")
		}
	default:
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return req, errors.Wrap(err, "parse form")
		}
		req.TrackID = form.Get("trackId")
		req.Success = form.Get("success")
	}

	// Query parameters fill whatever the body left out.
	q := r.URL.Query()
	if req.TrackID == "" {
		req.TrackID = q.Get("trackId")
	}
	if req.Success == "" {
		req.Success = q.Get("success")
	}
	return req, nil
}

// decodeCallback reads {"trackId": ..., "success": ...}. Both fields may be
// strings or numbers; booleans are accepted for success.
func decodeCallback(body []byte, req *payment.VerifyRequest) error {
	return jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "trackId":
			v, err := scalar(d)
			req.TrackID = v
			return err
		case "success":
			if d.Next() == jx.Bool {
				ok, err := d.Bool()
				if ok {
					req.Success = payment.SuccessFlag
				} else {
					req.Success = "0"
				}
				return err
			}
			v, err := scalar(d)
			req.Success = v
			return err
		default:
			return d.Skip()
		}
	})
}

func scalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		return n.String(), err
	case jx.Null:
		return "", d.Null()
	default:
		return "", errors.Errorf("unexpected %s", d.Next())
	}
}

func (h *Handler) writeVerifyError(ctx context.Context, w http.ResponseWriter, trackID string, err error) {
	lg := zctx.From(ctx).With(zap.String("track_id", trackID))

	var (
		vfErr *payment.VerificationFailedError
		trErr *order.InvalidTransitionError
		gwErr *payment.GatewayNetworkError
	)
	switch {
	case errors.Is(err, payment.ErrOrderNotFound):
		httpmiddleware.WriteError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, payment.ErrForbidden):
		lg.Warn("Callback rejected", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, payment.ErrPaymentFailed):
		writeFailed(w, http.StatusBadRequest, "gateway indicated failure", "")
	case errors.As(err, &vfErr):
		writeFailed(w, http.StatusBadRequest, "payment verification failed", vfErr.Reason)
	case errors.As(err, &trErr):
		lg.Warn("Paid callback for order in wrong state", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusConflict, err.Error())
	case errors.As(err, &gwErr):
		lg.Warn("Gateway unreachable", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusBadGateway, "payment gateway unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpmiddleware.WriteError(w, http.StatusGatewayTimeout, "timeout")
	default:
		lg.Error("Verify payment", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeFailed(w http.ResponseWriter, status int, msg, reason string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str("failed") })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		if reason != "" {
			e.Field("reason", func(e *jx.Encoder) { e.Str(reason) })
		}
	})
	writeJSON(w, status, e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
