package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/payment"
	"github.com/amirhossein-moloki/ecommerce-core/pkg/httpmiddleware"
)

type mockVerifier struct {
	got  payment.VerifyRequest
	res  *payment.VerifyResponse
	err  error
	hits int
}

func (m *mockVerifier) Verify(_ context.Context, req payment.VerifyRequest) (*payment.VerifyResponse, error) {
	m.hits++
	m.got = req
	return m.res, m.err
}

func newServer(v Verifier, trustForwarded bool) http.Handler {
	mux := http.NewServeMux()
	New(Config{SignatureHeader: "X-Gateway-Signature"}, v).Register(mux)
	return httpmiddleware.Wrap(mux, httpmiddleware.ClientIP(trustForwarded))
}

func TestVerify_GET(t *testing.T) {
	v := &mockVerifier{res: &payment.VerifyResponse{OrderID: "o-1", RefID: "REF-9", Message: "payment verified"}}
	srv := newServer(v, false)

	r := httptest.NewRequest(http.MethodGet, "/payment/verify?trackId=TRK-1&success=1", nil)
	r.RemoteAddr = "198.51.100.7:4000"
	r.Header.Set("X-Gateway-Signature", "abcdef")
	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"success","orderId":"o-1","refId":"REF-9","message":"payment verified","alreadyVerified":false}`, w.Body.String())
	assert.Equal(t, payment.VerifyRequest{
		TrackID:    "TRK-1",
		Success:    "1",
		Signature:  "abcdef",
		IP:         "198.51.100.7",
		RawPayload: "trackId=TRK-1&success=1",
	}, v.got)
}

func TestVerify_TrustForwardedFor(t *testing.T) {
	v := &mockVerifier{res: &payment.VerifyResponse{OrderID: "o-1"}}
	srv := newServer(v, true)

	r := httptest.NewRequest(http.MethodGet, "/payment/verify?trackId=T&success=1", nil)
	r.RemoteAddr = "10.0.0.1:4000"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	srv.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "203.0.113.5", v.got.IP)
}

func TestVerify_POST(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		target      string
		body        string
		wantTrack   string
		wantSuccess string
	}{
		{
			name:        "form",
			contentType: "application/x-www-form-urlencoded",
			target:      "/payment/verify",
			body:        "trackId=TRK-2&success=1",
			wantTrack:   "TRK-2",
			wantSuccess: "1",
		},
		{
			name:        "json strings",
			contentType: "application/json; charset=utf-8",
			target:      "/payment/verify",
			body:        `{"trackId":"TRK-3","success":"1","extra":{"a":[1,2]}}`,
			wantTrack:   "TRK-3",
			wantSuccess: "1",
		},
		{
			name:        "json numbers",
			contentType: "application/json",
			target:      "/payment/verify",
			body:        `{"trackId":15966442233311,"success":1}`,
			wantTrack:   "15966442233311",
			wantSuccess: "1",
		},
		{
			name:        "json bool",
			contentType: "application/json",
			target:      "/payment/verify",
			body:        `{"trackId":"TRK-4","success":false}`,
			wantTrack:   "TRK-4",
			wantSuccess: "0",
		},
		{
			name:        "query fills missing fields",
			contentType: "application/json",
			target:      "/payment/verify?trackId=TRK-5&success=1",
			body:        `{}`,
			wantTrack:   "TRK-5",
			wantSuccess: "1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &mockVerifier{res: &payment.VerifyResponse{OrderID: "o"}}
			r := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			newServer(v, false).ServeHTTP(w, r)

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tt.wantTrack, v.got.TrackID)
			assert.Equal(t, tt.wantSuccess, v.got.Success)
			assert.Equal(t, tt.body, v.got.RawPayload)
		})
	}
}

func TestVerify_MalformedJSON(t *testing.T) {
	v := &mockVerifier{}
	r := httptest.NewRequest(http.MethodPost, "/payment/verify", strings.NewReader(`{"trackId":`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	newServer(v, false).ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, v.hits)
}

func TestVerify_AlreadyVerified(t *testing.T) {
	v := &mockVerifier{res: &payment.VerifyResponse{
		OrderID: "o-1", RefID: "REF-1", Message: "already verified", AlreadyVerified: true,
	}}
	w := httptest.NewRecorder()
	newServer(v, false).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payment/verify?trackId=T&success=1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","orderId":"o-1","refId":"REF-1","message":"already verified","alreadyVerified":true}`, w.Body.String())
}

func TestVerify_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "order not found",
			err:        payment.ErrOrderNotFound,
			wantStatus: http.StatusNotFound,
			wantBody:   `{"code":404,"message":"order not found"}`,
		},
		{
			name:       "invalid signature",
			err:        payment.ErrSignatureInvalid,
			wantStatus: http.StatusForbidden,
			wantBody:   `{"code":403,"message":"invalid signature"}`,
		},
		{
			name:       "ip not allowed",
			err:        errors.Wrap(payment.ErrIPNotAllowed, "verify"),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "gateway reported failure",
			err:        payment.ErrPaymentFailed,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"status":"failed","message":"gateway indicated failure"}`,
		},
		{
			name:       "amount mismatch",
			err:        &payment.VerificationFailedError{Reason: payment.ReasonAmountMismatch, Result: 100},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"status":"failed","message":"payment verification failed","reason":"amount_mismatch"}`,
		},
		{
			name:       "invalid transition",
			err:        &order.InvalidTransitionError{From: order.StatusCanceled, To: order.StatusPaid},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "gateway unreachable",
			err:        &payment.GatewayNetworkError{Op: "verify", Err: context.DeadlineExceeded},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "unexpected",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"code":500,"message":"internal error"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &mockVerifier{err: tt.err}
			w := httptest.NewRecorder()
			newServer(v, false).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payment/verify?trackId=T&success=1", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestVerify_MethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	newServer(&mockVerifier{}, false).ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/payment/verify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestNew_DefaultSignatureHeader(t *testing.T) {
	h := New(Config{}, &mockVerifier{})
	assert.Equal(t, DefaultSignatureHeader, h.signatureHeader)
}
