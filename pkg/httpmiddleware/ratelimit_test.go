package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func do(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Rate: 1, Burst: 5})(okHandler())

	for i := range 5 {
		w := do(h, "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Rate: 0.01, Burst: 2})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, do(h, "10.0.0.1:9999").Code)
	}

	w := do(h, "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, float64(429), body["code"])
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimit_DifferentIPs(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Rate: 0.01, Burst: 1})(okHandler())

	assert.Equal(t, http.StatusOK, do(h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusOK, do(h, "10.0.0.2:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, "10.0.0.1:2").Code)
}

func TestRateLimit_UsesResolvedClientIP(t *testing.T) {
	h := Wrap(okHandler(),
		ClientIP(true),
		RateLimit(t.Context(), RateLimitConfig{Rate: 0.01, Burst: 1}),
	)

	req := func(xff string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.254:443"
		r.Header.Set("X-Forwarded-For", xff)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, req("203.0.113.1"))
	assert.Equal(t, http.StatusOK, req("203.0.113.2, 10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, req("203.0.113.1"))
}

func TestRateLimit_Cleanup(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Rate: 1, IdleTTL: time.Minute})
	now := time.Now()
	rl.reserve("a", now)
	rl.reserve("b", now.Add(30*time.Second))
	require.Equal(t, 2, rl.size())

	rl.cleanup(now.Add(time.Minute + time.Second))
	assert.Equal(t, 1, rl.size())

	rl.cleanup(now.Add(2 * time.Minute))
	assert.Zero(t, rl.size())
}

func TestRateLimit_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := RateLimit(ctx, RateLimitConfig{Rate: 1, Burst: 1, IdleTTL: time.Millisecond})(okHandler())
	cancel()
	assert.Equal(t, http.StatusOK, do(h, "10.0.0.9:1").Code)
}
