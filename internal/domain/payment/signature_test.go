package payment

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPayload_SortsKeys(t *testing.T) {
	params := url.Values{"trackId": {"123 45"}, "success": {"1"}}
	assert.Equal(t, "success=1&trackId=123+45", CanonicalPayload(params))
}

func TestSignature_RoundTrip(t *testing.T) {
	secret := []byte("webhook-secret")
	params := url.Values{"trackId": {"9876"}, "success": {"1"}}

	sig := Sign(secret, params)
	require.Len(t, sig, 64)
	assert.True(t, VerifySignature(secret, params, sig))

	tests := []struct {
		name   string
		secret []byte
		params url.Values
		sig    string
	}{
		{"wrong secret", []byte("other"), params, sig},
		{"tampered success", secret, url.Values{"trackId": {"9876"}, "success": {"0"}}, sig},
		{"empty signature", secret, params, ""},
		{"not hex", secret, params, "zz"},
		{"truncated", secret, params, sig[:32]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, VerifySignature(tt.secret, tt.params, tt.sig))
		})
	}
}

func TestAllowlist(t *testing.T) {
	empty, err := ParseAllowlist(nil)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	assert.True(t, empty.Allows("203.0.113.9"))

	a, err := ParseAllowlist([]string{"10.0.0.0/8", " 192.168.1.5 ", "2001:db8::/32", ""})
	require.NoError(t, err)
	assert.False(t, a.Empty())

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.20.30.40", true},
		{"192.168.1.5", true},
		{"192.168.1.6", false},
		{"::ffff:10.1.1.1", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Allows(tt.ip))
		})
	}

	_, err = ParseAllowlist([]string{"10.0.0.0/99"})
	require.Error(t, err)
	_, err = ParseAllowlist([]string{"bogus"})
	require.Error(t, err)
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"300.00", 30000},
		{"0.015", 2},
		{"199.994", 19999},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MinorUnits(dec(tt.in)))
		})
	}
}
