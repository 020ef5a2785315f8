package shipping

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/shipment"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "key-1"})
}

func TestClient_CreateParcel(t *testing.T) {
	var body string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/parcels/bulk", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("x-api-key"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		_, _ = io.WriteString(w, `{"data":{"orders":[{"order_no":9001,"parcels":[{"parcel_no":"PX-55","status":"created"}]}]}}`)
	})

	p, err := c.CreateParcel(context.Background(), shipment.ParcelRequest{
		OrderID: "o-1",
		Receiver: shipment.Receiver{
			Name:       "Sara Ahmadi",
			Phone:      "09121234567",
			Address:    "No. 4, Azadi St",
			CityCode:   1,
			PostalCode: "1234567890",
		},
		Items:       []shipment.ParcelItem{{Name: "Mug", Count: 2}},
		TotalWeight: 500,
		TotalValue:  300,
	})
	require.NoError(t, err)
	assert.Equal(t, &shipment.Parcel{ParcelNo: "PX-55", OrderNo: "9001"}, p)
	assert.JSONEq(t, `{
		"collection_type": "pick_up",
		"parcels": [{
			"to": {
				"contact": {"name": "Sara Ahmadi", "mobile": "09121234567"},
				"location": {"address": "No. 4, Azadi St", "city_code": 1, "postal_code": "1234567890"}
			},
			"parcel_items": [{"name": "Mug", "count": 2}],
			"parcel_properties": {"total_weight": 500, "total_value": 300}
		}]
	}`, body)
}

func TestClient_CreateParcelErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusServiceUnavailable, `down`, true},
		{"rate limited", http.StatusTooManyRequests, `slow down`, true},
		{"bad request", http.StatusBadRequest, `{"message":"invalid city_code"}`, false},
		{"no parcel in response", http.StatusOK, `{"data":{"orders":[]}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.CreateParcel(context.Background(), shipment.ParcelRequest{})
			require.Error(t, err)
			assert.Equal(t, tt.transient, shipment.IsTransient(err))
		})
	}
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	c := New(Config{BaseURL: srv.URL})

	_, err := c.CreateParcel(context.Background(), shipment.ParcelRequest{})
	require.Error(t, err)
	assert.True(t, shipment.IsTransient(err))
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, TrackingTimeout: 20 * time.Millisecond})

	_, err := c.Tracking(context.Background(), "PX-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, shipment.IsTransient(err))
}

func TestClient_Tracking(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []shipment.TrackingEvent
	}{
		{
			name: "event array",
			body: `{"data":[
				{"status":"Registered","description":"parcel registered","date":"2024-05-01T10:00:00Z"},
				{"status":"out for delivery","description":"with courier","date":"2024-05-02 09:30:00"}
			]}`,
			want: []shipment.TrackingEvent{
				{State: shipment.StateCreated, Description: "parcel registered", Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
				{State: shipment.StateInTransit, Description: "with courier", Time: time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)},
			},
		},
		{
			name: "events object",
			body: `{"data":{"parcel_no":"PX-1","events":[{"state":"delivered","time":"2024-05-03T12:00:00"}]}}`,
			want: []shipment.TrackingEvent{
				{State: shipment.StateDelivered, Time: time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)},
			},
		},
		{
			name: "empty",
			body: `{"data":null}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/api/v1/tracking/events/PX-1", r.URL.Path)
				_, _ = io.WriteString(w, tt.body)
			})
			got, err := c.Tracking(context.Background(), "PX-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_CancelParcel(t *testing.T) {
	var called bool
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/parcels/PX-1", r.URL.Path)
		_, _ = io.WriteString(w, `{"data":{"canceled":true}}`)
	})
	require.NoError(t, c.CancelParcel(context.Background(), "PX-1"))
	assert.True(t, called)
	assert.Equal(t, ProviderName, c.Name())
}

func TestNormalizeState(t *testing.T) {
	for in, want := range map[string]shipment.State{
		"Delivered":        shipment.StateDelivered,
		"  picked up ":     shipment.StatePickedUp,
		"CANCELLED":        shipment.StateCanceled,
		"returned":         shipment.StateReturned,
		"something-unseen": shipment.StateCreated,
	} {
		assert.Equal(t, want, normalizeState(in), in)
	}
}
