package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nfrund/hookscript/internal/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Notify(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Notification, 1)
	require.NoError(t, pubsub.Subscribe(ctx, bus, Notifications, func(ctx context.Context, source string, n Notification) error {
		received <- n
		return nil
	}))

	svc := New(bus, Config{})
	require.NoError(t, svc.Notify(ctx, "billing", "invoice paid", map[string]any{"id": "inv-1"}))

	select {
	case n := <-received:
		assert.Equal(t, "billing", n.Channel)
		assert.Equal(t, "invoice paid", n.Message)
		assert.Equal(t, map[string]any{"id": "inv-1"}, n.Payload)
		assert.False(t, n.SentAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	assert.Error(t, svc.Notify(ctx, "", "no channel", nil))
}

func TestService_Webhook(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	svc := New(nil, Config{})
	status, err := svc.Webhook(context.Background(), server.URL+"/hooks/paid", map[string]any{"id": "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, map[string]any{"id": "inv-1"}, got)
}

func TestService_WebhookErrorStatusIsAResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	status, err := New(nil, Config{}).Webhook(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestService_WebhookRejectsBadURLs(t *testing.T) {
	svc := New(nil, Config{})
	for _, u := range []string{"", "ftp://example.com/x", "/relative", "http://"} {
		_, err := svc.Webhook(context.Background(), u, nil)
		assert.ErrorIs(t, err, ErrInvalidURL, u)
	}
}

func TestService_WebhookRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := New(nil, Config{RatePerSec: 0.01, Burst: 1, Timeout: 50 * time.Millisecond})

	_, err := svc.Webhook(context.Background(), server.URL, nil)
	require.NoError(t, err)

	_, err = svc.Webhook(context.Background(), server.URL, nil)
	assert.ErrorContains(t, err, "rate limited")
}

func TestService_WebhookTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(nil, Config{}).Webhook(context.Background(), url, nil)
	assert.Error(t, err)
}
