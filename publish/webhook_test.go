package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPublisher_DeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var received []webhookEvent
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		received = append(received, evt)
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookPublisher(srv.URL, "Authorization: Bearer token123", nil)

	require.NoError(t, w.StoreCertificate(context.Background(), StoreRequest{Username: "alice", DN: "CN=alice"}))
	require.NoError(t, w.RevokeCertificate(context.Background(), RevokeRequest{Username: "alice", Reason: 1, RevocationDate: time.Now()}))
	w.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "store", received[0].Kind)
	assert.Equal(t, "revoke", received[1].Kind)
	assert.NotEmpty(t, received[0].DeliveryID)
	assert.NotEqual(t, received[0].DeliveryID, received[1].DeliveryID)
	assert.Equal(t, "Bearer token123", gotAuth)
}

func TestWebhookPublisher_RetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookPublisher(srv.URL, "", nil)
	require.NoError(t, w.StoreCertificate(context.Background(), StoreRequest{Username: "bob"}))
	w.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestSplitHeader(t *testing.T) {
	name, value, ok := splitHeader("X-Api-Key: secret")
	assert.True(t, ok)
	assert.Equal(t, "X-Api-Key", name)
	assert.Equal(t, "secret", value)

	_, _, ok = splitHeader("no-colon")
	assert.False(t, ok)
}
