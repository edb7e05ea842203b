package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certledger/certstore"
	"github.com/jmcleod/certledger/decode"
	"github.com/jmcleod/certledger/storage"
)

func TestBuildCoreWebhookPublisher(t *testing.T) {
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		received <- evt.Kind
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dataDir = t.TempDir()
	webhookURL = srv.URL
	t.Cleanup(func() {
		dataDir = "./data"
		webhookURL = ""
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := buildCore(context.Background(), logger)
	require.NoError(t, err)
	defer c.close()

	ctx := context.Background()
	issuer := "CN=Test CA,O=CertLedger,C=SE"
	raw := []byte("webhook-cert")
	sum := sha256.Sum256(raw)
	_, err = c.registry.Store(ctx, &decode.Certificate{
		Raw:          raw,
		Fingerprint:  hex.EncodeToString(sum[:]),
		IssuerDN:     issuer,
		SubjectDN:    "CN=alice,O=CertLedger,C=SE",
		SerialNumber: "9001",
		NotAfter:     time.Now().Add(24 * time.Hour),
	}, certstore.StoreParams{
		Username:      "alice",
		CAFingerprint: "cafp",
		Type:          storage.TypeEndEntity,
		ProfileID:     certstore.ProfileEndUser,
	})
	require.NoError(t, err)

	err = c.machine.SetRevocationStatus(ctx, issuer, "9001",
		storage.ReasonKeyCompromise, []int{webhookPublisherID}, "test")
	require.NoError(t, err)

	select {
	case kind := <-received:
		assert.Equal(t, "revoke", kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no webhook delivery")
	}
}
