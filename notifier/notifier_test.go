package notifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certledger/certstore"
	"github.com/jmcleod/certledger/decode"
	"github.com/jmcleod/certledger/storage"
	"github.com/jmcleod/certledger/storage/memory"
)

func storeExpiring(t *testing.T, reg *certstore.Registry, serial string, notAfter time.Time) *storage.CertificateRecord {
	t.Helper()
	raw := []byte("cert-" + serial)
	sum := sha256.Sum256(raw)
	rec, err := reg.Store(context.Background(), &decode.Certificate{
		Raw:          raw,
		Fingerprint:  hex.EncodeToString(sum[:]),
		IssuerDN:     "CN=Test CA",
		SubjectDN:    "CN=user-" + serial,
		SerialNumber: serial,
		NotAfter:     notAfter,
	}, certstore.StoreParams{Username: "alice"})
	require.NoError(t, err)
	return rec
}

func TestNotifier_MarksExpiringCertificates(t *testing.T) {
	repo := memory.NewRepository()
	reg := certstore.NewRegistry(repo)
	sm := certstore.NewStateMachine(reg, nil)

	soon := storeExpiring(t, reg, "1", time.Now().Add(24*time.Hour))
	later := storeExpiring(t, reg, "2", time.Now().Add(90*24*time.Hour))

	var notified []string
	n := New(reg, sm, 7*24*time.Hour, func(_ context.Context, rec *storage.CertificateRecord) error {
		notified = append(notified, rec.SerialNumber)
		return nil
	}, nil)

	require.NoError(t, n.Run(context.Background()))
	assert.Equal(t, []string{"1"}, notified)

	got, err := reg.ByFingerprint(context.Background(), soon.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusNotifiedAboutExpiration, got.Status)

	got, err = reg.ByFingerprint(context.Background(), later.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, got.Status)

	// A second sweep finds nothing new.
	require.NoError(t, n.Run(context.Background()))
	assert.Len(t, notified, 1)
}

func TestNotifier_FailedNotificationRetriesNextSweep(t *testing.T) {
	repo := memory.NewRepository()
	reg := certstore.NewRegistry(repo)
	sm := certstore.NewStateMachine(reg, nil)

	rec := storeExpiring(t, reg, "3", time.Now().Add(24*time.Hour))

	calls := 0
	n := New(reg, sm, 7*24*time.Hour, func(_ context.Context, _ *storage.CertificateRecord) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("smtp down")
		}
		return nil
	}, nil)

	require.NoError(t, n.Run(context.Background()))
	got, err := reg.ByFingerprint(context.Background(), rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, got.Status)

	require.NoError(t, n.Run(context.Background()))
	got, err = reg.ByFingerprint(context.Background(), rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusNotifiedAboutExpiration, got.Status)
	assert.Equal(t, 2, calls)
}
