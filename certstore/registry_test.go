package certstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certledger/storage"
)

func TestRegistry_StoreAndLookup(t *testing.T) {
	_, reg, _, sink := newTestCore(t)
	ctx := context.Background()

	rec := storeTestCert(t, reg, "1001", "alice")
	assert.Equal(t, 1, sink.count(AuditCertStored))

	got, err := reg.ByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
	assert.Equal(t, "1001", got.SerialNumber)
	assert.Equal(t, storage.StatusActive, got.Status)
	assert.Equal(t, storage.ReasonNotRevoked, got.RevocationReason)
	assert.True(t, got.RevocationDate.IsZero())

	byPair, err := reg.ByIssuerAndSerial(ctx, testIssuer, "1001")
	require.NoError(t, err)
	assert.Equal(t, rec.Fingerprint, byPair.Fingerprint)
}

func TestRegistry_StoreDuplicateFingerprint(t *testing.T) {
	_, reg, _, _ := newTestCore(t)
	ctx := context.Background()

	rec := storeTestCert(t, reg, "1002", "alice")

	_, err := reg.Store(ctx, testCert("1002"), StoreParams{Username: "mallory"})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	// The existing record is untouched.
	got, err := reg.ByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestRegistry_LookupMisses(t *testing.T) {
	_, reg, _, _ := newTestCore(t)
	ctx := context.Background()

	_, err := reg.ByFingerprint(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = reg.ByIssuerAndSerial(ctx, testIssuer, "99999")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = reg.RevocationStatus(ctx, testIssuer, "99999")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistry_ByIssuerAndSerialsBatch(t *testing.T) {
	_, reg, _, _ := newTestCore(t)
	ctx := context.Background()

	storeTestCert(t, reg, "2001", "bob")
	storeTestCert(t, reg, "2002", "bob")
	storeTestCert(t, reg, "2003", "bob")

	recs, err := reg.ByIssuerAndSerials(ctx, testIssuer, []string{"2001", "2003", "no-such"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// Empty input yields empty output, not an error.
	recs, err = reg.ByIssuerAndSerials(ctx, testIssuer, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = reg.ByIssuerAndSerials(ctx, "", []string{"2001"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRegistry_ByOwnerOrdering(t *testing.T) {
	_, reg, _, _ := newTestCore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Second)
	for i, serial := range []string{"3001", "3002", "3003"} {
		cert := testCert(serial)
		cert.NotAfter = base.Add(time.Duration(i) * time.Hour)
		_, err := reg.Store(ctx, cert, StoreParams{Username: "carol"})
		require.NoError(t, err)
	}

	recs, err := reg.ByOwner(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "3003", recs[0].SerialNumber)
	assert.Equal(t, "3001", recs[2].SerialNumber)
}

func TestRegistry_ExpiryWindowCap(t *testing.T) {
	mem, regFull, _, _ := newTestCore(t)
	ctx := context.Background()

	capped := NewRegistry(mem, WithExpiryRowCap(2))

	base := time.Now()
	for _, serial := range []string{"4001", "4002", "4003", "4004"} {
		cert := testCert(serial)
		cert.NotAfter = base.Add(24 * time.Hour)
		_, err := regFull.Store(ctx, cert, StoreParams{Username: "dave"})
		require.NoError(t, err)
	}

	window := []storage.Status{storage.StatusActive}
	all, err := regFull.ByExpiryWindow(ctx, base, base.Add(48*time.Hour), window)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	truncated, err := capped.ByExpiryWindow(ctx, base, base.Add(48*time.Hour), window)
	require.NoError(t, err)
	assert.Len(t, truncated, 2)
}

func TestRegistry_OwnerByIssuerAndSerial(t *testing.T) {
	_, reg, _, _ := newTestCore(t)
	ctx := context.Background()

	storeTestCert(t, reg, "5001", "erin")

	owner, err := reg.OwnerByIssuerAndSerial(ctx, testIssuer, "5001")
	require.NoError(t, err)
	assert.Equal(t, "erin", owner)

	_, err = reg.OwnerByIssuerAndSerial(ctx, testIssuer, "5002")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistry_DNNormalizationOnLookup(t *testing.T) {
	_, reg, _, _ := newTestCore(t)
	ctx := context.Background()

	storeTestCert(t, reg, "6001", "frank")

	// Same DN, different component order and spacing.
	rec, err := reg.ByIssuerAndSerial(ctx, "C=SE, O=CertLedger, CN=Test CA", "6001")
	require.NoError(t, err)
	assert.Equal(t, "frank", rec.Username)

	// Same DN, different value capitalization.
	rec, err = reg.ByIssuerAndSerial(ctx, "cn=TEST ca,o=certledger,c=se", "6001")
	require.NoError(t, err)
	assert.Equal(t, "frank", rec.Username)
}
