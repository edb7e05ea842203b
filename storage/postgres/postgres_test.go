package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certledger/storage"
)

const issuer = "CN=Test CA,O=CertLedger,C=SE"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CERTLEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CERTLEDGER_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, pool))

	truncate := func() {
		for _, table := range []string{"certificates", "crls", "request_histories", "profiles", "seals"} {
			pool.Exec(ctx, "DELETE FROM "+table) //nolint:errcheck
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})

	return NewRepository(pool)
}

func cert(fingerprint, serial string, status storage.Status) *storage.CertificateRecord {
	return &storage.CertificateRecord{
		Fingerprint:      fingerprint,
		CAFingerprint:    "cafp",
		SerialNumber:     serial,
		IssuerDN:         issuer,
		SubjectDN:        "CN=subject-" + serial,
		Status:           status,
		Type:             storage.TypeEndEntity,
		ProfileID:        1,
		Username:         "alice",
		ExpireDate:       time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		RevocationReason: storage.ReasonNotRevoked,
		UpdateTime:       time.Now().UTC().Truncate(time.Second),
		Raw:              []byte("raw-" + fingerprint),
	}
}

func TestPostgresCertificates(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	rec := cert("fp1", "1", storage.StatusActive)
	require.NoError(t, repo.InsertCertificate(ctx, rec))

	got, err := repo.CertificateByFingerprint(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.SerialNumber)
	assert.Equal(t, uint64(1), got.Version)
	assert.True(t, got.RevocationDate.IsZero())

	err = repo.InsertCertificate(ctx, cert("fp1", "1", storage.StatusActive))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = repo.CertificateByFingerprint(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresCAS(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertCertificate(ctx, cert("fp-cas", "50", storage.StatusActive)))
	stored, err := repo.CertificateByFingerprint(ctx, "fp-cas")
	require.NoError(t, err)

	updated := storage.CloneCertificate(stored)
	updated.Status = storage.StatusRevoked
	updated.RevocationDate = time.Now().UTC().Truncate(time.Second)
	updated.RevocationReason = storage.ReasonKeyCompromise
	require.NoError(t, repo.UpdateCertificateCAS(ctx, stored.Version, updated))

	err = repo.UpdateCertificateCAS(ctx, stored.Version, updated)
	assert.ErrorIs(t, err, storage.ErrCASFailed)

	after, err := repo.CertificateByFingerprint(ctx, "fp-cas")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, after.Status)
	assert.Equal(t, stored.Version+1, after.Version)
}

func TestPostgresRevokeAllAndRevokedCertificates(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.InsertCertificate(ctx, cert("b1", "60", storage.StatusActive)))

	temp := cert("b2", "61", storage.StatusTempRevoked)
	temp.RevocationDate = now.Add(-time.Hour)
	temp.RevocationReason = storage.ReasonCACompromise
	require.NoError(t, repo.InsertCertificate(ctx, temp))

	changed, err := repo.RevokeAllByIssuer(ctx, issuer, storage.ReasonCessationOfOperation, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	promoted, err := repo.CertificateByFingerprint(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, promoted.Status)
	assert.Equal(t, storage.ReasonCACompromise, promoted.RevocationReason)

	released := cert("r1", "70", storage.StatusActive)
	released.RevocationDate = now
	released.RevocationReason = storage.ReasonRemoveFromCRL
	require.NoError(t, repo.InsertCertificate(ctx, released))

	full, err := repo.RevokedCertificates(ctx, issuer, time.Time{})
	require.NoError(t, err)
	assert.Len(t, full, 2)

	delta, err := repo.RevokedCertificates(ctx, issuer, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, delta, 2)
}

func TestPostgresCRLs(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	crl := func(fp string, number int64, deltaBase int64) *storage.CRLRecord {
		return &storage.CRLRecord{
			Fingerprint: fp,
			IssuerDN:    issuer,
			Number:      number,
			ThisUpdate:  time.Now().UTC().Truncate(time.Second),
			NextUpdate:  time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second),
			DeltaBase:   deltaBase,
			Raw:         []byte(fp),
		}
	}

	prev, err := repo.InsertCRL(ctx, crl("c1", 1, -1))
	require.NoError(t, err)
	assert.Zero(t, prev)

	prev, err = repo.InsertCRL(ctx, crl("c2", 2, -1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), prev)

	prev, err = repo.InsertCRL(ctx, crl("c3", 1, 2))
	require.NoError(t, err)
	assert.Zero(t, prev)

	last, err := repo.LastCRLNumber(ctx, issuer, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	latest, err := repo.LatestCRL(ctx, issuer, true)
	require.NoError(t, err)
	assert.Equal(t, "c3", latest.Fingerprint)
}

func TestPostgresCRLInsertSerializes(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	prevs := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			prev, err := repo.InsertCRL(ctx, &storage.CRLRecord{
				Fingerprint: fmt.Sprintf("concurrent-%d", n),
				IssuerDN:    issuer,
				Number:      int64(n + 1),
				ThisUpdate:  time.Now().UTC().Truncate(time.Second),
				NextUpdate:  time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second),
				DeltaBase:   -1,
				Raw:         []byte{byte(n)},
			})
			assert.NoError(t, err)
			prevs <- prev
		}(i)
	}
	wg.Wait()
	close(prevs)

	// Each insert must observe a distinct prior maximum, otherwise two
	// writers read the same stale value and the numbering check upstream
	// can never fire.
	seen := make(map[int64]bool)
	for prev := range prevs {
		assert.False(t, seen[prev], "duplicate prevMax %d", prev)
		seen[prev] = true
	}
	assert.Len(t, seen, workers)
}

func TestPostgresHistoriesProfilesSeals(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	hist := &storage.RequestHistoryRecord{
		Fingerprint:  "h1",
		SerialNumber: "80",
		IssuerDN:     issuer,
		Username:     "bob",
		SubjectDN:    "CN=bob",
		ProfileID:    1,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
		ExtendedInfo: map[string]string{"k": "v"},
	}
	require.NoError(t, repo.InsertHistory(ctx, hist))

	got, err := repo.HistoryByFingerprint(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.ExtendedInfo["k"])

	list, err := repo.HistoriesByOwner(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteHistory(ctx, "h1"))
	assert.ErrorIs(t, repo.DeleteHistory(ctx, "h1"), storage.ErrNotFound)

	require.NoError(t, repo.UpsertProfile(ctx, &storage.ProfileRecord{ID: 100, Name: "P", PublisherIDs: []int{1}}))
	require.NoError(t, repo.UpsertProfile(ctx, &storage.ProfileRecord{ID: 100, Name: "P2"}))
	p, err := repo.ProfileByID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "P2", p.Name)

	require.NoError(t, repo.PutSeal(ctx, &storage.SealRecord{Fingerprint: "s1", MAC: []byte{1}, SealedAt: time.Now().UTC()}))
	require.NoError(t, repo.PutSeal(ctx, &storage.SealRecord{Fingerprint: "s1", MAC: []byte{2}, SealedAt: time.Now().UTC()}))
	seal, err := repo.SealByFingerprint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, seal.MAC)
}
