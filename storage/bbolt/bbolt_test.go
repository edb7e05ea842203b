package bbolt

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/certledger/storage"
)

const issuer = "CN=Test CA,O=CertLedger,C=SE"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "certledger-test-*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()

	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewRepository(db)
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

func TestBBoltCertificates(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	rec := cert("fp1", "1", storage.StatusActive)
	require.NoError(t, repo.InsertCertificate(ctx, rec))

	got, err := repo.CertificateByFingerprint(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.SerialNumber)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, rec.ExpireDate, got.ExpireDate)

	err = repo.InsertCertificate(ctx, cert("fp1", "1", storage.StatusActive))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = repo.CertificateByFingerprint(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	recs, err := repo.CertificatesByIssuerAndSerial(ctx, issuer, "1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestBBoltCAS(t *testing.T) {
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

	after, err := repo.CertificateByFingerprint(ctx, "fp-cas")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, after.Status)
	assert.Equal(t, stored.Version+1, after.Version)

	stale := storage.CloneCertificate(stored)
	err = repo.UpdateCertificateCAS(ctx, stored.Version, stale)
	assert.ErrorIs(t, err, storage.ErrCASFailed)
}

func TestBBoltRevokeAllByIssuer(t *testing.T) {
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

	got, _ := repo.CertificateByFingerprint(ctx, "b1")
	assert.Equal(t, storage.StatusRevoked, got.Status)
	assert.Equal(t, storage.ReasonCessationOfOperation, got.RevocationReason)

	promoted, _ := repo.CertificateByFingerprint(ctx, "b2")
	assert.Equal(t, storage.StatusRevoked, promoted.Status)
	assert.Equal(t, storage.ReasonCACompromise, promoted.RevocationReason)
	assert.Equal(t, now.Add(-time.Hour), promoted.RevocationDate)
}

func TestBBoltCRLs(t *testing.T) {
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

	last, err = repo.LastCRLNumber(ctx, issuer, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)

	latest, err := repo.LatestCRL(ctx, issuer, false)
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.Fingerprint)
}

func TestBBoltRevokedCertificates(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	early := cert("r1", "70", storage.StatusRevoked)
	early.RevocationDate = now.Add(-2 * time.Hour)
	early.RevocationReason = storage.ReasonKeyCompromise
	require.NoError(t, repo.InsertCertificate(ctx, early))

	released := cert("r2", "71", storage.StatusActive)
	released.RevocationDate = now.Add(-5 * time.Minute)
	released.RevocationReason = storage.ReasonRemoveFromCRL
	require.NoError(t, repo.InsertCertificate(ctx, released))

	full, err := repo.RevokedCertificates(ctx, issuer, time.Time{})
	require.NoError(t, err)
	require.Len(t, full, 1)
	assert.Equal(t, "70", full[0].SerialNumber)

	delta, err := repo.RevokedCertificates(ctx, issuer, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, delta, 1)
	assert.Equal(t, "71", delta[0].SerialNumber)
	assert.Equal(t, storage.ReasonRemoveFromCRL, delta[0].Reason)
}

func TestBBoltHistoriesProfilesSeals(t *testing.T) {
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
	}
	require.NoError(t, repo.InsertHistory(ctx, hist))

	got, err := repo.HistoryByIssuerAndSerial(ctx, issuer, "80")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.Fingerprint)

	require.NoError(t, repo.DeleteHistory(ctx, "h1"))
	_, err = repo.HistoryByFingerprint(ctx, "h1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.UpsertProfile(ctx, &storage.ProfileRecord{ID: 100, Name: "P"}))
	p, err := repo.ProfileByID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "P", p.Name)

	require.NoError(t, repo.PutSeal(ctx, &storage.SealRecord{Fingerprint: "s1", MAC: []byte{1}}))
	require.NoError(t, repo.PutSeal(ctx, &storage.SealRecord{Fingerprint: "s1", MAC: []byte{2}}))
	seal, err := repo.SealByFingerprint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, seal.MAC)
}

func TestBBoltOpenFromFile(t *testing.T) {
	path := t.TempDir() + "/ledger.db"
	store, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)

	require.NoError(t, store.InsertCertificate(context.Background(), cert("fp-file", "90", storage.StatusActive)))
	require.NoError(t, store.Close())

	// Reopen and read back.
	store, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.CertificateByFingerprint(context.Background(), "fp-file")
	require.NoError(t, err)
	assert.Equal(t, "90", got.SerialNumber)
}
