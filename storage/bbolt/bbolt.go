// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/certledger/storage"
)

var (
	bucketCertificates = []byte("certificates")
	bucketCRLs         = []byte("crls")
	bucketHistories    = []byte("histories")
	bucketProfiles     = []byte("profiles")
	bucketSeals        = []byte("seals")
)

// Store implements storage.Repository backed by a BBolt database.
//
// Records are stored JSON-encoded under their fingerprint. Secondary-key
// queries are cursor scans with in-process filtering; acceptable for the
// deployment sizes this backend targets, use postgres beyond that.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns
// a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	if tx.Writable() {
		return tx.CreateBucketIfNotExists(name)
	}
	b := tx.Bucket(name)
	if b == nil {
		return nil, nil
	}
	return b, nil
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// ---------------------------------------------------------------------------
// CertificateRepository
// ---------------------------------------------------------------------------

func (s *Store) InsertCertificate(_ context.Context, rec *storage.CertificateRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCertificates)
		if err != nil {
			return err
		}
		if b.Get([]byte(rec.Fingerprint)) != nil {
			return fmt.Errorf("%s: %w", rec.Fingerprint, storage.ErrAlreadyExists)
		}
		stored := storage.CloneCertificate(rec)
		stored.Version = 1
		return putJSON(b, rec.Fingerprint, stored)
	})
}

func (s *Store) CertificateByFingerprint(_ context.Context, fingerprint string) (*storage.CertificateRecord, error) {
	var rec storage.CertificateRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCertificates)
		if err != nil || b == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// scanCertificates walks every certificate record and collects those for
// which keep returns true.
func (s *Store) scanCertificates(keep func(*storage.CertificateRecord) bool) ([]*storage.CertificateRecord, error) {
	var out []*storage.CertificateRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCertificates)
		if err != nil || b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var rec storage.CertificateRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if keep(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) CertificatesByIssuerAndSerial(_ context.Context, issuerDN, serial string) ([]*storage.CertificateRecord, error) {
	return s.scanCertificates(func(rec *storage.CertificateRecord) bool {
		return rec.IssuerDN == issuerDN && rec.SerialNumber == serial
	})
}

func (s *Store) CertificatesByIssuerAndSerials(_ context.Context, issuerDN string, serials []string) ([]*storage.CertificateRecord, error) {
	if issuerDN == "" || len(serials) == 0 {
		return nil, nil
	}
	wanted := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		wanted[serial] = struct{}{}
	}
	return s.scanCertificates(func(rec *storage.CertificateRecord) bool {
		if rec.IssuerDN != issuerDN {
			return false
		}
		_, ok := wanted[rec.SerialNumber]
		return ok
	})
}

func (s *Store) CertificatesBySubject(_ context.Context, subjectDN, issuerDN string) ([]*storage.CertificateRecord, error) {
	return s.scanCertificates(func(rec *storage.CertificateRecord) bool {
		if rec.SubjectDN != subjectDN {
			return false
		}
		return issuerDN == "" || rec.IssuerDN == issuerDN
	})
}

func statusIn(s storage.Status, statuses []storage.Status) bool {
	if statuses == nil {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func (s *Store) CertificatesByOwner(_ context.Context, username string, statuses []storage.Status) ([]*storage.CertificateRecord, error) {
	out, err := s.scanCertificates(func(rec *storage.CertificateRecord) bool {
		return rec.Username == username && statusIn(rec.Status, statuses)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpireDate.After(out[j].ExpireDate)
	})
	return out, nil
}

func (s *Store) CertificatesByExpiryWindow(_ context.Context, from, to time.Time, statuses []storage.Status, limit int) ([]*storage.CertificateRecord, error) {
	out, err := s.scanCertificates(func(rec *storage.CertificateRecord) bool {
		if rec.ExpireDate.Before(from) || rec.ExpireDate.After(to) {
			return false
		}
		return statusIn(rec.Status, statuses)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpireDate.Before(out[j].ExpireDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FingerprintsByIssuer(_ context.Context, issuerDN string) ([]storage.FingerprintExpiry, error) {
	recs, err := s.scanCertificates(func(rec *storage.CertificateRecord) bool {
		return rec.IssuerDN == issuerDN
	})
	if err != nil {
		return nil, err
	}
	out := make([]storage.FingerprintExpiry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, storage.FingerprintExpiry{
			Fingerprint: rec.Fingerprint,
			ExpireDate:  rec.ExpireDate,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpireDate.After(out[j].ExpireDate)
	})
	return out, nil
}

func (s *Store) UpdateCertificateCAS(_ context.Context, expectedVersion uint64, rec *storage.CertificateRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCertificates)
		if err != nil {
			return err
		}
		data := b.Get([]byte(rec.Fingerprint))
		if data == nil {
			return fmt.Errorf("%s: %w", rec.Fingerprint, storage.ErrNotFound)
		}
		var existing storage.CertificateRecord
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
		stored := storage.CloneCertificate(rec)
		stored.Version = expectedVersion + 1
		return putJSON(b, rec.Fingerprint, stored)
	})
}

func (s *Store) RevokeAllByIssuer(_ context.Context, issuerDN string, reason storage.Reason, now time.Time) (int64, error) {
	var changed int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCertificates)
		if err != nil {
			return err
		}
		// Collect first: mutating a bucket invalidates a ForEach cursor.
		var updated []*storage.CertificateRecord
		err = b.ForEach(func(_, data []byte) error {
			var rec storage.CertificateRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.IssuerDN != issuerDN || rec.Status == storage.StatusRevoked {
				return nil
			}
			if rec.Status == storage.StatusTempRevoked {
				// Promote: date and reason stay as set by the earlier
				// temporary revocation.
				rec.Status = storage.StatusRevoked
			} else {
				rec.Status = storage.StatusRevoked
				rec.RevocationDate = now
				rec.RevocationReason = reason
				rec.UpdateTime = now
			}
			rec.Version++
			updated = append(updated, &rec)
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range updated {
			if err := putJSON(b, rec.Fingerprint, rec); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *Store) RevokedCertificates(_ context.Context, issuerDN string, sinceBase time.Time) ([]storage.RevokedInfo, error) {
	recs, err := s.scanCertificates(func(rec *storage.CertificateRecord) bool {
		if rec.IssuerDN != issuerDN {
			return false
		}
		if sinceBase.IsZero() {
			return rec.Status == storage.StatusRevoked
		}
		if !rec.RevocationDate.After(sinceBase) {
			return false
		}
		unrevoked := rec.Status == storage.StatusActive && rec.RevocationReason == storage.ReasonRemoveFromCRL
		return rec.Status == storage.StatusRevoked || unrevoked
	})
	if err != nil {
		return nil, err
	}
	out := make([]storage.RevokedInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, storage.RevokedInfo{
			Fingerprint:    rec.Fingerprint,
			SerialNumber:   rec.SerialNumber,
			ExpireDate:     rec.ExpireDate,
			RevocationDate: rec.RevocationDate,
			Reason:         rec.RevocationReason,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// CRLRepository
// ---------------------------------------------------------------------------

func lastCRLNumberInBucket(b *bbolt.Bucket, issuerDN string, delta bool) (int64, error) {
	var max int64
	err := b.ForEach(func(_, data []byte) error {
		var rec storage.CRLRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.IssuerDN == issuerDN && rec.IsDelta() == delta && rec.Number > max {
			max = rec.Number
		}
		return nil
	})
	return max, err
}

func (s *Store) InsertCRL(_ context.Context, rec *storage.CRLRecord) (int64, error) {
	var prevMax int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCRLs)
		if err != nil {
			return err
		}
		if b.Get([]byte(rec.Fingerprint)) != nil {
			return fmt.Errorf("%s: %w", rec.Fingerprint, storage.ErrAlreadyExists)
		}
		prevMax, err = lastCRLNumberInBucket(b, rec.IssuerDN, rec.IsDelta())
		if err != nil {
			return err
		}
		return putJSON(b, rec.Fingerprint, rec)
	})
	if err != nil {
		return 0, err
	}
	return prevMax, nil
}

func (s *Store) CRLByFingerprint(_ context.Context, fingerprint string) (*storage.CRLRecord, error) {
	var rec storage.CRLRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCRLs)
		if err != nil || b == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) LatestCRL(_ context.Context, issuerDN string, delta bool) (*storage.CRLRecord, error) {
	var latest *storage.CRLRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCRLs)
		if err != nil || b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var rec storage.CRLRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.IssuerDN != issuerDN || rec.IsDelta() != delta {
				return nil
			}
			if latest == nil || rec.Number > latest.Number {
				clone := rec
				latest = &clone
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) LastCRLNumber(_ context.Context, issuerDN string, delta bool) (int64, error) {
	var max int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCRLs)
		if err != nil || b == nil {
			return nil
		}
		max, err = lastCRLNumberInBucket(b, issuerDN, delta)
		return err
	})
	return max, err
}

// ---------------------------------------------------------------------------
// HistoryRepository
// ---------------------------------------------------------------------------

func (s *Store) InsertHistory(_ context.Context, rec *storage.RequestHistoryRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketHistories)
		if err != nil {
			return err
		}
		if b.Get([]byte(rec.Fingerprint)) != nil {
			return fmt.Errorf("%s: %w", rec.Fingerprint, storage.ErrAlreadyExists)
		}
		return putJSON(b, rec.Fingerprint, rec)
	})
}

func (s *Store) HistoryByFingerprint(_ context.Context, fingerprint string) (*storage.RequestHistoryRecord, error) {
	var rec storage.RequestHistoryRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketHistories)
		if err != nil || b == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) scanHistories(keep func(*storage.RequestHistoryRecord) bool) ([]*storage.RequestHistoryRecord, error) {
	var out []*storage.RequestHistoryRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketHistories)
		if err != nil || b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var rec storage.RequestHistoryRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if keep(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) HistoryByIssuerAndSerial(_ context.Context, issuerDN, serial string) (*storage.RequestHistoryRecord, error) {
	recs, err := s.scanHistories(func(rec *storage.RequestHistoryRecord) bool {
		return rec.IssuerDN == issuerDN && rec.SerialNumber == serial
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, storage.ErrNotFound
	}
	return recs[0], nil
}

func (s *Store) HistoriesByOwner(_ context.Context, username string) ([]*storage.RequestHistoryRecord, error) {
	out, err := s.scanHistories(func(rec *storage.RequestHistoryRecord) bool {
		return rec.Username == username
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) DeleteHistory(_ context.Context, fingerprint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketHistories)
		if err != nil {
			return err
		}
		if b.Get([]byte(fingerprint)) == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		return b.Delete([]byte(fingerprint))
	})
}

// ---------------------------------------------------------------------------
// ProfileRepository
// ---------------------------------------------------------------------------

func profileKey(id int) []byte {
	return []byte(fmt.Sprintf("%d", id))
}

func (s *Store) ProfileByID(_ context.Context, id int) (*storage.ProfileRecord, error) {
	var rec storage.ProfileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketProfiles)
		if err != nil || b == nil {
			return fmt.Errorf("profile %d: %w", id, storage.ErrNotFound)
		}
		data := b.Get(profileKey(id))
		if data == nil {
			return fmt.Errorf("profile %d: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) UpsertProfile(_ context.Context, rec *storage.ProfileRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketProfiles)
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(profileKey(rec.ID), data)
	})
}

// ---------------------------------------------------------------------------
// SealRepository
// ---------------------------------------------------------------------------

func (s *Store) PutSeal(_ context.Context, rec *storage.SealRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSeals)
		if err != nil {
			return err
		}
		return putJSON(b, rec.Fingerprint, rec)
	})
}

func (s *Store) SealByFingerprint(_ context.Context, fingerprint string) (*storage.SealRecord, error) {
	var rec storage.SealRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSeals)
		if err != nil || b == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
