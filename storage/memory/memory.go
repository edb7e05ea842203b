// Package memory provides a thread-safe in-memory implementation of
// storage.Repository. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/certledger/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
type Repository struct {
	mu        sync.RWMutex
	certs     map[string]*storage.CertificateRecord
	crls      map[string]*storage.CRLRecord
	histories map[string]*storage.RequestHistoryRecord
	profiles  map[int]*storage.ProfileRecord
	seals     map[string]*storage.SealRecord
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		certs:     make(map[string]*storage.CertificateRecord),
		crls:      make(map[string]*storage.CRLRecord),
		histories: make(map[string]*storage.RequestHistoryRecord),
		profiles:  make(map[int]*storage.ProfileRecord),
		seals:     make(map[string]*storage.SealRecord),
	}
}

// ---------------------------------------------------------------------------
// CertificateRepository
// ---------------------------------------------------------------------------

func (r *Repository) InsertCertificate(_ context.Context, rec *storage.CertificateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certs[rec.Fingerprint]; ok {
		return storage.ErrAlreadyExists
	}
	stored := storage.CloneCertificate(rec)
	stored.Version = 1
	r.certs[rec.Fingerprint] = stored
	return nil
}

func (r *Repository) CertificateByFingerprint(_ context.Context, fingerprint string) (*storage.CertificateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.certs[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneCertificate(rec), nil
}

func (r *Repository) CertificatesByIssuerAndSerial(_ context.Context, issuerDN, serial string) ([]*storage.CertificateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*storage.CertificateRecord
	for _, rec := range r.certs {
		if rec.IssuerDN == issuerDN && rec.SerialNumber == serial {
			out = append(out, storage.CloneCertificate(rec))
		}
	}
	return out, nil
}

func (r *Repository) CertificatesByIssuerAndSerials(_ context.Context, issuerDN string, serials []string) ([]*storage.CertificateRecord, error) {
	if issuerDN == "" || len(serials) == 0 {
		return nil, nil
	}
	wanted := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		wanted[s] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*storage.CertificateRecord
	for _, rec := range r.certs {
		if rec.IssuerDN != issuerDN {
			continue
		}
		if _, ok := wanted[rec.SerialNumber]; ok {
			out = append(out, storage.CloneCertificate(rec))
		}
	}
	return out, nil
}

func (r *Repository) CertificatesBySubject(_ context.Context, subjectDN, issuerDN string) ([]*storage.CertificateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*storage.CertificateRecord
	for _, rec := range r.certs {
		if rec.SubjectDN != subjectDN {
			continue
		}
		if issuerDN != "" && rec.IssuerDN != issuerDN {
			continue
		}
		out = append(out, storage.CloneCertificate(rec))
	}
	return out, nil
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

func sortByExpireDesc(recs []*storage.CertificateRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ExpireDate.After(recs[j].ExpireDate)
	})
}

func (r *Repository) CertificatesByOwner(_ context.Context, username string, statuses []storage.Status) ([]*storage.CertificateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*storage.CertificateRecord
	for _, rec := range r.certs {
		if rec.Username == username && statusIn(rec.Status, statuses) {
			out = append(out, storage.CloneCertificate(rec))
		}
	}
	sortByExpireDesc(out)
	return out, nil
}

func (r *Repository) CertificatesByExpiryWindow(_ context.Context, from, to time.Time, statuses []storage.Status, limit int) ([]*storage.CertificateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*storage.CertificateRecord
	for _, rec := range r.certs {
		if rec.ExpireDate.Before(from) || rec.ExpireDate.After(to) {
			continue
		}
		if !statusIn(rec.Status, statuses) {
			continue
		}
		out = append(out, storage.CloneCertificate(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpireDate.Before(out[j].ExpireDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) FingerprintsByIssuer(_ context.Context, issuerDN string) ([]storage.FingerprintExpiry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []storage.FingerprintExpiry
	for _, rec := range r.certs {
		if rec.IssuerDN == issuerDN {
			out = append(out, storage.FingerprintExpiry{
				Fingerprint: rec.Fingerprint,
				ExpireDate:  rec.ExpireDate,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpireDate.After(out[j].ExpireDate)
	})
	return out, nil
}

func (r *Repository) UpdateCertificateCAS(_ context.Context, expectedVersion uint64, rec *storage.CertificateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.certs[rec.Fingerprint]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	stored := storage.CloneCertificate(rec)
	stored.Version = expectedVersion + 1
	r.certs[rec.Fingerprint] = stored
	return nil
}

func (r *Repository) RevokeAllByIssuer(_ context.Context, issuerDN string, reason storage.Reason, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed int64
	// Phase 1: promote temp-revoked records, date and reason unchanged.
	for _, rec := range r.certs {
		if rec.IssuerDN == issuerDN && rec.Status == storage.StatusTempRevoked {
			rec.Status = storage.StatusRevoked
			rec.Version++
			changed++
		}
	}
	// Phase 2: revoke everything still not revoked.
	for _, rec := range r.certs {
		if rec.IssuerDN == issuerDN && rec.Status != storage.StatusRevoked {
			rec.Status = storage.StatusRevoked
			rec.RevocationDate = now
			rec.RevocationReason = reason
			rec.UpdateTime = now
			rec.Version++
			changed++
		}
	}
	return changed, nil
}

func (r *Repository) RevokedCertificates(_ context.Context, issuerDN string, sinceBase time.Time) ([]storage.RevokedInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []storage.RevokedInfo
	for _, rec := range r.certs {
		if rec.IssuerDN != issuerDN {
			continue
		}
		if sinceBase.IsZero() {
			if rec.Status != storage.StatusRevoked {
				continue
			}
		} else {
			if !rec.RevocationDate.After(sinceBase) {
				continue
			}
			unrevoked := rec.Status == storage.StatusActive && rec.RevocationReason == storage.ReasonRemoveFromCRL
			if rec.Status != storage.StatusRevoked && !unrevoked {
				continue
			}
		}
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

func (r *Repository) lastCRLNumberLocked(issuerDN string, delta bool) int64 {
	var max int64
	for _, rec := range r.crls {
		if rec.IssuerDN == issuerDN && rec.IsDelta() == delta && rec.Number > max {
			max = rec.Number
		}
	}
	return max
}

func (r *Repository) InsertCRL(_ context.Context, rec *storage.CRLRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.crls[rec.Fingerprint]; ok {
		return 0, storage.ErrAlreadyExists
	}
	prevMax := r.lastCRLNumberLocked(rec.IssuerDN, rec.IsDelta())
	r.crls[rec.Fingerprint] = storage.CloneCRL(rec)
	return prevMax, nil
}

func (r *Repository) CRLByFingerprint(_ context.Context, fingerprint string) (*storage.CRLRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.crls[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneCRL(rec), nil
}

func (r *Repository) LatestCRL(_ context.Context, issuerDN string, delta bool) (*storage.CRLRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *storage.CRLRecord
	for _, rec := range r.crls {
		if rec.IssuerDN != issuerDN || rec.IsDelta() != delta {
			continue
		}
		if latest == nil || rec.Number > latest.Number {
			latest = rec
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return storage.CloneCRL(latest), nil
}

func (r *Repository) LastCRLNumber(_ context.Context, issuerDN string, delta bool) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCRLNumberLocked(issuerDN, delta), nil
}

// ---------------------------------------------------------------------------
// HistoryRepository
// ---------------------------------------------------------------------------

func (r *Repository) InsertHistory(_ context.Context, rec *storage.RequestHistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histories[rec.Fingerprint]; ok {
		return storage.ErrAlreadyExists
	}
	r.histories[rec.Fingerprint] = storage.CloneHistory(rec)
	return nil
}

func (r *Repository) HistoryByFingerprint(_ context.Context, fingerprint string) (*storage.RequestHistoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.histories[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneHistory(rec), nil
}

func (r *Repository) HistoryByIssuerAndSerial(_ context.Context, issuerDN, serial string) (*storage.RequestHistoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.histories {
		if rec.IssuerDN == issuerDN && rec.SerialNumber == serial {
			return storage.CloneHistory(rec), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repository) HistoriesByOwner(_ context.Context, username string) ([]*storage.RequestHistoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*storage.RequestHistoryRecord
	for _, rec := range r.histories {
		if rec.Username == username {
			out = append(out, storage.CloneHistory(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (r *Repository) DeleteHistory(_ context.Context, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histories[fingerprint]; !ok {
		return storage.ErrNotFound
	}
	delete(r.histories, fingerprint)
	return nil
}

// ---------------------------------------------------------------------------
// ProfileRepository
// ---------------------------------------------------------------------------

func (r *Repository) ProfileByID(_ context.Context, id int) (*storage.ProfileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.profiles[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneProfile(rec), nil
}

func (r *Repository) UpsertProfile(_ context.Context, rec *storage.ProfileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[rec.ID] = storage.CloneProfile(rec)
	return nil
}

// ---------------------------------------------------------------------------
// SealRepository
// ---------------------------------------------------------------------------

func (r *Repository) PutSeal(_ context.Context, rec *storage.SealRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *rec
	stored.MAC = append([]byte(nil), rec.MAC...)
	r.seals[rec.Fingerprint] = &stored
	return nil
}

func (r *Repository) SealByFingerprint(_ context.Context, fingerprint string) (*storage.SealRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.seals[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rec
	out.MAC = append([]byte(nil), rec.MAC...)
	return &out, nil
}
