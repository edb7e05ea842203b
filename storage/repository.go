// Package storage provides the storage abstraction layer for certificate,
// CRL and request-history records.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup misses.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when an insert collides with an existing
	// record under the same fingerprint.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// CertificateRepository stores certificate records keyed by fingerprint.
type CertificateRepository interface {
	// InsertCertificate creates a new record. The stored record's Version is
	// set to 1. Returns ErrAlreadyExists if the fingerprint is taken.
	InsertCertificate(ctx context.Context, rec *CertificateRecord) error

	// CertificateByFingerprint returns the record or ErrNotFound.
	CertificateByFingerprint(ctx context.Context, fingerprint string) (*CertificateRecord, error)

	// CertificatesByIssuerAndSerial returns every record matching the pair.
	// More than one result is a data-integrity anomaly the caller must log.
	CertificatesByIssuerAndSerial(ctx context.Context, issuerDN, serial string) ([]*CertificateRecord, error)

	// CertificatesByIssuerAndSerials is the batch form. An empty issuer or
	// empty serial set yields an empty result, not an error.
	CertificatesByIssuerAndSerials(ctx context.Context, issuerDN string, serials []string) ([]*CertificateRecord, error)

	// CertificatesBySubject returns records for the subject, optionally
	// restricted to one issuer (empty issuerDN matches all).
	CertificatesBySubject(ctx context.Context, subjectDN, issuerDN string) ([]*CertificateRecord, error)

	// CertificatesByOwner returns the owner's records ordered by expire date
	// descending, optionally restricted to a status set (nil matches all).
	CertificatesByOwner(ctx context.Context, username string, statuses []Status) ([]*CertificateRecord, error)

	// CertificatesByExpiryWindow returns records expiring in [from, to] with
	// a status in statuses, truncated to limit rows (limit <= 0 means no cap).
	CertificatesByExpiryWindow(ctx context.Context, from, to time.Time, statuses []Status, limit int) ([]*CertificateRecord, error)

	// FingerprintsByIssuer lists (fingerprint, expireDate) for every record
	// of the issuer, ordered by expire date descending. Unsuitable for
	// issuers with very large certificate populations.
	FingerprintsByIssuer(ctx context.Context, issuerDN string) ([]FingerprintExpiry, error)

	// UpdateCertificateCAS replaces the record if the stored Version equals
	// expectedVersion, storing rec with Version = expectedVersion + 1.
	// Returns ErrCASFailed on version skew and ErrNotFound if absent.
	UpdateCertificateCAS(ctx context.Context, expectedVersion uint64, rec *CertificateRecord) error

	// RevokeAllByIssuer atomically applies the CA-decommission bulk
	// transition: temp-revoked records become revoked with date and reason
	// unchanged, then every remaining non-revoked record becomes revoked
	// with the given reason and now. Returns the number of records changed.
	RevokeAllByIssuer(ctx context.Context, issuerDN string, reason Reason, now time.Time) (int64, error)

	// RevokedCertificates returns CRL content for the issuer. A zero
	// sinceBase yields every currently revoked certificate (full CRL). A
	// non-zero sinceBase yields records with RevocationDate > sinceBase that
	// are either revoked, or active with reason RemoveFromCRL (hold released
	// since the base CRL).
	RevokedCertificates(ctx context.Context, issuerDN string, sinceBase time.Time) ([]RevokedInfo, error)
}

// CRLRepository stores issued CRL records keyed by fingerprint.
type CRLRepository interface {
	// InsertCRL creates the record and returns the highest CRL number
	// previously stored for (issuerDN, delta-ness), 0 if none. The max-read
	// and the insert execute atomically so concurrent issuance for one
	// issuer serializes. Returns ErrAlreadyExists on a duplicate fingerprint.
	InsertCRL(ctx context.Context, rec *CRLRecord) (prevMax int64, err error)

	// CRLByFingerprint returns the record or ErrNotFound.
	CRLByFingerprint(ctx context.Context, fingerprint string) (*CRLRecord, error)

	// LatestCRL returns the record with the highest number among the
	// issuer's full CRLs (delta false) or delta CRLs (delta true).
	LatestCRL(ctx context.Context, issuerDN string, delta bool) (*CRLRecord, error)

	// LastCRLNumber returns the highest number among the issuer's full or
	// delta CRLs, 0 if none exist.
	LastCRLNumber(ctx context.Context, issuerDN string, delta bool) (int64, error)
}

// HistoryRepository stores request-history snapshots keyed by fingerprint.
type HistoryRepository interface {
	InsertHistory(ctx context.Context, rec *RequestHistoryRecord) error
	HistoryByFingerprint(ctx context.Context, fingerprint string) (*RequestHistoryRecord, error)
	HistoryByIssuerAndSerial(ctx context.Context, issuerDN, serial string) (*RequestHistoryRecord, error)
	HistoriesByOwner(ctx context.Context, username string) ([]*RequestHistoryRecord, error)
	DeleteHistory(ctx context.Context, fingerprint string) error
}

// ProfileRepository stores dynamically defined certificate profiles.
type ProfileRepository interface {
	ProfileByID(ctx context.Context, id int) (*ProfileRecord, error)
	UpsertProfile(ctx context.Context, rec *ProfileRecord) error
}

// SealRepository stores tamper-evidence seals keyed by certificate
// fingerprint. Put overwrites: re-sealing after a mutation is the normal case.
type SealRepository interface {
	PutSeal(ctx context.Context, rec *SealRecord) error
	SealByFingerprint(ctx context.Context, fingerprint string) (*SealRecord, error)
}

// Repository is the full persistence contract a backend implements.
type Repository interface {
	CertificateRepository
	CRLRepository
	HistoryRepository
	ProfileRepository
	SealRepository
}
