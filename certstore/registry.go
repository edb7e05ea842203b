// Package certstore implements the certificate record store: the registry of
// issued certificates, the revocation state machine, the CRL ledger, request
// history, tamper-evidence sealing and publisher fan-out coordination.
package certstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/certledger/decode"
	"github.com/jmcleod/certledger/storage"
)

// defaultExpiryRowCap bounds the result size of expiry-window queries fed to
// notification jobs.
const defaultExpiryRowCap = 10000

// Registry is the sole owner of certificate record storage. All lookups and
// the initial store go through it; status mutations go through the
// StateMachine, which it backs.
type Registry struct {
	repo         storage.CertificateRepository
	gate         *Gate
	audit        AuditSink
	logger       *slog.Logger
	expiryRowCap int
	now          func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithAudit sets the audit sink.
func WithAudit(sink AuditSink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.audit = sink
		}
	}
}

// WithGate sets the tamper-evidence gate.
func WithGate(gate *Gate) Option {
	return func(r *Registry) {
		if gate != nil {
			r.gate = gate
		}
	}
}

// WithExpiryRowCap bounds expiry-window query results. Zero or negative
// keeps the default.
func WithExpiryRowCap(cap int) Option {
	return func(r *Registry) {
		if cap > 0 {
			r.expiryRowCap = cap
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "registry")
		}
	}
}

// withClock overrides the time source. Test use only.
func withClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry over the given certificate repository.
func NewRegistry(repo storage.CertificateRepository, opts ...Option) *Registry {
	r := &Registry{
		repo:         repo,
		audit:        nopSink{},
		logger:       slog.Default().With("component", "registry"),
		expiryRowCap: defaultExpiryRowCap,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.gate == nil {
		r.gate = NewGate(false, nil, r.audit, r.logger)
	}
	return r
}

// StoreParams carries the metadata accompanying a certificate at store time.
type StoreParams struct {
	Username      string
	CAFingerprint string
	Status        storage.Status
	Type          storage.CertType
	ProfileID     int
	Tag           string
	UpdateTime    time.Time // zero means now
}

// Store creates the certificate record for a decoded certificate. The record
// is created exactly once: a second store of the same certificate returns
// storage.ErrAlreadyExists and leaves the existing record untouched.
func (r *Registry) Store(ctx context.Context, cert *decode.Certificate, params StoreParams) (*storage.CertificateRecord, error) {
	if cert == nil {
		return nil, fmt.Errorf("store certificate: nil certificate")
	}
	now := r.now()
	updateTime := params.UpdateTime
	if updateTime.IsZero() {
		updateTime = now
	}
	status := params.Status
	if status == 0 {
		status = storage.StatusActive
	}
	rec := &storage.CertificateRecord{
		Fingerprint:      cert.Fingerprint,
		CAFingerprint:    params.CAFingerprint,
		SerialNumber:     cert.SerialNumber,
		IssuerDN:         NormalizeDN(cert.IssuerDN),
		SubjectDN:        NormalizeDN(cert.SubjectDN),
		Status:           status,
		Type:             params.Type,
		ProfileID:        params.ProfileID,
		Username:         params.Username,
		Tag:              params.Tag,
		ExpireDate:       cert.NotAfter,
		RevocationReason: storage.ReasonNotRevoked,
		UpdateTime:       updateTime,
		Raw:              append([]byte(nil), cert.Raw...),
	}
	if err := r.repo.InsertCertificate(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("store certificate %s: %w", cert.Fingerprint, storage.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("store certificate %s: %w", cert.Fingerprint, err)
	}
	r.gate.Seal(ctx, rec)
	r.audit.Record(ctx, AuditCertStored, params.Username,
		slog.String("fingerprint", rec.Fingerprint),
		slog.String("issuer", rec.IssuerDN),
		slog.String("serial", rec.SerialNumber),
		slog.Int("profile_id", rec.ProfileID))
	return rec, nil
}

// ByFingerprint returns the record for a fingerprint.
func (r *Registry) ByFingerprint(ctx context.Context, fingerprint string) (*storage.CertificateRecord, error) {
	return r.repo.CertificateByFingerprint(ctx, fingerprint)
}

// ByIssuerAndSerial returns the single record for an (issuer, serial) pair,
// or storage.ErrNotFound. Multiple records for one pair violate a uniqueness
// invariant; the lookup logs the anomaly and returns the first record rather
// than failing, since refusing to answer would make the damage worse.
func (r *Registry) ByIssuerAndSerial(ctx context.Context, issuerDN, serial string) (*storage.CertificateRecord, error) {
	recs, err := r.repo.CertificatesByIssuerAndSerial(ctx, NormalizeDN(issuerDN), serial)
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 0:
		return nil, storage.ErrNotFound
	case 1:
		return recs[0], nil
	default:
		r.logger.Error("multiple certificates for one issuer and serial",
			"issuer", issuerDN,
			"serial", serial,
			"count", len(recs))
		return recs[0], nil
	}
}

// ByIssuerAndSerials is the batch form of ByIssuerAndSerial. Empty input
// returns an empty result.
func (r *Registry) ByIssuerAndSerials(ctx context.Context, issuerDN string, serials []string) ([]*storage.CertificateRecord, error) {
	if issuerDN == "" || len(serials) == 0 {
		return nil, nil
	}
	return r.repo.CertificatesByIssuerAndSerials(ctx, NormalizeDN(issuerDN), serials)
}

// BySubject returns all records for a subject DN, optionally restricted to
// one issuer.
func (r *Registry) BySubject(ctx context.Context, subjectDN, issuerDN string) ([]*storage.CertificateRecord, error) {
	issuer := ""
	if issuerDN != "" {
		issuer = NormalizeDN(issuerDN)
	}
	return r.repo.CertificatesBySubject(ctx, NormalizeDN(subjectDN), issuer)
}

// ByOwner returns an owner's records ordered by expire date descending,
// optionally restricted to a status set.
func (r *Registry) ByOwner(ctx context.Context, username string, statuses ...storage.Status) ([]*storage.CertificateRecord, error) {
	return r.repo.CertificatesByOwner(ctx, username, statuses)
}

// ByExpiryWindow returns records with expire dates in [from, to] and a
// status in statuses. The result is truncated to the configured row cap;
// truncation is not an error.
func (r *Registry) ByExpiryWindow(ctx context.Context, from, to time.Time, statuses []storage.Status) ([]*storage.CertificateRecord, error) {
	return r.repo.CertificatesByExpiryWindow(ctx, from, to, statuses, r.expiryRowCap)
}

// FingerprintsByIssuer lists every (fingerprint, expireDate) pair for an
// issuer, expire date descending. Present for completeness and tooling; not
// meant for issuers with very large certificate populations.
func (r *Registry) FingerprintsByIssuer(ctx context.Context, issuerDN string) ([]storage.FingerprintExpiry, error) {
	return r.repo.FingerprintsByIssuer(ctx, NormalizeDN(issuerDN))
}

// OwnerByIssuerAndSerial returns the username owning the certificate, or
// storage.ErrNotFound.
func (r *Registry) OwnerByIssuerAndSerial(ctx context.Context, issuerDN, serial string) (string, error) {
	rec, err := r.ByIssuerAndSerial(ctx, issuerDN, serial)
	if err != nil {
		return "", err
	}
	return rec.Username, nil
}

// RevocationInfo is the answer to a revocation-status query.
type RevocationInfo struct {
	Fingerprint    string
	Status         storage.Status
	Reason         storage.Reason
	RevocationDate time.Time
	ExpireDate     time.Time
}

// Revoked reports whether the certificate is currently revoked or
// temp-revoked.
func (ri RevocationInfo) Revoked() bool {
	return ri.Status == storage.StatusRevoked || ri.Status == storage.StatusTempRevoked
}

// RevocationStatus answers "is this certificate revoked". An unrevoked
// certificate yields Reason = ReasonNotRevoked; an unknown certificate
// yields storage.ErrNotFound. The tamper-evidence seal is verified on this
// path when the gate is enabled.
func (r *Registry) RevocationStatus(ctx context.Context, issuerDN, serial string) (RevocationInfo, error) {
	rec, err := r.ByIssuerAndSerial(ctx, issuerDN, serial)
	if err != nil {
		return RevocationInfo{}, err
	}
	r.gate.Verify(ctx, rec)
	info := RevocationInfo{
		Fingerprint:    rec.Fingerprint,
		Status:         rec.Status,
		Reason:         rec.RevocationReason,
		RevocationDate: rec.RevocationDate,
		ExpireDate:     rec.ExpireDate,
	}
	if !info.Revoked() {
		info.Reason = storage.ReasonNotRevoked
		info.RevocationDate = time.Time{}
	}
	return info, nil
}
