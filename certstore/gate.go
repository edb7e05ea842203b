package certstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmcleod/certledger/storage"
)

// Snapshot is the canonical field set sealed by the protection service.
// Field order and content are fixed: both seal and verify must derive the
// same bytes from the same record state.
type Snapshot struct {
	Fingerprint      string
	CAFingerprint    string
	SerialNumber     string
	IssuerDN         string
	SubjectDN        string
	Status           storage.Status
	Type             storage.CertType
	ExpireDate       time.Time
	RevocationDate   time.Time
	RevocationReason storage.Reason
	Username         string
	Tag              string
	ProfileID        int
	UpdateTime       time.Time
}

// SnapshotOf derives the canonical snapshot from a certificate record.
func SnapshotOf(rec *storage.CertificateRecord) Snapshot {
	return Snapshot{
		Fingerprint:      rec.Fingerprint,
		CAFingerprint:    rec.CAFingerprint,
		SerialNumber:     rec.SerialNumber,
		IssuerDN:         rec.IssuerDN,
		SubjectDN:        rec.SubjectDN,
		Status:           rec.Status,
		Type:             rec.Type,
		ExpireDate:       rec.ExpireDate,
		RevocationDate:   rec.RevocationDate,
		RevocationReason: rec.RevocationReason,
		Username:         rec.Username,
		Tag:              rec.Tag,
		ProfileID:        rec.ProfileID,
		UpdateTime:       rec.UpdateTime,
	}
}

// VerifyResult reports whether a stored seal matches the current record.
type VerifyResult int

const (
	VerifyMatch VerifyResult = iota
	VerifyMismatch
)

// ProtectionService seals record snapshots and verifies them later.
type ProtectionService interface {
	Seal(ctx context.Context, snap Snapshot) error
	Verify(ctx context.Context, snap Snapshot) (VerifyResult, error)
}

// Gate applies tamper-evidence sealing around record mutations. It is
// detective, not preventive: seal failures and verification mismatches are
// logged and audited but never fail the triggering operation.
type Gate struct {
	enabled bool
	svc     ProtectionService
	audit   AuditSink
	logger  *slog.Logger
}

// NewGate builds a gate. With enabled false, or a nil service, both Seal and
// Verify are no-ops.
func NewGate(enabled bool, svc ProtectionService, audit AuditSink, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = nopSink{}
	}
	return &Gate{
		enabled: enabled && svc != nil,
		svc:     svc,
		audit:   audit,
		logger:  logger.With("component", "protect-gate"),
	}
}

// Enabled reports whether sealing is active.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Seal records a fresh seal for the record's current state. Errors are
// logged, not returned.
func (g *Gate) Seal(ctx context.Context, rec *storage.CertificateRecord) {
	if !g.enabled || rec == nil {
		return
	}
	if err := g.svc.Seal(ctx, SnapshotOf(rec)); err != nil {
		g.logger.Error("seal failed",
			"fingerprint", rec.Fingerprint,
			"error", err)
		g.audit.Record(ctx, AuditSealError, "",
			slog.String("fingerprint", rec.Fingerprint),
			slog.String("error", err.Error()))
	}
}

// Verify checks the record against its stored seal. A mismatch is a
// security-relevant anomaly; the read proceeds either way.
func (g *Gate) Verify(ctx context.Context, rec *storage.CertificateRecord) {
	if !g.enabled || rec == nil {
		return
	}
	result, err := g.svc.Verify(ctx, SnapshotOf(rec))
	if err != nil {
		g.logger.Error("verify failed",
			"fingerprint", rec.Fingerprint,
			"error", err)
		return
	}
	if result == VerifyMismatch {
		g.logger.Error("seal mismatch, record may have been modified out of band",
			"fingerprint", rec.Fingerprint,
			"issuer", rec.IssuerDN,
			"serial", rec.SerialNumber)
		g.audit.Record(ctx, AuditSealMismatch, "",
			slog.String("fingerprint", rec.Fingerprint),
			slog.String("issuer", rec.IssuerDN),
			slog.String("serial", rec.SerialNumber))
	}
}
