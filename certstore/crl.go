package certstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/certledger/decode"
	"github.com/jmcleod/certledger/storage"
)

// Ledger is the append-only store of issued CRLs. Full and delta CRLs form
// two independent numbering sequences per issuer. The ledger detects
// numbering violations but does not enforce them: callers compute the next
// number, and refusing to store an issued CRL would be worse than recording
// the anomaly.
type Ledger struct {
	repo   storage.CRLRepository
	certs  storage.CertificateRepository
	audit  AuditSink
	logger *slog.Logger
}

// NewLedger builds a ledger. certs backs RevokedSince and may be the same
// backend instance as repo.
func NewLedger(repo storage.CRLRepository, certs storage.CertificateRepository, audit AuditSink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = nopSink{}
	}
	return &Ledger{
		repo:   repo,
		certs:  certs,
		audit:  audit,
		logger: logger.With("component", "crl-ledger"),
	}
}

// Store records an issued CRL and returns its fingerprint. deltaBase marks a
// delta CRL when non-negative, naming the base CRL number; pass -1 for a
// full CRL. A number at or below the issuer's previous maximum is logged as
// an anomaly but stored anyway.
func (l *Ledger) Store(ctx context.Context, crl *decode.CRL, caFingerprint string, deltaBase int64, actor string) (string, error) {
	if crl == nil {
		return "", fmt.Errorf("store crl: nil crl")
	}
	rec := &storage.CRLRecord{
		Fingerprint:   crl.Fingerprint,
		CAFingerprint: caFingerprint,
		IssuerDN:      NormalizeDN(crl.IssuerDN),
		Number:        crl.Number,
		ThisUpdate:    crl.ThisUpdate,
		NextUpdate:    crl.NextUpdate,
		DeltaBase:     deltaBase,
		Raw:           append([]byte(nil), crl.Raw...),
	}
	prevMax, err := l.repo.InsertCRL(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("store crl %s: %w", crl.Fingerprint, err)
	}
	if prevMax > 0 && rec.Number <= prevMax {
		l.logger.Error("CRL number not above previous maximum",
			"issuer", rec.IssuerDN,
			"number", rec.Number,
			"previous_max", prevMax,
			"delta", rec.IsDelta())
		l.audit.Record(ctx, AuditCRLNumberAnomaly, actor,
			slog.String("issuer", rec.IssuerDN),
			slog.Int64("number", rec.Number),
			slog.Int64("previous_max", prevMax))
	}
	l.audit.Record(ctx, AuditCRLStored, actor,
		slog.String("fingerprint", rec.Fingerprint),
		slog.String("issuer", rec.IssuerDN),
		slog.Int64("number", rec.Number),
		slog.Bool("delta", rec.IsDelta()))
	return rec.Fingerprint, nil
}

// LastNumber returns the highest CRL number stored for the issuer in the
// full (delta false) or delta (delta true) sequence, 0 when none exist.
func (l *Ledger) LastNumber(ctx context.Context, issuerDN string, delta bool) (int64, error) {
	return l.repo.LastCRLNumber(ctx, NormalizeDN(issuerDN), delta)
}

// Latest returns the highest-numbered CRL of the issuer's full or delta
// sequence, or storage.ErrNotFound.
func (l *Ledger) Latest(ctx context.Context, issuerDN string, delta bool) (*storage.CRLRecord, error) {
	return l.repo.LatestCRL(ctx, NormalizeDN(issuerDN), delta)
}

// ByFingerprint returns a stored CRL or storage.ErrNotFound.
func (l *Ledger) ByFingerprint(ctx context.Context, fingerprint string) (*storage.CRLRecord, error) {
	return l.repo.CRLByFingerprint(ctx, fingerprint)
}

// RevokedSince returns CRL content for the issuer. With a zero since it
// lists every currently revoked certificate (full CRL content). With a
// non-zero since it lists changes after that instant: certificates revoked
// since the base CRL plus certificates released from hold since the base
// CRL, which relying parties must drop from their cached revoked set.
func (l *Ledger) RevokedSince(ctx context.Context, issuerDN string, since time.Time) ([]storage.RevokedInfo, error) {
	if l.certs == nil {
		return nil, fmt.Errorf("revoked since: no certificate repository configured")
	}
	return l.certs.RevokedCertificates(ctx, NormalizeDN(issuerDN), since)
}
