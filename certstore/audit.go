package certstore

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent identifies the type of security-relevant action being recorded.
type AuditEvent string

const (
	AuditCertStored       AuditEvent = "cert_stored"
	AuditCertRevoked      AuditEvent = "cert_revoked"
	AuditCertUnrevoked    AuditEvent = "cert_unrevoked"
	AuditRevokeIgnored    AuditEvent = "revoke_ignored"
	AuditBulkRevoke       AuditEvent = "bulk_revoke"
	AuditCRLStored        AuditEvent = "crl_stored"
	AuditCRLNumberAnomaly AuditEvent = "crl_number_anomaly"
	AuditHistoryStored    AuditEvent = "history_stored"
	AuditHistoryRemoved   AuditEvent = "history_removed"
	AuditSealMismatch     AuditEvent = "seal_mismatch"
	AuditSealError        AuditEvent = "seal_error"
	AuditExpiryNotified   AuditEvent = "expiry_notified"
)

// AuditSink receives structured audit entries for security-relevant store
// operations. Implementations must not block the calling operation.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent, actor string, attrs ...slog.Attr)
}

// SlogSink writes audit entries through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink scoped to the audit component.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Record(ctx context.Context, event AuditEvent, actor string, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("actor", actor),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	base = append(base, attrs...)
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", base...)
}

// nopSink discards audit entries. Used when no sink is configured.
type nopSink struct{}

func (nopSink) Record(context.Context, AuditEvent, string, ...slog.Attr) {}
