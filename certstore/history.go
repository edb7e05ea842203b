package certstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/certledger/storage"
)

// History stores the frozen identity snapshots taken at issuance time. A
// snapshot shares its certificate's fingerprint, may be deleted
// independently of the certificate record, and is read-only input to the
// republish path.
type History struct {
	repo   storage.HistoryRepository
	audit  AuditSink
	logger *slog.Logger
	now    func() time.Time
}

// NewHistory builds the history service.
func NewHistory(repo storage.HistoryRepository, audit AuditSink, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = nopSink{}
	}
	return &History{
		repo:   repo,
		audit:  audit,
		logger: logger.With("component", "request-history"),
		now:    time.Now,
	}
}

// HistoryParams is the identity data frozen alongside a certificate.
type HistoryParams struct {
	Fingerprint  string
	SerialNumber string
	IssuerDN     string
	Username     string
	Password     string
	SubjectDN    string
	ProfileID    int
	ExtendedInfo map[string]string
}

// Add freezes an issuance-time snapshot.
func (h *History) Add(ctx context.Context, params HistoryParams, actor string) error {
	rec := &storage.RequestHistoryRecord{
		Fingerprint:  params.Fingerprint,
		SerialNumber: params.SerialNumber,
		IssuerDN:     NormalizeDN(params.IssuerDN),
		Username:     params.Username,
		Password:     params.Password,
		SubjectDN:    NormalizeDN(params.SubjectDN),
		ProfileID:    params.ProfileID,
		Timestamp:    h.now(),
		ExtendedInfo: params.ExtendedInfo,
	}
	if err := h.repo.InsertHistory(ctx, rec); err != nil {
		return fmt.Errorf("store request history %s: %w", params.Fingerprint, err)
	}
	h.audit.Record(ctx, AuditHistoryStored, actor,
		slog.String("fingerprint", params.Fingerprint),
		slog.String("username", params.Username))
	return nil
}

// ByFingerprint returns the snapshot for a certificate, or
// storage.ErrNotFound.
func (h *History) ByFingerprint(ctx context.Context, fingerprint string) (*storage.RequestHistoryRecord, error) {
	return h.repo.HistoryByFingerprint(ctx, fingerprint)
}

// ByIssuerAndSerial returns the snapshot for the certificate identified by
// issuer and serial, or storage.ErrNotFound.
func (h *History) ByIssuerAndSerial(ctx context.Context, issuerDN, serial string) (*storage.RequestHistoryRecord, error) {
	return h.repo.HistoryByIssuerAndSerial(ctx, NormalizeDN(issuerDN), serial)
}

// ByOwner lists every snapshot stored for a username.
func (h *History) ByOwner(ctx context.Context, username string) ([]*storage.RequestHistoryRecord, error) {
	return h.repo.HistoriesByOwner(ctx, username)
}

// Remove deletes a snapshot. The certificate record, if any, is untouched.
// Removing an absent snapshot is not an error.
func (h *History) Remove(ctx context.Context, fingerprint string, actor string) error {
	if err := h.repo.DeleteHistory(ctx, fingerprint); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("remove request history %s: %w", fingerprint, err)
	}
	h.audit.Record(ctx, AuditHistoryRemoved, actor,
		slog.String("fingerprint", fingerprint))
	return nil
}
