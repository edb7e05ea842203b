package certstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/certledger/storage"
)

// maxCASRetries bounds how often a transition is re-evaluated after losing a
// compare-and-swap race.
const maxCASRetries = 5

// StateMachine is the only component that changes a certificate record's
// status, reason or revocation date. Both the serial- and fingerprint-based
// call paths funnel into one transition function, which is linearized per
// record through versioned compare-and-swap updates.
type StateMachine struct {
	repo        storage.CertificateRepository
	registry    *Registry
	coordinator *Coordinator
	gate        *Gate
	audit       AuditSink
	logger      *slog.Logger
	now         func() time.Time
}

// NewStateMachine builds the state machine over the registry's repository.
// The coordinator may be nil when no publishers are configured.
func NewStateMachine(registry *Registry, coordinator *Coordinator) *StateMachine {
	return &StateMachine{
		repo:        registry.repo,
		registry:    registry,
		coordinator: coordinator,
		gate:        registry.gate,
		audit:       registry.audit,
		logger:      registry.logger.With("component", "revocation"),
		now:         registry.now,
	}
}

// SetRevocationStatus transitions the certificate identified by issuer and
// serial. A certificate that does not exist is a successful no-op; callers
// resolve references themselves and handle resolution failures upstream.
func (sm *StateMachine) SetRevocationStatus(ctx context.Context, issuerDN, serial string, reason storage.Reason, publisherIDs []int, actor string) error {
	rec, err := sm.registry.ByIssuerAndSerial(ctx, issuerDN, serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return sm.transition(ctx, rec, reason, publisherIDs, actor)
}

// SetRevocationStatusByFingerprint is the fingerprint-based call path of
// SetRevocationStatus.
func (sm *StateMachine) SetRevocationStatusByFingerprint(ctx context.Context, fingerprint string, reason storage.Reason, publisherIDs []int, actor string) error {
	rec, err := sm.repo.CertificateByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return sm.transition(ctx, rec, reason, publisherIDs, actor)
}

// transition evaluates the revocation transition table and applies the
// resulting state change, retrying on CAS races so that two concurrent calls
// against one record cannot both observe "not yet revoked" and both apply.
func (sm *StateMachine) transition(ctx context.Context, rec *storage.CertificateRecord, reason storage.Reason, publisherIDs []int, actor string) error {
	for attempt := 0; ; attempt++ {
		now := sm.now()
		switch {
		case rec.Status != storage.StatusRevoked && reason.Revokes():
			updated := storage.CloneCertificate(rec)
			updated.Status = storage.StatusRevoked
			updated.RevocationDate = now
			updated.RevocationReason = reason
			updated.UpdateTime = now
			err := sm.repo.UpdateCertificateCAS(ctx, rec.Version, updated)
			if err == nil {
				sm.gate.Seal(ctx, updated)
				sm.audit.Record(ctx, AuditCertRevoked, actor,
					slog.String("fingerprint", updated.Fingerprint),
					slog.String("issuer", updated.IssuerDN),
					slog.String("serial", updated.SerialNumber),
					slog.String("reason", reason.String()))
				sm.coordinator.OnRevoke(ctx, updated, publisherIDs)
				return nil
			}
			if rec, err = sm.retryRecord(ctx, rec, err, attempt); err != nil {
				return err
			}

		case !reason.Revokes() && rec.RevocationReason == storage.ReasonCertificateHold:
			updated := storage.CloneCertificate(rec)
			updated.Status = storage.StatusActive
			updated.UpdateTime = now
			if reason == storage.ReasonRemoveFromCRL {
				// Keep the marker and stamp the release time so the next
				// delta CRL lists this certificate as removable.
				updated.RevocationReason = storage.ReasonRemoveFromCRL
				updated.RevocationDate = now
			} else {
				updated.RevocationReason = storage.ReasonNotRevoked
				updated.RevocationDate = time.Time{}
			}
			err := sm.repo.UpdateCertificateCAS(ctx, rec.Version, updated)
			if err == nil {
				sm.gate.Seal(ctx, updated)
				sm.audit.Record(ctx, AuditCertUnrevoked, actor,
					slog.String("fingerprint", updated.Fingerprint),
					slog.String("issuer", updated.IssuerDN),
					slog.String("serial", updated.SerialNumber))
				sm.coordinator.OnUnrevoke(ctx, updated)
				return nil
			}
			if rec, err = sm.retryRecord(ctx, rec, err, attempt); err != nil {
				return err
			}

		default:
			// Revoking an already-revoked certificate, revoking with the
			// not-revoked sentinel, or un-holding a certificate that is not
			// on hold. Idempotent no-op, but the seal is still refreshed.
			sm.gate.Seal(ctx, rec)
			sm.logger.Info("revocation state change ignored",
				"fingerprint", rec.Fingerprint,
				"status", rec.Status.String(),
				"current_reason", rec.RevocationReason.String(),
				"requested_reason", reason.String())
			sm.audit.Record(ctx, AuditRevokeIgnored, actor,
				slog.String("fingerprint", rec.Fingerprint),
				slog.String("requested_reason", reason.String()))
			return nil
		}
	}
}

// retryRecord classifies a CAS failure: on version skew it re-reads the
// record for the next evaluation, on anything else it propagates.
func (sm *StateMachine) retryRecord(ctx context.Context, rec *storage.CertificateRecord, casErr error, attempt int) (*storage.CertificateRecord, error) {
	if !errors.Is(casErr, storage.ErrCASFailed) {
		return nil, fmt.Errorf("update certificate %s: %w", rec.Fingerprint, casErr)
	}
	if attempt >= maxCASRetries {
		return nil, fmt.Errorf("update certificate %s: retries exhausted: %w", rec.Fingerprint, storage.ErrCASFailed)
	}
	fresh, err := sm.repo.CertificateByFingerprint(ctx, rec.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("reread certificate %s: %w", rec.Fingerprint, err)
	}
	return fresh, nil
}

// BulkRevokeByIssuer applies the CA-decommission transition: temp-revoked
// records for the issuer are promoted to revoked with their original date
// and reason, then every remaining unrevoked record is revoked with the
// given reason. This path does not fan out to publishers.
func (sm *StateMachine) BulkRevokeByIssuer(ctx context.Context, issuerDN string, reason storage.Reason, actor string) (int64, error) {
	issuer := NormalizeDN(issuerDN)
	now := sm.now()
	changed, err := sm.repo.RevokeAllByIssuer(ctx, issuer, reason, now)
	if err != nil {
		return 0, fmt.Errorf("bulk revoke issuer %q: %w", issuer, err)
	}
	sm.audit.Record(ctx, AuditBulkRevoke, actor,
		slog.String("issuer", issuer),
		slog.String("reason", reason.String()),
		slog.Int64("changed", changed))
	if changed > 0 && sm.gate.Enabled() {
		sm.resealIssuer(ctx, issuer)
	}
	return changed, nil
}

// resealIssuer refreshes the tamper-evidence seal of every record for an
// issuer after a bulk mutation. Seal failures are logged by the gate.
func (sm *StateMachine) resealIssuer(ctx context.Context, issuerDN string) {
	pairs, err := sm.repo.FingerprintsByIssuer(ctx, issuerDN)
	if err != nil {
		sm.logger.Error("reseal scan failed", "issuer", issuerDN, "error", err)
		return
	}
	for _, p := range pairs {
		rec, err := sm.repo.CertificateByFingerprint(ctx, p.Fingerprint)
		if err != nil {
			sm.logger.Error("reseal read failed", "fingerprint", p.Fingerprint, "error", err)
			continue
		}
		sm.gate.Seal(ctx, rec)
	}
}

// IsAllRevoked reports whether every certificate of the owner is revoked.
// An owner with no certificates satisfies the predicate: there is nothing
// left to revoke.
func (sm *StateMachine) IsAllRevoked(ctx context.Context, username string) (bool, error) {
	recs, err := sm.registry.ByOwner(ctx, username)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		sm.gate.Verify(ctx, rec)
		if rec.Status != storage.StatusRevoked {
			return false, nil
		}
	}
	return true, nil
}

// MarkNotifiedAboutExpiration moves an active certificate to the
// notified-about-expiration status so the expiry job does not renotify.
// Records in any other status are left alone.
func (sm *StateMachine) MarkNotifiedAboutExpiration(ctx context.Context, fingerprint string, actor string) error {
	for attempt := 0; ; attempt++ {
		rec, err := sm.repo.CertificateByFingerprint(ctx, fingerprint)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.Status != storage.StatusActive {
			return nil
		}
		now := sm.now()
		updated := storage.CloneCertificate(rec)
		updated.Status = storage.StatusNotifiedAboutExpiration
		updated.UpdateTime = now
		err = sm.repo.UpdateCertificateCAS(ctx, rec.Version, updated)
		if err == nil {
			sm.gate.Seal(ctx, updated)
			sm.audit.Record(ctx, AuditExpiryNotified, actor,
				slog.String("fingerprint", fingerprint))
			return nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("update certificate %s: %w", fingerprint, err)
		}
		if attempt >= maxCASRetries {
			return fmt.Errorf("update certificate %s: retries exhausted: %w", fingerprint, storage.ErrCASFailed)
		}
	}
}
