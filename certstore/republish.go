package certstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmcleod/certledger/publish"
	"github.com/jmcleod/certledger/storage"
)

// Coordinator drives best-effort publisher fan-out after revocation state
// changes. Publication is advisory: nothing here ever propagates a failure
// to the state machine.
type Coordinator struct {
	histories storage.HistoryRepository
	profiles  ProfileResolver
	fanout    *publish.Fanout
	logger    *slog.Logger
}

// NewCoordinator builds a coordinator. Any of the collaborators may be nil;
// a missing collaborator makes the corresponding path a silent no-op.
func NewCoordinator(histories storage.HistoryRepository, profiles ProfileResolver, fanout *publish.Fanout, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		histories: histories,
		profiles:  profiles,
		fanout:    fanout,
		logger:    logger.With("component", "republish"),
	}
}

// OnUnrevoke republishes a certificate that was just released from hold,
// using the identity snapshot stored at issuance time. It gives up silently
// when the history is absent, the profile cannot be resolved, or the profile
// has no publishers. Publisher failures are logged, never raised.
func (c *Coordinator) OnUnrevoke(ctx context.Context, rec *storage.CertificateRecord) {
	if c == nil || c.fanout == nil || c.histories == nil || c.profiles == nil || rec == nil {
		return
	}
	hist, err := c.histories.HistoryByFingerprint(ctx, rec.Fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("history lookup failed, skipping republish",
				"fingerprint", rec.Fingerprint,
				"error", err)
		}
		return
	}
	profile, err := c.profiles.Resolve(ctx, hist.ProfileID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("profile resolution failed, skipping republish",
				"fingerprint", rec.Fingerprint,
				"profile_id", hist.ProfileID,
				"error", err)
		}
		return
	}
	if len(profile.PublisherIDs) == 0 {
		return
	}
	result := c.fanout.StoreCertificate(ctx, profile.PublisherIDs, publish.StoreRequest{
		Certificate:      rec.Raw,
		Username:         hist.Username,
		Password:         hist.Password,
		DN:               rec.SubjectDN,
		CAFingerprint:    rec.CAFingerprint,
		Status:           int(rec.Status),
		Type:             int(rec.Type),
		RevocationDate:   rec.RevocationDate,
		RevocationReason: int(rec.RevocationReason),
		Tag:              rec.Tag,
		ProfileID:        rec.ProfileID,
		UpdateTime:       rec.UpdateTime,
		ExtendedInfo:     hist.ExtendedInfo,
	})
	if !result.OK() {
		c.logger.Warn("republish incomplete",
			"fingerprint", rec.Fingerprint,
			"error", result.Err())
	}
}

// OnRevoke fans a revocation out to the given publishers. Same non-fatal
// failure policy as OnUnrevoke.
func (c *Coordinator) OnRevoke(ctx context.Context, rec *storage.CertificateRecord, publisherIDs []int) {
	if c == nil || c.fanout == nil || rec == nil || len(publisherIDs) == 0 {
		return
	}
	result := c.fanout.RevokeCertificate(ctx, publisherIDs, publish.RevokeRequest{
		Certificate:    rec.Raw,
		Username:       rec.Username,
		DN:             rec.SubjectDN,
		CAFingerprint:  rec.CAFingerprint,
		Type:           int(rec.Type),
		Reason:         int(rec.RevocationReason),
		RevocationDate: rec.RevocationDate,
		Tag:            rec.Tag,
		ProfileID:      rec.ProfileID,
		UpdateTime:     rec.UpdateTime,
	})
	if !result.OK() {
		c.logger.Warn("revocation publish incomplete",
			"fingerprint", rec.Fingerprint,
			"error", result.Err())
	}
}
