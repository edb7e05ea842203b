// Package notifier implements the certificate-expiry notification sweep.
package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmcleod/certledger/certstore"
	"github.com/jmcleod/certledger/storage"
)

// NotifyFunc delivers one expiry notification. A returned error leaves the
// certificate active so the next sweep retries it.
type NotifyFunc func(ctx context.Context, rec *storage.CertificateRecord) error

// Notifier sweeps for certificates expiring within a configured window,
// notifies their owners, and marks them notified so later sweeps skip them.
type Notifier struct {
	registry *certstore.Registry
	machine  *certstore.StateMachine
	window   time.Duration
	notify   NotifyFunc
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a notifier. With a nil notify func the sweep only logs.
func New(registry *certstore.Registry, machine *certstore.StateMachine, window time.Duration, notify NotifyFunc, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 14 * 24 * time.Hour
	}
	return &Notifier{
		registry: registry,
		machine:  machine,
		window:   window,
		notify:   notify,
		logger:   logger.With("component", "expiry-notifier"),
		now:      time.Now,
	}
}

// Run executes one sweep. Per-certificate failures are logged and skipped;
// only a failed window query aborts the sweep.
func (n *Notifier) Run(ctx context.Context) error {
	now := n.now()
	recs, err := n.registry.ByExpiryWindow(ctx, now, now.Add(n.window), []storage.Status{storage.StatusActive})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	n.logger.Info("expiry sweep", "expiring", len(recs), "window", n.window.String())
	for _, rec := range recs {
		if n.notify != nil {
			if err := n.notify(ctx, rec); err != nil {
				n.logger.Warn("notification failed, will retry next sweep",
					"fingerprint", rec.Fingerprint,
					"username", rec.Username,
					"error", err)
				continue
			}
		}
		if err := n.machine.MarkNotifiedAboutExpiration(ctx, rec.Fingerprint, "expiry-notifier"); err != nil {
			n.logger.Warn("status update failed",
				"fingerprint", rec.Fingerprint,
				"error", err)
		}
	}
	return nil
}
