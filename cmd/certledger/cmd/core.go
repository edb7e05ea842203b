package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jmcleod/certledger/certstore"
	"github.com/jmcleod/certledger/protect"
	"github.com/jmcleod/certledger/publish"
	"github.com/jmcleod/certledger/storage"
	bboltstorage "github.com/jmcleod/certledger/storage/bbolt"
	pgstorage "github.com/jmcleod/certledger/storage/postgres"
)

// webhookPublisherID is the fan-out id the CLI registers the webhook
// publisher under when --publisher-webhook-url is set.
const webhookPublisherID = 1

// core bundles the wired services a command operates on.
type core struct {
	repo     storage.Repository
	registry *certstore.Registry
	machine  *certstore.StateMachine
	ledger   *certstore.Ledger
	history  *certstore.History
	closeFn  func()
}

func (c *core) close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// openRepository selects the backend from the persistent flags: postgres
// when a DSN is given, bbolt under the data directory otherwise.
func openRepository(ctx context.Context) (storage.Repository, func(), error) {
	if postgresDSN != "" {
		store, err := pgstorage.NewRepositoryFromDSN(ctx, postgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres storage: %w", err)
		}
		return store, store.Close, nil
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := bboltstorage.NewRepositoryFromFile(dataDir+"/certledger.db", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open bbolt storage: %w", err)
	}
	return store, func() { store.Close() }, nil
}

// buildCore opens storage and wires the full service graph.
func buildCore(ctx context.Context, logger *slog.Logger) (*core, error) {
	repo, closeFn, err := openRepository(ctx)
	if err != nil {
		return nil, err
	}
	audit := certstore.NewSlogSink(logger)

	var svc certstore.ProtectionService
	if protectOn {
		svc, err = protect.NewHMACService([]byte(protectKey), repo)
		if err != nil {
			closeFn()
			return nil, err
		}
	}
	gate := certstore.NewGate(protectOn, svc, audit, logger)

	registry := certstore.NewRegistry(repo,
		certstore.WithAudit(audit),
		certstore.WithGate(gate),
		certstore.WithLogger(logger))

	resolver := certstore.NewResolver(repo)
	publishers := map[int]publish.Publisher{}
	if webhookURL != "" {
		// Profiles reference the webhook as publisher id 1.
		webhook := publish.NewWebhookPublisher(webhookURL, webhookHeader, logger)
		publishers[webhookPublisherID] = webhook
		prevClose := closeFn
		closeFn = func() {
			webhook.Close()
			prevClose()
		}
	}
	fanout := publish.NewFanout(publishers, logger)
	coordinator := certstore.NewCoordinator(repo, resolver, fanout, logger)

	machine := certstore.NewStateMachine(registry, coordinator)
	ledger := certstore.NewLedger(repo, repo, audit, logger)
	history := certstore.NewHistory(repo, audit, logger)

	return &core{
		repo:     repo,
		registry: registry,
		machine:  machine,
		ledger:   ledger,
		history:  history,
		closeFn:  closeFn,
	}, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// parseReason accepts a reason name (e.g. "key_compromise") or its numeric
// code.
func parseReason(s string) (storage.Reason, error) {
	names := map[string]storage.Reason{
		"not_revoked":            storage.ReasonNotRevoked,
		"unspecified":            storage.ReasonUnspecified,
		"key_compromise":         storage.ReasonKeyCompromise,
		"ca_compromise":          storage.ReasonCACompromise,
		"affiliation_changed":    storage.ReasonAffiliationChanged,
		"superseded":             storage.ReasonSuperseded,
		"cessation_of_operation": storage.ReasonCessationOfOperation,
		"certificate_hold":       storage.ReasonCertificateHold,
		"remove_from_crl":        storage.ReasonRemoveFromCRL,
		"privileges_withdrawn":   storage.ReasonPrivilegesWithdrawn,
		"aa_compromise":          storage.ReasonAACompromise,
	}
	if r, ok := names[strings.ToLower(s)]; ok {
		return r, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown revocation reason %q", s)
	}
	r := storage.Reason(code)
	if r.String() == "unknown" {
		return 0, fmt.Errorf("unknown revocation reason code %d", code)
	}
	return r, nil
}
