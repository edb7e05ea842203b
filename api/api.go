// Package api exposes read-only HTTP endpoints over the certificate store:
// certificate lookup, revocation status, CRL retrieval. All writes go
// through the core library or the CLI, never through this surface.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/certledger/certstore"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	registry *certstore.Registry
	machine  *certstore.StateMachine
	ledger   *certstore.Ledger
	history  *certstore.History
	logger   *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger.With("component", "api")
	}
}

// New creates a new API instance.
func New(registry *certstore.Registry, machine *certstore.StateMachine, ledger *certstore.Ledger, history *certstore.History, opts ...Option) *API {
	a := &API{
		registry: registry,
		machine:  machine,
		ledger:   ledger,
		history:  history,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "api")
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/certificates", func(r chi.Router) {
		r.Get("/{fingerprint}", a.GetCertificate)
		r.Get("/{fingerprint}/history", a.GetHistory)
	})
	r.Get("/status", a.GetRevocationStatus)
	r.Get("/owners/{username}/certificates", a.ListByOwner)
	r.Get("/owners/{username}/revoked", a.GetAllRevoked)

	r.Route("/crls", func(r chi.Router) {
		r.Get("/latest", a.GetLatestCRL)
		r.Get("/{fingerprint}", a.GetCRL)
	})

	return r
}
