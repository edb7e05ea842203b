// Package publish defines the external publisher fan-out consumed by the
// record store. Publishers receive certificate state changes on a
// best-effort basis: the store never treats a publisher failure as a failure
// of the operation that triggered it.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// StoreRequest carries a certificate's current state plus the historical
// identity snapshot needed to re-publish it.
type StoreRequest struct {
	Certificate      []byte
	Username         string
	Password         string
	DN               string
	CAFingerprint    string
	Status           int
	Type             int
	RevocationDate   time.Time
	RevocationReason int
	Tag              string
	ProfileID        int
	UpdateTime       time.Time
	ExtendedInfo     map[string]string
}

// RevokeRequest carries the fields publishers need to propagate a
// revocation.
type RevokeRequest struct {
	Certificate    []byte
	Username       string
	DN             string
	CAFingerprint  string
	Type           int
	Reason         int
	RevocationDate time.Time
	Tag            string
	ProfileID      int
	UpdateTime     time.Time
}

// Publisher is one external publication target (directory, responder, ...).
type Publisher interface {
	StoreCertificate(ctx context.Context, req StoreRequest) error
	RevokeCertificate(ctx context.Context, req RevokeRequest) error
}

// Fanout dispatches to a set of registered publishers addressed by id.
// Per-target failures are collected, not short-circuited: every target gets
// its attempt regardless of earlier failures.
type Fanout struct {
	publishers map[int]Publisher
	logger     *slog.Logger
}

// NewFanout builds a Fanout over the given publisher set.
func NewFanout(publishers map[int]Publisher, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		publishers: publishers,
		logger:     logger.With("component", "publisher-fanout"),
	}
}

// Result collects per-target outcomes for one fan-out call.
type Result struct {
	Attempted int
	failures  []string
}

// OK reports whether every attempted target succeeded.
func (r *Result) OK() bool {
	return len(r.failures) == 0
}

// Err returns nil when OK, otherwise a single error naming every failed
// target.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("publisher failures: %s", strings.Join(r.failures, "; "))
}

func (r *Result) addFailure(id int, err error) {
	r.failures = append(r.failures, fmt.Sprintf("publisher %d: %v", id, err))
}

// StoreCertificate fans the request out to the named publisher ids. Unknown
// ids are counted as failures so misconfiguration shows up in the result.
func (f *Fanout) StoreCertificate(ctx context.Context, ids []int, req StoreRequest) *Result {
	res := &Result{}
	for _, id := range ids {
		res.Attempted++
		p, ok := f.publishers[id]
		if !ok {
			res.addFailure(id, fmt.Errorf("not registered"))
			continue
		}
		if err := p.StoreCertificate(ctx, req); err != nil {
			res.addFailure(id, err)
		}
	}
	return res
}

// RevokeCertificate fans the revocation out to the named publisher ids.
func (f *Fanout) RevokeCertificate(ctx context.Context, ids []int, req RevokeRequest) *Result {
	res := &Result{}
	for _, id := range ids {
		res.Attempted++
		p, ok := f.publishers[id]
		if !ok {
			res.addFailure(id, fmt.Errorf("not registered"))
			continue
		}
		if err := p.RevokeCertificate(ctx, req); err != nil {
			res.addFailure(id, err)
		}
	}
	return res
}

// SlogPublisher logs every call; useful in development and as a fan-out
// target in tests.
type SlogPublisher struct {
	Logger *slog.Logger
}

func (p *SlogPublisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *SlogPublisher) StoreCertificate(_ context.Context, req StoreRequest) error {
	p.logger().Info("publish store", "dn", req.DN, "username", req.Username, "status", req.Status)
	return nil
}

func (p *SlogPublisher) RevokeCertificate(_ context.Context, req RevokeRequest) error {
	p.logger().Info("publish revoke", "dn", req.DN, "username", req.Username, "reason", req.Reason)
	return nil
}
