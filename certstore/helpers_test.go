package certstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certledger/decode"
	"github.com/jmcleod/certledger/publish"
	"github.com/jmcleod/certledger/storage"
	"github.com/jmcleod/certledger/storage/memory"
)

const testIssuer = "CN=Test CA,O=CertLedger,C=SE"

// recordingSink collects audit events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Record(_ context.Context, event AuditEvent, _ string, _ ...slog.Attr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count(event AuditEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

// recordingPublisher counts fan-out calls.
type recordingPublisher struct {
	mu      sync.Mutex
	stores  []publish.StoreRequest
	revokes []publish.RevokeRequest
	fail    bool
}

func (p *recordingPublisher) StoreCertificate(_ context.Context, req publish.StoreRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("publisher unavailable")
	}
	p.stores = append(p.stores, req)
	return nil
}

func (p *recordingPublisher) RevokeCertificate(_ context.Context, req publish.RevokeRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("publisher unavailable")
	}
	p.revokes = append(p.revokes, req)
	return nil
}

func (p *recordingPublisher) revokeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.revokes)
}

func (p *recordingPublisher) storeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stores)
}

func testCert(serial string) *decode.Certificate {
	raw := []byte("cert-" + serial)
	sum := sha256.Sum256(raw)
	return &decode.Certificate{
		Raw:          raw,
		Fingerprint:  hex.EncodeToString(sum[:]),
		IssuerDN:     testIssuer,
		SubjectDN:    "CN=user-" + serial + ",O=CertLedger,C=SE",
		SerialNumber: serial,
		NotAfter:     time.Now().Add(365 * 24 * time.Hour).Truncate(time.Second),
	}
}

func storeTestCert(t *testing.T, reg *Registry, serial, username string) *storage.CertificateRecord {
	t.Helper()
	rec, err := reg.Store(context.Background(), testCert(serial), StoreParams{
		Username:      username,
		CAFingerprint: "cafp",
		Status:        storage.StatusActive,
		Type:          storage.TypeEndEntity,
		ProfileID:     ProfileEndUser,
	})
	require.NoError(t, err)
	return rec
}

func newTestCore(t *testing.T) (*memory.Repository, *Registry, *StateMachine, *recordingSink) {
	t.Helper()
	repo := memory.NewRepository()
	sink := &recordingSink{}
	reg := NewRegistry(repo, WithAudit(sink))
	sm := NewStateMachine(reg, nil)
	return repo, reg, sm, sink
}
