// Package protect implements tamper-evidence sealing for certificate
// records: a keyed MAC over the canonical record snapshot, persisted beside
// the records so out-of-band modification is detectable later.
package protect

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/certledger/certstore"
	"github.com/jmcleod/certledger/storage"
)

const minKeyLen = 16

// HMACService seals snapshots with HMAC-SHA256 under a fixed key and stores
// the MACs in a seal repository.
type HMACService struct {
	key   []byte
	seals storage.SealRepository
	now   func() time.Time
}

// NewHMACService builds the service. The key must be at least 16 bytes.
func NewHMACService(key []byte, seals storage.SealRepository) (*HMACService, error) {
	if len(key) < minKeyLen {
		return nil, fmt.Errorf("protection key too short: %d bytes, need at least %d", len(key), minKeyLen)
	}
	if seals == nil {
		return nil, fmt.Errorf("protection requires a seal repository")
	}
	return &HMACService{
		key:   append([]byte(nil), key...),
		seals: seals,
		now:   time.Now,
	}, nil
}

var _ certstore.ProtectionService = (*HMACService)(nil)

// Seal stores the MAC of the snapshot, replacing any previous seal for the
// same fingerprint.
func (s *HMACService) Seal(ctx context.Context, snap certstore.Snapshot) error {
	rec := &storage.SealRecord{
		Fingerprint: snap.Fingerprint,
		MAC:         s.mac(snap),
		SealedAt:    s.now(),
	}
	if err := s.seals.PutSeal(ctx, rec); err != nil {
		return fmt.Errorf("put seal %s: %w", snap.Fingerprint, err)
	}
	return nil
}

// Verify recomputes the snapshot's MAC and compares it to the stored seal.
// A missing seal counts as a mismatch: a sealed store never has unsealed
// records unless something removed the seal out of band.
func (s *HMACService) Verify(ctx context.Context, snap certstore.Snapshot) (certstore.VerifyResult, error) {
	rec, err := s.seals.SealByFingerprint(ctx, snap.Fingerprint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return certstore.VerifyMismatch, nil
		}
		return certstore.VerifyMismatch, fmt.Errorf("load seal %s: %w", snap.Fingerprint, err)
	}
	if !hmac.Equal(rec.MAC, s.mac(snap)) {
		return certstore.VerifyMismatch, nil
	}
	return certstore.VerifyMatch, nil
}

// mac computes HMAC-SHA256 over the canonical byte form of the snapshot.
func (s *HMACService) mac(snap certstore.Snapshot) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(canonicalBytes(snap))
	return h.Sum(nil)
}

// canonicalBytes serializes a snapshot field by field in fixed order. Times
// are encoded as Unix nanoseconds, the zero time as 0, so the encoding does
// not depend on time-zone formatting.
func canonicalBytes(snap certstore.Snapshot) []byte {
	var b strings.Builder
	fields := []string{
		snap.Fingerprint,
		snap.CAFingerprint,
		snap.SerialNumber,
		snap.IssuerDN,
		snap.SubjectDN,
		strconv.Itoa(int(snap.Status)),
		strconv.Itoa(int(snap.Type)),
		unixField(snap.ExpireDate),
		unixField(snap.RevocationDate),
		strconv.Itoa(int(snap.RevocationReason)),
		snap.Username,
		snap.Tag,
		strconv.Itoa(snap.ProfileID),
		unixField(snap.UpdateTime),
	}
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return []byte(b.String())
}

func unixField(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}
