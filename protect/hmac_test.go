package protect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certledger/certstore"
	"github.com/jmcleod/certledger/storage/memory"
)

func testSnapshot() certstore.Snapshot {
	return certstore.Snapshot{
		Fingerprint:  "fp-1",
		SerialNumber: "1234",
		IssuerDN:     "CN=Test CA",
		SubjectDN:    "CN=user",
		Status:       20,
		ExpireDate:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Username:     "alice",
		ProfileID:    1,
		UpdateTime:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestHMACService_KeyValidation(t *testing.T) {
	repo := memory.NewRepository()

	_, err := NewHMACService([]byte("short"), repo)
	assert.Error(t, err)

	_, err = NewHMACService([]byte("0123456789abcdef"), nil)
	assert.Error(t, err)

	svc, err := NewHMACService([]byte("0123456789abcdef"), repo)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestHMACService_SealThenVerify(t *testing.T) {
	repo := memory.NewRepository()
	svc, err := NewHMACService([]byte("0123456789abcdef"), repo)
	require.NoError(t, err)
	ctx := context.Background()

	snap := testSnapshot()
	require.NoError(t, svc.Seal(ctx, snap))

	result, err := svc.Verify(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, certstore.VerifyMatch, result)
}

func TestHMACService_DetectsFieldChange(t *testing.T) {
	repo := memory.NewRepository()
	svc, err := NewHMACService([]byte("0123456789abcdef"), repo)
	require.NoError(t, err)
	ctx := context.Background()

	snap := testSnapshot()
	require.NoError(t, svc.Seal(ctx, snap))

	tampered := snap
	tampered.Status = 40
	result, err := svc.Verify(ctx, tampered)
	require.NoError(t, err)
	assert.Equal(t, certstore.VerifyMismatch, result)

	tampered = snap
	tampered.Username = "mallory"
	result, err = svc.Verify(ctx, tampered)
	require.NoError(t, err)
	assert.Equal(t, certstore.VerifyMismatch, result)
}

func TestHMACService_MissingSealIsMismatch(t *testing.T) {
	repo := memory.NewRepository()
	svc, err := NewHMACService([]byte("0123456789abcdef"), repo)
	require.NoError(t, err)

	result, err := svc.Verify(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, certstore.VerifyMismatch, result)
}

func TestHMACService_ResealReplacesSeal(t *testing.T) {
	repo := memory.NewRepository()
	svc, err := NewHMACService([]byte("0123456789abcdef"), repo)
	require.NoError(t, err)
	ctx := context.Background()

	snap := testSnapshot()
	require.NoError(t, svc.Seal(ctx, snap))

	snap.Status = 40
	snap.UpdateTime = snap.UpdateTime.Add(time.Minute)
	require.NoError(t, svc.Seal(ctx, snap))

	result, err := svc.Verify(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, certstore.VerifyMatch, result)
}

func TestHMACService_FieldShiftingDoesNotCollide(t *testing.T) {
	repo := memory.NewRepository()
	svc, err := NewHMACService([]byte("0123456789abcdef"), repo)
	require.NoError(t, err)
	ctx := context.Background()

	// Length-prefixed canonical encoding: moving a character across a field
	// boundary must change the MAC.
	a := testSnapshot()
	a.Username = "ab"
	a.Tag = "c"
	require.NoError(t, svc.Seal(ctx, a))

	b := testSnapshot()
	b.Username = "a"
	b.Tag = "bc"
	result, err := svc.Verify(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, certstore.VerifyMismatch, result)
}
