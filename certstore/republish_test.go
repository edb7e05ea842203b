package certstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certledger/publish"
	"github.com/jmcleod/certledger/storage"
	"github.com/jmcleod/certledger/storage/memory"
)

func TestCoordinator_UnrevokeRepublishesHistorySnapshot(t *testing.T) {
	repo := memory.NewRepository()
	ctx := context.Background()

	pub := &recordingPublisher{}
	fanout := publish.NewFanout(map[int]publish.Publisher{1: pub}, nil)

	require.NoError(t, repo.UpsertProfile(ctx, &storage.ProfileRecord{
		ID:           500,
		Name:         "PUBLISHED",
		PublisherIDs: []int{1},
	}))

	reg := NewRegistry(repo)
	history := NewHistory(repo, nil, nil)
	coordinator := NewCoordinator(repo, NewResolver(repo), fanout, nil)
	sm := NewStateMachine(reg, coordinator)

	rec, err := reg.Store(ctx, testCert("300"), StoreParams{
		Username:  "kate",
		ProfileID: 500,
	})
	require.NoError(t, err)
	require.NoError(t, history.Add(ctx, HistoryParams{
		Fingerprint:  rec.Fingerprint,
		SerialNumber: rec.SerialNumber,
		IssuerDN:     rec.IssuerDN,
		Username:     "kate",
		Password:     "issuance-secret",
		SubjectDN:    rec.SubjectDN,
		ProfileID:    500,
	}, "test"))

	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "300", storage.ReasonCertificateHold, nil, "test"))
	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "300", storage.ReasonNotRevoked, nil, "test"))

	require.Equal(t, 1, pub.storeCount())
	assert.Equal(t, "kate", pub.stores[0].Username)
	assert.Equal(t, "issuance-secret", pub.stores[0].Password)
	assert.Equal(t, int(storage.StatusActive), pub.stores[0].Status)
}

func TestCoordinator_UnrevokeGivesUpSilently(t *testing.T) {
	repo := memory.NewRepository()
	ctx := context.Background()

	pub := &recordingPublisher{}
	fanout := publish.NewFanout(map[int]publish.Publisher{1: pub}, nil)
	coordinator := NewCoordinator(repo, NewResolver(repo), fanout, nil)

	reg := NewRegistry(repo)
	history := NewHistory(repo, nil, nil)
	sm := NewStateMachine(reg, coordinator)

	// No history snapshot at all.
	rec, err := reg.Store(ctx, testCert("301"), StoreParams{Username: "liam", ProfileID: 500})
	require.NoError(t, err)
	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "301", storage.ReasonCertificateHold, nil, "test"))
	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "301", storage.ReasonNotRevoked, nil, "test"))
	assert.Zero(t, pub.storeCount())

	// History present but the profile does not resolve.
	require.NoError(t, history.Add(ctx, HistoryParams{
		Fingerprint: rec.Fingerprint,
		Username:    "liam",
		ProfileID:   404,
	}, "test"))
	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "301", storage.ReasonCertificateHold, nil, "test"))
	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "301", storage.ReasonNotRevoked, nil, "test"))
	assert.Zero(t, pub.storeCount())

	// Profile resolves but has no publishers.
	require.NoError(t, repo.UpsertProfile(ctx, &storage.ProfileRecord{ID: 404, Name: "EMPTY"}))
	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "301", storage.ReasonCertificateHold, nil, "test"))
	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "301", storage.ReasonNotRevoked, nil, "test"))
	assert.Zero(t, pub.storeCount())
}

func TestCoordinator_PublisherFailureDoesNotFailUnrevoke(t *testing.T) {
	repo := memory.NewRepository()
	ctx := context.Background()

	pub := &recordingPublisher{fail: true}
	fanout := publish.NewFanout(map[int]publish.Publisher{1: pub}, nil)
	require.NoError(t, repo.UpsertProfile(ctx, &storage.ProfileRecord{
		ID:           501,
		Name:         "FLAKY",
		PublisherIDs: []int{1},
	}))

	reg := NewRegistry(repo)
	history := NewHistory(repo, nil, nil)
	coordinator := NewCoordinator(repo, NewResolver(repo), fanout, nil)
	sm := NewStateMachine(reg, coordinator)

	rec, err := reg.Store(ctx, testCert("302"), StoreParams{Username: "mia", ProfileID: 501})
	require.NoError(t, err)
	require.NoError(t, history.Add(ctx, HistoryParams{
		Fingerprint: rec.Fingerprint,
		Username:    "mia",
		ProfileID:   501,
	}, "test"))

	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "302", storage.ReasonCertificateHold, nil, "test"))
	require.NoError(t, sm.SetRevocationStatus(ctx, testIssuer, "302", storage.ReasonNotRevoked, nil, "test"))

	got, err := reg.ByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, got.Status)
}
