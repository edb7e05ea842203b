package certstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/certledger/storage"
)

// Well-known certificate profile ids. These identify the built-in profiles
// that exist without any entry in the profile store.
const (
	ProfileEndUser       = 1
	ProfileSubCA         = 2
	ProfileRootCA        = 3
	ProfileHardTokenAuth = 5
)

// Profile describes how certificates issued under a profile are handled
// after storage: which publishers receive them and which issuers may use it.
type Profile struct {
	ID               int
	Name             string
	Type             storage.CertType
	PublisherIDs     []int
	AvailableIssuers []string
}

// ProfileResolver resolves a certificate profile id to its definition.
type ProfileResolver interface {
	Resolve(ctx context.Context, profileID int) (*Profile, error)
}

// fixedProfiles are checked before the dynamic store. Their definitions are
// not editable at runtime.
var fixedProfiles = map[int]Profile{
	ProfileEndUser:       {ID: ProfileEndUser, Name: "ENDUSER", Type: storage.TypeEndEntity},
	ProfileSubCA:         {ID: ProfileSubCA, Name: "SUBCA", Type: storage.TypeSubCA},
	ProfileRootCA:        {ID: ProfileRootCA, Name: "ROOTCA", Type: storage.TypeRootCA},
	ProfileHardTokenAuth: {ID: ProfileHardTokenAuth, Name: "HARDTOKEN_AUTH", Type: storage.TypeHardToken},
}

// Resolver resolves profile ids against the fixed table first, then the
// dynamic profile store.
type Resolver struct {
	profiles storage.ProfileRepository
}

// NewResolver returns a resolver backed by the given profile store. The
// store may be nil, in which case only fixed profiles resolve.
func NewResolver(profiles storage.ProfileRepository) *Resolver {
	return &Resolver{profiles: profiles}
}

var _ ProfileResolver = (*Resolver)(nil)

func (r *Resolver) Resolve(ctx context.Context, profileID int) (*Profile, error) {
	if fixed, ok := fixedProfiles[profileID]; ok {
		out := fixed
		out.PublisherIDs = append([]int(nil), fixed.PublisherIDs...)
		out.AvailableIssuers = append([]string(nil), fixed.AvailableIssuers...)
		return &out, nil
	}
	if r.profiles == nil {
		return nil, storage.ErrNotFound
	}
	rec, err := r.profiles.ProfileByID(ctx, profileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("resolve profile %d: %w", profileID, err)
	}
	return &Profile{
		ID:               rec.ID,
		Name:             rec.Name,
		Type:             rec.Type,
		PublisherIDs:     append([]int(nil), rec.PublisherIDs...),
		AvailableIssuers: append([]string(nil), rec.AvailableIssuers...),
	}, nil
}

// FixedProfileID returns the well-known profile id for a name, or 0 when the
// name does not match a fixed profile.
func FixedProfileID(name string) int {
	for id, p := range fixedProfiles {
		if p.Name == name {
			return id
		}
	}
	return 0
}
