package apikey

import (
	"errors"
	"time"

	"github.com/hexleaf/mailgate/internal/apierr"
	"github.com/hexleaf/mailgate/internal/store"
)

// Identity is a verified key: who owns it and what it grants. The resolver
// knows nothing about OAuth or providers beyond the grant map's keys.
type Identity struct {
	KeyID  string
	UserID string
	Grants map[string][]string
}

// Grants reports whether the identity's key grants permission for provider.
func (id Identity) Granted(provider, permission string) bool {
	for _, p := range id.Grants[provider] {
		if p == permission {
			return true
		}
	}
	return false
}

// Resolver verifies raw key material against stored digests. Nothing is
// cached: a disabled or deleted key fails on the very next resolve.
type Resolver struct {
	store *store.Store
	now   func() time.Time
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st, now: time.Now}
}

// Resolve turns a caller-presented secret into a verified Identity.
func (r *Resolver) Resolve(rawKey string) (Identity, error) {
	if !WellFormed(rawKey) {
		return Identity{}, apierr.InvalidKey()
	}

	key, err := r.store.FindAPIKeyByHash(HashSecret(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, apierr.InvalidKey()
		}
		return Identity{}, err
	}

	if !key.Enabled {
		return Identity{}, apierr.KeyDisabled()
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(r.now()) {
		return Identity{}, apierr.KeyExpired()
	}

	return Identity{
		KeyID:  key.ID,
		UserID: key.UserID,
		Grants: key.PermissionGrants(),
	}, nil
}
