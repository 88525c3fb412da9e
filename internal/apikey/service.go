package apikey

import (
	"fmt"
	"time"

	"github.com/hexleaf/mailgate/internal/apierr"
	"github.com/hexleaf/mailgate/internal/catalog"
	"github.com/hexleaf/mailgate/internal/store"
)

// Service manages key lifecycle for the management API.
type Service struct {
	store   *store.Store
	catalog *catalog.Catalog
}

func NewService(st *store.Store, cat *catalog.Catalog) *Service {
	return &Service{store: st, catalog: cat}
}

// Create mints a key for userID with the given per-provider grants. Grants
// are validated against the catalog here and only here; a later catalog
// change that removes a permission leaves the grant silently ineffective.
// The returned plaintext is the only time the secret is available.
func (s *Service) Create(userID, name string, grants map[string][]string, expiresAt *time.Time) (*store.APIKey, string, error) {
	if userID == "" {
		return nil, "", apierr.InvalidInput("user id is required")
	}
	if len(grants) == 0 {
		return nil, "", apierr.InvalidInput("at least one permission grant is required")
	}
	for providerID, perms := range grants {
		provider, ok := s.catalog.Get(providerID)
		if !ok {
			return nil, "", apierr.InvalidInput(fmt.Sprintf("unknown provider %q", providerID))
		}
		for _, perm := range perms {
			if _, ok := provider.Permission(perm); !ok {
				return nil, "", apierr.InvalidInput(fmt.Sprintf("provider %q has no permission %q", providerID, perm))
			}
		}
	}

	plaintext, digest, displayPrefix := Mint()
	key := &store.APIKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   digest,
		KeyPrefix: displayPrefix,
		Enabled:   true,
		ExpiresAt: expiresAt,
	}
	key.SetPermissionGrants(grants)

	if err := s.store.CreateAPIKey(key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// List returns a user's keys (hashes included only as digests, never secrets).
func (s *Service) List(userID string) ([]store.APIKey, error) {
	return s.store.ListAPIKeys(userID)
}

// Disable turns a key off without deleting its record.
func (s *Service) Disable(id string) error {
	return s.store.DisableAPIKey(id)
}

// Revoke deletes a key; all future authorization stops immediately.
func (s *Service) Revoke(id string) error {
	return s.store.DeleteAPIKey(id)
}
