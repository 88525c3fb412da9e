// Package catalog is the static description of every supported provider:
// OAuth shape, permission vocabulary, scope mapping and route bindings.
// A Catalog is populated once at process start and read-only afterwards,
// so lookups need no locking.
package catalog

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/hexleaf/mailgate/internal/upstream"
)

// PermissionDefinition is one provider-namespaced capability.
// RequiresReauth marks permissions introduced after the provider's original
// consent screen shipped, meaning older accounts' scope grants predate it.
type PermissionDefinition struct {
	ID             string
	Label          string
	Description    string
	Scope          string
	RequiresReauth bool
}

// Operation binds a gateway route to a permission and an upstream call.
type Operation struct {
	ID         string
	Method     string
	Pattern    string
	Permission string
	Invoke     func(ctx context.Context, client *upstream.Client, accessToken string, r *http.Request) (*upstream.Result, error)
}

// Provider is a static, compiled-in provider descriptor.
type Provider struct {
	ID           string
	Label        string
	Endpoint     oauth2.Endpoint
	ClientID     string
	ClientSecret string

	// AuthScopes are the scopes requested at consent time.
	AuthScopes []string

	// APIBaseURL is where the provider's REST API lives.
	APIBaseURL string

	Permissions []PermissionDefinition

	// ScopeMap maps one OAuth scope to the permission IDs it unlocks.
	ScopeMap map[string][]string

	Operations []Operation
}

// OAuthConfig builds the oauth2 config used for consent and refresh.
func (p Provider) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       p.AuthScopes,
		Endpoint:     p.Endpoint,
	}
}

// Permission returns the definition for a permission ID.
func (p Provider) Permission(id string) (PermissionDefinition, bool) {
	for _, def := range p.Permissions {
		if def.ID == id {
			return def, true
		}
	}
	return PermissionDefinition{}, false
}

// Catalog maps provider IDs to descriptors. Construct with New, fill with
// Register during startup, then treat as immutable.
type Catalog struct {
	providers map[string]Provider
	order     []string
}

func New() *Catalog {
	return &Catalog{providers: map[string]Provider{}}
}

// Register adds a provider. A duplicate ID is overwritten with a warning;
// last registration wins.
func (c *Catalog) Register(p Provider) {
	if _, exists := c.providers[p.ID]; exists {
		log.Warn().Str("provider", p.ID).Msg("provider re-registered, overwriting previous descriptor")
	} else {
		c.order = append(c.order, p.ID)
	}
	c.providers[p.ID] = p
}

func (c *Catalog) Get(id string) (Provider, bool) {
	p, ok := c.providers[id]
	return p, ok
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.providers[id]
	return ok
}

// All returns providers in registration order.
func (c *Catalog) All() []Provider {
	result := make([]Provider, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.providers[id])
	}
	return result
}

// RequiredScope returns the OAuth scope a permission maps to.
func (c *Catalog) RequiredScope(providerID, permissionID string) (string, bool) {
	p, ok := c.providers[providerID]
	if !ok {
		return "", false
	}
	def, ok := p.Permission(permissionID)
	if !ok {
		return "", false
	}
	return def.Scope, true
}

// PermissionsForScopes returns the permission IDs reachable from the union
// of the given scopes, deduplicated, in the provider's permission order.
func (c *Catalog) PermissionsForScopes(providerID string, scopes []string) []string {
	p, ok := c.providers[providerID]
	if !ok {
		return nil
	}

	reachable := map[string]struct{}{}
	for _, scope := range scopes {
		for _, permID := range p.ScopeMap[scope] {
			reachable[permID] = struct{}{}
		}
	}

	result := make([]string, 0, len(reachable))
	for _, def := range p.Permissions {
		if _, ok := reachable[def.ID]; ok {
			result = append(result, def.ID)
		}
	}
	return result
}
