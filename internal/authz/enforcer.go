// Package authz is the per-request authorization pipeline: key grant,
// billing entitlement, live credential, and consent-scope reconciliation,
// in that order.
package authz

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/hexleaf/mailgate/internal/apierr"
	"github.com/hexleaf/mailgate/internal/apikey"
	"github.com/hexleaf/mailgate/internal/catalog"
	"github.com/hexleaf/mailgate/internal/credentials"
	"github.com/hexleaf/mailgate/internal/metrics"
	"github.com/hexleaf/mailgate/internal/store"
)

// Grant is a fully-authorized request context: the live access token plus
// the permissions the key grants for the provider.
type Grant struct {
	AccessToken string
	UserID      string
	Permissions []string
}

// TokenSource serves valid provider credentials (see internal/credentials).
type TokenSource interface {
	GetValidToken(ctx context.Context, userID, providerID string) (credentials.Credential, error)
}

// EntitlementChecker is the billing collaborator surface the enforcer uses.
type EntitlementChecker interface {
	Check(ctx context.Context, userID string) (bool, error)
	Track(ctx context.Context, userID string, value int) error
}

// Enforcer composes the authorization checks for one request.
type Enforcer struct {
	catalog *catalog.Catalog
	creds   TokenSource
	billing EntitlementChecker
	store   *store.Store
	metrics *metrics.Metrics
}

func NewEnforcer(cat *catalog.Catalog, creds TokenSource, billing EntitlementChecker, st *store.Store, m *metrics.Metrics) *Enforcer {
	return &Enforcer{catalog: cat, creds: creds, billing: billing, store: st, metrics: m}
}

// Authorize runs the full pipeline for (identity, provider, permission).
//
// The billing check is fail-open by explicit policy: a billing-service
// outage must not lock users out of functionality they already paid for,
// so a collaborator error counts as allowed and is logged at WARN.
func (e *Enforcer) Authorize(ctx context.Context, identity apikey.Identity, providerID, permission string) (Grant, error) {
	if !identity.Granted(providerID, permission) {
		return Grant{}, apierr.Forbidden(providerID, permission)
	}

	allowed, err := e.billing.Check(ctx, identity.UserID)
	if err != nil {
		log.Warn().Str("user", identity.UserID).Err(err).
			Msg("billing check failed, allowing request (fail-open policy)")
	} else if !allowed {
		return Grant{}, apierr.PaymentRequired()
	}

	cred, err := e.creds.GetValidToken(ctx, identity.UserID, providerID)
	if err != nil {
		return Grant{}, err
	}

	// A key may declare a permission the user's live OAuth consent no
	// longer (or never did) cover. That is actionable by re-linking, so it
	// surfaces as NEEDS_REAUTH rather than a generic forbidden.
	live := e.catalog.PermissionsForScopes(providerID, cred.Scopes)
	if !contains(live, permission) {
		return Grant{}, apierr.NeedsReauth(providerID, permission)
	}

	e.recordUsage(ctx, identity.UserID, providerID, permission)

	return Grant{
		AccessToken: cred.AccessToken,
		UserID:      identity.UserID,
		Permissions: identity.Grants[providerID],
	}, nil
}

// recordUsage emits the entitlement accounting trail. Strictly best-effort:
// a recording failure never fails the request.
func (e *Enforcer) recordUsage(ctx context.Context, userID, providerID, permission string) {
	if err := e.store.RecordUsage(userID, providerID, permission); err != nil {
		log.Warn().Str("user", userID).Err(err).Msg("usage event write failed")
	}
	if err := e.billing.Track(ctx, userID, 1); err != nil {
		log.Warn().Str("user", userID).Err(err).Msg("billing usage track failed")
	}
	if e.metrics != nil {
		e.metrics.UsageEvents.Inc()
	}
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
