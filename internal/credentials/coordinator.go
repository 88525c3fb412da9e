// Package credentials owns OAuthAccount token lifecycle. It serves a valid
// access token on demand and coordinates refreshes so that, for any one
// (user, provider) pair, concurrent demand produces exactly one upstream
// refresh call whose result all waiters share.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hexleaf/mailgate/internal/apierr"
	"github.com/hexleaf/mailgate/internal/catalog"
	"github.com/hexleaf/mailgate/internal/metrics"
	"github.com/hexleaf/mailgate/internal/store"
)

const (
	// expiryMargin is the safety window: a token expiring inside it is
	// treated as expired and refreshed before being served.
	expiryMargin = 5 * time.Minute

	// refreshTimeout bounds the upstream token endpoint call. Because
	// singleflight releases when the call returns, this is also the upper
	// bound on how long waiters can block behind a refresh.
	refreshTimeout = 15 * time.Second
)

// Credential is a served access token plus the consent state needed for
// permission reconciliation.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
}

// Coordinator implements the refresh protocol over the store.
type Coordinator struct {
	store      *store.Store
	catalog    *catalog.Catalog
	metrics    *metrics.Metrics
	httpClient *http.Client
	margin     time.Duration
	now        func() time.Time

	sf singleflight.Group
}

// Option customizes a Coordinator; used mainly by tests.
type Option func(*Coordinator)

func WithMargin(margin time.Duration) Option {
	return func(c *Coordinator) { c.margin = margin }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) { c.httpClient = client }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(st *store.Store, cat *catalog.Catalog, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      st,
		catalog:    cat,
		httpClient: &http.Client{Timeout: refreshTimeout},
		margin:     expiryMargin,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetValidToken returns a credential whose access token is valid for at
// least the safety margin. A token already outside the margin is returned
// without any I/O; otherwise the per-(user, provider) refresh flight runs
// and every concurrent caller receives its single outcome.
func (c *Coordinator) GetValidToken(ctx context.Context, userID, providerID string) (Credential, error) {
	provider, ok := c.catalog.Get(providerID)
	if !ok {
		return Credential{}, fmt.Errorf("unknown provider %q", providerID)
	}

	account, err := c.store.FindAccount(userID, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Credential{}, apierr.AccountNotLinked(providerID)
		}
		return Credential{}, err
	}

	if account.ExpiresAt.After(c.now().Add(c.margin)) {
		return credentialOf(account), nil
	}

	return c.runRefresh(ctx, provider, userID, providerID, false)
}

// ForceRefresh refreshes immediately regardless of the stored expiry,
// sharing the same flight as regular refreshes. Used by the management API.
func (c *Coordinator) ForceRefresh(ctx context.Context, userID, providerID string) (Credential, error) {
	provider, ok := c.catalog.Get(providerID)
	if !ok {
		return Credential{}, fmt.Errorf("unknown provider %q", providerID)
	}
	return c.runRefresh(ctx, provider, userID, providerID, true)
}

func (c *Coordinator) runRefresh(ctx context.Context, provider catalog.Provider, userID, providerID string, force bool) (Credential, error) {
	key := userID + "/" + providerID
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.refresh(ctx, provider, userID, providerID, force)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Invalidate drops any in-flight refresh result for (user, provider) so a
// relinked account starts clean. Called on account unlink.
func (c *Coordinator) Invalidate(userID, providerID string) {
	c.sf.Forget(userID + "/" + providerID)
}

func (c *Coordinator) refresh(ctx context.Context, provider catalog.Provider, userID, providerID string, force bool) (Credential, error) {
	// The refresh must run to completion even if the triggering caller
	// disconnects: abandoning it mid-write would leave waiters without a
	// result and risk a half-applied token update.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	rctx = context.WithValue(rctx, oauth2.HTTPClient, c.httpClient)

	// Re-load inside the flight: a previous flight may have refreshed the
	// row between our expiry check and joining the group.
	account, err := c.store.FindAccount(userID, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Credential{}, apierr.AccountNotLinked(providerID)
		}
		return Credential{}, err
	}
	if !force && account.ExpiresAt.After(c.now().Add(c.margin)) {
		return credentialOf(account), nil
	}

	conf := provider.OAuthConfig("")
	src := conf.TokenSource(rctx, &oauth2.Token{RefreshToken: account.RefreshToken})

	token, err := src.Token()
	if err != nil {
		c.countRefresh(providerID, "failure")
		if isPermanentRefreshError(err) {
			log.Warn().Str("provider", providerID).Str("user", userID).Err(err).
				Msg("refresh token revoked, account needs re-link")
			return Credential{}, apierr.RevokedCredential(providerID, err)
		}
		log.Warn().Str("provider", providerID).Str("user", userID).Err(err).
			Msg("transient token refresh failure")
		return Credential{}, apierr.TransientUpstream(providerID, err)
	}

	rotated := ""
	if token.RefreshToken != "" && token.RefreshToken != account.RefreshToken {
		rotated = token.RefreshToken
		log.Info().Str("provider", providerID).Str("user", userID).Msg("rotating refresh token")
	}
	if err := c.store.UpdateAccountTokens(account.ID, token.AccessToken, rotated, token.Expiry); err != nil {
		c.countRefresh(providerID, "failure")
		return Credential{}, apierr.Internal(err)
	}

	c.countRefresh(providerID, "success")
	log.Debug().Str("provider", providerID).Str("user", userID).
		Time("expires_at", token.Expiry).Msg("access token refreshed")

	return Credential{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
		Scopes:      account.GrantedScopes(),
	}, nil
}

func (c *Coordinator) countRefresh(providerID, outcome string) {
	if c.metrics != nil {
		c.metrics.Refreshes.WithLabelValues(providerID, outcome).Inc()
	}
}

func credentialOf(account *store.OAuthAccount) Credential {
	return Credential{
		AccessToken: account.AccessToken,
		ExpiresAt:   account.ExpiresAt,
		Scopes:      account.GrantedScopes(),
	}
}

// isPermanentRefreshError distinguishes a revoked or invalid grant (terminal,
// requires re-consent) from transient upstream failures.
func isPermanentRefreshError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
