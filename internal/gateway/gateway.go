// Package gateway composes the HTTP surface. Provider routes are built at
// startup by iterating the catalog; adding a provider touches only the
// catalog, never this package.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/hexleaf/mailgate/internal/apierr"
	"github.com/hexleaf/mailgate/internal/apikey"
	"github.com/hexleaf/mailgate/internal/authz"
	"github.com/hexleaf/mailgate/internal/catalog"
	"github.com/hexleaf/mailgate/internal/credentials"
	"github.com/hexleaf/mailgate/internal/logging"
	"github.com/hexleaf/mailgate/internal/metrics"
	"github.com/hexleaf/mailgate/internal/store"
	"github.com/hexleaf/mailgate/internal/upstream"
)

// linkStateTTL bounds how long a consent redirect may take before its state
// token expires.
const linkStateTTL = 10 * time.Minute

// Config wires the gateway's collaborators.
type Config struct {
	Catalog     *catalog.Catalog
	Resolver    *apikey.Resolver
	Keys        *apikey.Service
	Enforcer    *authz.Enforcer
	Upstream    *upstream.Client
	Coordinator *credentials.Coordinator
	Store       *store.Store
	Metrics     *metrics.Metrics
	AdminSecret string
}

type Gateway struct {
	catalog     *catalog.Catalog
	resolver    *apikey.Resolver
	keys        *apikey.Service
	enforcer    *authz.Enforcer
	upstream    *upstream.Client
	coordinator *credentials.Coordinator
	store       *store.Store
	metrics     *metrics.Metrics
	adminSecret string

	// linkStates holds pending OAuth consent states.
	linkStates *gocache.Cache
}

func New(cfg Config) *Gateway {
	return &Gateway{
		catalog:     cfg.Catalog,
		resolver:    cfg.Resolver,
		keys:        cfg.Keys,
		enforcer:    cfg.Enforcer,
		upstream:    cfg.Upstream,
		coordinator: cfg.Coordinator,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		adminSecret: cfg.AdminSecret,
		linkStates:  gocache.New(linkStateTTL, 2*linkStateTTL),
	}
}

// Router builds the full route tree from the catalog's current contents.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(g.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if g.metrics != nil {
		r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	}

	r.Get("/auth/{provider}/login", g.handleLinkLogin)
	r.Get("/auth/{provider}/callback", g.handleLinkCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(g.adminAuth)
		r.Post("/keys", g.handleCreateKey)
		r.Get("/keys", g.handleListKeys)
		r.Post("/keys/{id}/disable", g.handleDisableKey)
		r.Delete("/keys/{id}", g.handleRevokeKey)
		r.Delete("/accounts/{provider}", g.handleUnlinkAccount)
		r.Post("/accounts/{provider}/refresh", g.handleManualRefresh)
		r.Get("/usage", g.handleUsage)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(g.keyAuth)
		for _, provider := range g.catalog.All() {
			provider := provider
			r.Route("/"+provider.ID, func(pr chi.Router) {
				for _, op := range provider.Operations {
					op := op
					pr.Method(op.Method, op.Pattern, g.operationHandler(provider, op))
				}
			})
		}
	})

	return r
}

// operationHandler gates one provider operation behind the enforcer and
// dispatches the upstream call with the granted access token.
func (g *Gateway) operationHandler(provider catalog.Provider, op catalog.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFrom(r.Context())
		if !ok {
			g.fail(w, provider.ID, op.ID, apierr.Unauthorized("missing API key"))
			return
		}

		grant, err := g.enforcer.Authorize(r.Context(), identity, provider.ID, op.Permission)
		if err != nil {
			g.fail(w, provider.ID, op.ID, err)
			return
		}

		result, err := op.Invoke(r.Context(), g.upstream, grant.AccessToken, r)
		if err != nil {
			g.fail(w, provider.ID, op.ID, apierr.ProviderUnreachable(provider.ID, err))
			return
		}

		switch {
		case result.StatusCode == http.StatusNotFound:
			g.fail(w, provider.ID, op.ID, apierr.NotFound("resource not found at "+provider.ID))
		case result.StatusCode == http.StatusTooManyRequests:
			g.fail(w, provider.ID, op.ID, apierr.RateLimited(provider.ID))
		case result.StatusCode >= 400:
			g.fail(w, provider.ID, op.ID, apierr.ProviderCallFailed(provider.ID, result.StatusCode))
		default:
			g.countRequest(provider.ID, op.ID, "OK")
			if result.ContentType != "" {
				w.Header().Set("Content-Type", result.ContentType)
			}
			w.WriteHeader(result.StatusCode)
			w.Write(result.Body)
		}
	}
}

func (g *Gateway) fail(w http.ResponseWriter, providerID, operationID string, err error) {
	g.countRequest(providerID, operationID, string(apierr.From(err).Code))
	apierr.WriteJSON(w, err)
}

func (g *Gateway) countRequest(providerID, operationID, code string) {
	if g.metrics != nil {
		g.metrics.Requests.WithLabelValues(providerID, operationID, code).Inc()
	}
}

type contextKey string

const identityKey contextKey = "identity"

func identityFrom(ctx context.Context) (apikey.Identity, bool) {
	id, ok := ctx.Value(identityKey).(apikey.Identity)
	return id, ok
}

// keyAuth resolves the bearer secret into a verified Identity.
func (g *Gateway) keyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			apierr.WriteJSON(w, apierr.Unauthorized("missing bearer API key"))
			return
		}

		identity, err := g.resolver.Resolve(raw)
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminAuth protects the management API with the configured admin secret.
// With no secret configured all management calls pass (first-run setup).
func (g *Gateway) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.adminSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(g.adminSecret)) != 1 {
			apierr.WriteJSON(w, apierr.Unauthorized("invalid admin credentials"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.NewRequestID()
		}
		ctx := logging.WithRequestID(r.Context(), requestID)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
