package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hexleaf/mailgate/internal/apierr"
	"github.com/hexleaf/mailgate/internal/store"
)

type createKeyRequest struct {
	UserID    string              `json:"user_id"`
	Name      string              `json:"name"`
	Grants    map[string][]string `json:"grants"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

type keyResponse struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Name      string              `json:"name"`
	KeyPrefix string              `json:"key_prefix"`
	Grants    map[string][]string `json:"grants"`
	Enabled   bool                `json:"enabled"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
	CreatedAt time.Time           `json:"created_at"`

	// Key carries the plaintext secret, present only in the create response.
	Key string `json:"key,omitempty"`
}

func keyToResponse(k *store.APIKey) keyResponse {
	return keyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Name:      k.Name,
		KeyPrefix: k.KeyPrefix,
		Grants:    k.PermissionGrants(),
		Enabled:   k.Enabled,
		ExpiresAt: k.ExpiresAt,
		CreatedAt: k.CreatedAt,
	}
}

func (g *Gateway) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.InvalidInput("invalid JSON body"))
		return
	}

	key, plaintext, err := g.keys.Create(req.UserID, req.Name, req.Grants, req.ExpiresAt)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	resp := keyToResponse(key)
	resp.Key = plaintext
	writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleListKeys(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		apierr.WriteJSON(w, apierr.InvalidInput("user query parameter is required"))
		return
	}

	keys, err := g.keys.List(userID)
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}

	resp := make([]keyResponse, 0, len(keys))
	for i := range keys {
		resp = append(resp, keyToResponse(&keys[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": resp})
}

func (g *Gateway) handleDisableKey(w http.ResponseWriter, r *http.Request) {
	if err := g.keys.Disable(chi.URLParam(r, "id")); err != nil {
		g.writeStoreError(w, err, "API key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (g *Gateway) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := g.keys.Revoke(chi.URLParam(r, "id")); err != nil {
		g.writeStoreError(w, err, "API key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (g *Gateway) handleUnlinkAccount(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	userID := r.URL.Query().Get("user")
	if userID == "" {
		apierr.WriteJSON(w, apierr.InvalidInput("user query parameter is required"))
		return
	}

	if err := g.store.DeleteAccount(userID, providerID); err != nil {
		g.writeStoreError(w, err, "no linked account for "+providerID)
		return
	}
	g.coordinator.Invalidate(userID, providerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

func (g *Gateway) handleManualRefresh(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	userID := r.URL.Query().Get("user")
	if userID == "" {
		apierr.WriteJSON(w, apierr.InvalidInput("user query parameter is required"))
		return
	}

	cred, err := g.coordinator.ForceRefresh(r.Context(), userID, providerID)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "refreshed",
		"expires_at": cred.ExpiresAt,
	})
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		apierr.WriteJSON(w, apierr.InvalidInput("user query parameter is required"))
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			apierr.WriteJSON(w, apierr.InvalidInput("window must be a positive duration"))
			return
		}
		window = parsed
	}

	since := time.Now().Add(-window)
	count, err := g.store.CountUsageSince(userID, since)
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  userID,
		"since": since,
		"count": count,
	})
}

func (g *Gateway) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		apierr.WriteJSON(w, apierr.NotFound(notFoundMsg))
		return
	}
	apierr.WriteJSON(w, apierr.Internal(err))
}
