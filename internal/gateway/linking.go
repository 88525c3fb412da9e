package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hexleaf/mailgate/internal/apierr"
	"github.com/hexleaf/mailgate/internal/store"
)

// linkState is the pending consent a state token refers to.
type linkState struct {
	UserID   string
	Provider string
}

// handleLinkLogin starts the provider consent flow for a user.
func (g *Gateway) handleLinkLogin(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	provider, ok := g.catalog.Get(providerID)
	if !ok {
		apierr.WriteJSON(w, apierr.NotFound("unknown provider "+providerID))
		return
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		apierr.WriteJSON(w, apierr.InvalidInput("user query parameter is required"))
		return
	}

	state := uuid.New().String()
	g.linkStates.SetDefault(state, linkState{UserID: userID, Provider: providerID})

	conf := provider.OAuthConfig(callbackURL(r, providerID))
	url := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	http.Redirect(w, r, url, http.StatusFound)
}

// handleLinkCallback finishes the consent flow: exchanges the code and
// persists the account with the scope set the user actually granted.
func (g *Gateway) handleLinkCallback(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	provider, ok := g.catalog.Get(providerID)
	if !ok {
		apierr.WriteJSON(w, apierr.NotFound("unknown provider "+providerID))
		return
	}

	state := r.URL.Query().Get("state")
	pending, ok := g.linkStates.Get(state)
	if !ok {
		apierr.WriteJSON(w, apierr.InvalidInput("invalid or expired state token"))
		return
	}
	g.linkStates.Delete(state)

	link := pending.(linkState)
	if link.Provider != providerID {
		apierr.WriteJSON(w, apierr.InvalidInput("state token does not match provider"))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		apierr.WriteJSON(w, apierr.InvalidInput("missing authorization code"))
		return
	}

	conf := provider.OAuthConfig(callbackURL(r, providerID))
	token, err := conf.Exchange(r.Context(), code)
	if err != nil {
		apierr.WriteJSON(w, apierr.ProviderUnreachable(providerID, err))
		return
	}

	account := &store.OAuthAccount{
		UserID:       link.UserID,
		Provider:     providerID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	account.SetGrantedScopes(grantedScopes(token, provider.AuthScopes))

	if err := g.store.SaveAccount(account); err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}
	g.coordinator.Invalidate(link.UserID, providerID)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "linked",
		"provider": providerID,
		"user":     link.UserID,
		"scopes":   account.GrantedScopes(),
	})
}

// grantedScopes prefers the scope list the token response reports; providers
// that omit it are assumed to have granted everything requested.
func grantedScopes(token *oauth2.Token, requested []string) []string {
	if raw, ok := token.Extra("scope").(string); ok && raw != "" {
		return strings.Fields(raw)
	}
	return requested
}

func callbackURL(r *http.Request, providerID string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/%s/callback", scheme, r.Host, providerID)
}
