package store

import (
	"encoding/json"
	"time"
)

// OAuthAccount is one linked provider account per (user, provider). Token
// fields are mutated only through UpdateAccountTokens.
type OAuthAccount struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"uniqueIndex:idx_user_provider"`
	Provider     string `gorm:"uniqueIndex:idx_user_provider"`
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       string // JSON array of OAuth scopes granted at consent
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GrantedScopes decodes the stored scope set.
func (a *OAuthAccount) GrantedScopes() []string {
	if a.Scopes == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(a.Scopes), &scopes); err != nil {
		return nil
	}
	return scopes
}

// SetGrantedScopes encodes the scope set for storage.
func (a *OAuthAccount) SetGrantedScopes(scopes []string) {
	data, _ := json.Marshal(scopes)
	a.Scopes = string(data)
}

// APIKey stores a caller-facing key. Only the SHA-256 digest of the secret
// is persisted; KeyPrefix keeps a few characters for display.
type APIKey struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Name      string
	KeyHash   string `gorm:"uniqueIndex"`
	KeyPrefix string
	Grants    string // JSON: provider ID -> permission IDs
	Enabled   bool   `gorm:"default:true"`
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PermissionGrants decodes the per-provider permission sets.
func (k *APIKey) PermissionGrants() map[string][]string {
	grants := map[string][]string{}
	if k.Grants == "" {
		return grants
	}
	if err := json.Unmarshal([]byte(k.Grants), &grants); err != nil {
		return map[string][]string{}
	}
	return grants
}

// SetPermissionGrants encodes the per-provider permission sets.
func (k *APIKey) SetPermissionGrants(grants map[string][]string) {
	data, _ := json.Marshal(grants)
	k.Grants = string(data)
}

// UsageEvent is an append-only entitlement accounting record.
type UsageEvent struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"index"`
	Provider   string
	Permission string
	Timestamp  time.Time `gorm:"index"`
}
