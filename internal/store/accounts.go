package store

import (
	"time"

	"github.com/google/uuid"
)

// FindAccount loads the linked account for (userID, provider).
func (s *Store) FindAccount(userID, provider string) (*OAuthAccount, error) {
	var account OAuthAccount
	err := s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&account).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// SaveAccount creates or replaces the linked account for (userID, provider),
// preserving the row ID when the account already exists.
func (s *Store) SaveAccount(account *OAuthAccount) error {
	existing, err := s.FindAccount(account.UserID, account.Provider)
	switch {
	case err == nil:
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
	case err == ErrNotFound:
		if account.ID == "" {
			account.ID = uuid.New().String()
		}
	default:
		return err
	}
	return s.db.Save(account).Error
}

// UpdateAccountTokens persists a refreshed access token and expiry in a
// single atomic UPDATE. refreshToken is only written when non-empty
// (providers that rotate refresh tokens return a new one).
func (s *Store) UpdateAccountTokens(accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	updates := map[string]any{
		"access_token": accessToken,
		"expires_at":   expiresAt,
		"updated_at":   time.Now(),
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	res := s.db.Model(&OAuthAccount{}).Where("id = ?", accountID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount unlinks the account for (userID, provider).
func (s *Store) DeleteAccount(userID, provider string) error {
	res := s.db.Where("user_id = ? AND provider = ?", userID, provider).Delete(&OAuthAccount{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
