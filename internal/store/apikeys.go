package store

import (
	"time"

	"github.com/google/uuid"
)

// CreateAPIKey inserts a new key record.
func (s *Store) CreateAPIKey(key *APIKey) error {
	if key.ID == "" {
		key.ID = "key_" + uuid.New().String()
	}
	return s.db.Create(key).Error
}

// FindAPIKeyByHash looks a key up by its secret digest.
func (s *Store) FindAPIKeyByHash(hash string) (*APIKey, error) {
	var key APIKey
	err := s.db.Where("key_hash = ?", hash).First(&key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// FindAPIKeyByID looks a key up by ID.
func (s *Store) FindAPIKeyByID(id string) (*APIKey, error) {
	var key APIKey
	err := s.db.Where("id = ?", id).First(&key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// ListAPIKeys returns a user's keys, newest first.
func (s *Store) ListAPIKeys(userID string) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&keys).Error
	return keys, err
}

// DisableAPIKey flips a key's enabled flag off; the next resolve fails.
func (s *Store) DisableAPIKey(id string) error {
	res := s.db.Model(&APIKey{}).Where("id = ?", id).Updates(map[string]any{
		"enabled":    false,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAPIKey removes a key entirely; revocation is immediate.
func (s *Store) DeleteAPIKey(id string) error {
	res := s.db.Where("id = ?", id).Delete(&APIKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
