package store

import (
	"time"

	"github.com/google/uuid"
)

// RecordUsage appends one usage event.
func (s *Store) RecordUsage(userID, provider, permission string) error {
	return s.db.Create(&UsageEvent{
		ID:         uuid.New().String(),
		UserID:     userID,
		Provider:   provider,
		Permission: permission,
		Timestamp:  time.Now(),
	}).Error
}

// CountUsageSince counts a user's usage events at or after since.
func (s *Store) CountUsageSince(userID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&UsageEvent{}).
		Where("user_id = ? AND timestamp >= ?", userID, since).
		Count(&count).Error
	return count, err
}
