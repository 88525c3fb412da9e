// Package store persists accounts, API keys and usage events in SQLite
// through gorm.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: record not found")

// Store wraps the gorm handle. All methods are safe for concurrent use;
// writes for different rows proceed independently.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OAuthAccount{}, &APIKey{}, &UsageEvent{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// memorySeq disambiguates in-memory databases so each OpenMemory call gets
// an isolated instance shared across the connection pool.
var memorySeq atomic.Int64

// OpenMemory opens an isolated in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	name := fmt.Sprintf("file:mem%d?mode=memory&cache=shared", memorySeq.Add(1))
	return Open(name)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
