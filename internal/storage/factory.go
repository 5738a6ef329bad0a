package storage

import (
	"fmt"
	"log"

	"github.com/fidde/exception_clusterer/internal/storage/memory"
	"github.com/fidde/exception_clusterer/internal/storage/sqlite"
)

// Config holds storage configuration.
type Config struct {
	// Backend selects the storage backend: "sqlite" or "memory".
	Backend string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string
}

// DefaultConfig returns default storage configuration.
func DefaultConfig() Config {
	return Config{
		Backend:    "sqlite",
		SQLitePath: "clusters.db",
	}
}

// NewStorage creates a storage implementation based on configuration.
func NewStorage(cfg Config) (Storage, error) {
	switch cfg.Backend {
	case "memory":
		log.Println("Using in-memory storage")
		return memory.New(), nil

	case "sqlite":
		log.Printf("Using SQLite storage: %s", cfg.SQLitePath)
		store, err := sqlite.New(sqlite.DefaultConfig(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("creating SQLite store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: sqlite, memory)", cfg.Backend)
	}
}
