package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/infra"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// snapshotRow is the key/value row holding one serialized snapshot.
type snapshotRow struct {
	Key       string    `gorm:"primaryKey"`
	Payload   string    // JSON-encoded domain.Snapshot
	UpdatedAt time.Time
}

// Store persists watchlist snapshots in a local SQLite database. It
// implements domain.SnapshotStore: Load never surfaces an error (missing,
// corrupt or mismatched data reads as absent) and Save failures are logged
// and swallowed, so a broken disk degrades persistence, not the session.
type Store struct {
	db *gorm.DB
}

// NewStore creates a SQLite-backed snapshot store in the user config dir.
func NewStore() (*Store, error) {
	dbPath, err := getDBPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve DB path: %w", err)
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "TokenWatch", "data", "tokenwatch.db"), nil
}

// Load returns the snapshot stored under key, or absent. A missing row or a
// payload that no longer unmarshals both read as absent.
func (s *Store) Load(key string) (*domain.Snapshot, bool) {
	var row snapshotRow
	err := s.db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		slog.Warn("Snapshot load failed, falling back to defaults",
			slog.String("key", key), slog.Any("error", err))
		return nil, false
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(row.Payload), &snap); err != nil {
		slog.Warn("Snapshot payload corrupt, falling back to defaults",
			slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return &snap, true
}

// Save writes the snapshot under key, replacing any previous value. The
// latest write wins; failures are logged and dropped.
func (s *Store) Save(key string, snap *domain.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("Snapshot marshal failed", slog.String("key", key), slog.Any("error", err))
		return
	}

	row := snapshotRow{Key: key, Payload: string(payload)}
	if err := s.db.Save(&row).Error; err != nil {
		slog.Warn("Snapshot save failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	infra.GlobalMetrics.RecordSnapshotWrite()
}
