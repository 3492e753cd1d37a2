package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"perp_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists the seen memory of every (wallet, network) pair.
type Storage struct {
	db *gorm.DB
}

var _ domain.SeenMemoryRepository = (*Storage)(nil)

// NewStorage opens the SQLite database at path. An empty path uses the
// per-user config directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		var err error
		dbPath, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
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

	if err := db.AutoMigrate(&domain.SeenRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
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

	return filepath.Join(configDir, "PerpGo", "data", "perp.db"), nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadSeen returns the seen memory of wallet on network. Unknown pairs yield
// an empty memory.
func (s *Storage) LoadSeen(wallet, network string) (domain.SeenMemory, error) {
	var records []domain.SeenRecord
	err := s.db.Where("wallet = ? AND network = ?", wallet, network).Find(&records).Error
	if err != nil {
		return domain.NewSeenMemory(), err
	}
	return domain.ToSeenMemory(records), nil
}

// MarkSeen records that the user looked at kind of marketID at atMs.
// An older timestamp never overwrites a newer one.
func (s *Storage) MarkSeen(wallet, network string, kind domain.SeenKind, marketID string, atMs int64) error {
	if marketID == "" {
		marketID = domain.SeenAllMarkets
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec domain.SeenRecord
		err := tx.First(&rec, "wallet = ? AND network = ? AND kind = ? AND market_id = ?",
			wallet, network, kind, marketID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = domain.SeenRecord{Wallet: wallet, Network: network, Kind: kind, MarketID: marketID}
		case err != nil:
			return err
		case rec.SeenAtMs >= atMs:
			return nil
		}
		rec.SeenAtMs = atMs
		rec.UpdatedAt = time.Now()
		return tx.Save(&rec).Error
	})
}

// ForgetWallet deletes every entry of wallet on network.
func (s *Storage) ForgetWallet(wallet, network string) error {
	return s.db.Where("wallet = ? AND network = ?", wallet, network).Delete(&domain.SeenRecord{}).Error
}
