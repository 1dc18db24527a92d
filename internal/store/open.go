package store

import (
	"fmt"
	"os"
	"path/filepath"

	"pandora/internal/config"
)

// Open builds the Store selected by cfg.Storage.Driver.
func Open(cfg *config.Config) (Store, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Driver {
	case config.DriverParquet:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewParquetStore(cfg.Storage.DataDir, loc), nil
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
		return NewSQLiteStore(cfg.Storage.SQLitePath, loc)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
