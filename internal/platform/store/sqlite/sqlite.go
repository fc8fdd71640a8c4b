// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MahdiBaghbani/davshare-go/internal/platform/store"
)

// FileName is the database file created under the data directory.
const FileName = "davshare.db"

func init() {
	store.Register("sqlite", NewDriver)
}

// Driver implements store.Driver using SQLite via GORM.
type Driver struct {
	dsn string
	db  *gorm.DB
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	dsn := cfg.DSN
	if dsn == "" {
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir or dsn is required for sqlite driver")
		}
		dsn = filepath.Join(cfg.DataDir, FileName)
	}
	return &Driver{dsn: dsn}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Init opens the database file, creating its directory when needed.
func (d *Driver) Init(ctx context.Context) error {
	if dir := filepath.Dir(d.dsn); dir != "." && !strings.HasPrefix(d.dsn, "file:") {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(d.dsn, "?") {
		sep = "&"
	}
	// TranslateError maps unique violations to gorm.ErrDuplicatedKey.
	db, err := gorm.Open(sqlite.Open(d.dsn+sep+"_foreign_keys=on&_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY under load.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	d.db = db
	return nil
}

// DB returns the gorm handle.
func (d *Driver) DB() *gorm.DB {
	return d.db
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	d.db = nil
	return sqlDB.Close()
}
