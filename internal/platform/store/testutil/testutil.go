// Package testutil provides shared test helpers for store-backed packages.
package testutil

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/davshare-go/internal/platform/store"
	_ "github.com/MahdiBaghbani/davshare-go/internal/platform/store/sqlite"
)

// OpenDB opens a SQLite database in a temp dir and migrates the given models.
// The database is closed when the test finishes.
func OpenDB(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	driver, err := store.New(&store.DriverConfig{Driver: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create sqlite driver: %v", err)
	}
	if err := driver.Init(context.Background()); err != nil {
		t.Fatalf("failed to init sqlite driver: %v", err)
	}
	t.Cleanup(func() { driver.Close() })

	if len(models) > 0 {
		if err := driver.DB().AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate models: %v", err)
		}
	}
	return driver.DB()
}
