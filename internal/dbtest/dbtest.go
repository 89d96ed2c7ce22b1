// Package dbtest provides the in-memory gorm database used across this
// repository's test suites, matching the teacher's
// funding/processor_test.go setupFundingTestDB pattern generalized for every
// package that needs a migrated store.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nhb-custody/custody-gateway/models"
)

// New opens a fresh in-memory sqlite database, migrated with
// models.AutoMigrate, isolated per test via a random DSN.
func New(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}
