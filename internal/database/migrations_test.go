package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/havoclad/forgesteel/internal/room"
)

func openMigrationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:migrations_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&room.ClientName{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestApplyMigrationsTrimsClientNames(t *testing.T) {
	db := openMigrationTestDB(t)

	if err := db.Create(&room.ClientName{ClientID: "client-a", Name: "  Ada  "}).Error; err != nil {
		t.Fatalf("failed to seed name: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	var stored room.ClientName
	if err := db.Where("client_id = ?", "client-a").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load name: %v", err)
	}
	if stored.Name != "Ada" {
		t.Fatalf("expected trimmed name, got %q", stored.Name)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := openMigrationTestDB(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single migration record, got %d", count)
	}
}
