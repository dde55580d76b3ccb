package room

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:room_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}, &Claim{}, &StateEntry{}, &ClientName{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustDocumentKey(t *testing.T, value string) DocumentKey {
	t.Helper()
	key, err := NewDocumentKey(value)
	if err != nil {
		t.Fatalf("unexpected document key error: %v", err)
	}
	return key
}

func mustResourceID(t *testing.T, value string) ResourceID {
	t.Helper()
	id, err := NewResourceID(value)
	if err != nil {
		t.Fatalf("unexpected resource id error: %v", err)
	}
	return id
}

func mustClientID(t *testing.T, value string) ClientID {
	t.Helper()
	id, err := NewClientID(value)
	if err != nil {
		t.Fatalf("unexpected client id error: %v", err)
	}
	return id
}

func newTestDocumentStore(t *testing.T) (*DocumentStore, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewDocumentStore(DocumentStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct document store: %v", err)
	}
	return store, db
}

func newTestClaimRegistry(t *testing.T) (*ClaimRegistry, *AuthorityService, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	registry, err := NewClaimRegistry(ClaimRegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct claim registry: %v", err)
	}
	authority, err := NewAuthorityService(AuthorityServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct authority service: %v", err)
	}
	return registry, authority, db
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
