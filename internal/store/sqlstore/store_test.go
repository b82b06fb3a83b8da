package sqlstore

import (
	"path/filepath"
	"testing"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.db.Close()
}

func TestCreateTablesIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	first, err := New("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := first.CreateUserIfAbsent("alice"); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	first.Close()

	second, err := New("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer second.Close()

	exists, err := second.UserExists("alice")
	if err != nil || !exists {
		t.Errorf("Expected alice to survive reopen, exists=%v err=%v", exists, err)
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &SQLStore{driverName: "postgres"}
	got := s.rebind("SELECT 1 WHERE a = ? AND b = ?")
	if got != "SELECT 1 WHERE a = $1 AND b = $2" {
		t.Errorf("Unexpected rebind result: %s", got)
	}
}
