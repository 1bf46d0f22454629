package sqlstore

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"
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

func TestRebind(t *testing.T) {
	s := &SQLStore{driverName: "postgres"}
	got := s.rebind("SELECT a FROM t WHERE b = ? AND c = ?")
	want := "SELECT a FROM t WHERE b = $1 AND c = $2"
	if got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}

	s = &SQLStore{driverName: "sqlite3"}
	if got := s.rebind("x = ?"); got != "x = ?" {
		t.Errorf("sqlite rebind changed the query: %q", got)
	}
}
