package testing

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/chime/db"
)

// CreateTestDB creates an in-memory SQLite test database with the full
// chime schema applied. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Create in-memory SQLite database
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Every new pool connection would open its own empty :memory:
	// database; pin the pool to one so the schema and pragmas hold
	// across goroutines.
	sqlDB.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	if err := db.Migrate(sqlDB, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	// Register cleanup
	t.Cleanup(func() {
		sqlDB.Close()
	})

	return sqlDB
}

// CreateTestGateway wraps a fresh migrated test database in a Gateway with
// a millisecond retry delay so retry paths stay fast under test.
func CreateTestGateway(t *testing.T) *db.Gateway {
	t.Helper()
	return db.NewGatewayWithRetry(CreateTestDB(t), nil, db.GatewayMaxAttempts, time.Millisecond)
}
