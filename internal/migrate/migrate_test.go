package migrate_test

import (
	"testing"

	"meterline/internal/db"
	"meterline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version < 1 {
		t.Fatalf("expected schema_version >= 1, got %d", version)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM billing_cycles`).Scan(&n); err != nil {
		t.Fatalf("schema missing billing_cycles: %v", err)
	}
}
