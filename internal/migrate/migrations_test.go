package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTemp(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "m.db")+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openTemp(t)
	ctx := context.Background()
	if v, err := Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh version %d, %v", v, err)
	}
	applied, err := Migrate(conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) == 0 {
		t.Fatalf("expected migrations to apply")
	}
	again, err := Migrate(conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing pending, got %v", again)
	}
	all, _ := All()
	v, err := Version(ctx, conn)
	if err != nil || v != all[len(all)-1].Version {
		t.Fatalf("version %d, %v", v, err)
	}
	for _, table := range []string{"productions", "artifacts", "task_results", "budget_allocations", "expenses", "milestones", "reviews", "decisions", "events", "api_keys"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}
