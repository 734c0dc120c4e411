package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studioline/internal/config"
	"studioline/internal/db"
	"studioline/internal/domain"
	"studioline/internal/engine"
	"studioline/internal/migrate"
	"studioline/internal/repo"
)

func openRepo(t *testing.T) (repo.Repo, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("studioline"))
	e.Now = func() time.Time { return time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC) }
	return e.Repo, e
}

func TestResolveProduction(t *testing.T) {
	ctx := context.Background()
	r, e := openRepo(t)

	if _, err := ResolveProduction(ctx, r, ""); err == nil {
		t.Fatalf("expected error with no productions")
	}
	if _, err := e.StartProject(ctx, domain.Brief{ProjectID: "one", Title: "One"}, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	id, err := ResolveProduction(ctx, r, "")
	if err != nil || id != "one" {
		t.Fatalf("single production = %q, %v", id, err)
	}
	if _, err := e.StartProject(ctx, domain.Brief{ProjectID: "two", Title: "Two"}, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := ResolveProduction(ctx, r, ""); err == nil {
		t.Fatalf("expected ambiguity error")
	}
	id, err = ResolveProduction(ctx, r, "two")
	if err != nil || id != "two" {
		t.Fatalf("override = %q, %v", id, err)
	}
	if _, err := ResolveProduction(ctx, r, "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDefaultProductionRoundTripsThroughEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, EnvFile), []byte("OTHER=kept\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := SetDefaultProduction(dir, "night-shift"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, EnvFile))
	if err != nil {
		t.Fatalf("read env: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `STUDIOLINE_DEFAULT_PRODUCTION="night-shift"`) || !strings.Contains(text, `OTHER="kept"`) {
		t.Fatalf("unexpected env file:\n%s", text)
	}
	t.Setenv(DefaultProductionKey, "")
	os.Unsetenv(DefaultProductionKey)
	if err := LoadEnv(dir); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv(DefaultProductionKey); got != "night-shift" {
		t.Fatalf("env = %q", got)
	}
	if err := LoadEnv(t.TempDir()); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestWorkspaceConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := WorkspaceConfig(t.TempDir())
	if err != nil {
		t.Fatalf("workspace config: %v", err)
	}
	if cfg.Project.ID != "studioline" || len(cfg.Providers) == 0 {
		t.Fatalf("unexpected defaults %+v", cfg.Project)
	}
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
