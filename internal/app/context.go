package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"studioline/internal/config"
	"studioline/internal/repo"
)

// EnvFile is the per-workspace file holding the current production.
const EnvFile = ".env"

// DefaultProductionKey is the env key written by `sl production use`.
const DefaultProductionKey = "STUDIOLINE_DEFAULT_PRODUCTION"

// LoadEnv reads the workspace .env into the process environment without
// overriding variables that are already set.
func LoadEnv(workspace string) error {
	err := godotenv.Load(filepath.Join(workspace, EnvFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", EnvFile, err)
	}
	return nil
}

// SetDefaultProduction records id as the workspace's current production.
func SetDefaultProduction(workspace, id string) error {
	path := filepath.Join(workspace, EnvFile)
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[DefaultProductionKey] = id
	return godotenv.Write(env, path)
}

// ResolveProduction picks the production a command acts on. It prefers the
// override, then the only production in the database.
func ResolveProduction(ctx context.Context, r repo.Repo, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		if _, err := r.GetProduction(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("production %q not found", id)
			}
			return "", err
		}
		return id, nil
	}
	p, err := r.SingleProduction(ctx)
	if err != nil {
		return "", fmt.Errorf("production not specified; use --production or `sl production use`")
	}
	return p.ID, nil
}

// WorkspaceConfig returns studioline.yml from the workspace, or the built-in
// defaults when the file is absent. It seeds new productions.
func WorkspaceConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("studioline")
	}
	return cfg, nil
}

// NewLogger builds the process logger. Format is "text" or "json".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
