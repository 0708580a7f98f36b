package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/evidencestore"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/vault
export_concurrency: 2
server:
  listen: 0.0.0.0:9000
log:
  format: json
`), 0o644))
	t.Setenv(EnvPrefix+"EXPORT_DIR", "/mnt/exports")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/vault", cfg.DataDir)
	require.Equal(t, filepath.Join("/srv/vault", "vault.db"), cfg.DBPath)
	require.Equal(t, "/mnt/exports", cfg.ExportDir)
	require.Equal(t, 2, cfg.ExportConcurrency)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.StatementPDF)
	require.Equal(t, "10s", cfg.Webhook.Timeout)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.resolvePaths()
	require.NoError(t, cfg.Validate())

	cfg.Server.JWTSecret = "short"
	cfg.Webhook.Timeout = "soon"
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "jwt_secret")
	require.Contains(t, err.Error(), "webhook.timeout")
	require.Contains(t, err.Error(), "log.format")

	cfg = DefaultConfig()
	cfg.resolvePaths()
	cfg.Webhook.Timeout = "10s"
	require.NoError(t, cfg.Validate())
	cfg.Webhook.Timeout = "30s"
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "webhook.timeout 30s exceeds")

	t.Setenv(EnvPrefix+"STATEMENT_PDF", "maybe")
	_, err = LoadConfig("")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "case_id", "case-1")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"case_id":"case-1"`)

	_, err = NewLogger(&buf, LogConfig{Level: "loud", Format: "text"})
	require.Error(t, err)
}

func TestOpen_ReconcilesAtStartup(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.resolvePaths()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	v, err := Open(ctx, cfg, logger, OpenOptions{StartDispatcher: true})
	require.NoError(t, err)
	_, err = v.Evidence.Ingest(ctx, authz.Principal{ID: "carol", Role: authz.RoleCustodian}, strings.NewReader("alpha"),
		evidencestore.IngestRequest{CaseID: "case-1", DeclaredName: "a.txt", DeclaredSize: 5})
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v, err = Open(ctx, cfg, logger, OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, v.Close())

	// 删除 manifest 模拟两个落点分叉。
	require.NoError(t, os.Remove(filepath.Join(cfg.ManifestDir, "case-1.jsonl")))
	_, err = Open(ctx, cfg, logger, OpenOptions{})
	require.ErrorIs(t, err, model.ErrConsistencyDrift)

	v, err = Open(ctx, cfg, logger, OpenOptions{SkipReconcile: true})
	require.NoError(t, err)
	require.NoError(t, v.Close())
}
