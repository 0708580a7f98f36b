package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"evidence-vault/internal/app"
)

func TestCLI_IngestExportVerify(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	t.Setenv(app.EnvPrefix+"DATA_DIR", dataDir)
	t.Setenv(app.EnvPrefix+"LOG_LEVEL", "error")

	src := filepath.Join(t.TempDir(), "ledger.csv")
	require.NoError(t, os.WriteFile(src, []byte("date,amount\n2024-03-01,10\n"), 0o644))

	require.NoError(t, run(ctx, []string{"migrate"}))
	require.NoError(t, run(ctx, []string{"ingest", "--case", "case-7", "--as", "carol", src}))
	require.NoError(t, run(ctx, []string{"verify", "evidence", "--case", "case-7", "--as", "carol"}))
	require.NoError(t, run(ctx, []string{"case", "show", "--case", "case-7", "--as", "carol"}))
	require.NoError(t, run(ctx, []string{"statement", "generate", "--case", "case-7", "--as", "alice", "--role", "attorney",
		"--at", "2025-06-01T09:00:00Z", "--out", filepath.Join(dataDir, "statement.txt")}))
	require.NoError(t, run(ctx, []string{"export", "package", "--case", "case-7", "--as", "alice", "--role", "attorney"}))

	dirs, err := filepath.Glob(filepath.Join(dataDir, "exports", "case-7", "*"))
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	require.NoError(t, run(ctx, []string{"verify", "bundle", "--dir", dirs[0]}))
	require.NoError(t, run(ctx, []string{"verify", "audit"}))
	require.NoError(t, run(ctx, []string{"audit", "reconcile"}))
	require.NoError(t, run(ctx, []string{"audit", "export", "--format", "csv", "--subject", "case-7",
		"--out", filepath.Join(dataDir, "audit.csv")}))

	raw, err := os.ReadFile(filepath.Join(dataDir, "statement.txt"))
	require.NoError(t, err)
	require.NotEmpty(t, raw)
}

func TestCLI_Rejections(t *testing.T) {
	ctx := context.Background()
	t.Setenv(app.EnvPrefix+"DATA_DIR", t.TempDir())
	t.Setenv(app.EnvPrefix+"LOG_LEVEL", "error")

	require.ErrorContains(t, run(ctx, []string{"bogus"}), "unknown command")
	require.ErrorContains(t, run(ctx, []string{"verify", "bogus"}), "unknown verify command")
	require.ErrorContains(t, run(ctx, []string{"case", "bogus"}), "unknown case command")
	require.ErrorContains(t, run(ctx, []string{"ingest", "--case", "case-1"}), "at least one file")
	require.ErrorContains(t, run(ctx, []string{"ingest", "--case", "case-1", "--role", "wizard", "x"}), "unknown role")
	require.ErrorContains(t, run(ctx, []string{"token", "issue", "--as", "alice"}), "jwt_secret")
	require.ErrorContains(t, run(ctx, []string{"webhook", "list", "--as", "carol"}), "forbidden")

	t.Setenv(app.EnvPrefix+"JWT_SECRET", "0123456789abcdef0123456789abcdef")
	require.NoError(t, run(ctx, []string{"token", "issue", "--as", "alice", "--role", "attorney"}))
}
