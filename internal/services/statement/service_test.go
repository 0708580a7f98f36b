package statement

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/evidencestore"
)

var attorney = authz.Principal{ID: "alice", Role: authz.RoleAttorney}

type fixture struct {
	svc    *Service
	ev     *evidencestore.Store
	db     *sqliteadapter.Store
	stream *auditstream.Stream
	dir    string
}

func newFixture(t *testing.T, extra ...string) fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqliteadapter.Open(ctx, filepath.Join(dir, "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = sqliteadapter.NewMigrator(db).Up(ctx)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := sqliteadapter.NewStore(db)
	stream, err := auditstream.Open(store, auditstream.Options{ManifestDir: filepath.Join(dir, "manifests"), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })

	ev, err := evidencestore.New(store, stream, evidencestore.Options{Root: filepath.Join(dir, "evidence"), Logger: logger})
	require.NoError(t, err)
	svc, err := NewService(store, stream, Options{Dir: filepath.Join(dir, "statements"), PDF: true, ExtraTerms: extra, Logger: logger})
	require.NoError(t, err)
	return fixture{svc: svc, ev: ev, db: store, stream: stream, dir: dir}
}

func (f fixture) ingest(t *testing.T, caseID, name, content string) model.EvidenceItem {
	t.Helper()
	p := authz.Principal{ID: "carol", Role: authz.RoleCustodian}
	item, err := f.ev.Ingest(context.Background(), p, strings.NewReader(content), evidencestore.IngestRequest{
		CaseID: caseID, DeclaredName: name, DeclaredSize: int64(len(content)),
	})
	require.NoError(t, err)
	return item
}

func TestGenerate_PersistsAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, "case-1", "a.txt", "alpha")
	f.ingest(t, "case-1", "b.txt", "bravo")
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	out, err := f.svc.Generate(ctx, attorney, "case-1", nil, at, "")
	require.NoError(t, err)
	require.False(t, out.Existing)
	require.Len(t, out.Statement.EvidenceIDs, 2)
	require.NotEmpty(t, out.PDF)
	require.Equal(t, hash.Bytes(out.PDF), out.Statement.PDFSHA256)

	onDisk, err := os.ReadFile(out.Statement.TextPath)
	require.NoError(t, err)
	require.Equal(t, out.Rendered.Text, onDisk)
	require.Equal(t, hash.Bytes(onDisk), out.Statement.TextSHA256)

	got, err := f.db.GetStatement(ctx, out.Statement.StatementID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, out.Statement.PreManifestSHA256, got.PreManifestSHA256)
	require.Equal(t, out.Statement.EvidenceDigests, got.EvidenceDigests)

	var last model.AuditRecord
	for rec, err := range f.stream.Replay(ctx, "case-1") {
		require.NoError(t, err)
		last = rec
	}
	require.Equal(t, model.ActionStatementGenerated, last.Action)
	require.Equal(t, out.Statement.StatementID, last.ObjectID)
	require.Equal(t, out.Statement.TextSHA256, last.PayloadHash)
}

func TestGenerate_SameInputsReuseStatement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, "case-1", "a.txt", "alpha")
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	first, err := f.svc.Generate(ctx, attorney, "case-1", nil, at, "")
	require.NoError(t, err)
	second, err := f.svc.Generate(ctx, attorney, "case-1", nil, at, "")
	require.NoError(t, err)
	require.True(t, second.Existing)
	require.Equal(t, first.Statement.StatementID, second.Statement.StatementID)
	require.Equal(t, first.Rendered.Text, second.Rendered.Text)
}

func TestGenerate_Errors(t *testing.T) {
	f := newFixture(t, "smoking gun")
	ctx := context.Background()
	item := f.ingest(t, "case-1", "a.txt", "alpha")
	f.ingest(t, "case-2", "b.txt", "bravo")
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := f.svc.Generate(ctx, authz.Principal{ID: "pat", Role: authz.RoleParalegal}, "case-1", nil, at, "")
	require.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.svc.Generate(ctx, attorney, "case-empty", nil, at, "")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.svc.Generate(ctx, attorney, "case-2", []string{item.ID}, at, "")
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = f.svc.Generate(ctx, attorney, "case-1", nil, at, "this file is the smoking gun")
	require.ErrorIs(t, err, model.ErrGenerationPolicy)

	entries, err := os.ReadDir(filepath.Join(f.dir, "statements"))
	if err == nil {
		require.Empty(t, entries)
	}
}

func TestGenerate_AuditFailureLeavesNoStatement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, "case-1", "a.txt", "alpha")
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.stream.Close())

	_, err := f.svc.Generate(ctx, attorney, "case-1", nil, at, "")
	require.Error(t, err)

	// 审计恢复后重新生成：库里没有上次残留的声明行。
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream, err := auditstream.Open(f.db, auditstream.Options{ManifestDir: filepath.Join(f.dir, "manifests"), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })
	svc, err := NewService(f.db, stream, Options{Dir: filepath.Join(f.dir, "statements"), Logger: logger})
	require.NoError(t, err)

	out, err := svc.Generate(ctx, attorney, "case-1", nil, at, "")
	require.NoError(t, err)
	require.False(t, out.Existing)
	got, err := f.db.GetStatement(ctx, out.Statement.StatementID)
	require.NoError(t, err)
	require.NotNil(t, got)
}
