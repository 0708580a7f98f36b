package caseview

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/evidencestore"
	"evidence-vault/internal/services/sharelink"
)

var (
	custodian = authz.Principal{ID: "carol", Role: authz.RoleCustodian}
	attorney  = authz.Principal{ID: "ann", Role: authz.RoleAttorney}
	auditor   = authz.Principal{ID: "audrey", Role: authz.RoleAuditor}
)

func TestOverview(t *testing.T) {
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
	shares := sharelink.New(store, stream, sharelink.Options{Logger: logger})

	orig, err := ev.Ingest(ctx, custodian, strings.NewReader("hello"), evidencestore.IngestRequest{
		CaseID: "case-1", DeclaredName: "a.txt", DeclaredSize: 5,
	})
	require.NoError(t, err)
	_, err = ev.Derive(ctx, custodian, orig.ID, strings.NewReader("hello, redacted"), evidencestore.DeriveRequest{
		CaseID: "case-1", DeclaredName: "a-redacted.txt", DeclaredSize: -1, Note: "redaction",
	})
	require.NoError(t, err)
	require.NoError(t, ev.Seal(ctx, custodian, orig.ID, "court order"))

	_, link, err := shares.Create(ctx, attorney, sharelink.CreateRequest{
		CaseID: "case-1", Scope: model.ScopeReadOnly, RecipientRole: model.RecipientCourt,
		TTL: time.Hour, MaxAccess: 3,
	})
	require.NoError(t, err)
	require.NoError(t, shares.Revoke(ctx, attorney, link.LinkID))

	svc := New(store, Options{})
	ov, err := svc.Overview(ctx, custodian, "case-1")
	require.NoError(t, err)
	require.Equal(t, "case-1", ov.Case.CaseID)
	require.Equal(t, 2, ov.Evidence.Total)
	require.Equal(t, 1, ov.Evidence.Originals)
	require.Equal(t, 1, ov.Evidence.Derivatives)
	require.Equal(t, 1, ov.Evidence.Sealed)
	require.Equal(t, int64(5+len("hello, redacted")), ov.Evidence.TotalBytes)
	require.NotEmpty(t, ov.Evidence.TotalSize)
	require.Len(t, ov.Items, 2)
	require.Empty(t, ov.Exports)
	require.Equal(t, 1, ov.Shares[model.LinkRevoked])
	require.Equal(t, 0, ov.Shares[model.LinkActive])

	// 入库、衍生、分享创建与撤销都记在案件链上。
	require.GreaterOrEqual(t, ov.Audit.Records, int64(4))
	require.NotEmpty(t, ov.Audit.Head)
	for _, it := range ov.Items {
		if it.ID == orig.ID {
			require.Equal(t, model.CustodySealed, it.LastCustody)
			require.Equal(t, int64(1), it.Audit.Records)
			require.NotEmpty(t, it.Audit.Head)
		}
	}

	_, err = svc.Overview(ctx, custodian, "no-such-case")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.Overview(ctx, auditor, "case-1")
	require.ErrorIs(t, err, model.ErrForbidden)
}
