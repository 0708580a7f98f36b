package sharelink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/evidencestore"
)

var attorney = authz.Principal{ID: "alice", Role: authz.RoleAttorney}

type fixture struct {
	svc    *Service
	db     *sqliteadapter.Store
	stream *auditstream.Stream
	now    *atomic.Int64
}

func newFixture(t *testing.T) fixture {
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
	custodian := authz.Principal{ID: "carol", Role: authz.RoleCustodian}
	for _, c := range []string{"alpha", "bravo"} {
		_, err := ev.Ingest(ctx, custodian, strings.NewReader(c), evidencestore.IngestRequest{
			CaseID: "case-1", DeclaredName: c + ".txt", DeclaredSize: int64(len(c)),
		})
		require.NoError(t, err)
	}

	now := &atomic.Int64{}
	now.Store(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	svc := New(store, stream, Options{
		Logger: logger,
		Now:    func() time.Time { return time.Unix(0, now.Load()).UTC() },
	})
	return fixture{svc: svc, db: store, stream: stream, now: now}
}

func (f fixture) advance(d time.Duration) {
	f.now.Add(int64(d))
}

func (f fixture) actions(t *testing.T, subject string) []model.AuditAction {
	t.Helper()
	var out []model.AuditAction
	for rec, err := range f.stream.Replay(context.Background(), subject) {
		require.NoError(t, err)
		out = append(out, rec.Action)
	}
	return out
}

func (f fixture) create(t *testing.T, scope model.ShareScope, ttl time.Duration, maxAccess int) (string, model.ShareLink) {
	t.Helper()
	raw, link, err := f.svc.Create(context.Background(), attorney, CreateRequest{
		CaseID: "case-1", Scope: scope, RecipientRole: model.RecipientCourt, TTL: ttl, MaxAccess: maxAccess,
	})
	require.NoError(t, err)
	return raw, link
}

func TestCreate_StoresOnlyTokenHash(t *testing.T) {
	f := newFixture(t)
	raw, link := f.create(t, model.ScopeReadOnly, time.Hour, 3)

	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	require.NoError(t, err)
	require.Len(t, decoded, 32)

	got, err := f.db.GetShareLink(context.Background(), link.LinkID)
	require.NoError(t, err)
	require.Equal(t, TokenHash(raw), got.TokenHash)
	require.NotContains(t, got.TokenHash, raw)
	require.Equal(t, model.LinkActive, got.State(link.CreatedAt))
	require.Contains(t, f.actions(t, "case-1"), model.ActionShareCreated)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok := CreateRequest{CaseID: "case-1", Scope: model.ScopeReadOnly, RecipientRole: model.RecipientClient, TTL: time.Hour, MaxAccess: 1}

	cases := map[string]func(r *CreateRequest){
		"ttl too long": func(r *CreateRequest) { r.TTL = model.MaxShareTTL + time.Second },
		"ttl zero":     func(r *CreateRequest) { r.TTL = 0 },
		"max access":   func(r *CreateRequest) { r.MaxAccess = 0 },
		"scope":        func(r *CreateRequest) { r.Scope = "admin" },
		"role":         func(r *CreateRequest) { r.RecipientRole = "journalist" },
		"case id":      func(r *CreateRequest) { r.CaseID = "../x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := ok
			mutate(&req)
			_, _, err := f.svc.Create(ctx, attorney, req)
			require.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}

	req := ok
	req.TTL = model.MaxShareTTL
	_, _, err := f.svc.Create(ctx, attorney, req)
	require.NoError(t, err)

	req = ok
	req.CaseID = "case-missing"
	_, _, err = f.svc.Create(ctx, attorney, req)
	require.ErrorIs(t, err, model.ErrNotFound)

	_, _, err = f.svc.Create(ctx, authz.Principal{ID: "carol", Role: authz.RoleCustodian}, ok)
	require.ErrorIs(t, err, model.ErrForbidden)
}

func TestResolve_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, link := f.create(t, model.ScopeReadOnly, time.Hour, 2)

	sum, err := f.svc.Resolve(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "case-1", sum.CaseID)
	require.Len(t, sum.Evidence, 2)
	for _, e := range sum.Evidence {
		require.Len(t, e.SHA256, 64)
	}

	_, err = f.svc.Resolve(ctx, raw)
	require.NoError(t, err)

	// 额度用尽。
	_, err = f.svc.Resolve(ctx, raw)
	require.ErrorIs(t, err, model.ErrResolutionFailure)

	got, err := f.db.GetShareLink(ctx, link.LinkID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AccessCount)

	_, err = f.svc.Resolve(ctx, "not-a-token")
	require.ErrorIs(t, err, model.ErrResolutionFailure)
	require.Contains(t, f.actions(t, model.SystemSubject), model.ActionShareDenied)

	acts := f.actions(t, "case-1")
	require.Equal(t, model.ActionShareDenied, acts[len(acts)-1])
}

func TestResolve_ExpiredAndRevokedAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiring, _ := f.create(t, model.ScopeReadOnly, time.Minute, 5)
	revoked, link := f.create(t, model.ScopeReadOnly, time.Hour, 5)
	require.NoError(t, f.svc.Revoke(ctx, attorney, link.LinkID))

	f.advance(time.Minute)
	_, errExpired := f.svc.Resolve(ctx, expiring)
	_, errRevoked := f.svc.Resolve(ctx, revoked)
	_, errUnknown := f.svc.Resolve(ctx, "bogus")
	require.ErrorIs(t, errExpired, model.ErrResolutionFailure)
	require.Equal(t, errExpired.Error(), errRevoked.Error())
	require.Equal(t, errExpired.Error(), errUnknown.Error())
}

func TestRevoke_MonotonicAndAlwaysAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, link := f.create(t, model.ScopeReadOnly, time.Minute, 1)

	f.advance(2 * time.Minute)
	require.NoError(t, f.svc.Revoke(ctx, attorney, link.LinkID))
	require.NoError(t, f.svc.Revoke(ctx, attorney, link.LinkID))

	got, err := f.db.GetShareLink(ctx, link.LinkID)
	require.NoError(t, err)
	require.True(t, got.Revoked)
	require.Equal(t, model.LinkRevoked, got.State(time.Unix(0, f.now.Load())))

	n := 0
	for _, a := range f.actions(t, "case-1") {
		if a == model.ActionShareRevoked {
			n++
		}
	}
	require.Equal(t, 2, n)

	err = f.svc.Revoke(ctx, attorney, "share_missing")
	require.ErrorIs(t, err, model.ErrNotFound)
	err = f.svc.Revoke(ctx, authz.Principal{ID: "pat", Role: authz.RoleParalegal}, link.LinkID)
	require.ErrorIs(t, err, model.ErrForbidden)
}

func TestResolve_ConcurrentSingleUse(t *testing.T) {
	f := newFixture(t)
	raw, link := f.create(t, model.ScopeReadOnly, time.Hour, 1)

	var wg sync.WaitGroup
	var ok, denied atomic.Int32
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Resolve(context.Background(), raw)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, model.ErrResolutionFailure):
				denied.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, ok.Load())
	require.EqualValues(t, 15, denied.Load())

	got, err := f.db.GetShareLink(context.Background(), link.LinkID)
	require.NoError(t, err)
	require.Equal(t, 1, got.AccessCount)
}

func TestAuthorizeExport_RequiresExportScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	readOnly, roLink := f.create(t, model.ScopeReadOnly, time.Hour, 1)
	export, _ := f.create(t, model.ScopeExport, time.Hour, 1)

	_, err := f.svc.AuthorizeExport(ctx, readOnly)
	require.ErrorIs(t, err, model.ErrResolutionFailure)
	got, err := f.db.GetShareLink(ctx, roLink.LinkID)
	require.NoError(t, err)
	require.Zero(t, got.AccessCount)

	g, err := f.svc.AuthorizeExport(ctx, export)
	require.NoError(t, err)
	require.Equal(t, model.ScopeExport, g.Link.Scope)
	require.Equal(t, "case-1", g.Summary.CaseID)
}

func TestAuditUnavailable_LinksUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, link := f.create(t, model.ScopeReadOnly, time.Hour, 3)
	require.NoError(t, f.stream.Close())

	_, _, err := f.svc.Create(ctx, attorney, CreateRequest{
		CaseID: "case-1", Scope: model.ScopeExport, RecipientRole: model.RecipientCourt, TTL: time.Hour, MaxAccess: 1,
	})
	require.Error(t, err)
	links, err := f.db.ListShareLinks(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, links, 1)

	_, err = f.svc.Resolve(ctx, raw)
	require.Error(t, err)
	require.Error(t, f.svc.Revoke(ctx, attorney, link.LinkID))

	got, err := f.db.GetShareLink(ctx, link.LinkID)
	require.NoError(t, err)
	require.Zero(t, got.AccessCount)
	require.False(t, got.Revoked)
}

func TestResolve_AuditDetailCountsThisAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, _ := f.create(t, model.ScopeReadOnly, time.Hour, 3)

	for want := 1; want <= 2; want++ {
		_, err := f.svc.Resolve(ctx, raw)
		require.NoError(t, err)
		var last model.AuditRecord
		for rec, err := range f.stream.Replay(ctx, "case-1") {
			require.NoError(t, err)
			last = rec
		}
		require.Equal(t, model.ActionShareResolved, last.Action)
		var detail struct {
			AccessCount int `json:"access_count"`
		}
		require.NoError(t, json.Unmarshal(last.Detail, &detail))
		require.Equal(t, want, detail.AccessCount)
	}
}
