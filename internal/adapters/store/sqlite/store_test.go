package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evidence-vault/internal/domain/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	applied, err := NewMigrator(db).Up(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"001_init"}, applied)
	return NewStore(db)
}

func seedEvidence(t *testing.T, s *Store, id, caseID string, at time.Time) model.EvidenceItem {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureCase(ctx, caseID, "", "alice", at))
	e := model.EvidenceItem{
		ID:           id,
		SHA256:       "aa" + id,
		SizeBytes:    3,
		OriginalName: id + ".txt",
		MIMEType:     "text/plain; charset=utf-8",
		Kind:         model.KindDocument,
		StorageKey:   "blobs/aa/" + id,
		IngestedAt:   at,
		IngestedBy:   "alice",
		Committed:    true,
	}
	require.NoError(t, s.InsertEvidence(ctx, e))
	_, err := s.AttachEvidence(ctx, caseID, id, "alice", at)
	require.NoError(t, err)
	return e
}

func TestMigrator_Idempotent(t *testing.T) {
	s := newTestStore(t)
	applied, err := NewMigrator(s.DB()).Up(context.Background())
	require.NoError(t, err)
	require.Empty(t, applied)

	v, err := s.GetSchemaMetaValue(context.Background(), "schema_version")
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestEvidence_CommittedContentIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvidence(t, s, "ev1", "case-1", time.Unix(100, 0))

	_, err := s.DB().ExecContext(ctx, `UPDATE evidence_items SET sha256 = 'ff' WHERE evidence_id = ?`, e.ID)
	require.Error(t, err)
	require.True(t, errors.Is(mapErr("update", err), model.ErrImmutableViolation))

	_, err = s.DB().ExecContext(ctx, `DELETE FROM evidence_items WHERE evidence_id = ?`, e.ID)
	require.ErrorContains(t, err, "immutable")

	got, err := s.GetEvidence(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, e.SHA256, got.SHA256)
	require.True(t, got.Committed)
	require.True(t, e.IngestedAt.Equal(got.IngestedAt))
}

func TestEvidence_NotFoundReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetEvidence(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListCaseEvidence_OrderedByIngestThenID(t *testing.T) {
	s := newTestStore(t)
	seedEvidence(t, s, "ev-b", "case-1", time.Unix(200, 0))
	seedEvidence(t, s, "ev-c", "case-1", time.Unix(100, 0))
	seedEvidence(t, s, "ev-a", "case-1", time.Unix(200, 0))

	items, err := s.ListCaseEvidence(context.Background(), "case-1")
	require.NoError(t, err)
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	require.Equal(t, []string{"ev-c", "ev-a", "ev-b"}, ids)
}

func TestCustody_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvidence(t, s, "ev1", "case-1", time.Unix(100, 0))

	for i, a := range []model.CustodyAction{model.CustodyReceived, model.CustodySealed} {
		_, err := s.AppendCustody(ctx, model.CustodyEntry{
			EvidenceID: e.ID, Actor: "alice", Action: a, OccurredAt: time.Unix(int64(101+i), 0),
		})
		require.NoError(t, err)
	}

	_, err := s.DB().ExecContext(ctx, `UPDATE custody_entries SET actor = 'mallory'`)
	require.ErrorContains(t, err, "immutable")
	_, err = s.DB().ExecContext(ctx, `DELETE FROM custody_entries`)
	require.ErrorContains(t, err, "immutable")

	entries, err := s.ListCustody(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, model.CustodyReceived, entries[0].Action)

	last, err := s.LastCustodyAction(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, model.CustodySealed, last)
}

func TestShareLink_ConsumeAndRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_000, 0)
	require.NoError(t, s.EnsureCase(ctx, "case-1", "", "alice", now))

	link := model.ShareLink{
		LinkID:        "shr_1",
		CaseID:        "case-1",
		TokenHash:     "th1",
		Scope:         model.ScopeReadOnly,
		RecipientRole: model.RecipientCourt,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		MaxAccess:     1,
		CreatedBy:     "alice",
	}
	require.NoError(t, s.InsertShareLink(ctx, link))

	got, err := s.ConsumeShareLink(ctx, "th1", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 1, got.AccessCount)

	// 额度用尽。
	got, err = s.ConsumeShareLink(ctx, "th1", now)
	require.NoError(t, err)
	require.Nil(t, got)

	changed, err := s.RevokeShareLink(ctx, "shr_1", now)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = s.RevokeShareLink(ctx, "shr_1", now)
	require.NoError(t, err)
	require.False(t, changed)

	_, err = s.DB().ExecContext(ctx, `UPDATE share_links SET state = 'active' WHERE link_id = 'shr_1'`)
	require.ErrorContains(t, err, "immutable")
	_, err = s.DB().ExecContext(ctx, `DELETE FROM share_links`)
	require.ErrorContains(t, err, "immutable")
}

func TestShareLink_ExpiredNotConsumed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_000, 0)
	require.NoError(t, s.EnsureCase(ctx, "case-1", "", "alice", now))
	require.NoError(t, s.InsertShareLink(ctx, model.ShareLink{
		LinkID: "shr_1", CaseID: "case-1", TokenHash: "th1", Scope: model.ScopeExport,
		RecipientRole: model.RecipientClient, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		MaxAccess: 5, CreatedBy: "alice",
	}))

	got, err := s.ConsumeShareLink(ctx, "th1", now.Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSubscription_FailureThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_000, 0)
	require.NoError(t, s.InsertSubscription(ctx, model.WebhookSubscription{
		SubscriptionID: "sub1", TargetURL: "http://127.0.0.1:1/hook", Secret: "s",
		EventFilter: []string{"*"}, CreatedBy: "alice", CreatedAt: now,
	}))

	for i := 1; i <= model.FailureThreshold; i++ {
		n, disabled, err := s.RecordDeliveryFailure(ctx, "sub1", now, model.FailureThreshold)
		require.NoError(t, err)
		require.Equal(t, i, n)
		require.False(t, disabled)
	}
	n, disabled, err := s.RecordDeliveryFailure(ctx, "sub1", now, model.FailureThreshold)
	require.NoError(t, err)
	require.Equal(t, model.FailureThreshold+1, n)
	require.True(t, disabled)

	active, err := s.ListSubscriptions(ctx, true)
	require.NoError(t, err)
	require.Empty(t, active)

	ok, err := s.ReactivateSubscription(ctx, "sub1")
	require.NoError(t, err)
	require.True(t, ok)
	sub, err := s.GetSubscription(ctx, "sub1")
	require.NoError(t, err)
	require.Equal(t, model.SubscriptionActive, sub.State)
	require.Zero(t, sub.ConsecutiveFailures)

	_, err = s.DB().ExecContext(ctx, `DELETE FROM webhook_subscriptions`)
	require.ErrorContains(t, err, "immutable")
}

func TestAuditTx_InsertAndPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginAudit(ctx)
	require.NoError(t, err)
	seq, err := tx.MaxSeq(ctx)
	require.NoError(t, err)
	require.Zero(t, seq)
	require.NoError(t, tx.Insert(ctx, model.AuditRecord{
		Seq: 1, Actor: "alice", Action: model.ActionEvidenceIngested, SubjectID: "case-1",
		OccurredAt: time.Unix(5, 0), RecordHash: "h1",
	}))
	require.NoError(t, tx.Commit())

	page, err := s.ListAuditPage(ctx, model.AuditFilter{SubjectID: "case-1"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "h1", page[0].RecordHash)

	heads, err := s.AuditHeads(ctx)
	require.NoError(t, err)
	require.Equal(t, AuditHead{SubjectID: "case-1", Seq: 1, RecordHash: "h1", Count: 1}, heads["case-1"])

	_, err = s.DB().ExecContext(ctx, `UPDATE audit_records SET actor = 'mallory'`)
	require.ErrorContains(t, err, "immutable")
}
