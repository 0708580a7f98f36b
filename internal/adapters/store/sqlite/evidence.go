package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"evidence-vault/internal/domain/model"
)

const evidenceColumns = `
	evidence_id, sha256, size_bytes, original_name, mime_type, kind, storage_key,
	ingested_at, ingested_by, committed,
	COALESCE(parent_sha256, ''), COALESCE(derived_from, ''), COALESCE(derivation_note, '')
`

// InsertEvidence 写入一条证据记录。内容已经落盘（committed）之后才调用。
func (s *Store) InsertEvidence(ctx context.Context, e model.EvidenceItem) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO evidence_items(
			evidence_id, sha256, size_bytes, original_name, mime_type, kind, storage_key,
			ingested_at, ingested_by, committed, parent_sha256, derived_from, derivation_note
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SHA256, e.SizeBytes, e.OriginalName, e.MIMEType, string(e.Kind), e.StorageKey,
		e.IngestedAt.UnixNano(), e.IngestedBy, boolToInt(e.Committed),
		nullIfEmpty(e.ParentSHA256), nullIfEmpty(e.DerivedFrom), nullIfEmpty(e.DerivationNote))
	if err != nil {
		return mapErr("insert evidence", err)
	}
	return nil
}

// GetEvidence 按 ID 查询证据。
func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (*model.EvidenceItem, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_items WHERE evidence_id = ?`, evidenceID)
	e, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	return e, nil
}

// CountEvidenceByDigest 返回引用同一内容摘要的证据条数（去重统计）。
func (s *Store) CountEvidenceByDigest(ctx context.Context, sha256 string) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_items WHERE sha256 = ?`, sha256).Scan(&n); err != nil {
		return 0, fmt.Errorf("count evidence by digest: %w", err)
	}
	return n, nil
}

// AttachEvidence 把证据挂到案件下；重复挂载是幂等的，返回是否新建了关联。
func (s *Store) AttachEvidence(ctx context.Context, caseID, evidenceID, actor string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO case_evidence(case_id, evidence_id, attached_by, attached_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(case_id, evidence_id) DO NOTHING
	`, caseID, evidenceID, actor, at.UnixNano())
	if err != nil {
		return false, mapErr("attach evidence", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsAttached 判断证据是否属于案件。
func (s *Store) IsAttached(ctx context.Context, caseID, evidenceID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM case_evidence WHERE case_id = ? AND evidence_id = ?
	`, caseID, evidenceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query case evidence: %w", err)
	}
	return n > 0, nil
}

// ListCaseEvidence 返回案件下的证据，按入库时间、再按 ID 排序（即导出的展品顺序）。
func (s *Store) ListCaseEvidence(ctx context.Context, caseID string) ([]model.EvidenceItem, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence_items
		WHERE evidence_id IN (SELECT evidence_id FROM case_evidence WHERE case_id = ?)
		ORDER BY ingested_at ASC, evidence_id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query case evidence: %w", err)
	}
	defer rows.Close()

	out := []model.EvidenceItem{}
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case evidence: %w", err)
	}
	return out, nil
}

// ListDerivatives 返回某条证据的直接衍生件。
func (s *Store) ListDerivatives(ctx context.Context, parentID string) ([]model.EvidenceItem, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence_items
		WHERE derived_from = ?
		ORDER BY ingested_at ASC, evidence_id ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query derivatives: %w", err)
	}
	defer rows.Close()

	out := []model.EvidenceItem{}
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan derivative: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate derivatives: %w", err)
	}
	return out, nil
}

// AppendCustody 追加一条监管链记录，返回分配的序号。
func (s *Store) AppendCustody(ctx context.Context, c model.CustodyEntry) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO custody_entries(evidence_id, actor, action, reason, occurred_at)
		VALUES(?, ?, ?, ?, ?)
	`, c.EvidenceID, c.Actor, string(c.Action), nullIfEmpty(c.Reason), c.OccurredAt.UnixNano())
	if err != nil {
		return 0, mapErr("insert custody entry", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("custody entry seq: %w", err)
	}
	return seq, nil
}

// ListCustody 返回证据的监管链（按时间、序号全序）。
func (s *Store) ListCustody(ctx context.Context, evidenceID string) ([]model.CustodyEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT seq, evidence_id, actor, action, COALESCE(reason, ''), occurred_at
		FROM custody_entries
		WHERE evidence_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query custody: %w", err)
	}
	defer rows.Close()

	out := []model.CustodyEntry{}
	for rows.Next() {
		var c model.CustodyEntry
		var action string
		var at int64
		if err := rows.Scan(&c.Seq, &c.EvidenceID, &c.Actor, &action, &c.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan custody: %w", err)
		}
		c.Action = model.CustodyAction(action)
		c.OccurredAt = fromNanos(at)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody: %w", err)
	}
	return out, nil
}

// LastCustodyAction 返回证据最近一次监管动作；没有记录时返回空串。
func (s *Store) LastCustodyAction(ctx context.Context, evidenceID string) (model.CustodyAction, error) {
	var action string
	err := s.q.QueryRowContext(ctx, `
		SELECT action FROM custody_entries
		WHERE evidence_id = ? AND action IN ('received', 'transferred', 'sealed')
		ORDER BY occurred_at DESC, seq DESC
		LIMIT 1
	`, evidenceID).Scan(&action)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query last custody action: %w", err)
	}
	return model.CustodyAction(action), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvidence(r rowScanner) (*model.EvidenceItem, error) {
	var e model.EvidenceItem
	var kind string
	var ingestedAt int64
	var committed int
	if err := r.Scan(
		&e.ID, &e.SHA256, &e.SizeBytes, &e.OriginalName, &e.MIMEType, &kind, &e.StorageKey,
		&ingestedAt, &e.IngestedBy, &committed,
		&e.ParentSHA256, &e.DerivedFrom, &e.DerivationNote,
	); err != nil {
		return nil, err
	}
	e.Kind = model.EvidenceKind(kind)
	e.IngestedAt = fromNanos(ingestedAt)
	e.Committed = committed == 1
	return &e, nil
}
