package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"evidence-vault/internal/domain/model"
)

const auditColumns = `
	seq, actor, action, subject_id, COALESCE(object_id, ''), occurred_at,
	COALESCE(payload_hash, ''), COALESCE(detail_json, ''), COALESCE(prev_hash, ''), record_hash
`

// AuditTx 是审计流写入事务：由唯一写入者持有，直到 manifest 也落盘后才提交。
type AuditTx struct {
	tx    *sql.Tx
	store *Store
}

// BeginAudit 开启审计写入事务。
func (s *Store) BeginAudit(ctx context.Context) (*AuditTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx audit: %w", err)
	}
	return &AuditTx{tx: tx, store: &Store{db: s.db, q: tx}}, nil
}

// Store 返回绑定在本事务上的 Store：其写入与审计记录一起提交或回滚。
// 连接池只有一个连接，事务期间不能再经由外层 Store 访问数据库。
func (t *AuditTx) Store() *Store {
	return t.store
}

// MaxSeq 返回当前最大全局序号（空表为 0）。
func (t *AuditTx) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_records`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max audit seq: %w", err)
	}
	return seq, nil
}

// SubjectHead 返回 subject 的最后一条记录 hash；没有记录时返回空串。
func (t *AuditTx) SubjectHead(ctx context.Context, subjectID string) (string, error) {
	var h string
	err := t.tx.QueryRowContext(ctx, `
		SELECT record_hash FROM audit_records
		WHERE subject_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, subjectID).Scan(&h)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query audit head: %w", err)
	}
	return h, nil
}

// Insert 写入一条审计记录。
func (t *AuditTx) Insert(ctx context.Context, r model.AuditRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_records(
			seq, actor, action, subject_id, object_id, occurred_at,
			payload_hash, detail_json, prev_hash, record_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Seq, r.Actor, string(r.Action), r.SubjectID, nullIfEmpty(r.ObjectID), r.OccurredAt.UnixNano(),
		nullIfEmpty(r.PayloadHash), nullIfEmpty(string(r.Detail)), nullIfEmpty(r.PrevHash), r.RecordHash)
	if err != nil {
		return mapErr("insert audit record", err)
	}
	return nil
}

func (t *AuditTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit audit record: %w", err)
	}
	return nil
}

func (t *AuditTx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback audit record: %w", err)
	}
	return nil
}

// ListAuditPage 以 keyset 方式分页读取审计记录（seq > afterSeq，升序）。
// 返回切片而不是游标：单连接模式下持有游标期间任何其它查询都会阻塞。
func (s *Store) ListAuditPage(ctx context.Context, f model.AuditFilter, afterSeq int64, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	where := []string{"seq > ?"}
	args := []any{afterSeq}
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ",")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	out := make([]model.AuditRecord, 0, limit)
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}

// GetAuditRecord 按序号查询单条审计记录。
func (s *Store) GetAuditRecord(ctx context.Context, seq int64) (*model.AuditRecord, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE seq = ?`, seq)
	r, err := scanAudit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query audit record: %w", err)
	}
	return r, nil
}

// AuditHead 是某个 subject 在结构化存储中的末端状态。
type AuditHead struct {
	SubjectID  string
	Seq        int64
	RecordHash string
	Count      int64
}

// AuditHeads 返回每个 subject 的最后序号、最后 hash 与条数（启动对账使用）。
func (s *Store) AuditHeads(ctx context.Context) (map[string]AuditHead, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT a.subject_id, a.seq, a.record_hash, h.n
		FROM audit_records a
		JOIN (
			SELECT subject_id, MAX(seq) AS max_seq, COUNT(*) AS n
			FROM audit_records
			GROUP BY subject_id
		) h ON h.subject_id = a.subject_id AND h.max_seq = a.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query audit heads: %w", err)
	}
	defer rows.Close()

	out := map[string]AuditHead{}
	for rows.Next() {
		var h AuditHead
		if err := rows.Scan(&h.SubjectID, &h.Seq, &h.RecordHash, &h.Count); err != nil {
			return nil, fmt.Errorf("scan audit head: %w", err)
		}
		out[h.SubjectID] = h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit heads: %w", err)
	}
	return out, nil
}

func scanAudit(r rowScanner) (*model.AuditRecord, error) {
	var rec model.AuditRecord
	var action, detail string
	var at int64
	if err := r.Scan(
		&rec.Seq, &rec.Actor, &action, &rec.SubjectID, &rec.ObjectID, &at,
		&rec.PayloadHash, &detail, &rec.PrevHash, &rec.RecordHash,
	); err != nil {
		return nil, err
	}
	rec.Action = model.AuditAction(action)
	rec.OccurredAt = fromNanos(at)
	if detail != "" {
		rec.Detail = json.RawMessage(detail)
	}
	return &rec, nil
}
