package sqlite

import (
	"context"
	"fmt"
	"time"

	"evidence-vault/internal/domain/model"
)

// TransparencyStats 汇总透明度计数。只做聚合，不返回任何案件或人员标识。
func (s *Store) TransparencyStats(ctx context.Context, now time.Time) (*model.TransparencyStats, error) {
	out := &model.TransparencyStats{
		AuditByAction:     map[string]int64{},
		EvidenceByKind:    map[string]int64{},
		ShareLinksByState: map[string]int64{},
		WebhooksByState:   map[string]int64{},
	}

	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_items`).Scan(&out.EvidenceTotal); err != nil {
		return nil, fmt.Errorf("count evidence: %w", err)
	}
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&out.AuditTotal); err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM export_packages`).Scan(&out.ExportPackageTotal); err != nil {
		return nil, fmt.Errorf("count export packages: %w", err)
	}

	groups := []struct {
		name  string
		query string
		args  []any
		into  map[string]int64
	}{
		{"audit by action", `SELECT action, COUNT(*) FROM audit_records GROUP BY action`, nil, out.AuditByAction},
		{"evidence by kind", `SELECT kind, COUNT(*) FROM evidence_items GROUP BY kind`, nil, out.EvidenceByKind},
		{"share links by state", `
			SELECT CASE
				WHEN state = 'revoked' THEN 'revoked'
				WHEN expires_at <= ? THEN 'expired'
				ELSE 'active'
			END AS s, COUNT(*)
			FROM share_links
			GROUP BY s`, []any{now.UnixNano()}, out.ShareLinksByState},
		{"webhooks by state", `SELECT state, COUNT(*) FROM webhook_subscriptions GROUP BY state`, nil, out.WebhooksByState},
	}
	for _, g := range groups {
		if err := s.countInto(ctx, g.query, g.args, g.into); err != nil {
			return nil, fmt.Errorf("count %s: %w", g.name, err)
		}
	}
	return out, nil
}

func (s *Store) countInto(ctx context.Context, query string, args []any, into map[string]int64) error {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
