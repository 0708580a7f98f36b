package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidence-vault/internal/domain/model"
)

const shareColumns = `
	link_id, case_id, token_hash, scope, recipient_role, created_at, expires_at,
	max_access, access_count, state, revoked_at, created_by
`

// InsertShareLink 写入分享链接（只含 token 的 sha256）。
func (s *Store) InsertShareLink(ctx context.Context, l model.ShareLink) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO share_links(
			link_id, case_id, token_hash, scope, recipient_role, created_at, expires_at,
			max_access, access_count, state, created_by
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, 'active', ?)
	`, l.LinkID, l.CaseID, l.TokenHash, string(l.Scope), string(l.RecipientRole),
		l.CreatedAt.UnixNano(), l.ExpiresAt.UnixNano(), l.MaxAccess, l.CreatedBy)
	if err != nil {
		return mapErr("insert share link", err)
	}
	return nil
}

// GetShareLink 按 ID 查询分享链接。
func (s *Store) GetShareLink(ctx context.Context, linkID string) (*model.ShareLink, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM share_links WHERE link_id = ?`, linkID)
	return getShareLink(row)
}

// GetShareLinkByTokenHash 按 token hash 查询分享链接。
func (s *Store) GetShareLinkByTokenHash(ctx context.Context, tokenHash string) (*model.ShareLink, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM share_links WHERE token_hash = ?`, tokenHash)
	return getShareLink(row)
}

// ConsumeShareLink 原子地占用一次访问额度：只有 active、未过期且未超额时才会 +1。
// 返回占用成功后的链接；任何条件不满足都返回 (nil, nil)，调用方不区分原因。
func (s *Store) ConsumeShareLink(ctx context.Context, tokenHash string, now time.Time) (*model.ShareLink, error) {
	row := s.q.QueryRowContext(ctx, `
		UPDATE share_links
		SET access_count = access_count + 1
		WHERE token_hash = ?
			AND state = 'active'
			AND expires_at > ?
			AND access_count < max_access
		RETURNING `+shareColumns, tokenHash, now.UnixNano())
	l, err := getShareLink(row)
	if err != nil {
		return nil, mapErr("consume share link", err)
	}
	return l, nil
}

// RevokeShareLink 撤销链接；已撤销时不做任何改动，返回 changed=false。
func (s *Store) RevokeShareLink(ctx context.Context, linkID string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE share_links
		SET state = 'revoked', revoked_at = ?
		WHERE link_id = ? AND state = 'active'
	`, at.UnixNano(), linkID)
	if err != nil {
		return false, mapErr("revoke share link", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListShareLinks 返回案件下的分享链接。
func (s *Store) ListShareLinks(ctx context.Context, caseID string) ([]model.ShareLink, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+shareColumns+`
		FROM share_links
		WHERE case_id = ?
		ORDER BY created_at ASC, link_id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query share links: %w", err)
	}
	defer rows.Close()

	out := []model.ShareLink{}
	for rows.Next() {
		l, err := scanShareLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share links: %w", err)
	}
	return out, nil
}

func getShareLink(row *sql.Row) (*model.ShareLink, error) {
	l, err := scanShareLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query share link: %w", err)
	}
	return l, nil
}

func scanShareLink(r rowScanner) (*model.ShareLink, error) {
	var l model.ShareLink
	var scope, role, state string
	var createdAt, expiresAt int64
	var revokedAt sql.NullInt64
	if err := r.Scan(&l.LinkID, &l.CaseID, &l.TokenHash, &scope, &role, &createdAt, &expiresAt,
		&l.MaxAccess, &l.AccessCount, &state, &revokedAt, &l.CreatedBy); err != nil {
		return nil, err
	}
	l.Scope = model.ShareScope(scope)
	l.RecipientRole = model.RecipientRole(role)
	l.CreatedAt = fromNanos(createdAt)
	l.ExpiresAt = fromNanos(expiresAt)
	l.Revoked = state == string(model.LinkRevoked)
	l.RevokedAt = fromNullNanos(revokedAt)
	return &l, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
