// Package sharelink 管理发给外部接收方的限时、限次分享链接。
//
// 原始 token 只在创建时返回一次，库里只保存其 SHA-256。
// 解析失败一律返回 model.ErrResolutionFailure，不区分未知、过期、撤销或超额。
package sharelink

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/platform/id"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
)

// tokenBytes 是原始 token 的随机字节数（编码前）。
const tokenBytes = 32

// Auditor 是审计写入接口（*auditstream.Stream 实现）。
type Auditor interface {
	Append(ctx context.Context, rec model.AuditRecord) (int64, error)
	AppendWith(ctx context.Context, rec model.AuditRecord, fn auditstream.TxFunc) (model.AuditRecord, error)
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type Service struct {
	db    *sqliteadapter.Store
	audit Auditor
	log   *slog.Logger
	now   func() time.Time
}

func New(db *sqliteadapter.Store, audit Auditor, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{db: db, audit: audit, log: opts.Logger.With("component", "sharelink"), now: opts.Now}
}

// CreateRequest 描述一条新的分享链接。
type CreateRequest struct {
	CaseID        string
	Scope         model.ShareScope
	RecipientRole model.RecipientRole
	TTL           time.Duration
	MaxAccess     int
}

// Grant 是一次成功解析的结果。
type Grant struct {
	Link    model.ShareLink
	Summary model.CaseSummary
}

// Create 生成分享链接，返回原始 token（只此一次）与链接记录。
func (s *Service) Create(ctx context.Context, p authz.Principal, req CreateRequest) (string, model.ShareLink, error) {
	if err := authz.Require(p, authz.CapMintShare); err != nil {
		return "", model.ShareLink{}, err
	}
	if err := validate(req); err != nil {
		return "", model.ShareLink{}, err
	}
	c, err := s.db.GetCase(ctx, req.CaseID)
	if err != nil {
		return "", model.ShareLink{}, err
	}
	if c == nil {
		return "", model.ShareLink{}, fmt.Errorf("case %s: %w", req.CaseID, model.ErrNotFound)
	}

	raw, err := newToken()
	if err != nil {
		return "", model.ShareLink{}, err
	}
	now := s.now().UTC()
	link := model.ShareLink{
		LinkID:        id.New("share"),
		CaseID:        req.CaseID,
		TokenHash:     TokenHash(raw),
		Scope:         req.Scope,
		RecipientRole: req.RecipientRole,
		CreatedAt:     now,
		ExpiresAt:     now.Add(req.TTL),
		MaxAccess:     req.MaxAccess,
		CreatedBy:     p.ID,
	}
	if _, err := s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:      p.ID,
		Action:     model.ActionShareCreated,
		SubjectID:  link.CaseID,
		ObjectID:   link.LinkID,
		OccurredAt: now,
		Detail: auditstream.Detail(map[string]any{
			"scope":          link.Scope,
			"recipient_role": link.RecipientRole,
			"expires_at":     link.ExpiresAt,
			"max_access":     link.MaxAccess,
		}),
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		return tx.InsertShareLink(ctx, link)
	}); err != nil {
		return "", model.ShareLink{}, err
	}
	s.log.Info("share link created", "case_id", link.CaseID, "link_id", link.LinkID, "scope", link.Scope, "expires_at", link.ExpiresAt)
	return raw, link, nil
}

// Resolve 占用一次访问额度并返回案件摘要（只有 ID、摘要与大小）。
func (s *Service) Resolve(ctx context.Context, raw string) (*model.CaseSummary, error) {
	g, err := s.resolve(ctx, raw, false)
	if err != nil {
		return nil, err
	}
	return &g.Summary, nil
}

// AuthorizeExport 与 Resolve 相同，但要求链接范围为 export；范围不符时不占用额度。
func (s *Service) AuthorizeExport(ctx context.Context, raw string) (*Grant, error) {
	return s.resolve(ctx, raw, true)
}

// consumeAttempts 是占用额度与并发解析冲突时的重试次数。
const consumeAttempts = 3

// errConsumeLost 表示预读之后链接状态已变化，本次占用随审计事务回滚。
var errConsumeLost = errors.New("share link changed during resolution")

func (s *Service) resolve(ctx context.Context, raw string, needExport bool) (*Grant, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, s.deny(ctx, nil, "empty")
	}
	tokenHash := TokenHash(raw)

	for range consumeAttempts {
		now := s.now().UTC()
		l, err := s.db.GetShareLinkByTokenHash(ctx, tokenHash)
		if err != nil {
			return nil, err
		}
		if l == nil {
			return nil, s.deny(ctx, nil, "unknown")
		}
		if needExport && l.Scope != model.ScopeExport {
			return nil, s.deny(ctx, l, "scope")
		}
		if st := l.State(now); st != model.LinkActive {
			return nil, s.deny(ctx, l, string(st))
		}
		if l.AccessCount >= l.MaxAccess {
			return nil, s.deny(ctx, l, "exhausted")
		}

		summary, err := s.summary(ctx, *l)
		if err != nil {
			return nil, err
		}
		// 额度占用与 share.resolved 记录同一事务提交。
		want := l.AccessCount + 1
		var consumed *model.ShareLink
		_, err = s.audit.AppendWith(ctx, model.AuditRecord{
			Actor:      shareActor(l),
			Action:     model.ActionShareResolved,
			SubjectID:  l.CaseID,
			ObjectID:   l.LinkID,
			OccurredAt: now,
			Detail: auditstream.Detail(map[string]any{
				"recipient_role": l.RecipientRole,
				"access_count":   want,
				"max_access":     l.MaxAccess,
				"export":         needExport,
			}),
		}, func(ctx context.Context, tx *sqliteadapter.Store) error {
			c, err := tx.ConsumeShareLink(ctx, tokenHash, now)
			if err != nil {
				return err
			}
			if c == nil || c.AccessCount != want {
				return errConsumeLost
			}
			consumed = c
			return nil
		})
		if errors.Is(err, errConsumeLost) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Grant{Link: *consumed, Summary: summary}, nil
	}
	return nil, s.deny(ctx, nil, "contended")
}

// deny 记录一次被拒绝的解析并返回统一的错误。审计写入失败只记日志。
func (s *Service) deny(ctx context.Context, l *model.ShareLink, reason string) error {
	rec := model.AuditRecord{
		Actor:     shareActor(l),
		Action:    model.ActionShareDenied,
		SubjectID: model.SystemSubject,
		Detail:    auditstream.Detail(map[string]any{"reason": reason}),
	}
	if l != nil {
		rec.SubjectID = l.CaseID
		rec.ObjectID = l.LinkID
	}
	if _, err := s.audit.Append(ctx, rec); err != nil {
		s.log.Error("audit share denial failed", "err", err)
	}
	s.log.Warn("share link resolution denied", "reason", reason, "link_id", rec.ObjectID)
	return model.ErrResolutionFailure
}

func (s *Service) summary(ctx context.Context, l model.ShareLink) (model.CaseSummary, error) {
	out := model.CaseSummary{CaseID: l.CaseID, Scope: l.Scope, ExpiresAt: l.ExpiresAt, Evidence: []model.EvidenceDigest{}}
	c, err := s.db.GetCase(ctx, l.CaseID)
	if err != nil {
		return out, err
	}
	if c != nil {
		out.Title = c.Title
	}
	items, err := s.db.ListCaseEvidence(ctx, l.CaseID)
	if err != nil {
		return out, err
	}
	for _, it := range items {
		out.Evidence = append(out.Evidence, model.EvidenceDigest{EvidenceID: it.ID, SHA256: it.SHA256, SizeBytes: it.SizeBytes})
	}
	return out, nil
}

// Revoke 撤销链接。撤销不可逆；对已撤销或已过期的链接再次撤销仍会留下审计记录。
func (s *Service) Revoke(ctx context.Context, p authz.Principal, linkID string) error {
	if err := authz.Require(p, authz.CapRevokeShare); err != nil {
		return err
	}
	l, err := s.db.GetShareLink(ctx, linkID)
	if err != nil {
		return err
	}
	if l == nil {
		return fmt.Errorf("share link %s: %w", linkID, model.ErrNotFound)
	}
	now := s.now().UTC()
	prior := l.State(now)
	changed := !l.Revoked
	if _, err := s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:      p.ID,
		Action:     model.ActionShareRevoked,
		SubjectID:  l.CaseID,
		ObjectID:   l.LinkID,
		OccurredAt: now,
		Detail:     auditstream.Detail(map[string]any{"prior_state": prior, "changed": changed}),
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		_, err := tx.RevokeShareLink(ctx, linkID, now)
		return err
	}); err != nil {
		return err
	}
	s.log.Info("share link revoked", "link_id", linkID, "prior_state", prior, "changed", changed)
	return nil
}

// List 返回案件下的链接（不含 token）。
func (s *Service) List(ctx context.Context, p authz.Principal, caseID string) ([]model.ShareLink, error) {
	if err := authz.Require(p, authz.CapRevokeShare); err != nil {
		return nil, err
	}
	return s.db.ListShareLinks(ctx, caseID)
}

// TokenHash 返回原始 token 的存储形式。
func TokenHash(raw string) string {
	return hash.Bytes([]byte(raw))
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func validate(req CreateRequest) error {
	switch {
	case !auditstream.ValidSubject(req.CaseID):
		return fmt.Errorf("invalid case id %q: %w", req.CaseID, model.ErrInvalidArgument)
	case !req.Scope.Valid():
		return fmt.Errorf("invalid scope %q: %w", req.Scope, model.ErrInvalidArgument)
	case !req.RecipientRole.Valid():
		return fmt.Errorf("invalid recipient role %q: %w", req.RecipientRole, model.ErrInvalidArgument)
	case req.TTL <= 0 || req.TTL > model.MaxShareTTL:
		return fmt.Errorf("ttl must be within (0, %s]: %w", model.MaxShareTTL, model.ErrInvalidArgument)
	case req.MaxAccess < 1:
		return fmt.Errorf("max access must be at least 1: %w", model.ErrInvalidArgument)
	}
	return nil
}

func shareActor(l *model.ShareLink) string {
	if l == nil {
		return "anonymous"
	}
	return "share:" + l.LinkID
}
