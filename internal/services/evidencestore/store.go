// Package evidencestore 是内容寻址的不可变证据库。
//
// 证据内容以 SHA-256 为键存放在 blobs/ 下，提交后只读；“修改”只能通过 Derive 产生新的衍生证据。
// 所有入库、读取、监管链变动都会写入审计流。
package evidencestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/platform/id"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
)

// Auditor 是证据库依赖的审计写入接口（*auditstream.Stream 实现）。
type Auditor interface {
	Append(ctx context.Context, rec model.AuditRecord) (int64, error)
	AppendWith(ctx context.Context, rec model.AuditRecord, fn auditstream.TxFunc) (model.AuditRecord, error)
}

// Options 定义证据库参数。
type Options struct {
	// Root 是证据根目录，其下有 blobs/ 与 staging/。
	Root   string
	Logger *slog.Logger
	Now    func() time.Time
}

// Store 是证据库服务。
type Store struct {
	db         *sqliteadapter.Store
	audit      Auditor
	root       string
	stagingDir string
	log        *slog.Logger
	now        func() time.Time
}

// New 创建证据库，确保目录存在。
func New(db *sqliteadapter.Store, audit Auditor, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("evidence root is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		db:         db,
		audit:      audit,
		root:       opts.Root,
		stagingDir: filepath.Join(opts.Root, "staging"),
		log:        opts.Logger.With("component", "evidencestore"),
		now:        opts.Now,
	}
	for _, dir := range []string{s.stagingDir, filepath.Join(opts.Root, "blobs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// IngestRequest 是一次入库请求。DeclaredSize < 0 表示调用方不知道长度。
type IngestRequest struct {
	CaseID       string
	DeclaredName string
	DeclaredSize int64
	MIMEType     string
}

// Ingest 流式写入证据并提交。内容已存在时不会产生第二份拷贝，但仍登记一条新的证据记录。
func (s *Store) Ingest(ctx context.Context, p authz.Principal, r io.Reader, req IngestRequest) (model.EvidenceItem, error) {
	if err := authz.Require(p, authz.CapIngest); err != nil {
		return model.EvidenceItem{}, err
	}
	name, err := validateRequest(req.CaseID, req.DeclaredName)
	if err != nil {
		return model.EvidenceItem{}, err
	}

	st, err := s.stage(ctx, r, req.DeclaredSize)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	dedup, err := s.commit(st)
	if err != nil {
		return model.EvidenceItem{}, err
	}

	now := s.now().UTC()
	mimeType := detectMIME(req.MIMEType, st.head)
	item := model.EvidenceItem{
		ID:           id.UUID(),
		SHA256:       st.digest,
		SizeBytes:    st.size,
		OriginalName: name,
		MIMEType:     mimeType,
		Kind:         DetectKind(mimeType),
		StorageKey:   StorageKey(st.digest),
		IngestedAt:   now,
		IngestedBy:   p.ID,
		Committed:    true,
	}
	// 证据行、监管链与审计记录同一事务提交；失败时内容文件可能留在 blobs/ 下，
	// 下次同内容入库会直接复用。
	if _, err := s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:       p.ID,
		Action:      model.ActionEvidenceIngested,
		SubjectID:   req.CaseID,
		ObjectID:    item.ID,
		OccurredAt:  now,
		PayloadHash: item.SHA256,
		Detail: auditstream.Detail(map[string]any{
			"name":       item.OriginalName,
			"size_bytes": item.SizeBytes,
			"mime_type":  item.MIMEType,
			"dedup":      dedup,
		}),
	}, s.register(p, req.CaseID, item, model.CustodyReceived, "ingest")); err != nil {
		return model.EvidenceItem{}, err
	}

	s.log.Info("evidence ingested",
		"case_id", req.CaseID,
		"evidence_id", item.ID,
		"sha256", item.SHA256,
		"size", humanize.Bytes(uint64(item.SizeBytes)),
		"dedup", dedup,
	)
	return item, nil
}

// DeriveRequest 描述一条衍生证据（转码、脱敏、裁剪等的产物）。
type DeriveRequest struct {
	CaseID       string
	DeclaredName string
	DeclaredSize int64
	MIMEType     string
	Note         string
}

// Derive 为 parentID 登记一条衍生证据。原件保持不变，衍生件记录父摘要。
func (s *Store) Derive(ctx context.Context, p authz.Principal, parentID string, r io.Reader, req DeriveRequest) (model.EvidenceItem, error) {
	if err := authz.Require(p, authz.CapIngest); err != nil {
		return model.EvidenceItem{}, err
	}
	name, err := validateRequest(req.CaseID, req.DeclaredName)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	parent, err := s.get(ctx, parentID)
	if err != nil {
		return model.EvidenceItem{}, err
	}

	st, err := s.stage(ctx, r, req.DeclaredSize)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	if st.digest == parent.SHA256 {
		_ = os.Remove(st.path)
		return model.EvidenceItem{}, fmt.Errorf("derivative is byte-identical to its parent: %w", model.ErrInvalidArgument)
	}
	if _, err := s.commit(st); err != nil {
		return model.EvidenceItem{}, err
	}

	now := s.now().UTC()
	mimeType := detectMIME(req.MIMEType, st.head)
	item := model.EvidenceItem{
		ID:             id.UUID(),
		SHA256:         st.digest,
		SizeBytes:      st.size,
		OriginalName:   name,
		MIMEType:       mimeType,
		Kind:           DetectKind(mimeType),
		StorageKey:     StorageKey(st.digest),
		IngestedAt:     now,
		IngestedBy:     p.ID,
		Committed:      true,
		ParentSHA256:   parent.SHA256,
		DerivedFrom:    parent.ID,
		DerivationNote: strings.TrimSpace(req.Note),
	}
	if _, err := s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:       p.ID,
		Action:      model.ActionEvidenceDerived,
		SubjectID:   req.CaseID,
		ObjectID:    item.ID,
		OccurredAt:  now,
		PayloadHash: item.SHA256,
		Detail: auditstream.Detail(map[string]any{
			"parent_id":     parent.ID,
			"parent_sha256": parent.SHA256,
			"note":          item.DerivationNote,
		}),
	}, s.register(p, req.CaseID, item, model.CustodyDerived, "derived from "+parent.ID)); err != nil {
		return model.EvidenceItem{}, err
	}

	s.log.Info("evidence derived", "case_id", req.CaseID, "evidence_id", item.ID, "parent_id", parent.ID)
	return item, nil
}

// register 返回在审计事务内执行的登记：写入证据行、挂到案件下并记第一条监管链。
func (s *Store) register(p authz.Principal, caseID string, item model.EvidenceItem, action model.CustodyAction, reason string) auditstream.TxFunc {
	return func(ctx context.Context, tx *sqliteadapter.Store) error {
		if err := tx.EnsureCase(ctx, caseID, "", p.ID, item.IngestedAt); err != nil {
			return err
		}
		if err := tx.InsertEvidence(ctx, item); err != nil {
			return err
		}
		if _, err := tx.AttachEvidence(ctx, caseID, item.ID, p.ID, item.IngestedAt); err != nil {
			return err
		}
		_, err := tx.AppendCustody(ctx, model.CustodyEntry{
			EvidenceID: item.ID,
			Actor:      p.ID,
			Action:     action,
			Reason:     reason,
			OccurredAt: item.IngestedAt,
		})
		return err
	}
}

// Get 返回证据元数据。
func (s *Store) Get(ctx context.Context, p authz.Principal, evidenceID string) (model.EvidenceItem, error) {
	if err := authz.Require(p, authz.CapReadEvidence); err != nil {
		return model.EvidenceItem{}, err
	}
	return s.get(ctx, evidenceID)
}

// ListCase 返回案件下的证据（按入库时间、ID 排序）。
func (s *Store) ListCase(ctx context.Context, p authz.Principal, caseID string) ([]model.EvidenceItem, error) {
	if err := authz.Require(p, authz.CapReadEvidence); err != nil {
		return nil, err
	}
	return s.db.ListCaseEvidence(ctx, caseID)
}

// Read 返回证据内容的只读句柄，并记录一次访问（监管链 + 审计）。
func (s *Store) Read(ctx context.Context, p authz.Principal, evidenceID string) (io.ReadCloser, error) {
	if err := authz.Require(p, authz.CapReadEvidence); err != nil {
		return nil, err
	}
	item, err := s.get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	f, err := s.OpenBlob(item)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if _, err := s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:       p.ID,
		Action:      model.ActionEvidenceAccessed,
		SubjectID:   item.ID,
		ObjectID:    item.ID,
		OccurredAt:  now,
		PayloadHash: item.SHA256,
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		_, err := tx.AppendCustody(ctx, model.CustodyEntry{
			EvidenceID: item.ID, Actor: p.ID, Action: model.CustodyAccessed, OccurredAt: now,
		})
		return err
	}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// VerifyIntegrity 重新计算存储内容的摘要。不一致（含内容丢失）时返回 *model.IntegrityMismatchError
// 并写入 evidence.integrity_failed 审计记录；一致时不产生审计。
func (s *Store) VerifyIntegrity(ctx context.Context, p authz.Principal, evidenceID string) (bool, error) {
	if err := authz.Require(p, authz.CapReadEvidence); err != nil {
		return false, err
	}
	item, err := s.get(ctx, evidenceID)
	if err != nil {
		return false, err
	}

	actual, size, herr := hash.File(filepath.Join(s.root, filepath.FromSlash(item.StorageKey)))
	if herr == nil && hash.Equal(actual, item.SHA256) && size == item.SizeBytes {
		return true, nil
	}
	if herr != nil {
		if !errors.Is(herr, os.ErrNotExist) {
			return false, fmt.Errorf("hash evidence %s: %w", item.ID, herr)
		}
		actual = "missing"
	}

	mismatch := &model.IntegrityMismatchError{EvidenceID: item.ID, Expected: item.SHA256, Actual: actual}
	// 校验失败必须留痕，即使调用方已经放弃等待。
	if _, err := s.audit.Append(context.WithoutCancel(ctx), model.AuditRecord{
		Actor:       p.ID,
		Action:      model.ActionEvidenceIntegrityFailed,
		SubjectID:   item.ID,
		ObjectID:    item.ID,
		PayloadHash: item.SHA256,
		Detail:      auditstream.Detail(map[string]any{"actual_sha256": actual, "actual_size": size}),
	}); err != nil {
		return false, errors.Join(mismatch, err)
	}
	s.log.Error("evidence integrity mismatch", "evidence_id", item.ID, "expected", item.SHA256, "actual", actual)
	return false, mismatch
}

// Restore 从备份回填缺失的内容文件。内容必须哈希到 digest；目标路径已存在时返回 ErrImmutableViolation。
func (s *Store) Restore(ctx context.Context, p authz.Principal, digest string, r io.Reader) error {
	if err := authz.Require(p, authz.CapIngest); err != nil {
		return err
	}
	digest = strings.ToLower(strings.TrimSpace(digest))
	if !hash.IsSHA256Hex(digest) {
		return fmt.Errorf("invalid digest %q: %w", digest, model.ErrInvalidArgument)
	}
	n, err := s.db.CountEvidenceByDigest(ctx, digest)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no evidence references %s: %w", digest, model.ErrNotFound)
	}
	if _, err := os.Lstat(s.BlobPath(digest)); err == nil {
		return fmt.Errorf("blob %s already present: %w", digest, model.ErrImmutableViolation)
	}

	st, err := s.stage(ctx, r, -1)
	if err != nil {
		return err
	}
	if st.digest != digest {
		_ = os.Remove(st.path)
		return &model.IntegrityMismatchError{EvidenceID: digest, Expected: digest, Actual: st.digest}
	}
	dedup, err := s.commit(st)
	if err != nil {
		return err
	}
	if dedup {
		// 检查与提交之间被并发回填。
		return fmt.Errorf("blob %s already present: %w", digest, model.ErrImmutableViolation)
	}

	if _, err := s.audit.Append(ctx, model.AuditRecord{
		Actor:       p.ID,
		Action:      model.ActionEvidenceRestored,
		SubjectID:   model.SystemSubject,
		PayloadHash: digest,
		Detail:      auditstream.Detail(map[string]any{"size_bytes": st.size}),
	}); err != nil {
		return err
	}
	s.log.Warn("evidence blob restored", "sha256", digest, "size", humanize.Bytes(uint64(st.size)))
	return nil
}

func (s *Store) get(ctx context.Context, evidenceID string) (model.EvidenceItem, error) {
	item, err := s.db.GetEvidence(ctx, evidenceID)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	if item == nil {
		return model.EvidenceItem{}, fmt.Errorf("evidence %s: %w", evidenceID, model.ErrNotFound)
	}
	return *item, nil
}

// validateRequest 校验案件 ID 并规范化原始文件名（只保留最后一段，不允许路径）。
func validateRequest(caseID, declaredName string) (string, error) {
	if !auditstream.ValidSubject(caseID) {
		return "", fmt.Errorf("invalid case id %q: %w", caseID, model.ErrInvalidArgument)
	}
	name := strings.TrimSpace(declaredName)
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("declared name is required: %w", model.ErrInvalidArgument)
	}
	return name, nil
}
