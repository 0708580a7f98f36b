package statement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/fsutil"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
)

// Auditor 是审计写入接口（*auditstream.Stream 实现）。
type Auditor interface {
	Append(ctx context.Context, rec model.AuditRecord) (int64, error)
	AppendWith(ctx context.Context, rec model.AuditRecord, fn auditstream.TxFunc) (model.AuditRecord, error)
}

// Options 定义声明服务参数。
type Options struct {
	// Dir 是声明正文/PDF 的落盘目录（按案件分子目录）。
	Dir string
	// PDF 为 true 时同时生成派生 PDF。
	PDF bool
	// ExtraTerms 追加到内置禁用词表（来自策略文件）。
	ExtraTerms []string
	Logger     *slog.Logger
}

// Service 负责生成、落盘并登记完整性声明。
type Service struct {
	db       *sqliteadapter.Store
	audit    Auditor
	renderer *Renderer
	dir      string
	pdf      bool
	log      *slog.Logger
}

func NewService(db *sqliteadapter.Store, audit Auditor, opts Options) (*Service, error) {
	if opts.Dir == "" {
		return nil, errors.New("statement dir is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		db:       db,
		audit:    audit,
		renderer: NewRenderer(NewGuard(opts.ExtraTerms...)),
		dir:      opts.Dir,
		pdf:      opts.PDF,
		log:      opts.Logger.With("component", "statement"),
	}, nil
}

// Renderer 返回服务使用的渲染器（包含策略文件追加的禁用词）。
func (s *Service) Renderer() *Renderer {
	return s.renderer
}

// Issued 是一份已登记的声明及其字节。
type Issued struct {
	Statement model.IntegrityStatement
	Rendered  Rendered
	PDF       []byte
	// Existing 为 true 表示相同输入的声明此前已登记过，本次未新建。
	Existing bool
}

// Generate 加载案件下指定证据（evidenceIDs 为空表示案件全部证据），生成并登记声明。
// generatedAt 由调用方给定，相同输入得到相同正文。
func (s *Service) Generate(ctx context.Context, p authz.Principal, caseID string, evidenceIDs []string, generatedAt time.Time, remarks string) (*Issued, error) {
	if err := authz.Require(p, authz.CapExport); err != nil {
		return nil, err
	}
	items, err := LoadCaseItems(ctx, s.db, caseID, evidenceIDs)
	if err != nil {
		return nil, err
	}
	c, err := s.db.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	in := Input{CaseID: caseID, Items: items, GeneratedAt: generatedAt, Remarks: remarks}
	if c != nil {
		in.CaseTitle = c.Title
	}
	return s.Issue(ctx, p, in)
}

// Issue 渲染、落盘并登记声明，写入 statement.generated 审计记录。
func (s *Service) Issue(ctx context.Context, p authz.Principal, in Input) (*Issued, error) {
	if err := authz.Require(p, authz.CapExport); err != nil {
		return nil, err
	}
	r, err := s.renderer.Render(in)
	if err != nil {
		if errors.Is(err, model.ErrGenerationPolicy) {
			s.log.Warn("statement rejected by content guard", "case_id", in.CaseID, "err", err)
		}
		return nil, err
	}

	out := &Issued{Rendered: r}
	if s.pdf {
		out.PDF, err = RenderPDF(r, in.GeneratedAt)
		if err != nil {
			return nil, err
		}
	}

	existing, err := s.db.GetStatement(ctx, r.StatementID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.TextSHA256 != r.TextSHA256 {
			return nil, fmt.Errorf("statement %s already issued with different text: %w", r.StatementID, model.ErrImmutableViolation)
		}
		existing.Text = r.Text
		out.Statement = *existing
		out.Existing = true
		return out, nil
	}

	st := r.Statement(in.CaseID, in.GeneratedAt)
	caseDir := filepath.Join(s.dir, in.CaseID)
	if err := os.MkdirAll(caseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create statement dir: %w", err)
	}
	st.TextPath = filepath.Join(caseDir, r.StatementID+".txt")
	if err := fsutil.WriteFileAtomic(st.TextPath, r.Text, 0o444); err != nil {
		return nil, err
	}
	if out.PDF != nil {
		st.PDFPath = filepath.Join(caseDir, r.StatementID+".pdf")
		st.PDFSHA256 = hash.Bytes(out.PDF)
		if err := fsutil.WriteFileAtomic(st.PDFPath, out.PDF, 0o444); err != nil {
			return nil, err
		}
	}

	if _, err := s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:       p.ID,
		Action:      model.ActionStatementGenerated,
		SubjectID:   in.CaseID,
		ObjectID:    st.StatementID,
		OccurredAt:  in.GeneratedAt,
		PayloadHash: st.TextSHA256,
		Detail: auditstream.Detail(map[string]any{
			"pre_manifest_sha256": st.PreManifestSHA256,
			"pdf_sha256":          st.PDFSHA256,
			"exhibit_count":       len(st.EvidenceIDs),
		}),
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		return tx.InsertStatement(ctx, st)
	}); err != nil {
		return nil, err
	}

	s.log.Info("statement generated", "case_id", in.CaseID, "statement_id", st.StatementID, "exhibits", len(st.EvidenceIDs))
	out.Statement = st
	return out, nil
}

// LoadCaseItems 返回案件下的证据；ids 为空表示全部。每个 id 都必须挂在该案件下。
func LoadCaseItems(ctx context.Context, db *sqliteadapter.Store, caseID string, ids []string) ([]model.EvidenceItem, error) {
	if len(ids) == 0 {
		items, err := db.ListCaseEvidence(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("case %s has no evidence: %w", caseID, model.ErrNotFound)
		}
		return items, nil
	}

	seen := map[string]bool{}
	items := make([]model.EvidenceItem, 0, len(ids))
	for _, eid := range ids {
		if seen[eid] {
			continue
		}
		seen[eid] = true
		item, err := db.GetEvidence(ctx, eid)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, fmt.Errorf("evidence %s: %w", eid, model.ErrNotFound)
		}
		attached, err := db.IsAttached(ctx, caseID, eid)
		if err != nil {
			return nil, err
		}
		if !attached {
			return nil, fmt.Errorf("evidence %s is not attached to case %s: %w", eid, caseID, model.ErrInvalidArgument)
		}
		items = append(items, *item)
	}
	return items, nil
}
