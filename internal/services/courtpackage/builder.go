// Package courtpackage 生成可离线复核的“法庭导出包”。
//
// 导出包目录结构：
//
//	Exhibit_001/<原始文件名>
//	...
//	INDEX.json / INDEX.csv        展品清单（顺序与完整性声明一致）
//	INTEGRITY_STATEMENT.txt(.pdf) 完整性声明
//	<package_id>.zip              以上文件的归档（条目顺序与时间戳固定）
//	PACKAGE_HASH.txt              归档摘要（sha256sum -c 兼容）
//
// 导出先在 exports/.staging/ 下完成，全部成功后一次 rename 发布；任何失败都不会留下产物。
package courtpackage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/fsutil"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/platform/id"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/evidencestore"
	"evidence-vault/internal/services/statement"
)

const (
	indexJSONName     = "INDEX.json"
	indexCSVName      = "INDEX.csv"
	statementTextName = "INTEGRITY_STATEMENT.txt"
	statementPDFName  = "INTEGRITY_STATEMENT.pdf"
	packageHashName   = "PACKAGE_HASH.txt"

	stagingDirName = ".staging"
)

// Auditor 是审计写入接口（*auditstream.Stream 实现）。
type Auditor interface {
	Append(ctx context.Context, rec model.AuditRecord) (int64, error)
	AppendWith(ctx context.Context, rec model.AuditRecord, fn auditstream.TxFunc) (model.AuditRecord, error)
}

// Options 定义导出参数。
type Options struct {
	// Dir 是导出根目录：发布到 <Dir>/<case>/<package>/，暂存在 <Dir>/.staging/。
	Dir string
	// Concurrency 是并发校验证据完整性的上限，默认 4。
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Builder 负责生成导出包。同一案件的导出串行执行。
type Builder struct {
	db    *sqliteadapter.Store
	ev    *evidencestore.Store
	stmt  *statement.Service
	audit Auditor

	dir   string
	limit int
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*caseLock
}

// caseLock 是案件级互斥；refs 为持有或等待者数，归零时从 locks 中移除。
type caseLock struct {
	ch   chan struct{}
	refs int
}

func New(db *sqliteadapter.Store, ev *evidencestore.Store, stmt *statement.Service, audit Auditor, opts Options) (*Builder, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("export dir is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, stagingDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create export staging dir: %w", err)
	}
	return &Builder{
		db:    db,
		ev:    ev,
		stmt:  stmt,
		audit: audit,
		dir:   opts.Dir,
		limit: opts.Concurrency,
		log:   opts.Logger.With("component", "courtpackage"),
		now:   opts.Now,
		locks: map[string]*caseLock{},
	}, nil
}

// Package 是一次成功发布的导出包。
type Package struct {
	model.ExportPackage
	Statement model.IntegrityStatement `json:"statement"`
	Exhibits  []IndexEntry             `json:"exhibits"`
}

// BuildPackage 为案件生成导出包。evidenceIDs 为空表示案件下全部证据。
//
// 任何一件证据完整性校验失败都会中止导出，返回 *model.IntegrityMismatchError，
// 并写入 export.failed 审计记录。
func (b *Builder) BuildPackage(ctx context.Context, p authz.Principal, caseID string, evidenceIDs []string) (pkg *Package, err error) {
	if err := authz.Require(p, authz.CapExport); err != nil {
		return nil, err
	}
	if !auditstream.ValidSubject(caseID) {
		return nil, fmt.Errorf("invalid case id %q: %w", caseID, model.ErrInvalidArgument)
	}

	unlock, err := b.lock(ctx, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pkgID := id.New("pkg")
	staging := filepath.Join(b.dir, stagingDirName, pkgID)
	stage := "load"
	startedAt := b.now()
	defer func() {
		if err == nil {
			return
		}
		_ = os.RemoveAll(staging)
		b.log.Error("court package export failed", "case_id", caseID, "package_id", pkgID, "stage", stage, "err", err)
		if _, aerr := b.audit.Append(context.WithoutCancel(ctx), model.AuditRecord{
			Actor:     p.ID,
			Action:    model.ActionExportFailed,
			SubjectID: caseID,
			ObjectID:  pkgID,
			Detail:    auditstream.Detail(map[string]any{"stage": stage, "error": err.Error()}),
		}); aerr != nil {
			err = errors.Join(err, aerr)
		}
	}()

	items, err := statement.LoadCaseItems(ctx, b.db, caseID, evidenceIDs)
	if err != nil {
		return nil, err
	}
	items = statement.SortExhibits(items)

	stage = "verify"
	if err := b.verifyAll(ctx, p, items); err != nil {
		return nil, err
	}

	stage = "statement"
	generatedAt := b.now().UTC()
	in := statement.Input{CaseID: caseID, Items: items, GeneratedAt: generatedAt}
	c, err := b.db.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c != nil {
		in.CaseTitle = c.Title
	}
	issued, err := b.stmt.Issue(ctx, p, in)
	if err != nil {
		return nil, err
	}

	stage = "stage"
	if err := os.Mkdir(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	exhibits, err := b.copyExhibits(ctx, staging, items)
	if err != nil {
		return nil, err
	}
	idx := Index{
		Schema:          IndexSchema,
		PackageID:       pkgID,
		CaseID:          caseID,
		GeneratedAt:     generatedAt,
		StatementID:     issued.Statement.StatementID,
		StatementSHA256: issued.Statement.TextSHA256,
		Exhibits:        exhibits,
	}
	if err := writeIndex(staging, idx); err != nil {
		return nil, err
	}
	if err := writeReadOnly(filepath.Join(staging, statementTextName), issued.Rendered.Text); err != nil {
		return nil, err
	}
	if issued.PDF != nil {
		if err := writeReadOnly(filepath.Join(staging, statementPDFName), issued.PDF); err != nil {
			return nil, err
		}
	}

	stage = "archive"
	archiveName := pkgID + ".zip"
	if err := writeArchive(ctx, staging, archiveName, generatedAt); err != nil {
		return nil, err
	}
	pkgSum, pkgSize, err := hash.File(filepath.Join(staging, archiveName))
	if err != nil {
		return nil, fmt.Errorf("hash archive: %w", err)
	}
	if err := writeReadOnly(filepath.Join(staging, packageHashName), []byte(pkgSum+"  "+archiveName+"\n")); err != nil {
		return nil, err
	}

	stage = "publish"
	caseDir := filepath.Join(b.dir, caseID)
	if err := os.MkdirAll(caseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create case export dir: %w", err)
	}
	final := filepath.Join(caseDir, pkgID)
	if err := os.Rename(staging, final); err != nil {
		return nil, fmt.Errorf("publish package: %w", err)
	}
	if err := fsutil.SyncDir(caseDir); err != nil {
		_ = os.RemoveAll(final)
		return nil, err
	}

	stage = "record"
	out := &Package{
		ExportPackage: model.ExportPackage{
			PackageID:     pkgID,
			CaseID:        caseID,
			Dir:           final,
			ArchivePath:   filepath.Join(final, archiveName),
			PackageSHA256: pkgSum,
			StatementID:   issued.Statement.StatementID,
			ExhibitCount:  len(exhibits),
			CreatedBy:     p.ID,
			CreatedAt:     generatedAt,
		},
		Statement: issued.Statement,
		Exhibits:  exhibits,
	}
	if err := b.record(ctx, p, out); err != nil {
		_ = os.RemoveAll(final)
		return nil, err
	}

	b.log.Info("court package published",
		"case_id", caseID,
		"package_id", pkgID,
		"exhibits", len(exhibits),
		"archive_size", humanize.Bytes(uint64(pkgSize)),
		"elapsed", time.Since(startedAt).Round(time.Millisecond),
	)
	return out, nil
}

// lock 获取案件级互斥；ctx 取消时放弃等待。
func (b *Builder) lock(ctx context.Context, caseID string) (func(), error) {
	b.mu.Lock()
	l, ok := b.locks[caseID]
	if !ok {
		l = &caseLock{ch: make(chan struct{}, 1)}
		b.locks[caseID] = l
	}
	l.refs++
	b.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			b.release(caseID, l)
		}, nil
	case <-ctx.Done():
		b.release(caseID, l)
		return nil, ctx.Err()
	}
}

func (b *Builder) release(caseID string, l *caseLock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(b.locks, caseID)
	}
}

// verifyAll 校验全部证据。一件失败不会中止其余校验，每件不一致的证据都各自留下审计记录；
// 返回第一个错误。
func (b *Builder) verifyAll(ctx context.Context, p authz.Principal, items []model.EvidenceItem) error {
	var g errgroup.Group
	g.SetLimit(b.limit)
	for _, it := range items {
		g.Go(func() error {
			_, err := b.ev.VerifyIntegrity(ctx, p, it.ID)
			return err
		})
	}
	return g.Wait()
}

// copyExhibits 把证据内容复制到 Exhibit_NNN/ 下，复制时再次核对摘要。
func (b *Builder) copyExhibits(ctx context.Context, staging string, items []model.EvidenceItem) ([]IndexEntry, error) {
	out := make([]IndexEntry, 0, len(items))
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		label := statement.ExhibitLabel(i)
		name := exhibitFileName(it)
		if err := os.Mkdir(filepath.Join(staging, label), 0o755); err != nil {
			return nil, fmt.Errorf("create exhibit dir: %w", err)
		}
		rel := label + "/" + name
		if err := b.copyBlob(it, filepath.Join(staging, label, name)); err != nil {
			return nil, err
		}
		out = append(out, IndexEntry{
			Exhibit:      label,
			Path:         rel,
			EvidenceID:   it.ID,
			OriginalName: it.OriginalName,
			SHA256:       it.SHA256,
			SizeBytes:    it.SizeBytes,
			MIMEType:     it.MIMEType,
			IngestedAt:   it.IngestedAt,
			DerivedFrom:  it.DerivedFrom,
			ParentSHA256: it.ParentSHA256,
		})
	}
	return out, nil
}

func (b *Builder) copyBlob(it model.EvidenceItem, dst string) error {
	src, err := b.ev.OpenBlob(it)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return fmt.Errorf("create exhibit file: %w", err)
	}
	sum, n, err := hash.Reader(io.TeeReader(src, f))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("copy exhibit %s: %w", it.ID, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync exhibit %s: %w", it.ID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close exhibit %s: %w", it.ID, err)
	}
	if !hash.Equal(sum, it.SHA256) || n != it.SizeBytes {
		return &model.IntegrityMismatchError{EvidenceID: it.ID, Expected: it.SHA256, Actual: sum}
	}
	return nil
}

// record 在一个审计事务内登记监管链、导出包与 export.completed 记录。
func (b *Builder) record(ctx context.Context, p authz.Principal, pkg *Package) error {
	_, err := b.audit.AppendWith(ctx, model.AuditRecord{
		Actor:       p.ID,
		Action:      model.ActionExportCompleted,
		SubjectID:   pkg.CaseID,
		ObjectID:    pkg.PackageID,
		OccurredAt:  pkg.CreatedAt,
		PayloadHash: pkg.PackageSHA256,
		Detail: auditstream.Detail(map[string]any{
			"statement_id":  pkg.StatementID,
			"exhibit_count": pkg.ExhibitCount,
			"archive":       filepath.Base(pkg.ArchivePath),
		}),
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		for _, ex := range pkg.Exhibits {
			if _, err := tx.AppendCustody(ctx, model.CustodyEntry{
				EvidenceID: ex.EvidenceID,
				Actor:      p.ID,
				Action:     model.CustodyExported,
				Reason:     "package " + pkg.PackageID,
				OccurredAt: pkg.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return tx.InsertExportPackage(ctx, pkg.ExportPackage)
	})
	return err
}

// exhibitFileName 返回展品在包内的文件名；原始名不可用时退回证据 ID。
func exhibitFileName(it model.EvidenceItem) string {
	name := filepath.Base(strings.TrimSpace(it.OriginalName))
	if name == "." || name == string(filepath.Separator) || name == "" || !filepath.IsLocal(name) {
		return it.ID
	}
	return name
}

func writeReadOnly(path string, data []byte) error {
	return fsutil.WriteFileAtomic(path, data, 0o444)
}
