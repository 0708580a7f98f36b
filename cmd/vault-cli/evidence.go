package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"evidence-vault/internal/app"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/fsutil"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/evidencestore"
)

// runIngest 把一个或多个本地文件入库到指定案件。
func runIngest(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	g.AddFlags(fs)
	caseID := fs.String("case", "", "case id")
	name := fs.String("name", "", "declared file name (single file only; defaults to the base name)")
	mime := fs.String("mime", "", "declared MIME type (detected when empty)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	files := fs.Args()
	if *caseID == "" || len(files) == 0 {
		return errors.New("--case and at least one file are required")
	}
	if *name != "" && len(files) > 1 {
		return errors.New("--name only applies to a single file")
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	items := make([]model.EvidenceItem, 0, len(files))
	for _, path := range files {
		declared := *name
		if declared == "" {
			declared = filepath.Base(path)
		}
		item, err := ingestFile(ctx, v.Evidence, p, path, evidencestore.IngestRequest{
			CaseID:       *caseID,
			DeclaredName: declared,
			MIMEType:     *mime,
		})
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		fmt.Fprintf(os.Stderr, "ingested %s -> %s (%s, sha256=%s)\n", path, item.ID, humanize.IBytes(uint64(item.SizeBytes)), item.SHA256)
		items = append(items, item)
	}
	return printJSON(items)
}

func ingestFile(ctx context.Context, ev *evidencestore.Store, p authz.Principal, path string, req evidencestore.IngestRequest) (model.EvidenceItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return model.EvidenceItem{}, err
	}
	if !st.Mode().IsRegular() {
		return model.EvidenceItem{}, fmt.Errorf("%s is not a regular file", path)
	}
	req.DeclaredSize = st.Size()
	return ev.Ingest(ctx, p, f, req)
}

// runCase 是二级命令路由，目前支持 case show。
func runCase(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "show" {
		fmt.Println("Usage:")
		fmt.Println("  vault-cli case show --case CASE_ID")
		if len(args) == 0 {
			return nil
		}
		return fmt.Errorf("unknown case command: %s", args[0])
	}
	var g globalFlags
	fs := pflag.NewFlagSet("case show", pflag.ContinueOnError)
	g.AddFlags(fs)
	caseID := fs.String("case", "", "case id")
	if ok, err := parseFlags(fs, args[1:]); !ok {
		return err
	}
	if *caseID == "" {
		return errors.New("--case is required")
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	ov, err := v.Cases.Overview(ctx, p, *caseID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "case %s: %d items (%s), %d exports\n", ov.Case.CaseID, ov.Evidence.Total, ov.Evidence.TotalSize, len(ov.Exports))
	return printJSON(ov)
}

// runExport 是二级命令路由，目前支持 export package。
func runExport(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printExportUsage()
		return nil
	}
	switch args[0] {
	case "package":
		return runExportPackage(ctx, args[1:])
	default:
		printExportUsage()
		return fmt.Errorf("unknown export command: %s", args[0])
	}
}

// runExportPackage 构建并发布法庭导出包。
func runExportPackage(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("export package", pflag.ContinueOnError)
	g.AddFlags(fs)
	caseID := fs.String("case", "", "case id")
	evidenceIDs := fs.StringSlice("evidence", nil, "evidence ids to include (default: every item of the case)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *caseID == "" {
		return errors.New("--case is required")
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	pkg, err := v.Packages.BuildPackage(ctx, p, *caseID, *evidenceIDs)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "package %s published: %s (%d exhibits)\n", pkg.PackageID, pkg.Dir, pkg.ExhibitCount)
	return printJSON(pkg)
}

// runStatement 是二级命令路由，目前支持 statement generate。
func runStatement(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printStatementUsage()
		return nil
	}
	switch args[0] {
	case "generate":
		return runStatementGenerate(ctx, args[1:])
	default:
		printStatementUsage()
		return fmt.Errorf("unknown statement command: %s", args[0])
	}
}

// runStatementGenerate 生成并登记完整性声明。--at 由调用方给出，便于复现同一份声明。
func runStatementGenerate(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("statement generate", pflag.ContinueOnError)
	g.AddFlags(fs)
	caseID := fs.String("case", "", "case id")
	evidenceIDs := fs.StringSlice("evidence", nil, "evidence ids to cover (default: every item of the case)")
	at := fs.String("at", "", "generation time, RFC3339 (default: now)")
	remarks := fs.String("remarks", "", "preparer remarks")
	out := fs.String("out", "", "also write the statement text to this file")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *caseID == "" {
		return errors.New("--case is required")
	}
	generatedAt := time.Now().UTC()
	if *at != "" {
		t, err := time.Parse(time.RFC3339Nano, *at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		generatedAt = t
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	issued, err := v.Statements.Generate(ctx, p, *caseID, *evidenceIDs, generatedAt, *remarks)
	if err != nil {
		return err
	}
	if *out != "" {
		if err := fsutil.WriteFileAtomic(*out, issued.Rendered.Text, 0o644); err != nil {
			return err
		}
	}
	if issued.Existing {
		fmt.Fprintf(os.Stderr, "statement %s already issued for these inputs\n", issued.Statement.StatementID)
	}
	return printJSON(issued.Statement)
}

func printExportUsage() {
	fmt.Println("Usage:")
	fmt.Println("  vault-cli export package --case CASE_ID [--evidence ID,ID] [--config path] [--as id] [--role role]")
}

func printStatementUsage() {
	fmt.Println("Usage:")
	fmt.Println("  vault-cli statement generate --case CASE_ID [--evidence ID,ID] [--at RFC3339] [--remarks text] [--out FILE]")
}
