package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/pflag"

	"evidence-vault/internal/app"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/auditverify"
	"evidence-vault/internal/services/courtpackage"
)

// runVerify 是 verify 子命令路由：
// - verify evidence：复核存储内容摘要（失败会写入审计）
// - verify bundle：离线校验已发布的导出包目录
// - verify audit：重算审计链并逐字节比对两个落点
func runVerify(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printVerifyUsage()
		return nil
	}

	switch args[0] {
	case "evidence":
		return runVerifyEvidence(ctx, args[1:])
	case "bundle":
		return runVerifyBundle(ctx, args[1:])
	case "audit":
		return runVerifyAudit(ctx, args[1:])
	default:
		printVerifyUsage()
		return fmt.Errorf("unknown verify command: %s", args[0])
	}
}

func printVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  vault-cli verify evidence --id EVIDENCE_ID")
	fmt.Println("  vault-cli verify evidence --case CASE_ID")
	fmt.Println("  vault-cli verify bundle --dir data/exports/CASE_ID/PACKAGE_ID")
	fmt.Println("  vault-cli verify audit [--config path]")
}

type evidenceCheck struct {
	EvidenceID string `json:"evidence_id"`
	Status     string `json:"status"` // ok|mismatch|error
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
	Error      string `json:"error,omitempty"`
}

func runVerifyEvidence(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("verify evidence", pflag.ContinueOnError)
	g.AddFlags(fs)
	evidenceID := fs.String("id", "", "evidence id")
	caseID := fs.String("case", "", "verify every evidence item of this case")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if (*evidenceID == "") == (*caseID == "") {
		return errors.New("exactly one of --id or --case is required")
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

	ids := []string{*evidenceID}
	if *caseID != "" {
		items, err := v.Evidence.ListCase(ctx, p, *caseID)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, it := range items {
			ids = append(ids, it.ID)
		}
	}

	checks := make([]evidenceCheck, 0, len(ids))
	failed := 0
	for _, id := range ids {
		c := evidenceCheck{EvidenceID: id, Status: "ok"}
		_, err := v.Evidence.VerifyIntegrity(ctx, p, id)
		var mismatch *model.IntegrityMismatchError
		switch {
		case errors.As(err, &mismatch):
			c.Status, c.Expected, c.Actual = "mismatch", mismatch.Expected, mismatch.Actual
		case err != nil:
			c.Status, c.Error = "error", err.Error()
		}
		if c.Status != "ok" {
			failed++
		}
		checks = append(checks, c)
	}
	if err := printJSON(map[string]any{"total": len(checks), "failed": failed, "items": checks}); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d evidence items failed verification", failed, len(checks))
	}
	return nil
}

// runVerifyBundle 只读取导出包目录本身，不需要数据库。
func runVerifyBundle(_ context.Context, args []string) error {
	fs := pflag.NewFlagSet("verify bundle", pflag.ContinueOnError)
	dir := fs.String("dir", "", "published package directory")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *dir == "" {
		return errors.New("--dir is required")
	}
	rep, err := courtpackage.VerifyBundle(*dir)
	if err != nil {
		return err
	}
	if err := printJSON(rep); err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("bundle verification failed: %d problem(s)", len(rep.Failures))
	}
	fmt.Fprintf(os.Stderr, "bundle %s verified: %d exhibits\n", rep.PackageID, len(rep.Exhibits))
	return nil
}

// runVerifyAudit 不做启动对账，直接给出逐 subject 的详细报告。
func runVerifyAudit(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("verify audit", pflag.ContinueOnError)
	g.AddFlags(fs)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{SkipReconcile: true})
	if err != nil {
		return err
	}
	defer v.Close()

	heads, err := v.Store.AuditHeads(ctx)
	if err != nil {
		return err
	}
	subjects := make([]string, 0, len(heads))
	for s := range heads {
		subjects = append(subjects, s)
	}
	slices.Sort(subjects)

	rep, err := auditverify.VerifySinks(ctx, v.Audit, subjects)
	if err != nil {
		return err
	}
	if err := printJSON(rep); err != nil {
		return err
	}
	if !rep.OK {
		return errors.New("audit verification failed")
	}
	return nil
}
