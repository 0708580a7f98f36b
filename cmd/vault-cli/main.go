package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/app"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/webapp"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "ingest":
		return runIngest(ctx, args[1:])
	case "verify":
		return runVerify(ctx, args[1:])
	case "case":
		return runCase(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "statement":
		return runStatement(ctx, args[1:])
	case "audit":
		return runAudit(ctx, args[1:])
	case "share":
		return runShare(ctx, args[1:])
	case "webhook":
		return runWebhook(ctx, args[1:])
	case "token":
		return runToken(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "version", "--version":
		fmt.Printf("vault-cli %s (commit %s, built %s)\n", app.Version, app.Commit, app.BuildTime)
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// globalFlags 是每个子命令共用的参数：配置文件与调用身份。
type globalFlags struct {
	ConfigPath string
	ActorID    string
	Role       string
}

func (g *globalFlags) AddFlags(fs *pflag.FlagSet) {
	actor := os.Getenv("USER")
	if actor == "" {
		actor = "operator"
	}
	fs.StringVarP(&g.ConfigPath, "config", "c", os.Getenv(app.EnvPrefix+"CONFIG"), "config file (yaml)")
	fs.StringVar(&g.ActorID, "as", actor, "acting principal id recorded in audit and custody entries")
	fs.StringVar(&g.Role, "role", string(authz.RoleCustodian), "role of the acting principal")
}

func (g *globalFlags) principal() (authz.Principal, error) {
	role := authz.Role(g.Role)
	if !role.Valid() {
		return authz.Principal{}, fmt.Errorf("unknown role: %s", g.Role)
	}
	if g.ActorID == "" {
		return authz.Principal{}, errors.New("--as is required")
	}
	return authz.Principal{ID: g.ActorID, Role: role}, nil
}

func (g *globalFlags) config() (app.Config, *slog.Logger, error) {
	cfg, err := app.LoadConfig(g.ConfigPath)
	if err != nil {
		return app.Config{}, nil, err
	}
	logger, err := app.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		return app.Config{}, nil, err
	}
	return cfg, logger, nil
}

func (g *globalFlags) open(ctx context.Context, opts app.OpenOptions) (*app.Vault, error) {
	cfg, logger, err := g.config()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, logger, opts)
}

// parseFlags 解析参数；-h/--help 打印帮助后返回 (false, nil)。
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// runMigrate 只执行 SQLite 迁移，不启动审计流。
func runMigrate(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	g.AddFlags(fs)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	cfg, _, err := g.config()
	if err != nil {
		return err
	}

	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := sqliteadapter.NewMigrator(db).Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	fmt.Printf("migrations applied successfully: db=%s new=%v\n", cfg.DBPath, applied)
	return nil
}

// runServe 启动 HTTP 服务与 webhook 异步投递，Ctrl+C 优雅退出。
func runServe(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	g.AddFlags(fs)
	listen := fs.String("listen", "", "listen address (overrides server.listen)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	cfg, logger, err := g.config()
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	v, err := app.Open(sigCtx, cfg, logger, app.OpenOptions{StartDispatcher: true})
	if err != nil {
		return err
	}
	defer v.Close()

	return webapp.Run(sigCtx, v, webapp.OptionsFromConfig(cfg.Server, logger))
}

// runToken 是二级命令路由，目前支持 token issue。
func runToken(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printTokenUsage()
		return nil
	}
	switch args[0] {
	case "issue":
		return runTokenIssue(ctx, args[1:])
	default:
		printTokenUsage()
		return fmt.Errorf("unknown token command: %s", args[0])
	}
}

// runTokenIssue 用配置中的 server.jwt_secret 为管理 API 签发 bearer token。
func runTokenIssue(_ context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("token issue", pflag.ContinueOnError)
	g.AddFlags(fs)
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	cfg, _, err := g.config()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is not configured")
	}
	raw, err := authz.IssueToken([]byte(cfg.Server.JWTSecret), p, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(raw)
	return nil
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  vault-cli migrate [--config vault.yaml]")
	fmt.Println("  vault-cli ingest --case CASE_ID FILE... [--name NAME] [--mime TYPE]")
	fmt.Println("  vault-cli case show --case CASE_ID")
	fmt.Println("  vault-cli verify evidence (--id EVIDENCE_ID | --case CASE_ID)")
	fmt.Println("  vault-cli verify bundle --dir PACKAGE_DIR")
	fmt.Println("  vault-cli verify audit")
	fmt.Println("  vault-cli export package --case CASE_ID [--evidence ID,ID]")
	fmt.Println("  vault-cli statement generate --case CASE_ID [--evidence ID,ID] [--at RFC3339] [--out FILE]")
	fmt.Println("  vault-cli audit export [--format ndjson|csv] [--subject ID] [--actor ID] [--action A,B] [--since T] [--until T] [--out FILE]")
	fmt.Println("  vault-cli audit reconcile")
	fmt.Println("  vault-cli share create --case CASE_ID --scope read_only|export --recipient ROLE --ttl 72h --max-access N")
	fmt.Println("  vault-cli share revoke --id LINK_ID")
	fmt.Println("  vault-cli share resolve --token TOKEN")
	fmt.Println("  vault-cli webhook add --url URL --events TYPE,TYPE [--secret S]")
	fmt.Println("  vault-cli webhook reactivate --id SUBSCRIPTION_ID")
	fmt.Println("  vault-cli webhook list")
	fmt.Println("  vault-cli token issue --as ID --role ROLE [--ttl 12h]")
	fmt.Println("  vault-cli serve [--listen 127.0.0.1:8787]")
	fmt.Println()
	fmt.Println("Common flags: --config FILE (or EVIDENCE_VAULT_CONFIG), --as ID, --role ROLE")
}

func printTokenUsage() {
	fmt.Println("Usage:")
	fmt.Println("  vault-cli token issue --as ID --role admin|custodian|attorney|paralegal|auditor [--ttl 12h]")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
