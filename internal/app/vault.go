package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"evidence-vault/internal/adapters/policy"
	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/caseview"
	"evidence-vault/internal/services/courtpackage"
	"evidence-vault/internal/services/evidencestore"
	"evidence-vault/internal/services/sharelink"
	"evidence-vault/internal/services/statement"
	"evidence-vault/internal/services/webhook"
)

// Vault 是装配好的全部服务。CLI 与 HTTP 服务共用同一套装配。
type Vault struct {
	Config Config
	Logger *slog.Logger

	DB         *sql.DB
	Store      *sqliteadapter.Store
	Audit      *auditstream.Stream
	Evidence   *evidencestore.Store
	Statements *statement.Service
	Packages   *courtpackage.Builder
	Cases      *caseview.Service
	Shares     *sharelink.Service
	Webhooks   *webhook.Service
	Dispatcher *webhook.Dispatcher
	Policy     *policy.Loaded
}

// OpenOptions 控制装配时的可选步骤。
type OpenOptions struct {
	// SkipReconcile 跳过启动时的双写一致性检查（audit reconcile 命令自行报告）。
	SkipReconcile bool
	// StartDispatcher 启动 webhook 异步投递；只有常驻进程需要。
	StartDispatcher bool
}

// Open 打开数据库、应用迁移、启动审计流并装配服务。
// 启动时两个审计落点不一致会返回 model.ErrConsistencyDrift，进程不应继续运行。
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts OpenOptions) (_ *Vault, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = v.Close()
		}
	}()

	v.DB, err = sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	applied, err := sqliteadapter.NewMigrator(v.DB).Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}
	v.Store = sqliteadapter.NewStore(v.DB)

	v.Audit, err = auditstream.Open(v.Store, auditstream.Options{ManifestDir: cfg.ManifestDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	if !opts.SkipReconcile {
		if err := v.Audit.Reconcile(ctx); err != nil {
			logger.Error("audit sinks disagree; manual reconciliation required", "err", err)
			return nil, fmt.Errorf("startup reconciliation: %w", err)
		}
	}

	v.Policy, err = policy.NewLoader(cfg.PolicyPath).Load(ctx)
	if err != nil {
		return nil, err
	}

	v.Evidence, err = evidencestore.New(v.Store, v.Audit, evidencestore.Options{Root: cfg.EvidenceRoot, Logger: logger})
	if err != nil {
		return nil, err
	}
	v.Statements, err = statement.NewService(v.Store, v.Audit, statement.Options{
		Dir:        cfg.StatementDir,
		PDF:        cfg.StatementPDF,
		ExtraTerms: v.Policy.Policy.ForbiddenTerms,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	v.Packages, err = courtpackage.New(v.Store, v.Evidence, v.Statements, v.Audit, courtpackage.Options{
		Dir:         cfg.ExportDir,
		Concurrency: cfg.ExportConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	v.Cases = caseview.New(v.Store, caseview.Options{})
	v.Shares = sharelink.New(v.Store, v.Audit, sharelink.Options{Logger: logger})
	v.Webhooks = webhook.New(v.Store, v.Audit, webhook.Options{Timeout: cfg.WebhookTimeout(), Logger: logger})

	if opts.StartDispatcher {
		v.Dispatcher = webhook.NewDispatcher(v.Webhooks, webhook.DispatcherOptions{
			QueueSize: cfg.Webhook.QueueSize,
			Workers:   cfg.Webhook.Workers,
			Logger:    logger,
		})
		v.Dispatcher.Start()
		v.Audit.Subscribe(v.Dispatcher.Observe)
	}
	return v, nil
}

// Close 依次停止投递、审计流并关闭数据库。
func (v *Vault) Close() error {
	var errs []error
	if v.Dispatcher != nil {
		v.Dispatcher.Close()
	}
	if v.Audit != nil {
		errs = append(errs, v.Audit.Close())
	}
	if v.DB != nil {
		errs = append(errs, v.DB.Close())
	}
	return errors.Join(errs...)
}
