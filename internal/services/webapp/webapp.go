// Package webapp 提供管理 API、分享门户与透明度接口。
//
// 路由分三类：
//   - /api/*：需要 bearer token（authz.ParseToken），按角色能力放行
//   - /portal：外部接收方使用，只认分享 token，错误响应统一
//   - /api/health、/api/transparency：无需认证，只返回计数
package webapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"evidence-vault/internal/app"
)

// Options 定义 HTTP 服务参数。
type Options struct {
	Listen    string
	JWTSecret []byte

	// PortalRate / PortalBurst 是分享门户按来源地址的限流参数。
	PortalRate  float64
	PortalBurst int

	MaxUploadBytes int64

	Logger *slog.Logger
	Now    func() time.Time
}

// OptionsFromConfig 把配置文件中的 server 段转换为 Options。
func OptionsFromConfig(cfg app.ServerConfig, logger *slog.Logger) Options {
	return Options{
		Listen:         cfg.Listen,
		JWTSecret:      []byte(cfg.JWTSecret),
		PortalRate:     cfg.PortalRate,
		PortalBurst:    cfg.PortalBurst,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	}
}

// Run 启动 HTTP 服务，ctx 取消后优雅退出并等待后台导出任务结束。
func Run(ctx context.Context, v *app.Vault, opts Options) error {
	if len(opts.JWTSecret) == 0 {
		return errors.New("server.jwt_secret is required to serve the admin API")
	}
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:8787"
	}
	s := New(v, opts)

	httpServer := &http.Server{
		Addr:              opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("webapp listening", "addr", fmt.Sprintf("http://%s", opts.Listen), "version", app.Version)
	err := httpServer.ListenAndServe()
	s.jobs.wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
