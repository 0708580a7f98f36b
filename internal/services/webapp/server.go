package webapp

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"evidence-vault/internal/app"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/privacy"
)

// Server 是 HTTP 层的运行时对象。
type Server struct {
	vault *app.Vault
	opts  Options
	log   *slog.Logger
	now   func() time.Time

	jobs   *jobManager
	portal *limiterSet
}

// New 基于已装配的 Vault 创建服务。
func New(v *app.Vault, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = v.Logger
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PortalRate <= 0 {
		opts.PortalRate = 1
	}
	if opts.PortalBurst < 1 {
		opts.PortalBurst = 5
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 4 << 30
	}
	return &Server{
		vault:  v,
		opts:   opts,
		log:    opts.Logger.With("component", "webapp"),
		now:    opts.Now,
		jobs:   newJobManager(),
		portal: newLimiterSet(rate.Limit(opts.PortalRate), opts.PortalBurst),
	}
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/transparency", s.handleTransparency)

	r.With(s.throttlePortal).Get("/portal", s.handlePortal)
	r.With(s.throttlePortal).Post("/portal/export", s.handlePortalExport)

	r.Group(func(api chi.Router) {
		api.Use(s.authenticate)

		api.Get("/api/meta", s.handleMeta)

		api.Route("/api/cases/{caseID}", func(c chi.Router) {
			c.Get("/", s.handleCaseOverview)
			c.Post("/evidence", s.handleIngest)
			c.Get("/evidence", s.handleCaseEvidence)
			c.Put("/evidence/{evidenceID}", s.handleAttach)
			c.Post("/statements", s.handleGenerateStatement)
			c.Post("/exports", s.handleStartExport)
			c.Get("/exports", s.handleListExports)
			c.Get("/exports/{packageID}/archive", s.handleDownloadArchive)
			c.Post("/shares", s.handleCreateShare)
			c.Get("/shares", s.handleListShares)
		})

		api.Route("/api/evidence/{evidenceID}", func(e chi.Router) {
			e.Get("/", s.handleGetEvidence)
			e.Get("/content", s.handleEvidenceContent)
			e.Post("/verify", s.handleVerifyEvidence)
			e.Get("/custody", s.handleCustody)
			e.Post("/derivatives", s.handleDerive)
			e.Post("/transfer", s.handleTransfer)
			e.Post("/seal", s.handleSeal)
		})

		api.Post("/api/shares/{linkID}/revoke", s.handleRevokeShare)

		api.Get("/api/jobs", s.handleListJobs)
		api.Get("/api/jobs/{jobID}", s.handleGetJob)

		api.Post("/api/webhooks", s.handleAddWebhook)
		api.Get("/api/webhooks", s.handleListWebhooks)
		api.Post("/api/webhooks/{subscriptionID}/reactivate", s.handleReactivateWebhook)
		api.Get("/api/webhooks/{subscriptionID}/deliveries", s.handleWebhookDeliveries)

		api.Get("/api/audit", s.handleAudit)
	})
	return r
}

// authenticate 校验 bearer token 并把主体放进请求 context。
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
			return
		}
		p, err := authz.ParseToken(s.opts.JWTSecret, strings.TrimSpace(raw))
		if err != nil {
			s.log.Warn("rejected bearer token", "remote", clientIP(r), "token", privacy.MaskSecret(raw), "err", err)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(authz.WithPrincipal(r.Context(), p)))
	})
}

func principal(r *http.Request) authz.Principal {
	p, _ := authz.FromContext(r.Context())
	return p
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		// 门户请求的 query 里带 token。
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", privacy.MaskQuery(r.URL.RawQuery),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", s.now().Sub(start).Milliseconds(),
		)
	})
}

// limiterSet 按来源地址分配令牌桶。
type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *limiterSet) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (s *Server) throttlePortal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.portal.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
