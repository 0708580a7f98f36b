package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/auditexport"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/evidencestore"
	"evidence-vault/internal/services/sharelink"
	"evidence-vault/internal/services/webhook"
)

// --- evidence ---

// handleIngest 以原始请求体入库。Content-Length 即声明大小，读到的字节数不一致时拒绝。
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		writeError(w, http.StatusLengthRequired, errors.New("content-length is required"))
		return
	}
	if r.ContentLength > s.opts.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("evidence exceeds %d bytes", s.opts.MaxUploadBytes))
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	defer body.Close()

	item, err := s.vault.Evidence.Ingest(r.Context(), principal(r), body, evidencestore.IngestRequest{
		CaseID:       chi.URLParam(r, "caseID"),
		DeclaredName: r.URL.Query().Get("name"),
		DeclaredSize: r.ContentLength,
		MIMEType:     declaredMIME(r),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"evidence": item})
}

func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		writeError(w, http.StatusLengthRequired, errors.New("content-length is required"))
		return
	}
	if r.ContentLength > s.opts.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("evidence exceeds %d bytes", s.opts.MaxUploadBytes))
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	defer body.Close()

	q := r.URL.Query()
	item, err := s.vault.Evidence.Derive(r.Context(), principal(r), chi.URLParam(r, "evidenceID"), body, evidencestore.DeriveRequest{
		CaseID:       q.Get("case_id"),
		DeclaredName: q.Get("name"),
		DeclaredSize: r.ContentLength,
		MIMEType:     declaredMIME(r),
		Note:         q.Get("note"),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"evidence": item})
}

func declaredMIME(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		return ""
	}
	return ct
}

// handleCaseOverview 返回案件汇总（证据计数、导出包、分享链接状态、审计链头）。
func (s *Server) handleCaseOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.vault.Cases.Overview(r.Context(), principal(r), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overview": ov})
}

func (s *Server) handleCaseEvidence(w http.ResponseWriter, r *http.Request) {
	items, err := s.vault.Evidence.ListCase(r.Context(), principal(r), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": items})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	caseID, evidenceID := chi.URLParam(r, "caseID"), chi.URLParam(r, "evidenceID")
	if err := s.vault.Evidence.Attach(r.Context(), principal(r), caseID, evidenceID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "case_id": caseID, "evidence_id": evidenceID})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	item, err := s.vault.Evidence.Get(r.Context(), principal(r), chi.URLParam(r, "evidenceID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": item})
}

// handleEvidenceContent 返回证据原始字节；每次读取都会记入监管链与审计流。
func (s *Server) handleEvidenceContent(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	item, err := s.vault.Evidence.Get(r.Context(), p, chi.URLParam(r, "evidenceID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	rc, err := s.vault.Evidence.Read(r.Context(), p, item.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer rc.Close()

	serveDownload(w, r, s.log, download{
		Name:         item.OriginalName,
		ContentType:  item.MIMEType,
		Size:         item.SizeBytes,
		ModTime:      item.IngestedAt,
		Digest:       item.SHA256,
		DigestHeader: "X-Content-SHA256",
	}, rc)
}

func (s *Server) handleVerifyEvidence(w http.ResponseWriter, r *http.Request) {
	evidenceID := chi.URLParam(r, "evidenceID")
	ok, err := s.vault.Evidence.VerifyIntegrity(r.Context(), principal(r), evidenceID)
	var mismatch *model.IntegrityMismatchError
	if errors.As(err, &mismatch) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"ok":          false,
			"evidence_id": mismatch.EvidenceID,
			"expected":    mismatch.Expected,
			"actual":      mismatch.Actual,
			"error":       mismatch.Error(),
		})
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "evidence_id": evidenceID})
}

func (s *Server) handleCustody(w http.ResponseWriter, r *http.Request) {
	entries, err := s.vault.Evidence.Custody(r.Context(), principal(r), chi.URLParam(r, "evidenceID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"custody": entries})
}

type custodyRequest struct {
	To     string `json:"to,omitempty"`
	Reason string `json:"reason"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req custodyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	evidenceID := chi.URLParam(r, "evidenceID")
	if err := s.vault.Evidence.Transfer(r.Context(), principal(r), evidenceID, req.To, req.Reason); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "evidence_id": evidenceID})
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	var req custodyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	evidenceID := chi.URLParam(r, "evidenceID")
	if err := s.vault.Evidence.Seal(r.Context(), principal(r), evidenceID, req.Reason); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "evidence_id": evidenceID})
}

// --- statements & exports ---

type statementRequest struct {
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
	// GeneratedAt 为 RFC3339；为空时取服务端当前时间。
	GeneratedAt string `json:"generated_at,omitempty"`
	Remarks     string `json:"remarks,omitempty"`
}

func (s *Server) handleGenerateStatement(w http.ResponseWriter, r *http.Request) {
	var req statementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	at := s.now().UTC()
	if strings.TrimSpace(req.GeneratedAt) != "" {
		t, err := time.Parse(time.RFC3339Nano, req.GeneratedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid generated_at: %w", err))
			return
		}
		at = t
	}
	issued, err := s.vault.Statements.Generate(r.Context(), principal(r), chi.URLParam(r, "caseID"), req.EvidenceIDs, at, req.Remarks)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if issued.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"statement": issued.Statement,
		"existing":  issued.Existing,
		"text":      string(issued.Rendered.Text),
	})
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(principal(r), authz.CapExport); err != nil {
		s.writeServiceError(w, err)
		return
	}
	pkgs, err := s.vault.Store.ListExportPackages(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

func (s *Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(principal(r), authz.CapExport); err != nil {
		s.writeServiceError(w, err)
		return
	}
	packageID := chi.URLParam(r, "packageID")
	pkgs, err := s.vault.Store.ListExportPackages(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	for _, pkg := range pkgs {
		if pkg.PackageID == packageID {
			serveArchive(w, r, s.log, pkg.ArchivePath, pkg.CaseID+"_"+pkg.PackageID, pkg.PackageSHA256)
			return
		}
	}
	writeError(w, http.StatusNotFound, errors.New("package not found"))
}

// --- share links ---

type shareRequest struct {
	Scope         model.ShareScope    `json:"scope"`
	RecipientRole model.RecipientRole `json:"recipient_role"`
	// TTL 为 Go duration 字符串，例如 "72h"。
	TTL       string `json:"ttl"`
	MaxAccess int    `json:"max_access"`
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	ttl, err := time.ParseDuration(strings.TrimSpace(req.TTL))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid ttl: %w", err))
		return
	}
	raw, link, err := s.vault.Shares.Create(r.Context(), principal(r), sharelink.CreateRequest{
		CaseID:        chi.URLParam(r, "caseID"),
		Scope:         req.Scope,
		RecipientRole: req.RecipientRole,
		TTL:           ttl,
		MaxAccess:     req.MaxAccess,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"link":       link,
		"token":      raw,
		"portal_url": "/portal?token=" + raw,
	})
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	links, err := s.vault.Shares.List(r.Context(), principal(r), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	type linkView struct {
		model.ShareLink
		State model.LinkState `json:"state"`
	}
	out := make([]linkView, 0, len(links))
	for _, l := range links {
		out = append(out, linkView{ShareLink: l, State: l.State(now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": out})
}

func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "linkID")
	if err := s.vault.Shares.Revoke(r.Context(), principal(r), linkID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "link_id": linkID})
}

// --- webhooks ---

type webhookRequest struct {
	TargetURL   string   `json:"target_url"`
	Secret      string   `json:"secret,omitempty"`
	EventFilter []string `json:"event_filter"`
}

func (s *Server) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	sub, err := s.vault.Webhooks.Subscribe(r.Context(), principal(r), webhook.SubscribeRequest{
		TargetURL:   req.TargetURL,
		Secret:      req.Secret,
		EventFilter: req.EventFilter,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	// secret 只在创建时返回一次。
	writeJSON(w, http.StatusCreated, map[string]any{"subscription": sub, "secret": sub.Secret})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.vault.Webhooks.List(r.Context(), principal(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) handleReactivateWebhook(w http.ResponseWriter, r *http.Request) {
	subID := chi.URLParam(r, "subscriptionID")
	if err := s.vault.Webhooks.Reactivate(r.Context(), principal(r), subID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subscription_id": subID})
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	attempts, err := s.vault.Webhooks.Deliveries(r.Context(), principal(r), chi.URLParam(r, "subscriptionID"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": attempts})
}

// --- audit ---

// handleAudit 流式导出审计记录（只读）。参数与 vault-cli audit export 一致。
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(principal(r), authz.CapReadAudit); err != nil {
		s.writeServiceError(w, err)
		return
	}
	q := r.URL.Query()
	format, err := auditexport.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter, err := auditexport.ParseFilter(q.Get("subject"), q.Get("actor"), q.Get("action"), q.Get("since"), q.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	res, err := auditexport.Write(r.Context(), w, s.vault.Audit, auditexport.Options{
		Format:   format,
		Filter:   filter,
		AfterSeq: int64(parseInt(q.Get("after_seq"), 0)),
		Limit:    int64(parseInt(q.Get("limit"), 0)),
	})
	if err != nil {
		// 响应头已发出，只能记录。
		s.log.Error("audit export aborted", "err", err, "written", res.Count)
	}
}

// --- helpers ---

// writeServiceError 把服务层错误映射为 HTTP 状态码。
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrTruncated):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrImmutableViolation), errors.Is(err, model.ErrIntegrityMismatch):
		return http.StatusConflict
	case errors.Is(err, model.ErrGenerationPolicy):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
