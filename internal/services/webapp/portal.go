package webapp

import (
	"errors"
	"net/http"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/authz"
)

// 门户对任何无效 token 都返回同一个 404 响应体，不区分过期、撤销、额度用尽或不存在。
func writePortalDenied(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": model.ErrResolutionFailure.Error()})
}

// handlePortal 返回案件摘要：证据 ID、摘要与大小，不返回任何证据字节。
func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	summary, err := s.vault.Shares.Resolve(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if !errors.Is(err, model.ErrResolutionFailure) {
			s.log.Error("portal resolve failed", "err", err)
		}
		writePortalDenied(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": summary})
}

// handlePortalExport 为 export 范围的链接构建导出包。构建以链接身份进行，
// 审计记录中的 actor 为 share:<link_id>。
func (s *Server) handlePortalExport(w http.ResponseWriter, r *http.Request) {
	grant, err := s.vault.Shares.AuthorizeExport(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if !errors.Is(err, model.ErrResolutionFailure) {
			s.log.Error("portal export authorization failed", "err", err)
		}
		writePortalDenied(w)
		return
	}

	p := authz.Share(grant.Link.LinkID)
	pkg, err := s.vault.Packages.BuildPackage(r.Context(), p, grant.Link.CaseID, nil)
	if err != nil {
		s.log.Error("portal export failed", "link_id", grant.Link.LinkID, "case_id", grant.Link.CaseID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "export failed"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"package_id":     pkg.PackageID,
		"package_sha256": pkg.PackageSHA256,
		"statement_id":   pkg.StatementID,
		"exhibit_count":  pkg.ExhibitCount,
		"exhibits":       pkg.Exhibits,
	})
}
