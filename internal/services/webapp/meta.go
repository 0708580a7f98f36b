package webapp

import (
	"net/http"

	"evidence-vault/internal/app"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "evidence-vault",
		"time":    s.now().Unix(),
	})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	schemaVersion, err := s.vault.Store.GetSchemaMetaValue(r.Context(), "schema_version")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	hashAlgo, _ := s.vault.Store.GetSchemaMetaValue(r.Context(), "hash_algo")

	policy := map[string]any{"forbidden_terms": 0}
	if loaded := s.vault.Policy; loaded != nil {
		policy = map[string]any{
			"path":            loaded.Path,
			"sha256":          loaded.SHA256,
			"forbidden_terms": len(loaded.Policy.ForbiddenTerms),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": s.now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version": schemaVersion,
			"hash_algo":      hashAlgo,
		},
		"audit": map[string]any{
			"chain_hash":    "sha256",
			"core_encoding": "cbor-core-deterministic",
		},
		"statement_policy": policy,
	})
}

// handleTransparency 只返回聚合计数，不含任何案件或人员标识。
func (s *Server) handleTransparency(w http.ResponseWriter, r *http.Request) {
	stats, err := s.vault.Store.TransparencyStats(r.Context(), s.now().UTC())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
