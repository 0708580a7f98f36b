package webapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/id"
	"evidence-vault/internal/services/authz"
)

// jobManager 保存后台导出任务的状态。任务只存在于进程内，重启后丢失；
// 导出结果本身已落库（export_packages）与审计流。
type jobManager struct {
	mu   sync.Mutex
	jobs map[string]*exportJob
	wg   sync.WaitGroup
}

func newJobManager() *jobManager {
	return &jobManager{jobs: make(map[string]*exportJob)}
}

type exportJob struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"` // running|success|failed
	CreatedAt  int64  `json:"created_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`

	CaseID      string   `json:"case_id"`
	Actor       string   `json:"actor"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`

	Package *model.ExportPackage `json:"package,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func (m *jobManager) put(job *exportJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
}

// update 在锁内修改任务，避免与读取方竞争。
func (m *jobManager) update(jobID string, fn func(*exportJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		fn(j)
	}
}

func (m *jobManager) getCopy(jobID string) (exportJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j == nil {
		return exportJob{}, false
	}
	return copyJob(j), true
}

func (m *jobManager) listCopies() []exportJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]exportJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt != out[k].CreatedAt {
			return out[i].CreatedAt > out[k].CreatedAt
		}
		return out[i].JobID > out[k].JobID
	})
	return out
}

func (m *jobManager) wait() { m.wg.Wait() }

func copyJob(j *exportJob) exportJob {
	cpy := *j
	cpy.EvidenceIDs = append([]string(nil), j.EvidenceIDs...)
	if j.Package != nil {
		pkg := *j.Package
		cpy.Package = &pkg
	}
	return cpy
}

type exportRequest struct {
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// handleStartExport 以后台任务方式构建导出包，立即返回任务信息（202）。
func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := authz.Require(p, authz.CapExport); err != nil {
		s.writeServiceError(w, err)
		return
	}
	caseID := chi.URLParam(r, "caseID")

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	now := s.now().Unix()
	job := &exportJob{
		JobID:       id.New("job"),
		Kind:        "court_package",
		Status:      "running",
		CreatedAt:   now,
		CaseID:      caseID,
		Actor:       p.ID,
		EvidenceIDs: req.EvidenceIDs,
	}
	s.jobs.put(job)
	resp := copyJob(job)

	s.jobs.wg.Add(1)
	go func() {
		defer s.jobs.wg.Done()
		// 导出不随请求结束而取消。
		ctx := context.WithoutCancel(r.Context())
		pkg, err := s.vault.Packages.BuildPackage(ctx, p, caseID, req.EvidenceIDs)
		s.jobs.update(resp.JobID, func(j *exportJob) {
			j.FinishedAt = s.now().Unix()
			if err != nil {
				j.Status = "failed"
				j.Error = err.Error()
				return
			}
			j.Status = "success"
			exp := pkg.ExportPackage
			j.Package = &exp
		})
		if err != nil {
			s.log.Error("export job failed", "job_id", resp.JobID, "case_id", caseID, "err", err)
			return
		}
		s.log.Info("export job finished", "job_id", resp.JobID, "case_id", caseID, "package_id", pkg.PackageID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"job": resp})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(principal(r), authz.CapExport); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.listCopies()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if err := authz.Require(principal(r), authz.CapExport); err != nil {
		s.writeServiceError(w, err)
		return
	}
	job, ok := s.jobs.getCopy(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}
