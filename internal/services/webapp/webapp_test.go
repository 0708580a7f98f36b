package webapp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evidence-vault/internal/app"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/authz"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	srv   *httptest.Server
	vault *app.Vault
}

func newFixture(t *testing.T, mutate func(*Options)) fixture {
	t.Helper()
	t.Setenv(app.EnvPrefix+"DATA_DIR", t.TempDir())
	cfg, err := app.LoadConfig("")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := app.Open(context.Background(), cfg, logger, app.OpenOptions{})
	require.NoError(t, err)

	opts := Options{
		JWTSecret:      testSecret,
		PortalRate:     1000,
		PortalBurst:    1000,
		MaxUploadBytes: 1 << 20,
		Logger:         logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(v, opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.jobs.wait()
		_ = v.Close()
	})
	return fixture{srv: srv, vault: v}
}

func token(t *testing.T, id string, role authz.Role) string {
	t.Helper()
	raw, err := authz.IssueToken(testSecret, authz.Principal{ID: id, Role: role}, time.Hour, time.Now())
	require.NoError(t, err)
	return raw
}

func (f fixture) do(t *testing.T, method, path, bearer string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f fixture) doJSON(t *testing.T, method, path, bearer string, in any, out any) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	resp := f.do(t, method, path, bearer, body)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f fixture) ingest(t *testing.T, bearer, caseID, name string, content []byte) model.EvidenceItem {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/cases/"+caseID+"/evidence?name="+name, bearer, bytes.NewReader(content))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Evidence model.EvidenceItem `json:"evidence"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Evidence
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	var health map[string]any
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/health", "", nil, &health))
	require.Equal(t, true, health["ok"])

	f.ingest(t, token(t, "carol", authz.RoleCustodian), "case-1", "a.txt", []byte("alpha"))

	var stats model.TransparencyStats
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/transparency", "", nil, &stats))
	require.Equal(t, int64(1), stats.EvidenceTotal)
	require.Positive(t, stats.AuditTotal)

	require.Equal(t, http.StatusUnauthorized, f.doJSON(t, http.MethodGet, "/api/meta", "", nil, nil))
	require.Equal(t, http.StatusUnauthorized, f.doJSON(t, http.MethodGet, "/api/meta", "not-a-jwt", nil, nil))

	var meta map[string]any
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/meta", token(t, "dana", authz.RoleAuditor), nil, &meta))
	require.Equal(t, "1", meta["db"].(map[string]any)["schema_version"])
}

func TestEvidenceLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	custodian := token(t, "carol", authz.RoleCustodian)
	auditor := token(t, "dana", authz.RoleAuditor)

	content := []byte("ledger export 2024-03")
	item := f.ingest(t, custodian, "case-1", "ledger.csv", content)
	sum := sha256.Sum256(content)
	require.Equal(t, hex.EncodeToString(sum[:]), item.SHA256)
	require.Equal(t, int64(len(content)), item.SizeBytes)

	var list struct {
		Evidence []model.EvidenceItem `json:"evidence"`
	}
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/cases/case-1/evidence", custodian, nil, &list))
	require.Len(t, list.Evidence, 1)

	resp := f.do(t, http.MethodGet, "/api/evidence/"+item.ID+"/content", custodian, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, item.SHA256, resp.Header.Get("X-Content-SHA256"))
	require.Equal(t, `"sha256:`+item.SHA256+`"`, resp.Header.Get("ETag"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content, got)

	var verify map[string]any
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodPost, "/api/evidence/"+item.ID+"/verify", custodian, nil, &verify))
	require.Equal(t, true, verify["ok"])

	var custody struct {
		Custody []model.CustodyEntry `json:"custody"`
	}
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/evidence/"+item.ID+"/custody", custodian, nil, &custody))
	require.GreaterOrEqual(t, len(custody.Custody), 2)

	var overview struct {
		Overview struct {
			Evidence struct {
				Total      int   `json:"total"`
				TotalBytes int64 `json:"total_bytes"`
			} `json:"evidence"`
		} `json:"overview"`
	}
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/cases/case-1", custodian, nil, &overview))
	require.Equal(t, 1, overview.Overview.Evidence.Total)
	require.Equal(t, int64(len(content)), overview.Overview.Evidence.TotalBytes)
	require.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodGet, "/api/cases/case-missing", custodian, nil, nil))

	// 审计员没有读证据的能力。
	require.Equal(t, http.StatusForbidden, f.doJSON(t, http.MethodGet, "/api/evidence/"+item.ID, auditor, nil, nil))
	require.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodGet, "/api/evidence/missing", custodian, nil, nil))
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxUploadBytes = 8 })
	custodian := token(t, "carol", authz.RoleCustodian)

	resp := f.do(t, http.MethodPost, "/api/cases/case-1/evidence?name=big.bin", custodian, bytes.NewReader([]byte("0123456789")))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/cases/case-1/evidence?name=a.txt", token(t, "dana", authz.RoleAuditor), strings.NewReader("abc"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/cases/bad%20case/evidence?name=a.txt", custodian, strings.NewReader("abc"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatementAndExportJob(t *testing.T) {
	f := newFixture(t, nil)
	custodian := token(t, "carol", authz.RoleCustodian)
	attorney := token(t, "alice", authz.RoleAttorney)
	f.ingest(t, custodian, "case-1", "a.txt", []byte("alpha"))
	f.ingest(t, custodian, "case-1", "b.txt", []byte("bravo"))

	req := map[string]any{"generated_at": "2025-06-01T09:00:00Z"}
	var first, second struct {
		Statement model.IntegrityStatement `json:"statement"`
		Existing  bool                     `json:"existing"`
		Text      string                   `json:"text"`
	}
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/api/cases/case-1/statements", attorney, req, &first))
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodPost, "/api/cases/case-1/statements", attorney, req, &second))
	require.True(t, second.Existing)
	require.Equal(t, first.Statement.TextSHA256, second.Statement.TextSHA256)
	require.Contains(t, first.Text, first.Statement.PreManifestSHA256)

	var started struct {
		Job exportJob `json:"job"`
	}
	require.Equal(t, http.StatusAccepted, f.doJSON(t, http.MethodPost, "/api/cases/case-1/exports", attorney, nil, &started))
	require.Equal(t, "running", started.Job.Status)

	var job exportJob
	require.Eventually(t, func() bool {
		var out struct {
			Job exportJob `json:"job"`
		}
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/jobs/"+started.Job.JobID, nil)
		if err != nil {
			return false
		}
		req.Header.Set("Authorization", "Bearer "+attorney)
		resp, err := f.srv.Client().Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&out) != nil {
			return false
		}
		job = out.Job
		return job.Status != "running"
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, "success", job.Status, job.Error)
	require.NotNil(t, job.Package)
	require.Equal(t, 2, job.Package.ExhibitCount)

	resp := f.do(t, http.MethodGet, "/api/cases/case-1/exports/"+job.Package.PackageID+"/archive", attorney, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	archive, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	sum := sha256.Sum256(archive)
	require.Equal(t, job.Package.PackageSHA256, hex.EncodeToString(sum[:]))
	require.Equal(t, job.Package.PackageSHA256, resp.Header.Get("X-Package-SHA256"))

	var pkgs struct {
		Packages []model.ExportPackage `json:"packages"`
	}
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/cases/case-1/exports", attorney, nil, &pkgs))
	require.Len(t, pkgs.Packages, 1)

	paralegal := token(t, "pat", authz.RoleParalegal)
	require.Equal(t, http.StatusForbidden, f.doJSON(t, http.MethodPost, "/api/cases/case-1/exports", paralegal, nil, nil))
	require.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodGet, "/api/cases/case-1/exports/pkg-missing/archive", attorney, nil, nil))
}

func TestStatement_ForbiddenTermRejected(t *testing.T) {
	f := newFixture(t, nil)
	custodian := token(t, "carol", authz.RoleCustodian)
	f.ingest(t, custodian, "case-1", "a.txt", []byte("alpha"))

	var out map[string]any
	status := f.doJSON(t, http.MethodPost, "/api/cases/case-1/statements", token(t, "alice", authz.RoleAttorney),
		map[string]any{"remarks": "the defendant is guilty"}, &out)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Contains(t, out["error"], "guilty")
}

func TestPortal_UniformDenial(t *testing.T) {
	f := newFixture(t, nil)
	custodian := token(t, "carol", authz.RoleCustodian)
	attorney := token(t, "alice", authz.RoleAttorney)
	item := f.ingest(t, custodian, "case-1", "a.txt", []byte("alpha"))

	var created struct {
		Link  model.ShareLink `json:"link"`
		Token string          `json:"token"`
	}
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/api/cases/case-1/shares", attorney, map[string]any{
		"scope": "read_only", "recipient_role": "opposing_counsel", "ttl": "72h", "max_access": 1,
	}, &created))
	require.NotEmpty(t, created.Token)

	resp := f.do(t, http.MethodGet, "/portal?token="+created.Token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary struct {
		Case model.CaseSummary `json:"case"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	require.Equal(t, "case-1", summary.Case.CaseID)
	require.Len(t, summary.Case.Evidence, 1)
	require.Equal(t, item.SHA256, summary.Case.Evidence[0].SHA256)

	denials := []string{
		"/portal?token=" + created.Token, // 额度用尽
		"/portal?token=unknown-token",
		"/portal",
	}
	var bodies []string
	for _, path := range denials {
		resp := f.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(raw))
	}
	require.Equal(t, "{\"error\":\"invalid or expired link\"}\n", bodies[0])
	require.Equal(t, bodies[0], bodies[1])
	require.Equal(t, bodies[0], bodies[2])

	// 撤销后列表中可见状态。
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodPost, "/api/shares/"+created.Link.LinkID+"/revoke", attorney, nil, nil))
	var links struct {
		Links []struct {
			LinkID string          `json:"link_id"`
			State  model.LinkState `json:"state"`
		} `json:"links"`
	}
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/cases/case-1/shares", attorney, nil, &links))
	require.Len(t, links.Links, 1)
	require.Equal(t, model.LinkRevoked, links.Links[0].State)
}

func TestPortal_Export(t *testing.T) {
	f := newFixture(t, nil)
	custodian := token(t, "carol", authz.RoleCustodian)
	attorney := token(t, "alice", authz.RoleAttorney)
	f.ingest(t, custodian, "case-1", "a.txt", []byte("alpha"))

	mint := func(scope string) string {
		var created struct {
			Token string `json:"token"`
		}
		require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/api/cases/case-1/shares", attorney, map[string]any{
			"scope": scope, "recipient_role": "court", "ttl": "24h", "max_access": 3,
		}, &created))
		return created.Token
	}

	readOnly := mint("read_only")
	resp := f.do(t, http.MethodPost, "/portal/export?token="+readOnly, "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	exportTok := mint("export")
	var out map[string]any
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/portal/export?token="+exportTok, "", nil, &out))
	require.NotEmpty(t, out["package_sha256"])
	require.EqualValues(t, 1, out["exhibit_count"])

	pkgs, err := f.vault.Store.ListExportPackages(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	require.True(t, strings.HasPrefix(pkgs[0].CreatedBy, "share:"))
}

func TestPortal_RateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.PortalRate = 0.001
		o.PortalBurst = 2
	})
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/portal?token=x", "", nil).StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/portal?token=x", "", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	custodian := token(t, "carol", authz.RoleCustodian)
	auditor := token(t, "dana", authz.RoleAuditor)
	f.ingest(t, custodian, "case-1", "a.txt", []byte("alpha"))
	f.ingest(t, custodian, "case-2", "b.txt", []byte("bravo"))

	resp := f.do(t, http.MethodGet, "/api/audit?subject=case-2", auditor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	var recs []model.AuditRecord
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var rec model.AuditRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, sc.Err())
	require.NotEmpty(t, recs)
	for _, rec := range recs {
		require.Equal(t, "case-2", rec.SubjectID)
	}

	resp = f.do(t, http.MethodGet, "/api/audit?format=csv&limit=1", auditor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 2)

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/audit", token(t, "alice", authz.RoleAttorney), nil).StatusCode)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/audit?format=xml", auditor, nil).StatusCode)
}

func TestWebhookAdmin(t *testing.T) {
	f := newFixture(t, nil)
	admin := token(t, "root", authz.RoleAdmin)

	var created struct {
		Subscription model.WebhookSubscription `json:"subscription"`
		Secret       string                    `json:"secret"`
	}
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/api/webhooks", admin, map[string]any{
		"target_url":   "http://127.0.0.1:1/hook",
		"event_filter": []string{"export.completed"},
	}, &created))
	require.Len(t, created.Secret, 64)

	var list struct {
		Subscriptions []map[string]any `json:"subscriptions"`
	}
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/webhooks", admin, nil, &list))
	require.Len(t, list.Subscriptions, 1)
	_, leaked := list.Subscriptions[0]["secret"]
	require.False(t, leaked)

	subID := created.Subscription.SubscriptionID
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodPost, "/api/webhooks/"+subID+"/reactivate", admin, nil, nil))
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/api/webhooks/"+subID+"/deliveries", admin, nil, nil))
	require.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodPost, "/api/webhooks/whk-missing/reactivate", admin, nil, nil))

	require.Equal(t, http.StatusForbidden, f.doJSON(t, http.MethodGet, "/api/webhooks", token(t, "carol", authz.RoleCustodian), nil, nil))
	require.Equal(t, http.StatusBadRequest, f.doJSON(t, http.MethodPost, "/api/webhooks", admin, map[string]any{
		"target_url": "ftp://example.com", "event_filter": []string{"*"},
	}, nil))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", model.ErrNotFound), http.StatusNotFound},
		{model.ErrForbidden, http.StatusForbidden},
		{model.ErrInvalidArgument, http.StatusBadRequest},
		{model.ErrTruncated, http.StatusBadRequest},
		{model.ErrImmutableViolation, http.StatusConflict},
		{&model.IntegrityMismatchError{EvidenceID: "e"}, http.StatusConflict},
		{&model.PolicyViolationError{Terms: []string{"guilty"}}, http.StatusUnprocessableEntity},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
