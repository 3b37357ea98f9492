package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posreports/internal/acquire"
	"posreports/internal/automation"
	"posreports/internal/automation/automationtest"
	"posreports/internal/config"
	"posreports/internal/health"
	"posreports/internal/jobs"
	"posreports/internal/model"
	"posreports/internal/reportcfg"
	"posreports/internal/workflow"
	"posreports/internal/workspace"
)

var sel = workflow.DefaultSelectors()

type testServer struct {
	srv     *Server
	cfg     *config.Config
	driver  *automationtest.Driver
	orch    *jobs.Orchestrator
	root    *workspace.Root
	reports *reportcfg.MemoryStore
}

// newTestServer wires the API to an orchestrator backed by the fake
// browser. Every login succeeds and every report page downloads a file.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.DownloadsDir = t.TempDir()
	cfg.Paths.LogsDir = t.TempDir()
	cfg.ApplyDefaults()

	ts := &testServer{
		cfg:     cfg,
		driver:  automationtest.NewDriver(),
		root:    workspace.NewRoot(cfg.Paths.DownloadsDir),
		reports: reportcfg.NewMemoryStore(nil),
	}
	ts.driver.OnClick = func(s *automationtest.Session, loc automation.Locator) error {
		switch loc {
		case sel.LoginSubmit:
			s.Set(sel.FiltersLink, automationtest.Element{})
		case sel.DownloadButton:
			return os.WriteFile(filepath.Join(s.Dir, "export.xls"), []byte("<table></table>"), 0o644)
		}
		return nil
	}

	runner := workflow.NewRunner(ts.driver, workflow.Config{
		AuthWait:    100 * time.Millisecond,
		OverlayWait: 10 * time.Millisecond,
		Acquire: acquire.Config{
			LoadingWait:  10 * time.Millisecond,
			TriggerWait:  50 * time.Millisecond,
			Budget:       200 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		},
	}, sel, workflow.NoPacer{}, nil)

	ts.orch = jobs.NewOrchestrator(jobs.Deps{
		Registry:   jobs.NewRegistry(),
		Runner:     runner,
		Driver:     ts.driver,
		Workspaces: ts.root,
		LogsDir:    cfg.Paths.LogsDir,
	}, jobs.Options{MaxConcurrentJobs: 1, QueueSize: 4})

	ts.srv = NewServer(Deps{
		Config:       cfg,
		Orchestrator: ts.orch,
		Workspaces:   ts.root,
		Reports:      ts.reports,
		Health: health.Options{
			Display:      ":99",
			LogsDir:      cfg.Paths.LogsDir,
			DownloadsDir: cfg.Paths.DownloadsDir,
			Browser:      ts.driver,
		},
	}, nil)
	return ts
}

func (ts *testServer) login(host string) string {
	login := "https://" + host + "/app/login.html"
	ts.driver.Pages[login] = automationtest.Page{
		sel.LoginEmail:           {},
		sel.LoginPassword:        {},
		sel.LoginSubmit:          {},
		sel.FiltersFrame:         {Frame: true},
		sel.DatesTab:             {},
		sel.DaysInput:            {},
		sel.StoresTab:            {},
		automation.CSS("#group"): {Selected: true},
		sel.ApplyFilters:         {},
	}
	ts.driver.Pages[workflow.ReportURL(login, "ventas")] = automationtest.Page{sel.DownloadButton: {}}
	return login
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestUnknownJobIsNotFoundEverywhere(t *testing.T) {
	ts := newTestServer(t)

	for path, code := range map[string]string{
		"/jobs/nope":  "JOB_NOT_FOUND",
		"/logs/nope":  "LOGS_NOT_FOUND",
		"/files/nope": "FILES_NOT_FOUND",
	} {
		resp, data := ts.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
		assert.Equal(t, code, decodeError(t, data).Code, path)
	}
}

func TestDownloadWithoutReportsIsUnavailable(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodPost, "/download", map[string]any{
		"account_id":         7,
		"store_pos_url":      ts.login("pos-a"),
		"store_pos_username": "user",
		"store_pos_password": "secret",
		"web_group_selector": "#group",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	assert.Equal(t, "NO_REPORTS_CONFIGURED", decodeError(t, data).Code)
}

func TestDownloadValidationFailure(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.reports.Set(context.Background(), []model.Report{{Name: "Ventas", URLParam: "ventas"}}))

	resp, data := ts.do(t, http.MethodPost, "/download", map[string]any{
		"account_id":    7,
		"store_pos_url": "ftp://nope",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	e := decodeError(t, data)
	assert.Equal(t, "VALIDATION_FAILED", e.Code)
	assert.Contains(t, e.Error, "store_pos_username")
	assert.Empty(t, ts.orch.Registry().List())
}

func TestDownloadRejectsMalformedAccountID(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.reports.Set(context.Background(), []model.Report{{Name: "Ventas", URLParam: "ventas"}}))

	resp, data := ts.do(t, http.MethodPost, "/download", map[string]any{"account_id": 1.5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	assert.Equal(t, "BAD_REQUEST", decodeError(t, data).Code)
}

func TestDownloadRunsJobEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts.orch.Start(ctx)

	resp, data := ts.do(t, http.MethodPost, "/config/reports", []model.Report{{Name: "Ventas", URLParam: "ventas"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = ts.do(t, http.MethodPost, "/download", map[string]any{
		"account_id":         7,
		"store_pos_url":      ts.login("pos-a"),
		"store_pos_username": "user",
		"store_pos_password": "secret",
		"web_group_selector": "#group",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var rec jobs.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, jobs.StatusPending, rec.Status)
	assert.Equal(t, "7", rec.AccountID)
	assert.Equal(t, "pending", rec.Progress["stage"])

	require.Eventually(t, func() bool {
		_, data := ts.do(t, http.MethodGet, "/jobs/"+rec.ID, nil)
		var got jobs.Record
		return json.Unmarshal(data, &got) == nil && got.Status == jobs.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	resp, data = ts.do(t, http.MethodGet, "/logs/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs LogsResponse
	require.NoError(t, json.Unmarshal(data, &logs))
	assert.Equal(t, len(logs.Logs), logs.TotalLines)
	assert.NotZero(t, logs.TotalLines)

	resp, data = ts.do(t, http.MethodGet, "/files/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var files FilesResponse
	require.NoError(t, json.Unmarshal(data, &files))
	require.Equal(t, 1, files.TotalFiles)
	assert.True(t, strings.HasPrefix(files.Files[0].Name, "accountID=7:Ventas_"))

	resp, _ = ts.do(t, http.MethodGet, "/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ts.orch.Shutdown(context.Background()))
}

func TestFileEndpoints(t *testing.T) {
	ts := newTestServer(t)
	dir, err := ts.root.Create("job1")
	require.NoError(t, err)
	for _, name := range []string{"a.xls", "b.xls", "c.xls"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data-"+name), 0o644))
	}

	resp, data := ts.do(t, http.MethodGet, "/files/job1/a.xls", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data-a.xls", string(data))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "a.xls")

	resp, data = ts.do(t, http.MethodGet, "/files/job1/missing.xls", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "FILE_NOT_FOUND", decodeError(t, data).Code)

	resp, _ = ts.do(t, http.MethodGet, "/files/job1/..%2F..%2Fetc%2Fpasswd", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/files/job1/a.xls", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoFileExists(t, filepath.Join(dir, "a.xls"))

	resp, data = ts.do(t, http.MethodPost, "/files/job1/delete", DeleteFilesRequest{Filenames: []string{"b.xls", "zzz.xls"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var del DeleteFilesResponse
	require.NoError(t, json.Unmarshal(data, &del))
	assert.Equal(t, "partial", del.Status)
	assert.Equal(t, []string{"b.xls"}, del.Results.Deleted)
	assert.Equal(t, []string{"zzz.xls"}, del.Results.NotFound)

	resp, data = ts.do(t, http.MethodDelete, "/files/job1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var whole DeleteResponse
	require.NoError(t, json.Unmarshal(data, &whole))
	assert.Equal(t, 1, whole.Deleted)
	assert.NoDirExists(t, dir)

	resp, _ = ts.do(t, http.MethodDelete, "/files/job1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFilePreview(t *testing.T) {
	ts := newTestServer(t)
	dir, err := ts.root.Create("job1")
	require.NoError(t, err)
	table := `<table><tr><th>Fecha</th><th>Total</th></tr><tr><td>2024-01-01</td><td>10</td></tr><tr><td>2024-01-02</td><td>12</td></tr></table>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xls"), []byte(table), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.xls"), []byte("plain"), 0o644))

	resp, data := ts.do(t, http.MethodGet, "/preview/job1/a.xls?rows=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
	assert.Contains(t, string(data), "2024-01-01")
	assert.NotContains(t, string(data), "2024-01-02")

	resp, data = ts.do(t, http.MethodGet, "/preview/job1/b.xls", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "NO_TABLE", decodeError(t, data).Code)

	resp, _ = ts.do(t, http.MethodGet, "/preview/job1/missing.xls", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportsConfig(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodGet, "/config/reports", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(data))

	resp, data = ts.do(t, http.MethodPost, "/config/reports", []map[string]any{{"Report_Name": "Ventas"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", decodeError(t, data).Code)

	resp, data = ts.do(t, http.MethodPost, "/config/reports", []map[string]any{
		{"Report_Name": "Ventas", "Report_Url_Param": "ventas", "Thinkion_Id": 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out ReportsConfigResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.ReportsConfig, 1)
	assert.Equal(t, 1, out.ReportsConfig[0].RowNumber)
	assert.Equal(t, 3, out.ReportsConfig[0].ThinkionID)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep health.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, health.StatusHealthy, rep.Status)
	assert.True(t, rep.Environment.DownloadsWritable)

	resp, data = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "posreports_http_requests_total")
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.Auth.Enabled = true
	ts.cfg.Auth.Secret = "test-secret"

	resp, data := ts.do(t, http.MethodGet, "/jobs", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	assert.Equal(t, "UNAUTHENTICATED", decodeError(t, data).Code)

	resp, _ = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := IssueToken("test-secret", "n8n", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bad, err := IssueToken("other-secret", "n8n", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	resp, err = ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFlexibleAccountID(t *testing.T) {
	var req DownloadRequest
	require.NoError(t, json.Unmarshal([]byte(`{"account_id": 42, "accounts": [{"account_id": "x-9"}]}`), &req))
	accts := req.accounts()
	require.Len(t, accts, 2)
	assert.Equal(t, "42", accts[0].ID)
	assert.Equal(t, "x-9", accts[1].ID)

	assert.Error(t, json.Unmarshal([]byte(`{"account_id": true}`), &req))
}
