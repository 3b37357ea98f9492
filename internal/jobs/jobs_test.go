package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posreports/internal/acquire"
	"posreports/internal/automation"
	"posreports/internal/automation/automationtest"
	"posreports/internal/joblog"
	"posreports/internal/model"
	"posreports/internal/workflow"
	"posreports/internal/workspace"
)

func TestStatusTransitions(t *testing.T) {
	assert.True(t, IsValidTransition(StatusPending, StatusRunning))
	assert.True(t, IsValidTransition(StatusPending, StatusFailed))
	assert.True(t, IsValidTransition(StatusRunning, StatusCompleted))
	assert.True(t, IsValidTransition(StatusRunning, StatusFailed))

	assert.False(t, IsValidTransition(StatusPending, StatusCompleted))
	assert.False(t, IsValidTransition(StatusCompleted, StatusRunning))
	assert.False(t, IsValidTransition(StatusFailed, StatusPending))
	assert.False(t, IsValidTransition(StatusRunning, StatusPending))
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	rec, err := r.Create("job1", "7", "Job queued")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	_, err = r.Create("job1", "7", "again")
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = r.Transition("job1", StatusCompleted, "skip", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Transition("job1", StatusRunning, "Job started", "")
	require.NoError(t, err)
	require.NoError(t, r.SetProgress("job1", map[string]string{"stage": "authenticated"}))

	rec, err = r.Transition("job1", StatusFailed, "Job failed", "boom")
	require.NoError(t, err)
	assert.Equal(t, "boom", rec.Error)
	assert.Equal(t, "authenticated", rec.Progress["stage"])

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.SetProgress("missing", nil), ErrNotFound)
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("job1", "7", "")
	require.NoError(t, err)

	rec, err := r.Get("job1")
	require.NoError(t, err)
	rec.Progress["stage"] = "tampered"

	rec, err = r.Get("job1")
	require.NoError(t, err)
	assert.Empty(t, rec.Progress)
}

func TestValidate(t *testing.T) {
	good := model.Account{ID: "1", BaseURL: "https://pos/login.html", Username: "u", Password: "p", GroupSelector: "#g"}
	report := model.Report{Name: "Ventas", URLParam: "ventas"}

	require.NoError(t, Validate([]model.Account{good}, []model.Report{report}))

	err := Validate(nil, []model.Report{report})
	assert.ErrorIs(t, err, ErrValidation)

	err = Validate([]model.Account{good}, nil)
	assert.ErrorIs(t, err, ErrValidation)

	bad := good
	bad.BaseURL = "ftp://pos"
	bad.Password = ""
	err = Validate([]model.Account{bad}, []model.Report{{Name: "x"}})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "accounts[0].store_pos_url")
	assert.Contains(t, err.Error(), "accounts[0].store_pos_password")
	assert.Contains(t, err.Error(), "reports[0].Report_Url_Param")

	err = Validate([]model.Account{good, good}, []model.Report{report})
	assert.ErrorIs(t, err, ErrValidation)
}

// env wires an Orchestrator to the fake automation driver. Logins
// succeed unless the password is "wrong"; every report page offers a
// download.
type env struct {
	driver   *automationtest.Driver
	orch     *Orchestrator
	registry *Registry
	root     *workspace.Root
	logsDir  string
}

var sel = workflow.DefaultSelectors()

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		driver:   automationtest.NewDriver(),
		registry: NewRegistry(),
		root:     workspace.NewRoot(t.TempDir()),
		logsDir:  t.TempDir(),
	}
	e.driver.OnClick = func(s *automationtest.Session, loc automation.Locator) error {
		switch loc {
		case sel.LoginSubmit:
			pass, _ := s.Text(context.Background(), sel.LoginPassword)
			if pass == "wrong" {
				s.Set(sel.LoginError, automationtest.Element{Text: "Credenciales incorrectas"})
			} else {
				s.Set(sel.FiltersLink, automationtest.Element{})
			}
		case sel.DownloadButton:
			return os.WriteFile(filepath.Join(s.Dir, "export.xls"), []byte("<table></table>"), 0o644)
		}
		return nil
	}

	runner := workflow.NewRunner(e.driver, workflow.Config{
		AuthWait:    100 * time.Millisecond,
		OverlayWait: 10 * time.Millisecond,
		Acquire: acquire.Config{
			LoadingWait:  10 * time.Millisecond,
			TriggerWait:  50 * time.Millisecond,
			Budget:       200 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		},
	}, sel, workflow.NoPacer{}, nil)

	e.orch = NewOrchestrator(Deps{
		Registry:   e.registry,
		Runner:     runner,
		Driver:     e.driver,
		Workspaces: e.root,
		LogsDir:    e.logsDir,
	}, Options{MaxConcurrentJobs: 2, QueueSize: 4})
	return e
}

func (e *env) account(id, host, password string) model.Account {
	login := fmt.Sprintf("https://%s/app/login.html", host)
	e.driver.Pages[login] = automationtest.Page{
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
	for _, param := range []string{"ventas", "compras"} {
		e.driver.Pages[workflow.ReportURL(login, param)] = automationtest.Page{sel.DownloadButton: {}}
	}
	return model.Account{ID: id, BaseURL: login, Username: "user", Password: password, GroupSelector: "#group"}
}

var reports = []model.Report{
	{Name: "Ventas", URLParam: "ventas"},
	{Name: "Compras", URLParam: "compras"},
}

func waitTerminal(t *testing.T, r *Registry, id string) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = r.Get(id)
		return err == nil && rec.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.orch.Start(ctx)

	rec, err := e.orch.Submit(ctx, SubmitRequest{Accounts: []model.Account{e.account("7", "pos-a", "secret")}, Reports: reports})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.NotEmpty(t, rec.ID)

	rec = waitTerminal(t, e.registry, rec.ID)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "2", rec.Progress["success"])
	require.Len(t, rec.Accounts, 1)
	assert.True(t, rec.Accounts[0].Complete())

	files, err := e.root.List(rec.ID)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	lines, err := joblog.ReadLines(context.Background(), e.logsDir, rec.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, lines)
	for _, s := range e.driver.Sessions() {
		assert.True(t, s.Closed())
	}

	require.NoError(t, e.orch.Shutdown(context.Background()))
}

func TestAuthRejectedFailsJob(t *testing.T) {
	e := newEnv(t)
	rec, err := e.orch.Run(context.Background(), SubmitRequest{
		JobID:    "job-auth",
		Accounts: []model.Account{e.account("7", "pos-a", "wrong")},
		Reports:  reports,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "Credenciales incorrectas")
	require.Len(t, rec.Accounts, 1)
	assert.Equal(t, 0, rec.Accounts[0].Attempted())

	files, err := e.root.List("job-auth")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestOneAbortedAccountStillCompletes(t *testing.T) {
	e := newEnv(t)
	rec, err := e.orch.Run(context.Background(), SubmitRequest{
		Accounts: []model.Account{
			e.account("1", "pos-a", "wrong"),
			e.account("2", "pos-b", "secret"),
		},
		Reports: reports,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Contains(t, rec.Message, "1/2 accounts")
	require.Len(t, rec.Accounts, 2)
	assert.True(t, rec.Accounts[0].Aborted)
	assert.Equal(t, 2, rec.Accounts[1].Success)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	e := newEnv(t)

	_, err := e.orch.Submit(context.Background(), SubmitRequest{Reports: reports})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, e.registry.List())

	acct := e.account("7", "pos-a", "secret")
	_, err = e.orch.Submit(context.Background(), SubmitRequest{JobID: "dup", Accounts: []model.Account{acct}, Reports: reports})
	require.NoError(t, err)
	_, err = e.orch.Submit(context.Background(), SubmitRequest{JobID: "dup", Accounts: []model.Account{acct}, Reports: reports})
	assert.ErrorIs(t, err, ErrDuplicate)

	e.driver.CheckErr = fmt.Errorf("%w: no browser", automation.ErrUnavailable)
	_, err = e.orch.Submit(context.Background(), SubmitRequest{Accounts: []model.Account{acct}, Reports: reports})
	assert.ErrorIs(t, err, automation.ErrUnavailable)
}

func TestQueueFullFailsJob(t *testing.T) {
	e := newEnv(t)
	e.orch = NewOrchestrator(e.orch.deps, Options{QueueSize: 1})
	acct := e.account("7", "pos-a", "secret")

	// Not started: the first job fills the queue.
	_, err := e.orch.Submit(context.Background(), SubmitRequest{JobID: "a", Accounts: []model.Account{acct}, Reports: reports})
	require.NoError(t, err)
	_, err = e.orch.Submit(context.Background(), SubmitRequest{JobID: "b", Accounts: []model.Account{acct}, Reports: reports})
	assert.ErrorIs(t, err, ErrQueueFull)

	rec, err := e.registry.Get("b")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestCancelledQueueFailsPendingJobs(t *testing.T) {
	e := newEnv(t)
	acct := e.account("7", "pos-a", "secret")
	_, err := e.orch.Submit(context.Background(), SubmitRequest{JobID: "a", Accounts: []model.Account{acct}, Reports: reports})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.orch.loop(ctx)
	require.NoError(t, e.orch.Shutdown(context.Background()))

	// Depending on scheduling the job is either drained from the queue
	// or started with a dead context; both end in failure.
	rec, err := e.registry.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestShutdownRejectsNewJobs(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.orch.Shutdown(context.Background()))
	_, err := e.orch.Submit(context.Background(), SubmitRequest{Accounts: []model.Account{e.account("7", "pos-a", "secret")}, Reports: reports})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCleanupExpiredSkipsActiveJobs(t *testing.T) {
	e := newEnv(t)
	e.orch.opts.Retention = RetentionOptions{Enabled: true, TTL: time.Hour}
	old := time.Now().Add(-2 * time.Hour)

	for _, id := range []string{"done", "busy"} {
		dir, err := e.root.Create(id)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xls"), []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(dir, old, old))
		logPath := joblog.Path(e.logsDir, id)
		require.NoError(t, os.WriteFile(logPath, []byte("line\n"), 0o644))
		require.NoError(t, os.Chtimes(logPath, old, old))
	}
	_, err := e.registry.Create("done", "7", "")
	require.NoError(t, err)
	_, err = e.registry.Transition("done", StatusFailed, "", "x")
	require.NoError(t, err)
	_, err = e.registry.Create("busy", "7", "")
	require.NoError(t, err)

	fresh, err := e.root.Create("fresh")
	require.NoError(t, err)
	_ = fresh

	stats := e.orch.CleanupExpired(context.Background())
	assert.EqualValues(t, 1, stats.WorkspacesDeleted)
	assert.EqualValues(t, 1, stats.LogsDeleted)
	assert.False(t, e.root.Exists("done"))
	assert.True(t, e.root.Exists("busy"))
	assert.True(t, e.root.Exists("fresh"))

	_, err = joblog.ReadLines(context.Background(), e.logsDir, "done")
	assert.True(t, errors.Is(err, joblog.ErrNoLogs))
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

	s, err := ParseSchedule("")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), s.Next(base))

	s, err = ParseSchedule("0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), s.Next(base))

	s, err = ParseSchedule("@every 30m")
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Minute), s.Next(base))

	_, err = ParseSchedule("not a schedule")
	assert.Error(t, err)
}
