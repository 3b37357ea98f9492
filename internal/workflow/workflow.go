// Package workflow drives one back-office account through login, filter
// setup, the report loop and logout.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"posreports/internal/acquire"
	"posreports/internal/automation"
	"posreports/internal/inspect"
	"posreports/internal/joblog"
	"posreports/internal/metrics"
	"posreports/internal/model"
)

var (
	// Account-level failures; the account is aborted.
	ErrSession = errors.New("browser session unavailable")
	ErrAuth    = errors.New("authentication failed")
	ErrFilters = errors.New("filter setup failed")

	// Report-level failures; the loop continues with the next report.
	ErrInvalidTarget = errors.New("report page reports an error")
	ErrNavigation    = errors.New("report navigation failed")
)

type Config struct {
	DaysFromToday int
	AuthSettle    time.Duration
	AuthWait      time.Duration
	OverlayWait   time.Duration
	// SkipAuthIndicator accepts a login as soon as no error is shown,
	// without waiting for the filters link.
	SkipAuthIndicator bool
	InspectArtifacts  bool
	Acquire           acquire.Config
}

// Progress is reported after every step that changes counters.
type Progress struct {
	AccountID string
	Stage     string
	Report    string
	Summary   Summary
}

// Summary is the outcome of one account.
type Summary struct {
	AccountID string   `json:"account_id"`
	Success   int      `json:"success"`
	NoData    int      `json:"no_data"`
	Failed    int      `json:"failed"`
	Total     int      `json:"total"`
	Aborted   bool     `json:"aborted"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Trace     string   `json:"trace"`
}

// Attempted is the number of reports that were started.
func (s Summary) Attempted() int {
	return s.Success + s.NoData + s.Failed
}

// Complete reports whether every report produced an artifact or was
// legitimately empty.
func (s Summary) Complete() bool {
	return !s.Aborted && s.Success+s.NoData == s.Total
}

// Runner executes the workflow for one account at a time.
type Runner struct {
	driver automation.Driver
	cfg    Config
	sel    Selectors
	pacer  acquire.Pacer
	acq    *acquire.Protocol
	logger *slog.Logger

	// OnProgress, when set, is called from the job goroutine.
	OnProgress func(Progress)
}

func NewRunner(driver automation.Driver, cfg Config, sel Selectors, pacer acquire.Pacer, logger *slog.Logger) *Runner {
	if pacer == nil {
		pacer = NoPacer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DaysFromToday <= 0 {
		cfg.DaysFromToday = 1
	}
	if cfg.AuthWait <= 0 {
		cfg.AuthWait = 10 * time.Second
	}
	if cfg.OverlayWait <= 0 {
		cfg.OverlayWait = 5 * time.Second
	}
	return &Runner{
		driver: driver,
		cfg:    cfg,
		sel:    sel,
		pacer:  pacer,
		acq:    acquire.New(cfg.Acquire, acquire.Targets{Loading: sel.Loading, Trigger: sel.DownloadButton}, pacer),
		logger: logger,
	}
}

// WithProgress returns a copy of r that reports progress to fn. Runners
// are shared between jobs, so per-job callbacks go through a copy.
func (r *Runner) WithProgress(fn func(Progress)) *Runner {
	c := *r
	c.OnProgress = fn
	return &c
}

func (r *Runner) progress(p Progress) {
	if r.OnProgress != nil {
		r.OnProgress(p)
	}
}

// RunAccount processes reports for acct, downloading artifacts into
// dir. Sessions are owned by jobID so a later Reap can clean them up.
// Failures are contained: the returned Summary always describes what
// happened.
func (r *Runner) RunAccount(ctx context.Context, jobID, dir string, acct model.Account, reports []model.Report, log *joblog.Logger) Summary {
	m := NewMachine()
	sum := Summary{AccountID: acct.ID, Total: len(reports)}
	log.SetAccount(acct.ID)
	log.Debug(fmt.Sprintf("Success: Start processing account %s", acct.ID))

	abort := func(err error) Summary {
		_ = m.To(Aborted)
		sum.Aborted = true
		sum.Error = err.Error()
		sum.Trace = m.Trace()
		log.Error(fmt.Sprintf("Error: Processing account %s", acct.ID), joblog.WithError(err),
			joblog.WithMetadata(map[string]any{"state": m.Trace()}))
		r.progress(Progress{AccountID: acct.ID, Stage: Aborted.String(), Summary: sum})
		r.logger.Warn("account_aborted", "job_id", jobID, "account_id", acct.ID, "error", err)
		return sum
	}

	if n, err := r.driver.Reap(ctx, jobID); err != nil {
		log.Warning("Error: Kill stale browser sessions", joblog.WithError(err))
	} else if n > 0 {
		log.Debug(fmt.Sprintf("Success: Killed %d stale browser sessions", n))
	}

	sess, err := r.driver.Open(ctx, automation.SessionOptions{Owner: jobID, DownloadDir: dir})
	if err != nil {
		return abort(fmt.Errorf("%w: %v", ErrSession, err))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warning("Error: Close browser", joblog.WithError(err))
		} else {
			log.Debug("Success: Close browser")
		}
	}()
	_ = m.To(DriverReady)
	log.Debug("Success: Initialize browser session")
	r.progress(Progress{AccountID: acct.ID, Stage: DriverReady.String(), Summary: sum})

	if err := r.login(ctx, sess, acct); err != nil {
		return abort(err)
	}
	_ = m.To(Authenticated)
	log.Debug(fmt.Sprintf("Success: Login to account %s", acct.ID))
	r.progress(Progress{AccountID: acct.ID, Stage: Authenticated.String(), Summary: sum})

	if err := r.applyFilters(ctx, sess, acct, log); err != nil {
		return abort(err)
	}
	_ = m.To(FiltersApplied)
	log.Debug("Success: Apply filters")
	r.progress(Progress{AccountID: acct.ID, Stage: FiltersApplied.String(), Summary: sum})

	for _, rep := range reports {
		if ctx.Err() != nil {
			log.Error("Error: Job cancelled before all reports ran", joblog.WithError(ctx.Err()))
			break
		}
		_ = m.To(SubTask)
		outcome, art, err := r.report(ctx, sess, acct, rep, dir, log)
		switch outcome {
		case model.OutcomeSuccess:
			sum.Success++
			sum.Artifacts = append(sum.Artifacts, art.Name)
			log.Info(fmt.Sprintf("Successfully exported report: %s", rep.Name), joblog.WithReport(rep.Name),
				joblog.WithMetadata(map[string]any{"file": art.Name, "size": art.Size}))
		case model.OutcomeNoData:
			sum.NoData++
			log.Debug(fmt.Sprintf("Success: No data available for report: %s", rep.Name), joblog.WithReport(rep.Name))
		default:
			sum.Failed++
			log.Error(fmt.Sprintf("Failed to export report: %s", rep.Name), joblog.WithReport(rep.Name), joblog.WithError(err),
				joblog.WithMetadata(map[string]any{"report_id": rep.ReportID, "account_id": acct.ID}))
		}
		metrics.RecordReportOutcome(string(outcome))
		r.reset(ctx, sess, log)
		r.progress(Progress{AccountID: acct.ID, Stage: m.Current().String(), Report: rep.Name, Summary: sum})
	}

	if sum.Complete() {
		log.Info("Success: All reports were scraped")
	} else {
		log.Error(fmt.Sprintf("Error: Failed to scrape all reports (%d ok, %d no data, %d failed of %d)",
			sum.Success, sum.NoData, sum.Failed, sum.Total))
	}

	r.teardown(ctx, sess, acct, log)
	_ = m.To(TornDown)
	sum.Trace = m.Trace()
	log.Debug(fmt.Sprintf("Success: Finish processing account %s", acct.ID))
	r.progress(Progress{AccountID: acct.ID, Stage: TornDown.String(), Summary: sum})
	r.logger.Info("account_processed", "job_id", jobID, "account_id", acct.ID,
		"success", sum.Success, "no_data", sum.NoData, "failed", sum.Failed, "total", sum.Total)
	return sum
}

func (r *Runner) login(ctx context.Context, sess automation.Session, acct model.Account) error {
	wrap := func(step string, err error) error {
		return fmt.Errorf("%w: %s: %v", ErrAuth, step, err)
	}
	if err := sess.Navigate(ctx, acct.BaseURL); err != nil {
		return wrap("open login page", err)
	}
	if err := r.pacer.Pause(ctx); err != nil {
		return wrap("pause", err)
	}
	if err := sess.Type(ctx, r.sel.LoginEmail, acct.Username); err != nil {
		return wrap("enter username", err)
	}
	if err := sess.Type(ctx, r.sel.LoginPassword, acct.Password); err != nil {
		return wrap("enter password", err)
	}
	if err := sess.Click(ctx, r.sel.LoginSubmit); err != nil {
		return wrap("submit", err)
	}
	if err := sleep(ctx, r.cfg.AuthSettle); err != nil {
		return wrap("settle", err)
	}

	switch sess.Probe(ctx, r.sel.LoginError) {
	case automation.Present:
		text, _ := sess.Text(ctx, r.sel.LoginError)
		return fmt.Errorf("%w: %s", ErrAuth, strings.TrimSpace(text))
	case automation.Indeterminate:
		return fmt.Errorf("%w: login result could not be determined", ErrAuth)
	}

	if r.cfg.SkipAuthIndicator {
		return nil
	}
	if err := sess.WaitPresent(ctx, r.sel.FiltersLink, r.cfg.AuthWait); err != nil {
		return wrap("no post-login page", err)
	}
	return nil
}

func (r *Runner) applyFilters(ctx context.Context, sess automation.Session, acct model.Account, log *joblog.Logger) error {
	wrap := func(step string, err error) error {
		log.Error("Error: "+step, joblog.WithError(err))
		return fmt.Errorf("%w: %s: %v", ErrFilters, strings.ToLower(step), err)
	}

	if err := sess.Click(ctx, r.sel.FiltersLink); err != nil {
		return wrap("Click filters button", err)
	}
	if err := sess.EnterFrame(ctx, r.sel.FiltersFrame); err != nil {
		return wrap("Click filters button", err)
	}
	log.Debug("Success: Click filters button")

	if err := sess.Click(ctx, r.sel.DatesTab); err != nil {
		return wrap("Set date", err)
	}
	if err := sess.Clear(ctx, r.sel.DaysInput); err != nil {
		return wrap("Set date", err)
	}
	if err := sess.Type(ctx, r.sel.DaysInput, strconv.Itoa(r.cfg.DaysFromToday)); err != nil {
		return wrap("Set date", err)
	}
	if err := sess.PressEnter(ctx, r.sel.DaysInput); err != nil {
		return wrap("Set date", err)
	}
	if err := r.pacer.Pause(ctx); err != nil {
		return wrap("Set date", err)
	}
	log.Debug("Success: Set date")

	if err := sess.Click(ctx, r.sel.StoresTab); err != nil {
		return wrap("Set group", err)
	}
	if err := r.pacer.Pause(ctx); err != nil {
		return wrap("Set group", err)
	}
	selected, err := sess.Selected(ctx, automation.CSS(acct.GroupSelector))
	if err != nil {
		return wrap("Set group", err)
	}
	if !selected {
		if err := sess.Click(ctx, r.sel.SelectAll); err != nil {
			return wrap("Set group", err)
		}
		if err := r.pacer.Pause(ctx); err != nil {
			return wrap("Set group", err)
		}
	}
	log.Debug("Success: Set group")

	if err := sess.Click(ctx, r.sel.ApplyFilters); err != nil {
		return wrap("Apply filters", err)
	}
	if err := r.pacer.Pause(ctx); err != nil {
		return wrap("Apply filters", err)
	}
	if err := sess.ExitFrames(ctx); err != nil {
		return wrap("Apply filters", err)
	}
	return nil
}

func (r *Runner) report(ctx context.Context, sess automation.Session, acct model.Account, rep model.Report, dir string, log *joblog.Logger) (model.Outcome, acquire.Artifact, error) {
	log.Info(fmt.Sprintf("Starting export for report: %s", rep.Name), joblog.WithReport(rep.Name),
		joblog.WithMetadata(map[string]any{"report_id": rep.ReportID, "report_type": rep.Type, "account_id": acct.ID}))

	url := ReportURL(acct.BaseURL, rep.URLParam)
	if err := sess.Navigate(ctx, url); err != nil {
		return model.OutcomeFailed, acquire.Artifact{}, fmt.Errorf("%w: %v", ErrNavigation, err)
	}
	if err := r.pacer.Pause(ctx); err != nil {
		return model.OutcomeFailed, acquire.Artifact{}, err
	}
	log.Debug(fmt.Sprintf("Success: Navigate to report URL: %s", url), joblog.WithReport(rep.Name))

	switch r.displayed(ctx, sess, r.sel.ErrorGrid) {
	case automation.Present:
		return model.OutcomeFailed, acquire.Artifact{}, fmt.Errorf("%w: %s", ErrInvalidTarget, url)
	case automation.Indeterminate:
		return model.OutcomeFailed, acquire.Artifact{}, fmt.Errorf("%w: cannot read error grid state on %s", ErrNavigation, url)
	}
	switch r.displayed(ctx, sess, r.sel.EmptyGrid) {
	case automation.Present:
		return model.OutcomeNoData, acquire.Artifact{}, nil
	case automation.Indeterminate:
		return model.OutcomeFailed, acquire.Artifact{}, fmt.Errorf("%w: cannot read empty grid state on %s", ErrNavigation, url)
	}

	art, err := r.acq.Acquire(ctx, sess, dir, acct.ID, rep.Name)
	if err != nil {
		return model.OutcomeFailed, acquire.Artifact{}, err
	}
	log.Debug(fmt.Sprintf("Success: Rename report to %s", art.Name), joblog.WithReport(rep.Name))

	if r.cfg.InspectArtifacts {
		r.inspect(art, rep, log)
	}
	return model.OutcomeSuccess, art, nil
}

// displayed asks once more when the first answer is Indeterminate, for
// example while the page is still swapping documents.
func (r *Runner) displayed(ctx context.Context, sess automation.Session, loc automation.Locator) automation.Presence {
	p := sess.Displayed(ctx, loc)
	if p != automation.Indeterminate {
		return p
	}
	if err := r.pacer.Pause(ctx); err != nil {
		return automation.Indeterminate
	}
	return sess.Displayed(ctx, loc)
}

// inspect never fails the report; problems become warnings.
func (r *Runner) inspect(art acquire.Artifact, rep model.Report, log *joblog.Logger) {
	s, err := inspect.File(art.Path, rep.ColumnManifest())
	if err != nil {
		log.Warning(fmt.Sprintf("Warning: Could not inspect report: %s", rep.Name), joblog.WithReport(rep.Name), joblog.WithError(err))
		return
	}
	if len(s.MissingColumns) > 0 {
		log.Warning(fmt.Sprintf("Warning: Report %s is missing columns", rep.Name), joblog.WithReport(rep.Name), joblog.WithMetadata(s.Metadata()))
		return
	}
	log.Debug(fmt.Sprintf("Success: Inspect report: %s", rep.Name), joblog.WithReport(rep.Name), joblog.WithMetadata(s.Metadata()))
}

// reset returns the session to the top-level document and clears any
// native dialog so the next report starts clean.
func (r *Runner) reset(ctx context.Context, sess automation.Session, log *joblog.Logger) {
	if err := sess.ExitFrames(ctx); err != nil {
		log.Error("Error: Reset browser state", joblog.WithError(err))
	}
	if err := sess.DismissDialog(ctx); err != nil && !errors.Is(err, automation.ErrNoDialog) {
		log.Error("Error: Reset browser state", joblog.WithError(err))
	}
	_ = r.pacer.Pause(ctx)
}

// teardown logs out. Failures are logged only.
func (r *Runner) teardown(ctx context.Context, sess automation.Session, acct model.Account, log *joblog.Logger) {
	fail := func(err error) {
		log.Error(fmt.Sprintf("Error: Logout from account %s", acct.ID), joblog.WithError(err))
	}
	if err := sess.Navigate(ctx, LandingURL(acct.BaseURL)); err != nil {
		fail(err)
		return
	}
	if err := r.pacer.Pause(ctx); err != nil {
		fail(err)
		return
	}
	_ = sess.WaitInvisible(ctx, r.sel.Overlay, r.cfg.OverlayWait)
	if err := sess.Click(ctx, r.sel.NavMenu); err != nil {
		fail(err)
		return
	}
	if err := r.pacer.Pause(ctx); err != nil {
		fail(err)
		return
	}
	if err := sess.Click(ctx, r.sel.LogoutLink); err != nil {
		fail(err)
		return
	}
	log.Debug(fmt.Sprintf("Success: Logout from account %s", acct.ID))
}

// ReportURL builds the address of a report page from the login URL.
func ReportURL(baseURL, param string) string {
	base := strings.TrimSuffix(baseURL, "/login.html")
	return base + "/" + param + ".html"
}

// LandingURL is the post-login dashboard of the account.
func LandingURL(baseURL string) string {
	return strings.Replace(baseURL, "login", "dashboards", 1)
}
