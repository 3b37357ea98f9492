// Package rodauto implements the automation capability on top of a real
// Chromium instance driven through go-rod.
package rodauto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/time/rate"

	"posreports/internal/automation"
)

// Options mirrors the browser section of the service config.
type Options struct {
	Bin           string
	ControlURL    string
	Headless      bool
	NoSandbox     bool
	Display       string
	WindowSize    string
	ActionTimeout time.Duration

	// LaunchesPerMinute caps how often new browser sessions start
	// across all jobs. Zero means unlimited.
	LaunchesPerMinute int
}

// Driver launches one browser per session and remembers which owner
// launched it so crashed sessions can be reaped.
type Driver struct {
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	live map[string][]*Session
}

func NewDriver(opts Options, logger *slog.Logger) *Driver {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{opts: opts, logger: logger, live: make(map[string][]*Session)}
	if opts.LaunchesPerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.LaunchesPerMinute)), 1)
	}
	return d
}

// Check verifies a browser binary can be found (or a remote browser is
// configured) and that a display is available for headful runs.
func (d *Driver) Check() error {
	if d.opts.ControlURL != "" {
		return nil
	}
	if d.opts.Bin != "" {
		if _, err := os.Stat(d.opts.Bin); err != nil {
			return fmt.Errorf("%w: browser binary %s: %v", automation.ErrUnavailable, d.opts.Bin, err)
		}
	} else if _, ok := launcher.LookPath(); !ok {
		return fmt.Errorf("%w: no browser binary found", automation.ErrUnavailable)
	}
	if !d.opts.Headless && d.opts.Display == "" {
		return fmt.Errorf("%w: DISPLAY not set for headful browser", automation.ErrUnavailable)
	}
	return nil
}

func (d *Driver) Open(ctx context.Context, opts automation.SessionOptions) (automation.Session, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for launch slot: %w", err)
		}
	}
	var (
		l          *launcher.Launcher
		controlURL = d.opts.ControlURL
	)
	if controlURL == "" {
		l = launcher.New().
			Headless(d.opts.Headless).
			NoSandbox(d.opts.NoSandbox).
			Set("disable-dev-shm-usage").
			Set("disable-gpu").
			Set("window-size", d.opts.WindowSize)
		if d.opts.Bin != "" {
			l = l.Bin(d.opts.Bin)
		}
		if d.opts.Display != "" {
			l = l.Env(append(os.Environ(), "DISPLAY="+d.opts.Display)...)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	if opts.DownloadDir != "" {
		if err := setDownloadDir(browser, opts.DownloadDir); err != nil {
			_ = browser.Close()
			if l != nil {
				l.Kill()
			}
			return nil, fmt.Errorf("set download dir: %w", err)
		}
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("open page: %w", err)
	}

	s := &Session{
		driver:  d,
		owner:   opts.Owner,
		browser: browser,
		launch:  l,
		main:    page,
		timeout: d.opts.ActionTimeout,
	}

	d.mu.Lock()
	d.live[opts.Owner] = append(d.live[opts.Owner], s)
	d.mu.Unlock()

	d.logger.Debug("browser_session_opened", "owner", opts.Owner, "download_dir", opts.DownloadDir)
	return s, nil
}

func (d *Driver) Reap(ctx context.Context, owner string) (int, error) {
	d.mu.Lock()
	stale := d.live[owner]
	delete(d.live, owner)
	d.mu.Unlock()

	var errs []error
	for _, s := range stale {
		if err := s.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(stale) > 0 {
		d.logger.Info("browser_sessions_reaped", "owner", owner, "count", len(stale))
	}
	return len(stale), errors.Join(errs...)
}

func (d *Driver) forget(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.live[s.owner]
	for i, other := range list {
		if other == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.live, s.owner)
	} else {
		d.live[s.owner] = list
	}
}

// Session is a single browser with one tab. Frames entered with
// EnterFrame are kept on a stack; the top of the stack receives all
// element operations.
type Session struct {
	driver  *Driver
	owner   string
	browser *rod.Browser
	launch  *launcher.Launcher
	main    *rod.Page
	frames  []*rod.Page
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) current() *rod.Page {
	if n := len(s.frames); n > 0 {
		return s.frames[n-1]
	}
	return s.main
}

// find dispatches a locator to the matching rod query. It waits until
// the element appears or ctx ends.
func (s *Session) find(ctx context.Context, loc automation.Locator) (*rod.Element, error) {
	p := s.current().Context(ctx)
	var (
		el  *rod.Element
		err error
	)
	switch loc.Strategy {
	case automation.ByID:
		el, err = p.Element(idSelector(loc.Value))
	case automation.ByCSS:
		el, err = p.Element(loc.Value)
	case automation.ByXPath:
		el, err = p.ElementX(loc.Value)
	case automation.ByLinkText:
		el, err = p.ElementR("a", linkTextPattern(loc.Value))
	default:
		return nil, fmt.Errorf("unsupported locator %s", loc)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", automation.ErrNotFound, loc)
		}
		return nil, err
	}
	return el, nil
}

// has is the non-waiting counterpart of find.
func (s *Session) has(ctx context.Context, loc automation.Locator) (bool, *rod.Element, error) {
	p := s.current().Context(ctx)
	switch loc.Strategy {
	case automation.ByID:
		return p.Has(idSelector(loc.Value))
	case automation.ByCSS:
		return p.Has(loc.Value)
	case automation.ByXPath:
		return p.HasX(loc.Value)
	case automation.ByLinkText:
		return p.HasR("a", linkTextPattern(loc.Value))
	default:
		return false, nil, fmt.Errorf("unsupported locator %s", loc)
	}
}

// findNow looks an element up and binds it to a context bounded by the
// action timeout, so no single action outlives it. The caller must
// call the returned cancel once the action is done.
func (s *Session) findNow(ctx context.Context, loc automation.Locator) (*rod.Element, context.CancelFunc, error) {
	actx, cancel := automation.WithTimeout(ctx, s.timeout)
	el, err := s.find(actx, loc)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return el.Context(actx), cancel, nil
}

func idSelector(id string) string {
	return fmt.Sprintf("[id=%q]", id)
}

func linkTextPattern(text string) string {
	return "/^\\s*" + regexp.QuoteMeta(text) + "\\s*$/"
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	p := s.main.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	s.frames = nil
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	info, err := s.main.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (s *Session) Probe(ctx context.Context, loc automation.Locator) automation.Presence {
	ok, _, err := s.has(ctx, loc)
	if err != nil {
		return automation.Indeterminate
	}
	if ok {
		return automation.Present
	}
	return automation.Absent
}

func (s *Session) Displayed(ctx context.Context, loc automation.Locator) automation.Presence {
	ok, el, err := s.has(ctx, loc)
	if err != nil {
		return automation.Indeterminate
	}
	if !ok {
		return automation.Absent
	}
	visible, err := el.Context(ctx).Visible()
	if err != nil {
		return automation.Indeterminate
	}
	if visible {
		return automation.Present
	}
	return automation.Absent
}

func (s *Session) WaitPresent(ctx context.Context, loc automation.Locator, timeout time.Duration) error {
	wctx, cancel := automation.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.find(wctx, loc); err != nil {
		if wctx.Err() != nil {
			return fmt.Errorf("%w: %s", automation.ErrTimeout, loc)
		}
		return err
	}
	return nil
}

func (s *Session) WaitInvisible(ctx context.Context, loc automation.Locator, timeout time.Duration) error {
	wctx, cancel := automation.WithTimeout(ctx, timeout)
	defer cancel()
	ok, el, err := s.has(wctx, loc)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := el.Context(wctx).WaitInvisible(); err != nil {
		if wctx.Err() != nil {
			return fmt.Errorf("%w: %s", automation.ErrTimeout, loc)
		}
		return err
	}
	return nil
}

func (s *Session) WaitClickable(ctx context.Context, loc automation.Locator, timeout time.Duration) error {
	wctx, cancel := automation.WithTimeout(ctx, timeout)
	defer cancel()
	el, err := s.find(wctx, loc)
	if err == nil {
		el = el.Context(wctx)
		if err = el.WaitVisible(); err == nil {
			err = el.WaitEnabled()
		}
	}
	if err != nil && wctx.Err() != nil {
		return fmt.Errorf("%w: %s", automation.ErrTimeout, loc)
	}
	return err
}

// Click performs a pointer click. rod keeps waiting while another
// element covers the target, so coverage is checked once up front and
// reported at once; callers fall back to ScriptClick.
func (s *Session) Click(ctx context.Context, loc automation.Locator) error {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return err
	}
	defer cancel()
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	if _, err := el.Interactable(); err != nil {
		var covered *rod.CoveredError
		if errors.As(err, &covered) {
			return fmt.Errorf("click %s: %w", loc, err)
		}
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *Session) ScriptClick(ctx context.Context, loc automation.Locator) error {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = el.Eval(`() => this.click()`)
	return err
}

func (s *Session) ScrollIntoView(ctx context.Context, loc automation.Locator) error {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return err
	}
	defer cancel()
	return el.ScrollIntoView()
}

func (s *Session) Clear(ctx context.Context, loc automation.Locator) error {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = el.Eval(`() => { this.value = '' }`)
	return err
}

func (s *Session) Type(ctx context.Context, loc automation.Locator, text string) error {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return err
	}
	defer cancel()
	return el.Input(text)
}

func (s *Session) PressEnter(ctx context.Context, loc automation.Locator) error {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return err
	}
	defer cancel()
	return el.Type(input.Enter)
}

func (s *Session) Text(ctx context.Context, loc automation.Locator) (string, error) {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return "", err
	}
	defer cancel()
	return el.Text()
}

func (s *Session) Selected(ctx context.Context, loc automation.Locator) (bool, error) {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return false, err
	}
	defer cancel()
	res, err := el.Eval(`() => !!(this.checked || this.selected)`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (s *Session) EnterFrame(ctx context.Context, loc automation.Locator) error {
	el, cancel, err := s.findNow(ctx, loc)
	if err != nil {
		return err
	}
	defer cancel()
	// The frame outlives this call, so it must not keep the action
	// deadline.
	frame, err := el.Context(ctx).Frame()
	if err != nil {
		return fmt.Errorf("enter frame %s: %w", loc, err)
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *Session) ExitFrames(ctx context.Context) error {
	s.frames = nil
	return nil
}

func (s *Session) DismissDialog(ctx context.Context) error {
	err := proto.PageHandleJavaScriptDialog{Accept: true}.Call(s.main.Context(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", automation.ErrNoDialog, err)
	}
	return nil
}

func (s *Session) SetDownloadDir(ctx context.Context, dir string) error {
	return setDownloadDir(s.browser.Context(ctx), dir)
}

func setDownloadDir(b *rod.Browser, dir string) error {
	return proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath:  dir,
		EventsEnabled: true,
	}.Call(b)
}

// Close releases the tab, the browser connection and the launched
// process. It is safe to call more than once.
func (s *Session) Close() error {
	err := s.shutdown()
	s.driver.forget(s)
	return err
}

func (s *Session) shutdown() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.main != nil {
			if err := s.main.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.launch != nil {
			s.launch.Kill()
			s.launch.Cleanup()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
