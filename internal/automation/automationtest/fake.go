// Package automationtest provides a scriptable in-memory automation
// driver for workflow tests.
package automationtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"posreports/internal/automation"
)

// Element is the fake state of one element.
type Element struct {
	Hidden   bool
	Disabled bool
	Text     string
	Selected bool
	// ClickErr makes a pointer click fail, for example when the element
	// is obstructed; ScriptClick still succeeds.
	ClickErr error
	// ClickDelay is how long a failing pointer click takes, like a
	// browser retrying on a covered element.
	ClickDelay time.Duration
	// Frame marks the element as an iframe that can be entered.
	Frame bool
}

// Page is the set of elements rendered at one URL.
type Page map[automation.Locator]*Element

// ClickHook runs after a successful click on loc.
type ClickHook func(s *Session, loc automation.Locator) error

// Driver is an automation.Driver that hands out fake sessions.
type Driver struct {
	// Pages maps URLs to the page rendered there; unknown URLs render an
	// empty page.
	Pages    map[string]Page
	OnClick  ClickHook
	OpenErr  error
	CheckErr error
	// Unsure makes Probe and Displayed answer Indeterminate for a
	// locator this many times; a negative count never runs out.
	Unsure map[automation.Locator]int

	mu       sync.Mutex
	sessions []*Session
	live     map[string][]*Session
	reaped   map[string]int
}

func NewDriver() *Driver {
	return &Driver{
		Pages:  make(map[string]Page),
		Unsure: make(map[automation.Locator]int),
		live:   make(map[string][]*Session),
		reaped: make(map[string]int),
	}
}

func (d *Driver) Check() error { return d.CheckErr }

func (d *Driver) Open(ctx context.Context, opts automation.SessionOptions) (automation.Session, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &Session{
		driver:  d,
		Owner:   opts.Owner,
		Dir:     opts.DownloadDir,
		current: Page{},
	}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.live[opts.Owner] = append(d.live[opts.Owner], s)
	d.mu.Unlock()
	return s, nil
}

func (d *Driver) Reap(ctx context.Context, owner string) (int, error) {
	d.mu.Lock()
	stale := d.live[owner]
	delete(d.live, owner)
	d.reaped[owner] += len(stale)
	d.mu.Unlock()
	for _, s := range stale {
		s.markClosed()
	}
	return len(stale), nil
}

// Sessions returns every session opened so far.
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Reaped returns how many stale sessions were reaped for owner.
func (d *Driver) Reaped(owner string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reaped[owner]
}

func (d *Driver) page(url string) Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := d.Pages[url]
	out := make(Page, len(src))
	for k, v := range src {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (d *Driver) unsure(loc automation.Locator) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.Unsure[loc]
	if n == 0 {
		return false
	}
	if n > 0 {
		d.Unsure[loc] = n - 1
	}
	return true
}

func (d *Driver) release(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.live[s.Owner]
	for i, other := range list {
		if other == s {
			d.live[s.Owner] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.live[s.Owner]) == 0 {
		delete(d.live, s.Owner)
	}
}

// Session records every call it receives.
type Session struct {
	driver *Driver
	Owner  string
	Dir    string

	mu         sync.Mutex
	url        string
	current    Page
	frameDepth int
	dialog     bool
	closed     bool
	calls      []string
	visited    []string
}

func (s *Session) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded call log.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Visited returns the URLs navigated to, in order.
func (s *Session) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visited...)
}

// Closed reports whether the session was closed or reaped.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FrameDepth reports how many frames are currently entered.
func (s *Session) FrameDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameDepth
}

// Set adds or replaces an element on the current page.
func (s *Session) Set(loc automation.Locator, el Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[loc] = &el
}

// Remove deletes an element from the current page.
func (s *Session) Remove(loc automation.Locator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, loc)
}

// OpenDialog simulates a native alert blocking the page.
func (s *Session) OpenDialog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialog = true
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Session) lookup(loc automation.Locator) (*Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.current[loc]
	return el, ok
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	page := s.driver.page(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("navigate %s", url)
	if s.closed {
		return fmt.Errorf("session closed")
	}
	s.url = url
	s.visited = append(s.visited, url)
	s.current = page
	s.frameDepth = 0
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, nil
}

func (s *Session) Probe(ctx context.Context, loc automation.Locator) automation.Presence {
	if s.driver.unsure(loc) {
		return automation.Indeterminate
	}
	if _, ok := s.lookup(loc); ok {
		return automation.Present
	}
	return automation.Absent
}

func (s *Session) Displayed(ctx context.Context, loc automation.Locator) automation.Presence {
	if s.driver.unsure(loc) {
		return automation.Indeterminate
	}
	el, ok := s.lookup(loc)
	if !ok || el.Hidden {
		return automation.Absent
	}
	return automation.Present
}

func (s *Session) poll(ctx context.Context, timeout time.Duration, loc automation.Locator, done func(*Element, bool) bool) error {
	wctx, cancel := automation.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		el, ok := s.lookup(loc)
		if done(el, ok) {
			return nil
		}
		select {
		case <-wctx.Done():
			return fmt.Errorf("%w: %s", automation.ErrTimeout, loc)
		case <-ticker.C:
		}
	}
}

func (s *Session) WaitPresent(ctx context.Context, loc automation.Locator, timeout time.Duration) error {
	return s.poll(ctx, timeout, loc, func(_ *Element, ok bool) bool { return ok })
}

func (s *Session) WaitInvisible(ctx context.Context, loc automation.Locator, timeout time.Duration) error {
	return s.poll(ctx, timeout, loc, func(el *Element, ok bool) bool { return !ok || el.Hidden })
}

func (s *Session) WaitClickable(ctx context.Context, loc automation.Locator, timeout time.Duration) error {
	return s.poll(ctx, timeout, loc, func(el *Element, ok bool) bool {
		return ok && !el.Hidden && !el.Disabled
	})
}

func (s *Session) require(op string, loc automation.Locator) (*Element, error) {
	s.mu.Lock()
	s.record("%s %s", op, loc)
	dialog := s.dialog
	s.mu.Unlock()
	if dialog {
		return nil, fmt.Errorf("unexpected alert open")
	}
	el, ok := s.lookup(loc)
	if !ok {
		return nil, fmt.Errorf("%w: %s", automation.ErrNotFound, loc)
	}
	return el, nil
}

func (s *Session) Click(ctx context.Context, loc automation.Locator) error {
	el, err := s.require("click", loc)
	if err != nil {
		return err
	}
	if el.ClickErr != nil {
		if el.ClickDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(el.ClickDelay):
			}
		}
		return el.ClickErr
	}
	return s.afterClick(loc)
}

func (s *Session) ScriptClick(ctx context.Context, loc automation.Locator) error {
	if _, err := s.require("script-click", loc); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.afterClick(loc)
}

func (s *Session) afterClick(loc automation.Locator) error {
	if s.driver.OnClick != nil {
		return s.driver.OnClick(s, loc)
	}
	return nil
}

func (s *Session) ScrollIntoView(ctx context.Context, loc automation.Locator) error {
	_, err := s.require("scroll", loc)
	return err
}

func (s *Session) Clear(ctx context.Context, loc automation.Locator) error {
	el, err := s.require("clear", loc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	el.Text = ""
	s.mu.Unlock()
	return nil
}

func (s *Session) Type(ctx context.Context, loc automation.Locator, text string) error {
	el, err := s.require("type", loc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	el.Text += text
	s.mu.Unlock()
	return nil
}

func (s *Session) PressEnter(ctx context.Context, loc automation.Locator) error {
	_, err := s.require("enter", loc)
	return err
}

func (s *Session) Text(ctx context.Context, loc automation.Locator) (string, error) {
	el, err := s.require("text", loc)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return el.Text, nil
}

func (s *Session) Selected(ctx context.Context, loc automation.Locator) (bool, error) {
	el, err := s.require("selected", loc)
	if err != nil {
		return false, err
	}
	return el.Selected, nil
}

func (s *Session) EnterFrame(ctx context.Context, loc automation.Locator) error {
	el, err := s.require("enter-frame", loc)
	if err != nil {
		return err
	}
	if !el.Frame {
		return fmt.Errorf("%s is not a frame", loc)
	}
	s.mu.Lock()
	s.frameDepth++
	s.mu.Unlock()
	return nil
}

func (s *Session) ExitFrames(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("exit-frames")
	s.frameDepth = 0
	return nil
}

func (s *Session) SetDownloadDir(ctx context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("download-dir")
	s.Dir = dir
	return nil
}

// DownloadDir is the directory downloads currently go to.
func (s *Session) DownloadDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Dir
}

func (s *Session) DismissDialog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dialog {
		return automation.ErrNoDialog
	}
	s.record("dismiss-dialog")
	s.dialog = false
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.record("close")
	s.closed = true
	s.mu.Unlock()
	s.driver.release(s)
	return nil
}
