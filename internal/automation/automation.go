// Package automation defines the browser capability the report workflow
// drives. The workflow only ever speaks in Locators and Presence values;
// strategy-specific syntax lives in the driver implementations.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Strategy is the closed set of element location strategies.
type Strategy int

const (
	ByID Strategy = iota + 1
	ByCSS
	ByXPath
	ByLinkText
)

func (s Strategy) String() string {
	switch s {
	case ByID:
		return "id"
	case ByCSS:
		return "css"
	case ByXPath:
		return "xpath"
	case ByLinkText:
		return "link-text"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Locator identifies an element on the current page or frame.
type Locator struct {
	Strategy Strategy
	Value    string
}

func ID(v string) Locator       { return Locator{Strategy: ByID, Value: v} }
func CSS(v string) Locator      { return Locator{Strategy: ByCSS, Value: v} }
func XPath(v string) Locator    { return Locator{Strategy: ByXPath, Value: v} }
func LinkText(v string) Locator { return Locator{Strategy: ByLinkText, Value: v} }

func (l Locator) String() string {
	return l.Strategy.String() + "=" + l.Value
}

// Presence is the tri-state answer of a query. Indeterminate means the
// driver could not tell (page gone, protocol error) and callers must not
// read it as either presence or absence.
type Presence int

const (
	Indeterminate Presence = iota
	Present
	Absent
)

func (p Presence) String() string {
	switch p {
	case Present:
		return "present"
	case Absent:
		return "absent"
	default:
		return "indeterminate"
	}
}

var (
	// ErrNotFound is returned when an element is required but missing.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("wait timed out")
	// ErrNoDialog is returned by DismissDialog when nothing is open.
	ErrNoDialog = errors.New("no dialog open")
	// ErrUnavailable means the driver runtime is not usable on this host.
	ErrUnavailable = errors.New("automation runtime unavailable")
)

// SessionOptions configures a new exclusive browsing session.
type SessionOptions struct {
	// Owner tags the session so stale sessions of the same owner can be
	// reaped later.
	Owner       string
	DownloadDir string
}

// Driver creates sessions and cleans up after crashed ones.
type Driver interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
	// Reap terminates sessions of owner left alive by earlier attempts.
	// Sessions of other owners are never touched. It returns the number
	// of sessions it terminated.
	Reap(ctx context.Context, owner string) (int, error)
	// Check reports whether the runtime prerequisites are met.
	Check() error
}

// Session is one exclusive browsing session. It is not safe for
// concurrent use; a job drives it from a single goroutine.
type Session interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)

	// Probe checks element existence without waiting.
	Probe(ctx context.Context, loc Locator) Presence
	// Displayed reports whether the element exists and is shown.
	Displayed(ctx context.Context, loc Locator) Presence

	WaitPresent(ctx context.Context, loc Locator, timeout time.Duration) error
	WaitInvisible(ctx context.Context, loc Locator, timeout time.Duration) error
	WaitClickable(ctx context.Context, loc Locator, timeout time.Duration) error

	Click(ctx context.Context, loc Locator) error
	// ScriptClick invokes the element's click handler programmatically,
	// bypassing pointer hit-testing.
	ScriptClick(ctx context.Context, loc Locator) error
	ScrollIntoView(ctx context.Context, loc Locator) error
	Clear(ctx context.Context, loc Locator) error
	Type(ctx context.Context, loc Locator, text string) error
	PressEnter(ctx context.Context, loc Locator) error
	Text(ctx context.Context, loc Locator) (string, error)
	Selected(ctx context.Context, loc Locator) (bool, error)

	// EnterFrame switches subsequent calls into the frame element.
	EnterFrame(ctx context.Context, loc Locator) error
	// ExitFrames returns to the top-level document.
	ExitFrames(ctx context.Context) error
	DismissDialog(ctx context.Context) error

	// SetDownloadDir redirects downloads started from now on. Downloads
	// already in progress keep their directory.
	SetDownloadDir(ctx context.Context, dir string) error

	Close() error
}

// WithTimeout bounds ctx by d when d is positive.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
