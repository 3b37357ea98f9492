// Package health inspects the runtime environment the workflow depends
// on: writable data directories, a display for headful browsers and the
// browser binary itself.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Checker is satisfied by automation.Driver.
type Checker interface {
	Check() error
}

// Pinger is an optional backing service such as Redis or Postgres.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Version string
	Display string
	// Headless and Remote browsers need no local display.
	Headless     bool
	Remote       bool
	LogsDir      string
	DownloadsDir string
	Browser      Checker
	Services     map[string]Pinger
	Timeout      time.Duration
}

type Environment struct {
	Display            string `json:"display"`
	LogsDirectory      string `json:"logs_directory"`
	LogsWritable       bool   `json:"logs_writable"`
	DownloadsDirectory string `json:"downloads_directory"`
	DownloadsWritable  bool   `json:"downloads_writable"`
	Browser            string `json:"browser"`
}

type Report struct {
	Status            string            `json:"status"`
	Timestamp         time.Time         `json:"timestamp"`
	Version           string            `json:"version"`
	Environment       Environment       `json:"environment"`
	EnvironmentIssues []string          `json:"environment_issues,omitempty"`
	Services          map[string]string `json:"services,omitempty"`
}

// Check runs every probe. Missing directories are created; doing so, a
// missing display for a local headful browser, an unusable browser or a failing service makes the
// report degraded. A directory that cannot be written makes it
// unhealthy.
func Check(ctx context.Context, opts Options) Report {
	rep := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   opts.Version,
		Environment: Environment{
			Display:            opts.Display,
			LogsDirectory:      opts.LogsDir,
			DownloadsDirectory: opts.DownloadsDir,
			Browser:            "ok",
		},
	}
	if rep.Environment.Display == "" {
		rep.Environment.Display = "not set"
		if !opts.Headless && !opts.Remote {
			rep.degrade("DISPLAY environment variable not set")
		}
	}

	rep.Environment.LogsWritable = rep.checkDir(opts.LogsDir, "logs")
	rep.Environment.DownloadsWritable = rep.checkDir(opts.DownloadsDir, "downloads")

	if opts.Browser != nil {
		if err := opts.Browser.Check(); err != nil {
			rep.Environment.Browser = "unavailable"
			rep.degrade(err.Error())
		}
	}

	if len(opts.Services) > 0 {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		names := make([]string, 0, len(opts.Services))
		for name := range opts.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		rep.Services = make(map[string]string, len(names))
		for _, name := range names {
			if err := opts.Services[name].Ping(pctx); err != nil {
				rep.Services[name] = "error"
				rep.degrade(fmt.Sprintf("%s unreachable: %v", name, err))
				continue
			}
			rep.Services[name] = "ok"
		}
	}
	return rep
}

func (r *Report) degrade(issue string) {
	r.EnvironmentIssues = append(r.EnvironmentIssues, issue)
	if r.Status == StatusHealthy {
		r.Status = StatusDegraded
	}
}

func (r *Report) checkDir(dir, name string) bool {
	if _, err := os.Stat(dir); err != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.EnvironmentIssues = append(r.EnvironmentIssues, fmt.Sprintf("Failed to create %s directory: %v", name, err))
			r.Status = StatusUnhealthy
			return false
		}
		r.degrade(fmt.Sprintf("Created missing %s directory %s", name, dir))
	}
	probe := filepath.Join(dir, ".test_write")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		r.EnvironmentIssues = append(r.EnvironmentIssues, fmt.Sprintf("Cannot write to %s directory: %v", name, err))
		r.Status = StatusUnhealthy
		return false
	}
	_ = os.Remove(probe)
	return true
}
