// Package acquire turns a click on a report's export button into a
// renamed artifact in the job workspace.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"posreports/internal/automation"
)

var (
	ErrTriggerNotFound = errors.New("download trigger not found")
	ErrDownloadTimeout = errors.New("download did not complete in time")
)

// in-progress download suffixes written by Chromium and Firefox
var partialSuffixes = []string{".crdownload", ".part", ".tmp"}

const stagingPrefix = ".incoming-"

// Pacer inserts a human-like pause between UI actions.
type Pacer interface {
	Pause(ctx context.Context) error
}

// Targets are the page elements the protocol interacts with.
type Targets struct {
	Loading automation.Locator
	Trigger automation.Locator
}

type Config struct {
	LoadingWait  time.Duration
	TriggerWait  time.Duration
	Budget       time.Duration
	PollInterval time.Duration
	Extension    string
}

// Artifact is a completed, renamed download.
type Artifact struct {
	Path string
	Name string
	Size int64
}

// Protocol runs the trigger / wait / rename sequence.
type Protocol struct {
	cfg     Config
	targets Targets
	pacer   Pacer
	now     func() time.Time
}

func New(cfg Config, targets Targets, pacer Pacer) *Protocol {
	if cfg.LoadingWait <= 0 {
		cfg.LoadingWait = 5 * time.Second
	}
	if cfg.TriggerWait <= 0 {
		cfg.TriggerWait = 10 * time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Extension == "" {
		cfg.Extension = ".xls"
	}
	return &Protocol{cfg: cfg, targets: targets, pacer: pacer, now: time.Now}
}

// Acquire clicks the download trigger on the current page and waits for
// the resulting file, then renames it into dir after accountID and
// reportName.
//
// Every attempt downloads into its own staging directory under dir. A
// download that completes after its own attempt timed out lands in that
// attempt's staging directory and can never be taken for the export of
// a later report.
func (p *Protocol) Acquire(ctx context.Context, sess automation.Session, dir, accountID, reportName string) (Artifact, error) {
	staging, err := os.MkdirTemp(dir, stagingPrefix)
	if err != nil {
		return Artifact{}, fmt.Errorf("create staging dir: %w", err)
	}
	if err := sess.SetDownloadDir(ctx, staging); err != nil {
		_ = os.Remove(staging)
		return Artifact{}, fmt.Errorf("set download dir: %w", err)
	}
	// A lingering loading overlay only delays the trigger.
	_ = sess.WaitInvisible(ctx, p.targets.Loading, p.cfg.LoadingWait)

	if err := p.Trigger(ctx, sess); err != nil {
		_ = os.Remove(staging)
		return Artifact{}, err
	}

	bctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()
	path, size, err := WaitForDownload(bctx, staging, p.cfg.Extension, p.cfg.PollInterval, nil)
	if err != nil {
		// staging stays so a late file has somewhere to land
		return Artifact{}, err
	}

	name, err := Rename(path, dir, accountID, reportName, p.cfg.Extension, p.now())
	if err != nil {
		return Artifact{}, err
	}
	_ = os.RemoveAll(staging)
	return Artifact{Path: filepath.Join(dir, name), Name: name, Size: size}, nil
}

// Trigger waits for the export button, brings it into view and clicks
// it. A failed pointer click falls back to a script click. The session
// bounds each click by its action timeout, so a pointer click on an
// obstructed button leaves ctx usable for the fallback.
func (p *Protocol) Trigger(ctx context.Context, sess automation.Session) error {
	wait := p.cfg.TriggerWait
	if err := sess.WaitClickable(ctx, p.targets.Trigger, wait); err != nil {
		return fmt.Errorf("%w: %v", ErrTriggerNotFound, err)
	}
	if err := sess.ScrollIntoView(ctx, p.targets.Trigger); err != nil {
		return fmt.Errorf("%w: %v", ErrTriggerNotFound, err)
	}
	if p.pacer != nil {
		if err := p.pacer.Pause(ctx); err != nil {
			return err
		}
	}
	if err := sess.Click(ctx, p.targets.Trigger); err != nil {
		if err := sess.ScriptClick(ctx, p.targets.Trigger); err != nil {
			return fmt.Errorf("click download trigger: %w", err)
		}
	}
	return nil
}

// WaitForDownload polls dir until the most recently modified file with
// extension ext reports the same non-zero size on two consecutive
// polls. Files named in baseline and in-progress downloads are never
// candidates. It returns ErrDownloadTimeout when ctx ends first.
func WaitForDownload(ctx context.Context, dir, ext string, interval time.Duration, baseline map[string]struct{}) (string, int64, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	return waitStable(ctx, ticker.C, func() (string, int64, error) {
		return newestCandidate(dir, ext, baseline)
	})
}

// waitStable calls scan once up front and again on every tick until it
// names the same file with the same non-zero size twice in a row.
func waitStable(ctx context.Context, tick <-chan time.Time, scan func() (string, int64, error)) (string, int64, error) {
	var (
		lastPath string
		lastSize int64 = -1
	)
	for {
		path, size, err := scan()
		if err != nil {
			return "", 0, fmt.Errorf("scan downloads: %w", err)
		}
		if path != "" {
			if path == lastPath && size == lastSize && size > 0 {
				return path, size, nil
			}
			lastPath, lastSize = path, size
		}

		select {
		case <-ctx.Done():
			return "", 0, fmt.Errorf("%w: %v", ErrDownloadTimeout, ctx.Err())
		case <-tick:
		}
	}
}

func newestCandidate(dir, ext string, baseline map[string]struct{}) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, err
	}
	var (
		best    string
		bestMod time.Time
		size    int64
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) || isPartial(name) {
			continue
		}
		if _, old := baseline[name]; old {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// vanished between ReadDir and Info; the browser renamed it
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best, bestMod, size = filepath.Join(dir, name), info.ModTime(), info.Size()
		}
	}
	return best, size, nil
}

func isPartial(name string) bool {
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// ArtifactName is the deterministic name of a report artifact.
func ArtifactName(accountID, reportName, ext string, at time.Time) string {
	stem := strings.TrimSuffix(reportName, filepath.Ext(reportName))
	stem = strings.NewReplacer("/", "_", `\`, "_").Replace(stem)
	return fmt.Sprintf("accountID=%s:%s_%s%s", accountID, stem, at.Format("20060102_150405"), ext)
}

// Rename moves src into dir under its artifact name. If the name is
// taken a numeric suffix is added before the extension. It returns the
// new base name.
func Rename(src, dir, accountID, reportName, ext string, at time.Time) (string, error) {
	name := ArtifactName(accountID, reportName, ext, at)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			break
		}
		name = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
	if err := os.Rename(src, filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return name, nil
}
