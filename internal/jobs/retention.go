package jobs

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"posreports/internal/joblog"
	"posreports/internal/metrics"
)

// RetentionOptions controls the periodic removal of old workspaces and
// log files. Schedule is a standard five-field cron spec or a
// descriptor such as "@hourly" or "@every 30m".
type RetentionOptions struct {
	Enabled  bool
	TTL      time.Duration
	Schedule string
}

// ParseSchedule parses a retention schedule. An empty spec runs hourly.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return cron.Every(time.Hour), nil
	}
	return cron.ParseStandard(spec)
}

// RetentionStats captures what one cleanup pass removed.
type RetentionStats struct {
	WorkspacesDeleted int64 `json:"workspacesDeleted"`
	LogsDeleted       int64 `json:"logsDeleted"`
}

// CleanupExpired deletes workspaces and log files of jobs older than the
// retention TTL so the data directory does not grow without bound. Jobs
// that are still pending or running are never touched.
func (o *Orchestrator) CleanupExpired(ctx context.Context) RetentionStats {
	var stats RetentionStats
	ttl := o.opts.Retention.TTL
	if ttl <= 0 {
		return stats
	}
	cutoff := time.Now().Add(-ttl)

	active := func(id string) bool {
		rec, err := o.deps.Registry.Get(id)
		return err == nil && !rec.Status.Terminal()
	}

	if entries, err := os.ReadDir(o.deps.Workspaces.Path()); err == nil {
		for _, e := range entries {
			if ctx.Err() != nil {
				return stats
			}
			if !e.IsDir() || active(e.Name()) || !olderThan(e, cutoff) {
				continue
			}
			if _, err := o.deps.Workspaces.DeleteAll(e.Name()); err == nil {
				stats.WorkspacesDeleted++
			}
		}
	}

	if entries, err := os.ReadDir(o.deps.LogsDir); err == nil {
		for _, e := range entries {
			if ctx.Err() != nil {
				break
			}
			id, ok := strings.CutSuffix(e.Name(), ".log")
			if e.IsDir() || !ok || active(id) || !olderThan(e, cutoff) {
				continue
			}
			if err := os.Remove(joblog.Path(o.deps.LogsDir, id)); err == nil || errors.Is(err, os.ErrNotExist) {
				stats.LogsDeleted++
			}
		}
	}

	metrics.RecordRetention(stats.WorkspacesDeleted, stats.LogsDeleted)
	if stats.WorkspacesDeleted > 0 || stats.LogsDeleted > 0 {
		o.deps.Logger.Info("retention_cleanup", "workspaces", stats.WorkspacesDeleted, "logs", stats.LogsDeleted)
	}
	return stats
}

func olderThan(e os.DirEntry, cutoff time.Time) bool {
	info, err := e.Info()
	return err == nil && info.ModTime().Before(cutoff)
}
