// Package joblog records the structured event stream of a single job.
// Every event gets the next task id of the job, is appended to the
// job's log file and is forwarded to the analytics sink.
package joblog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"posreports/internal/analytics"
)

type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ErrNoLogs is returned by ReadLines when a job has no log file.
var ErrNoLogs = errors.New("no logs for job")

const timeLayout = "2006-01-02 15:04:05"

// Option decorates a single event.
type Option func(*analytics.Event)

func WithReport(name string) Option {
	return func(e *analytics.Event) { e.ReportName = name }
}

func WithError(err error) Option {
	return func(e *analytics.Event) {
		if err != nil {
			e.ErrorDetails = err.Error()
		}
	}
}

// WithMetadata merges kv into the event metadata.
func WithMetadata(kv map[string]any) Option {
	return func(e *analytics.Event) {
		if len(kv) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(kv))
		}
		for k, v := range kv {
			e.Metadata[k] = v
		}
	}
}

// Logger is the log sink of one job. It is safe for concurrent use.
type Logger struct {
	jobID string
	sink  analytics.Sink
	diag  *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	seq       int64
	accountID string
	file      *os.File
	w         *bufio.Writer
}

// New creates the job log file under logsDir, truncating an existing
// one. sink may be nil.
func New(logsDir, jobID string, sink analytics.Sink, diag *slog.Logger) (*Logger, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	f, err := os.Create(Path(logsDir, jobID))
	if err != nil {
		return nil, fmt.Errorf("create job log: %w", err)
	}
	if sink == nil {
		sink = analytics.Nop{}
	}
	if diag == nil {
		diag = slog.Default()
	}
	return &Logger{
		jobID: jobID,
		sink:  sink,
		diag:  diag.With("job_id", jobID),
		now:   time.Now,
		file:  f,
		w:     bufio.NewWriter(f),
	}, nil
}

// Path returns the log file location of jobID.
func Path(logsDir, jobID string) string {
	return filepath.Join(logsDir, jobID+".log")
}

func (l *Logger) JobID() string { return l.jobID }

// SetAccount tags subsequent events with accountID.
func (l *Logger) SetAccount(accountID string) {
	l.mu.Lock()
	l.accountID = accountID
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, opts ...Option)    { l.log(LevelDebug, msg, opts) }
func (l *Logger) Info(msg string, opts ...Option)     { l.log(LevelInfo, msg, opts) }
func (l *Logger) Warning(msg string, opts ...Option)  { l.log(LevelWarning, msg, opts) }
func (l *Logger) Error(msg string, opts ...Option)    { l.log(LevelError, msg, opts) }
func (l *Logger) Critical(msg string, opts ...Option) { l.log(LevelCritical, msg, opts) }

func (l *Logger) log(level Level, msg string, opts []Option) {
	l.mu.Lock()
	l.seq++
	e := analytics.Event{
		JobID:     l.jobID,
		TaskID:    fmt.Sprintf("%s_%d", l.jobID, l.seq),
		Seq:       l.seq,
		Level:     string(level),
		Message:   msg,
		AccountID: l.accountID,
		EmittedAt: l.now(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if l.w != nil {
		fmt.Fprintf(l.w, "%s - %s - [job_id=%s task_id=%s] %s\n",
			e.EmittedAt.Format(timeLayout), e.Level, e.JobID, e.TaskID, msg)
		if err := l.w.Flush(); err != nil {
			l.diag.Warn("job_log_write_failed", "error", err)
		}
	}
	l.mu.Unlock()

	l.diag.Debug(msg, "task_id", e.TaskID, "level", e.Level, "report", e.ReportName, "error", e.ErrorDetails)

	if err := l.sink.Submit(e); err != nil {
		l.diag.Warn("analytics_submit_failed", "task_id", e.TaskID, "error", err)
	}
}

// Close flushes and closes the log file. Events logged afterwards still
// reach the sink but not the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.w.Flush()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file, l.w = nil, nil
	return err
}

// ReadLines returns the log lines of jobID in write order.
func ReadLines(ctx context.Context, logsDir, jobID string) ([]string, error) {
	f, err := os.Open(Path(logsDir, jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoLogs
		}
		return nil, fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	return lines, nil
}
