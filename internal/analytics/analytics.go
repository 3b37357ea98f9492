// Package analytics ships job log events to an external store. It is
// best effort: events are batched in memory, flushed on size or on a
// ticker, retried a few times and then dropped.
package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"posreports/internal/metrics"
)

// Event is one structured job log record.
type Event struct {
	JobID        string         `json:"job_id"`
	TaskID       string         `json:"task_id"`
	Seq          int64          `json:"seq"`
	Level        string         `json:"level"`
	Message      string         `json:"message"`
	AccountID    string         `json:"account_id,omitempty"`
	ReportName   string         `json:"report_name,omitempty"`
	ErrorDetails string         `json:"error_details,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	EmittedAt    time.Time      `json:"timestamp"`
	RecordedAt   time.Time      `json:"created_at"`
}

var (
	ErrClosed  = errors.New("analytics sink closed")
	ErrDropped = errors.New("analytics buffer full, event dropped")
)

// Sink accepts events without blocking the caller.
type Sink interface {
	Submit(e Event) error
}

// Writer persists a batch of events.
type Writer interface {
	Write(ctx context.Context, events []Event) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Submit(Event) error { return nil }

// Options tunes the Batcher.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	MaxRetries    int
	RetryBase     time.Duration
}

// Batcher buffers events and writes them in batches from a single
// goroutine started by Start.
type Batcher struct {
	writer Writer
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	in chan Event

	mu     sync.RWMutex
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewBatcher(w Writer, opts Options, logger *slog.Logger) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 15 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		writer: w,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		in:     make(chan Event, opts.BufferSize),
		done:   make(chan struct{}),
	}
}

// Submit enqueues e. It never blocks: a full buffer drops the event.
func (b *Batcher) Submit(e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	e.RecordedAt = b.now()
	select {
	case b.in <- e:
		return nil
	default:
		metrics.RecordAnalyticsDropped(1)
		return ErrDropped
	}
}

// Start launches the flush loop. The loop ends when ctx is cancelled or
// Close is called; pending events get one final flush.
func (b *Batcher) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	go b.loop(ctx)
}

func (b *Batcher) loop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, b.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		b.write(ctx, batch)
		batch = make([]Event, 0, b.opts.BatchSize)
	}

	for {
		select {
		case e := <-b.in:
			batch = append(batch, e)
			if len(batch) >= b.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-b.in:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			// The parent context is gone; give the final write its own
			// short deadline.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			flush(fctx)
			cancel()
			return
		}
	}
}

func (b *Batcher) write(ctx context.Context, batch []Event) {
	backoff := retry.WithMaxRetries(uint64(b.opts.MaxRetries), retry.NewExponential(b.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := b.writer.Write(ctx, batch); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordAnalyticsFlush(false, len(batch))
		b.logger.Error("analytics_flush_failed", "events", len(batch), "error", err)
		return
	}
	metrics.RecordAnalyticsFlush(true, len(batch))
	b.logger.Debug("analytics_flushed", "events", len(batch))
}

// Close stops accepting events, flushes what is buffered and waits for
// the loop to exit or ctx to expire.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.cancel == nil {
		return nil
	}
	b.cancel()
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
