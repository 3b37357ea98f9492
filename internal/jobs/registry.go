package jobs

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"posreports/internal/workflow"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicate         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Record is the externally visible state of a job.
type Record struct {
	ID        string             `json:"job_id"`
	Status    Status             `json:"status"`
	Message   string             `json:"message"`
	Timestamp time.Time          `json:"timestamp"`
	CreatedAt time.Time          `json:"created_at"`
	AccountID string             `json:"account_id,omitempty"`
	Progress  map[string]string  `json:"progress"`
	Error     string             `json:"error,omitempty"`
	Accounts  []workflow.Summary `json:"accounts,omitempty"`
}

func (r Record) clone() Record {
	r.Progress = maps.Clone(r.Progress)
	if r.Progress == nil {
		r.Progress = map[string]string{}
	}
	r.Accounts = append([]workflow.Summary(nil), r.Accounts...)
	return r
}

// Registry holds every job of the process lifetime. All access goes
// through a single lock; callers only ever see copies.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Record
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Record), now: time.Now}
}

// Create registers a new pending job.
func (r *Registry) Create(id, accountID, message string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	now := r.now().UTC()
	rec := &Record{
		ID:        id,
		Status:    StatusPending,
		Message:   message,
		Timestamp: now,
		CreatedAt: now,
		AccountID: accountID,
		Progress:  map[string]string{},
	}
	r.jobs[id] = rec
	return rec.clone(), nil
}

func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// Transition moves a job to status to. errMsg is recorded for failed
// jobs and ignored otherwise.
func (r *Registry) Transition(id string, to Status, message, errMsg string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !IsValidTransition(rec.Status, to) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}
	rec.Status = to
	rec.Message = message
	rec.Timestamp = r.now().UTC()
	if to == StatusFailed {
		rec.Error = errMsg
	}
	return rec.clone(), nil
}

// SetProgress merges kv into the progress map of a running job.
func (r *Registry) SetProgress(id string, kv map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Progress == nil {
		rec.Progress = make(map[string]string, len(kv))
	}
	maps.Copy(rec.Progress, kv)
	rec.Timestamp = r.now().UTC()
	return nil
}

// AddAccount appends the outcome of one account.
func (r *Registry) AddAccount(id string, s workflow.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	rec.Accounts = append(rec.Accounts, s)
	return nil
}

// List returns all jobs, newest first.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
