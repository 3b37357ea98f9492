// Package reportcfg holds the active list of report descriptors that
// every new job runs.
package reportcfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"posreports/internal/model"
)

// ErrEmpty is returned by Active when no reports are configured.
var ErrEmpty = errors.New("no reports configured")

// Store is the source of report descriptors.
type Store interface {
	Get(ctx context.Context) ([]model.Report, error)
	Set(ctx context.Context, reports []model.Report) error
}

// Active returns the current list or ErrEmpty.
func Active(ctx context.Context, s Store) ([]model.Report, error) {
	reports, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrEmpty
	}
	return reports, nil
}

// MemoryStore keeps the list in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	reports []model.Report
}

func NewMemoryStore(initial []model.Report) *MemoryStore {
	return &MemoryStore{reports: slices.Clone(initial)}
}

func (m *MemoryStore) Get(context.Context) ([]model.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.reports), nil
}

func (m *MemoryStore) Set(_ context.Context, reports []model.Report) error {
	m.mu.Lock()
	m.reports = slices.Clone(numbered(reports))
	m.mu.Unlock()
	return nil
}

// RedisStore keeps the list as a JSON document under a single key so
// several service replicas share one configuration.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to the Redis instance at url.
func NewRedisStore(url, key string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opt), key: key}, nil
}

func (r *RedisStore) Get(ctx context.Context) ([]model.Report, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var reports []model.Report
	if err := json.Unmarshal(b, &reports); err != nil {
		return nil, fmt.Errorf("decode reports: %w", err)
	}
	return reports, nil
}

func (r *RedisStore) Set(ctx context.Context, reports []model.Report) error {
	b, err := json.Marshal(numbered(reports))
	if err != nil {
		return fmt.Errorf("encode reports: %w", err)
	}
	if err := r.client.Set(ctx, r.key, b, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// SeedIfEmpty writes reports into s unless s already holds a list.
func SeedIfEmpty(ctx context.Context, s Store, reports []model.Report) (bool, error) {
	current, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	if len(current) > 0 || len(reports) == 0 {
		return false, nil
	}
	return true, s.Set(ctx, reports)
}

type seedFile struct {
	Reports []model.Report `yaml:"reports"`
}

// LoadSeedFile reads a YAML file of the form `reports: [...]`.
func LoadSeedFile(path string) ([]model.Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return numbered(f.Reports), nil
}

// numbered fills missing row numbers with the 1-based list position.
func numbered(reports []model.Report) []model.Report {
	out := slices.Clone(reports)
	for i := range out {
		if out[i].RowNumber == 0 {
			out[i].RowNumber = i + 1
		}
	}
	return out
}
