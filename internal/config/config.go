package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig controls the process-level slog handler. When File is set
// the output also goes to a size-rotated file.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// PathsConfig holds the on-disk roots. Every job gets its own
// workspace directory under DownloadsDir and its own log file under
// LogsDir.
type PathsConfig struct {
	DataDir      string `yaml:"dataDir"`
	DownloadsDir string `yaml:"downloadsDir"`
	LogsDir      string `yaml:"logsDir"`
}

type BrowserConfig struct {
	Bin               string `yaml:"bin"`
	ControlURL        string `yaml:"controlURL"`
	Headless          bool   `yaml:"headless"`
	NoSandbox         bool   `yaml:"noSandbox"`
	Display           string `yaml:"display"`
	WindowSize        string `yaml:"windowSize"`
	ActionTimeoutMs   int    `yaml:"actionTimeoutMs"`
	LaunchesPerMinute int    `yaml:"launchesPerMinute"`
}

// WorkflowConfig carries the timing knobs of the report workflow. All
// durations are expressed in milliseconds, matching the rest of the
// config file.
type WorkflowConfig struct {
	WaitSeconds       int    `yaml:"waitSeconds"`
	DaysFromToday     int    `yaml:"daysFromToday"`
	PacingMinMs       int    `yaml:"pacingMinMs"`
	PacingMaxMs       int    `yaml:"pacingMaxMs"`
	AuthSettleMs      int    `yaml:"authSettleMs"`
	AuthWaitMs        int    `yaml:"authWaitMs"`
	LoadingWaitMs     int    `yaml:"loadingWaitMs"`
	TriggerWaitMs     int    `yaml:"triggerWaitMs"`
	OverlayWaitMs     int    `yaml:"overlayWaitMs"`
	PollIntervalMs    int    `yaml:"pollIntervalMs"`
	ArtifactExtension string `yaml:"artifactExtension"`
	InspectArtifacts  bool   `yaml:"inspectArtifacts"`
	SkipAuthIndicator bool   `yaml:"skipAuthIndicator"`
}

type WorkerConfig struct {
	MaxConcurrentJobs int `yaml:"maxConcurrentJobs"`
	QueueSize         int `yaml:"queueSize"`
}

// AnalyticsConfig configures the best-effort analytics collaborator.
// An empty DSN disables it.
type AnalyticsConfig struct {
	DSN             string `yaml:"dsn"`
	Table           string `yaml:"table"`
	BatchSize       int    `yaml:"batchSize"`
	FlushIntervalMs int    `yaml:"flushIntervalMs"`
	BufferSize      int    `yaml:"bufferSize"`
	MaxRetries      int    `yaml:"maxRetries"`
	Migrate         bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// ReportsConfig controls where the active report list comes from at
// startup. SeedFile is an optional YAML file with a list of reports.
type ReportsConfig struct {
	SeedFile string `yaml:"seedFile"`
}

// RetentionConfig controls the periodic sweep of old job workspaces
// and log files. Registry records are kept for the process lifetime.
// Schedule is a cron spec.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
}

// AuthConfig enables bearer-token authentication of the API. Tokens
// are HS256 JWTs signed with Secret; `posreports token` issues them.
type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Secret          string `yaml:"secret"`
	TokenTTLMinutes int    `yaml:"tokenTTLMinutes"`
}

// RateLimitConfig caps job submissions per client and minute. It needs
// Redis; zero disables it.
type RateLimitConfig struct {
	DownloadsPerMinute int `yaml:"downloadsPerMinute"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Paths     PathsConfig     `yaml:"paths"`
	Browser   BrowserConfig   `yaml:"browser"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Worker    WorkerConfig    `yaml:"worker"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Redis     RedisConfig     `yaml:"redis"`
	Reports   ReportsConfig   `yaml:"reports"`
	Retention RetentionConfig `yaml:"retention"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// Load reads an optional .env file, decodes the YAML config at path and
// applies environment overrides and defaults. A missing config file is
// not an error; the service can run from defaults and env alone.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("open config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("DISPLAY"); v != "" && c.Browser.Display == "" {
		c.Browser.Display = v
	}
	if v := os.Getenv("BROWSER_BIN"); v != "" {
		c.Browser.Bin = v
	}
	if v := os.Getenv("ANALYTICS_DSN"); v != "" {
		c.Analytics.DSN = v
	}
	if v := os.Getenv("ANALYTICS_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Analytics.BatchSize = n
		}
	}
	if v := os.Getenv("ANALYTICS_FLUSH_INTERVAL"); v != "" {
		// seconds
		if n, err := strconv.Atoi(v); err == nil {
			c.Analytics.FlushIntervalMs = n * 1000
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "data"
	}
	if c.Paths.DownloadsDir == "" {
		c.Paths.DownloadsDir = filepath.Join(c.Paths.DataDir, "downloads")
	}
	if c.Paths.LogsDir == "" {
		c.Paths.LogsDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Browser.WindowSize == "" {
		c.Browser.WindowSize = "1920,1080"
	}
	if c.Browser.ActionTimeoutMs <= 0 {
		c.Browser.ActionTimeoutMs = 10000
	}

	w := &c.Workflow
	if w.WaitSeconds <= 0 {
		w.WaitSeconds = 30
	}
	if w.DaysFromToday <= 0 {
		w.DaysFromToday = 1
	}
	if w.PacingMinMs <= 0 {
		w.PacingMinMs = 1000
	}
	if w.PacingMaxMs < w.PacingMinMs {
		w.PacingMaxMs = 3000
		if w.PacingMaxMs < w.PacingMinMs {
			w.PacingMaxMs = w.PacingMinMs
		}
	}
	if w.AuthSettleMs <= 0 {
		w.AuthSettleMs = 2000
	}
	if w.AuthWaitMs <= 0 {
		w.AuthWaitMs = 10000
	}
	if w.LoadingWaitMs <= 0 {
		w.LoadingWaitMs = 5000
	}
	if w.TriggerWaitMs <= 0 {
		w.TriggerWaitMs = 10000
	}
	if w.OverlayWaitMs <= 0 {
		w.OverlayWaitMs = 5000
	}
	if w.PollIntervalMs <= 0 {
		w.PollIntervalMs = 500
	}
	if w.ArtifactExtension == "" {
		w.ArtifactExtension = ".xls"
	}

	if c.Worker.MaxConcurrentJobs <= 0 {
		c.Worker.MaxConcurrentJobs = 2
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}

	a := &c.Analytics
	if a.Table == "" {
		a.Table = "job_logs"
	}
	if a.BatchSize <= 0 {
		a.BatchSize = 50
	}
	if a.FlushIntervalMs <= 0 {
		a.FlushIntervalMs = 15000
	}
	if a.BufferSize <= 0 {
		a.BufferSize = 1024
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = 3
	}

	if c.Retention.Days <= 0 {
		c.Retention.Days = 7
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@hourly"
	}

	if c.Auth.TokenTTLMinutes <= 0 {
		c.Auth.TokenTTLMinutes = 60 * 24 * 30
	}

	if c.Redis.Key == "" {
		c.Redis.Key = "posreports:reports"
	}
}

// Ms converts a millisecond config value into a time.Duration.
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
