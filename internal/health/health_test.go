package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkFunc func() error

func (f checkFunc) Check() error { return f() }

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCheckHealthy(t *testing.T) {
	root := t.TempDir()
	logs := filepath.Join(root, "logs")
	downloads := filepath.Join(root, "downloads")
	require.NoError(t, os.Mkdir(logs, 0o755))
	require.NoError(t, os.Mkdir(downloads, 0o755))

	rep := Check(context.Background(), Options{
		Version:      "test",
		Display:      ":99",
		LogsDir:      logs,
		DownloadsDir: downloads,
		Browser:      checkFunc(func() error { return nil }),
		Services:     map[string]Pinger{"redis": pingFunc(func(context.Context) error { return nil })},
	})

	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Empty(t, rep.EnvironmentIssues)
	assert.True(t, rep.Environment.LogsWritable)
	assert.True(t, rep.Environment.DownloadsWritable)
	assert.Equal(t, "ok", rep.Environment.Browser)
	assert.Equal(t, "ok", rep.Services["redis"])
	assert.Equal(t, "test", rep.Version)

	_, err := os.Stat(filepath.Join(logs, ".test_write"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCheckCreatesMissingDirectories(t *testing.T) {
	root := t.TempDir()
	rep := Check(context.Background(), Options{
		Display:      ":99",
		LogsDir:      filepath.Join(root, "logs"),
		DownloadsDir: filepath.Join(root, "downloads"),
	})

	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Len(t, rep.EnvironmentIssues, 2)
	assert.True(t, rep.Environment.LogsWritable)
	assert.DirExists(t, filepath.Join(root, "downloads"))
}

func TestCheckDegradedWithoutDisplayOrBrowser(t *testing.T) {
	root := t.TempDir()
	rep := Check(context.Background(), Options{
		LogsDir:      root,
		DownloadsDir: root,
		Browser:      checkFunc(func() error { return errors.New("no browser binary found") }),
		Services:     map[string]Pinger{"postgres": pingFunc(func(context.Context) error { return errors.New("refused") })},
	})

	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Equal(t, "not set", rep.Environment.Display)
	assert.Equal(t, "unavailable", rep.Environment.Browser)
	assert.Equal(t, "error", rep.Services["postgres"])
	assert.Contains(t, rep.EnvironmentIssues, "DISPLAY environment variable not set")
	assert.Contains(t, rep.EnvironmentIssues, "no browser binary found")
}

func TestCheckDisplayOnlyRequiredForLocalHeadful(t *testing.T) {
	root := t.TempDir()
	for name, opts := range map[string]Options{
		"headless": {Headless: true},
		"remote":   {Remote: true},
	} {
		t.Run(name, func(t *testing.T) {
			opts.LogsDir = root
			opts.DownloadsDir = root
			rep := Check(context.Background(), opts)
			assert.Equal(t, StatusHealthy, rep.Status)
			assert.Empty(t, rep.EnvironmentIssues)
			assert.Equal(t, "not set", rep.Environment.Display)
		})
	}

	rep := Check(context.Background(), Options{LogsDir: root, DownloadsDir: root})
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Equal(t, []string{"DISPLAY environment variable not set"}, rep.EnvironmentIssues)
}

func TestCheckUnhealthyWhenDirectoryIsAFile(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	rep := Check(context.Background(), Options{
		Display:      ":99",
		LogsDir:      filepath.Join(blocker, "logs"),
		DownloadsDir: root,
	})

	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.False(t, rep.Environment.LogsWritable)
	assert.True(t, rep.Environment.DownloadsWritable)
}
