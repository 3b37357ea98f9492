package rodauto

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posreports/internal/automation"
)

func TestCheckRemoteBrowserSkipsLocalProbe(t *testing.T) {
	d := NewDriver(Options{ControlURL: "ws://127.0.0.1:9222"}, nil)
	assert.NoError(t, d.Check())
}

func TestCheckMissingBinary(t *testing.T) {
	d := NewDriver(Options{Bin: filepath.Join(t.TempDir(), "chrome"), Headless: true}, nil)
	err := d.Check()
	require.Error(t, err)
	assert.ErrorIs(t, err, automation.ErrUnavailable)
}

func TestReapUnknownOwner(t *testing.T) {
	d := NewDriver(Options{}, nil)
	n, err := d.Reap(context.Background(), "job-1")
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenHonoursLaunchLimit(t *testing.T) {
	d := NewDriver(Options{ControlURL: "ws://127.0.0.1:1", LaunchesPerMinute: 1}, nil)
	// Consume the only burst token so the next Open must wait a minute.
	require.True(t, d.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Open(ctx, automation.SessionOptions{Owner: "job-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait for launch slot")
}

func TestLocatorHelpers(t *testing.T) {
	assert.Equal(t, `[id="main"]`, idSelector("main"))
	assert.Equal(t, `/^\s*Sales\.report\s*$/`, linkTextPattern("Sales.report"))
}

const coveredPage = `<!doctype html>
<html><body>
<button id="dl" onclick="document.getElementById('status').textContent='clicked'">Exportar</button>
<span id="status">idle</span>
<div style="position:fixed;inset:0;z-index:10;background:rgba(0,0,0,.3)"></div>
</body></html>`

func TestClickCoveredElementFailsFast(t *testing.T) {
	if _, ok := launcher.LookPath(); !ok {
		t.Skip("no browser binary")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, coveredPage)
	}))
	defer srv.Close()

	// The caller's context has no deadline, like the jobs context.
	ctx := context.Background()
	d := NewDriver(Options{Headless: true, NoSandbox: true, ActionTimeout: 3 * time.Second}, nil)
	sess, err := d.Open(ctx, automation.SessionOptions{Owner: "job-1"})
	if err != nil {
		t.Skipf("browser did not start: %v", err)
	}
	defer sess.Close()
	require.NoError(t, sess.Navigate(ctx, srv.URL))

	dl := automation.ID("dl")
	start := time.Now()
	err = sess.Click(ctx, dl)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	status := automation.ID("status")
	text, err := sess.Text(ctx, status)
	require.NoError(t, err)
	assert.Equal(t, "idle", text)

	require.NoError(t, sess.ScriptClick(ctx, dl))
	text, err = sess.Text(ctx, status)
	require.NoError(t, err)
	assert.Equal(t, "clicked", text)
}
