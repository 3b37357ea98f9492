package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the API and job workers.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsTotal    = make(map[string]int64)
	reportsTotal = make(map[string]int64)

	analyticsFlushes       = make(map[string]int64)
	analyticsEventsWritten int64
	analyticsEventsLost    int64
	analyticsEventsDropped int64

	retentionWorkspacesDeleted int64
	retentionLogsDeleted       int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordJob counts a job reaching status.
func RecordJob(status string) {
	mu.Lock()
	defer mu.Unlock()
	jobsTotal[status]++
}

// RecordReportOutcome counts one processed report by outcome
// (success, no_data, failed).
func RecordReportOutcome(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	reportsTotal[outcome]++
}

// RecordAnalyticsFlush records one batch write attempt after retries.
func RecordAnalyticsFlush(ok bool, events int) {
	mu.Lock()
	defer mu.Unlock()

	result := "failed"
	if ok {
		result = "ok"
		analyticsEventsWritten += int64(events)
	} else {
		analyticsEventsLost += int64(events)
	}
	analyticsFlushes[result]++
}

// RecordAnalyticsDropped counts events rejected because the buffer was
// full.
func RecordAnalyticsDropped(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	analyticsEventsDropped += int64(n)
}

// RecordRetention counts workspaces and log files removed by the
// retention sweep.
func RecordRetention(workspaces, logs int64) {
	if workspaces <= 0 && logs <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionWorkspacesDeleted += workspaces
	retentionLogsDeleted += logs
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP posreports_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE posreports_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "posreports_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP posreports_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE posreports_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP posreports_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE posreports_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "posreports_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "posreports_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP posreports_jobs_total Jobs that reached a status\n")
	b.WriteString("# TYPE posreports_jobs_total counter\n")
	writeLabelled(&b, "posreports_jobs_total", "status", jobsTotal)

	b.WriteString("# HELP posreports_reports_total Processed reports by outcome\n")
	b.WriteString("# TYPE posreports_reports_total counter\n")
	writeLabelled(&b, "posreports_reports_total", "outcome", reportsTotal)

	b.WriteString("# HELP posreports_analytics_flushes_total Analytics batch writes by result\n")
	b.WriteString("# TYPE posreports_analytics_flushes_total counter\n")
	writeLabelled(&b, "posreports_analytics_flushes_total", "result", analyticsFlushes)

	b.WriteString("# HELP posreports_analytics_events_written_total Events written to the analytics store\n")
	b.WriteString("# TYPE posreports_analytics_events_written_total counter\n")
	fmt.Fprintf(&b, "posreports_analytics_events_written_total %d\n", analyticsEventsWritten)

	b.WriteString("# HELP posreports_analytics_events_lost_total Events lost after exhausting retries\n")
	b.WriteString("# TYPE posreports_analytics_events_lost_total counter\n")
	fmt.Fprintf(&b, "posreports_analytics_events_lost_total %d\n", analyticsEventsLost)

	b.WriteString("# HELP posreports_analytics_events_dropped_total Events dropped because the buffer was full\n")
	b.WriteString("# TYPE posreports_analytics_events_dropped_total counter\n")
	fmt.Fprintf(&b, "posreports_analytics_events_dropped_total %d\n", analyticsEventsDropped)

	// Retention metrics
	b.WriteString("# HELP posreports_retention_workspaces_deleted_total Job workspaces deleted by TTL\n")
	b.WriteString("# TYPE posreports_retention_workspaces_deleted_total counter\n")
	fmt.Fprintf(&b, "posreports_retention_workspaces_deleted_total %d\n", retentionWorkspacesDeleted)

	b.WriteString("# HELP posreports_retention_logs_deleted_total Job log files deleted by TTL\n")
	b.WriteString("# TYPE posreports_retention_logs_deleted_total counter\n")
	fmt.Fprintf(&b, "posreports_retention_logs_deleted_total %d\n", retentionLogsDeleted)

	return b.String()
}

func writeLabelled(b *strings.Builder, name, label string, m map[string]int64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, k, m[k])
	}
}
