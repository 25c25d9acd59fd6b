package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the audit service.
// This is intentionally minimal and in-memory only.

var (
	mu            sync.RWMutex
	requestsTotal = make(map[reqKey]int64)
	latencyMsSum  = make(map[latKey]int64)
	latencyMsCnt  = make(map[latKey]int64)

	auditsTotal     = make(map[string]int64) // terminal status -> count
	stageDurationMs = make(map[string]int64)
	stageRunsTotal  = make(map[string]int64)
	pagesAnalyzed   int64

	llmCalls       = make(map[llmKey]int64)
	pagespeedCalls = make(map[psKey]int64)
	searchCalls    = make(map[string]int64) // "ok"/"error"

	eventsPublished int64
	eventsDropped   int64
	jobRetriesTotal int64

	retentionDeleted = make(map[string]int64) // table -> rows
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

type llmKey struct {
	Backend string
	Success string
}

type psKey struct {
	Strategy string
	Success  string
}

// RecordRequest increments the HTTP request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	requestsTotal[reqKey{Method: method, Path: path, Status: status}]++
	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCnt[lk]++
}

// RecordAudit counts one audit reaching a terminal status.
func RecordAudit(status string) {
	mu.Lock()
	defer mu.Unlock()
	auditsTotal[status]++
}

// RecordStage accumulates wall time spent in a pipeline stage.
func RecordStage(stage string, durationMs int64) {
	mu.Lock()
	defer mu.Unlock()
	stageDurationMs[stage] += durationMs
	stageRunsTotal[stage]++
}

// RecordPagesAnalyzed counts pages scored by the analyzer.
func RecordPagesAnalyzed(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	pagesAnalyzed += int64(n)
}

// RecordLLMCall counts a chat-completion call per backend.
func RecordLLMCall(backend string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	llmCalls[llmKey{Backend: backend, Success: boolLabel(success)}]++
}

// RecordPagespeedCall counts a performance-oracle call per strategy.
func RecordPagespeedCall(strategy string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	pagespeedCalls[psKey{Strategy: strategy, Success: boolLabel(success)}]++
}

// RecordSearchCall counts a competitor-discovery query.
func RecordSearchCall(success bool) {
	mu.Lock()
	defer mu.Unlock()
	searchCalls[boolLabel(success)]++
}

// RecordEventPublished counts progress events pushed onto an audit bus.
func RecordEventPublished() {
	mu.Lock()
	defer mu.Unlock()
	eventsPublished++
}

// RecordEventsDropped counts ring-buffer overwrites for slow subscribers.
func RecordEventsDropped(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	eventsDropped += int64(n)
}

// RecordJobRetry counts one re-enqueue after an infrastructure failure.
func RecordJobRetry() {
	mu.Lock()
	defer mu.Unlock()
	jobRetriesTotal++
}

// RecordRetentionDeleted counts rows removed by TTL cleanup per table.
func RecordRetentionDeleted(table string, n int64) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionDeleted[table] += n
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP geoaudit_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE geoaudit_http_requests_total counter\n")
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
		fmt.Fprintf(&b, "geoaudit_http_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP geoaudit_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE geoaudit_http_request_duration_ms_sum counter\n")
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
		fmt.Fprintf(&b, "geoaudit_http_request_duration_ms_sum{method=%q,path=%q} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "geoaudit_http_request_duration_ms_count{method=%q,path=%q} %d\n",
			k.Method, k.Path, latencyMsCnt[k])
	}

	b.WriteString("# HELP geoaudit_audits_total Audits by terminal status\n")
	b.WriteString("# TYPE geoaudit_audits_total counter\n")
	for _, s := range sortedKeys(auditsTotal) {
		fmt.Fprintf(&b, "geoaudit_audits_total{status=%q} %d\n", s, auditsTotal[s])
	}

	b.WriteString("# HELP geoaudit_stage_duration_ms_sum Pipeline stage wall time in milliseconds\n")
	b.WriteString("# TYPE geoaudit_stage_duration_ms_sum counter\n")
	for _, s := range sortedKeys(stageDurationMs) {
		fmt.Fprintf(&b, "geoaudit_stage_duration_ms_sum{stage=%q} %d\n", s, stageDurationMs[s])
		fmt.Fprintf(&b, "geoaudit_stage_runs_total{stage=%q} %d\n", s, stageRunsTotal[s])
	}

	b.WriteString("# HELP geoaudit_pages_analyzed_total Pages scored by the analyzer\n")
	b.WriteString("# TYPE geoaudit_pages_analyzed_total counter\n")
	fmt.Fprintf(&b, "geoaudit_pages_analyzed_total %d\n", pagesAnalyzed)

	b.WriteString("# HELP geoaudit_llm_calls_total Chat-completion calls by backend\n")
	b.WriteString("# TYPE geoaudit_llm_calls_total counter\n")
	var lks []llmKey
	for k := range llmCalls {
		lks = append(lks, k)
	}
	sort.Slice(lks, func(i, j int) bool {
		if lks[i].Backend != lks[j].Backend {
			return lks[i].Backend < lks[j].Backend
		}
		return lks[i].Success < lks[j].Success
	})
	for _, k := range lks {
		fmt.Fprintf(&b, "geoaudit_llm_calls_total{backend=%q,success=%q} %d\n",
			k.Backend, k.Success, llmCalls[k])
	}

	b.WriteString("# HELP geoaudit_pagespeed_calls_total Performance-oracle calls by strategy\n")
	b.WriteString("# TYPE geoaudit_pagespeed_calls_total counter\n")
	var pks []psKey
	for k := range pagespeedCalls {
		pks = append(pks, k)
	}
	sort.Slice(pks, func(i, j int) bool {
		if pks[i].Strategy != pks[j].Strategy {
			return pks[i].Strategy < pks[j].Strategy
		}
		return pks[i].Success < pks[j].Success
	})
	for _, k := range pks {
		fmt.Fprintf(&b, "geoaudit_pagespeed_calls_total{strategy=%q,success=%q} %d\n",
			k.Strategy, k.Success, pagespeedCalls[k])
	}

	b.WriteString("# HELP geoaudit_search_calls_total Competitor-discovery queries\n")
	b.WriteString("# TYPE geoaudit_search_calls_total counter\n")
	for _, s := range sortedKeys(searchCalls) {
		fmt.Fprintf(&b, "geoaudit_search_calls_total{success=%q} %d\n", s, searchCalls[s])
	}

	b.WriteString("# HELP geoaudit_progress_events_published_total Progress events published\n")
	b.WriteString("# TYPE geoaudit_progress_events_published_total counter\n")
	fmt.Fprintf(&b, "geoaudit_progress_events_published_total %d\n", eventsPublished)

	b.WriteString("# HELP geoaudit_progress_events_dropped_total Progress events dropped for slow subscribers\n")
	b.WriteString("# TYPE geoaudit_progress_events_dropped_total counter\n")
	fmt.Fprintf(&b, "geoaudit_progress_events_dropped_total %d\n", eventsDropped)

	b.WriteString("# HELP geoaudit_job_retries_total Audit jobs re-enqueued after infrastructure failures\n")
	b.WriteString("# TYPE geoaudit_job_retries_total counter\n")
	fmt.Fprintf(&b, "geoaudit_job_retries_total %d\n", jobRetriesTotal)

	b.WriteString("# HELP geoaudit_retention_deleted_total Rows removed by TTL cleanup\n")
	b.WriteString("# TYPE geoaudit_retention_deleted_total counter\n")
	for _, t := range sortedKeys(retentionDeleted) {
		fmt.Fprintf(&b, "geoaudit_retention_deleted_total{table=%q} %d\n", t, retentionDeleted[t])
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
