package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type lookupLabel struct {
	service string
	kind    string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// provider lookups, and websocket session activity. It coordinates concurrent
// writers via a RWMutex while exposing a thread-safe gauge for active
// sessions.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	lookupCount       map[string]uint64
	lookupFailures    map[lookupLabel]uint64
	sessionCommands   map[string]uint64
	heartbeatTimeouts uint64
	activeSessions    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		lookupCount:     make(map[string]uint64),
		lookupFailures:  make(map[lookupLabel]uint64),
		sessionCommands: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not need
// a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates totals for request count and cumulative duration
// by HTTP method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveLookup records a provider lookup attempt keyed by service tag.
func (r *Recorder) ObserveLookup(service string) {
	s := normalizeName(service)
	r.mu.Lock()
	r.lookupCount[s]++
	r.mu.Unlock()
}

// ObserveLookupFailure records a failed provider lookup by service and error
// kind (e.g. "upstream", "schema", "decode") so monitoring can separate
// "provider down" from "provider changed its contract".
func (r *Recorder) ObserveLookupFailure(service, kind string) {
	label := lookupLabel{service: normalizeName(service), kind: normalizeName(kind)}
	r.mu.Lock()
	r.lookupFailures[label]++
	r.mu.Unlock()
}

// ObserveSessionCommand records a websocket command dispatch by name.
func (r *Recorder) ObserveSessionCommand(command string) {
	c := normalizeName(command)
	r.mu.Lock()
	r.sessionCommands[c]++
	r.mu.Unlock()
}

// ObserveHeartbeatTimeout records a connection closed by the heartbeat
// supervisor.
func (r *Recorder) ObserveHeartbeatTimeout() {
	r.mu.Lock()
	r.heartbeatTimeouts++
	r.mu.Unlock()
}

// SessionOpened increments the active session gauge.
func (r *Recorder) SessionOpened() {
	r.activeSessions.Add(1)
}

// SessionClosed decrements the active session gauge, guarding against
// negative counts when concurrent closes race.
func (r *Recorder) SessionClosed() {
	for {
		current := r.activeSessions.Load()
		if current <= 0 {
			return
		}
		if r.activeSessions.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ActiveSessions exposes the current gauge of connected sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// LookupCounts returns copies of lookup attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) LookupCounts() (attempts map[string]uint64, failures map[string]map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.lookupCount))
	for k, v := range r.lookupCount {
		attempts[k] = v
	}
	failures = make(map[string]map[string]uint64)
	for label, v := range r.lookupFailures {
		if failures[label.service] == nil {
			failures[label.service] = make(map[string]uint64)
		}
		failures[label.service][label.kind] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.lookupCount = make(map[string]uint64)
	r.lookupFailures = make(map[lookupLabel]uint64)
	r.sessionCommands = make(map[string]uint64)
	r.heartbeatTimeouts = 0
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets to
// provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	lookupServices := r.sortedLookupServices()
	failureLabels := r.sortedLookupFailures()
	commands := r.sortedSessionCommands()

	fmt.Fprintln(w, "# HELP livesight_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE livesight_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livesight_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP livesight_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE livesight_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livesight_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP livesight_provider_lookups_total Provider lookups attempted by service")
	fmt.Fprintln(w, "# TYPE livesight_provider_lookups_total counter")
	for _, service := range lookupServices {
		fmt.Fprintf(w, "livesight_provider_lookups_total{service=\"%s\"} %d\n", service, r.lookupCount[service])
	}

	fmt.Fprintln(w, "# HELP livesight_provider_lookup_failures_total Provider lookup failures by service and kind")
	fmt.Fprintln(w, "# TYPE livesight_provider_lookup_failures_total counter")
	for _, label := range failureLabels {
		fmt.Fprintf(w, "livesight_provider_lookup_failures_total{service=\"%s\",kind=\"%s\"} %d\n", label.service, label.kind, r.lookupFailures[label])
	}

	fmt.Fprintln(w, "# HELP livesight_session_commands_total Websocket commands dispatched by name")
	fmt.Fprintln(w, "# TYPE livesight_session_commands_total counter")
	for _, command := range commands {
		fmt.Fprintf(w, "livesight_session_commands_total{command=\"%s\"} %d\n", command, r.sessionCommands[command])
	}

	fmt.Fprintln(w, "# HELP livesight_heartbeat_timeouts_total Sessions closed by the heartbeat supervisor")
	fmt.Fprintln(w, "# TYPE livesight_heartbeat_timeouts_total counter")
	fmt.Fprintf(w, "livesight_heartbeat_timeouts_total %d\n", r.heartbeatTimeouts)

	fmt.Fprintln(w, "# HELP livesight_active_sessions Current number of connected websocket sessions")
	fmt.Fprintln(w, "# TYPE livesight_active_sessions gauge")
	fmt.Fprintf(w, "livesight_active_sessions %d\n", r.activeSessions.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedLookupServices() []string {
	services := make([]string, 0, len(r.lookupCount))
	for service := range r.lookupCount {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

func (r *Recorder) sortedLookupFailures() []lookupLabel {
	labels := make([]lookupLabel, 0, len(r.lookupFailures))
	for label := range r.lookupFailures {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].service != labels[j].service {
			return labels[i].service < labels[j].service
		}
		return labels[i].kind < labels[j].kind
	})
	return labels
}

func (r *Recorder) sortedSessionCommands() []string {
	commands := make([]string, 0, len(r.sessionCommands))
	for command := range r.sessionCommands {
		commands = append(commands, command)
	}
	sort.Strings(commands)
	return commands
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	// Lookup paths are /{service}/{name}; collapse the name so the label
	// cardinality stays bounded.
	if len(parts) >= 2 && parts[0] != "api" && parts[0] != "ws" {
		return "/" + parts[0] + "/:name"
	}
	return path
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
