package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics collects registry counters. One instance per server; all methods
// are safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	startTime time.Time

	registrations          int64
	heartbeats             int64
	fastHeartbeats         int64
	resolutions            int64
	unavailableResolutions int64
	expired                int64
	degraded               int64
	eventsTotal            int64

	watcherCount func() int
	agentGauges  func() map[string]int64
}

// NewMetrics creates a metrics collector. watcherCount and agentGauges are
// sampled at render time so gauges are never stale.
func NewMetrics(watcherCount func() int, agentGauges func() map[string]int64) *Metrics {
	return &Metrics{
		startTime:    time.Now().UTC(),
		watcherCount: watcherCount,
		agentGauges:  agentGauges,
	}
}

func (m *Metrics) IncRegistrations()   { m.add(&m.registrations, 1) }
func (m *Metrics) IncHeartbeats()      { m.add(&m.heartbeats, 1) }
func (m *Metrics) IncFastHeartbeats()  { m.add(&m.fastHeartbeats, 1) }
func (m *Metrics) IncEvents()          { m.add(&m.eventsTotal, 1) }
func (m *Metrics) AddExpired(n int)    { m.add(&m.expired, int64(n)) }
func (m *Metrics) AddDegraded(n int)   { m.add(&m.degraded, int64(n)) }

// RecordResolutions counts one resolution pass: total slots resolved and how
// many of them came back unavailable.
func (m *Metrics) RecordResolutions(total, unavailable int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions += int64(total)
	m.unavailableResolutions += int64(unavailable)
}

func (m *Metrics) add(field *int64, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field += n
}

// Snapshot returns the JSON form served by GET /metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.Lock()
	snap := map[string]interface{}{
		"registrations_total":           m.registrations,
		"heartbeats_total":              m.heartbeats,
		"fast_heartbeats_total":         m.fastHeartbeats,
		"resolutions_total":             m.resolutions,
		"unavailable_resolutions_total": m.unavailableResolutions,
		"expired_total":                 m.expired,
		"degraded_total":                m.degraded,
		"events_total":                  m.eventsTotal,
		"uptime_seconds":                int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	if m.watcherCount != nil {
		snap["watch_connections"] = int64(m.watcherCount())
	}
	if m.agentGauges != nil {
		snap["agents_by_status"] = m.agentGauges()
	}
	return snap
}

// RenderPrometheus renders the snapshot in text exposition format for
// GET /metrics/prometheus.
func (m *Metrics) RenderPrometheus() string {
	snap := m.Snapshot()

	var b strings.Builder

	counter := func(name, help string, value interface{}) {
		fmt.Fprintf(&b, "# HELP mesh_registry_%s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE mesh_registry_%s counter\n", name)
		fmt.Fprintf(&b, "mesh_registry_%s %v\n", name, value)
	}
	gauge := func(name, help string, value interface{}) {
		fmt.Fprintf(&b, "# HELP mesh_registry_%s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE mesh_registry_%s gauge\n", name)
		fmt.Fprintf(&b, "mesh_registry_%s %v\n", name, value)
	}

	counter("registrations_total", "Total agent registrations processed.", snap["registrations_total"])
	counter("heartbeats_total", "Total full heartbeats processed.", snap["heartbeats_total"])
	counter("fast_heartbeats_total", "Total HEAD fast heartbeats processed.", snap["fast_heartbeats_total"])
	counter("resolutions_total", "Total dependency slots resolved.", snap["resolutions_total"])
	counter("unavailable_resolutions_total", "Dependency slots resolved as unavailable.", snap["unavailable_resolutions_total"])
	counter("expired_total", "Agents expired by the health monitor.", snap["expired_total"])
	counter("degraded_total", "Agents degraded by the health monitor.", snap["degraded_total"])
	counter("events_total", "Registry change events emitted.", snap["events_total"])
	gauge("uptime_seconds", "Registry uptime in seconds.", snap["uptime_seconds"])

	if v, ok := snap["watch_connections"]; ok {
		gauge("watch_connections", "Live watch connections.", v)
	}

	if gauges, ok := snap["agents_by_status"].(map[string]int64); ok {
		fmt.Fprintf(&b, "# HELP mesh_registry_agents Registered agents by status.\n")
		fmt.Fprintf(&b, "# TYPE mesh_registry_agents gauge\n")
		statuses := make([]string, 0, len(gauges))
		for status := range gauges {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			fmt.Fprintf(&b, "mesh_registry_agents{status=%q} %d\n", status, gauges[status])
		}
	}

	return b.String()
}
