package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics(
		func() int { return 3 },
		func() map[string]int64 { return map[string]int64{"healthy": 2, "degraded": 1} },
	)

	m.IncRegistrations()
	m.IncHeartbeats()
	m.IncHeartbeats()
	m.IncFastHeartbeats()
	m.RecordResolutions(5, 2)
	m.AddExpired(1)
	m.AddDegraded(1)
	m.IncEvents()

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["registrations_total"])
	assert.Equal(t, int64(2), snap["heartbeats_total"])
	assert.Equal(t, int64(1), snap["fast_heartbeats_total"])
	assert.Equal(t, int64(5), snap["resolutions_total"])
	assert.Equal(t, int64(2), snap["unavailable_resolutions_total"])
	assert.Equal(t, int64(1), snap["expired_total"])
	assert.Equal(t, int64(1), snap["degraded_total"])
	assert.Equal(t, int64(1), snap["events_total"])
	assert.Equal(t, int64(3), snap["watch_connections"])
	assert.Equal(t, map[string]int64{"healthy": 2, "degraded": 1}, snap["agents_by_status"])
}

func TestMetricsSnapshotWithoutGauges(t *testing.T) {
	m := NewMetrics(nil, nil)
	snap := m.Snapshot()
	assert.NotContains(t, snap, "watch_connections")
	assert.NotContains(t, snap, "agents_by_status")
}

func TestRenderPrometheus(t *testing.T) {
	m := NewMetrics(
		func() int { return 1 },
		func() map[string]int64 { return map[string]int64{"healthy": 4} },
	)
	m.IncHeartbeats()

	out := m.RenderPrometheus()

	assert.Contains(t, out, "# TYPE mesh_registry_heartbeats_total counter")
	assert.Contains(t, out, "mesh_registry_heartbeats_total 1")
	assert.Contains(t, out, "# TYPE mesh_registry_uptime_seconds gauge")
	assert.Contains(t, out, `mesh_registry_agents{status="healthy"} 4`)

	// Every HELP line has a matching TYPE line.
	help := strings.Count(out, "# HELP")
	typ := strings.Count(out, "# TYPE")
	require.Equal(t, help, typ)
}
