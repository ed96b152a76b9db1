package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRequest("/session", "GET", 200, 15*time.Millisecond)
	m.RecordProfileSync("healed")
	m.RecordProfileSync("healed")
	m.RecordSelfHeal()
	m.RecordGateDecision("route", "allow")
	m.SetActiveSessions(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/session", "GET", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.profileSync.WithLabelValues("healed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.profileHeals))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateDecisions.WithLabelValues("route", "allow")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("/", "GET", 200, time.Millisecond)
		m.RecordError("/", "GET", "X")
		m.RecordProfileSync("ok")
		m.RecordSelfHeal()
		m.RecordTransition("ready")
		m.RecordGateDecision("content", "locked")
		m.RecordWebhookEvent("checkout.session.completed", "ok")
		m.SetActiveSessions(1)
	})
}
