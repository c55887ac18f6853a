package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IncrementCounter(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter(LiveEventsReceived, nil, "Live events")
	registry.IncrementCounter(LiveEventsReceived, map[string]string{"type": "typing"}, "Live events")
	registry.IncrementCounter(LiveEventsReceived, map[string]string{"type": "typing"}, "Live events")

	snap := registry.GetAllMetrics()
	require.Contains(t, snap.Counters, LiveEventsReceived)
	assert.Equal(t, 1.0, snap.Counters[LiveEventsReceived].Value)

	labeled := snap.Counters[LiveEventsReceived+"_type:typing"]
	assert.Equal(t, 2.0, labeled.Value)
	assert.Equal(t, Counter, labeled.Type)
	assert.Equal(t, "typing", labeled.Labels["type"])
}

func TestRegistry_AddToCounter(t *testing.T) {
	registry := NewRegistry()

	registry.AddToCounter(UploadsTotal, 3, nil, "Uploads")
	registry.AddToCounter(UploadsTotal, 2, nil, "Uploads")

	assert.Equal(t, 5.0, registry.CounterValue(UploadsTotal, nil))
	assert.Zero(t, registry.CounterValue("unknown", nil))
}

func TestRegistry_RecordTimer(t *testing.T) {
	registry := NewRegistry()

	registry.RecordTimer(HistoryFetchDuration, 100*time.Millisecond, nil, "History fetch")
	registry.RecordTimer(HistoryFetchDuration, 300*time.Millisecond, nil, "History fetch")

	timer := registry.GetAllMetrics().Timers[HistoryFetchDuration]
	assert.Equal(t, int64(2), timer.Count)
	assert.InDelta(t, 100.0, timer.Min, 0.001)
	assert.InDelta(t, 300.0, timer.Max, 0.001)
	assert.InDelta(t, 200.0, timer.Average, 0.001)
	assert.Zero(t, timer.P95, "percentiles need at least ten samples")
}

func TestRegistry_Percentiles(t *testing.T) {
	registry := NewRegistry()

	for i := 100; i >= 1; i-- {
		registry.RecordTimer("latency", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := registry.GetAllMetrics().Timers["latency"]
	assert.InDelta(t, 96.0, timer.P95, 0.001)
	assert.InDelta(t, 100.0, timer.P99, 0.001)
}

func TestRegistry_SetGauge(t *testing.T) {
	registry := NewRegistry()

	registry.SetGauge(StoreMessages, 10, nil, "Messages")
	registry.SetGauge(StoreMessages, 4, nil, "Messages")

	gauge := registry.GetAllMetrics().Gauges[StoreMessages]
	assert.Equal(t, 4.0, gauge.Value)
	assert.Equal(t, Gauge, gauge.Type)
}

func TestMetricKey_SortsLabels(t *testing.T) {
	a := metricKey("m", map[string]string{"b": "2", "a": "1"})
	b := metricKey("m", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, "m_a:1_b:2", a)
	assert.Equal(t, a, b)
	assert.Equal(t, "m", metricKey("m", nil))
}

func TestCopyLabels(t *testing.T) {
	assert.Nil(t, copyLabels(nil))

	original := map[string]string{"k": "v"}
	copied := copyLabels(original)
	copied["k"] = "changed"
	assert.Equal(t, "v", original["k"])
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				registry.IncrementCounter(MessagesSent, nil, "")
				registry.RecordTimer(HistoryFetchDuration, time.Millisecond, nil, "")
				_ = registry.GetAllMetrics()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, registry.CounterValue(MessagesSent, nil))
}

func TestGlobalRegistry(t *testing.T) {
	IncrementCounter("global_test_counter", nil, "")
	RecordTimer("global_test_timer", time.Millisecond, nil, "")
	SetGauge("global_test_gauge", 1, nil, "")

	snap := GetAllMetrics()
	assert.Contains(t, snap.Counters, "global_test_counter")
	assert.Contains(t, snap.Timers, "global_test_timer")
	assert.Contains(t, snap.Gauges, "global_test_gauge")
	assert.GreaterOrEqual(t, snap.UptimeMs, int64(0))
	assert.NotZero(t, snap.Timestamp)
	assert.Same(t, globalRegistry, GetRegistry())
}
