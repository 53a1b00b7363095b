package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/types"
)

func newTestMetrics() *PrometheusMetrics {
	return NewPrometheusMetrics(logger.NewNop(), &PrometheusConfig{Namespace: "test"})
}

func TestPrometheusMetrics_Counter(t *testing.T) {
	m := newTestMetrics()

	hits := m.Counter("fetch_strategy_total", map[string]string{"strategy": "cache_first", "outcome": "hit"})
	hits.Inc()
	hits.Add(2)

	other := m.Counter("fetch_strategy_total", map[string]string{"outcome": "miss", "strategy": "cache_first"})
	other.Inc()

	assert.Equal(t, float64(3), hits.Get())
	assert.Equal(t, float64(1), other.Get())
}

func TestPrometheusMetrics_GaugeAndHistogram(t *testing.T) {
	m := newTestMetrics()

	g := m.Gauge("deferred_jobs_active", nil)
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, float64(1), g.Get())

	h := m.Histogram("cache_operation_duration_seconds", []float64{0.1, 1}, map[string]string{"operation": "put"})
	h.Observe(0.5)
	h.ObserveDuration(time.Now())
	assert.Equal(t, uint64(2), h.GetCount())
	assert.GreaterOrEqual(t, h.GetSum(), 0.5)
}

func TestPrometheusMetrics_Handler(t *testing.T) {
	m := newTestMetrics()
	m.Counter("control_messages_total", map[string]string{"type": "CLEAR_CACHE"}).Inc()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	m.Handler()(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `test_control_messages_total{type="CLEAR_CACHE"} 1`)
}

func TestNewManager_Disabled(t *testing.T) {
	m, err := NewManager(logger.NewNop(), &types.MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = NewManager(logger.NewNop(), &types.MetricsConfig{Enabled: true, Type: "statsd"})
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}
