package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/internal/engine"
	"keyrelay/internal/health"
	"keyrelay/internal/scancode"
)

func TestLabelsString(t *testing.T) {
	assert.Equal(t, "", Labels(nil).String())
	assert.Equal(t, `{a="1",b="x\"y"}`, Labels{"b": `x"y`, "a": "1"}.String())
}

func TestCounterMirrorNeverDecreases(t *testing.T) {
	c := NewCounter("c", "help", nil)
	c.mirror(10)
	c.mirror(4)
	assert.Equal(t, uint64(10), c.Value())
	c.Inc()
	assert.Equal(t, uint64(11), c.Value())
}

func TestHistogramBuckets(t *testing.T) {
	r := NewRegistry("test", "")
	h := r.RegisterHistogram("latency_seconds", "latency", nil, []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.1) // bounds are inclusive
	h.Observe(0.5)
	h.Observe(7)

	assert.Equal(t, uint64(4), h.Count())
	assert.InDelta(t, 7.65, h.Sum(), 1e-9)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()
	assert.Contains(t, out, `test_latency_seconds_bucket{le="0.1"} 2`)
	assert.Contains(t, out, `test_latency_seconds_bucket{le="1"} 3`)
	assert.Contains(t, out, `test_latency_seconds_bucket{le="+Inf"} 4`)
	assert.Contains(t, out, "test_latency_seconds_count 4")
}

func TestRegistryReusesNames(t *testing.T) {
	r := NewRegistry("keyrelay", "ipc")
	a := r.RegisterCounter("frames_total", "frames", nil)
	b := r.RegisterCounter("frames_total", "frames", nil)
	assert.Same(t, a, b)
	assert.Equal(t, "keyrelay_ipc_frames_total", a.Name())
	assert.Same(t, a, r.GetCounter("frames_total"))
}

func TestPrometheusOutputIsSorted(t *testing.T) {
	r := NewRegistry("", "")
	r.RegisterGauge("zeta", "z", nil).Set(1)
	r.RegisterGauge("alpha", "a", Labels{"k": "v"}).Set(-2)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()
	assert.Less(t, strings.Index(out, "alpha"), strings.Index(out, "zeta"))
	assert.Contains(t, out, `alpha{k="v"} -2`)
	assert.Contains(t, out, "# TYPE zeta gauge")
}

func TestKeyrelayMetricsFollowEngine(t *testing.T) {
	m := NewKeyrelayMetrics(nil)
	eng := engine.New(engine.Options{QueueCapacity: 8, OnHandoff: m.ObserveHandoff})
	defer eng.Close()

	attached := true
	m.Bind(Sources{
		Engine:           eng.Stats,
		SourceCount:      func() uint64 { return 42 },
		ConsumerAttached: func() bool { return attached },
		StartedAt:        time.Now().Add(-3 * time.Second),
	})

	codes, err := scancode.ForScript("hi")
	require.NoError(t, err)
	for _, c := range codes {
		require.NoError(t, eng.Feed(c))
	}
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := eng.Take(ctx)
		cancel()
		require.NoError(t, err)
	}

	snap := m.Registry().Snapshot()
	assert.Equal(t, uint64(len(codes)), snap["keyrelay_scancodes_fed_total"])
	assert.Equal(t, uint64(2), snap["keyrelay_units_delivered_total"])
	assert.Equal(t, uint64(42), snap["keyrelay_source_scancodes_total"])
	assert.Equal(t, int64(8), snap["keyrelay_queue_capacity"])
	assert.Equal(t, int64(1), snap["keyrelay_consumer_attached"])
	assert.GreaterOrEqual(t, snap["keyrelay_uptime_seconds"], int64(3))
	assert.Equal(t, uint64(2), snap["keyrelay_handoff_seconds_count"])

	attached = false
	m.Registry().Snapshot()
	assert.Equal(t, int64(0), m.ConsumerAttached.Value())
}

func TestServerEndpoints(t *testing.T) {
	m := NewKeyrelayMetrics(nil)
	m.UnitsDelivered.Add(5)

	checker := health.NewChecker()
	checker.RegisterFunc("engine", true, health.CustomCheck(func() error { return nil }))
	checker.SetReady(true)

	srv, err := NewServer("127.0.0.1:0", m.Registry(), checker, nil)
	require.NoError(t, err)
	srv.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "keyrelay_units_delivered_total 5")

	req, _ := http.NewRequest(http.MethodGet, base+"/metrics", nil)
	req.Header.Set("Accept", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.EqualValues(t, 5, snap["keyrelay_units_delivered_total"])

	for _, path := range []string{"/healthz", "/livez", "/readyz"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
