package metrics

import (
	"time"

	"keyrelay/internal/engine"
)

// KeyrelayMetrics holds every keyrelay metric.
type KeyrelayMetrics struct {
	registry *Registry

	// Counters, mirrored from engine.Stats
	ScancodesFed   *Counter
	Tokens         *Counter
	QueueDropped   *Counter
	RecordDropped  *Counter
	UnitsEmitted   *Counter
	UnitsDelivered *Counter
	Playbacks      *Counter
	SourceForward  *Counter

	// Gauges
	QueueDepth       *Gauge
	QueueCapacity    *Gauge
	RecordLength     *Gauge
	SlotFull         *Gauge
	Recording        *Gauge
	ConsumerAttached *Gauge
	UptimeSeconds    *Gauge

	// Histograms
	HandoffLatency *Histogram
}

// NewKeyrelayMetrics registers every keyrelay metric in registry, which
// defaults to a fresh "keyrelay" registry.
func NewKeyrelayMetrics(registry *Registry) *KeyrelayMetrics {
	if registry == nil {
		registry = NewRegistry("keyrelay", "")
	}

	return &KeyrelayMetrics{
		registry: registry,

		ScancodesFed:   registry.RegisterCounter("scancodes_fed_total", "Scancodes accepted from the source", nil),
		Tokens:         registry.RegisterCounter("tokens_total", "Tokens produced by the decoder", nil),
		QueueDropped:   registry.RegisterCounter("queue_dropped_total", "Tokens discarded because the event queue was full", nil),
		RecordDropped:  registry.RegisterCounter("record_dropped_total", "Characters not recorded because the record buffer was full", nil),
		UnitsEmitted:   registry.RegisterCounter("units_emitted_total", "Output units placed in the mailbox", nil),
		UnitsDelivered: registry.RegisterCounter("units_delivered_total", "Output units handed to the consumer", nil),
		Playbacks:      registry.RegisterCounter("playbacks_total", "Recordings played back", nil),
		SourceForward:  registry.RegisterCounter("source_scancodes_total", "Scancodes read from the input source", nil),

		QueueDepth:       registry.RegisterGauge("queue_depth", "Tokens waiting in the event queue", nil),
		QueueCapacity:    registry.RegisterGauge("queue_capacity", "Event queue capacity", nil),
		RecordLength:     registry.RegisterGauge("record_length", "Characters in the record buffer", nil),
		SlotFull:         registry.RegisterGauge("mailbox_full", "1 while an output unit waits for the consumer", nil),
		Recording:        registry.RegisterGauge("recording", "1 while a recording is in progress", nil),
		ConsumerAttached: registry.RegisterGauge("consumer_attached", "1 while a consumer is attached", nil),
		UptimeSeconds:    registry.RegisterGauge("uptime_seconds", "Seconds since the daemon started", nil),

		HandoffLatency: registry.RegisterHistogram("handoff_seconds",
			"Time an output unit spent in the mailbox before the consumer took it", nil, LatencyBuckets),
	}
}

// Registry returns the registry the metrics live in.
func (m *KeyrelayMetrics) Registry() *Registry {
	return m.registry
}

// ObserveHandoff records one mailbox handoff. It matches engine.Options.OnHandoff.
func (m *KeyrelayMetrics) ObserveHandoff(d time.Duration) {
	m.HandoffLatency.ObserveDuration(d)
}

// Update copies an engine snapshot into the metrics.
func (m *KeyrelayMetrics) Update(s engine.Stats) {
	m.ScancodesFed.mirror(s.Fed)
	m.Tokens.mirror(s.Tokens)
	m.QueueDropped.mirror(s.QueueDropped)
	m.RecordDropped.mirror(s.RecordDropped)
	m.UnitsEmitted.mirror(s.Emitted)
	m.UnitsDelivered.mirror(s.Delivered)
	m.Playbacks.mirror(s.Playbacks)

	m.QueueDepth.Set(int64(s.QueueLen))
	m.QueueCapacity.Set(int64(s.QueueCap))
	m.RecordLength.Set(int64(s.RecordLen))
	m.SlotFull.SetBool(s.SlotFull)
	m.Recording.SetBool(s.State.Recording)
}

// Sources are read on every scrape by Bind.
type Sources struct {
	Engine           func() engine.Stats
	SourceCount      func() uint64
	ConsumerAttached func() bool
	StartedAt        time.Time
}

// Bind refreshes the metrics from src before every export.
func (m *KeyrelayMetrics) Bind(src Sources) {
	m.registry.AddCollector(func() {
		if src.Engine != nil {
			m.Update(src.Engine())
		}
		if src.SourceCount != nil {
			m.SourceForward.mirror(src.SourceCount())
		}
		if src.ConsumerAttached != nil {
			m.ConsumerAttached.SetBool(src.ConsumerAttached())
		}
		if !src.StartedAt.IsZero() {
			m.UptimeSeconds.Set(int64(time.Since(src.StartedAt).Seconds()))
		}
	})
}
