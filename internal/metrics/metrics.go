// Package metrics exports pipeline counters to Prometheus. Each running
// pipeline attaches its stat getters under its stream key; a scrape reads
// them through one collector, labelled by stream.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/metronome/internal/audio"
	"github.com/zsiec/metronome/internal/encoder"
	"github.com/zsiec/metronome/internal/framequeue"
	"github.com/zsiec/metronome/internal/ingest"
	"github.com/zsiec/metronome/internal/segmenter"
)

const namespace = "metronome"

// Sources are the stat getters of one running pipeline. Nil getters
// report zero.
type Sources struct {
	Queue     func() framequeue.Stats
	Encoder   func() encoder.Stats
	Segmenter func() segmenter.Stats
	Ingest    func() ingest.SourceStats
}

// streamMetric is one per-stream series read from Sources at scrape time.
type streamMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Sources) float64
}

// Metrics owns a private registry.
type Metrics struct {
	registry *prometheus.Registry
	streams  []streamMetric

	mu        sync.RWMutex
	src       map[string]attached
	gen       uint64
	audio     func() audio.Stats
	audioPeak func() float64

	sessions   prometheus.Counter
	sinkErrors *prometheus.CounterVec
	repeats    *prometheus.CounterVec
}

// New creates the registry and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		src:      make(map[string]attached),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.sessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "sessions_total",
		Help: "Pipelines started since process start",
	})
	m.sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "sink_errors_total",
		Help: "Failed segment deliveries",
	}, []string{"stream"})
	m.repeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "frames_repeated_total",
		Help: "Frames re-encoded because the input queue starved",
	}, []string{"stream"})
	m.registry.MustRegister(m.sessions, m.sinkErrors, m.repeats)

	m.counter("frames_in_total", "Frames delivered by the ingest source",
		func(s Sources) float64 { return float64(get(s.Ingest).Frames) })
	m.counter("demux_cc_errors_total", "Transport stream continuity errors",
		func(s Sources) float64 { return float64(get(s.Ingest).Demux.CCErrors) })
	m.counter("queue_written_total", "Frames committed to the input queue",
		func(s Sources) float64 { return float64(get(s.Queue).Written) })
	m.counter("queue_dropped_total", "Frames dropped by forced writes",
		func(s Sources) float64 { return float64(get(s.Queue).Dropped) })
	m.counter("queue_reused_total", "Frames re-delivered by forced reads",
		func(s Sources) float64 { return float64(get(s.Queue).Reused) })
	m.gauge("queue_depth", "Frames buffered in the input queue",
		func(s Sources) float64 { return float64(get(s.Queue).Depth) })
	m.counter("frames_encoded_total", "Coded frames emitted by the encoder stage",
		func(s Sources) float64 { return float64(get(s.Encoder).Encoded) })
	m.counter("timestamp_lookup_misses_total", "Encoder outputs dropped for unrecoverable timing",
		func(s Sources) float64 { return float64(get(s.Encoder).LookupMisses) })
	m.counter("forced_keyframes_total", "Keyframes forced by the GOP scheduler",
		func(s Sources) float64 { return float64(get(s.Encoder).ForcedKeyframes) })
	m.gauge("encoder_in_flight", "Frames submitted but not yet emitted",
		func(s Sources) float64 { return float64(get(s.Encoder).InFlight) })
	m.counter("segments_total", "Media segments produced",
		func(s Sources) float64 { return float64(get(s.Segmenter).Segments) })
	m.counter("segment_bytes_total", "Bytes of media segments produced",
		func(s Sources) float64 { return float64(get(s.Segmenter).Bytes) })
	m.registry.MustRegister(streamCollector{m})

	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "audio_blocks_total",
			Help: "Fixed-size audio blocks produced",
		}, func() float64 { return float64(m.audioStats().Blocks) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "audio_dropped_samples_total",
			Help: "Audio samples discarded on overflow or resync",
		}, func() float64 { return float64(m.audioStats().DroppedSamples) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "audio_resyncs_total",
			Help: "Audio timeline resynchronizations",
		}, func() float64 { return float64(m.audioStats().Resyncs) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "audio_buffered_samples",
			Help: "Samples per channel buffered in the audio ring",
		}, func() float64 { return float64(m.audioStats().Buffered) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "audio_peak_dbfs",
			Help: "Peak level of the latest audio block",
		}, func() float64 {
			m.mu.RLock()
			peak := m.audioPeak
			m.mu.RUnlock()
			if peak == nil {
				return audio.Silence
			}
			return peak()
		}),
	)
	return m
}

func (m *Metrics) audioStats() audio.Stats {
	m.mu.RLock()
	fn := m.audio
	m.mu.RUnlock()
	return get(fn)
}

func get[T any](fn func() T) T {
	if fn == nil {
		var zero T
		return zero
	}
	return fn()
}

func (m *Metrics) counter(name, help string, fn func(Sources) float64) {
	m.add(name, help, prometheus.CounterValue, fn)
}

func (m *Metrics) gauge(name, help string, fn func(Sources) float64) {
	m.add(name, help, prometheus.GaugeValue, fn)
}

func (m *Metrics) add(name, help string, kind prometheus.ValueType, fn func(Sources) float64) {
	m.streams = append(m.streams, streamMetric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"stream"}, nil),
		kind:  kind,
		value: fn,
	})
}

type attached struct {
	src Sources
	gen uint64
}

// streamCollector emits every per-stream series for each attached pipeline.
type streamCollector struct{ m *Metrics }

func (c streamCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, sm := range c.m.streams {
		ch <- sm.desc
	}
}

func (c streamCollector) Collect(ch chan<- prometheus.Metric) {
	c.m.mu.RLock()
	keys := make([]string, 0, len(c.m.src))
	for k := range c.m.src {
		keys = append(keys, k)
	}
	srcs := make([]Sources, len(keys))
	sort.Strings(keys)
	for i, k := range keys {
		srcs[i] = c.m.src[k].src
	}
	c.m.mu.RUnlock()

	for i, k := range keys {
		for _, sm := range c.m.streams {
			ch <- prometheus.MustNewConstMetric(sm.desc, sm.kind, sm.value(srcs[i]), k)
		}
	}
}

// Attach publishes src under stream until the returned func is called.
// Attaching a key that is already present replaces it, and the replaced
// session's detach becomes a no-op.
func (m *Metrics) Attach(stream string, src Sources) (detach func()) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.src[stream] = attached{src: src, gen: gen}
	m.mu.Unlock()
	m.sessions.Inc()

	return func() {
		m.mu.Lock()
		cur, ok := m.src[stream]
		if !ok || cur.gen != gen {
			m.mu.Unlock()
			return
		}
		delete(m.src, stream)
		m.mu.Unlock()
		m.sinkErrors.DeleteLabelValues(stream)
		m.repeats.DeleteLabelValues(stream)
	}
}

// AttachAudio points the audio collectors at a running audio lane. Nil
// getters detach it.
func (m *Metrics) AttachAudio(stats func() audio.Stats, peak func() float64) {
	m.mu.Lock()
	m.audio, m.audioPeak = stats, peak
	m.mu.Unlock()
}

// SinkError counts one failed delivery for stream.
func (m *Metrics) SinkError(stream string) { m.sinkErrors.WithLabelValues(stream).Inc() }

// FrameRepeated counts one re-encoded starved frame for stream.
func (m *Metrics) FrameRepeated(stream string) { m.repeats.WithLabelValues(stream).Inc() }

// Registry exposes the registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
