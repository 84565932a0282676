package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/metronome/internal/encoder"
	"github.com/zsiec/metronome/internal/ingest"
	"github.com/zsiec/metronome/internal/metrics"
	"github.com/zsiec/metronome/internal/sink"
)

// SessionFactory builds the per-session encoder stage and sink for a
// stream key. The manager closes the sink when the session ends.
type SessionFactory func(key string) (*encoder.Stage, sink.Sink, error)

// Manager runs one pipeline per live ingest stream.
type Manager struct {
	log     *slog.Logger
	ctx     context.Context
	cfg     Config
	factory SessionFactory
	metrics *metrics.Metrics

	mu      sync.RWMutex
	running map[string]*Pipeline
	wg      sync.WaitGroup
}

// NewManager creates a manager whose pipelines stop when ctx is cancelled.
// cfg is the template for every session; StreamKey is filled in per stream.
func NewManager(ctx context.Context, cfg Config, factory SessionFactory, m *metrics.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "pipeline-manager"),
		ctx:     ctx,
		cfg:     cfg,
		factory: factory,
		metrics: m,
		running: make(map[string]*Pipeline),
	}
}

// HandleStream runs a pipeline over s until its input ends. It has the
// shape of an ingest.Registry callback.
func (m *Manager) HandleStream(s *ingest.Stream) {
	m.wg.Add(1)
	defer m.wg.Done()

	log := m.log.With("stream", s.Key, "session", s.SessionID)
	if err := m.run(s, log); err != nil {
		log.Error("session failed", "error", err)
	}
}

func (m *Manager) run(s *ingest.Stream, log *slog.Logger) error {
	stage, out, err := m.factory(s.Key)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Warn("closing sink", "error", err)
		}
	}()

	cfg := m.cfg
	cfg.StreamKey = s.Key
	p, err := New(cfg, stage, out, m.metrics, m.log)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.running[s.Key]; ok {
		m.mu.Unlock()
		log.Warn("pipeline already running, rejecting duplicate")
		return fmt.Errorf("pipeline for %q already running", s.Key)
	}
	m.running[s.Key] = p
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, s.Key)
		m.mu.Unlock()
		log.Info("session ended")
	}()

	log.Info("session started")
	return p.Run(m.ctx, s.Input())
}

// Get returns the running pipeline for key.
func (m *Manager) Get(key string) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.running[key]
	return p, ok
}

// List returns stats for every running pipeline, ordered by key.
func (m *Manager) List() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.running))
	for _, p := range m.running {
		out = append(out, p.Stats())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

// Wait blocks until every session handled so far has ended.
func (m *Manager) Wait() { m.wg.Wait() }
