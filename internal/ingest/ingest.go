// Package ingest accepts live transport streams and turns them into timed
// frames in a framequeue. The Registry is the rendezvous between a network
// listener writing bytes and the pipeline that consumes them.
package ingest

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateStream is returned by Register for a key that is already live.
var ErrDuplicateStream = errors.New("ingest: stream key already active")

// ConnStats captures connection-level counters for one ingest stream.
type ConnStats struct {
	SessionID     string `json:"sessionId"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one live ingest connection. Bytes written to it by a listener
// are read by the pipeline from Input.
type Stream struct {
	Key       string
	SessionID uuid.UUID
	StartedAt time.Time

	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Write forwards b to the reading side and counts it.
func (s *Stream) Write(b []byte) (int, error) {
	n, err := s.pw.Write(b)
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
	return n, err
}

// Input is the byte stream the pipeline demuxes.
func (s *Stream) Input() io.Reader { return s.pr }

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// SetRemoteAddr records the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the connection counters.
func (s *Stream) Stats() ConnStats {
	addr, _ := s.remoteAddr.Load().(string)
	return ConnStats{
		SessionID:     s.SessionID.String(),
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks live streams by key and hands each new one to onStream.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	streams  map[string]*Stream
	onStream func(s *Stream)
}

// NewRegistry creates a Registry. onStream, if set, runs in its own
// goroutine for every registered stream; the stream is unregistered by the
// listener that created it.
func NewRegistry(onStream func(s *Stream), log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "ingest-registry"),
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream for key. A second publisher on a live key is
// rejected so two sources never interleave into one pipeline.
func (r *Registry) Register(key string) (*Stream, error) {
	pr, pw := io.Pipe()
	s := &Stream{
		Key:       key,
		SessionID: uuid.New(),
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		r.log.Warn("rejecting duplicate publisher", "key", key)
		return nil, ErrDuplicateStream
	}
	r.streams[key] = s
	r.mu.Unlock()

	r.log.Info("stream registered", "key", key, "session", s.SessionID)
	if r.onStream != nil {
		go r.onStream(s)
	}
	return s, nil
}

// Unregister removes key, closes its pipe, and signals Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	s, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		s.pw.Close()
		close(s.done)
		r.log.Info("stream unregistered", "key", key, "session", s.SessionID)
	}
}

// Get returns the stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns the live streams ordered by key.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
