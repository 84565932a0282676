package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/metronome/internal/ingest"
)

const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT listener to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

func (r PullRequest) validate() error {
	if r.Address == "" {
		return errors.New("srt: address is required")
	}
	if r.StreamKey == "" {
		return errors.New("srt: streamKey is required")
	}
	return nil
}

func (r PullRequest) streamID() string {
	if r.StreamID != "" {
		return r.StreamID
	}
	return "live/" + r.StreamKey
}

// Caller dials remote SRT sources and feeds them into the registry as if
// they had published.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]context.CancelFunc
}

// NewCaller creates a Caller registering pulled streams with registry.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]context.CancelFunc),
	}
}

// Pull dials req.Address and, once connected, streams in the background
// until ctx is cancelled, Stop is called, or the remote closes.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.streamID()

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", req.Address, res.err)
		}
		return c.start(ctx, req, res.conn)
	case <-timer.C:
		go closeLate(ch)
		return fmt.Errorf("srt: dial %s timed out after %s", req.Address, dialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate waits for an abandoned dial and closes whatever it produced.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

func (c *Caller) start(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	stream, err := c.registry.Register(req.StreamKey)
	if err != nil {
		conn.Close()
		return fmt.Errorf("srt: pull %q: %w", req.StreamKey, err)
	}
	stream.SetRemoteAddr(req.Address)

	pullCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pulls[req.StreamKey] = cancel
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey, "session", stream.SessionID)

	go func() {
		defer func() {
			stats := stream.Stats()
			c.registry.Unregister(req.StreamKey)
			c.mu.Lock()
			delete(c.pulls, req.StreamKey)
			c.mu.Unlock()
			cancel()
			c.log.Info("pull ended", "stream_key", req.StreamKey,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		go func() {
			<-pullCtx.Done()
			conn.Close()
		}()
		copyInto(pullCtx, conn, stream, c.log)
	}()
	return nil
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	cancel, ok := c.pulls[streamKey]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("srt: no active pull for stream key %q", streamKey)
	}
	cancel()
	return nil
}

// Active returns the stream keys currently being pulled.
func (c *Caller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pulls))
	for k := range c.pulls {
		out = append(out, k)
	}
	return out
}
