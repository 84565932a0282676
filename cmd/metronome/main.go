package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/metronome/internal/audio"
	"github.com/zsiec/metronome/internal/certs"
	"github.com/zsiec/metronome/internal/control"
	"github.com/zsiec/metronome/internal/encoder"
	"github.com/zsiec/metronome/internal/ingest"
	srtingest "github.com/zsiec/metronome/internal/ingest/srt"
	"github.com/zsiec/metronome/internal/metrics"
	"github.com/zsiec/metronome/internal/pipeline"
	"github.com/zsiec/metronome/internal/sink"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "loading .env:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode := envOr("MODE", "transcode"); mode {
	case "transcode":
		err = runTranscoder(ctx)
	case "receive":
		err = runReceiver(ctx)
	default:
		err = fmt.Errorf("unknown MODE %q", mode)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type app struct {
	ctx      context.Context
	outDir   string
	push     string
	pushPin  [32]byte
	encCfg   encoder.Config
	gopFloor time.Duration
	metrics  *metrics.Metrics
	registry *ingest.Registry
	mgr      *pipeline.Manager
	caller   *srtingest.Caller
}

func runTranscoder(ctx context.Context) error {
	srtAddr := envOr("SRT_ADDR", ":6000")
	apiAddr := envOr("API_ADDR", ":4444")

	encCfg := encoder.DefaultConfig()
	encCfg.FPS = envInt("FPS", encCfg.FPS)
	encCfg.Bitrate = envInt("BITRATE_KBPS", encCfg.Bitrate)
	encCfg.GopTime = envDuration("GOP_TIME", 0)
	if err := encCfg.Validate(); err != nil {
		return err
	}

	a := &app{
		outDir:   envOr("OUTPUT_DIR", "out"),
		push:     os.Getenv("PUSH_ADDR"),
		encCfg:   encCfg,
		gopFloor: envDuration("MIN_GOP_TIME", 0),
		metrics:  metrics.New(),
	}
	if a.push != "" {
		pin, err := certs.ParseFingerprint(os.Getenv("PUSH_FINGERPRINT"))
		if err != nil {
			return fmt.Errorf("PUSH_FINGERPRINT: %w", err)
		}
		a.pushPin = pin
	}

	slog.Info("metronome starting",
		"version", version,
		"srt", srtAddr,
		"api", apiAddr,
		"output", a.outDir,
		"push", a.push,
		"fps", encCfg.FPS,
	)

	g, ctx := errgroup.WithContext(ctx)
	a.ctx = ctx

	// The manager and registry are built on the errgroup context so every
	// session stops when any component fails.
	a.mgr = pipeline.NewManager(ctx, pipeline.Config{
		QueueSize:      envInt("QUEUE_SIZE", 0),
		QueueDelay:     envDuration("QUEUE_DELAY", 0),
		TargetDuration: envDuration("SEGMENT_DURATION", 0),
	}, a.newSession, a.metrics, nil)
	a.registry = ingest.NewRegistry(a.mgr.HandleStream, nil)
	a.caller = srtingest.NewCaller(a.registry, nil)

	srtSrv := srtingest.NewServer(srtAddr, a.registry, nil)
	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	if addr := os.Getenv("SRT_PULL_ADDR"); addr != "" {
		req := srtingest.PullRequest{
			Address:   addr,
			StreamKey: envOr("SRT_PULL_KEY", "pull"),
			StreamID:  os.Getenv("SRT_PULL_STREAM_ID"),
		}
		if err := a.caller.Pull(ctx, req); err != nil {
			return fmt.Errorf("initial SRT pull: %w", err)
		}
	}

	if path := os.Getenv("AUDIO_PCM"); path != "" {
		g.Go(func() error {
			return a.runAudio(ctx, path)
		})
	}

	apiSrv := &http.Server{
		Addr:              apiAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("HTTP API listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.mgr.Wait()
	return err
}

// newSession builds the encoder stage and the sinks for one stream.
func (a *app) newSession(key string) (*encoder.Stage, sink.Sink, error) {
	log := slog.With("stream", key)
	opts := []encoder.Option{encoder.WithLogger(log)}
	if a.gopFloor > 0 {
		opts = append(opts, encoder.WithMinGopTime(a.gopFloor))
	}
	stage, err := encoder.NewStage(encoder.NewPassthrough(0, log), a.encCfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	files, err := sink.NewFileSink(filepath.Join(a.outDir, key), log)
	if err != nil {
		return nil, nil, err
	}
	if a.push == "" {
		log.Info("writing segments", "dir", files.Dir())
		return stage, files, nil
	}

	q, err := sink.DialQUIC(a.ctx, a.push, certs.PinnedClientConfig(a.pushPin, sink.ALPN), log)
	if err != nil {
		files.Close()
		return nil, nil, err
	}
	log.Info("writing segments", "dir", files.Dir(), "push", a.push)
	return stage, sink.Tee{files, q}, nil
}

func (a *app) runAudio(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audio input: %w", err)
	}
	defer f.Close()

	lane, err := pipeline.NewAudioLane(audio.Config{
		Channels:     envInt("AUDIO_CHANNELS", 2),
		SampleRate:   envInt("AUDIO_RATE", 48000),
		BlockSamples: 1024,
		DepthBlocks:  16,
		Tolerance:    100 * time.Millisecond,
	}, a.metrics, nil, nil)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	err = lane.Run(ctx, f)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /api/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.mgr.List())
	})
	mux.HandleFunc("GET /api/streams/{key}/ingest", func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.registry.Get(r.PathValue("key"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, s.Stats())
	})
	mux.HandleFunc("/api/streams/{key}/control", func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.mgr.Get(r.PathValue("key"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		control.New(p.Stage(), nil, slog.With("stream", r.PathValue("key"))).ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /api/srt/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.caller.Active())
	})
	mux.HandleFunc("POST /api/srt/pulls", func(w http.ResponseWriter, r *http.Request) {
		var req srtingest.PullRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := a.caller.Pull(a.ctx, req); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /api/srt/pulls/{key}", func(w http.ResponseWriter, r *http.Request) {
		if err := a.caller.Stop(r.PathValue("key")); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// runReceiver accepts pushed segments over QUIC and writes each sender's
// session to its own directory.
func runReceiver(ctx context.Context) error {
	addr := envOr("RECEIVE_ADDR", ":4443")
	cert, err := certs.Generate(certs.DefaultValidity)
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}

	root := envOr("OUTPUT_DIR", "received")
	recv, err := sink.ListenQUIC(addr, cert.ServerConfig(sink.ALPN), func(remote net.Addr) (sink.Sink, error) {
		files, err := sink.NewFileSink(root, slog.With("remote", remote.String()))
		if err != nil {
			return nil, err
		}
		slog.Info("receiving session", "remote", remote.String(), "dir", files.Dir())
		return files, nil
	}, nil)
	if err != nil {
		return err
	}
	slog.Info("receiver listening",
		"addr", recv.Addr().String(),
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
		"output", root,
	)
	return recv.Serve(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer", "key", key, "value", v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration", "key", key, "value", v)
		return fallback
	}
	return d
}
