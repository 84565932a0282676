package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/metronome/internal/audio"
	"github.com/zsiec/metronome/internal/metrics"
	"github.com/zsiec/metronome/media"
)

// AudioLane reads live interleaved 16-bit PCM, regroups it into fixed
// blocks, and meters each block. Chunks are stamped with their arrival
// time, so a stalled capture shows up as a resync rather than silent drift.
type AudioLane struct {
	log     *slog.Logger
	cfg     audio.Config
	rb      *audio.Rebuffer
	meter   *audio.Meter
	metrics *metrics.Metrics
	now     func() time.Time
	onBlock func(*media.AudioBlock)
}

// NewAudioLane validates cfg. BytesPerSample is forced to 2. onBlock, if
// set, sees every block before it is reused.
func NewAudioLane(cfg audio.Config, m *metrics.Metrics, onBlock func(*media.AudioBlock), log *slog.Logger) (*AudioLane, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.BytesPerSample = 2
	rb, err := audio.NewRebuffer(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &AudioLane{
		log:     log.With("component", "audio-lane"),
		cfg:     cfg,
		rb:      rb,
		meter:   audio.NewMeter(),
		metrics: m,
		now:     time.Now,
		onBlock: onBlock,
	}, nil
}

// Stats returns the rebuffer counters.
func (a *AudioLane) Stats() audio.Stats { return a.rb.Stats() }

// Peak returns the level of the latest block in dBFS.
func (a *AudioLane) Peak() float64 { return a.meter.Peak() }

// Run consumes r until it ends or ctx is cancelled.
func (a *AudioLane) Run(ctx context.Context, r io.Reader) error {
	if a.metrics != nil {
		a.metrics.AttachAudio(a.rb.Stats, a.meter.Peak)
		defer a.metrics.AttachAudio(nil, nil)
	}
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	frameBytes := a.cfg.Channels * a.cfg.BytesPerSample
	// Read in quarter blocks so chunk and block boundaries rarely align.
	chunk := make([]byte, max(1, a.cfg.BlockSamples/4)*frameBytes)
	var (
		planes [][]byte
		block  media.AudioBlock
		start  = a.now()
	)
	a.log.Info("audio lane started", "rate", a.cfg.SampleRate, "channels", a.cfg.Channels)

	for {
		n, err := io.ReadFull(r, chunk)
		if n >= frameBytes {
			var samples int
			planes, samples = audio.Deinterleave(planes, chunk[:n], a.cfg.Channels, a.cfg.BytesPerSample)
			chunkDur := time.Duration(samples) * time.Second / time.Duration(a.cfg.SampleRate)
			pts := a.now().Sub(start) - chunkDur
			if perr := a.rb.Push(pts, planes, samples); perr != nil {
				return fmt.Errorf("pipeline: audio: %w", perr)
			}
			for {
				ok, perr := a.rb.Pull(&block)
				if perr != nil {
					return fmt.Errorf("pipeline: audio: %w", perr)
				}
				if !ok {
					break
				}
				a.meter.Observe(&block)
				if a.onBlock != nil {
					a.onBlock(&block)
				}
			}
		}
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			st := a.rb.Stats()
			a.log.Info("audio input ended", "blocks", st.Blocks, "dropped_samples", st.DroppedSamples, "resyncs", st.Resyncs)
			return nil
		default:
			return fmt.Errorf("pipeline: audio read: %w", err)
		}
	}
}
