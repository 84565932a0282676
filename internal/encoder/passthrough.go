package encoder

import (
	"errors"
	"log/slog"

	"github.com/zsiec/metronome/internal/avc"
	"github.com/zsiec/metronome/media"
)

var errEmptyFrame = errors.New("encoder: empty frame")

// Passthrough is an Encoder for input that is already coded H.264. It
// re-emits each access unit in submission order after a fixed pipeline
// depth, the way a real encoder's lookahead delays output, so the stage's
// timestamp handshake runs unchanged in remux mode. Units keep the decode
// time they were submitted with, which must be set when the stream carries
// B-frames. A forced synchronization frame cannot be produced; such
// requests are counted and otherwise ignored.
type Passthrough struct {
	log        *slog.Logger
	depth      int
	pending    []pendingUnit
	spare      [][]byte
	unhonored  uint64
	configured Config
}

type pendingUnit struct {
	index int64
	data  []byte
	key   bool
}

// NewPassthrough creates a passthrough encoder holding depth frames.
func NewPassthrough(depth int, log *slog.Logger) *Passthrough {
	if log == nil {
		log = slog.Default()
	}
	if depth < 0 {
		depth = 0
	}
	return &Passthrough{
		log:   log.With("component", "passthrough-encoder"),
		depth: depth,
	}
}

// Configure records cfg; nothing in a coded stream can be changed.
func (p *Passthrough) Configure(cfg Config) error {
	p.configured = cfg
	return nil
}

// Encode queues in and returns the access unit submitted depth frames ago.
func (p *Passthrough) Encode(in *media.Frame, index int64, forceSync bool) (Output, bool, error) {
	if len(in.Data) == 0 {
		return Output{}, false, errEmptyFrame
	}
	key := in.IsKeyframe || avc.IsSync(in.Data)
	if forceSync && !key {
		p.unhonored++
		p.log.Debug("keyframe request not honored in passthrough", "seq", in.SequenceNumber)
	}

	p.pending = append(p.pending, pendingUnit{
		index: index,
		data:  append(p.buffer(), in.Data...),
		key:   key,
	})
	if len(p.pending) <= p.depth {
		return Output{}, false, nil
	}
	return p.pop(), true, nil
}

// Drain returns the next delayed access unit, if any.
func (p *Passthrough) Drain() (Output, bool, error) {
	if len(p.pending) == 0 {
		return Output{}, false, nil
	}
	return p.pop(), true, nil
}

func (p *Passthrough) pop() Output {
	u := p.pending[0]
	p.pending = p.pending[1:]
	// The stage copies Data before the next call; recycle it then.
	p.spare = append(p.spare, u.data[:0])
	return Output{
		Data:         u.data,
		Keyframe:     u.key,
		DisplayIndex: u.index,
		DecodeIndex:  u.index,
		Coded:        true,
	}
}

func (p *Passthrough) buffer() []byte {
	// Keep the most recently returned buffer out of rotation until the
	// caller has copied it.
	if len(p.spare) < 2 {
		return nil
	}
	b := p.spare[0]
	p.spare = p.spare[1:]
	return b
}

// Unhonored returns how many keyframe requests could not be satisfied.
func (p *Passthrough) Unhonored() uint64 { return p.unhonored }

// Pending returns the number of delayed access units.
func (p *Passthrough) Pending() int { return len(p.pending) }
