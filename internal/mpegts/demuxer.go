package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
)

// Unit is one demuxed item. Exactly one field is set.
type Unit struct {
	PAT *PAT
	PMT *PMT
	PES *PES
}

// DemuxStats counts stream integrity events.
type DemuxStats struct {
	Packets        uint64
	CorruptPackets uint64
	CCErrors       uint64
	BadSections    uint64
}

// Demuxer reads transport stream packets from an io.Reader and emits PSI
// tables and reassembled PES packets. Not safe for concurrent use.
type Demuxer struct {
	ctx    context.Context
	log    *slog.Logger
	r      io.Reader
	buf    []byte
	pmtPID map[uint16]bool
	pids   map[uint16]*assembler
	queue  []Unit
	eof    bool
	stats  DemuxStats
}

// NewDemuxer creates a demuxer reading from r. Reads stop once ctx is done.
func NewDemuxer(ctx context.Context, r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		ctx:    ctx,
		log:    log.With("component", "ts-demuxer"),
		r:      r,
		buf:    make([]byte, PacketSize),
		pmtPID: make(map[uint16]bool),
		pids:   make(map[uint16]*assembler),
	}
}

// Next returns the next unit. At end of input buffered payloads are flushed
// before io.EOF is returned.
func (d *Demuxer) Next() (Unit, error) {
	for {
		if len(d.queue) > 0 {
			u := d.queue[0]
			d.queue = d.queue[1:]
			return u, nil
		}
		if d.eof {
			return Unit{}, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return Unit{}, err
		}

		if _, err := io.ReadFull(d.r, d.buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.flushAll()
				continue
			}
			return Unit{}, err
		}
		d.stats.Packets++

		p, err := parsePacket(d.buf)
		if err != nil {
			d.stats.CorruptPackets++
			continue
		}
		if done := d.assembler(p.PID).add(p, &d.stats); done != nil {
			d.emit(p.PID, done)
		}
	}
}

// Stats returns integrity counters.
func (d *Demuxer) Stats() DemuxStats { return d.stats }

func (d *Demuxer) assembler(pid uint16) *assembler {
	a, ok := d.pids[pid]
	if !ok {
		a = &assembler{psi: d.isPSI(pid)}
		d.pids[pid] = a
	}
	return a
}

func (d *Demuxer) isPSI(pid uint16) bool {
	return pid == pidPAT || d.pmtPID[pid]
}

func (d *Demuxer) flushAll() {
	// PAT first so PMT PIDs are known when their sections are parsed.
	for _, pid := range slices.Sorted(maps.Keys(d.pids)) {
		if done := d.pids[pid].flush(); done != nil {
			d.emit(pid, done)
		}
	}
}

func (d *Demuxer) emit(pid uint16, payload []byte) {
	if d.isPSI(pid) {
		sections(payload, func(s []byte) { d.emitSection(s) })
		return
	}
	if !hasStartCode(payload) {
		return
	}
	pes, err := parsePES(pid, payload)
	if err != nil {
		d.log.Debug("dropping PES", "pid", pid, "error", err)
		return
	}
	d.queue = append(d.queue, Unit{PES: pes})
}

func (d *Demuxer) emitSection(s []byte) {
	switch s[0] {
	case tableIDPAT:
		pat, err := parsePAT(s)
		if err != nil {
			d.stats.BadSections++
			d.log.Debug("bad PAT", "error", err)
			return
		}
		for _, pid := range pat.Programs {
			d.pmtPID[pid] = true
			if a, ok := d.pids[pid]; ok {
				a.psi = true
			}
		}
		d.queue = append(d.queue, Unit{PAT: pat})
	case tableIDPMT:
		pmt, err := parsePMT(s)
		if err != nil {
			d.stats.BadSections++
			d.log.Debug("bad PMT", "error", err)
			return
		}
		d.queue = append(d.queue, Unit{PMT: pmt})
	}
}

// assembler collects one PID's payloads between payload_unit_start flags.
type assembler struct {
	psi     bool
	started bool
	lastCC  uint8
	data    []byte
}

// add appends p and returns a completed payload when one closed.
func (a *assembler) add(p *Packet, st *DemuxStats) []byte {
	if p.TransportError {
		a.reset()
		return nil
	}
	if !p.HasPayload {
		return nil
	}

	if a.started && !p.Discontinuity {
		want := (a.lastCC + 1) & 0x0F
		switch p.ContinuityCounter {
		case want:
		case a.lastCC:
			return nil // duplicate
		default:
			st.CCErrors++
			a.reset()
		}
	}

	var done []byte
	if p.PayloadStart && len(a.data) > 0 {
		done = a.data
		a.data = nil
	}
	if !p.PayloadStart && len(a.data) == 0 {
		// Continuation of a unit whose start was lost.
		a.lastCC, a.started = p.ContinuityCounter, true
		return done
	}

	a.data = append(a.data, p.Payload...)
	a.lastCC, a.started = p.ContinuityCounter, true

	if done == nil && a.psi && sections(a.data, nil) {
		done = a.data
		a.data = nil
	}
	return done
}

func (a *assembler) flush() []byte {
	d := a.data
	a.data = nil
	if len(d) == 0 {
		return nil
	}
	return d
}

func (a *assembler) reset() {
	a.data = nil
	a.started = false
}
