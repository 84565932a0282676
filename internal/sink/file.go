package sink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zsiec/metronome/internal/segmenter"
)

const (
	initName     = "init.mp4"
	playlistName = "playlist.m3u8"
)

// SegmentName returns the file name used for media segment seq.
func SegmentName(seq uint32) string {
	return fmt.Sprintf("seg-%05d.m4s", seq)
}

type playlistEntry struct {
	seq     uint32
	seconds float64
}

// FileSink writes each session into its own directory under a root:
// init.mp4, numbered .m4s segments, and an HLS playlist that is rewritten
// after every segment. Safe for concurrent use.
type FileSink struct {
	log     *slog.Logger
	dir     string
	session uuid.UUID

	mu      sync.Mutex
	entries []playlistEntry
	closed  bool
}

// NewFileSink creates <root>/<session>/ for a fresh session ID.
func NewFileSink(root string, log *slog.Logger) (*FileSink, error) {
	if log == nil {
		log = slog.Default()
	}
	session := uuid.New()
	dir := filepath.Join(root, session.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create session dir: %w", err)
	}
	log = log.With("component", "file-sink", "session", session)
	log.Info("writing session", "dir", dir)
	return &FileSink{log: log, dir: dir, session: session}, nil
}

// Dir returns the session directory.
func (f *FileSink) Dir() string { return f.dir }

// Session returns the session ID naming the directory.
func (f *FileSink) Session() uuid.UUID { return f.session }

func (f *FileSink) WriteInit(_ context.Context, init []byte) error {
	return f.writeFile(initName, init)
}

func (f *FileSink) WriteSegment(_ context.Context, seg *segmenter.Segment) error {
	if err := f.writeFile(SegmentName(seg.SequenceNumber), seg.Data); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e := playlistEntry{seq: seg.SequenceNumber, seconds: seg.Seconds()}
	i, _ := slices.BinarySearchFunc(f.entries, e.seq, func(a playlistEntry, seq uint32) int {
		return int(int64(a.seq) - int64(seq))
	})
	f.entries = slices.Insert(f.entries, i, e)
	return f.writePlaylist()
}

// Close finalizes the playlist with an end marker.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.writePlaylist()
}

// writePlaylist must be called with mu held.
func (f *FileSink) writePlaylist() error {
	target := 1.0
	for _, e := range f.entries {
		target = max(target, e.seconds)
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	if len(f.entries) > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", f.entries[0].seq)
	}
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", initName)
	for _, e := range f.entries {
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n%s\n", e.seconds, SegmentName(e.seq))
	}
	if f.closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return f.writeFile(playlistName, []byte(b.String()))
}

// writeFile replaces name atomically so readers never see a partial file.
func (f *FileSink) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sink: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sink: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.dir, name)); err != nil {
		return fmt.Errorf("sink: rename %s: %w", name, err)
	}
	f.log.Debug("wrote", "file", name, "bytes", len(data))
	return nil
}
