package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/metronome/internal/segmenter"
)

// ALPN is the application protocol negotiated for segment transport.
const ALPN = "metronome-segments"

const (
	closeNormal   quic.ApplicationErrorCode = 0
	closeProtocol quic.ApplicationErrorCode = 1
	idleTimeout                             = 30 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: idleTimeout / 3,
	}
}

// QUICSink sends each init and media segment on its own unidirectional
// stream of one QUIC connection, so a slow segment never blocks the next.
type QUICSink struct {
	log  *slog.Logger
	conn quic.Connection
}

// DialQUIC connects to a QUICReceiver at addr. tlsConf must offer ALPN.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, log *slog.Logger) (*QUICSink, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", addr, err)
	}
	log = log.With("component", "quic-sink", "remote", conn.RemoteAddr())
	log.Info("connected")
	return &QUICSink{log: log, conn: conn}, nil
}

func (q *QUICSink) WriteInit(ctx context.Context, init []byte) error {
	return q.send(ctx, KindInit, nil, init)
}

func (q *QUICSink) WriteSegment(ctx context.Context, seg *segmenter.Segment) error {
	return q.send(ctx, KindSegment, seg, seg.Data)
}

func (q *QUICSink) send(ctx context.Context, kind byte, seg *segmenter.Segment, payload []byte) error {
	str, err := q.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("sink: open stream: %w", err)
	}
	if err := writeMessage(str, kind, seg, payload); err != nil {
		str.CancelWrite(0)
		return fmt.Errorf("sink: send: %w", err)
	}
	return str.Close()
}

// Close closes the connection.
func (q *QUICSink) Close() error {
	return q.conn.CloseWithError(closeNormal, "done")
}

// OpenFunc opens the destination for one sender connection. The receiver
// closes it when the connection ends.
type OpenFunc func(remote net.Addr) (Sink, error)

// QUICReceiver accepts segment streams and forwards each sender's messages
// to its own Sink.
type QUICReceiver struct {
	log  *slog.Logger
	ln   *quic.Listener
	open OpenFunc
}

// ListenQUIC binds addr. tlsConf must carry a certificate and ALPN.
func ListenQUIC(addr string, tlsConf *tls.Config, open OpenFunc, log *slog.Logger) (*QUICReceiver, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("sink: listen %s: %w", addr, err)
	}
	log = log.With("component", "quic-receiver")
	log.Info("listening", "addr", ln.Addr())
	return &QUICReceiver{log: log, ln: ln, open: open}, nil
}

// Addr returns the bound address.
func (r *QUICReceiver) Addr() net.Addr { return r.ln.Addr() }

// Serve accepts connections until ctx is cancelled.
func (r *QUICReceiver) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()
	for {
		conn, err := r.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("sink: accept: %w", err)
		}
		go r.handleConn(ctx, conn)
	}
}

func (r *QUICReceiver) handleConn(ctx context.Context, conn quic.Connection) {
	log := r.log.With("remote", conn.RemoteAddr())
	dst, err := r.open(conn.RemoteAddr())
	if err != nil {
		log.Error("opening destination", "error", err)
		conn.CloseWithError(closeProtocol, "destination unavailable")
		return
	}
	log.Info("sender connected")

	var (
		wg sync.WaitGroup
		mu sync.Mutex // serializes writes to dst
	)
	defer func() {
		wg.Wait()
		if err := dst.Close(); err != nil {
			log.Warn("closing destination", "error", err)
		}
	}()

	for {
		str, err := conn.AcceptUniStream(ctx)
		if err != nil {
			log.Info("sender gone", "reason", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := readMessage(str)
			if err != nil {
				log.Warn("bad message", "stream", str.StreamID(), "error", err)
				conn.CloseWithError(closeProtocol, "malformed message")
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if msg.Kind == KindInit {
				err = dst.WriteInit(ctx, msg.Init)
			} else {
				err = dst.WriteSegment(ctx, msg.Segment)
			}
			if err != nil {
				log.Error("forward failed", "error", err)
			}
		}()
	}
}

// Close stops the listener.
func (r *QUICReceiver) Close() error { return r.ln.Close() }
