package store

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/entrace-dev/entrace/pkg/enbin"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// Observer receives ingest events, typically to drive metrics. All
// methods may be called from the network goroutine.
type Observer interface {
	ConnOpened()
	ConnClosed()
	FrameReceived(payloadBytes int)
	SpanIngested()
	DecodeError()
}

type nopObserver struct{}

func (nopObserver) ConnOpened()       {}
func (nopObserver) ConnClosed()       {}
func (nopObserver) FrameReceived(int) {}
func (nopObserver) SpanIngested()     {}
func (nopObserver) DecodeError()      {}

// IngestConfig configures the socket ingest server.
type IngestConfig struct {
	// Addr is the TCP listen address, e.g. ":9180".
	Addr string

	// BufferFrames bounds the frame queue between the socket reader and
	// the decoder. When the queue is full further socket reads block,
	// which pushes back on the sender. Default 1024.
	BufferFrames int

	Logger   zerolog.Logger
	Observer Observer
}

// IngestServer receives spans over the length-prefixed wire protocol
// and appends them to an in-memory store. Identifiers are assigned in
// arrival order starting at 1; the root is 0 and never transmitted.
type IngestServer struct {
	cfg IngestConfig
	ln  net.Listener
	log zerolog.Logger
	obs Observer

	mu    sync.RWMutex
	store *MemStore
}

// NewIngestServer binds the listen address.
func NewIngestServer(cfg IngestConfig) (*IngestServer, error) {
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = 1024
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, trace.IoError(err)
	}
	return &IngestServer{
		cfg:   cfg,
		ln:    ln,
		log:   cfg.Logger,
		obs:   cfg.Observer,
		store: NewMemStore(),
	}, nil
}

// Addr returns the bound listen address.
func (s *IngestServer) Addr() net.Addr { return s.ln.Addr() }

// Store returns the span buffer. Safe to read once Serve has returned;
// while serving, readers must hold no expectation of a stable count.
func (s *IngestServer) Store() *MemStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// SpanCount returns the current span count, safe to call while the
// server is receiving.
func (s *IngestServer) SpanCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.SpanCount()
}

// Serve accepts connections one at a time until the context is
// cancelled, appending every received span to the store. A client
// closing its connection between frames is a graceful end of stream; a
// half frame is reported and drops that connection only.
func (s *IngestServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	s.log.Info().Str("addr", s.ln.Addr().String()).Msg("server started, waiting for connections")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return trace.IoError(err)
		}
		s.obs.ConnOpened()
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("received connection")
		err = s.serveConn(ctx, conn)
		conn.Close()
		s.obs.ConnClosed()
		switch {
		case err == nil:
			s.log.Info().Msg("remote closed connection")
		case ctx.Err() != nil:
			return nil
		default:
			s.log.Error().Err(err).Msg("connection failed")
		}
	}
}

func (s *IngestServer) serveConn(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var m [trace.MagicLen]byte
	if _, err := io.ReadFull(conn, m[:]); err != nil {
		return trace.IoError(err)
	}
	_, format, err := trace.ParseMagic(m)
	if err != nil {
		return err
	}
	if format != trace.FormatStreamPrefixed {
		return &trace.FormatError{Reason: "socket clients must use the length-prefixed stream form"}
	}

	// The socket reader and the decoder are decoupled by a bounded
	// queue; a full queue blocks the reader, bounding memory.
	frames := make(chan []byte, s.cfg.BufferFrames)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			body, err := enbin.ReadFullFrame(conn, maxRecordLen)
			if err != nil {
				if err == io.EOF {
					readErr <- nil
				} else if err == io.ErrUnexpectedEOF {
					readErr <- trace.ErrIncompleteFrame
				} else if errors.Is(err, enbin.ErrInvalid) {
					readErr <- err
				} else {
					readErr <- trace.IoError(err)
				}
				return
			}
			s.obs.FrameReceived(len(body))
			select {
			case frames <- body:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	for body := range frames {
		rec, n, err := trace.DecodeRecord(body)
		if err != nil || n != len(body) {
			s.obs.DecodeError()
			if err == nil {
				err = trace.CorruptIndexError("frame of %d bytes decoded as %d-byte record", len(body), n)
			}
			s.log.Error().Err(err).Msg("dropping undecodable frame")
			continue
		}
		s.mu.Lock()
		s.store.Append(rec)
		s.mu.Unlock()
		s.obs.SpanIngested()
	}
	return <-readErr
}

// Close stops the listener.
func (s *IngestServer) Close() error { return s.ln.Close() }

// WriteTo flushes the accumulated spans as a stream-form file, or
// indexed form when indexed is true. Call after Serve has returned.
func (s *IngestServer) WriteTo(w io.Writer, indexed bool) error {
	s.mu.RLock()
	st := s.store
	s.mu.RUnlock()
	if indexed {
		return WriteIndexed(st, w)
	}
	return WriteStream(st, w, false)
}
