package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pithecene-io/spm/ipc"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/types"
)

// DefaultHeartbeatInterval is how often a server heartbeats on each link.
const DefaultHeartbeatInterval = 2 * time.Second

// Handler serves request frames arriving on accepted links. Frames from one
// link are delivered sequentially, in arrival order. The returned frame, if
// not nil, is written back on the same link.
type Handler interface {
	ServeFrame(ctx context.Context, peer types.NodeID, frame any) any
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peer types.NodeID, frame any) any

// ServeFrame calls f.
func (f HandlerFunc) ServeFrame(ctx context.Context, peer types.NodeID, frame any) any {
	return f(ctx, peer, frame)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// NodeID, MaxLayers and Class are advertised in hello_ack.
	NodeID    types.NodeID
	MaxLayers int
	Class     types.ComputeClass

	Handler Handler
	// HeartbeatInterval defaults to 2s. Negative disables heartbeats.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds the wait for hello (default 5s).
	HandshakeTimeout time.Duration

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Server accepts links and dispatches their frames to a Handler.
type Server struct {
	config ServerConfig
	logger *log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultDialTimeout
	}
	return &Server{
		config: cfg,
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is canceled or Close is
// called. It always returns a non-nil error except after Close.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info("stage server listening", map[string]any{
		"addr":       ln.Addr().String(),
		"max_layers": s.config.MaxLayers,
		"class":      s.config.Class,
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting, closes every connection and waits for their
// goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// serveConn runs one accepted link: hello exchange, heartbeats, then the
// sequential request loop.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dec := ipc.NewFrameDecoder(conn)
	enc := ipc.NewFrameEncoder(conn)
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		n, err := enc.Encode(v)
		s.config.Collector.AddBytesSent(n)
		return err
	}

	peer, err := s.serverHello(conn, dec, write)
	if err != nil {
		s.config.Collector.IncProtocolViolation()
		s.logger.Warn("hello rejected", map[string]any{
			"remote": conn.RemoteAddr().String(),
			"error":  err.Error(),
		})
		return
	}
	s.logger.Info("link accepted", map[string]any{
		"peer":   peer,
		"remote": conn.RemoteAddr().String(),
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.config.HeartbeatInterval > 0 {
		go s.heartbeat(connCtx, write)
	}

	guard := NewOrderGuard()
	for {
		payload, err := dec.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("link closed by peer", map[string]any{"peer": peer})
			} else {
				s.logger.Warn("link read failed", map[string]any{
					"peer":  peer,
					"error": err.Error(),
				})
			}
			return
		}
		s.config.Collector.AddBytesReceived(len(payload) + ipc.LengthPrefixSize)

		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			s.config.Collector.IncFrameDecodeErrors()
			s.logger.Warn("dropping undecodable frame", map[string]any{
				"peer":  peer,
				"error": err.Error(),
			})
			continue
		}

		reply := s.handle(connCtx, peer, guard, frame)
		if reply == nil {
			continue
		}
		if err := write(reply); err != nil {
			s.logger.Warn("link write failed", map[string]any{
				"peer":  peer,
				"error": err.Error(),
			})
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, peer types.NodeID, guard *OrderGuard, frame any) any {
	switch f := frame.(type) {
	case *ipc.Heartbeat:
		return nil
	case *ipc.Hello, *ipc.HelloAck:
		s.config.Collector.IncProtocolViolation()
		return ipc.ErrorReply(frame, ipc.ErrorKindProtocolViolation, errors.New("handshake frame on open link"))
	case *ipc.Envelope:
		if err := guard.Check(f.SessionID, f.Stage, f.Step); err != nil {
			s.config.Collector.IncProtocolViolation()
			s.logger.Warn("activation out of order", map[string]any{
				"peer":    peer,
				"session": f.SessionID,
				"stage":   f.Stage,
				"step":    f.Step,
				"error":   err.Error(),
			})
			return ipc.ErrorReply(f, ipc.ErrorKindProtocolViolation, err)
		}
	case *ipc.SessionStart:
		guard.Forget(f.SessionID)
	case *ipc.SessionEnd:
		defer guard.Forget(f.SessionID)
	case *ipc.CacheEvict:
		defer guard.Forget(f.SessionID)
	}

	if s.config.Handler == nil {
		return ipc.ErrorReply(frame, ipc.ErrorKindUnsupportedRequest, errors.New("no handler"))
	}
	return s.serve(ctx, peer, frame)
}

// serve runs the handler, answering a panic with a compute error so the
// link and the other sessions on it stay up.
func (s *Server) serve(ctx context.Context, peer types.NodeID, frame any) (reply any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", map[string]any{
				"peer":  peer,
				"frame": fmt.Sprintf("%T", frame),
				"panic": fmt.Sprint(r),
			})
			reply = ipc.ErrorReply(frame, ipc.ErrorKindCompute, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return s.config.Handler.ServeFrame(ctx, peer, frame)
}

func (s *Server) serverHello(conn net.Conn, dec *ipc.FrameDecoder, write func(any) error) (types.NodeID, error) {
	_ = conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	reject := func(reason string) error {
		_ = write(&ipc.HelloAck{Type: ipc.TypeHelloAck, Magic: ipc.Magic, NodeID: s.config.NodeID, Reason: reason})
		return &Error{Kind: ErrRejected, To: s.config.NodeID, Err: errors.New(reason)}
	}

	payload, err := dec.ReadFrame()
	if err != nil {
		return "", &Error{Kind: ErrLinkDown, To: s.config.NodeID, Err: fmt.Errorf("read hello: %w", err)}
	}
	frame, err := ipc.DecodeFrame(payload)
	if err != nil {
		return "", reject(err.Error())
	}
	hello, ok := frame.(*ipc.Hello)
	if !ok {
		return "", reject(fmt.Sprintf("expected hello, got %T", frame))
	}
	if hello.Magic != ipc.Magic {
		return "", reject(fmt.Sprintf("bad magic %#x", hello.Magic))
	}
	if hello.ProtocolVersion != types.ProtocolVersion {
		return "", reject(fmt.Sprintf("protocol version %s not supported (want %s)", hello.ProtocolVersion, types.ProtocolVersion))
	}

	ack := &ipc.HelloAck{
		Type:      ipc.TypeHelloAck,
		Magic:     ipc.Magic,
		NodeID:    s.config.NodeID,
		Accepted:  true,
		MaxLayers: s.config.MaxLayers,
		Class:     s.config.Class,
	}
	if err := write(ack); err != nil {
		return "", &Error{Kind: ErrLinkDown, From: s.config.NodeID, To: hello.NodeID, Err: err}
	}
	return hello.NodeID, nil
}

func (s *Server) heartbeat(ctx context.Context, write func(any) error) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			hb := &ipc.Heartbeat{Type: ipc.TypeHeartbeat, NodeID: s.config.NodeID, TsUnixNano: now.UnixNano()}
			if err := write(hb); err != nil {
				return
			}
		}
	}
}
