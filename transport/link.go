// Package transport carries frames between the coordinator and stage nodes.
//
// A Link is one persistent connection between two nodes. Sends are queued
// and written by a single writer goroutine, so frames leave in the order
// they were sent. A single reader goroutine matches replies to pending
// requests. When the connection fails every pending request fails with
// ErrLinkDown; the link is then stale and the Pool replaces it on the next
// OpenLink or Redial.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pithecene-io/spm/ipc"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/types"
)

// linkOptions are the pool settings a link needs.
type linkOptions struct {
	sendBuffer    int
	inboundBuffer int
	requestOnly   bool
	onHeartbeat   func(types.NodeID, time.Time)
	logger        *log.Logger
	collector     *metrics.Collector
}

// Link is a live connection from one node to another.
type Link struct {
	from types.NodeID
	to   types.NodeID
	addr string
	peer ipc.HelloAck

	conn  net.Conn
	dec   *ipc.FrameDecoder
	opts  linkOptions
	guard *OrderGuard

	outbox  chan any
	inbound chan *ipc.Envelope
	done    chan struct{}

	mu      sync.Mutex
	waiters map[ipc.Key]chan any
	err     error
	once    sync.Once
}

func newLink(conn net.Conn, dec *ipc.FrameDecoder, from, to types.NodeID, addr string, peer ipc.HelloAck, opts linkOptions) *Link {
	l := &Link{
		from:    from,
		to:      to,
		addr:    addr,
		peer:    peer,
		conn:    conn,
		dec:     dec,
		opts:    opts,
		guard:   NewOrderGuard(),
		outbox:  make(chan any, opts.sendBuffer),
		inbound: make(chan *ipc.Envelope, opts.inboundBuffer),
		done:    make(chan struct{}),
		waiters: make(map[ipc.Key]chan any),
	}
	go l.writeLoop()
	go l.readLoop()
	return l
}

// From returns the local node.
func (l *Link) From() types.NodeID { return l.from }

// To returns the remote node.
func (l *Link) To() types.NodeID { return l.to }

// Addr returns the dialed address.
func (l *Link) Addr() string { return l.addr }

// Peer returns the hello_ack the remote sent, including its capabilities.
func (l *Link) Peer() ipc.HelloAck { return l.peer }

// Alive reports whether the link is still usable.
func (l *Link) Alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Done is closed when the link goes down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the error that took the link down, or nil while it is alive.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Send queues a frame for writing. It blocks only while the send buffer is
// full. Frames are written in Send order. A nil error means the frame was
// queued, not that it was delivered.
func (l *Link) Send(frame any) error {
	select {
	case <-l.done:
		return l.Err()
	default:
	}
	select {
	case l.outbox <- frame:
		return nil
	case <-l.done:
		return l.Err()
	}
}

// Request sends a session-scoped frame and waits for the reply with the same
// correlation key. An error frame from the peer is returned as *RemoteError.
func (l *Link) Request(ctx context.Context, frame any) (any, error) {
	key, ok := ipc.KeyOf(frame)
	if !ok {
		return nil, fmt.Errorf("frame %T cannot be used as a request", frame)
	}

	ch := make(chan any, 1)
	l.mu.Lock()
	if _, busy := l.waiters[key]; busy {
		l.mu.Unlock()
		return nil, fmt.Errorf("request %s for session %s step %d already in flight", key.Type, key.SessionID, key.Step)
	}
	l.waiters[key] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.waiters, key)
		l.mu.Unlock()
	}()

	if err := l.Send(frame); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return unwrapReply(reply)
	case <-l.done:
		select {
		case reply := <-ch:
			return unwrapReply(reply)
		default:
		}
		return nil, l.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unwrapReply(reply any) (any, error) {
	switch r := reply.(type) {
	case error:
		if ef, ok := r.(*ipc.ErrorFrame); ok {
			return nil, &RemoteError{Frame: ef}
		}
		return nil, r
	default:
		return r, nil
	}
}

// Receive returns the next activation that arrived without a matching
// request.
func (l *Link) Receive(ctx context.Context) (*ipc.Envelope, error) {
	select {
	case env := <-l.inbound:
		return env, nil
	case <-l.done:
		return nil, l.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the link down. Pending requests fail with ErrLinkDown.
func (l *Link) Close() error {
	l.shutdown(&Error{Kind: ErrLinkDown, From: l.from, To: l.to, Err: net.ErrClosed}, false)
	return nil
}

// shutdown records err, wakes every waiter and closes the connection. Only
// the first call has any effect.
func (l *Link) shutdown(err error, unexpected bool) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		_ = l.conn.Close()

		if unexpected {
			l.opts.collector.IncLinkDown()
			l.opts.logger.Warn("link down", map[string]any{
				"from":  l.from,
				"to":    l.to,
				"addr":  l.addr,
				"error": err.Error(),
			})
		}
	})
}

func (l *Link) fail(err error) {
	l.shutdown(&Error{Kind: ErrLinkDown, From: l.from, To: l.to, Err: err}, true)
}

func (l *Link) writeLoop() {
	enc := ipc.NewFrameEncoder(l.conn)
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.outbox:
			n, err := enc.Encode(frame)
			if err != nil {
				var frameErr *ipc.FrameError
				if errors.As(err, &frameErr) && n == 0 {
					// Nothing reached the wire; only this request fails.
					if key, ok := ipc.KeyOf(frame); ok {
						l.deliver(key, err)
					}
					l.opts.logger.Error("frame not sent", map[string]any{
						"to":    l.to,
						"error": err.Error(),
					})
					continue
				}
				l.fail(err)
				return
			}
			l.opts.collector.AddBytesSent(n)
		}
	}
}

func (l *Link) readLoop() {
	for {
		payload, err := l.dec.ReadFrame()
		if err != nil {
			l.fail(err)
			return
		}
		l.opts.collector.AddBytesReceived(len(payload) + ipc.LengthPrefixSize)

		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			l.opts.collector.IncFrameDecodeErrors()
			l.opts.logger.Warn("dropping undecodable frame", map[string]any{
				"from":  l.to,
				"error": err.Error(),
			})
			continue
		}
		l.dispatch(frame)
	}
}

func (l *Link) dispatch(frame any) {
	switch f := frame.(type) {
	case *ipc.Heartbeat:
		if l.opts.onHeartbeat != nil {
			l.opts.onHeartbeat(l.to, time.Unix(0, f.TsUnixNano))
		}
		return
	case *ipc.Hello, *ipc.HelloAck:
		l.opts.collector.IncProtocolViolation()
		l.opts.logger.Warn("unexpected handshake frame on open link", map[string]any{
			"from": l.to,
		})
		return
	case *ipc.Envelope:
		if err := l.guard.Check(f.SessionID, f.Stage, f.Step); err != nil {
			l.opts.collector.IncProtocolViolation()
			l.opts.logger.Warn("activation out of order", map[string]any{
				"from":    l.to,
				"session": f.SessionID,
				"stage":   f.Stage,
				"step":    f.Step,
				"error":   err.Error(),
			})
			key, _ := ipc.KeyOf(f)
			l.deliver(key, &Error{Kind: ErrProtocolViolation, From: l.from, To: l.to, Err: err})
			return
		}
	case *ipc.SessionEnd:
		l.guard.Forget(f.SessionID)
	case *ipc.CacheEvict:
		l.guard.Forget(f.SessionID)
	}

	key, _ := ipc.KeyOf(frame)
	if l.deliver(key, frame) {
		return
	}

	if env, ok := frame.(*ipc.Envelope); ok {
		if l.opts.requestOnly {
			l.opts.logger.Debug("dropping late activation reply", map[string]any{
				"from":    l.to,
				"session": env.SessionID,
				"stage":   env.Stage,
				"step":    env.Step,
			})
			return
		}
		select {
		case l.inbound <- env:
		default:
			l.opts.logger.Warn("inbound queue full, dropping activation", map[string]any{
				"from":    l.to,
				"session": env.SessionID,
				"step":    env.Step,
			})
		}
		return
	}
	l.opts.logger.Debug("unsolicited frame", map[string]any{
		"from": l.to,
		"type": fmt.Sprintf("%T", frame),
	})
}

// deliver hands v to the waiter registered for key.
func (l *Link) deliver(key ipc.Key, v any) bool {
	l.mu.Lock()
	ch, ok := l.waiters[key]
	if ok {
		delete(l.waiters, key)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}
