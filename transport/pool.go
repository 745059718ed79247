package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pithecene-io/spm/iox"
	"github.com/pithecene-io/spm/ipc"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/registry"
	"github.com/pithecene-io/spm/types"
)

// Default pool settings.
const (
	DefaultDialTimeout   = 5 * time.Second
	DefaultSendBuffer    = 64
	DefaultInboundBuffer = 64
)

// DialFunc opens a raw connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Self is the local node id, sent in every hello.
	Self types.NodeID
	// DialTimeout bounds connect plus hello exchange (default 5s).
	DialTimeout time.Duration
	// Retry governs Redial.
	Retry RetryPolicy
	// SendBuffer is the per-link queue depth (default 64).
	SendBuffer int
	// InboundBuffer is the per-link queue depth for unsolicited
	// activations (default 64).
	InboundBuffer int
	// RequestOnly drops activations that match no pending Request, such as
	// a reply arriving after its request timed out, instead of queueing
	// them for Receive.
	RequestOnly bool
	// Dial defaults to a net.Dialer over TCP.
	Dial DialFunc
	// OnHeartbeat is called for every heartbeat frame a link receives.
	OnHeartbeat func(types.NodeID, time.Time)

	Logger    *log.Logger
	Collector *metrics.Collector
}

type linkKey struct {
	from types.NodeID
	to   types.NodeID
}

// Pool owns every outbound link of a node.
type Pool struct {
	config PoolConfig
	logger *log.Logger

	mu    sync.Mutex
	links map[linkKey]*Link
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = DefaultInboundBuffer
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	return &Pool{
		config: cfg,
		logger: cfg.Logger,
		links:  make(map[linkKey]*Link),
	}
}

// OpenLink returns the live link from -> to, dialing addr if there is none.
// A link that went down or points at a different address is replaced.
func (p *Pool) OpenLink(ctx context.Context, from, to types.NodeID, addr string) (*Link, error) {
	key := linkKey{from: from, to: to}

	p.mu.Lock()
	existing, ok := p.links[key]
	if ok && existing.Alive() && existing.Addr() == addr {
		p.mu.Unlock()
		return existing, nil
	}
	if ok {
		delete(p.links, key)
	}
	p.mu.Unlock()

	if existing != nil {
		iox.DiscardClose(existing)
	}

	link, err := p.connect(ctx, from, to, addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if raced, ok := p.links[key]; ok && raced.Alive() {
		p.mu.Unlock()
		_ = link.Close()
		return raced, nil
	}
	p.links[key] = link
	p.mu.Unlock()

	p.logger.Info("link opened", map[string]any{
		"from": from,
		"to":   to,
		"addr": addr,
	})
	return link, nil
}

// Redial replaces stale and reconnects under the retry policy. The pooled
// link is dropped only while it is still stale; if another caller already
// replaced it with a live link, that link is returned. A nil stale drops
// whatever is pooled.
func (p *Pool) Redial(ctx context.Context, stale *Link, from, to types.NodeID, addr string) (*Link, error) {
	if stale == nil {
		p.Drop(from, to)
	} else {
		p.dropIf(stale)
	}

	var link *Link
	err := p.config.Retry.Do(ctx, nil, func(attempt int) error {
		l, err := p.OpenLink(ctx, from, to, addr)
		if err != nil {
			p.logger.Warn("redial failed", map[string]any{
				"to":      to,
				"addr":    addr,
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			return err
		}
		link = l
		return nil
	})
	if err != nil {
		return nil, &Error{
			Kind: ErrLinkDown,
			From: from,
			To:   to,
			Err:  fmt.Errorf("redial exhausted after %d attempts: %w", p.config.Retry.attempts(), err),
		}
	}
	p.config.Collector.IncLinkReconnect()
	return link, nil
}

// Get returns the pooled link from -> to, if any.
func (p *Pool) Get(from, to types.NodeID) (*Link, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[linkKey{from: from, to: to}]
	return l, ok
}

// Drop closes and forgets the link from -> to.
func (p *Pool) Drop(from, to types.NodeID) {
	key := linkKey{from: from, to: to}
	p.mu.Lock()
	l, ok := p.links[key]
	delete(p.links, key)
	p.mu.Unlock()
	if ok {
		_ = l.Close()
	}
}

// dropIf closes stale and removes it from the pool if it is still pooled.
func (p *Pool) dropIf(stale *Link) {
	key := linkKey{from: stale.From(), to: stale.To()}
	p.mu.Lock()
	if p.links[key] == stale {
		delete(p.links, key)
	}
	p.mu.Unlock()
	iox.DiscardClose(stale)
}

// Links returns the pooled links.
func (p *Pool) Links() []*Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		out = append(out, l)
	}
	return out
}

// Close closes every link.
func (p *Pool) Close() error {
	p.mu.Lock()
	links := p.links
	p.links = make(map[linkKey]*Link)
	p.mu.Unlock()
	closers := make([]io.Closer, 0, len(links))
	for _, l := range links {
		closers = append(closers, l)
	}
	return iox.CloseAll(closers...)
}

// Handshake opens the link to a joining node and returns the capacity it
// reported in its hello_ack. It lets the registry use the pool as its
// capability handshake.
func (p *Pool) Handshake(ctx context.Context, node registry.Node) (registry.Capacity, error) {
	link, err := p.OpenLink(ctx, p.config.Self, node.ID, node.Address)
	if err != nil {
		return registry.Capacity{}, err
	}
	peer := link.Peer()
	return registry.Capacity{MaxLayers: peer.MaxLayers, Class: peer.Class}, nil
}

// connect dials addr and performs the hello exchange.
func (p *Pool) connect(ctx context.Context, from, to types.NodeID, addr string) (*Link, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	conn, err := p.config.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: ErrLinkDown, From: from, To: to, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ack, dec, err := clientHello(conn, from, to)
	if err != nil {
		iox.DiscardClose(conn)
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return newLink(conn, dec, from, to, addr, *ack, linkOptions{
		sendBuffer:    p.config.SendBuffer,
		inboundBuffer: p.config.InboundBuffer,
		requestOnly:   p.config.RequestOnly,
		onHeartbeat:   p.config.OnHeartbeat,
		logger:        p.logger,
		collector:     p.config.Collector,
	}), nil
}

// clientHello sends hello and validates the hello_ack. The returned decoder
// must be reused for the connection since it may hold buffered bytes.
func clientHello(conn net.Conn, from, to types.NodeID) (*ipc.HelloAck, *ipc.FrameDecoder, error) {
	linkErr := func(kind error, err error) error {
		return &Error{Kind: kind, From: from, To: to, Err: err}
	}

	if _, err := ipc.NewFrameEncoder(conn).Encode(ipc.NewHello(from)); err != nil {
		return nil, nil, linkErr(ErrLinkDown, fmt.Errorf("send hello: %w", err))
	}

	dec := ipc.NewFrameDecoder(conn)
	payload, err := dec.ReadFrame()
	if err != nil {
		return nil, nil, linkErr(ErrLinkDown, fmt.Errorf("read hello_ack: %w", err))
	}
	frame, err := ipc.DecodeFrame(payload)
	if err != nil {
		return nil, nil, linkErr(ErrProtocolViolation, err)
	}
	ack, ok := frame.(*ipc.HelloAck)
	if !ok {
		return nil, nil, linkErr(ErrProtocolViolation, fmt.Errorf("expected hello_ack, got %T", frame))
	}
	if ack.Magic != ipc.Magic {
		return nil, nil, linkErr(ErrProtocolViolation, fmt.Errorf("bad magic %#x", ack.Magic))
	}
	if !ack.Accepted {
		return nil, nil, linkErr(ErrRejected, fmt.Errorf("%s", ack.Reason))
	}
	if to != "" && ack.NodeID != to {
		return nil, nil, linkErr(ErrProtocolViolation, fmt.Errorf("expected node %s, peer is %s", to, ack.NodeID))
	}
	return ack, dec, nil
}

// Verify Pool implements registry.Handshaker.
var _ registry.Handshaker = (*Pool)(nil)
