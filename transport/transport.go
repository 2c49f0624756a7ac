// Package transport implements the bi-directional envelope transport
// described by spec §4.4: one stream per remote silo, a local fast path
// for same-silo calls, and the dual-filter request/response separation
// that prevents echo loops on the shared inbound event. Subscriber dispatch
// for locally originated envelopes (the fast path of Send, and
// SendResponse) is submitted through a Loop, mirroring how
// inprocgrpc.Channel submits RPC work to an eventloop.Loop; envelopes read
// from a peer stream are dispatched on that stream's read-loop goroutine,
// and the pending map is a sync.Map mutated directly by the goroutines
// involved.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/virtualactor/silo/envelope"
	"github.com/virtualactor/silo/internal/backoff"
	"github.com/virtualactor/silo/internal/rpcerr"
	"github.com/virtualactor/silo/log"
)

// Loop is the minimal task-submission contract this package needs from an
// event loop; internal/eventloopadapter.Adapter wraps a real
// github.com/joeycumines/go-eventloop Loop to satisfy it, the same way
// inprocgrpc.Channel consumes an eventloop.Loop for its own RPC bookkeeping.
type Loop interface {
	Submit(func()) error
	SubmitInternal(func()) error
}

// inlineLoop runs submitted work synchronously, used when no real event
// loop is supplied (e.g. in unit tests that don't need cross-goroutine
// serialization guarantees beyond Go's own memory model via channels).
type inlineLoop struct{}

func (inlineLoop) Submit(fn func()) error         { fn(); return nil }
func (inlineLoop) SubmitInternal(fn func()) error { fn(); return nil }

// PeerInfo is the dial target for a remote silo.
type PeerInfo struct {
	SiloID  string
	Address string
}

// Dialer opens a byte stream to a peer. The concrete transport (TCP, unix
// socket, QUIC, ...) is a deployment concern left to the caller, per spec
// §6's "choice of codec/backend is a deployment concern as long as both
// peers agree."
type Dialer func(ctx context.Context, info PeerInfo) (io.ReadWriteCloser, error)

// InboundHandler receives every envelope classified as a request, local or
// remote (spec §4.6's silo loop). Implementations must not block past
// handing the envelope off to the registry/mailbox pipeline.
type InboundHandler func(ctx context.Context, env *envelope.Envelope)

// Errors matching the taxonomy in spec §7.
var (
	ErrUnknownSilo  = rpcerr.New(codes.NotFound, "transport: send to unknown silo")
	ErrTimeout      = rpcerr.New(codes.DeadlineExceeded, "transport: call timed out")
	ErrTransport    = rpcerr.New(codes.Unavailable, "transport: stream unavailable")
	ErrShuttingDown = rpcerr.New(codes.Unavailable, "transport: shutting down")
)

// Config configures a Transport, following the pack's functional-options
// idiom (inprocgrpc.Option).
type Config struct {
	Loop        Loop
	Dialer      Dialer
	CallTimeout time.Duration
	Backoff     *backoff.Limiter
	Logger      log.Logger
}

type Option func(*Config)

func WithLoop(l Loop) Option               { return func(c *Config) { c.Loop = l } }
func WithDialer(d Dialer) Option           { return func(c *Config) { c.Dialer = d } }
func WithCallTimeout(d time.Duration) Option { return func(c *Config) { c.CallTimeout = d } }
func WithBackoffLimiter(b *backoff.Limiter) Option { return func(c *Config) { c.Backoff = b } }
func WithLogger(l log.Logger) Option       { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		Loop:        inlineLoop{},
		CallTimeout: 30 * time.Second,
		Backoff:     backoff.New(),
		Logger:      log.Nop(),
	}
}

// peerConn is one remote silo's bi-directional stream.
type peerConn struct {
	siloID string
	conn   io.ReadWriteCloser
	wmu    sync.Mutex
	closed chan struct{}
}

func (p *peerConn) write(frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write(frame)
	return err
}

// Transport is the per-silo envelope transport (spec §4.4).
type Transport struct {
	localSiloID string
	cfg         Config

	inboundHandler InboundHandler

	mu    sync.RWMutex
	peers map[string]*peerConn

	pending     sync.Map // message_id -> chan *envelope.Envelope
	reqSource   sync.Map // message_id -> *peerConn, for inbound requests needing a forwarded reply
	pendingPeer sync.Map // message_id -> *peerConn, for outbound calls awaiting a remote reply

	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Transport for localSiloID.
func New(localSiloID string, opts ...Option) *Transport {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transport{
		localSiloID: localSiloID,
		cfg:         cfg,
		peers:       make(map[string]*peerConn),
		stopping:    make(chan struct{}),
	}
}

// RegisterInboundHandler wires the silo loop as the sole consumer of
// request envelopes (spec §4.6). Must be called before Start.
func (t *Transport) RegisterInboundHandler(h InboundHandler) {
	t.inboundHandler = h
}

// Start is a no-op placeholder retained for symmetry with Stop and the
// spec's start()/stop() contract; Transport has no background work until
// Connect is called.
func (t *Transport) Start(context.Context) error { return nil }

// Stop closes every peer connection and fails all pending futures with
// ErrShuttingDown.
func (t *Transport) Stop(context.Context) error {
	t.stopOnce.Do(func() { close(t.stopping) })

	t.mu.Lock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
	t.wg.Wait()

	t.failAllPending(ErrShuttingDown)
	return nil
}

func (t *Transport) failAllPending(cause error) {
	t.pending.Range(func(key, value any) bool {
		ch := value.(chan *envelope.Envelope)
		t.pending.Delete(key)
		select {
		case ch <- envelope.NewError(key.(string), "", cause):
		default:
		}
		return true
	})
}

// Connect idempotently establishes a stream to info.SiloID, spawning its
// read loop. A second Connect for an already-connected silo is a no-op.
func (t *Transport) Connect(ctx context.Context, info PeerInfo) error {
	t.mu.RLock()
	_, exists := t.peers[info.SiloID]
	t.mu.RUnlock()
	if exists {
		return nil
	}
	if t.cfg.Dialer == nil {
		return fmt.Errorf("transport: no dialer configured, cannot connect to %s", info.SiloID)
	}
	if t.cfg.Backoff != nil {
		if _, ok := t.cfg.Backoff.Allow(info.SiloID); !ok {
			return fmt.Errorf("%w: reconnect backoff in effect for %s", ErrTransport, info.SiloID)
		}
	}

	conn, err := t.cfg.Dialer(ctx, info)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, info.SiloID, err)
	}
	p := &peerConn{siloID: info.SiloID, conn: conn, closed: make(chan struct{})}

	t.mu.Lock()
	t.peers[info.SiloID] = p
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(p)
	return nil
}

// AdoptConnection registers an already-established connection (e.g. one
// accepted by a listener) as the stream for siloID, starting its read
// loop. Symmetric with Connect, for the server side of a bi-directional
// stream.
func (t *Transport) AdoptConnection(siloID string, conn io.ReadWriteCloser) {
	p := &peerConn{siloID: siloID, conn: conn, closed: make(chan struct{})}
	t.mu.Lock()
	t.peers[siloID] = p
	t.mu.Unlock()
	t.wg.Add(1)
	go t.readLoop(p)
}

func (t *Transport) readLoop(p *peerConn) {
	defer t.wg.Done()
	defer func() {
		close(p.closed)
		t.mu.Lock()
		if t.peers[p.siloID] == p {
			delete(t.peers, p.siloID)
		}
		t.mu.Unlock()
		t.failPeerPending(p)
	}()

	for {
		frame, err := readFrame(p.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.cfg.Logger.Warning().Str("peer", p.siloID).Err(err).Log("transport read loop failed")
			}
			return
		}
		env, err := envelope.Unmarshal(frame)
		if err != nil {
			t.cfg.Logger.Err().Err(err).Str("peer", p.siloID).Log("dropping malformed envelope")
			continue
		}
		t.emit(context.Background(), env, p)
	}
}

// failPeerPending completes, with a transport error, every pending future
// whose request was sent to this peer (spec §4.4 failure semantics:
// "stream loss → pending futures for that peer are completed with a
// transport-error envelope").
func (t *Transport) failPeerPending(p *peerConn) {
	t.reqSource.Range(func(key, value any) bool {
		if value.(*peerConn) == p {
			t.reqSource.Delete(key)
		}
		return true
	})
	// Pending outbound calls are tracked by message_id without a peer
	// back-reference; callers' Send loops observe the error via ctx/timeout
	// unless this transport also originated those calls to p, tracked via
	// pendingPeer below.
	t.pendingPeer.Range(func(key, value any) bool {
		if value.(*peerConn) == p {
			t.pendingPeer.Delete(key)
			if ch, ok := t.pending.LoadAndDelete(key); ok {
				select {
				case ch.(chan *envelope.Envelope) <- envelope.NewError(key.(string), "", ErrTransport):
				default:
				}
			}
		}
		return true
	})
}

// Send implements spec §4.4's send(): local fast path when target is this
// silo, otherwise writes to the peer's outbound stream and awaits the
// matching response via the pending map. Blocks until CallTimeout or ctx
// is done.
func (t *Transport) Send(ctx context.Context, targetSiloID string, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	ch := make(chan *envelope.Envelope, 1)
	t.pending.Store(env.MessageID, ch)
	defer t.pending.Delete(env.MessageID)
	defer t.pendingPeer.Delete(env.MessageID)

	if targetSiloID == t.localSiloID {
		_ = t.cfg.Loop.Submit(func() { t.emit(ctx, env, nil) })
	} else {
		t.mu.RLock()
		p, ok := t.peers[targetSiloID]
		t.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSilo, targetSiloID)
		}
		t.pendingPeer.Store(env.MessageID, p)
		if err := p.write(writeFrame(env.Marshal())); err != nil {
			t.pendingPeer.Delete(env.MessageID)
			return nil, fmt.Errorf("%w: write to %s: %v", ErrTransport, targetSiloID, err)
		}
	}

	timeout := t.cfg.CallTimeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeoutCh:
		return nil, ErrTimeout
	case <-t.stopping:
		return nil, ErrShuttingDown
	}
}

// SendResponse implements spec §4.4's send_response(): completes any local
// pending future for message_id, then emits the envelope so the outbound
// forwarder subscriber can route it back to the originating peer stream
// if the request arrived remotely.
func (t *Transport) SendResponse(env *envelope.Envelope) error {
	t.resolvePending(env)
	_ = t.cfg.Loop.Submit(func() { t.emit(context.Background(), env, nil) })
	return nil
}

// resolvePending completes the local pending future for env.MessageID, if
// one is registered. This is the only place a response reaches the
// goroutine blocked in Send: called directly by SendResponse for a
// same-silo reply, and by responseDeliverySubscriber for one that arrived
// over a peer stream (spec §4.4 send() resolution, §8 property 9).
func (t *Transport) resolvePending(env *envelope.Envelope) {
	if ch, ok := t.pending.LoadAndDelete(env.MessageID); ok {
		select {
		case ch.(chan *envelope.Envelope) <- env:
		default:
		}
	}
}

// emit is the transport's single multicast sink (spec §4.4's
// envelope_received). source is the peerConn an inbound envelope arrived
// on, or nil for a locally originated one. Subscribers run off every
// envelope, each independently applying the classification predicate; the
// request/response split across them is what prevents echo loops (spec §8
// properties 7-8).
func (t *Transport) emit(ctx context.Context, env *envelope.Envelope, source *peerConn) {
	if !env.IsResponse() && source != nil {
		t.reqSource.Store(env.MessageID, source)
	}
	t.siloLoopSubscriber(ctx, env)
	t.responseDeliverySubscriber(env)
	t.outboundForwarderSubscriber(env)
}

// siloLoopSubscriber processes only requests; responses are dropped here
// so a reply is never re-enqueued as new inbound work (spec §8 property 8).
func (t *Transport) siloLoopSubscriber(ctx context.Context, env *envelope.Envelope) {
	if env.IsResponse() {
		return
	}
	if t.inboundHandler != nil {
		t.inboundHandler(ctx, env)
	}
}

// responseDeliverySubscriber completes the caller's pending future for a
// response that arrived over a peer stream — the case SendResponse itself
// cannot cover, since SendResponse only runs on the silo that handled the
// request, not the one that originated it. A no-op when this transport
// didn't originate the call (resolvePending finds nothing to deliver).
func (t *Transport) responseDeliverySubscriber(env *envelope.Envelope) {
	if !env.IsResponse() {
		return
	}
	t.resolvePending(env)
}

// outboundForwarderSubscriber writes only responses to a remote stream;
// requests are never echoed back to their sender (spec §8 property 7).
func (t *Transport) outboundForwarderSubscriber(env *envelope.Envelope) {
	if !env.IsResponse() {
		return
	}
	v, ok := t.reqSource.LoadAndDelete(env.MessageID)
	if !ok {
		return // locally originated request: pending map already resolved it
	}
	p := v.(*peerConn)
	if err := p.write(writeFrame(env.Marshal())); err != nil {
		t.cfg.Logger.Warning().Str("peer", p.siloID).Err(err).Log("failed to forward response")
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}
