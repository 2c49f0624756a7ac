// Package actor implements the per-activation mailbox and turn discipline
// described by spec §4.3: a bounded FIFO queue drained by exactly one
// goroutine per activation, giving single-threaded semantics over the
// actor's mutable state without a mutex. Grounded on the one-goroutine-
// per-actor mailbox pattern from the retrieved baselib actor reference,
// adapted to this runtime's envelope-shaped turns and re-entrancy policy.
package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/virtualactor/silo/internal/rpcerr"
	"github.com/virtualactor/silo/log"
)

// Key is the logical (actor_type, actor_id) pair identifying an activation
// cluster-wide. Equality is exact byte-string equality over both fields
// (spec §3/§9 Open Question, resolved: no case-folding or normalization).
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string { return k.Type + "/" + k.ID }

// ErrReentrancy is returned when a non-reentrant activation's in-flight
// turn attempts to call back into itself (spec §5, ReentrancyError).
var ErrReentrancy = rpcerr.New(codes.FailedPrecondition, "actor: re-entrant call into non-reentrant activation")

// ErrMailboxFull is returned by Tell/Ask when the mailbox is at capacity
// and the overflow policy is reject (the default, spec §4.3).
var ErrMailboxFull = rpcerr.New(codes.ResourceExhausted, "actor: mailbox full")

// ErrStopped is returned by Tell/Ask once the activation has begun or
// finished deactivation (spec §7, ShutdownError).
var ErrStopped = rpcerr.New(codes.Unavailable, "actor: activation stopped")

// Handler invokes one turn of business logic against the activation's user
// object (which the handler closes over); it is supplied by the dispatcher
// (spec §4.5) and must not retain turnCtx beyond the call.
type Handler func(turnCtx context.Context) (reply []byte, err error)

// turn is one unit of mailbox work: a handler to run, and where to deliver
// its result.
type turn struct {
	ctx     context.Context
	handler Handler
	reply   chan turnResult
}

type turnResult struct {
	payload []byte
	err     error
}

// Config configures an Activation's mailbox, following the pack's
// functional-options idiom.
type Config struct {
	MailboxCapacity int
	BlockOnFull     bool // false (reject, spec default) unless set
	Reentrant       bool
	OnActivate      func(ctx context.Context) error
	OnDeactivate    func(ctx context.Context) error
	StopTimeout     time.Duration
	Logger          log.Logger
}

// Option mutates a Config.
type Option func(*Config)

func WithMailboxCapacity(n int) Option { return func(c *Config) { c.MailboxCapacity = n } }
func WithBlockOnFull(block bool) Option { return func(c *Config) { c.BlockOnFull = block } }
func WithReentrant(r bool) Option        { return func(c *Config) { c.Reentrant = r } }
func WithOnActivate(fn func(ctx context.Context) error) Option {
	return func(c *Config) { c.OnActivate = fn }
}
func WithOnDeactivate(fn func(ctx context.Context) error) Option {
	return func(c *Config) { c.OnDeactivate = fn }
}
func WithStopTimeout(d time.Duration) Option { return func(c *Config) { c.StopTimeout = d } }
func WithLogger(l log.Logger) Option         { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		MailboxCapacity: 256,
		BlockOnFull:     false,
		Reentrant:       false,
		StopTimeout:     5 * time.Second,
		Logger:          log.Nop(),
	}
}

// Activation is the live in-memory object for a Key on this silo: owns a
// mailbox and runs a single-threaded turn loop over it.
type Activation struct {
	Key Key
	cfg Config

	mailbox chan turn

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs an Activation for key. The mailbox worker is not started
// until Start is called.
func New(key Key, opts ...Option) *Activation {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Activation{
		Key:     key,
		cfg:     cfg,
		mailbox: make(chan turn, cfg.MailboxCapacity),
		done:    make(chan struct{}),
	}
}

// Depth returns the current mailbox queue length, reusing the channel's
// own length rather than a separate atomic counter (spec §4.3).
func (a *Activation) Depth() int { return len(a.mailbox) }

// Start launches the turn-loop goroutine, running OnActivate as the first
// turn before the loop begins accepting Tell/Ask work.
func (a *Activation) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	go a.run(ctx)
}

// reentrancyKey is the context key used to mark "currently executing a
// turn for this activation", enabling Ask to detect a call that loops back
// into the same activation from within its own handler.
type reentrancyKey struct{ key Key }

// Ask enqueues handler and blocks until it completes, returning its reply
// or error. If turnCtx already carries the marker for this activation (a
// nested call on the same logical chain) and the activation is configured
// non-reentrant, Ask fails immediately with ErrReentrancy instead of
// enqueueing — enqueueing would deadlock, since the outer turn is blocked
// waiting on this very call (spec §5).
func (a *Activation) Ask(ctx context.Context, handler Handler) ([]byte, error) {
	if !a.cfg.Reentrant {
		if v := ctx.Value(reentrancyKey{a.Key}); v != nil {
			return nil, ErrReentrancy
		}
	}
	if a.stopped.Load() {
		return nil, ErrStopped
	}

	t := turn{ctx: ctx, handler: handler, reply: make(chan turnResult, 1)}
	select {
	case a.mailbox <- t:
	default:
		if !a.cfg.BlockOnFull {
			return nil, ErrMailboxFull
		}
		select {
		case a.mailbox <- t:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.done:
			return nil, ErrStopped
		}
	}

	select {
	case r := <-t.reply:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tell enqueues handler without waiting for its result; the caller learns
// the outcome out-of-band (e.g. via transport.SendResponse from within
// handler itself), which is why the silo loop uses Tell rather than Ask for
// inbound requests. The same reentrancy check as Ask applies: a turn already
// executing on this activation that loops back into it via Tell would never
// be drained, since the single mailbox worker is the one blocked producing
// this very call (spec §5).
func (a *Activation) Tell(ctx context.Context, handler Handler) error {
	if !a.cfg.Reentrant {
		if v := ctx.Value(reentrancyKey{a.Key}); v != nil {
			return ErrReentrancy
		}
	}
	if a.stopped.Load() {
		return ErrStopped
	}
	t := turn{ctx: ctx, handler: handler, reply: nil}
	select {
	case a.mailbox <- t:
		return nil
	default:
		if !a.cfg.BlockOnFull {
			return ErrMailboxFull
		}
		select {
		case a.mailbox <- t:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return ErrStopped
		}
	}
}

// Stop signals the turn loop to drain and exit, running OnDeactivate as the
// final turn. Blocks until the loop has exited or StopTimeout elapses.
func (a *Activation) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.mailbox)
	})
	select {
	case <-a.done:
	case <-ctx.Done():
	case <-time.After(a.cfg.StopTimeout):
		a.cfg.Logger.Warning().Str("actor", a.Key.String()).Log("deactivation exceeded stop timeout")
	}
}

func (a *Activation) run(ctx context.Context) {
	defer close(a.done)

	if a.cfg.OnActivate != nil {
		if err := a.cfg.OnActivate(ctx); err != nil {
			a.cfg.Logger.Err().Err(err).Str("actor", a.Key.String()).Log("on_activate failed")
		}
	}

	for t := range a.mailbox {
		a.runTurn(t)
	}

	if a.cfg.OnDeactivate != nil {
		if err := a.cfg.OnDeactivate(ctx); err != nil {
			a.cfg.Logger.Err().Err(err).Str("actor", a.Key.String()).Log("on_deactivate failed")
		}
	}
}

func (a *Activation) runTurn(t turn) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("actor: handler panicked: %v", r)
			a.cfg.Logger.Err().Err(err).Str("actor", a.Key.String()).Log("handler panic recovered")
			if t.reply != nil {
				t.reply <- turnResult{err: err}
			}
		}
	}()

	turnCtx := context.WithValue(t.ctx, reentrancyKey{a.Key}, true)
	payload, err := t.handler(turnCtx)
	if t.reply != nil {
		t.reply <- turnResult{payload: payload, err: err}
	}
}
