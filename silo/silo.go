// Package silo wires Transport, ActorRegistry, and Dispatcher into
// the inbound dispatch loop described by spec §4.6: for every request
// envelope, resolve or activate the target actor, hand the invocation to
// its mailbox, and reply once the mailbox worker completes it.
package silo

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/virtualactor/silo/envelope"
	"github.com/virtualactor/silo/log"
	"github.com/virtualactor/silo/membership"
	"github.com/virtualactor/silo/registry"
	"github.com/virtualactor/silo/transport"
)

// Config configures a Silo, following the pack's functional-options idiom.
type Config struct {
	// DrainDeadline bounds how long Stop waits for in-flight mailboxes to
	// drain before it stops waiting on them (spec §6: "graceful stop
	// drains mailboxes up to a deadline, then forcibly completes pending
	// futures with shutdown errors").
	DrainDeadline time.Duration
	Logger        log.Logger
}

type Option func(*Config)

func WithDrainDeadline(d time.Duration) Option { return func(c *Config) { c.DrainDeadline = d } }
func WithLogger(l log.Logger) Option           { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{DrainDeadline: 10 * time.Second, Logger: log.Nop()}
}

// Silo is one process hosting activations, reachable via Transport and
// addressed via Membership/HashRing.
type Silo struct {
	id string
	cfg Config

	membership *membership.Membership
	transport  *transport.Transport
	registry   *registry.ActorRegistry
	manifest   *registry.Manifest

	stopping atomic.Bool
}

// New wires a Silo for siloID out of the given manifest, membership, and
// transport. Membership and Transport are constructed independently
// (they have their own lifecycles, e.g. a passive router-only process
// might share a Membership without ever hosting a Silo), so New only
// registers this silo as the transport's inbound handler.
func New(siloID string, manifest *registry.Manifest, m *membership.Membership, t *transport.Transport, opts ...Option) *Silo {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Silo{
		id:         siloID,
		cfg:        cfg,
		membership: m,
		transport:  t,
		manifest:   manifest,
		registry:   registry.New(manifest, cfg.Logger),
	}
	t.RegisterInboundHandler(s.handleRequest)
	return s
}

// Start registers this silo with Membership, making it eligible to own
// actor keys on the ring.
func (s *Silo) Start(ctx context.Context, info membership.SiloInfo) error {
	info.SiloID = s.id
	return s.membership.Register(ctx, info)
}

// Stop implements spec §6's graceful shutdown: reject new envelopes
// (handleRequest starts replying ShutdownError immediately), drain
// in-flight mailboxes up to DrainDeadline, then stop waiting (a turn still
// running past the deadline is not interrupted) and fail outstanding
// transport futures.
func (s *Silo) Stop(ctx context.Context) error {
	s.stopping.Store(true)

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainDeadline)
	defer cancel()

	g, gctx := errgroup.WithContext(drainCtx)
	for _, a := range s.registry.All() {
		a := a
		g.Go(func() error {
			a.Stop(gctx)
			return nil
		})
	}
	_ = g.Wait()

	s.membership.Unregister()
	return s.transport.Stop(ctx)
}

// handleRequest is the silo loop of spec §4.6, registered as the
// transport's sole InboundHandler. It never blocks past enqueueing onto
// the target activation's mailbox.
func (s *Silo) handleRequest(ctx context.Context, env *envelope.Envelope) {
	if s.stopping.Load() {
		s.reply(env, nil, transport.ErrShuttingDown)
		return
	}

	if _, ok := s.manifest.Types[env.ActorType]; !ok {
		s.reply(env, nil, &registry.ErrUnknownActorType{ActorType: env.ActorType})
		return
	}

	activation, err := s.registry.GetOrCreate(ctx, env.ActorType, env.ActorID)
	if err != nil {
		s.reply(env, nil, err)
		return
	}

	messageID, correlationID := env.MessageID, env.CorrelationID
	methodName, payload := env.MethodName, env.Payload

	err = activation.Tell(ctx, func(turnCtx context.Context) ([]byte, error) {
		reply, invokeErr := activation.Dispatcher.Invoke(turnCtx, activation.Obj, methodName, payload)
		if invokeErr != nil {
			_ = s.transport.SendResponse(envelope.NewError(messageID, correlationID, invokeErr))
		} else {
			_ = s.transport.SendResponse(envelope.NewResponse(messageID, correlationID, reply))
		}
		return reply, invokeErr
	})
	if err != nil {
		// Could not even enqueue (mailbox full or activation stopped): the
		// mailbox worker never runs, so this silo loop must reply itself.
		s.reply(env, nil, err)
	}
}

func (s *Silo) reply(env *envelope.Envelope, payload []byte, err error) {
	var resp *envelope.Envelope
	if err != nil {
		resp = envelope.NewError(env.MessageID, env.CorrelationID, err)
	} else {
		resp = envelope.NewResponse(env.MessageID, env.CorrelationID, payload)
	}
	_ = s.transport.SendResponse(resp)
}

// Registry exposes the silo's ActorRegistry, e.g. for metrics or tests.
func (s *Silo) Registry() *registry.ActorRegistry { return s.registry }
