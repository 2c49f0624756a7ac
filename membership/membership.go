// Package membership tracks the cluster view of live silos described by
// spec §4.2: registration, heartbeats, liveness-window eviction, and
// join/leave events kept in lockstep with the placement ring.
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/virtualactor/silo/log"
	"github.com/virtualactor/silo/ring"
)

// Status is a SiloInfo's lifecycle state (spec §3).
type Status int

const (
	Joining Status = iota
	Active
	ShuttingDown
	Dead
)

func (s Status) String() string {
	switch s {
	case Joining:
		return "Joining"
	case Active:
		return "Active"
	case ShuttingDown:
		return "ShuttingDown"
	case Dead:
		return "Dead"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// SiloInfo describes one cluster member (spec §3).
type SiloInfo struct {
	SiloID               string
	AdvertisedAddress    string
	Port                 int
	Status               Status
	LastHeartbeat        time.Time
	HealthScore          float64 // 0..1, reported alongside heartbeats
	consecutiveUnhealthy int
}

// EvictionPolicy selects how a silo is declared Dead (spec §4.2).
type EvictionPolicy int

const (
	// TimeoutBased evicts a silo once its heartbeat is older than the
	// liveness window.
	TimeoutBased EvictionPolicy = iota
	// HealthScoreBased evicts a silo whose health score stays below
	// HealthScoreThreshold for HealthScoreStrikes consecutive observations.
	HealthScoreBased
	// Hybrid evicts on either condition.
	Hybrid
	// None disables automatic eviction; removal is manual only.
	None
)

// JoinEvent and LeaveEvent are delivered to subscribers registered via
// Membership.Subscribe. HashRing updates are always applied before the
// corresponding event is delivered (spec §4.2), so a subscriber reacting to
// silo_joined can immediately route to the new silo.
type JoinEvent struct{ Info SiloInfo }
type LeaveEvent struct{ SiloID string }

// Subscriber receives join/leave notifications. Implementations must not
// block; Membership delivers synchronously from within the mutating call
// that produced the event.
type Subscriber interface {
	OnSiloJoined(JoinEvent)
	OnSiloLeft(LeaveEvent)
}

// Config bundles Membership construction options, following the pack's
// functional-options idiom (inprocgrpc.Option).
type Config struct {
	HeartbeatInterval    time.Duration
	EvictionPolicy       EvictionPolicy
	HealthScoreThreshold float64
	HealthScoreStrikes   int
	QuorumMinSize        int
	Logger               log.Logger
	VirtualNodes         int
}

// Option mutates a Config.
type Option func(*Config)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(c *Config) { c.EvictionPolicy = p }
}

func WithHealthScoreThreshold(threshold float64, strikes int) Option {
	return func(c *Config) { c.HealthScoreThreshold = threshold; c.HealthScoreStrikes = strikes }
}

func WithQuorumMinSize(n int) Option {
	return func(c *Config) { c.QuorumMinSize = n }
}

func WithLogger(l log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithVirtualNodes(n int) Option {
	return func(c *Config) { c.VirtualNodes = n }
}

func defaultConfig() Config {
	return Config{
		HeartbeatInterval:    10 * time.Second,
		EvictionPolicy:       TimeoutBased,
		HealthScoreThreshold: 0.5,
		HealthScoreStrikes:   3,
		QuorumMinSize:        0, // 0 disables the quorum check
		Logger:               log.Nop(),
		VirtualNodes:         ring.DefaultVirtualNodes,
	}
}

// Membership is the cluster-view subsystem. The zero value is not usable;
// construct with New.
type Membership struct {
	cfg  Config
	ring *ring.Ring

	mu     sync.RWMutex
	silos  map[string]*SiloInfo
	subs   []Subscriber
	selfID string

	stopHeartbeat context.CancelFunc
	wg            sync.WaitGroup
}

// New constructs a Membership with an empty view. Passive observers (spec
// §4.2's "client view") should simply never call Register/Heartbeat/
// Unregister.
func New(opts ...Option) *Membership {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Membership{
		cfg:   cfg,
		ring:  ring.New(ring.WithVirtualNodes(cfg.VirtualNodes)),
		silos: make(map[string]*SiloInfo),
	}
}

// Subscribe registers a Subscriber for join/leave events.
func (m *Membership) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, s)
}

// Register announces self as a cluster member, recording it as Active
// directly (Register never sets the Joining state) before applying the
// ring update and publishing silo_joined. Starts the internal heartbeat
// ticker (spec §4.2: "driven by an internal ticker").
func (m *Membership) Register(ctx context.Context, self SiloInfo) error {
	self.Status = Active
	self.LastHeartbeat = time.Now()

	m.mu.Lock()
	m.selfID = self.SiloID
	m.silos[self.SiloID] = &self
	m.mu.Unlock()

	m.ring.AddNode(self.SiloID)
	m.publishJoined(self)

	hbCtx, cancel := context.WithCancel(ctx)
	m.stopHeartbeat = cancel
	m.wg.Add(1)
	go m.heartbeatLoop(hbCtx, self.SiloID)
	return nil
}

// Heartbeat refreshes this silo's liveness timestamp and health score
// in-place; called periodically by the internal ticker, but may also be
// invoked directly (e.g. from tests).
func (m *Membership) Heartbeat(healthScore float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.silos[m.selfID]
	if !ok {
		return
	}
	info.LastHeartbeat = time.Now()
	info.HealthScore = healthScore
}

// Unregister performs a graceful exit: stops the heartbeat ticker, removes
// self from the ring, and publishes silo_left.
func (m *Membership) Unregister() {
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
	}
	m.wg.Wait()

	m.mu.Lock()
	id := m.selfID
	delete(m.silos, id)
	m.mu.Unlock()

	m.ring.RemoveNode(id)
	m.publishLeft(id)
}

// ActiveSilos returns the current set of silos considered live (not Dead).
func (m *Membership) ActiveSilos() []SiloInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SiloInfo, 0, len(m.silos))
	for _, info := range m.silos {
		if info.Status != Dead {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiloID < out[j].SiloID })
	return out
}

// CurrentSiloID returns the id this Membership registered as, or "" if this
// instance is a passive observer that never called Register.
func (m *Membership) CurrentSiloID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfID
}

// GetActorSilo delegates to the HashRing over the current membership view,
// returning ("", false) if no silo is known.
func (m *Membership) GetActorSilo(actorType, actorID string) (string, bool) {
	return m.ring.GetNode(actorType, actorID)
}

// ObserveJoined admits a remote silo's join notification (received over the
// membership backend's pub/sub channel) into the local view. Applies the
// ring update before firing the event, per spec §4.2.
func (m *Membership) ObserveJoined(info SiloInfo) {
	m.mu.Lock()
	_, existed := m.silos[info.SiloID]
	m.silos[info.SiloID] = &info
	m.mu.Unlock()
	if existed {
		return
	}
	m.ring.AddNode(info.SiloID)
	m.publishJoined(info)
}

// ObserveLeft admits a remote silo's leave notification into the local
// view.
func (m *Membership) ObserveLeft(siloID string) {
	m.mu.Lock()
	_, existed := m.silos[siloID]
	delete(m.silos, siloID)
	m.mu.Unlock()
	if !existed {
		return
	}
	m.ring.RemoveNode(siloID)
	m.publishLeft(siloID)
}

// CheckQuorum reports whether the number of active silos meets the
// configured minimum. A QuorumMinSize of 0 disables the check (always
// true).
func (m *Membership) CheckQuorum() bool {
	if m.cfg.QuorumMinSize <= 0 {
		return true
	}
	return len(m.ActiveSilos()) >= m.cfg.QuorumMinSize
}

// sweepDead applies the configured eviction policy against the current
// view, removing and publishing silo_left for any silo judged dead.
func (m *Membership) sweepDead() {
	if m.cfg.EvictionPolicy == None {
		return
	}
	liveness := 3 * m.cfg.HeartbeatInterval
	now := time.Now()

	m.mu.Lock()
	var dead []string
	for id, info := range m.silos {
		if id == m.selfID {
			continue
		}
		timedOut := now.Sub(info.LastHeartbeat) > liveness
		if m.cfg.EvictionPolicy == HealthScoreBased || m.cfg.EvictionPolicy == Hybrid {
			if info.HealthScore < m.cfg.HealthScoreThreshold {
				info.consecutiveUnhealthy++
			} else {
				info.consecutiveUnhealthy = 0
			}
		}
		unhealthy := info.consecutiveUnhealthy >= m.cfg.HealthScoreStrikes && m.cfg.HealthScoreStrikes > 0

		var trigger bool
		switch m.cfg.EvictionPolicy {
		case TimeoutBased:
			trigger = timedOut
		case HealthScoreBased:
			trigger = unhealthy
		case Hybrid:
			trigger = timedOut || unhealthy
		}
		if trigger {
			info.Status = Dead
			dead = append(dead, id)
			delete(m.silos, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dead {
		m.cfg.Logger.Warning().Str("silo_id", id).Log("evicting unresponsive silo")
		m.ring.RemoveNode(id)
		m.publishLeft(id)
	}
}

func (m *Membership) heartbeatLoop(ctx context.Context, selfID string) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Heartbeat(1.0)
			m.sweepDead()
		}
	}
}

func (m *Membership) publishJoined(info SiloInfo) {
	m.mu.RLock()
	subs := append([]Subscriber(nil), m.subs...)
	m.mu.RUnlock()
	for _, s := range subs {
		s.OnSiloJoined(JoinEvent{Info: info})
	}
}

func (m *Membership) publishLeft(siloID string) {
	m.mu.RLock()
	subs := append([]Subscriber(nil), m.subs...)
	m.mu.RUnlock()
	for _, s := range subs {
		s.OnSiloLeft(LeaveEvent{SiloID: siloID})
	}
}
