package silo

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtualactor/silo/envelope"
	"github.com/virtualactor/silo/membership"
	"github.com/virtualactor/silo/registry"
	"github.com/virtualactor/silo/router"
	"github.com/virtualactor/silo/transport"
)

type counter struct {
	mu sync.Mutex
	n  int64
}

func counterManifest() *registry.Manifest {
	dispatcher := registry.NewDispatcher("Counter", map[string]registry.MethodFunc{
		"Increment": func(ctx context.Context, obj any, payload []byte) ([]byte, error) {
			c := obj.(*counter)
			c.mu.Lock()
			c.n++
			c.mu.Unlock()
			return nil, nil
		},
		"Get": func(ctx context.Context, obj any, payload []byte) ([]byte, error) {
			c := obj.(*counter)
			c.mu.Lock()
			defer c.mu.Unlock()
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(c.n))
			return envelope.EncodeParams(buf), nil
		},
	})
	return registry.NewManifest(map[string]registry.TypeEntry{
		"Counter": {
			Factory:    func(id string) any { return &counter{} },
			Dispatcher: dispatcher,
		},
	})
}

// TestS1LocalFastPath mirrors spec §8 scenario S1: a single silo hosts
// Counter; a co-located caller increments then reads the same activation.
func TestS1LocalFastPath(t *testing.T) {
	m := membership.New()
	tr := transport.New("silo-a")
	s := New("silo-a", counterManifest(), m, tr)
	require.NoError(t, s.Start(context.Background(), membership.SiloInfo{}))
	defer s.Stop(context.Background())

	r := router.New(m, tr)

	_, err := r.Call(context.Background(), "Counter", "c1", "Increment", nil)
	require.NoError(t, err)

	out, err := r.Call(context.Background(), "Counter", "c1", "Get", nil)
	require.NoError(t, err)
	segs, err := envelope.DecodeParams(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(segs[0]))

	assert.Equal(t, 1, s.Registry().Len(), "both calls must hit the same activation")
}

// TestS2RemoteRoundTrip mirrors spec §8 scenario S2: two silos, a key
// owned by the remote one, a single request/response pair.
func TestS2RemoteRoundTrip(t *testing.T) {
	connA, connB := net.Pipe()

	mA := membership.New()
	mB := membership.New()
	trA := transport.New("silo-a")
	trB := transport.New("silo-b")

	sB := New("silo-b", counterManifest(), mB, trB)
	require.NoError(t, sB.Start(context.Background(), membership.SiloInfo{}))
	defer sB.Stop(context.Background())

	trA.AdoptConnection("silo-b", connA)
	trB.AdoptConnection("silo-a", connB)

	// The caller's membership view only needs to know who owns the key; it
	// does not need to run its own Silo.
	mA.ObserveJoined(membership.SiloInfo{SiloID: "silo-b", Status: membership.Active})

	r := router.New(mA, trA)
	out, err := r.Call(context.Background(), "Counter", "c2", "Get", nil)
	require.NoError(t, err)
	segs, err := envelope.DecodeParams(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(segs[0]))
}

func TestUnknownActorTypeRepliesDispatchError(t *testing.T) {
	m := membership.New()
	tr := transport.New("silo-a")
	s := New("silo-a", counterManifest(), m, tr)
	require.NoError(t, s.Start(context.Background(), membership.SiloInfo{}))
	defer s.Stop(context.Background())

	r := router.New(m, tr)
	_, err := r.Call(context.Background(), "Ghost", "g1", "Boo", nil)
	assert.ErrorContains(t, err, "unknown actor type")
}

// selfCaller is a non-reentrant actor type whose one method calls itself
// back through the full router/transport/silo stack, used by
// TestS6ReentrancyRejection.
type selfCaller struct {
	router *router.Router
}

func selfCallerManifest(r *router.Router) *registry.Manifest {
	dispatcher := registry.NewDispatcher("SelfCaller", map[string]registry.MethodFunc{
		"Loop": func(ctx context.Context, obj any, payload []byte) ([]byte, error) {
			sc := obj.(*selfCaller)
			_, err := sc.router.Call(ctx, "SelfCaller", "s1", "Loop", nil)
			if err != nil {
				return nil, err
			}
			return []byte("should not run"), nil
		},
	})
	return registry.NewManifest(map[string]registry.TypeEntry{
		"SelfCaller": {
			Factory:    func(id string) any { return &selfCaller{router: r} },
			Dispatcher: dispatcher,
		},
	})
}

// TestS6ReentrancyRejection mirrors spec §8 scenario S6: a non-reentrant
// actor's handler invokes itself. Expect the nested call to resolve to a
// reentrancy error, the outer call to observe it, no deadlock, and the
// mailbox to return to depth 0 afterward.
func TestS6ReentrancyRejection(t *testing.T) {
	m := membership.New()
	tr := transport.New("silo-a")
	r := router.New(m, tr)
	s := New("silo-a", selfCallerManifest(r), m, tr)
	require.NoError(t, s.Start(context.Background(), membership.SiloInfo{}))
	defer s.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.Call(ctx, "SelfCaller", "s1", "Loop", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "re-entrant")

	assert.Eventually(t, func() bool {
		for _, a := range s.Registry().All() {
			if a.Depth() != 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func TestStopCompletesAndLaterCallsFail(t *testing.T) {
	m := membership.New()
	tr := transport.New("silo-a")
	s := New("silo-a", counterManifest(), m, tr, WithDrainDeadline(time.Second))
	require.NoError(t, s.Start(context.Background(), membership.SiloInfo{}))

	r := router.New(m, tr)
	_, err := r.Call(context.Background(), "Counter", "c1", "Increment", nil)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Call(ctx, "Counter", "c1", "Get", nil)
	assert.Error(t, err)
}
