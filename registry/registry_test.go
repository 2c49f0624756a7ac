package registry

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtualactor/silo/actor"
	"github.com/virtualactor/silo/envelope"
)

type counter struct {
	mu sync.Mutex
	n  int64
}

func counterManifest() *Manifest {
	dispatcher := NewDispatcher("Counter", map[string]MethodFunc{
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

	var created int64
	return NewManifest(map[string]TypeEntry{
		"Counter": {
			Factory: func(id string) any {
				atomic.AddInt64(&created, 1)
				return &counter{}
			},
			Dispatcher: dispatcher,
		},
	})
}

func TestGetOrCreateMaterializesOnce(t *testing.T) {
	reg := New(counterManifest(), nil)

	var wg sync.WaitGroup
	acts := make([]*Activation, 20)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := reg.GetOrCreate(context.Background(), "Counter", "c1")
			require.NoError(t, err)
			acts[i] = a
		}()
	}
	wg.Wait()

	for i := 1; i < 20; i++ {
		assert.Same(t, acts[0], acts[i])
	}
	assert.Equal(t, 1, reg.Len())
}

func TestGetOrCreateUnknownActorType(t *testing.T) {
	reg := New(counterManifest(), nil)
	_, err := reg.GetOrCreate(context.Background(), "Ghost", "x")
	var target *ErrUnknownActorType
	assert.ErrorAs(t, err, &target)
}

func TestDispatcherUnknownMethod(t *testing.T) {
	reg := New(counterManifest(), nil)
	a, err := reg.GetOrCreate(context.Background(), "Counter", "c1")
	require.NoError(t, err)

	_, err = a.Dispatcher.Invoke(context.Background(), a.Obj, "Nope", nil)
	var target *ErrUnknownMethod
	assert.ErrorAs(t, err, &target)
}

func TestDispatcherInvokeRoundTrip(t *testing.T) {
	reg := New(counterManifest(), nil)
	a, err := reg.GetOrCreate(context.Background(), "Counter", "c1")
	require.NoError(t, err)

	out, err := a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) {
		return a.Dispatcher.Invoke(ctx, a.Obj, "Increment", nil)
	})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) {
		return a.Dispatcher.Invoke(ctx, a.Obj, "Get", nil)
	})
	require.NoError(t, err)
	segs, err := envelope.DecodeParams(out)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(segs[0]))

	_ = actor.Key{}
}

func TestRemoveEvictsActivation(t *testing.T) {
	reg := New(counterManifest(), nil)
	_, err := reg.GetOrCreate(context.Background(), "Counter", "c1")
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	reg.Remove(context.Background(), actor.Key{Type: "Counter", ID: "c1"})
	assert.Equal(t, 0, reg.Len())
}
