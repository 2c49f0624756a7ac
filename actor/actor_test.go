package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestActivation(t *testing.T, opts ...Option) *Activation {
	t.Helper()
	a := New(Key{Type: "Counter", ID: "c1"}, opts...)
	a.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Stop(ctx)
	})
	return a
}

func TestAskReturnsHandlerResult(t *testing.T) {
	a := newTestActivation(t)
	out, err := a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
}

func TestTurnIsolationNoOverlap(t *testing.T) {
	a := newTestActivation(t)
	var mu sync.Mutex
	inHandler := false
	overlapDetected := false

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) {
				mu.Lock()
				if inHandler {
					overlapDetected = true
				}
				inHandler = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inHandler = false
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.False(t, overlapDetected)
}

func TestStateMutationVisibleAcrossTurns(t *testing.T) {
	a := newTestActivation(t)
	count := 0
	for i := 0; i < 10; i++ {
		_, err := a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) {
			count++
			return nil, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 10, count)
}

func TestFIFOOrderingWithinMailbox(t *testing.T) {
	a := newTestActivation(t)
	var order []int

	// A single sender enqueues ten messages via Tell in send order; the
	// trailing Ask returns only after the worker has run everything queued
	// before it.
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, a.Tell(context.Background(), func(ctx context.Context) ([]byte, error) {
			order = append(order, i)
			return nil, nil
		}))
	}
	_, err := a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) { return nil, nil })
	require.NoError(t, err)
	require.Len(t, order, 10)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestReentrancyRejectedForNonReentrantActor(t *testing.T) {
	a := newTestActivation(t, WithReentrant(false))

	_, err := a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) {
		return a.Ask(ctx, func(ctx context.Context) ([]byte, error) {
			return []byte("should not run"), nil
		})
	})
	assert.ErrorIs(t, err, ErrReentrancy)
	assert.Equal(t, 0, a.Depth())
}

// TestTellReentrancyRejectedForNonReentrantActor mirrors
// TestReentrancyRejectedForNonReentrantActor but through Tell, the entry
// point the silo loop actually uses (spec §8 scenario S6): the reply is
// delivered out-of-band by the handler rather than through Tell's own
// return value, but the nested enqueue attempt must still be rejected
// up front rather than deadlocking the single mailbox worker.
func TestTellReentrancyRejectedForNonReentrantActor(t *testing.T) {
	a := newTestActivation(t, WithReentrant(false))

	nestedErr := make(chan error, 1)
	_, err := a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) {
		nestedErr <- a.Tell(ctx, func(ctx context.Context) ([]byte, error) {
			return []byte("should not run"), nil
		})
		return nil, nil
	})
	require.NoError(t, err)

	select {
	case e := <-nestedErr:
		assert.ErrorIs(t, e, ErrReentrancy)
	case <-time.After(time.Second):
		t.Fatal("nested Tell did not return")
	}
	assert.Equal(t, 0, a.Depth())
}

func TestReentrancyAllowedWhenOptedIn(t *testing.T) {
	a := newTestActivation(t, WithReentrant(true))

	// Reentrant activations still serialize turns (single mailbox worker),
	// so a literal self-call from within a turn would deadlock waiting on
	// its own worker; reentrancy here means the dispatcher does not reject
	// the nested call up front, which we verify by checking the guard is
	// bypassed rather than by actually deadlocking the test: a context that
	// already carries this activation's marker is still accepted by Ask.
	ctx := context.WithValue(context.Background(), reentrancyKey{a.Key}, true)
	out, err := a.Ask(ctx, func(ctx context.Context) ([]byte, error) {
		return []byte("ran"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ran"), out)
}

func TestMailboxFullRejectsByDefault(t *testing.T) {
	a := New(Key{Type: "Counter", ID: "c2"}, WithMailboxCapacity(1))
	// Do not Start: mailbox fills without a drain loop.
	block := make(chan struct{})
	a.mailbox <- turn{ctx: context.Background(), handler: func(ctx context.Context) ([]byte, error) {
		<-block
		return nil, nil
	}}
	err := a.Tell(context.Background(), func(ctx context.Context) ([]byte, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrMailboxFull)
	close(block)
}

func TestOnActivateRunsBeforeFirstMessage(t *testing.T) {
	var activated bool
	a := New(Key{Type: "Counter", ID: "c3"}, WithOnActivate(func(ctx context.Context) error {
		activated = true
		return nil
	}))
	a.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Stop(ctx)
	}()

	_, err := a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) {
		assert.True(t, activated)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestOnDeactivateRunsOnStop(t *testing.T) {
	deactivated := make(chan struct{})
	a := New(Key{Type: "Counter", ID: "c4"}, WithOnDeactivate(func(ctx context.Context) error {
		close(deactivated)
		return nil
	}))
	a.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Stop(ctx)

	select {
	case <-deactivated:
	case <-time.After(time.Second):
		t.Fatal("on_deactivate did not run")
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	a := New(Key{Type: "Counter", ID: "c5"})
	a.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Stop(ctx)

	_, err := a.Ask(context.Background(), func(ctx context.Context) ([]byte, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrStopped)
}
