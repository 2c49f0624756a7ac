package eventloopadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSubmitRunsOnLoopGoroutine exercises the transport.Loop contract this
// adapter provides: work submitted via Submit/SubmitInternal executes once
// Run is driving the underlying eventloop.Loop, and Shutdown drains it.
func TestSubmitRunsOnLoopGoroutine(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	got := make(chan string, 2)
	require.NoError(t, a.Submit(func() { got <- "external" }))
	require.NoError(t, a.SubmitInternal(func() { got <- "internal" }))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-got:
			seen[v] = true
		case <-time.After(time.Second):
			t.Fatal("submitted task did not run")
		}
	}
	assert.True(t, seen["external"])
	assert.True(t, seen["internal"])

	require.NoError(t, a.Shutdown(context.Background()))
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after Shutdown")
	}
}
