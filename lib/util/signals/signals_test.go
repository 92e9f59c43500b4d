package signals

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate gives a test an empty handler registry and restores the old one.
func isolate(t *testing.T) {
	t.Helper()
	mu.Lock()
	saved, savedTimeout := handlers, gracefulTimeout
	handlers = map[kind][]registeredHandler{}
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		handlers, gracefulTimeout = saved, savedTimeout
		mu.Unlock()
	})
}

func TestReloadHandlersRunInOrder(t *testing.T) {
	isolate(t)
	var order []int
	for i := range 3 {
		RegisterReloadHandler(func() { order = append(order, i) })
	}
	handleReload()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestNilHandlersIgnored(t *testing.T) {
	isolate(t)
	assert.Equal(t, HandlerID(-1), RegisterReloadHandler(nil))
	assert.Equal(t, HandlerID(-1), RegisterInterruptHandler(nil))
	assert.Equal(t, HandlerID(-1), RegisterPreShutdownHandler(nil))
	assert.Empty(t, snapshot(reload))
}

func TestDeregister(t *testing.T) {
	isolate(t)
	var calls atomic.Int32
	keep := RegisterInterruptHandler(func() { calls.Add(1) })
	drop := RegisterInterruptHandler(func() { calls.Add(10) })
	DeregisterInterruptHandler(drop)
	DeregisterInterruptHandler(HandlerID(12345))

	handleInterrupted()
	assert.Equal(t, int32(1), calls.Load())
	assert.NotEqual(t, keep, drop)
}

func TestPreShutdownRunsBeforeInterrupt(t *testing.T) {
	isolate(t)
	var mu sync.Mutex
	var order []string
	record := func(s string) Handler {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	RegisterInterruptHandler(record("interrupt"))
	RegisterPreShutdownHandler(record("pre"))

	handleInterrupted()
	assert.Equal(t, []string{"pre", "interrupt"}, order)
}

func TestPreShutdownTimeout(t *testing.T) {
	isolate(t)
	SetGracefulTimeout(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	RegisterPreShutdownHandler(func() { <-release })

	start := time.Now()
	assert.False(t, runPreShutdown())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSetGracefulTimeoutDefaults(t *testing.T) {
	isolate(t)
	SetGracefulTimeout(-time.Second)
	assert.Equal(t, defaultGracefulTimeout, gracefulTimeout)
	SetGracefulTimeout(time.Second)
	assert.Equal(t, time.Second, gracefulTimeout)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	isolate(t)
	var ran bool
	RegisterReloadHandler(func() { panic("boom") })
	RegisterReloadHandler(func() { ran = true })
	require.NotPanics(t, handleReload)
	assert.True(t, ran)
}

func TestHandleReturnsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Handle(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return")
	}
}
