// Package signals runs registered handlers when the process receives reload
// or shutdown signals.
package signals

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// sigChan is buffered to avoid missing signals delivered while no receiver is ready.
var sigChan = make(chan os.Signal, 1)

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registered handler for deregistration.
type HandlerID int

type kind int

const (
	reload kind = iota
	preShutdown
	interrupt
)

func (k kind) String() string {
	switch k {
	case reload:
		return "reload"
	case preShutdown:
		return "pre-shutdown"
	case interrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

type registeredHandler struct {
	id HandlerID
	fn Handler
}

// defaultGracefulTimeout bounds the pre-shutdown phase.
const defaultGracefulTimeout = 30 * time.Second

var (
	mu              sync.RWMutex
	handlers        = map[kind][]registeredHandler{}
	nextID          HandlerID
	gracefulTimeout = defaultGracefulTimeout
	stopOnce        sync.Once
)

func register(k kind, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	mu.Lock()
	defer mu.Unlock()
	id := nextID
	nextID++
	handlers[k] = append(handlers[k], registeredHandler{id: id, fn: f})
	return id
}

func deregister(k kind, id HandlerID) {
	mu.Lock()
	defer mu.Unlock()
	handlers[k] = slices.DeleteFunc(handlers[k], func(h registeredHandler) bool { return h.id == id })
}

// RegisterReloadHandler registers a handler called on SIGHUP.
// Nil handlers are ignored and return -1.
func RegisterReloadHandler(f Handler) HandlerID { return register(reload, f) }

// DeregisterReloadHandler removes a reload handler.
func DeregisterReloadHandler(id HandlerID) { deregister(reload, id) }

// RegisterPreShutdownHandler registers a handler that runs before the
// interrupt handlers, bounded by the graceful timeout. Nodes use it to close
// peers while links are still up.
func RegisterPreShutdownHandler(f Handler) HandlerID { return register(preShutdown, f) }

// DeregisterPreShutdownHandler removes a pre-shutdown handler.
func DeregisterPreShutdownHandler(id HandlerID) { deregister(preShutdown, id) }

// RegisterInterruptHandler registers a handler called on SIGINT/SIGTERM.
// Nil handlers are ignored and return -1.
func RegisterInterruptHandler(f Handler) HandlerID { return register(interrupt, f) }

// DeregisterInterruptHandler removes an interrupt handler.
func DeregisterInterruptHandler(id HandlerID) { deregister(interrupt, id) }

// SetGracefulTimeout sets how long pre-shutdown handlers may run.
// Non-positive values restore the 30 second default.
func SetGracefulTimeout(timeout time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if timeout <= 0 {
		timeout = defaultGracefulTimeout
	}
	gracefulTimeout = timeout
}

func snapshot(k kind) []registeredHandler {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Clone(handlers[k])
}

// run calls every handler of kind k in registration order. A panicking
// handler is logged and does not stop the others.
func run(k kind) {
	for _, h := range snapshot(k) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":      "signals.run",
						"kind":    k.String(),
						"handler": h.id,
						"panic":   r,
					}).Error("signal handler panicked")
				}
			}()
			h.fn()
		}()
	}
}

// runPreShutdown runs the pre-shutdown handlers and reports whether they
// finished within the graceful timeout.
func runPreShutdown() bool {
	mu.RLock()
	timeout := gracefulTimeout
	mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		run(preShutdown)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.WithField("timeout", timeout).Warn("pre-shutdown handlers timed out")
		return false
	}
}

func handleReload() {
	log.Debug("reload signal received")
	run(reload)
}

func handleInterrupted() {
	log.Debug("shutdown signal received")
	runPreShutdown()
	run(interrupt)
}

// Handle dispatches signals to the registered handlers until ctx ends or
// StopHandle is called.
func Handle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigChan:
			if !ok {
				return
			}
			dispatch(sig)
		}
	}
}

// StopHandle makes Handle return. Safe to call more than once.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
