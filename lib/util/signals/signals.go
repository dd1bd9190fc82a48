// Package signals runs registered handlers on reload and shutdown signals.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

// sigChan is buffered so a signal arriving before Handle runs is kept.
var sigChan = make(chan os.Signal, 1)

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registration for Deregister.
type HandlerID int

type registeredHandler struct {
	id HandlerID
	fn Handler
}

type handlerKind int

const (
	kindReload handlerKind = iota
	kindPreShutdown
	kindInterrupt
)

func (k handlerKind) String() string {
	switch k {
	case kindReload:
		return "reload"
	case kindPreShutdown:
		return "pre_shutdown"
	default:
		return "interrupt"
	}
}

const defaultGracefulTimeout = 30 * time.Second

var (
	mu              sync.RWMutex
	handlers        = map[handlerKind][]registeredHandler{}
	nextID          HandlerID
	gracefulTimeout = defaultGracefulTimeout
	stopOnce        sync.Once
)

func register(kind handlerKind, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	mu.Lock()
	defer mu.Unlock()
	id := nextID
	nextID++
	handlers[kind] = append(handlers[kind], registeredHandler{id: id, fn: f})
	return id
}

// RegisterReloadHandler registers f for SIGHUP.
func RegisterReloadHandler(f Handler) HandlerID { return register(kindReload, f) }

// RegisterInterruptHandler registers f for SIGINT and SIGTERM.
func RegisterInterruptHandler(f Handler) HandlerID { return register(kindInterrupt, f) }

// RegisterPreShutdownHandler registers f to run before the interrupt
// handlers. Pre-shutdown handlers share one graceful timeout.
func RegisterPreShutdownHandler(f Handler) HandlerID { return register(kindPreShutdown, f) }

// Deregister removes the handler registered under id.
func Deregister(id HandlerID) {
	mu.Lock()
	defer mu.Unlock()
	for kind, list := range handlers {
		for i, h := range list {
			if h.id == id {
				handlers[kind] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// SetGracefulTimeout bounds the pre-shutdown phase. Non-positive values
// restore the default.
func SetGracefulTimeout(timeout time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if timeout <= 0 {
		timeout = defaultGracefulTimeout
	}
	gracefulTimeout = timeout
}

func snapshot(kind handlerKind) []registeredHandler {
	mu.RLock()
	defer mu.RUnlock()
	return append([]registeredHandler(nil), handlers[kind]...)
}

// run calls every handler of kind in registration order. A panicking
// handler is logged and does not stop the others.
func run(kind handlerKind) {
	for _, h := range snapshot(kind) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":      "signals.run",
						"kind":    kind.String(),
						"handler": int(h.id),
						"panic":   r,
					}).Error("signal handler panicked")
				}
			}()
			h.fn()
		}()
	}
}

func handleReload() { run(kindReload) }

// handleInterrupted runs the pre-shutdown handlers, waiting at most the
// graceful timeout, then the interrupt handlers.
func handleInterrupted() {
	mu.RLock()
	timeout := gracefulTimeout
	mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		run(kindPreShutdown)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.WithFields(logger.Fields{
			"at":      "signals.handleInterrupted",
			"timeout": timeout,
		}).Warn("pre-shutdown handlers timed out")
	}
	run(kindInterrupt)
}

// StopHandle makes Handle return. Safe to call more than once.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
