// Package lifecycle tracks the engine's stoppable components so shutdown
// runs them in reverse registration order with a bounded deadline.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StopFunc tears one component down.
type StopFunc func(ctx context.Context) error

type registration struct {
	name string
	stop StopFunc
}

// Registry collects named shutdown hooks.
type Registry struct {
	mu    sync.Mutex
	hooks []registration
	done  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a shutdown hook. Hooks run in reverse registration order:
// what starts first stops last.
func (r *Registry) Register(name string, stop StopFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, registration{name: name, stop: stop})
}

// Shutdown runs all hooks in reverse order, each bounded by the remaining
// deadline. A failing hook is logged; the rest still run. Idempotent.
func (r *Registry) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	hooks := make([]registration, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.stop(ctx); err != nil {
			slog.Warn("shutdown hook failed", "component", h.name, "error", err)
		} else {
			slog.Debug("shutdown hook finished", "component", h.name, "took", time.Since(start))
		}
		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded, abandoning remaining hooks",
				"remaining", i)
			return
		}
	}
}
