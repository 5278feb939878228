package retry

import (
	"context"
	"sync"

	"github.com/aluiziolira/go-catalog-sync/models"
)

// Handler replays one deferred call. A nil return removes the item;
// a *remote.CallError reschedules or drops it per the backoff policy.
type Handler func(ctx context.Context, item models.RetryItem) error

// Registry maps call kinds to replay handlers. Handlers are registered
// at wiring time, before the first drain; dispatch never inspects the
// endpoint string.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.CallKind]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.CallKind]Handler)}
}

// Register binds a handler to a call kind, replacing any previous one.
func (r *Registry) Register(kind models.CallKind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Handler looks up the replay handler for a kind.
func (r *Registry) Handler(kind models.CallKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[kind]
	return handler, ok
}
