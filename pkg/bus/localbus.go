package bus

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/ctlerr"
)

// Handler processes one delivered record for a single operation.
type Handler func(ctx context.Context, record any) error

// LocalBus is an in-process transport satisfying notifier.Bus: Deliver
// looks up the registered Handler for an operation and calls it directly,
// with no network hop. Grounded on the teacher's pkg/events.Broker
// (map-guarded-by-mutex registration, non-blocking dispatch), generalized
// from Broker's single broadcast-to-all-subscribers fan-out to an
// addressed call-one-handler-by-operation-name dispatch, since the bus
// here carries both RPCs (one handler) and notifications (one handler per
// subscriber queue, via Notifier).
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]Handler)}
}

// RegisterHandler makes operation reachable via Deliver.
func (b *LocalBus) RegisterHandler(operation string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[operation] = h
}

// Deliver implements notifier.Bus.
func (b *LocalBus) Deliver(ctx context.Context, operation string, record any) error {
	b.mu.RLock()
	h, ok := b.handlers[operation]
	b.mu.RUnlock()
	if !ok {
		return ctlerr.New(ctlerr.LookupError, "no local handler registered for operation "+operation)
	}
	return h(ctx, record)
}

// Send wraps record in an Envelope with the current time and calls Deliver, giving
// callers outside this package a one-line way to publish without
// constructing an Envelope by hand.
func (b *LocalBus) Send(ctx context.Context, operation string, record any) error {
	env := Envelope{Operation: operation, SentAt: time.Now(), Record: record}
	return b.Deliver(ctx, operation, env)
}
