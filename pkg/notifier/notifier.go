// Package notifier implements the Notifier contract (C7): send_record and
// send_records fan out a record to its subscribers, a (bus_name,
// operation) pair. Delivery is fire-and-forget with a bounded retry; there
// is no ordering across subscribers, but records a single sender observes
// are delivered to a given subscriber in submission order. Adapted from
// the teacher's pkg/events.Broker (channel-based pub-sub), generalized
// from a fixed EventType enum and a single broadcast fan-out to
// per-subscriber ordered delivery queues addressed by bus name.
package notifier

import (
	"context"
	"sync"

	"github.com/cuemby/epum/pkg/ctlerr"
	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
)

// Bus delivers a record to one named message-bus endpoint. Implementations
// wrap whatever transport actually reaches that bus (pkg/bus's in-memory
// or grpc transports); the notifier only needs Deliver.
type Bus interface {
	Deliver(ctx context.Context, operation string, record any) error
}

// Notifier fans records out to subscribers, one ordered delivery queue per
// (bus_name, operation) pair so a slow or retrying subscriber never blocks
// delivery to others.
type Notifier struct {
	mu      sync.RWMutex
	buses   map[string]Bus
	queues  map[string]*deliveryQueue
	backoff ctlerr.BackoffPolicy
	logger  zerolog.Logger
}

// New creates a Notifier. Buses are registered via RegisterBus before any
// record naming them can be delivered; an undeliverable bus name is
// logged and dropped rather than blocking the sender.
func New(logger zerolog.Logger) *Notifier {
	return &Notifier{
		buses:   make(map[string]Bus),
		queues:  make(map[string]*deliveryQueue),
		backoff: ctlerr.DefaultBackoff,
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

// RegisterBus makes busName reachable for subsequent deliveries.
func (n *Notifier) RegisterBus(busName string, bus Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buses[busName] = bus
}

// SendRecord delivers record to every subscriber, matching send_record.
func (n *Notifier) SendRecord(ctx context.Context, record any, subscribers []types.Subscriber) {
	n.SendRecords(ctx, []any{record}, subscribers)
}

// SendRecords delivers each record, in order, to every subscriber,
// matching send_records. Each subscriber gets its own ordered queue so one
// subscriber's retry backoff never delays another's delivery.
func (n *Notifier) SendRecords(ctx context.Context, records []any, subscribers []types.Subscriber) {
	for _, sub := range subscribers {
		q := n.queueFor(sub)
		for _, rec := range records {
			q.enqueue(ctx, rec)
		}
	}
}

func (n *Notifier) queueFor(sub types.Subscriber) *deliveryQueue {
	key := sub.BusName + "\x00" + sub.Operation

	n.mu.Lock()
	defer n.mu.Unlock()
	if q, ok := n.queues[key]; ok {
		return q
	}

	q := &deliveryQueue{
		sub:     sub,
		notif:   n,
		records: make(chan queuedRecord, 256),
	}
	n.queues[key] = q
	go q.run()
	return q
}

type queuedRecord struct {
	ctx context.Context
	rec any
}

// deliveryQueue drains its channel in submission order, calling the
// target bus with bounded retry; undeliverable records are logged and
// dropped so one bad subscriber never stalls the sender.
type deliveryQueue struct {
	sub     types.Subscriber
	notif   *Notifier
	records chan queuedRecord
	once    sync.Once
}

func (q *deliveryQueue) enqueue(ctx context.Context, rec any) {
	select {
	case q.records <- queuedRecord{ctx: ctx, rec: rec}:
	default:
		q.notif.logger.Warn().
			Str("bus_name", q.sub.BusName).
			Str("operation", q.sub.Operation).
			Msg("delivery queue full, dropping record")
	}
}

func (q *deliveryQueue) run() {
	for qr := range q.records {
		q.deliver(qr)
	}
}

func (q *deliveryQueue) deliver(qr queuedRecord) {
	q.notif.mu.RLock()
	bus, ok := q.notif.buses[q.sub.BusName]
	backoff := q.notif.backoff
	q.notif.mu.RUnlock()

	if !ok {
		q.notif.logger.Warn().Str("bus_name", q.sub.BusName).Msg("no bus registered for subscriber, dropping record")
		return
	}

	err := ctlerr.Retry(qr.ctx, backoff, func() error {
		if deliverErr := bus.Deliver(qr.ctx, q.sub.Operation, qr.rec); deliverErr != nil {
			return ctlerr.Wrap(ctlerr.TransientError, "bus delivery failed", deliverErr)
		}
		return nil
	})
	if err != nil {
		q.notif.logger.Warn().
			Err(err).
			Str("bus_name", q.sub.BusName).
			Str("operation", q.sub.Operation).
			Msg("record delivery abandoned after retries")
	}
}
