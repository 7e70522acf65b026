// Package events fans the event_stream exchange out to connected
// recsystems. Each API process binds a private queue to the fanout exchange,
// so every process sees every event and serves its own WebSocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"newsriver/internal/broker"
	"newsriver/internal/domain"
	"newsriver/internal/observability/metrics"
)

// Subscription is one connected recsystem's view of the event stream.
type Subscription struct {
	name string
	ch   chan domain.Event
}

// Name reports the recsystem this subscription belongs to.
func (s *Subscription) Name() string { return s.name }

// Events is the subscription's delivery channel. It is closed when the
// subscription is unregistered.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Hub routes events to connected recsystems. At most one subscription may
// exist per recsystem name; a second Register returns
// domain.ErrAlreadyConnected and the caller rejects the connection.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	backlog int
	logger  *slog.Logger
}

// NewHub builds a hub whose per-recsystem queues hold up to backlog events.
func NewHub(backlog int, logger *slog.Logger) *Hub {
	return &Hub{
		subs:    make(map[string]*Subscription),
		backlog: backlog,
		logger:  logger,
	}
}

// Register connects a recsystem to the stream.
func (h *Hub) Register(name string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subs[name]; exists {
		return nil, domain.ErrAlreadyConnected
	}

	sub := &Subscription{name: name, ch: make(chan domain.Event, h.backlog)}
	h.subs[name] = sub
	metrics.ConnectedRecsystems.Set(float64(len(h.subs)))
	h.logger.Info("recsystem connected to event stream", slog.String("recsystem", name))
	return sub, nil
}

// Unregister disconnects sub and closes its delivery channel. Unregistering
// a subscription that was already replaced is a no-op, so a slow disconnect
// cannot tear down its successor.
func (h *Hub) Unregister(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.subs[sub.name]
	if !ok || current != sub {
		return
	}
	delete(h.subs, sub.name)
	close(sub.ch)
	metrics.ConnectedRecsystems.Set(float64(len(h.subs)))
	h.logger.Info("recsystem disconnected from event stream", slog.String("recsystem", sub.name))
}

// Connected lists the currently connected recsystem names.
func (h *Hub) Connected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.subs))
	for name := range h.subs {
		names = append(names, name)
	}
	return names
}

// Dispatch delivers event to its targets, or to every connected recsystem
// when no targets are named. Delivery never blocks: a full queue sheds its
// oldest event to make room, keeping a slow consumer from stalling the hub.
func (h *Hub) Dispatch(event domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if event.Targets == nil {
		for _, sub := range h.subs {
			h.deliver(sub, event)
		}
		return
	}

	for _, name := range event.Targets {
		sub, ok := h.subs[name]
		if !ok {
			// Targets name recsystems that may be connected to another API
			// process, or to none at all.
			h.logger.Debug("event target not connected here",
				slog.String("recsystem", name), slog.String("type", event.Type))
			continue
		}
		h.deliver(sub, event)
	}
}

func (h *Hub) deliver(sub *Subscription, event domain.Event) {
	select {
	case sub.ch <- event:
	default:
		select {
		case <-sub.ch:
			metrics.EventsDroppedTotal.WithLabelValues(sub.name).Inc()
			h.logger.Warn("event queue full, dropping oldest",
				slog.String("recsystem", sub.name))
		default:
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	metrics.EventsDispatchedTotal.WithLabelValues(event.Type).Inc()
}

// Run consumes the event_stream exchange and dispatches into the hub until
// ctx is done. The queue is private to this process: fanout means every API
// process receives every event.
func (h *Hub) Run(ctx context.Context, b *broker.Broker) error {
	return b.Worker(ctx, domain.ExchangeEventStream, domain.RouteSendEvent,
		broker.WorkerOptions{Exclusive: true}, h.Handle)
}

// Handle dispatches one event_stream delivery.
func (h *Hub) Handle(_ context.Context, body []byte) broker.Result {
	var event domain.Event
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("malformed event, dropping", slog.Any("error", err))
		return broker.Reject
	}

	h.Dispatch(event)
	return broker.Ack
}
