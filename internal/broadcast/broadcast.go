// Package broadcast fans daemon state changes out to external
// subscribers. The RPC server bridges the stream onto SSE; every
// publish also feeds the Prometheus event counter.
package broadcast

import (
	"context"
	"time"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
	"github.com/apc-dev/apc/internal/pubsub"
)

// Event names carried on the stream. Names are a compatibility surface;
// renaming one breaks external subscribers.
const (
	SessionCreated    = "session.created"
	SessionUpdated    = "session.updated"
	WorkflowCompleted = "workflow.completed"
	WorkflowEvent     = "workflow.event"
	WorkflowsCleaned  = "workflows.cleaned"
	DepsList          = "deps.list"
	UserQuestionAsked = "user.questionAsked"
	PoolChanged       = "pool.changed"
)

// Event is one broadcast frame.
type Event struct {
	Name    string         `json:"name"`
	Session string         `json:"session,omitempty"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Broadcaster owns the outbound event broker.
type Broadcaster struct {
	broker *pubsub.Broker[Event]
	clk    clock.Clock
	m      *metrics.Metrics
}

// New builds a broadcaster. A nil clock falls back to the real one; a
// nil metrics handle disables counting.
func New(clk clock.Clock, m *metrics.Metrics) *Broadcaster {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Broadcaster{
		broker: pubsub.New[Event](),
		clk:    clk,
		m:      m,
	}
}

// Publish emits one event. Non-blocking: slow subscribers drop frames
// rather than stalling the caller.
func (b *Broadcaster) Publish(name, session string, payload map[string]any) {
	ev := Event{
		Name:    name,
		Session: session,
		At:      b.clk.Now(),
		Payload: payload,
	}
	b.broker.Publish(ev)
	b.m.BroadcastEvent(name)
	log.Debug(log.CatRPC, "broadcast", "event", name, "session", session)
}

// Subscribe returns a stream of events valid until ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Event {
	return b.broker.Subscribe(ctx)
}

// SubscriberCount reports live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	return b.broker.SubscriberCount()
}

// Close tears down the broker; pending subscriber channels close.
func (b *Broadcaster) Close() {
	b.broker.Close()
}
