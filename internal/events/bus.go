// Package events implements the process-wide broadcast event bus. Every
// state transition in the Pipeline, Position Manager and Monitor publishes a
// typed record here; the bus is multi-producer multi-consumer and never
// blocks a publisher — slow subscribers drop events instead.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/metrics"
)

// Topic taxonomy published on the bus.
const (
	TopicEdgeExecuting       = "arb.edge.executing"
	TopicEdgeExecuted        = "arb.edge.executed"
	TopicEdgeFailed          = "arb.edge.failed"
	TopicEdgePendingApproval = "arb.edge.pending_approval"
	TopicEdgeRejected        = "arb.edge.rejected"

	TopicPositionOpened       = "arb.position.opened"
	TopicPositionExitPending  = "arb.position.exit_pending"
	TopicPositionExitSignal   = "arb.position.exit_signal"
	TopicPositionExitCompleted = "arb.position.exit_completed"
	TopicPositionExitFailed   = "arb.position.exit_failed"
	TopicPositionClosed       = "arb.position.closed"

	TopicKolTradeCopied     = "arb.kol.trade.copied"
	TopicKolTradeCopyFailed = "arb.kol.trade.copy_failed"
)

// Source identifies which component published an event.
type Source string

const (
	SourcePipeline Source = "pipeline"
	SourceManager  Source = "position_manager"
	SourceMonitor  Source = "position_monitor"
	SourceCopy     Source = "copy_executor"
)

// Event is one published record on the bus.
type Event struct {
	Type    string
	Source  Source
	Topic   string
	Payload map[string]any
	At      time.Time
}

func New(eventType string, source Source, topic string, payload map[string]any) Event {
	return Event{Type: eventType, Source: source, Topic: topic, Payload: payload, At: time.Now()}
}

const subscriberBuffer = 64

// Bus is a fan-out broadcaster over per-subscriber buffered channels. It is
// the Go analogue of the original service's tokio broadcast::Sender: every
// Subscribe call gets its own channel fed by Publish; a full subscriber
// channel drops the event rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel function. The
// channel is closed when cancel is called.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish fans an event out to every current subscriber. Never blocks.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			metrics.EventBusDropped.Inc()
			log.Warn().Int("subscriber", id).Str("topic", e.Topic).Msg("event bus subscriber full, dropping event")
		}
	}
}
