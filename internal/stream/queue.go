// Package stream converts AgentRunner events into client wire streams (SSE
// frames or WebSocket messages) under backpressure, and owns the inbound
// half of a bidirectional WebSocket (prompts, interrupts, permission
// answers).
package stream

import (
	"context"
	"sync"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// Queue is the bounded buffer between an AgentRunner and the network
// writer. It is the only place events are buffered: when it fills, the
// producer blocks, which backpressures the SDK consumer.
//
// The one exception is incremental deltas: adjacent partial events with the
// same content-block index and the same delta kind may be coalesced while
// the queue is full, so a slow client degrades to chunkier text rather than
// stalling tool events. tool_*, message, permission_request, result and
// error events are never coalesced.
//
// Queue assumes a single producer goroutine (the runner pump).
type Queue struct {
	ch chan models.AgentEvent

	mu      sync.Mutex
	pending *models.AgentEvent // coalesced delta awaiting a slot
	closed  bool
}

// NewQueue creates a queue with the given capacity (minimum 1).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan models.AgentEvent, capacity)}
}

// Events is the consumer side.
func (q *Queue) Events() <-chan models.AgentEvent { return q.ch }

// Push enqueues ev, blocking when the queue is full unless ev can be
// coalesced into the held delta. Returns ctx.Err() if the consumer went
// away before a slot opened.
func (q *Queue) Push(ctx context.Context, ev models.AgentEvent) error {
	// Flush any held delta first so ordering across kinds is preserved.
	q.mu.Lock()
	if q.pending != nil {
		if canCoalesce(*q.pending, ev) {
			q.pending.Partial.Text += ev.Partial.Text
			q.mu.Unlock()
			return nil
		}
		held := *q.pending
		q.pending = nil
		q.mu.Unlock()
		if err := q.send(ctx, held); err != nil {
			return err
		}
		q.mu.Lock()
	}
	q.mu.Unlock()

	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Queue full: hold a coalescible delta, block on anything else.
	if isCoalescible(ev) {
		q.mu.Lock()
		q.pending = &ev
		q.mu.Unlock()
		return nil
	}
	return q.send(ctx, ev)
}

// Close releases any held delta into the channel and closes it. Must be
// called by the producer after the terminal event. Terminal events are never
// coalescible and flush the held delta on Push, so a delta still held here
// means the run died without one — the consumer may be gone with the buffer
// full, and Close must not block on it: the send is best-effort.
func (q *Queue) Close() {
	q.mu.Lock()
	held := q.pending
	q.pending = nil
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if held != nil {
		select {
		case q.ch <- *held:
		default:
		}
	}
	close(q.ch)
}

func (q *Queue) send(ctx context.Context, ev models.AgentEvent) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isCoalescible(ev models.AgentEvent) bool {
	return ev.Kind == models.EventPartial && ev.Partial != nil && ev.Partial.Block.Delta()
}

func canCoalesce(held, ev models.AgentEvent) bool {
	return isCoalescible(held) && isCoalescible(ev) &&
		held.Partial.Index == ev.Partial.Index &&
		held.Partial.Block == ev.Partial.Block
}
