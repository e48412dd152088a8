package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

func textDelta(index int, text string) models.AgentEvent {
	return models.AgentEvent{
		Kind:    models.EventPartial,
		Partial: &models.Partial{Index: index, Block: models.BlockTextDelta, Text: text},
	}
}

func toolStart(name string) models.AgentEvent {
	return models.AgentEvent{
		Kind: models.EventToolStart,
		Tool: &models.ToolInfo{ToolUseID: "tu_1", ToolName: name},
	}
}

func drain(t *testing.T, q *Queue) []models.AgentEvent {
	t.Helper()
	var out []models.AgentEvent
	for {
		select {
		case ev, ok := <-q.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatal("queue did not close")
		}
	}
}

func TestQueuePassesEventsInOrder(t *testing.T) {
	q := NewQueue(16)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, textDelta(0, "hel")))
	require.NoError(t, q.Push(ctx, textDelta(0, "lo")))
	require.NoError(t, q.Push(ctx, toolStart("bash")))
	q.Close()

	events := drain(t, q)
	require.Len(t, events, 3)
	assert.Equal(t, "hel", events[0].Partial.Text)
	assert.Equal(t, "lo", events[1].Partial.Text)
	assert.Equal(t, models.EventToolStart, events[2].Kind)
}

func TestQueueCoalescesDeltasOnlyWhenFull(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	// Fill the queue, then push three more same-index deltas. With no
	// consumer they must coalesce into one held event instead of blocking.
	require.NoError(t, q.Push(ctx, textDelta(0, "a")))
	require.NoError(t, q.Push(ctx, textDelta(0, "b")))
	require.NoError(t, q.Push(ctx, textDelta(0, "c")))
	require.NoError(t, q.Push(ctx, textDelta(0, "d")))
	require.NoError(t, q.Push(ctx, textDelta(0, "e")))

	// Free a slot so Close can land the held delta.
	first, ok := <-q.Events()
	require.True(t, ok)
	assert.Equal(t, "a", first.Partial.Text)
	q.Close()

	events := drain(t, q)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Partial.Text)
	assert.Equal(t, "cde", events[1].Partial.Text)
}

func TestQueueCloseDoesNotBlockWhenConsumerGone(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, textDelta(0, "a")))
	require.NoError(t, q.Push(ctx, textDelta(0, "b"))) // held, buffer full

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked with a held delta, a full buffer, and no consumer")
	}

	// The buffered event survives; the held delta is dropped, not deadlocked.
	ev, ok := <-q.Events()
	require.True(t, ok)
	assert.Equal(t, "a", ev.Partial.Text)
	_, ok = <-q.Events()
	assert.False(t, ok)
}

func TestQueueDoesNotCoalesceAcrossIndexes(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, textDelta(0, "a")))
	require.NoError(t, q.Push(ctx, textDelta(1, "x"))) // held

	// A delta for a different block index cannot merge into the held one;
	// the push must block until the consumer drains a slot.
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-q.Events()
		<-q.Events()
	}()
	require.NoError(t, q.Push(ctx, textDelta(2, "y")))
	q.Close()

	var kinds []int
	for ev := range q.Events() {
		kinds = append(kinds, ev.Partial.Index)
	}
	assert.Equal(t, []int{2}, kinds)
}

func TestQueueFlushesHeldDeltaBeforeToolEvent(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, textDelta(0, "a")))
	require.NoError(t, q.Push(ctx, textDelta(0, "b"))) // held
	require.NoError(t, q.Push(ctx, textDelta(0, "c"))) // merged into held

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Blocks: held delta "bc" must land before the tool event.
		assert.NoError(t, q.Push(ctx, toolStart("bash")))
		q.Close()
	}()

	events := drain(t, q)
	<-done

	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Partial.Text)
	assert.Equal(t, "bc", events[1].Partial.Text)
	assert.Equal(t, models.EventToolStart, events[2].Kind)
}

func TestQueuePushReturnsErrorWhenConsumerGone(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Push(ctx, toolStart("bash")))
	cancel()
	err := q.Push(ctx, toolStart("grep"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close()
	_, ok := <-q.Events()
	assert.False(t, ok)
}
