package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// fakeRun scripts a run: events are replayed to the consumer, interrupts and
// answers are recorded.
type fakeRun struct {
	events chan models.AgentEvent
	done   chan struct{}

	mu          sync.Mutex
	interrupted bool
	answers     []string
}

func newFakeRun(script ...models.AgentEvent) *fakeRun {
	r := &fakeRun{
		events: make(chan models.AgentEvent, len(script)),
		done:   make(chan struct{}),
	}
	for _, ev := range script {
		r.events <- ev
	}
	return r
}

func (r *fakeRun) finish() {
	close(r.events)
	close(r.done)
}

func (r *fakeRun) Events() <-chan models.AgentEvent { return r.events }
func (r *fakeRun) Done() <-chan struct{}            { return r.done }

func (r *fakeRun) Interrupt(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = true
	return nil
}

func (r *fakeRun) Answer(_ context.Context, toolUseID string, _ models.PermissionDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, toolUseID)
	return nil
}

func dialWS(t *testing.T, start RunStarter) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = NewWSSession(conn, start, WireConfig{}).Serve(r.Context())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestWSPromptStreamsRunEvents(t *testing.T) {
	run := newFakeRun(
		models.AgentEvent{Kind: models.EventInit, SessionID: "s1"},
		models.AgentEvent{Kind: models.EventResult, Result: &models.Result{StopReason: models.StopCompleted}},
	)
	run.finish()

	conn := dialWS(t, func(ctx context.Context, req models.QueryRequest) (AgentRun, error) {
		assert.Equal(t, "hi", req.Prompt)
		return run, nil
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "prompt", Request: &models.QueryRequest{Prompt: "hi"}}))

	var first, second models.AgentEvent
	readJSON(t, conn, &first)
	readJSON(t, conn, &second)
	assert.Equal(t, models.EventInit, first.Kind)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, models.EventResult, second.Kind)
}

func TestWSSecondPromptWhileRunningIsViolation(t *testing.T) {
	run := newFakeRun() // never finishes during the test

	conn := dialWS(t, func(ctx context.Context, req models.QueryRequest) (AgentRun, error) {
		return run, nil
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "prompt", Request: &models.QueryRequest{Prompt: "one"}}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "prompt", Request: &models.QueryRequest{Prompt: "two"}}))

	var errMsg serverError
	readJSON(t, conn, &errMsg)
	assert.Equal(t, "protocol_error", errMsg.Kind)
	assert.Equal(t, "run_in_progress", errMsg.Code)

	run.finish()
}

func TestWSInterruptAndAnswerReachRun(t *testing.T) {
	run := newFakeRun()

	conn := dialWS(t, func(ctx context.Context, req models.QueryRequest) (AgentRun, error) {
		return run, nil
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "prompt", Request: &models.QueryRequest{Prompt: "go"}}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "answer", ToolUseID: "tu_9", Decision: models.DecisionAllow}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "interrupt"}))

	require.Eventually(t, func() bool {
		run.mu.Lock()
		defer run.mu.Unlock()
		return run.interrupted && len(run.answers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	run.mu.Lock()
	assert.Equal(t, []string{"tu_9"}, run.answers)
	run.mu.Unlock()
	run.finish()
}

func TestWSInterruptWithoutRunIsViolation(t *testing.T) {
	conn := dialWS(t, func(ctx context.Context, req models.QueryRequest) (AgentRun, error) {
		t.Error("starter should not be called")
		return nil, nil
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "interrupt"}))

	var errMsg serverError
	readJSON(t, conn, &errMsg)
	assert.Equal(t, "no_active_run", errMsg.Code)
}

func TestWSViolationBudgetClosesConnection(t *testing.T) {
	conn := dialWS(t, func(ctx context.Context, req models.QueryRequest) (AgentRun, error) {
		return nil, nil
	})

	for i := 0; i < maxViolations; i++ {
		require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	}

	// Drain the error frames; the final read must surface the policy close.
	sawClose := false
	for i := 0; i < maxViolations+1; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		if err != nil {
			sawClose = websocket.IsCloseError(err, websocket.ClosePolicyViolation)
			break
		}
	}
	assert.True(t, sawClose, "expected a policy violation close frame")
}

func TestWSMalformedJSONIsViolation(t *testing.T) {
	conn := dialWS(t, func(ctx context.Context, req models.QueryRequest) (AgentRun, error) {
		return nil, nil
	})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var errMsg serverError
	readJSON(t, conn, &errMsg)
	assert.Equal(t, "malformed_message", errMsg.Code)
}

func TestWSNewPromptAfterRunFinishes(t *testing.T) {
	first := newFakeRun(models.AgentEvent{Kind: models.EventResult, Result: &models.Result{StopReason: models.StopCompleted}})
	first.finish()
	second := newFakeRun(models.AgentEvent{Kind: models.EventInit, SessionID: "s2"})
	second.finish()

	runs := []AgentRun{first, second}
	var mu sync.Mutex
	conn := dialWS(t, func(ctx context.Context, req models.QueryRequest) (AgentRun, error) {
		mu.Lock()
		defer mu.Unlock()
		r := runs[0]
		runs = runs[1:]
		return r, nil
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "prompt", Request: &models.QueryRequest{Prompt: "one"}}))
	var res models.AgentEvent
	readJSON(t, conn, &res)
	assert.Equal(t, models.EventResult, res.Kind)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "prompt", Request: &models.QueryRequest{Prompt: "two"}}))
	var init models.AgentEvent
	readJSON(t, conn, &init)
	assert.Equal(t, "s2", init.SessionID)
}
