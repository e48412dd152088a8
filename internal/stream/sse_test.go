package stream

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

func TestServeSSEFramesAndCleanClose(t *testing.T) {
	events := make(chan models.AgentEvent, 4)
	events <- models.AgentEvent{Kind: models.EventInit, SessionID: "s1"}
	events <- textDelta(0, "hello")
	events <- models.AgentEvent{
		Kind:   models.EventResult,
		Result: &models.Result{StopReason: models.StopCompleted, Text: "hello"},
	}
	close(events)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := ServeSSE(r.Context(), w, events, WireConfig{})
		assert.NoError(t, err)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	var cur strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			frames = append(frames, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}

	require.Len(t, frames, 3)
	assert.True(t, strings.HasPrefix(frames[0], "event: init\ndata: "))
	assert.Contains(t, frames[0], `"session_id":"s1"`)
	assert.True(t, strings.HasPrefix(frames[1], "event: partial\n"))
	assert.Contains(t, frames[1], `"text":"hello"`)
	assert.True(t, strings.HasPrefix(frames[2], "event: result\n"))
	assert.Contains(t, frames[2], `"stop_reason":"completed"`)
}

func TestServeSSEHeartbeat(t *testing.T) {
	events := make(chan models.AgentEvent)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeSSE(r.Context(), w, events, WireConfig{HeartbeatInterval: 20 * time.Millisecond})
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	close(events)
}

func TestServeSSEStopsWhenContextCancelled(t *testing.T) {
	events := make(chan models.AgentEvent)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errCh <- ServeSSE(r.Context(), w, events, WireConfig{})
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close() // client disconnects

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeSSE did not notice the disconnect")
	}
}
