package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// WireConfig tunes both wire writers.
type WireConfig struct {
	// HeartbeatInterval is the cadence of SSE comment pings and WS control
	// pings during idle stretches.
	HeartbeatInterval time.Duration

	// SlowClientCutoff bounds how long a single write may block before the
	// client is declared dead and the stream torn down.
	SlowClientCutoff time.Duration
}

func (c WireConfig) withDefaults() WireConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SlowClientCutoff <= 0 {
		c.SlowClientCutoff = 30 * time.Second
	}
	return c
}

// ServeSSE writes the event stream as server-sent events until the channel
// closes, the client disconnects, or a write stalls past the cutoff. Each
// event is one frame: "event: <kind>\ndata: <json>\n\n". Idle periods carry
// ": ping" comment frames so intermediaries keep the connection open.
//
// The returned error is nil on a clean end of stream; anything else means
// the client is gone and the caller should cancel the run.
func ServeSSE(ctx context.Context, w http.ResponseWriter, events <-chan models.AgentEvent, cfg WireConfig) error {
	cfg = cfg.withDefaults()
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(frame []byte) error {
		if err := rc.SetWriteDeadline(time.Now().Add(cfg.SlowClientCutoff)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if err := rc.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
		return nil
	}

	heartbeat := time.NewTicker(cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			frame, err := sseFrame(ev)
			if err != nil {
				log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("SSE frame encode failed")
				continue
			}
			if err := write(frame); err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := write([]byte(": ping\n\n")); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sseFrame(ev models.AgentEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+len(ev.Kind)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, ev.Kind...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf, nil
}
