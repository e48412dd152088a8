package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/stream"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// ChatChunk is one chat.completion.chunk frame. Every chunk of a stream
// shares the same ID.
type ChatChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion.chunk"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// StreamCompletion encodes the native event stream as chat.completion.chunk
// frames. Only text deltas become content chunks; tool traffic, thinking,
// and permission prompts have no compat representation and are dropped. The
// stream always ends with a finish_reason chunk followed by "data: [DONE]".
func StreamCompletion(ctx context.Context, w http.ResponseWriter, events <-chan models.AgentEvent, model string, cfg stream.WireConfig) error {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	cutoff := cfg.SlowClientCutoff
	if cutoff <= 0 {
		cutoff = 30 * time.Second
	}
	writeData := func(payload []byte) error {
		if err := rc.SetWriteDeadline(time.Now().Add(cutoff)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		return rc.Flush()
	}

	id := NewCompletionID()
	created := time.Now().Unix()
	newChunk := func(choice Choice) ([]byte, error) {
		return json.Marshal(ChatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []Choice{choice},
		})
	}

	// Opening chunk carries the assistant role and no content.
	opening, err := newChunk(Choice{Index: 0, Delta: &ResponseMsg{Role: "assistant"}})
	if err != nil {
		return err
	}
	if err := writeData(opening); err != nil {
		return err
	}

	finish := FinishReason(models.StopCompleted)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return writeTail(writeData, newChunk, finish)
			}
			switch ev.Kind {
			case models.EventPartial:
				if ev.Partial == nil || ev.Partial.Block != models.BlockTextDelta || ev.Partial.Text == "" {
					continue
				}
				chunk, err := newChunk(Choice{Index: 0, Delta: &ResponseMsg{Content: ev.Partial.Text}})
				if err != nil {
					log.Error().Err(err).Msg("Completion chunk encode failed")
					continue
				}
				if err := writeData(chunk); err != nil {
					return err
				}
			case models.EventResult:
				if ev.Result != nil {
					finish = FinishReason(ev.Result.StopReason)
				}
			case models.EventError:
				// Surface the failure in-band; the stream still terminates
				// with [DONE] so strict clients do not hang.
				body, _ := json.Marshal(map[string]any{"error": map[string]any{
					"message": ev.Error,
					"type":    "server_error",
				}})
				if err := writeData(body); err != nil {
					return err
				}
				return writeData([]byte("[DONE]"))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeTail(writeData func([]byte) error, newChunk func(Choice) ([]byte, error), finish string) error {
	tail, err := newChunk(Choice{Index: 0, Delta: &ResponseMsg{}, FinishReason: &finish})
	if err != nil {
		return err
	}
	if err := writeData(tail); err != nil {
		return err
	}
	return writeData([]byte("[DONE]"))
}
