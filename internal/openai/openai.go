// Package openai implements the OpenAI-compatible surface: a fixed model
// alias table, chat-completions request and response translation, and the
// chunked streaming encoder. The compat layer is a pure adapter over the
// native query path; it adds no capabilities of its own.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Model aliases ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// modelAliases is the fixed bidirectional table between public compat names
// and native runtime model names. Requests accept either column; anything
// else is model_not_found. The table is deliberately static: the compat
// surface promises stable names, the native surface passes models through.
var modelAliases = map[string]string{
	"gpt-4o-mini": "haiku",
	"gpt-4o":      "sonnet",
	"gpt-4-turbo": "opus",
}

var nativeModels = invert(modelAliases)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// ResolveModel maps a requested model to its native name. Both the public
// alias and the native name are accepted.
func ResolveModel(requested string) (string, error) {
	if native, ok := modelAliases[requested]; ok {
		return native, nil
	}
	if _, ok := nativeModels[requested]; ok {
		return requested, nil
	}
	return "", apierr.Newf(apierr.KindNotFound, "model_not_found",
		"model %q does not exist", requested)
}

// Model is one entry of GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"` // "model"
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response.
type ModelList struct {
	Object string  `json:"object"` // "list"
	Data   []Model `json:"data"`
}

// ListModels returns the public aliases, ordered for stable output.
func ListModels() ModelList {
	order := []string{"gpt-4o-mini", "gpt-4o", "gpt-4-turbo"}
	out := ModelList{Object: "list", Data: make([]Model, 0, len(order))}
	for _, id := range order {
		out.Data = append(out.Data, Model{
			ID:      id,
			Object:  "model",
			Created: 1735689600, // table epoch, not a deploy time
			OwnedBy: "agentgate",
		})
	}
	return out
}

// GetModel returns one catalog entry by public alias.
func GetModel(id string) (Model, error) {
	if _, ok := modelAliases[id]; !ok {
		return Model{}, apierr.Newf(apierr.KindNotFound, "model_not_found",
			"model %q does not exist", id)
	}
	return Model{ID: id, Object: "model", Created: 1735689600, OwnedBy: "agentgate"}, nil
}

// ══════════════════════════════════════════════════════════════
// ── Request translation ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ChatRequest is the accepted subset of POST /v1/chat/completions. Sampling
// fields the runtime cannot honor are decoded so they can be logged, then
// ignored.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"` // string or array
	Logprobs         *bool           `json:"logprobs,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
}

// ChatMessage is one conversation entry. Content is either a JSON string or
// an array of typed parts; only text parts are honored.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Translated is the native view of a compat request.
type Translated struct {
	Model        string // native name
	SystemPrompt string
	Prompt       string
	Stream       bool
}

// Translate maps a chat-completions request onto the native query shape.
//
// System messages concatenate (blank-line separated) into the system
// prompt. The final user message is the current prompt; every other
// non-system message becomes a "ROLE: content" line of conversation
// context prepended to it. The runtime holds real state server-side, so
// the replayed context is a readability aid, not the source of truth.
func Translate(req ChatRequest) (*Translated, error) {
	native, err := ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, apierr.ValidationField("messages_empty",
			"messages must contain at least one entry", "messages")
	}
	logIgnoredFields(req)

	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == "user" {
			lastUser = i
		}
	}
	if lastUser == -1 {
		return nil, apierr.ValidationField("no_user_message",
			"messages must contain at least one user message", "messages")
	}

	var system []string
	var context []string
	var prompt string
	for i, m := range req.Messages {
		text, err := messageText(m.Content)
		if err != nil {
			return nil, apierr.ValidationField("invalid_content",
				fmt.Sprintf("messages[%d].content is not a string or text parts array", i),
				fmt.Sprintf("messages[%d].content", i))
		}
		switch {
		case m.Role == "system" || m.Role == "developer":
			system = append(system, text)
		case i == lastUser:
			prompt = text
		default:
			context = append(context, strings.ToUpper(m.Role)+": "+text)
		}
	}
	if len(context) > 0 {
		prompt = strings.Join(context, "\n\n") + "\n\n" + prompt
	}

	return &Translated{
		Model:        native,
		SystemPrompt: strings.Join(system, "\n\n"),
		Prompt:       prompt,
		Stream:       req.Stream,
	}, nil
}

// messageText flattens a content field: a plain string passes through, an
// array keeps only its text parts.
func messageText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

func logIgnoredFields(req ChatRequest) {
	var ignored []string
	if req.Temperature != nil {
		ignored = append(ignored, "temperature")
	}
	if req.TopP != nil {
		ignored = append(ignored, "top_p")
	}
	if req.MaxTokens != nil {
		ignored = append(ignored, "max_tokens")
	}
	if req.N != nil && *req.N != 1 {
		ignored = append(ignored, "n")
	}
	if len(req.Stop) > 0 && string(req.Stop) != "null" {
		ignored = append(ignored, "stop")
	}
	if req.Logprobs != nil {
		ignored = append(ignored, "logprobs")
	}
	if req.PresencePenalty != nil {
		ignored = append(ignored, "presence_penalty")
	}
	if req.FrequencyPenalty != nil {
		ignored = append(ignored, "frequency_penalty")
	}
	if len(ignored) > 0 {
		log.Warn().Strs("fields", ignored).Msg("Ignoring unsupported sampling fields")
	}
}

// ══════════════════════════════════════════════════════════════
// ── Response translation ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ChatResponse is the non-streaming chat.completion object.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   OAIUsage `json:"usage"`
}

// Choice is one completion alternative; the gateway always returns exactly
// one.
type Choice struct {
	Index        int             `json:"index"`
	Message      *ResponseMsg    `json:"message,omitempty"`
	Delta        *ResponseMsg    `json:"delta,omitempty"`
	FinishReason *string         `json:"finish_reason"`
}

// ResponseMsg is the assistant message (or streaming delta).
type ResponseMsg struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// OAIUsage is token accounting in OpenAI field names.
type OAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// FinishReason maps a native stop reason onto the compat vocabulary. An
// interrupted turn still produced a usable (truncated) answer, so it maps
// to stop rather than an error.
func FinishReason(stop models.StopReason) string {
	switch stop {
	case models.StopMaxTurnsReached:
		return "length"
	default:
		return "stop"
	}
}

// NewCompletionID mints one chatcmpl id, shared by every chunk of a stream.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// FromQueryResponse builds the non-streaming completion object.
func FromQueryResponse(id string, res *models.QueryResponse) ChatResponse {
	finish := FinishReason(res.StopReason)
	return ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      &ResponseMsg{Role: "assistant", Content: res.Text},
			FinishReason: &finish,
		}},
		Usage: OAIUsage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	}
}
