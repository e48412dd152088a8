package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

func strContent(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func TestResolveModelAcceptsBothColumns(t *testing.T) {
	native, err := ResolveModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", native)

	native, err = ResolveModel("opus")
	require.NoError(t, err)
	assert.Equal(t, "opus", native)

	_, err = ResolveModel("gpt-5")
	require.Error(t, err)
	assert.Equal(t, "model_not_found", apierr.From(err).Code)
	assert.True(t, apierr.IsNotFound(err))
}

func TestListModelsIsStable(t *testing.T) {
	list := ListModels()
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 3)
	assert.Equal(t, "gpt-4o-mini", list.Data[0].ID)
	assert.Equal(t, "gpt-4o", list.Data[1].ID)
	assert.Equal(t, "gpt-4-turbo", list.Data[2].ID)
	for _, m := range list.Data {
		assert.Equal(t, "model", m.Object)
		assert.Equal(t, int64(1735689600), m.Created)
		assert.Equal(t, "agentgate", m.OwnedBy)
	}
}

func TestGetModelOnlyAliases(t *testing.T) {
	m, err := GetModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", m.ID)

	// Native names are not in the public catalog.
	_, err = GetModel("sonnet")
	assert.True(t, apierr.IsNotFound(err))
}

func TestTranslateSimpleConversation(t *testing.T) {
	tr, err := Translate(ChatRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: "system", Content: strContent("Be terse.")},
			{Role: "user", Content: strContent("What is Go?")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "sonnet", tr.Model)
	assert.Equal(t, "Be terse.", tr.SystemPrompt)
	assert.Equal(t, "What is Go?", tr.Prompt)
}

func TestTranslatePrependsConversationContext(t *testing.T) {
	tr, err := Translate(ChatRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: "user", Content: strContent("first question")},
			{Role: "assistant", Content: strContent("first answer")},
			{Role: "user", Content: strContent("follow-up")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "USER: first question\n\nASSISTANT: first answer\n\nfollow-up", tr.Prompt)
}

func TestTranslateConcatenatesSystemAndDeveloper(t *testing.T) {
	tr, err := Translate(ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []ChatMessage{
			{Role: "system", Content: strContent("one")},
			{Role: "developer", Content: strContent("two")},
			{Role: "user", Content: strContent("hi")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo", tr.SystemPrompt)
}

func TestTranslateTextPartsArray(t *testing.T) {
	tr, err := Translate(ChatRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: "user", Content: json.RawMessage(
				`[{"type":"text","text":"part one"},{"type":"image_url","image_url":{}},{"type":"text","text":"part two"}]`)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "part one\npart two", tr.Prompt)
}

func TestTranslateValidation(t *testing.T) {
	_, err := Translate(ChatRequest{Model: "gpt-4o"})
	assert.Equal(t, "messages_empty", apierr.From(err).Code)

	_, err = Translate(ChatRequest{Model: "gpt-4o", Messages: []ChatMessage{
		{Role: "assistant", Content: strContent("no user here")},
	}})
	assert.Equal(t, "no_user_message", apierr.From(err).Code)

	_, err = Translate(ChatRequest{Model: "gpt-4o", Messages: []ChatMessage{
		{Role: "user", Content: json.RawMessage(`{"bad":"shape"}`)},
	}})
	assert.Equal(t, "invalid_content", apierr.From(err).Code)

	_, err = Translate(ChatRequest{Model: "unknown", Messages: []ChatMessage{
		{Role: "user", Content: strContent("hi")},
	}})
	assert.Equal(t, "model_not_found", apierr.From(err).Code)
}

func TestTranslateAcceptsIgnoredSamplingFields(t *testing.T) {
	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"temperature": 0.7,
		"top_p": 0.9,
		"max_tokens": 256,
		"stop": ["\n\n", "END"],
		"logprobs": true,
		"presence_penalty": 0.5,
		"frequency_penalty": -0.5
	}`), &req))

	tr, err := Translate(req)
	require.NoError(t, err)
	assert.Equal(t, "hi", tr.Prompt)
}

func TestFinishReasonMapping(t *testing.T) {
	assert.Equal(t, "stop", FinishReason(models.StopCompleted))
	assert.Equal(t, "length", FinishReason(models.StopMaxTurnsReached))
	// An interrupted turn still produced usable output.
	assert.Equal(t, "stop", FinishReason(models.StopInterrupted))
	assert.Equal(t, "stop", FinishReason(models.StopError))
}

func TestNewCompletionIDShape(t *testing.T) {
	id := NewCompletionID()
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	assert.NotContains(t, id[9:], "-")
	assert.NotEqual(t, id, NewCompletionID())
}

func TestFromQueryResponse(t *testing.T) {
	resp := FromQueryResponse("chatcmpl-abc", &models.QueryResponse{
		SessionID:  "s1",
		Model:      "gpt-4o",
		Text:       "hello",
		StopReason: models.StopCompleted,
		Usage:      models.Usage{InputTokens: 3, OutputTokens: 4},
	})
	assert.Equal(t, "chatcmpl-abc", resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	require.NotNil(t, resp.Choices[0].FinishReason)
	assert.Equal(t, "stop", *resp.Choices[0].FinishReason)
	assert.Equal(t, int64(7), resp.Usage.TotalTokens)
}

func TestErrTypeMapping(t *testing.T) {
	typ, status := errType(apierr.KindValidation)
	assert.Equal(t, "invalid_request_error", typ)
	assert.Equal(t, 400, status)

	typ, status = errType(apierr.KindAuthentication)
	assert.Equal(t, "authentication_error", typ)
	assert.Equal(t, 401, status)

	typ, status = errType(apierr.KindNotFound)
	assert.Equal(t, "not_found_error", typ)
	assert.Equal(t, 404, status)

	typ, status = errType(apierr.KindTimeout)
	assert.Equal(t, "timeout_error", typ)
	assert.Equal(t, 408, status)

	typ, status = errType(apierr.KindRateLimited)
	assert.Equal(t, "rate_limit_error", typ)
	assert.Equal(t, 429, status)

	typ, status = errType(apierr.KindUpstream)
	assert.Equal(t, "service_unavailable", typ)
	assert.Equal(t, 503, status)

	typ, status = errType(apierr.KindInternal)
	assert.Equal(t, "server_error", typ)
	assert.Equal(t, 500, status)
}
