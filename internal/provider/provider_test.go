package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestForID(t *testing.T) {
	for _, id := range []string{OpenAI, Claude, OpenRouter, KoboldCpp, Ollama, Custom} {
		h, err := ForID(id)
		require.NoError(t, err, id)
		require.NotNil(t, h, id)
	}

	_, err := ForID("nvidia")
	require.ErrorIs(t, err, ErrUnknownProvider)
	assert.Contains(t, err.Error(), "nvidia")
}

func TestSupportsToolCalling(t *testing.T) {
	assert.True(t, SupportsToolCalling(OpenAI, "gpt-4o", ""))
	assert.True(t, SupportsToolCalling(Claude, "claude-3-sonnet", ""))
	assert.False(t, SupportsToolCalling(KoboldCpp, "local", ""))
	assert.False(t, SupportsToolCalling(OpenAI, "gpt-4o", "merge"))
	assert.False(t, SupportsToolCalling(OpenAI, "gpt-4o", "strip"))
	assert.True(t, SupportsToolCalling(OpenAI, "gpt-4o", "none"))
}

func TestExtractError(t *testing.T) {
	message, code, found := ExtractError(gjson.Parse(`{"error":{"message":"rate limited","code":"rate_limit"}}`))
	assert.True(t, found)
	assert.Equal(t, "rate limited", message)
	assert.Equal(t, "rate_limit", code)

	// Type field substitutes for a missing code.
	_, code, found = ExtractError(gjson.Parse(`{"error":{"message":"m","type":"insufficient_quota"}}`))
	assert.True(t, found)
	assert.Equal(t, "insufficient_quota", code)

	// A bare string error is usable as-is.
	message, _, found = ExtractError(gjson.Parse(`{"error":"something broke"}`))
	assert.True(t, found)
	assert.Equal(t, "something broke", message)

	_, _, found = ExtractError(gjson.Parse(`{"choices":[]}`))
	assert.False(t, found)
}

func TestGenericMessageFallbackOrder(t *testing.T) {
	assert.Equal(t, "a", GenericMessage(gjson.Parse(`{"choices":[{"message":{"content":"a"}}],"response":"z"}`)))
	assert.Equal(t, "b", GenericMessage(gjson.Parse(`{"choices":[{"text":"b"}]}`)))
	assert.Equal(t, "c", GenericMessage(gjson.Parse(`{"results":[{"text":"c"}]}`)))
	assert.Equal(t, "d", GenericMessage(gjson.Parse(`{"response":"d"}`)))
	assert.Empty(t, GenericMessage(gjson.Parse(`{"foo":1}`)))
}

func TestOpenAIHandler(t *testing.T) {
	h, err := ForID(OpenAI)
	require.NoError(t, err)

	body := gjson.Parse(`{
		"choices":[{"message":{
			"content":"hello",
			"reasoning_content":"because",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{}"}}]
		}}]
	}`)
	assert.Equal(t, "hello", h.ExtractMessage(body))
	assert.Equal(t, "because", h.ExtractReasoning(body))

	calls := h.ExtractToolCalls(body)
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "f", calls[0].Function.Name)

	event := h.StreamingReply(gjson.Parse(`{"choices":[{"delta":{"content":"hi","reasoning":"r"}}]}`))
	assert.Equal(t, "hi", event.Delta)
	assert.Equal(t, "r", event.Reasoning)
}

func TestClaudeHandler(t *testing.T) {
	h, err := ForID(Claude)
	require.NoError(t, err)

	body := gjson.Parse(`{"content":[
		{"type":"thinking","thinking":"plan"},
		{"type":"text","text":"Hello"},
		{"type":"tool_use","id":"t1","name":"search","input":{"q":"x"}},
		{"type":"text","text":" there"}
	]}`)
	assert.Equal(t, "Hello there", h.ExtractMessage(body))
	assert.Equal(t, "plan", h.ExtractReasoning(body))

	calls := h.ExtractToolCalls(body)
	require.Len(t, calls, 1)
	assert.Equal(t, "t1", calls[0].ID)
	assert.Equal(t, "search", calls[0].Function.Name)
	assert.JSONEq(t, `{"q":"x"}`, calls[0].Function.Arguments)
}

func TestClaudeStreamingEvents(t *testing.T) {
	h, err := ForID(Claude)
	require.NoError(t, err)

	event := h.StreamingReply(gjson.Parse(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`))
	assert.Equal(t, "hi", event.Delta)

	event = h.StreamingReply(gjson.Parse(`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`))
	assert.Equal(t, "hmm", event.Reasoning)

	event = h.StreamingReply(gjson.Parse(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"f"}}`))
	require.Len(t, event.ToolCallDeltas, 1)
	assert.Equal(t, float64(1), event.ToolCallDeltas[0]["index"])
	assert.Equal(t, "t1", event.ToolCallDeltas[0]["id"])

	event = h.StreamingReply(gjson.Parse(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`))
	require.Len(t, event.ToolCallDeltas, 1)
	fn, ok := event.ToolCallDeltas[0]["function"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, `{"a":`, fn["arguments"])

	event = h.StreamingReply(gjson.Parse(`{"type":"message_stop"}`))
	assert.Empty(t, event.Delta)
}

func TestOllamaHandler(t *testing.T) {
	h, err := ForID(Ollama)
	require.NoError(t, err)

	chat := gjson.Parse(`{"message":{"content":"hi","thinking":"t"}}`)
	assert.Equal(t, "hi", h.ExtractMessage(chat))
	assert.Equal(t, "t", h.ExtractReasoning(chat))

	generate := gjson.Parse(`{"response":"raw"}`)
	assert.Equal(t, "raw", h.ExtractMessage(generate))
	assert.Equal(t, "raw", h.StreamingReply(generate).Delta)
}

func TestKoboldCppHandler(t *testing.T) {
	h, err := ForID(KoboldCpp)
	require.NoError(t, err)

	assert.Equal(t, "out", h.ExtractMessage(gjson.Parse(`{"results":[{"text":"out"}]}`)))
	assert.Equal(t, "tok", h.StreamingReply(gjson.Parse(`{"token":"tok"}`)).Delta)
}

func TestOpenRouterImages(t *testing.T) {
	h, err := ForID(OpenRouter)
	require.NoError(t, err)

	body := gjson.Parse(`{"choices":[{"message":{
		"content":"c",
		"images":[{"image_url":{"url":"data:image/png;base64,AAA"}}]
	}}]}`)
	assert.Equal(t, []string{"data:image/png;base64,AAA"}, h.ExtractImages(body))

	event := h.StreamingReply(gjson.Parse(`{"choices":[{"delta":{"images":[{"image_url":{"url":"u1"}}]}}]}`))
	assert.Equal(t, []string{"u1"}, event.Images)
}

func TestCapabilitiesFor(t *testing.T) {
	assert.Equal(t, "/api/v1/generate", CapabilitiesFor(KoboldCpp).TextEndpoint)
	assert.Equal(t, "/api/generate", CapabilitiesFor(Ollama).TextEndpoint)
	assert.Empty(t, CapabilitiesFor(OpenAI).TextEndpoint)
	assert.True(t, CapabilitiesFor(OpenRouter).Text)
	assert.Empty(t, CapabilitiesFor(OpenRouter).TextEndpoint)
	assert.False(t, CapabilitiesFor("unknown").Chat)
}
