package completion

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/models"
	"chatcore/internal/provider"
)

func newTestStream(t *testing.T, sse string, mode models.GenerationMode, onEnd func(models.NormalizedResult)) *Stream {
	t.Helper()
	handler, err := provider.ForID(provider.OpenAI)
	require.NoError(t, err)
	return newStream(
		io.NopCloser(strings.NewReader(sse)),
		handler,
		NewReasoningParser("<think>", "</think>"),
		NewToolCallAccumulator(),
		mode,
		nil,
		onEnd,
	)
}

func TestStreamDecodesFrames(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"<think>pl"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"an</think> Hello"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"f","arguments":"{}"}}]}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	var ends int
	st := newTestStream(t, sse, models.ModeGenerate, func(models.NormalizedResult) { ends++ })
	defer st.Close()

	var chunks []models.StreamedChunk
	for st.Next() {
		chunks = append(chunks, st.Current())
	}
	require.NoError(t, st.Err())
	require.Len(t, chunks, 4)

	assert.Equal(t, "", chunks[0].Delta)
	assert.Equal(t, "pl", chunks[0].Reasoning)

	// Leading whitespace after the reasoning block is trimmed.
	assert.Equal(t, "Hello", chunks[1].Delta)
	assert.Equal(t, "plan", chunks[1].Reasoning)

	assert.Equal(t, " world", chunks[2].Delta)

	require.Len(t, chunks[3].ToolCalls, 1)
	assert.Equal(t, "c1", chunks[3].ToolCalls[0].ID)
	assert.Equal(t, "f", chunks[3].ToolCalls[0].Function.Name)

	result := st.Result()
	assert.Equal(t, "Hello world", result.Content)
	assert.Equal(t, "plan", result.Reasoning)
	require.Len(t, result.ToolCalls, 1)

	// Finalization ran exactly once despite Result plus deferred Close.
	st.Close()
	_ = st.Result()
	assert.Equal(t, 1, ends)
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	sse := strings.Join([]string{
		`data: {not json at all`,
		``,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	st := newTestStream(t, sse, models.ModeGenerate, nil)
	defer st.Close()

	var content string
	for st.Next() {
		content += st.Current().Delta
	}
	require.NoError(t, st.Err())
	assert.Equal(t, "ok", content)
}

func TestStreamEOFWithoutDoneIsClean(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"

	st := newTestStream(t, sse, models.ModeGenerate, nil)
	defer st.Close()

	var content string
	for st.Next() {
		content += st.Current().Delta
	}
	assert.NoError(t, st.Err())
	assert.Equal(t, "partial", content)
	assert.Equal(t, "partial", st.Result().Content)
}

func TestStreamEarlyCloseFinalizesOnce(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"first"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":" second"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	var ends int
	st := newTestStream(t, sse, models.ModeGenerate, func(models.NormalizedResult) { ends++ })

	require.True(t, st.Next())
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	assert.False(t, st.Next())
	assert.Equal(t, "first", st.Result().Content)
	assert.Equal(t, 1, ends)
}

func TestStreamContinueModeKeepsLeadingWhitespace(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\" continued\"}}]}\n\ndata: [DONE]\n\n"

	st := newTestStream(t, sse, models.ModeContinue, nil)
	defer st.Close()

	require.True(t, st.Next())
	assert.Equal(t, " continued", st.Current().Delta)
}

func TestStreamUnterminatedReasoningFlushedAtEnd(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"<think>never closed\"}}]}\n\ndata: [DONE]\n\n"

	st := newTestStream(t, sse, models.ModeGenerate, nil)
	defer st.Close()

	var last models.StreamedChunk
	for st.Next() {
		last = st.Current()
	}
	assert.Equal(t, "never closed", last.Reasoning)
	assert.Equal(t, "", st.Result().Content)
	assert.Equal(t, "never closed", st.Result().Reasoning)
}
