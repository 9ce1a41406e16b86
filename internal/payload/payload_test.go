package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/models"
	"chatcore/internal/structured"
)

func chatResolved(providerID string, samplers map[string]any) models.ResolvedConfig {
	return models.ResolvedConfig{
		Provider:        providerID,
		Model:           "test-model",
		Formatter:       models.FormatterChat,
		SamplerSettings: samplers,
	}
}

var userMessages = []models.Message{{Role: "user", Content: "hi"}}

func TestBuildBaseFields(t *testing.T) {
	body := Build(chatResolved("openai", nil), userMessages, Options{})
	assert.Equal(t, "test-model", body["model"])
	assert.Equal(t, "openai", body["chat_completion_source"])
	assert.Equal(t, userMessages, body["messages"])
	_, hasPrompt := body["prompt"]
	assert.False(t, hasPrompt)
}

func TestBuildClampsTemperature(t *testing.T) {
	body := Build(chatResolved("openai", map[string]any{"temperature": 5.0}), userMessages, Options{})
	assert.Equal(t, 2.0, body["temperature"])

	body = Build(chatResolved("claude", map[string]any{"temperature": 1.5}), userMessages, Options{})
	assert.Equal(t, 1.0, body["temperature"])

	body = Build(chatResolved("openai", map[string]any{"temperature": 0.7}), userMessages, Options{})
	assert.Equal(t, 0.7, body["temperature"])
}

func TestBuildDropsParametersWithNilRule(t *testing.T) {
	samplers := map[string]any{"top_k": 40, "min_p": 0.05}

	body := Build(chatResolved("openai", samplers), userMessages, Options{})
	_, hasTopK := body["top_k"]
	_, hasMinP := body["min_p"]
	assert.False(t, hasTopK)
	assert.False(t, hasMinP)

	body = Build(chatResolved("openrouter", samplers), userMessages, Options{})
	assert.Equal(t, 40, body["top_k"])
	assert.Equal(t, 0.05, body["min_p"])
}

func TestBuildReasoningModelRules(t *testing.T) {
	resolved := chatResolved("openai", map[string]any{
		"temperature": 0.7,
		"top_p":       0.9,
		"max_tokens":  500,
	})
	resolved.Model = "o1-mini"

	body := Build(resolved, userMessages, Options{})
	_, hasTemp := body["temperature"]
	_, hasTopP := body["top_p"]
	_, hasMaxTokens := body["max_tokens"]
	assert.False(t, hasTemp)
	assert.False(t, hasTopP)
	assert.False(t, hasMaxTokens)
	assert.Equal(t, 500, body["max_completion_tokens"])
}

func TestBuildDottedRemoteKeys(t *testing.T) {
	body := Build(chatResolved("ollama", map[string]any{"max_tokens": 300, "seed": 7}), userMessages, Options{})

	options, ok := body["options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 300, options["num_predict"])
	assert.Equal(t, 7, options["seed"])
	_, hasMaxTokens := body["max_tokens"]
	assert.False(t, hasMaxTokens)
}

func TestBuildDisabledSamplers(t *testing.T) {
	samplers := map[string]any{
		"temperature":       0.7,
		"frequency_penalty": 0.5,
		"presence_penalty":  0.5,
		"disabled_samplers": []string{"api.samplers.temperature", "api.samplers.penalties"},
	}

	body := Build(chatResolved("openrouter", samplers), userMessages, Options{})
	_, hasTemp := body["temperature"]
	_, hasFreq := body["frequency_penalty"]
	_, hasPres := body["presence_penalty"]
	assert.False(t, hasTemp)
	assert.False(t, hasFreq)
	assert.False(t, hasPres)
	_, hasList := body["disabled_samplers"]
	assert.False(t, hasList)
}

func TestBuildProviderDisabledFields(t *testing.T) {
	samplers := map[string]any{
		"frequency_penalty": 0.5,
		"logit_bias":        map[string]any{"50256": -100},
		"max_tokens":        100,
	}

	body := Build(chatResolved("claude", samplers), userMessages, Options{})
	_, hasFreq := body["frequency_penalty"]
	_, hasBias := body["logit_bias"]
	assert.False(t, hasFreq)
	assert.False(t, hasBias)
	assert.Equal(t, 100, body["max_tokens"])
}

func TestBuildUnknownKeysPassThrough(t *testing.T) {
	body := Build(chatResolved("openai", map[string]any{"mirostat": 2}), userMessages, Options{})
	assert.Equal(t, 2, body["mirostat"])
}

func TestBuildNegativeSeedDropped(t *testing.T) {
	body := Build(chatResolved("openai", map[string]any{"seed": -1}), userMessages, Options{})
	_, hasSeed := body["seed"]
	assert.False(t, hasSeed)
}

func TestBuildSamplerStops(t *testing.T) {
	body := Build(chatResolved("openai", map[string]any{"stop": []string{"\n\n"}}), userMessages, Options{})
	assert.Equal(t, []string{"\n\n"}, body["stop"])
}

func TestBuildTextFormatterFlattensPrompt(t *testing.T) {
	tmpl := models.InstructTemplate{
		Name:                   "alpaca",
		InputSequence:          "### Instruction:\n",
		InputSuffix:            "\n",
		OutputSequence:         "### Response:\n",
		OutputSuffix:           "\n",
		StopSequence:           "</s>",
		SequencesAsStopStrings: true,
	}
	resolved := models.ResolvedConfig{
		Provider:         "koboldcpp",
		Model:            "local",
		Formatter:        models.FormatterText,
		InstructTemplate: &tmpl,
		SamplerSettings: map[string]any{
			"stop":               []string{"\n"},
			"repetition_penalty": 1.1,
		},
	}

	body := Build(resolved, userMessages, Options{ActiveCharacter: "Assistant"})

	assert.Equal(t, "### Instruction:\nhi\n### Response:\n", body["prompt"])
	_, hasMessages := body["messages"]
	assert.False(t, hasMessages)

	// Sampler stops come first, then template sequences, empties dropped.
	// The koboldcpp inject renames the field.
	assert.Equal(t, []string{"\n", "</s>", "### Instruction:\n"}, body["stop_sequence"])
	_, hasStop := body["stop"]
	assert.False(t, hasStop)

	// Text formatter on koboldcpp renames repetition penalty.
	assert.Equal(t, 1.1, body["rep_pen"])
	_, hasSource := body["chat_completion_source"]
	assert.False(t, hasSource)
}

func TestBuildOpenRouterTextUsesMessagesField(t *testing.T) {
	tmpl := models.InstructTemplate{Name: "bare", OutputSequence: "A: "}
	resolved := models.ResolvedConfig{
		Provider:         "openrouter",
		Model:            "m",
		Formatter:        models.FormatterText,
		InstructTemplate: &tmpl,
	}

	body := Build(resolved, userMessages, Options{ActiveCharacter: "Assistant"})
	assert.Equal(t, "hiA: ", body["messages"])
	_, hasPrompt := body["prompt"]
	assert.False(t, hasPrompt)
}

func TestBuildTextWithoutCharacterFallsBackToChat(t *testing.T) {
	tmpl := models.InstructTemplate{Name: "bare"}
	resolved := models.ResolvedConfig{
		Provider:         "openai",
		Model:            "m",
		Formatter:        models.FormatterText,
		InstructTemplate: &tmpl,
	}

	body := Build(resolved, userMessages, Options{})
	assert.Equal(t, userMessages, body["messages"])
}

func TestBuildAttachTools(t *testing.T) {
	tools := []models.Tool{
		{Type: "function", Function: models.ToolFunction{Name: "keep"}},
		{Type: "function", Function: models.ToolFunction{Name: "drop"}},
	}

	body := Build(chatResolved("openai", nil), userMessages, Options{
		RegisteredTools: tools[:1],
		ExtraTools:      tools[1:],
		ExcludeTools:    []string{"drop"},
	})

	attached, ok := body["tools"].([]models.Tool)
	require.True(t, ok)
	require.Len(t, attached, 1)
	assert.Equal(t, "keep", attached[0].Function.Name)
	assert.Equal(t, "auto", body["tool_choice"])
}

func TestBuildToolsSkippedForIncapableProvider(t *testing.T) {
	tools := []models.Tool{{Type: "function", Function: models.ToolFunction{Name: "f"}}}

	resolved := models.ResolvedConfig{
		Provider:        "koboldcpp",
		Model:           "local",
		Formatter:       models.FormatterChat,
		SamplerSettings: nil,
	}
	body := Build(resolved, userMessages, Options{RegisteredTools: tools})
	_, hasTools := body["tools"]
	assert.False(t, hasTools)
}

func TestBuildToolsSkippedForFlatteningPostProcessing(t *testing.T) {
	tools := []models.Tool{{Type: "function", Function: models.ToolFunction{Name: "f"}}}

	resolved := chatResolved("openai", nil)
	resolved.CustomPromptPostProcessing = "merge"
	body := Build(resolved, userMessages, Options{RegisteredTools: tools})
	_, hasTools := body["tools"]
	assert.False(t, hasTools)
}

func TestBuildStructuredJSONSchema(t *testing.T) {
	schema := map[string]any{"type": "object"}
	body := Build(chatResolved("openai", nil), userMessages, Options{
		Structured: &structured.Spec{Format: structured.FormatJSON, Schema: schema},
	})

	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
}

func TestBuildStructuredXMLNoSchemaInjection(t *testing.T) {
	body := Build(chatResolved("openai", nil), userMessages, Options{
		Structured: &structured.Spec{Format: structured.FormatXML},
	})
	_, hasFormat := body["response_format"]
	assert.False(t, hasFormat)
}

func TestBuildClaudeInjects(t *testing.T) {
	messages := []models.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}
	body := Build(chatResolved("claude", map[string]any{"stop": []string{"END"}}), messages, Options{})

	assert.Equal(t, "be brief", body["system"])
	kept, ok := body["messages"].([]models.Message)
	require.True(t, ok)
	require.Len(t, kept, 1)
	assert.Equal(t, "user", kept[0].Role)

	assert.Equal(t, []string{"END"}, body["stop_sequences"])
	_, hasStop := body["stop"]
	assert.False(t, hasStop)
	assert.Equal(t, 4096, body["max_tokens"])
}

func TestBuildClaudeSystemFromParts(t *testing.T) {
	messages := []models.Message{
		{Role: "system", Parts: []models.ContentPart{
			{Type: "text", Text: "be "},
			{Type: "image_url", ImageURL: "http://example.com/x.png"},
			{Type: "text", Text: "brief"},
		}},
		{Role: "user", Content: "hi"},
	}
	body := Build(chatResolved("claude", nil), messages, Options{})
	assert.Equal(t, "be brief", body["system"])
}

func TestBuildGeminiStopCap(t *testing.T) {
	resolved := chatResolved("openrouter", map[string]any{
		"stop": []string{"a", "b", "c", "d", "e", "f"},
	})
	resolved.Model = "google/gemini-pro"

	body := Build(resolved, userMessages, Options{})
	assert.Equal(t, []string{"a", "b", "c", "d"}, body["stop"])
}

func TestBuildDoesNotMutateInputs(t *testing.T) {
	samplers := map[string]any{"temperature": 5.0}
	messages := []models.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	}
	resolved := chatResolved("claude", samplers)

	Build(resolved, messages, Options{})

	assert.Equal(t, 5.0, samplers["temperature"])
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
}

func TestIsDisabled(t *testing.T) {
	assert.True(t, isDisabled("temperature", []string{"temperature"}))
	assert.True(t, isDisabled("temperature", []string{"api.samplers.temperature"}))
	assert.True(t, isDisabled("temperature", []string{"api.samplers"}))
	assert.True(t, isDisabled("frequency_penalty", []string{"api.samplers.penalties"}))
	assert.True(t, isDisabled("frequency_penalty", []string{"api"}))
	assert.False(t, isDisabled("temperature", []string{"api.samplers.penalties"}))
	assert.False(t, isDisabled("temperature", []string{"top_p"}))
	assert.False(t, isDisabled("temperature", nil))
}
