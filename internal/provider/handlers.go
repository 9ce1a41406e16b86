package provider

import (
	"github.com/tidwall/gjson"

	"chatcore/internal/models"
)

// openAIHandler covers the OpenAI chat completions shape and every
// compatible upstream (the custom provider reuses it verbatim).
type openAIHandler struct{}

func (openAIHandler) ExtractMessage(body gjson.Result) string {
	if text := body.Get("choices.0.message.content"); text.Type == gjson.String {
		return text.String()
	}
	return body.Get("choices.0.text").String()
}

func (openAIHandler) ExtractReasoning(body gjson.Result) string {
	if r := body.Get("choices.0.message.reasoning_content"); r.Exists() {
		return r.String()
	}
	return body.Get("choices.0.message.reasoning").String()
}

func (openAIHandler) ExtractToolCalls(body gjson.Result) []models.ToolCall {
	return toolCallsFromArray(body.Get("choices.0.message.tool_calls"))
}

func (openAIHandler) ExtractImages(body gjson.Result) []string {
	return stringsFromArray(body.Get("choices.0.message.images.#.image_url.url"))
}

func (openAIHandler) StreamingReply(frame gjson.Result) StreamEvent {
	delta := frame.Get("choices.0.delta")
	event := StreamEvent{
		Delta:          delta.Get("content").String(),
		Reasoning:      delta.Get("reasoning_content").String(),
		ToolCallDeltas: toolCallDeltasFromArray(delta.Get("tool_calls")),
	}
	if event.Reasoning == "" {
		event.Reasoning = delta.Get("reasoning").String()
	}
	return event
}

// claudeHandler covers the Anthropic messages API: content blocks on the
// non-streaming path, typed events on the streaming path.
type claudeHandler struct{}

func (claudeHandler) ExtractMessage(body gjson.Result) string {
	var out string
	body.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			out += block.Get("text").String()
		}
		return true
	})
	return out
}

func (claudeHandler) ExtractReasoning(body gjson.Result) string {
	var out string
	body.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "thinking" {
			out += block.Get("thinking").String()
		}
		return true
	})
	return out
}

func (claudeHandler) ExtractToolCalls(body gjson.Result) []models.ToolCall {
	var calls []models.ToolCall
	body.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_use" {
			return true
		}
		calls = append(calls, models.ToolCall{
			ID:   block.Get("id").String(),
			Type: "function",
			Function: models.FunctionCall{
				Name:      block.Get("name").String(),
				Arguments: block.Get("input").Raw,
			},
		})
		return true
	})
	return calls
}

func (claudeHandler) ExtractImages(gjson.Result) []string { return nil }

func (claudeHandler) StreamingReply(frame gjson.Result) StreamEvent {
	switch frame.Get("type").String() {
	case "content_block_delta":
		delta := frame.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return StreamEvent{Delta: delta.Get("text").String()}
		case "thinking_delta":
			return StreamEvent{Reasoning: delta.Get("thinking").String()}
		case "input_json_delta":
			return StreamEvent{ToolCallDeltas: []map[string]any{{
				"index":    float64(frame.Get("index").Int()),
				"function": map[string]any{"arguments": delta.Get("partial_json").String()},
			}}}
		}
	case "content_block_start":
		block := frame.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			return StreamEvent{ToolCallDeltas: []map[string]any{{
				"index":    float64(frame.Get("index").Int()),
				"id":       block.Get("id").String(),
				"type":     "function",
				"function": map[string]any{"name": block.Get("name").String()},
			}}}
		}
	}
	return StreamEvent{}
}

// openRouterHandler is OpenAI-shaped but additionally surfaces the
// out-of-band reasoning field and generated images OpenRouter relays from
// heterogeneous upstreams.
type openRouterHandler struct{}

func (openRouterHandler) ExtractMessage(body gjson.Result) string {
	return openAIHandler{}.ExtractMessage(body)
}

func (openRouterHandler) ExtractReasoning(body gjson.Result) string {
	return body.Get("choices.0.message.reasoning").String()
}

func (openRouterHandler) ExtractToolCalls(body gjson.Result) []models.ToolCall {
	return openAIHandler{}.ExtractToolCalls(body)
}

func (openRouterHandler) ExtractImages(body gjson.Result) []string {
	return stringsFromArray(body.Get("choices.0.message.images.#.image_url.url"))
}

func (openRouterHandler) StreamingReply(frame gjson.Result) StreamEvent {
	delta := frame.Get("choices.0.delta")
	return StreamEvent{
		Delta:          delta.Get("content").String(),
		Reasoning:      delta.Get("reasoning").String(),
		ToolCallDeltas: toolCallDeltasFromArray(delta.Get("tool_calls")),
		Images:         stringsFromArray(delta.Get("images.#.image_url.url")),
	}
}

// koboldCppHandler covers the KoboldCpp text-completion API.
type koboldCppHandler struct{}

func (koboldCppHandler) ExtractMessage(body gjson.Result) string {
	return body.Get("results.0.text").String()
}

func (koboldCppHandler) ExtractReasoning(gjson.Result) string            { return "" }
func (koboldCppHandler) ExtractToolCalls(gjson.Result) []models.ToolCall { return nil }
func (koboldCppHandler) ExtractImages(gjson.Result) []string             { return nil }

func (koboldCppHandler) StreamingReply(frame gjson.Result) StreamEvent {
	return StreamEvent{Delta: frame.Get("token").String()}
}

// ollamaHandler covers the Ollama native chat and generate APIs.
type ollamaHandler struct{}

func (ollamaHandler) ExtractMessage(body gjson.Result) string {
	if msg := body.Get("message.content"); msg.Exists() {
		return msg.String()
	}
	return body.Get("response").String()
}

func (ollamaHandler) ExtractReasoning(body gjson.Result) string {
	return body.Get("message.thinking").String()
}

func (ollamaHandler) ExtractToolCalls(body gjson.Result) []models.ToolCall {
	var calls []models.ToolCall
	body.Get("message.tool_calls").ForEach(func(_, call gjson.Result) bool {
		calls = append(calls, models.ToolCall{
			Type: "function",
			Function: models.FunctionCall{
				Name:      call.Get("function.name").String(),
				Arguments: call.Get("function.arguments").Raw,
			},
		})
		return true
	})
	return calls
}

func (ollamaHandler) ExtractImages(gjson.Result) []string { return nil }

func (ollamaHandler) StreamingReply(frame gjson.Result) StreamEvent {
	if msg := frame.Get("message.content"); msg.Exists() {
		return StreamEvent{
			Delta:     msg.String(),
			Reasoning: frame.Get("message.thinking").String(),
		}
	}
	return StreamEvent{Delta: frame.Get("response").String()}
}

func toolCallsFromArray(arr gjson.Result) []models.ToolCall {
	var calls []models.ToolCall
	arr.ForEach(func(_, call gjson.Result) bool {
		calls = append(calls, models.ToolCall{
			ID:   call.Get("id").String(),
			Type: call.Get("type").String(),
			Function: models.FunctionCall{
				Name:      call.Get("function.name").String(),
				Arguments: call.Get("function.arguments").String(),
			},
		})
		return true
	})
	return calls
}

func toolCallDeltasFromArray(arr gjson.Result) []map[string]any {
	var deltas []map[string]any
	arr.ForEach(func(_, delta gjson.Result) bool {
		if m, ok := delta.Value().(map[string]any); ok {
			deltas = append(deltas, m)
		}
		return true
	})
	return deltas
}

func stringsFromArray(arr gjson.Result) []string {
	var out []string
	arr.ForEach(func(_, item gjson.Result) bool {
		if s := item.String(); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}
