package completion

import (
	"chatcore/internal/models"
)

// ToolCallAccumulator merges sparse, indexed partial tool-call objects into
// complete ones. Providers stream tool-call arguments as a sequence of
// string fragments rather than one atomic JSON blob; string fields
// concatenate, nested objects merge recursively, and the final array order
// is index order with gaps filled by empty placeholders.
type ToolCallAccumulator struct {
	calls []map[string]any
}

// NewToolCallAccumulator returns an empty accumulator for one stream.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{}
}

// Add merges a batch of partial tool-call deltas, each keyed by an integer
// "index" field. Deltas without a usable index are ignored.
func (a *ToolCallAccumulator) Add(deltas []map[string]any) {
	for _, delta := range deltas {
		index, ok := deltaIndex(delta)
		if !ok || index < 0 {
			continue
		}
		for len(a.calls) <= index {
			a.calls = append(a.calls, map[string]any{})
		}
		mergeDelta(a.calls[index], delta)
	}
}

// Empty reports whether no tool-call data has been accumulated.
func (a *ToolCallAccumulator) Empty() bool {
	return len(a.calls) == 0
}

// Calls returns a deep, independent copy of the current state as typed tool
// calls. Mutating the result never affects subsequent accumulator output.
func (a *ToolCallAccumulator) Calls() []models.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(a.calls))
	for i, call := range a.calls {
		out[i] = models.ToolCall{
			ID:   stringField(call, "id"),
			Type: stringField(call, "type"),
		}
		if fn, ok := call["function"].(map[string]any); ok {
			out[i].Function = models.FunctionCall{
				Name:      stringField(fn, "name"),
				Arguments: stringField(fn, "arguments"),
			}
		}
	}
	return out
}

// mergeDelta deep-merges src into dst, skipping the index key. Strings
// concatenate (a non-string existing value counts as empty), maps recurse,
// nils are kept only when nothing is present yet, everything else
// overwrites.
func mergeDelta(dst, src map[string]any) {
	for key, value := range src {
		if key == "index" {
			continue
		}
		switch v := value.(type) {
		case string:
			prev, _ := dst[key].(string)
			dst[key] = prev + v
		case map[string]any:
			sub, ok := dst[key].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				dst[key] = sub
			}
			mergeDelta(sub, v)
		case nil:
			if _, present := dst[key]; !present {
				dst[key] = nil
			}
		default:
			dst[key] = v
		}
	}
}

func deltaIndex(delta map[string]any) (int, bool) {
	switch v := delta["index"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
