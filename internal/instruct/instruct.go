// Package instruct flattens chat message lists into single instruct-formatted
// prompt strings for providers driven through a text-completion endpoint.
package instruct

import (
	"strings"

	"chatcore/internal/models"
)

// IsPrefill reports whether the final message acts as an assistant prefill.
// The signal is purely textual: an assistant message whose trimmed content
// ends with a colon. A message that legitimately ends with a colon will be
// misdetected; callers accepting the heuristic accept that false positive.
func IsPrefill(messages []models.Message) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	if last.Role != "assistant" {
		return false
	}
	return strings.HasSuffix(strings.TrimSpace(TextContent(last)), ":")
}

// Flatten converts a full message list into one instruct-formatted prompt
// string. In continue mode, or when the last message is a prefill, the
// trailing assistant message is emitted without its closing suffix so the
// model continues it in place; otherwise an empty output sequence is
// appended to cue a fresh assistant turn.
func Flatten(messages []models.Message, tmpl models.InstructTemplate, mode models.GenerationMode) string {
	var b strings.Builder

	openEnded := mode == models.ModeContinue || IsPrefill(messages)

	for i, msg := range messages {
		lastMessage := i == len(messages)-1
		sequence, suffix := sequencesFor(msg.Role, tmpl)

		b.WriteString(sequence)
		b.WriteString(TextContent(msg))
		if lastMessage && openEnded && msg.Role == "assistant" {
			return b.String()
		}
		b.WriteString(suffix)
	}

	if !openEnded {
		b.WriteString(tmpl.OutputSequence)
	}
	return b.String()
}

// StopStrings assembles the stop sequence list for a flattened prompt:
// sampler-declared stops first, then the template's own stop, input and
// system sequences, filtered of empties. Template sequences are only added
// when the template declares them usable as stop strings.
func StopStrings(tmpl models.InstructTemplate, samplerStops []string) []string {
	candidates := make([]string, 0, len(samplerStops)+3)
	candidates = append(candidates, samplerStops...)
	if tmpl.SequencesAsStopStrings {
		candidates = append(candidates, tmpl.StopSequence, tmpl.InputSequence, tmpl.SystemSequence)
	}

	out := make([]string, 0, len(candidates))
	for _, stop := range candidates {
		if stop != "" {
			out = append(out, stop)
		}
	}
	return out
}

func sequencesFor(role string, tmpl models.InstructTemplate) (sequence, suffix string) {
	switch role {
	case "system":
		return tmpl.SystemSequence, tmpl.SystemSuffix
	case "assistant":
		return tmpl.OutputSequence, tmpl.OutputSuffix
	default:
		return tmpl.InputSequence, tmpl.InputSuffix
	}
}

// TextContent returns the plain text of a message, concatenating the text
// parts of a multi-part message.
func TextContent(msg models.Message) string {
	if len(msg.Parts) == 0 {
		return msg.Content
	}
	var b strings.Builder
	for _, part := range msg.Parts {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
