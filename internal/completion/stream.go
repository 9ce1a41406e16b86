package completion

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"chatcore/internal/models"
	"chatcore/internal/provider"
	"chatcore/internal/structured"
)

// Stream is a lazy sequence of normalized deltas decoded from a streaming
// response body. It both yields chunks to the consumer and accumulates the
// full text internally; finalization (structured parsing and usage
// accounting) runs exactly once on every termination path: normal
// completion, early Close, or a read error.
//
// Usage:
//
//	defer stream.Close()
//	for stream.Next() {
//		chunk := stream.Current()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	handler provider.Handler
	parser  *ReasoningParser
	acc     *ToolCallAccumulator
	mode    models.GenerationMode
	spec    *structured.Spec
	onEnd   func(result models.NormalizedResult)

	current     models.StreamedChunk
	err         error
	drained     bool
	closed      bool
	leadTrimmed bool

	content   strings.Builder
	reasoning strings.Builder
	allImages []string

	finishOnce sync.Once
	result     models.NormalizedResult
}

func newStream(body io.ReadCloser, handler provider.Handler, parser *ReasoningParser, acc *ToolCallAccumulator, mode models.GenerationMode, spec *structured.Spec, onEnd func(models.NormalizedResult)) *Stream {
	return &Stream{
		body:    body,
		reader:  bufio.NewReader(body),
		handler: handler,
		parser:  parser,
		acc:     acc,
		mode:    mode,
		spec:    spec,
		onEnd:   onEnd,
	}
}

// Next advances to the next chunk. It returns false when the stream ends,
// whether normally, by [DONE], by consumer cancellation, or by a transport
// error; only the latter leaves Err non-nil.
func (st *Stream) Next() bool {
	if st.drained || st.closed {
		return false
	}

	for {
		line, readErr := st.reader.ReadString('\n')
		line = strings.TrimSpace(line)

		var terminated bool
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				terminated = true
			} else if data != "" {
				if chunk, emit := st.consumeFrame(data); emit {
					st.current = chunk
					return true
				}
			}
		}

		if readErr != nil || terminated {
			// An abort reported by the transport is a clean loop end, not
			// an application error.
			if readErr != nil && !errors.Is(readErr, io.EOF) && !isAbort(readErr) {
				st.err = readErr
			}
			break
		}
	}

	st.drained = true
	chunk, emit := st.flushTail()
	st.finish()
	if emit {
		st.current = chunk
		return true
	}
	return false
}

// Current returns the chunk produced by the last successful Next call.
func (st *Stream) Current() models.StreamedChunk {
	return st.current
}

// Err reports a transport error that terminated the stream. Aborts and
// normal completion leave it nil.
func (st *Stream) Err() error {
	return st.err
}

// Result returns the fully accumulated normalized result. It is complete
// once Next has returned false or Close has been called.
func (st *Stream) Result() models.NormalizedResult {
	st.finish()
	return st.result
}

// Close releases the underlying response body and triggers finalization
// with whatever content was accumulated. Safe to call multiple times and
// required on early consumer termination.
func (st *Stream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	err := st.body.Close()
	st.finish()
	if err != nil && !isAbort(err) {
		return err
	}
	return nil
}

// consumeFrame decodes one SSE data payload into a chunk. A malformed frame
// is logged and skipped, never fatal. The returned bool reports whether the
// frame produced anything worth yielding.
func (st *Stream) consumeFrame(data string) (models.StreamedChunk, bool) {
	if !gjson.Valid(data) {
		slog.Warn("skipping malformed stream frame", "frame", truncateForLog(data))
		return models.StreamedChunk{}, false
	}

	event := st.handler.StreamingReply(gjson.Parse(data))

	visible, reasoningDelta := st.parser.Process(event.Delta)
	reasoningDelta += event.Reasoning

	if !st.leadTrimmed && st.mode != models.ModeContinue {
		visible = strings.TrimLeft(visible, " \t\r\n")
	}
	if visible != "" {
		st.leadTrimmed = true
		st.content.WriteString(visible)
	}
	if reasoningDelta != "" {
		st.reasoning.WriteString(reasoningDelta)
	}
	if len(event.ToolCallDeltas) > 0 {
		st.acc.Add(event.ToolCallDeltas)
	}
	if len(event.Images) > 0 {
		st.allImages = append(st.allImages, event.Images...)
	}

	if visible == "" && reasoningDelta == "" && len(event.ToolCallDeltas) == 0 && len(event.Images) == 0 {
		return models.StreamedChunk{}, false
	}

	return models.StreamedChunk{
		Delta:     visible,
		Reasoning: st.reasoning.String(),
		Images:    event.Images,
		ToolCalls: st.acc.Calls(),
	}, true
}

// flushTail drains reasoning-parser state buffered at stream end.
func (st *Stream) flushTail() (models.StreamedChunk, bool) {
	visible, reasoningTail := st.parser.Flush()

	if !st.leadTrimmed && st.mode != models.ModeContinue {
		visible = strings.TrimLeft(visible, " \t\r\n")
	}
	if visible != "" {
		st.leadTrimmed = true
		st.content.WriteString(visible)
	}
	if reasoningTail != "" {
		st.reasoning.WriteString(reasoningTail)
	}

	if visible == "" && reasoningTail == "" {
		return models.StreamedChunk{}, false
	}
	return models.StreamedChunk{
		Delta:     visible,
		Reasoning: st.reasoning.String(),
		ToolCalls: st.acc.Calls(),
	}, true
}

func (st *Stream) finish() {
	st.finishOnce.Do(func() {
		st.result = models.NormalizedResult{
			Content:   st.content.String(),
			Reasoning: st.reasoning.String(),
			Images:    st.allImages,
			ToolCalls: st.acc.Calls(),
		}
		if st.spec != nil {
			parsed := structured.Parse(st.result.Content, st.spec)
			st.result.Parsed = parsed.Parsed
			st.result.ParseError = parsed.ParseError
		}
		if st.onEnd != nil {
			st.onEnd(st.result)
		}
	})
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed)
}

func truncateForLog(s string) string {
	const limit = 256
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
