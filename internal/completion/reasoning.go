package completion

import "strings"

type reasoningState int

const (
	searchingPrefix reasoningState = iota
	inReasoning
	reasoningDone
)

// ReasoningParser splits visible text from reasoning text delimited by a
// literal prefix/suffix marker pair. It is safe to feed arbitrary chunk
// boundaries: output over any split of an input equals output over the
// concatenated whole, because text that could still grow into a marker is
// held back until the match is decided.
type ReasoningParser struct {
	prefix string
	suffix string
	state  reasoningState
	buf    string
}

// NewReasoningParser builds a parser for one stream. An empty prefix or
// suffix disables parsing entirely: every input passes through as visible
// text.
func NewReasoningParser(prefix, suffix string) *ReasoningParser {
	p := &ReasoningParser{prefix: prefix, suffix: suffix}
	if prefix == "" || suffix == "" {
		p.state = reasoningDone
	}
	return p
}

// Process consumes one chunk and returns the visible and reasoning text that
// became certain with it. Call Flush once at stream end to drain the
// remainder.
func (p *ReasoningParser) Process(chunk string) (visible, reasoning string) {
	if p.state == reasoningDone {
		return chunk, ""
	}

	p.buf += chunk
	var vis, rea strings.Builder

	for {
		switch p.state {
		case searchingPrefix:
			if idx := strings.Index(p.buf, p.prefix); idx >= 0 {
				vis.WriteString(p.buf[:idx])
				p.buf = p.buf[idx+len(p.prefix):]
				p.state = inReasoning
				continue
			}
			hold := pendingMarkerLen(p.buf, p.prefix)
			vis.WriteString(p.buf[:len(p.buf)-hold])
			p.buf = p.buf[len(p.buf)-hold:]
			return vis.String(), rea.String()

		case inReasoning:
			if idx := strings.Index(p.buf, p.suffix); idx >= 0 {
				rea.WriteString(p.buf[:idx])
				vis.WriteString(p.buf[idx+len(p.suffix):])
				p.buf = ""
				p.state = reasoningDone
				return vis.String(), rea.String()
			}
			hold := pendingMarkerLen(p.buf, p.suffix)
			rea.WriteString(p.buf[:len(p.buf)-hold])
			p.buf = p.buf[len(p.buf)-hold:]
			return vis.String(), rea.String()

		default:
			vis.WriteString(p.buf)
			p.buf = ""
			return vis.String(), rea.String()
		}
	}
}

// Flush drains any text still held back waiting for a marker that never
// completed. Pending prefix text is visible, pending suffix text is
// reasoning.
func (p *ReasoningParser) Flush() (visible, reasoning string) {
	buf := p.buf
	p.buf = ""
	state := p.state
	p.state = reasoningDone

	switch state {
	case inReasoning:
		return "", buf
	default:
		return buf, ""
	}
}

// pendingMarkerLen finds the longest buffer-ending substring that is a
// prefix of the marker, checking all lengths from min(len(buf), len(marker)-1)
// down to 1. That many trailing bytes may still extend into a marker match
// and must not be flushed yet.
func pendingMarkerLen(buf, marker string) int {
	longest := len(marker) - 1
	if len(buf) < longest {
		longest = len(buf)
	}
	for l := longest; l >= 1; l-- {
		if strings.HasPrefix(marker, buf[len(buf)-l:]) {
			return l
		}
	}
	return 0
}
