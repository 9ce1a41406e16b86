// Package usage provides output-token accounting for completed generations.
package usage

import (
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens in generated text.
type Tokenizer interface {
	Count(text string) int
}

// Sink receives one report per generation, on every termination path.
type Sink interface {
	OnComplete(report Report)
}

// Report summarises one generation for telemetry.
type Report struct {
	Provider     string
	Model        string
	OutputTokens int
	Duration     time.Duration
}

// TiktokenTokenizer counts tokens with a model-appropriate BPE encoding.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer returns a tokenizer for the given model, falling back to the
// cl100k_base encoding for models tiktoken does not know.
func NewTokenizer(model string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Record builds a report and delivers it to the sink. A nil sink or nil
// tokenizer degrades gracefully; accounting must never fail a request.
func Record(sink Sink, tokenizer Tokenizer, providerID, model, text string, started time.Time) {
	if sink == nil {
		return
	}
	report := Report{
		Provider: providerID,
		Model:    model,
		Duration: time.Since(started),
	}
	if tokenizer != nil {
		report.OutputTokens = tokenizer.Count(text)
	}
	sink.OnComplete(report)
}
