// Package structured parses model output against a caller-requested
// structured-response format. Parse failures are captured as values, never
// returned as errors: the raw text must always remain usable downstream.
package structured

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Format identifies the requested structured-response encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatXML    Format = "xml"
	FormatNative Format = "native"
)

// Spec describes a structured-response request: the encoding plus an
// optional JSON schema the decoded value must satisfy.
type Spec struct {
	Format Format `json:"format"`
	Schema any    `json:"schema,omitempty"`
}

// Result carries the decoded value or the reason decoding failed. Exactly
// one of Parsed and ParseError is meaningful.
type Result struct {
	Parsed     any
	ParseError string
}

// Parse decodes text according to the spec. The native format is a
// pass-through: providers with first-class structured output already
// constrain the payload, so the text is decoded as JSON without validation.
func Parse(text string, spec *Spec) Result {
	if spec == nil {
		return Result{}
	}

	switch spec.Format {
	case FormatJSON:
		return parseJSON(text, spec.Schema)
	case FormatXML:
		return parseXML(text)
	case FormatNative:
		return parseJSON(text, nil)
	default:
		return Result{ParseError: fmt.Sprintf("unknown structured format %q", spec.Format)}
	}
}

func parseJSON(text string, schema any) Result {
	var value any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &value); err != nil {
		return Result{ParseError: fmt.Sprintf("decode json: %v", err)}
	}

	if schema != nil {
		compiled, err := compileSchema(schema)
		if err != nil {
			return Result{ParseError: fmt.Sprintf("compile schema: %v", err)}
		}
		if err := compiled.Validate(value); err != nil {
			return Result{ParseError: fmt.Sprintf("schema validation: %v", err)}
		}
	}
	return Result{Parsed: value}
}

func compileSchema(schema any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("response.json")
}

// xmlNode is a generic XML tree used when no concrete target type exists.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
	Text     string     `xml:",chardata"`
}

func parseXML(text string) Result {
	var node xmlNode
	if err := xml.Unmarshal([]byte(strings.TrimSpace(text)), &node); err != nil {
		return Result{ParseError: fmt.Sprintf("decode xml: %v", err)}
	}
	return Result{Parsed: xmlToValue(node)}
}

// xmlToValue lowers an XML tree into a JSON-like map so callers get one
// uniform shape regardless of the requested format.
func xmlToValue(node xmlNode) any {
	if len(node.Children) == 0 && len(node.Attrs) == 0 {
		return strings.TrimSpace(node.Text)
	}

	out := make(map[string]any)
	for _, attr := range node.Attrs {
		out["@"+attr.Name.Local] = attr.Value
	}
	for _, child := range node.Children {
		value := xmlToValue(child)
		name := child.XMLName.Local
		switch existing := out[name].(type) {
		case nil:
			out[name] = value
		case []any:
			out[name] = append(existing, value)
		default:
			out[name] = []any{existing, value}
		}
	}
	if text := strings.TrimSpace(node.Text); text != "" && len(out) > 0 {
		out["#text"] = text
	}
	return out
}
