// Package unit defines the core value types that flow through the
// batch pipeline: Unit, Result, and the prompt Template.
package unit

import (
	"fmt"
	"regexp"
	"sort"
)

// IndexField is the reserved field name carrying a Unit's system-assigned index.
const IndexField = "_idx"

// Unit is an immutable field->value mapping produced by an Adapter,
// decorated with a stable, zero-based, monotonically increasing index.
type Unit struct {
	Idx    int
	Fields map[string]any
}

// Get returns a field value and whether it was present.
func (u Unit) Get(name string) (any, bool) {
	v, ok := u.Fields[name]
	return v, ok
}

// Result extends a Unit with pipeline outcome fields (spec.md §3
// "Result record"). Error set marks a terminal failure; ParseError set
// marks a reply that could not be parsed, with Text still holding the
// raw completion; with neither set the unit succeeded, and Text holds
// the raw completion only when post-processing retained it.
type Result struct {
	Idx    int            `json:"_idx"`
	Fields map[string]any `json:"-"`

	Text       string `json:"result,omitempty"`
	ParseError string `json:"parse_error,omitempty"`
	Error      string `json:"error,omitempty"`

	Attempts         int  `json:"_attempts,omitempty"`
	RetriesExhausted bool `json:"_retries_exhausted,omitempty"`

	PromptTokens     int     `json:"_prompt_tokens,omitempty"`
	CompletionTokens int     `json:"_completion_tokens,omitempty"`
	CostUSD          float64 `json:"_cost_usd,omitempty"`
}

// Failed reports whether the result is a terminal per-unit failure.
func (r Result) Failed() bool { return r.Error != "" }

// Parsed reports whether the final record carries no parse error marker.
func (r Result) Parsed() bool { return r.ParseError == "" }

// Template is an immutable prompt string carrying `{name}` placeholders.
type Template string

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// RequiredFields derives the set of placeholder names from the template.
func (t Template) RequiredFields() []string {
	matches := placeholderPattern.FindAllStringSubmatch(string(t), -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RenderError is returned when a unit is missing a field required by
// the template. It is always a terminal per-unit failure (spec.md §4.2).
type RenderError struct {
	MissingField string
	Idx          int
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("unit %d: missing required field %q", e.Idx, e.MissingField)
}
