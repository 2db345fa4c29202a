// Package render fills a prompt Template with a Unit's fields and
// redacts adversarial injection patterns in interpolated values
// (spec.md §4.2).
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/batchlm/engine/internal/batch/unit"
)

const redactionMarker = "[REDACTED]"

// injectionPatterns is a defense-in-depth heuristic, not a security
// boundary (spec.md §4.2): it catches common attempts to override
// upstream instructions embedded in interpolated unit values.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|above|prior)\s+(instructions|prompts?)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+\w+`),
	regexp.MustCompile(`(?i)system\s*:\s*override`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(if\s+you\s+are\s+)?(a|an)\s+\w+`),
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// RequiredFields derives the set of placeholder names from a template.
func RequiredFields(tmpl unit.Template) []string {
	return tmpl.RequiredFields()
}

// Render substitutes each `{name}` placeholder in tmpl with the
// unit's corresponding field, redacting injection patterns along the
// way. A missing field is a terminal per-unit failure (spec.md §4.2).
func Render(tmpl unit.Template, u unit.Unit) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(string(tmpl), func(match string) string {
		if missing != "" {
			return match
		}
		name := match[1 : len(match)-1]
		v, ok := u.Get(name)
		if !ok {
			missing = name
			return match
		}
		return redact(toString(v))
	})
	if missing != "" {
		return "", &unit.RenderError{MissingField: missing, Idx: u.Idx}
	}
	return out, nil
}

// redact replaces injection-pattern substrings with a marker. It is a
// heuristic scan; false negatives are accepted by design (spec.md §4.2).
func redact(s string) string {
	for _, p := range injectionPatterns {
		s = p.ReplaceAllString(s, redactionMarker)
	}
	return s
}

// toString coerces a field value to its canonical textual form:
// scalars render directly, structured values render as their
// canonical JSON serialization (spec.md §4.2).
func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return strings.TrimSpace(string(b))
	}
}
