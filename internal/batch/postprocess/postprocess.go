// Package postprocess extracts a structured payload from an LM
// completion's raw text and merges it into a Result (spec.md §4.4).
package postprocess

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Options control how a completion's text is turned into a Result
// (spec.md §4.4 "process(result, merge, include_raw)").
type Options struct {
	// Merge, when true, lifts the parsed object's top-level keys into
	// the result's fields. When false, the parsed object is kept under
	// a single dedicated key (RawKey).
	Merge bool
	// IncludeRaw, when false, drops the raw completion text from the
	// result on a successful parse. On parse failure the raw text is
	// always retained regardless of this flag (spec.md §4.4).
	IncludeRaw bool
	// RawKey names the field the parsed object is nested under when
	// Merge is false. Defaults to "parsed".
	RawKey string
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// Outcome is the augmented field set a successful (or failed) parse
// contributes to a unit.Result, plus the raw text to retain (if any)
// and a non-empty ParseError on failure.
type Outcome struct {
	Merged     map[string]any
	RawText    string
	ParseError string
}

// Apply turns a raw completion string into merged/nested fields
// (spec.md §4.4). It never recurses into an already-extracted value's
// nested strings (spec.md §9 Open Question: resolved "not performed",
// see DESIGN.md).
func Apply(raw string, opts Options) Outcome {
	if opts.RawKey == "" {
		opts.RawKey = "parsed"
	}

	parsed, ok := extract(raw)
	if !ok {
		// Raw text is always retained on parse failure regardless of
		// IncludeRaw (spec.md §4.4).
		return Outcome{ParseError: "no structured payload found in completion", RawText: raw}
	}

	merged := map[string]any{}
	if opts.Merge {
		for k, v := range parsed {
			merged[k] = v
		}
	} else {
		merged[opts.RawKey] = parsed
	}

	out := Outcome{Merged: merged}
	if opts.IncludeRaw {
		out.RawText = raw
	}
	return out
}

// extract attempts, in order: (1) the interior of a fenced code block,
// (2) the whole trimmed text, (3) the first balanced brace/bracket
// region (spec.md §4.4).
func extract(raw string) (map[string]any, bool) {
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		if obj, ok := tryParse(m[1]); ok {
			return obj, true
		}
	}
	if obj, ok := tryParse(strings.TrimSpace(raw)); ok {
		return obj, true
	}
	if region, ok := balancedRegion(raw); ok {
		if obj, ok := tryParse(region); ok {
			return obj, true
		}
	}
	return nil, false
}

func tryParse(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// balancedRegion locates the first balanced `{...}` or `[...]` span in
// s, ignoring braces/brackets that occur inside JSON string literals.
func balancedRegion(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open, close = s[i], matchingClose(s[i])
			break
		}
	}
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func matchingClose(open byte) byte {
	if open == '{' {
		return '}'
	}
	return ']'
}
