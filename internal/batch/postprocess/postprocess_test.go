package postprocess

import "testing"

func TestApplyFencedBlockMerge(t *testing.T) {
	raw := "Sure, here you go:\n```json\n{\"es\": \"hola\"}\n```\nhope that helps"
	out := Apply(raw, Options{Merge: true})
	if out.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", out.ParseError)
	}
	if out.Merged["es"] != "hola" {
		t.Fatalf("expected merged es=hola, got %v", out.Merged)
	}
}

func TestApplyWholeTextParse(t *testing.T) {
	out := Apply(`{"es": "mundo"}`, Options{Merge: true})
	if out.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", out.ParseError)
	}
	if out.Merged["es"] != "mundo" {
		t.Fatalf("expected es=mundo, got %v", out.Merged)
	}
}

func TestApplyBalancedRegionFallback(t *testing.T) {
	out := Apply(`well, the answer is {"es": "si"} as requested`, Options{Merge: true})
	if out.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", out.ParseError)
	}
	if out.Merged["es"] != "si" {
		t.Fatalf("expected es=si, got %v", out.Merged)
	}
}

func TestApplyParseFailureRetainsRaw(t *testing.T) {
	out := Apply("oops", Options{Merge: true, IncludeRaw: false})
	if out.ParseError == "" {
		t.Fatalf("expected a parse error")
	}
	if out.RawText != "oops" {
		t.Fatalf("expected raw text retained regardless of IncludeRaw, got %q", out.RawText)
	}
}

func TestApplyNoMergeNestsUnderKey(t *testing.T) {
	out := Apply(`{"es": "hola"}`, Options{Merge: false, RawKey: "payload"})
	nested, ok := out.Merged["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested payload map, got %v", out.Merged)
	}
	if nested["es"] != "hola" {
		t.Fatalf("expected nested es=hola, got %v", nested)
	}
}

func TestApplyIncludeRawOnSuccess(t *testing.T) {
	out := Apply(`{"es": "hola"}`, Options{Merge: true, IncludeRaw: true})
	if out.RawText == "" {
		t.Fatalf("expected raw text retained when IncludeRaw is set")
	}
}

func TestBalancedRegionIgnoresBracesInStrings(t *testing.T) {
	raw := `prefix {"note": "a } b { c", "ok": true} suffix`
	out := Apply(raw, Options{Merge: true})
	if out.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", out.ParseError)
	}
	if out.Merged["ok"] != true {
		t.Fatalf("expected ok=true, got %v", out.Merged)
	}
}
