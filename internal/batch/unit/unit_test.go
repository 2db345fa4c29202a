package unit

import "testing"

func TestUnitGet(t *testing.T) {
	u := Unit{Idx: 1, Fields: map[string]any{"name": "ada"}}

	v, ok := u.Get("name")
	if !ok || v != "ada" {
		t.Fatalf("expected name=ada, got %v ok=%v", v, ok)
	}

	if _, ok := u.Get("missing"); ok {
		t.Fatalf("expected missing field to report false")
	}
}

func TestResultFailedAndParsed(t *testing.T) {
	ok := Result{Idx: 0, Text: "hi"}
	if ok.Failed() {
		t.Fatalf("expected success result to not be failed")
	}
	if !ok.Parsed() {
		t.Fatalf("expected success result with no ParseError to be parsed")
	}

	failed := Result{Idx: 1, Error: "boom"}
	if !failed.Failed() {
		t.Fatalf("expected error result to be failed")
	}

	unparsed := Result{Idx: 2, Text: "raw", ParseError: "invalid json"}
	if unparsed.Parsed() {
		t.Fatalf("expected result with ParseError to not be parsed")
	}
}

func TestTemplateRequiredFieldsDedupedAndSorted(t *testing.T) {
	tmpl := Template("{zeta} then {alpha} then {zeta}")
	got := tmpl.RequiredFields()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Fatalf("expected [alpha zeta], got %v", got)
	}
}

func TestTemplateRequiredFieldsEmpty(t *testing.T) {
	tmpl := Template("no placeholders here")
	got := tmpl.RequiredFields()
	if len(got) != 0 {
		t.Fatalf("expected no required fields, got %v", got)
	}
}

func TestRenderErrorMessage(t *testing.T) {
	err := &RenderError{MissingField: "lang", Idx: 7}
	want := `unit 7: missing required field "lang"`
	if err.Error() != want {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
}
