package adapter

import "testing"

func TestPathPolicyValidatePathRejectsTraversal(t *testing.T) {
	p := PathPolicy{Root: "/data/batches"}

	if _, err := p.ValidatePath("../etc/passwd"); err == nil {
		t.Fatalf("expected traversal outside root to be rejected")
	}
}

func TestPathPolicyValidatePathAllowsNestedPath(t *testing.T) {
	p := PathPolicy{Root: "/data/batches"}

	got, err := p.ValidatePath("job-1/input.jsonl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/data/batches/job-1/input.jsonl"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPathPolicyValidatePathRequiresRoot(t *testing.T) {
	p := PathPolicy{}
	if _, err := p.ValidatePath("input.jsonl"); err == nil {
		t.Fatalf("expected error when root is unconfigured")
	}
}

func TestReadOnlyQueryAcceptsSelect(t *testing.T) {
	if err := ReadOnlyQuery("SELECT id, name FROM units"); err != nil {
		t.Fatalf("unexpected error for valid SELECT: %v", err)
	}
}

func TestReadOnlyQueryRejectsNonSelect(t *testing.T) {
	cases := []string{
		"UPDATE units SET name = 'x'",
		"DROP TABLE units",
		"SELECT * FROM units; DROP TABLE units",
		"INSERT INTO units VALUES (1)",
	}
	for _, q := range cases {
		if err := ReadOnlyQuery(q); err == nil {
			t.Fatalf("expected query to be rejected: %q", q)
		}
	}
}
