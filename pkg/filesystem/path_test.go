package filesystem

import (
	"path/filepath"
	"testing"
)

func TestSafePath(t *testing.T) {
	base := t.TempDir()

	path, err := SafePath(base, "minion1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != filepath.Join(base, "minion1") {
		t.Errorf("unexpected path: %s", path)
	}
}

func TestSafePathTraversal(t *testing.T) {
	base := t.TempDir()

	cases := []string{
		"../escape",
		"../../etc/passwd",
		"a/../../b",
	}
	for _, name := range cases {
		if _, err := SafePath(base, name); err == nil {
			t.Errorf("expected error for %q", name)
		}
	}
}
