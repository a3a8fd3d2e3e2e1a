package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	marker := Marker{ProjectID: "proj-1", Name: "api", Environment: "dev", Tags: []string{"backend"}}

	if err := Write(dir, marker); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got == nil || got.ProjectID != "proj-1" || got.Name != "api" || got.Environment != "dev" {
		t.Fatalf("Read mismatch: %+v", got)
	}
}

func TestRead_MissingMarkerReturnsNil(t *testing.T) {
	dir := t.TempDir()
	got, err := Read(dir)
	if err != nil || got != nil {
		t.Fatalf("Read on unmarked dir: got=%v err=%v", got, err)
	}
}

func TestMarkerFilePermissions(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, Marker{ProjectID: "p", Name: "n"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(MarkerPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("permissions = %v, want 0644", info.Mode().Perm())
	}
}

func TestDiscover_FindsMarkerInAncestor(t *testing.T) {
	root := t.TempDir()
	if err := Write(root, Marker{ProjectID: "root-proj", Name: "root"}); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	m, foundDir, err := Discover(nested)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if m == nil || m.ProjectID != "root-proj" {
		t.Fatalf("Discover did not find ancestor marker: %+v", m)
	}
	if foundDir != root {
		t.Errorf("foundDir = %q, want %q", foundDir, root)
	}
}

func TestDiscover_NoneFound(t *testing.T) {
	dir := t.TempDir()
	m, foundDir, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if m != nil || foundDir != "" {
		t.Fatalf("expected no marker found, got m=%+v dir=%q", m, foundDir)
	}
}

func TestEnsureGitignoreEntries_CreatesAndAppends(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureGitignoreEntries(dir, []string{".env", ".env.local"}); err != nil {
		t.Fatalf("EnsureGitignoreEntries: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !contains(content, ".env") || !contains(content, ".env.local") {
		t.Fatalf(".gitignore missing entries: %q", content)
	}

	// Second call must not duplicate entries.
	if err := EnsureGitignoreEntries(dir, []string{".env"}); err != nil {
		t.Fatal(err)
	}
	data2, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if countOccurrences(string(data2), ".env\n") != 1 {
		t.Errorf(".env duplicated after second call: %q", string(data2))
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
		}
	}
	return count
}
