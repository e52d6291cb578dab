package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWrite_CreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	if err := Write(path, []byte(`{"v":1}`), 0o600); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := Write(path, []byte(`{"v":2}`), 0o600); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("content = %s, want {\"v\":2}", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 3; i++ {
		if err := Write(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries = %v, want only state.json", names)
	}
}

func TestWrite_Errors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"parent is a file", filepath.Join(blocker, "state.json")},
		{"target is a directory", dir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Write(tt.path, []byte("x"), 0o644); err == nil {
				t.Errorf("Write(%s) should fail", tt.path)
			}
		})
	}

	if got, _ := os.ReadFile(blocker); string(got) != "x" {
		t.Errorf("blocker content = %q, want untouched", got)
	}
}

func TestSyncDir_Missing(t *testing.T) {
	if err := syncDir(filepath.Join(t.TempDir(), "gone")); err == nil {
		t.Error("syncDir() on a missing dir should fail")
	}
}
