package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Run("writes content", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.json")
		content := []byte(`{"ok":true}`)
		if err := AtomicWriteFile(path, content, 0o644); err != nil {
			t.Fatalf("AtomicWriteFile failed: %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if string(got) != string(content) {
			t.Fatalf("content = %q, want %q", got, content)
		}
	})

	t.Run("replaces existing file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.json")
		if err := AtomicWriteFile(path, []byte("initial"), 0o644); err != nil {
			t.Fatalf("initial write: %v", err)
		}
		if err := AtomicWriteFile(path, []byte("updated"), 0o644); err != nil {
			t.Fatalf("second write: %v", err)
		}
		got, _ := os.ReadFile(path)
		if string(got) != "updated" {
			t.Fatalf("content = %q", got)
		}
	})

	t.Run("leaves no temp files", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.json")
		if err := AtomicWriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp-") {
				t.Fatalf("temp file left behind: %s", e.Name())
			}
		}
	})
}
