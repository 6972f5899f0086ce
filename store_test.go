package driftline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	t.Run("missing key reads nil", func(t *testing.T) {
		s := NewMemoryStore()
		if got := s.Get("nope"); got != nil {
			t.Fatalf("expected nil, got %q", got)
		}
	})

	t.Run("set then get", func(t *testing.T) {
		s := NewMemoryStore()
		s.Set("k", []byte("hello"))
		if got := s.Get("k"); !bytes.Equal(got, []byte("hello")) {
			t.Fatalf("expected hello, got %q", got)
		}
	})

	t.Run("get returns a copy", func(t *testing.T) {
		s := NewMemoryStore()
		s.Set("k", []byte("hello"))
		got := s.Get("k")
		got[0] = 'X'
		if string(s.Get("k")) != "hello" {
			t.Fatal("mutating the returned slice changed the stored value")
		}
	})

	t.Run("set copies the input", func(t *testing.T) {
		s := NewMemoryStore()
		in := []byte("hello")
		s.Set("k", in)
		in[0] = 'X'
		if string(s.Get("k")) != "hello" {
			t.Fatal("mutating the input slice changed the stored value")
		}
	})

	t.Run("remove", func(t *testing.T) {
		s := NewMemoryStore()
		s.Set("k", []byte("v"))
		s.Remove("k")
		if s.Get("k") != nil {
			t.Fatal("expected nil after remove")
		}
	})

	t.Run("remove missing key is a no-op", func(t *testing.T) {
		s := NewMemoryStore()
		s.Remove("nope")
	})
}

func TestFileStore(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s.Set("driftline.channels.user", []byte(`[{"id":"ch-1"}]`))
		got := s.Get("driftline.channels.user")
		if string(got) != `[{"id":"ch-1"}]` {
			t.Fatalf("unexpected value: %q", got)
		}
	})

	t.Run("missing key reads nil", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.Get("nope") != nil {
			t.Fatal("expected nil")
		}
	})

	t.Run("creates the directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "cache")
		if _, err := NewFileStore(dir); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory at %s: %v", dir, err)
		}
	})

	t.Run("keys with path separators stay inside the directory", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFileStore(dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s.Set("../escape/attempt", []byte("v"))
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected one file in the store directory, got %d", len(entries))
		}
		if string(s.Get("../escape/attempt")) != "v" {
			t.Fatal("sanitized key did not round-trip")
		}
	})

	t.Run("remove", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s.Set("k", []byte("v"))
		s.Remove("k")
		if s.Get("k") != nil {
			t.Fatal("expected nil after remove")
		}
		s.Remove("k")
	})
}
