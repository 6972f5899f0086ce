package driftline

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore is a scoped key-value abstraction with best-effort durability.
// Get never fails: missing or unreadable data reads as nil. Set and Remove
// swallow storage failures (quota, permissions) after logging them; callers
// never block on a broken store.
//
// There is no transactionality across keys. Callers that need atomic
// data+metadata semantics write data first, then metadata, accepting a narrow
// inconsistency window.
type BlobStore interface {
	Get(key string) []byte
	Set(key string, value []byte)
	Remove(key string)
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory store. It is the default for
// tests and for hosts without durable storage.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *MemoryStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, len(value))
	copy(b, value)
	s.blobs[key] = b
}

func (s *MemoryStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
}

// ============================================================================
// FileStore
// ============================================================================

// FileStore persists each key as a file under a directory. Keys are
// sanitized to stay inside the directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileStore) Get(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil
	}
	return data
}

func (s *FileStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(key), value, 0o600); err != nil {
		log.Printf("driftline: store: write %q failed: %v", key, err)
	}
}

func (s *FileStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		log.Printf("driftline: store: remove %q failed: %v", key, err)
	}
}
