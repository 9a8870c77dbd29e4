package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type fileEntry struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// File is a Store persisted as a single JSON document on disk.
// The whole document is rewritten on every mutation, so it suits small
// data sets such as a client's receipt cache.
type File struct {
	mu      sync.Mutex
	path    string
	entries map[string]fileEntry
	now     func() time.Time
}

// NewFile opens the JSON store at path, creating parent directories as needed.
// A missing file is treated as an empty store.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("must set file store path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	f := &File{
		path:    path,
		entries: make(map[string]fileEntry),
		now:     time.Now,
	}

	if err := f.load(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &f.entries); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	return nil
}

// flush writes the document to a temp file and renames it over the original.
// Callers hold f.mu.
func (f *File) flush() error {
	now := f.now()
	for k, e := range f.entries {
		if e.ExpiresAt != nil && expired(*e.ExpiresAt, now) {
			delete(f.entries, k)
		}
	}

	data, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".store-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

func (f *File) entry(value []byte, ttl time.Duration) fileEntry {
	e := fileEntry{Value: append([]byte(nil), value...)}
	if deadline := expiry(f.now(), ttl); !deadline.IsZero() {
		e.ExpiresAt = &deadline
	}
	return e
}

func (f *File) live(e fileEntry) bool {
	return e.ExpiresAt == nil || !expired(*e.ExpiresAt, f.now())
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[key]
	if !ok || !f.live(e) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.Value...), nil
}

func (f *File) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[key] = f.entry(value, ttl)
	return f.flush()
}

func (f *File) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[key]; ok && f.live(e) {
		return false, nil
	}

	f.entries[key] = f.entry(value, ttl)
	if err := f.flush(); err != nil {
		return false, err
	}
	return true, nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[key]; !ok {
		return nil
	}
	delete(f.entries, key)
	return f.flush()
}

func (f *File) Scan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	f.mu.Lock()
	var keys []string
	values := make(map[string][]byte)
	for k, e := range f.entries {
		if strings.HasPrefix(k, prefix) && f.live(e) {
			keys = append(keys, k)
			values[k] = append([]byte(nil), e.Value...)
		}
	}
	f.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) Close() error {
	return nil
}
