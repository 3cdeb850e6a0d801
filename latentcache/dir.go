package latentcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const dirExt = ".safetensors"

// DirStore keeps one safetensors file per entry.
type DirStore struct {
	dir string
}

// NewDirStore creates dir when needed.
func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("latent cache directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) path(key string) string { return filepath.Join(s.dir, key+dirExt) }

// Put implements Store.
func (s *DirStore) Put(_ context.Context, key string, e Entry) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

// Get implements Store.
func (s *DirStore) Get(_ context.Context, key string) (Entry, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, err
	}
	e, err := Decode(b)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", s.path(key), err)
	}
	return e, nil
}

// Keys implements Store.
func (s *DirStore) Keys(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), dirExt) {
			keys = append(keys, strings.TrimSuffix(e.Name(), dirExt))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (s *DirStore) Close() error { return nil }
