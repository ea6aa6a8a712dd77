package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const docSuffix = ".json"

// fileStore keeps one <id>.json document per server in a directory.
type fileStore struct {
	dir string
}

// NewFileStore opens (and creates when missing) a directory-backed Store.
func NewFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (f *fileStore) path(id string) string {
	return filepath.Join(f.dir, id+docSuffix)
}

func (f *fileStore) Get(_ context.Context, id string) (Entry, error) {
	if err := ValidateID(id); err != nil {
		return Entry{}, ErrNotFound
	}
	b, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, transient("get", id, err)
	}
	return Entry{ID: id, Doc: b}, nil
}

// Put writes to a temp file in the same directory and renames it over the
// target so readers see either the old or the new document.
func (f *fileStore) Put(_ context.Context, id string, doc json.RawMessage) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, "."+id+".*.tmp")
	if err != nil {
		return transient("put", id, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return transient("put", id, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return transient("put", id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return transient("put", id, err)
	}
	if err := os.Rename(name, f.path(id)); err != nil {
		_ = os.Remove(name)
		return transient("put", id, err)
	}
	return nil
}

func (f *fileStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, transient("list", prefix, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, docSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, docSuffix)
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fileStore) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return ErrNotFound
	}
	err := os.Remove(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return transient("delete", id, err)
	}
	return nil
}

func (f *fileStore) Close() error { return nil }
