// Package filestore is a JSON-file-backed Storage implementation with
// the caller's choice of a cached (read-once) or read-through mode.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileStore persists the whole key/value map as one JSON file.
type FileStore struct {
	path        string
	readThrough bool
	mu          sync.Mutex
	cache       map[string]string
	log         *logrus.Entry
}

// New constructs a FileStore rooted at path. When readThrough is false
// the file is read once and kept in memory, with writes flushed back
// after every mutation; when true, every Get re-reads the file from
// disk, so out-of-band edits to the file are picked up.
func New(path string, readThrough bool) *FileStore {
	return &FileStore{
		path:        path,
		readThrough: readThrough,
		log:         logrus.WithField("prefix", "FileStore"),
	}
}

func (f *FileStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", f.path, err)
	}
	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("filestore: unmarshal %s: %w", f.path, err)
	}
	return data, nil
}

func (f *FileStore) flush(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal: %w", err)
	}
	if err := os.WriteFile(f.path, raw, 0o600); err != nil {
		return fmt.Errorf("filestore: write %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) snapshot() (map[string]string, error) {
	if f.readThrough || f.cache == nil {
		data, err := f.load()
		if err != nil {
			return nil, err
		}
		if !f.readThrough {
			f.cache = data
		}
		return data, nil
	}
	return f.cache, nil
}

func (f *FileStore) GetItem(_ context.Context, key, def string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.snapshot()
	if err != nil {
		f.log.WithError(err).Warn("falling back to default")
		return def, nil
	}
	if v, ok := data[key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *FileStore) SetItem(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.snapshot()
	if err != nil {
		return err
	}
	data[key] = value
	if !f.readThrough {
		f.cache = data
	}
	return f.flush(data)
}

func (f *FileStore) RemoveItem(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.snapshot()
	if err != nil {
		return err
	}
	delete(data, key)
	if !f.readThrough {
		f.cache = data
	}
	return f.flush(data)
}
