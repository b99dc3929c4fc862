package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrStoreCorrupted indicates the persisted memory file could not be parsed.
var ErrStoreCorrupted = errors.New("memory store file corrupted")

// fileData is the persisted file shape.
type fileData struct {
	Version int               `json:"version"`
	Records map[string]Record `json:"records"`
}

// FileStore persists records as a single JSON file with atomic writes.
type FileStore struct {
	mu   sync.Mutex
	path string
	data fileData
}

// NewFileStore opens (or creates) a file store at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		path: path,
		data: fileData{Version: 1, Records: make(map[string]Record)},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read memory store: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}
	if data.Records == nil {
		data.Records = make(map[string]Record)
	}
	fs.data = data
	return fs, nil
}

// Load returns all persisted records.
func (fs *FileStore) Load(ctx context.Context) ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	out := make([]Record, 0, len(fs.data.Records))
	for _, rec := range fs.data.Records {
		out = append(out, rec)
	}
	return out, nil
}

// Put persists one record.
func (fs *FileStore) Put(ctx context.Context, rec Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.data.Records[rec.Key()] = rec
	return fs.save()
}

// Close is a no-op; every Put is already durable.
func (fs *FileStore) Close() error {
	return nil
}

// save writes the store atomically via tmp file and rename.
func (fs *FileStore) save() error {
	raw, err := json.MarshalIndent(fs.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory store: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return fmt.Errorf("failed to write memory store: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename memory store: %w", err)
	}
	return nil
}
