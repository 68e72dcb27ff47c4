package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
)

// FileStore keeps entries as JSON files, one per key. It suits the CLI, where
// a cache shared across invocations is useful and Redis is not available.
type FileStore struct {
	dir string
}

type fileRecord struct {
	Key   Key    `json:"key"`
	Entry *Entry `json:"entry"`
}

// NewFileStore creates a file store in dir. An empty dir uses ~/.canvasgpt_cache.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".canvasgpt_cache")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Get implements Store.
func (fs *FileStore) Get(_ context.Context, key Key) (*Entry, error) {
	rec, err := fs.read(fs.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Entry, nil
}

// Set implements Store.
func (fs *FileStore) Set(_ context.Context, key Key, entry *Entry) error {
	data, err := json.MarshalIndent(fileRecord{Key: key, Entry: entry}, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temporary file first, then rename (atomic operation)
	path := fs.path(key)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// DeleteFamily implements Store. File names are hashes, so each record is
// read to find its path.
func (fs *FileStore) DeleteFamily(_ context.Context, family string) error {
	names, err := filepath.Glob(filepath.Join(fs.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, name := range names {
		rec, err := fs.read(name)
		if err != nil {
			continue
		}
		if InFamily(rec.Key.Path, family) {
			if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

func (fs *FileStore) read(name string) (*fileRecord, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cache: corrupt entry %s: %w", filepath.Base(name), err)
	}
	if rec.Entry == nil {
		return nil, fmt.Errorf("cache: empty entry %s", filepath.Base(name))
	}
	return &rec, nil
}

// path hashes the key so file names never carry query values.
func (fs *FileStore) path(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(fs.dir, hex.EncodeToString(sum[:16])+".json")
}
