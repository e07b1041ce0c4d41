package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/seantiz/relay/internal/fsutil"
	"github.com/seantiz/relay/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*FileStore)(nil)

// FileStore keeps the state as a single JSON document, replaced atomically
// through a temp file and rename.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the location of the state file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty state.
func (s *FileStore) Load(_ context.Context) (*model.CommanderState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.NewCommanderState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return decodeState(data)
}

// Save writes the state to a sibling temp file, syncs it and renames it over
// the state file.
func (s *FileStore) Save(_ context.Context, st *model.CommanderState) error {
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, data, 0o644)
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
