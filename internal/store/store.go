package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/relay/internal/model"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Store persists the commander's state aggregate. Save always rewrites the
// whole state; there are no partial updates.
type Store interface {
	// Load returns the persisted state, or an empty state when nothing has
	// been saved yet.
	Load(ctx context.Context) (*model.CommanderState, error)

	// Save durably replaces the persisted state. It must not return until the
	// write is on disk.
	Save(ctx context.Context, st *model.CommanderState) error

	Close() error
}

// Open returns the Store implementation registered under backend.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(path), nil
	case BackendSQLite:
		return NewSQLiteStore(path)
	case BackendBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

func encodeState(st *model.CommanderState) ([]byte, error) {
	if st == nil {
		st = model.NewCommanderState()
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*model.CommanderState, error) {
	st := model.NewCommanderState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st.RunStatus == nil {
		st.RunStatus = make(map[string]*model.RunStatus)
	}
	return st, nil
}
