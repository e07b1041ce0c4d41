package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/relay/internal/model"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCommander = []byte("commander")
	keyState        = []byte("state")
)

// Compile-time interface satisfaction check.
var _ Store = (*BoltStore)(nil)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCommander); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketCommander, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load reads the state document from the commander bucket.
func (s *BoltStore) Load(_ context.Context) (*model.CommanderState, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommander).Get(keyState)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if data == nil {
		return model.NewCommanderState(), nil
	}
	return decodeState(data)
}

// Save replaces the state document in a single write transaction.
func (s *BoltStore) Save(_ context.Context, st *model.CommanderState) error {
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommander).Put(keyState, data)
	})
}
