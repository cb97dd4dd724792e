// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metastore implements types.MetaStore: the durable record of
// segment layout (meta.raftmeta), backed by bbolt the same way
// dedupindex and bulkdedup are, so every commit is crash-safe without a
// third hand-rolled append-only file format.
package metastore

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/dreamsxin/ledger/internal/types"
)

var (
	bucketName = []byte("meta")
	stateKey   = []byte("state")
)

// Store is the bbolt-backed types.MetaStore implementation.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the meta store file at path. Load's
// dir argument is then unused: the store already knows its own file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init meta bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the persisted state, or the zero value if this is a fresh
// store (segment.Open treats an empty PersistentState as "no segments yet").
func (s *Store) Load(_ string) (types.PersistentState, error) {
	var ps types.PersistentState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get(stateKey)
		if data == nil {
			return nil
		}
		return msgpack.Unmarshal(data, &ps)
	})
	if err != nil {
		return types.PersistentState{}, fmt.Errorf("load persistent state: %w", err)
	}
	return ps, nil
}

// CommitState durably overwrites the persisted state. bbolt's Update commits
// in a single fsync'd transaction, so a crash mid-commit leaves either the
// previous state or this one, never a mix.
func (s *Store) CommitState(ps types.PersistentState) error {
	data, err := msgpack.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal persistent state: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(stateKey, data)
	})
	if err != nil {
		return fmt.Errorf("commit persistent state: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
