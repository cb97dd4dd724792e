// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package dedupindex implements the durable dedup index (component C):
// event_ids accepted into the log, persisted independently of the log
// itself (dedup.raftids) so log compaction never erases idempotence
// evidence.
package dedupindex

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("event_ids")

// Result reports whether insert() accepted a new id or found it already
// present.
type Result int

const (
	Fresh Result = iota
	Duplicate
)

// Index is the durable set of accepted event_ids, backed by a bbolt
// database so every mutation is crash-safe without us hand-rolling an
// append-only file format a second time (segment already owns that job for
// envelopes).
type Index struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the dedup index file at path.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open dedup index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init dedup index bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Insert atomically checks and inserts eventID. Fresh means the caller may
// proceed to append; Duplicate means the caller must drop the event.
func (idx *Index) Insert(eventID string) (Result, error) {
	res := Fresh
	err := idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(eventID)) != nil {
			res = Duplicate
			return nil
		}
		return b.Put([]byte(eventID), []byte{1})
	})
	if err != nil {
		return 0, fmt.Errorf("insert dedup key: %w", err)
	}
	return res, nil
}

// Contains reports whether eventID has ever been accepted.
func (idx *Index) Contains(eventID string) (bool, error) {
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketName).Get([]byte(eventID)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read dedup key: %w", err)
	}
	return found, nil
}

// RebuildFromLog re-inserts every event_id yielded by next until it returns
// false, used when the dedup file is missing or trails the log.
func (idx *Index) RebuildFromLog(next func() (eventID string, ok bool, err error)) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for {
			id, ok, err := next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := b.Put([]byte(id), []byte{1}); err != nil {
				return err
			}
		}
	})
}

// Len returns the number of accepted ids, for tests and diagnostics.
func (idx *Index) Len() (int, error) {
	n := 0
	err := idx.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

func (idx *Index) Close() error {
	return idx.db.Close()
}
