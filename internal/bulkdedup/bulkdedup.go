// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package bulkdedup persists replicate_bulk batch_ids independently of the
// per-event dedup index (dedup.bulk.raftids), so a retried bulk call
// survives a follower restart even if none of its individual envelopes were
// durable yet when the crash happened.
package bulkdedup

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("batch_ids")

// Store is the durable set of accepted batch_ids.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open bulk dedup store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bulk dedup bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Accept atomically checks and inserts batchID, returning true if it was
// already known (so the caller should respond duplicate_ignored).
func (s *Store) Accept(batchID string) (alreadyKnown bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(batchID)) != nil {
			alreadyKnown = true
			return nil
		}
		return b.Put([]byte(batchID), []byte{1})
	})
	if err != nil {
		return false, fmt.Errorf("accept batch id: %w", err)
	}
	return alreadyKnown, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
