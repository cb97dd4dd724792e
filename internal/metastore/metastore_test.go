// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package metastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/ledger/internal/types"
)

func TestLoad_FreshStoreReturnsZeroValue(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.raftmeta"))
	require.NoError(t, err)
	defer s.Close()

	ps, err := s.Load("")
	require.NoError(t, err)
	require.Equal(t, types.PersistentState{}, ps)
}

func TestCommitState_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.raftmeta")
	s, err := Open(path)
	require.NoError(t, err)

	want := types.PersistentState{
		NextSegmentID: 3,
		Segments: []types.SegmentInfo{
			{ID: 1, BaseSeq: 1, MinSeq: 1, MaxSeq: 10, SealTimeUnix: 100},
		},
		LastAppliedSeq: 10,
		LeaderEpoch:    2,
	}
	require.NoError(t, s.CommitState(want))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Load("")
	require.NoError(t, err)
	require.Equal(t, want, got)
}
