// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package snapshot

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/ledger/internal/types"
)

func TestLoadLatest_EmptyStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.LoadLatest()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveThenLoadLatest(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(10, []byte("state-at-10")))
	require.NoError(t, s.Save(20, []byte("state-at-20")))

	snap, ok, err := s.LoadLatest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Sequence(20), snap.Offset)
	require.Equal(t, "state-at-20", string(snap.State))
}

func TestSave_PrunesOldSnapshots(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	for i := types.Sequence(1); i <= 5; i++ {
		require.NoError(t, s.Save(i*10, []byte("x")))
	}

	offsets, err := s.list()
	require.NoError(t, err)
	require.LessOrEqual(t, len(offsets), keepLast)

	snap, ok, err := s.LoadLatest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Sequence(50), snap.Offset)
}

func TestSave_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(1, []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), tmpSuffix), "leftover temp file: %s", e.Name())
	}
}
