// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bulkdedup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccept_FreshThenKnown(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "dedup.bulk.raftids"))
	require.NoError(t, err)
	defer s.Close()

	known, err := s.Accept("batch-1")
	require.NoError(t, err)
	require.False(t, known)

	known, err = s.Accept("batch-1")
	require.NoError(t, err)
	require.True(t, known)
}

func TestAccept_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.bulk.raftids")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Accept("batch-1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	known, err := s2.Accept("batch-1")
	require.NoError(t, err)
	require.True(t, known)
}
