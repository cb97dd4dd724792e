// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type counterState struct {
	Count int
	Log   []string
}

func (c counterState) Clone() counterState {
	cp := make([]string, len(c.Log))
	copy(cp, c.Log)
	return counterState{Count: c.Count, Log: cp}
}

func TestWithStateMut_MutatesInPlace(t *testing.T) {
	e := New(counterState{}, nil)

	err := e.WithStateMut(func(s *counterState) error {
		s.Count++
		s.Log = append(s.Log, "one")
		return nil
	})
	require.NoError(t, err)

	err = e.WithState(func(s counterState) error {
		require.Equal(t, 1, s.Count)
		require.Equal(t, []string{"one"}, s.Log)
		return nil
	})
	require.NoError(t, err)
}

func TestWithStateMut_ExcludesConcurrentReaders(t *testing.T) {
	e := New(counterState{}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		e.WithStateMut(func(s *counterState) error {
			close(started)
			<-release
			s.Count = 42
			return nil
		})
	}()
	<-started

	acquired, err := e.TryWithState(func(s counterState) error { return nil })
	require.NoError(t, err)
	require.False(t, acquired, "reader should not acquire while writer holds the lock")

	close(release)

	require.Eventually(t, func() bool {
		acquired, err := e.TryWithState(func(s counterState) error { return nil })
		return acquired && err == nil
	}, time.Second, time.Millisecond)
}

func TestSnapshot_ReturnsIndependentClone(t *testing.T) {
	e := New(counterState{Count: 1, Log: []string{"a"}}, nil)

	snap, err := e.Snapshot()
	require.NoError(t, err)

	err = e.WithStateMut(func(s *counterState) error {
		s.Log[0] = "mutated"
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, "a", snap.Log[0], "snapshot must not alias the live state's backing array")
}

func TestReplace_ReturnsOldState(t *testing.T) {
	e := New(counterState{Count: 1}, nil)

	old, err := e.Replace(counterState{Count: 2})
	require.NoError(t, err)
	require.Equal(t, 1, old.Count)

	err = e.WithState(func(s counterState) error {
		require.Equal(t, 2, s.Count)
		return nil
	})
	require.NoError(t, err)
}

func TestWithStateMut_PanicPoisonsEngine(t *testing.T) {
	e := New(counterState{}, nil)

	err := e.WithStateMut(func(s *counterState) error {
		panic("boom")
	})
	require.Error(t, err)

	_, err = e.Snapshot()
	require.ErrorContains(t, err, "state engine poisoned")

	err = e.WithState(func(s counterState) error { return nil })
	require.ErrorContains(t, err, "state engine poisoned")

	_, err = e.Replace(counterState{})
	require.ErrorContains(t, err, "state engine poisoned")
}

func TestTryWithStateMut_NonBlockingUnderContention(t *testing.T) {
	e := New(counterState{}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	release := make(chan struct{})
	go func() {
		defer wg.Done()
		e.WithStateMut(func(s *counterState) error {
			<-release
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		acquired, err := e.TryWithStateMut(func(s *counterState) error { return nil })
		return err == nil && !acquired
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()
}
