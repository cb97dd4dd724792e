// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package writer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/ledger/internal/types"
)

// fakeLog is a minimal stand-in for segment.Log's Append/Sync surface, in
// the spirit of the teacher's hand-rolled test stubs rather than a mocking
// framework.
type fakeLog struct {
	mu       sync.Mutex
	nextSeq  types.Sequence
	appended []types.Envelope
	syncs    int32
	failNext bool
}

func (f *fakeLog) append(envs []types.Envelope) ([]types.Sequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("injected append failure")
	}
	seqs := make([]types.Sequence, len(envs))
	for i := range envs {
		f.nextSeq++
		seqs[i] = f.nextSeq
		f.appended = append(f.appended, envs[i])
	}
	return seqs, nil
}

func (f *fakeLog) sync() error {
	atomic.AddInt32(&f.syncs, 1)
	return nil
}

func TestEnqueue_PreservesOrderAcrossConcurrentCallers(t *testing.T) {
	fl := &fakeLog{}
	var applied []types.Envelope
	var applyMu sync.Mutex

	w := New(Options{MaxBufferedEvents: 4, FlushInterval: time.Millisecond}, fl.append, fl.sync,
		func(envs []types.Envelope, seqs []types.Sequence) error {
			applyMu.Lock()
			defer applyMu.Unlock()
			applied = append(applied, envs...)
			return nil
		}, nil, nil, nil)
	defer w.Close()

	var wg sync.WaitGroup
	results := make([][]types.Sequence, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seqs, err := w.Enqueue([]types.Envelope{{EventType: "t", EventID: fmt.Sprintf("e%d", i)}})
			require.NoError(t, err)
			results[i] = seqs
		}(i)
	}
	wg.Wait()

	seen := map[types.Sequence]bool{}
	for _, r := range results {
		require.Len(t, r, 1)
		require.False(t, seen[r[0]], "sequence reused across callers")
		seen[r[0]] = true
	}
	require.Len(t, seen, 20)

	applyMu.Lock()
	require.Len(t, applied, 20)
	applyMu.Unlock()
}

func TestEnqueue_MaxDurabilitySyncsEveryBatch(t *testing.T) {
	fl := &fakeLog{}
	w := New(Options{DurabilityMode: MaxDurability, MaxBufferedEvents: 1}, fl.append, fl.sync, nil, nil, nil, nil)
	defer w.Close()

	_, err := w.Enqueue([]types.Envelope{{EventType: "t", EventID: "a"}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt32(&fl.syncs), int32(1))
}

func TestEnqueue_BackPressureSuspendsUntilDrain(t *testing.T) {
	// MaxBufferedEvents is large enough that neither call force-flushes on
	// its own; only the flush interval ticker drains the queue. The first
	// (oversized, solo-admitted) call occupies the whole budget while it
	// waits for that ticker, so the second call must suspend in
	// bpCond.Wait until the tick releases the first batch's bytes.
	fl := &fakeLog{}
	w := New(Options{MaxBufferedEvents: 10, MaxBufferedBytes: 10, FlushInterval: 100 * time.Millisecond}, fl.append, fl.sync, nil, nil, nil, nil)
	defer w.Close()

	firstDone := make(chan struct{})
	go func() {
		_, err := w.Enqueue([]types.Envelope{{EventType: "t", EventID: "a", Payload: make([]byte, 20)}})
		require.NoError(t, err)
		close(firstDone)
	}()
	// Let the first call's bytes register before the second starts.
	time.Sleep(10 * time.Millisecond)

	secondDone := make(chan struct{})
	go func() {
		_, err := w.Enqueue([]types.Envelope{{EventType: "t", EventID: "b", Payload: make([]byte, 5)}})
		require.NoError(t, err)
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatal("second enqueue returned before the first batch's bytes were released")
	case <-time.After(30 * time.Millisecond):
	}

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first enqueue never flushed")
	}
	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second enqueue never unblocked after drain")
	}
}

func TestEnqueue_CloseWakesSuspendedCaller(t *testing.T) {
	// Neither a force-flush nor a tick drains the first (oversized) call, so
	// its bytes stay in flight and the second call must suspend.
	fl := &fakeLog{}
	w := New(Options{MaxBufferedEvents: 1000, MaxBufferedBytes: 10, FlushInterval: time.Hour}, fl.append, fl.sync, nil, nil, nil, nil)

	big := []types.Envelope{{EventType: "t", EventID: "a", Payload: make([]byte, 20)}}
	firstErr := make(chan error, 1)
	go func() {
		_, err := w.Enqueue(big)
		firstErr <- err
	}()
	// Let the first call's bytes register before the second starts.
	time.Sleep(10 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Enqueue([]types.Envelope{{EventType: "t", EventID: "b", Payload: make([]byte, 5)}})
		errCh <- err
	}()

	// Give the goroutine a moment to reach bpCond.Wait before closing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Close())
	// Close drains the buffered first call, so it succeeds.
	require.NoError(t, <-firstErr)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, types.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("suspended enqueue never woke up after Close")
	}
}

func TestEnqueue_AppendFailurePropagatesToCaller(t *testing.T) {
	fl := &fakeLog{failNext: true}
	w := New(Options{MaxBufferedEvents: 1}, fl.append, fl.sync, nil, nil, nil, nil)
	defer w.Close()

	_, err := w.Enqueue([]types.Envelope{{EventType: "t", EventID: "a"}})
	require.Error(t, err)
}

func TestClose_DrainsQueuedWorkBeforeExit(t *testing.T) {
	fl := &fakeLog{}
	w := New(Options{MaxBufferedEvents: 1000, FlushInterval: time.Hour}, fl.append, fl.sync, nil, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		_, _ = w.Enqueue([]types.Envelope{{EventType: "t", EventID: "a"}})
		close(done)
	}()
	// Give the goroutine a moment to enqueue before closing.
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, w.Close())
	<-done

	fl.mu.Lock()
	defer fl.mu.Unlock()
	require.Len(t, fl.appended, 1)
}

func TestEnqueue_AfterCloseReturnsClosed(t *testing.T) {
	fl := &fakeLog{}
	w := New(Options{}, fl.append, fl.sync, nil, nil, nil, nil)
	require.NoError(t, w.Close())

	_, err := w.Enqueue([]types.Envelope{{EventType: "t", EventID: "a"}})
	require.ErrorIs(t, err, types.ErrClosed)
}
