// Copyright 2026 The Vesper Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package brwlock

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"vesper.dev/vesper/pkg/kthread"
)

type testEnv struct {
	registry *kthread.Registry
	proc     kthread.Koid
}

func newTestEnv() *testEnv {
	r := kthread.NewRegistry()
	return &testEnv{registry: r, proc: r.NewProcess()}
}

func (e *testEnv) thread(name string) *kthread.Thread {
	return e.registry.NewThread(e.proc, name, kthread.DefaultPriority)
}

func (e *testEnv) threadPrio(name string, prio int) *kthread.Thread {
	return e.registry.NewThread(e.proc, name, prio)
}

func checkState(tb testing.TB, l *BrwLock, readers, waiters uint64, writer bool) {
	tb.Helper()
	s := l.state.Load()
	if got := s & readerMask; got != readers {
		tb.Errorf("got %d readers, wanted %d (state %#x)", got, readers, s)
	}
	if got := (s & waiterMask) >> waiterShift; got != waiters {
		tb.Errorf("got %d waiters, wanted %d (state %#x)", got, waiters, s)
	}
	if got := s&writerBit != 0; got != writer {
		tb.Errorf("got writer=%t, wanted %t (state %#x)", got, writer, s)
	}
}

// awaitWaiters spins until n threads are queued on l.
func awaitWaiters(tb testing.TB, l *BrwLock, n uint64) {
	tb.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for (l.state.Load()&waiterMask)>>waiterShift != n {
		if time.Now().After(deadline) {
			tb.Fatalf("never saw %d waiters (state %#x)", n, l.state.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func await(tb testing.TB, ch chan struct{}, what string) {
	tb.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		tb.Fatalf("%s did not happen", what)
	}
}

func checkBlocked(tb testing.TB, ch chan struct{}, what string) {
	tb.Helper()
	select {
	case <-ch:
		tb.Fatalf("%s happened early", what)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestReadUncontended(t *testing.T) {
	e := newTestEnv()
	var l BrwLock

	// The zero value is ready for use.
	r1 := e.thread("r1")
	r2 := e.thread("r2")
	l.ReadAcquire(r1)
	l.ReadAcquire(r2)
	checkState(t, &l, 2, 0, false)
	l.ReadRelease()
	l.ReadRelease()
	checkState(t, &l, 0, 0, false)
}

func TestWriteUncontended(t *testing.T) {
	e := newTestEnv()
	l := New()

	w := e.thread("w")
	l.WriteAcquire(w)
	checkState(t, l, 0, 0, true)
	if got := l.writer.Load(); got != w {
		t.Errorf("got writer %v, wanted %v", got, w)
	}
	l.WriteRelease(w)
	checkState(t, l, 0, 0, false)
}

func TestReadReleaseUnheld(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("ReadRelease of unheld lock did not panic")
		}
	}()
	var l BrwLock
	l.ReadRelease()
}

func TestWriteReleaseUnheld(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("WriteRelease of unheld lock did not panic")
		}
	}()
	var l BrwLock
	l.WriteRelease(newTestEnv().thread("w"))
}

func TestWriteReleaseWrongThread(t *testing.T) {
	e := newTestEnv()
	var l BrwLock
	l.WriteAcquire(e.thread("w1"))
	defer func() {
		if recover() == nil {
			t.Errorf("WriteRelease by non-owner did not panic")
		}
	}()
	l.WriteRelease(e.thread("w2"))
}

func TestReadUpgradeUnheld(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("ReadUpgrade without read lock did not panic")
		}
	}()
	var l BrwLock
	l.ReadUpgrade(newTestEnv().thread("r"))
}

func TestWriterBlocksWriter(t *testing.T) {
	e := newTestEnv()
	l := New()
	w1 := e.thread("w1")
	w2 := e.thread("w2")

	l.WriteAcquire(w1)
	acquired := make(chan struct{})
	go func() {
		l.WriteAcquire(w2)
		close(acquired)
	}()
	awaitWaiters(t, l, 1)
	checkBlocked(t, acquired, "second write acquire")

	l.WriteRelease(w1)
	await(t, acquired, "second write acquire")
	checkState(t, l, 0, 0, true)
	if got := l.writer.Load(); got != w2 {
		t.Errorf("got writer %v, wanted %v", got, w2)
	}
	l.WriteRelease(w2)
}

func TestWriterBlocksReader(t *testing.T) {
	e := newTestEnv()
	l := New()
	w := e.thread("w")
	r := e.thread("r")

	l.WriteAcquire(w)
	acquired := make(chan struct{})
	go func() {
		l.ReadAcquire(r)
		close(acquired)
	}()
	awaitWaiters(t, l, 1)
	checkBlocked(t, acquired, "read acquire")

	l.WriteRelease(w)
	await(t, acquired, "read acquire")
	checkState(t, l, 1, 0, false)
	l.ReadRelease()
}

// TestQueuedWaiterBlocksReader checks that a new reader queues behind an
// already-waiting writer instead of barging past it.
func TestQueuedWaiterBlocksReader(t *testing.T) {
	e := newTestEnv()
	l := New()
	r1 := e.thread("r1")
	w := e.thread("w")
	r2 := e.thread("r2")

	l.ReadAcquire(r1)
	wAcquired := make(chan struct{})
	go func() {
		l.WriteAcquire(w)
		close(wAcquired)
	}()
	awaitWaiters(t, l, 1)

	r2Acquired := make(chan struct{})
	go func() {
		l.ReadAcquire(r2)
		close(r2Acquired)
	}()
	awaitWaiters(t, l, 2)
	checkBlocked(t, r2Acquired, "late read acquire")

	// r1's release lets the writer in; the late reader keeps waiting.
	l.ReadRelease()
	await(t, wAcquired, "write acquire")
	checkBlocked(t, r2Acquired, "late read acquire")

	l.WriteRelease(w)
	await(t, r2Acquired, "late read acquire")
	l.ReadRelease()
}

// TestBatchReaderWake checks the wake policy: a release wakes every reader
// at the head of the queue up to the first writer, the writer is woken alone
// once those readers drain, and readers queued behind the writer wait for
// it.
func TestBatchReaderWake(t *testing.T) {
	e := newTestEnv()
	l := New()
	holder := e.thread("holder")

	l.WriteAcquire(holder)

	acquire := func(th *kthread.Thread, write bool) (acquired, release chan struct{}) {
		acquired = make(chan struct{})
		release = make(chan struct{})
		go func() {
			if write {
				l.WriteAcquire(th)
				close(acquired)
				<-release
				l.WriteRelease(th)
			} else {
				l.ReadAcquire(th)
				close(acquired)
				<-release
				l.ReadRelease()
			}
		}()
		return acquired, release
	}

	// Queue order: two readers, a writer, another reader.
	r1a, r1r := acquire(e.thread("r1"), false)
	awaitWaiters(t, l, 1)
	r2a, r2r := acquire(e.thread("r2"), false)
	awaitWaiters(t, l, 2)
	wa, wr := acquire(e.thread("w"), true)
	awaitWaiters(t, l, 3)
	r3a, r3r := acquire(e.thread("r3"), false)
	awaitWaiters(t, l, 4)

	// Releasing the holder admits the leading readers, and only them.
	l.WriteRelease(holder)
	await(t, r1a, "r1 acquire")
	await(t, r2a, "r2 acquire")
	checkBlocked(t, wa, "writer acquire")
	checkBlocked(t, r3a, "r3 acquire")
	checkState(t, l, 2, 2, false)

	// The last reader out admits the writer, alone.
	close(r1r)
	close(r2r)
	await(t, wa, "writer acquire")
	checkBlocked(t, r3a, "r3 acquire")
	checkState(t, l, 0, 1, true)

	close(wr)
	await(t, r3a, "r3 acquire")
	checkState(t, l, 1, 0, false)
	close(r3r)
}

func TestReadUpgradeSoleReader(t *testing.T) {
	e := newTestEnv()
	l := New()
	th := e.thread("r")

	l.ReadAcquire(th)
	l.ReadUpgrade(th)
	checkState(t, l, 0, 0, true)
	if got := l.writer.Load(); got != th {
		t.Errorf("got writer %v, wanted %v", got, th)
	}
	l.WriteRelease(th)
}

func TestReadUpgradeContended(t *testing.T) {
	e := newTestEnv()
	l := New()
	r1 := e.thread("r1")
	r2 := e.thread("r2")

	l.ReadAcquire(r1)
	l.ReadAcquire(r2)

	// r2 trades its shared hold for a queued exclusive one.
	upgraded := make(chan struct{})
	go func() {
		l.ReadUpgrade(r2)
		close(upgraded)
	}()
	awaitWaiters(t, l, 1)
	checkBlocked(t, upgraded, "upgrade")
	checkState(t, l, 1, 1, false)

	l.ReadRelease()
	await(t, upgraded, "upgrade")
	checkState(t, l, 0, 0, true)
	l.WriteRelease(r2)
}

func TestPriorityInheritance(t *testing.T) {
	e := newTestEnv()
	l := NewPI()
	holder := e.threadPrio("holder", 10)
	high := e.threadPrio("high", 25)

	l.WriteAcquire(holder)
	acquired := make(chan struct{})
	go func() {
		l.WriteAcquire(high)
		close(acquired)
	}()
	awaitWaiters(t, l, 1)

	// The blocked high-priority writer donates to the holder.
	deadline := time.Now().Add(10 * time.Second)
	for holder.EffectivePriority() != 25 {
		if time.Now().After(deadline) {
			t.Fatalf("holder effective priority: got %d, wanted 25", holder.EffectivePriority())
		}
		time.Sleep(time.Millisecond)
	}

	// Handing the lock over withdraws the donation.
	l.WriteRelease(holder)
	await(t, acquired, "write acquire")
	if got := holder.EffectivePriority(); got != 10 {
		t.Errorf("holder effective priority after release: got %d, wanted 10", got)
	}
	if got := high.EffectivePriority(); got != 25 {
		t.Errorf("high effective priority: got %d, wanted 25", got)
	}
	l.WriteRelease(high)
}

// TestPIWriteHandoffStress hammers a priority-inheriting lock with writers
// only. Every release/acquire pair crosses the window where the outgoing
// writer withdraws its donation and drops its pointer, so an ordering bug
// there shows up as a hang rather than a wrong count.
func TestPIWriteHandoffStress(t *testing.T) {
	const (
		goroutines = 4
		loops      = 2000
	)
	e := newTestEnv()
	l := NewPI()

	counter := 0
	done := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		th := e.thread(fmt.Sprintf("writer%d", i))
		go func() {
			for j := 0; j < loops; j++ {
				l.WriteAcquire(th)
				counter++
				runtime.Gosched()
				l.WriteRelease(th)
			}
			done <- nil
		}()
	}
	deadline := time.After(60 * time.Second)
	for i := 0; i < goroutines; i++ {
		select {
		case <-done:
		case <-deadline:
			t.Fatalf("writers hung (state %#x, writer %v)", l.state.Load(), l.writer.Load())
		}
	}
	if counter != goroutines*loops {
		t.Errorf("got counter %d, wanted %d", counter, goroutines*loops)
	}
	checkState(t, l, 0, 0, false)
}

// TestExclusionStress hammers the lock from mixed readers and writers and
// checks the exclusion invariants with separate active-holder counters.
func TestExclusionStress(t *testing.T) {
	const (
		goroutines = 8
		loops      = 300
	)
	e := newTestEnv()
	for _, pi := range []bool{false, true} {
		name := "plain"
		if pi {
			name = "pi"
		}
		t.Run(name, func(t *testing.T) {
			l := &BrwLock{pi: pi}
			var activeReaders, activeWriters atomic.Int32
			var g errgroup.Group
			for i := 0; i < goroutines; i++ {
				th := e.thread(fmt.Sprintf("stress%d", i))
				write := i%2 == 0
				g.Go(func() error {
					for j := 0; j < loops; j++ {
						if write {
							l.WriteAcquire(th)
							if w := activeWriters.Add(1); w != 1 {
								return fmt.Errorf("%d concurrent writers", w)
							}
							if r := activeReaders.Load(); r != 0 {
								return fmt.Errorf("%d readers during write", r)
							}
							runtime.Gosched()
							activeWriters.Add(-1)
							l.WriteRelease(th)
						} else {
							l.ReadAcquire(th)
							activeReaders.Add(1)
							if w := activeWriters.Load(); w != 0 {
								return fmt.Errorf("%d writers during read", w)
							}
							runtime.Gosched()
							activeReaders.Add(-1)
							l.ReadRelease()
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			checkState(t, l, 0, 0, false)
		})
	}
}
