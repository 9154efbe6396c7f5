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

// Package brwlock provides a blocking reader/writer lock for kernel
// subsystems, built on the same wait queue and priority donation machinery
// as the futex table.
//
// The whole lock state lives in one 64-bit atomic word: the low 32 bits
// count active readers, the next 31 bits count queued waiters, and the top
// bit is the writer-held flag. Uncontended acquires and releases are a
// single atomic op on that word; only contended paths touch the wait queue.
//
// By protocol the writer flag and a non-zero reader count are never both
// held: a reader that optimistically bumps the count while a writer holds
// the lock immediately trades that count for a queued waiter on the slow
// path, and wakes hand the state directly from waiter to holder before the
// woken thread runs.
//
// Acquires block without deadline and without interruption; a BrwLock
// critical section is short internal kernel state, not something a thread
// kill should tear. Misuse (releasing a lock that isn't held) is a
// programming error and panics.
package brwlock

import (
	"math"
	"runtime"
	"sync/atomic"

	"vesper.dev/vesper/pkg/atomicbitops"
	"vesper.dev/vesper/pkg/kthread"
	"vesper.dev/vesper/pkg/waitqueue"
)

const (
	readerMask  uint64 = (1 << 32) - 1
	waiterShift        = 32
	waiterMask  uint64 = ((1 << 31) - 1) << waiterShift
	writerBit   uint64 = 1 << 63

	readerUnit uint64 = 1
	waiterUnit uint64 = 1 << waiterShift

	// Single fetch-add deltas, with subtraction as two's complement.
	negReaderUnit  uint64 = ^readerUnit + 1
	readerToWaiter uint64 = waiterUnit - readerUnit
	waiterToReader uint64 = ^(waiterUnit - readerUnit) + 1
	waiterToWriter uint64 = writerBit - waiterUnit
)

// BrwLock is a blocking reader/writer lock. The zero value is an unlocked,
// non-priority-inheriting lock ready for use; it is intended to be embedded
// in the structure it protects.
//
// A BrwLock must not be copied after first use.
type BrwLock struct {
	// state is the packed reader/waiter/writer word. All lock state
	// transitions are CAS or fetch-add on it; the queue lock is only
	// taken to enqueue or wake.
	state atomicbitops.Uint64

	// writer points to the thread currently holding the lock exclusively,
	// valid only while the writer flag is set. It does not keep the
	// thread alive; it exists so release can assert ownership and so
	// blocked waiters know whom to donate priority to.
	writer atomic.Pointer[kthread.Thread]

	queue waitqueue.Queue

	// pi selects the priority-inheriting variant. The code path is the
	// same either way; pi only enables the owner bookkeeping on the wait
	// queue.
	pi bool
}

// New returns a new non-priority-inheriting BrwLock. Equivalent to the zero
// value.
func New() *BrwLock {
	return &BrwLock{}
}

// NewPI returns a new priority-inheriting BrwLock: while threads are blocked
// on the lock, the holding writer inherits the highest effective priority
// among them.
func NewPI() *BrwLock {
	return &BrwLock{pi: true}
}

// ReadAcquire acquires the lock shared, blocking while a writer holds it or
// waiters are queued ahead.
func (l *BrwLock) ReadAcquire(t *kthread.Thread) {
	s := l.state.Add(readerUnit)
	if s&(writerBit|waiterMask) == 0 {
		// Readers only; the increment was the acquire.
		return
	}
	l.contendedReadAcquire(t)
}

func (l *BrwLock) contendedReadAcquire(t *kthread.Thread) {
	l.queue.Lock()
	for {
		s := l.state.Load()
		if s&(writerBit|waiterMask) == 0 {
			// The lock emptied out while we were on our way here;
			// our optimistic reader count stands.
			l.queue.Unlock()
			return
		}
		// Trade our optimistic reader count for a queued waiter. A
		// reader queues behind waiting writers too, preserving arrival
		// order between readers and writers.
		if !l.state.CompareAndSwap(s, s+readerToWaiter) {
			continue
		}
		l.blockLocked(t, waitqueue.KindReader)
		return
	}
}

// WriteAcquire acquires the lock exclusive, blocking while anyone holds it
// or waiters are queued ahead.
func (l *BrwLock) WriteAcquire(t *kthread.Thread) {
	if l.state.CompareAndSwap(0, writerBit) {
		l.writer.Store(t)
		return
	}
	l.contendedWriteAcquire(t)
}

func (l *BrwLock) contendedWriteAcquire(t *kthread.Thread) {
	l.queue.Lock()
	for {
		s := l.state.Load()
		if s == 0 {
			// Became free with nobody queued; take it directly.
			if l.state.CompareAndSwap(0, writerBit) {
				l.writer.Store(t)
				l.queue.Unlock()
				return
			}
			continue
		}
		if !l.state.CompareAndSwap(s, s+waiterUnit) {
			continue
		}
		l.blockLocked(t, waitqueue.KindWriter)
		return
	}
}

// ReadUpgrade converts a held read lock into a write lock. The fast path
// succeeds only if the caller is the sole reader and nothing is queued;
// otherwise the held read is traded for a queued write wait, and the caller
// reacquires exclusively in arrival order.
func (l *BrwLock) ReadUpgrade(t *kthread.Thread) {
	if l.state.CompareAndSwap(readerUnit, writerBit) {
		l.writer.Store(t)
		return
	}
	l.contendedReadUpgrade(t)
}

func (l *BrwLock) contendedReadUpgrade(t *kthread.Thread) {
	l.queue.Lock()
	for {
		s := l.state.Load()
		if s&readerMask == 0 {
			l.queue.Unlock()
			panic("brwlock: ReadUpgrade without read lock held")
		}
		if s == readerUnit {
			if l.state.CompareAndSwap(readerUnit, writerBit) {
				l.writer.Store(t)
				l.queue.Unlock()
				return
			}
			continue
		}
		if !l.state.CompareAndSwap(s, s+readerToWaiter) {
			continue
		}
		l.blockLocked(t, waitqueue.KindWriter)
		return
	}
}

// blockLocked enqueues t and blocks until woken holding the lock. The
// caller has already moved its stake in the state word to the waiter field,
// under the queue lock, so releasers that observe the waiter count are
// guaranteed to find the entry when they take the queue to wake.
//
// Preconditions: l.queue is locked; it is unlocked on return.
func (l *BrwLock) blockLocked(t *kthread.Thread, kind waitqueue.Kind) {
	e := waitqueue.NewEntry(t, kind)
	l.queue.EnqueueLocked(e)
	if l.pi {
		// Donation target is whoever holds the lock exclusively right
		// now; a reader-held lock has no single thread to donate to. A
		// writer publishes its pointer just after setting the flag, so
		// spin out the window between the two; the flag clearing instead
		// means the writer already released.
		var w *kthread.Thread
		for {
			if l.state.Load()&writerBit == 0 {
				break
			}
			if w = l.writer.Load(); w != nil {
				break
			}
			runtime.Gosched()
		}
		l.queue.AssignOwnerLocked(w)
	}
	// If the holder finished while we were trading our stake for a
	// waiter, its release saw no waiters and nobody is coming back to
	// wake us. Run the wake pass ourselves; it may well wake us.
	if s := l.state.Load(); s&(writerBit|readerMask) == 0 {
		l.wakeLocked()
	}
	l.queue.Unlock()
	e.BlockUninterruptibly()
}

// ReadRelease releases a shared hold. The last reader out is responsible
// for waking whoever is queued.
func (l *BrwLock) ReadRelease() {
	s := l.state.Add(negReaderUnit)
	if s&readerMask == readerMask {
		panic("brwlock: ReadRelease of unheld lock")
	}
	if s&readerMask == 0 && s&waiterMask != 0 {
		l.queue.Lock()
		l.wakeLocked()
		l.queue.Unlock()
	}
}

// WriteRelease releases an exclusive hold and wakes queued waiters, if any.
// t must be the thread that acquired the lock.
func (l *BrwLock) WriteRelease(t *kthread.Thread) {
	if w := l.writer.Load(); w != t {
		panic("brwlock: WriteRelease by non-owner")
	}
	// Withdraw the donation while our pointer is still published: a
	// blocked acquirer resolves the donation target from the pointer, and
	// it must stay observable until the flag clears. A late waiter that
	// re-donates to us in this window is corrected by the wake pass below,
	// which sees that waiter in the state word.
	if l.pi {
		l.queue.AssignOwner(nil)
	}

	var s uint64
	for {
		s = l.state.Load()
		if s&writerBit == 0 {
			panic("brwlock: WriteRelease of unheld lock")
		}
		if l.state.CompareAndSwap(s, s&^writerBit) {
			break
		}
	}
	// With the flag clear a successor may already have taken the fast
	// path and published itself; only our own pointer may be dropped.
	l.writer.CompareAndSwap(t, nil)
	if s&waiterMask != 0 {
		l.queue.Lock()
		l.wakeLocked()
		l.queue.Unlock()
	}
}

// wakeLocked applies the wake policy to the queue head: a reader at the head
// is woken together with every consecutive reader behind it, stopping at the
// first writer; a writer at the head is woken alone. The state word is moved
// from waiter to holder before each wake, so a woken thread returns already
// holding the lock.
//
// Preconditions: l.queue is locked; the caller observed the lock unheld.
func (l *BrwLock) wakeLocked() {
	head := l.queue.PeekLocked()
	if head == nil {
		return
	}

	if head.Kind() == waitqueue.KindWriter {
		for {
			s := l.state.Load()
			if s&(writerBit|readerMask) != 0 {
				// An optimistic reader bumped the count while we
				// were deciding. Its slow path holds our queue
				// lock next and reruns this pass.
				return
			}
			if l.state.CompareAndSwap(s, s+waiterToWriter) {
				break
			}
		}
		next := head.Thread()
		l.writer.Store(next)
		l.queue.WakeThreadsLocked(1, nil)
		if l.pi {
			l.queue.AssignOwnerLocked(next)
		}
		return
	}

	// Batch reader wake.
	l.queue.WakeThreadsLocked(math.MaxInt, func(e *waitqueue.Entry) bool {
		if e.Kind() != waitqueue.KindReader {
			return false
		}
		for {
			s := l.state.Load()
			if !l.state.CompareAndSwap(s, s+waiterToReader) {
				continue
			}
			return true
		}
	})
	if l.pi {
		l.queue.AssignOwnerLocked(nil)
	}
}
