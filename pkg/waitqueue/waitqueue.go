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

// Package waitqueue provides the ordered collection of blocked threads that
// the futex table and the blocking reader/writer lock are built on.
//
// A queue supports enqueue, selective dequeue, peek, and bulk "wake while
// the callback approves" passes, and can carry an owner: the thread that
// currently holds whatever resource the queue's waiters are blocked on.
// While a queue has both an owner and waiters, the owner receives a priority
// donation equal to the highest effective priority among the waiters, so the
// scheduler can run it ahead of the threads it is blocking.
//
// Blocking is two-phase so that callers can make their enqueue atomic with
// respect to their own state: enqueue the entry while holding the outer lock,
// release the outer lock, then block on the entry:
//
//	e := waitqueue.NewEntry(t, waitqueue.KindPlain)
//	outer.Lock()
//	// ... decide to wait ...
//	q.Enqueue(e)
//	outer.Unlock()
//	err := e.Block(deadline)
//	if err != nil {
//		outer.Lock()
//		if !q.Dequeue(e) {
//			err = nil // a wake beat the timeout; the wait succeeded
//		}
//		outer.Unlock()
//	}
//
// Wakers that run while holding the outer lock are thereby serialized
// against the enqueue, which is what rules out lost wakeups.
package waitqueue

import (
	"sync"
	"time"

	"vesper.dev/vesper/pkg/kthread"
	"vesper.dev/vesper/pkg/syserror"
)

// Kind describes what an entry is blocked waiting to do. The reader/writer
// distinction only matters to callers with a batched wake policy; plain
// futex waits use KindPlain.
type Kind int

const (
	// KindPlain is a waiter with no read/write role.
	KindPlain Kind = iota

	// KindReader is a waiter that will hold its resource shared.
	KindReader

	// KindWriter is a waiter that will hold its resource exclusively.
	KindWriter
)

// Entry represents one blocked thread. An Entry is created by the blocking
// call and lives exactly as long as that call; it must not be reused for a
// second block.
//
// Synchronization: an Entry that is not enqueued is exclusively owned by the
// blocking thread. Once enqueued, queued and the intrusive links are
// protected by the mu of the containing queue.
type Entry struct {
	thread *kthread.Thread
	kind   Kind

	// c carries the wakeup. It has capacity 1 so wakers never block, and
	// so a wakeup that races a timeout is not lost: the token sits in the
	// channel and the timed-out waiter's Dequeue call reports that it had
	// already been removed.
	c chan struct{}

	// The following fields are protected by the containing queue's mu.
	next   *Entry
	prev   *Entry
	queued bool
}

// NewEntry returns a new unqueued Entry for thread t.
func NewEntry(t *kthread.Thread, kind Kind) *Entry {
	return &Entry{
		thread: t,
		kind:   kind,
		c:      make(chan struct{}, 1),
	}
}

// Thread returns the thread this entry blocks.
func (e *Entry) Thread() *kthread.Thread {
	return e.thread
}

// Kind returns the entry's waiter kind.
func (e *Entry) Kind() Kind {
	return e.kind
}

// Block suspends the calling goroutine until the entry is woken, the
// deadline passes, or the thread is interrupted. A zero deadline means no
// deadline.
//
// A non-nil return does not mean the entry is still queued: a wake may have
// raced the deadline. The caller must go back under its outer lock and call
// Dequeue to find out which happened; see the package comment.
func (e *Entry) Block(deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-e.c:
		return nil
	case <-timeout:
		return syserror.ErrTimedOut
	case <-e.thread.Interrupted():
		return syserror.ErrInterrupted
	}
}

// BlockUninterruptibly suspends the calling goroutine until the entry is
// woken. There is no deadline and no interruption; the caller is a short
// internal critical section whose wake is guaranteed by the lock protocol.
func (e *Entry) BlockUninterruptibly() {
	<-e.c
}

// wake delivers the wakeup token. The send never blocks: c has capacity 1
// and an entry is woken at most once.
func (e *Entry) wake() {
	select {
	case e.c <- struct{}{}:
	default:
	}
}

// Queue is an ordered collection of blocked threads, FIFO in arrival order.
//
// The zero value is an empty queue with no owner, ready for use.
//
// All mutating methods have a Locked variant for callers that need several
// queue operations to be atomic with one of their own state transitions;
// such callers bracket the compound section with Lock and Unlock.
type Queue struct {
	mu sync.Mutex

	// list holds the queued entries in arrival order.
	list entryList

	// owner, if non-nil, is the thread holding the resource this queue's
	// waiters are blocked on. It is the target of priority donation and
	// is reported by the futex GetOwner operation. The queue does not
	// own the thread's lifetime.
	owner *kthread.Thread
}

// Lock acquires the queue lock. Most callers use the self-locking methods
// instead.
func (q *Queue) Lock() {
	q.mu.Lock()
}

// Unlock releases the queue lock.
func (q *Queue) Unlock() {
	q.mu.Unlock()
}

// Enqueue adds e to the back of the queue.
func (q *Queue) Enqueue(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.EnqueueLocked(e)
}

// EnqueueLocked is Enqueue with the queue lock held.
func (q *Queue) EnqueueLocked(e *Entry) {
	q.list.PushBack(e)
	e.queued = true
	q.updateDonationLocked()
}

// Dequeue removes e if it is still queued, and reports whether it was. A
// false return means a waker already removed (and woke) the entry; callers
// resolving a timeout race treat that as a successful wait.
func (q *Queue) Dequeue(e *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.DequeueLocked(e)
}

// DequeueLocked is Dequeue with the queue lock held.
func (q *Queue) DequeueLocked(e *Entry) bool {
	if !e.queued {
		return false
	}
	q.list.Remove(e)
	e.queued = false
	q.updateDonationLocked()
	return true
}

// IsEmpty returns whether the queue has no waiters.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Empty()
}

// IsEmptyLocked is IsEmpty with the queue lock held.
func (q *Queue) IsEmptyLocked() bool {
	return q.list.Empty()
}

// PeekLocked returns the entry at the head of the queue, or nil. Only
// meaningful while the caller holds the queue lock (or otherwise serializes
// all queue mutation).
func (q *Queue) PeekLocked() *Entry {
	return q.list.Front()
}

// WakeThreads dequeues and wakes entries from the front of the queue, in
// order, until fn declines one, max entries have been woken, or the queue is
// empty. fn is consulted with each head entry before it is woken; returning
// false leaves that entry queued and stops the pass. A nil fn approves
// everything. Returns the number of entries woken.
func (q *Queue) WakeThreads(max int, fn func(*Entry) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.WakeThreadsLocked(max, fn)
}

// WakeThreadsLocked is WakeThreads with the queue lock held.
func (q *Queue) WakeThreadsLocked(max int, fn func(*Entry) bool) int {
	done := 0
	for done < max {
		e := q.list.Front()
		if e == nil {
			break
		}
		if fn != nil && !fn(e) {
			break
		}
		q.list.Remove(e)
		e.queued = false
		e.wake()
		done++
	}
	if done > 0 {
		q.updateDonationLocked()
	}
	return done
}

// RequeueThreads moves up to max entries from the front of q to the back of
// dst, preserving order and without waking them. It returns the moved
// entries. q and dst must be distinct, and the caller must serialize all
// access to both queues (the futex table does this with its table lock).
func (q *Queue) RequeueThreads(dst *Queue, max int) []*Entry {
	var moved []*Entry
	q.mu.Lock()
	for len(moved) < max {
		e := q.list.Front()
		if e == nil {
			break
		}
		q.list.Remove(e)
		e.queued = false
		moved = append(moved, e)
	}
	q.updateDonationLocked()
	q.mu.Unlock()

	if len(moved) == 0 {
		return nil
	}
	dst.mu.Lock()
	for _, e := range moved {
		dst.list.PushBack(e)
		e.queued = true
	}
	dst.updateDonationLocked()
	dst.mu.Unlock()
	return moved
}

// Owner returns the queue's current owner, or nil.
func (q *Queue) Owner() *kthread.Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.owner
}

// AssignOwner replaces the queue's owner with t (which may be nil) and
// recomputes priority donation: the previous owner's donation from this
// queue is withdrawn and the new owner, if any, inherits the highest
// effective priority among the queued waiters. The previous owner is
// returned so callers can finish releasing whatever reference they hold on
// it outside their own locks.
func (q *Queue) AssignOwner(t *kthread.Thread) *kthread.Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.AssignOwnerLocked(t)
}

// AssignOwnerLocked is AssignOwner with the queue lock held.
func (q *Queue) AssignOwnerLocked(t *kthread.Thread) *kthread.Thread {
	prev := q.owner
	if prev == t {
		return prev
	}
	if prev != nil {
		prev.ClearDonation(q)
	}
	q.owner = t
	q.updateDonationLocked()
	return prev
}

// updateDonationLocked recomputes the owner's donation from this queue after
// any change to the owner or the waiter set. Donation bookkeeping only takes
// thread leaf locks, so it is safe under the queue lock and under any outer
// lock the caller holds.
func (q *Queue) updateDonationLocked() {
	if q.owner == nil {
		return
	}
	if q.list.Empty() {
		q.owner.ClearDonation(q)
		return
	}
	max := -1
	for e := q.list.Front(); e != nil; e = e.next {
		if p := e.thread.EffectivePriority(); p > max {
			max = p
		}
	}
	q.owner.SetDonation(q, max)
}
