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

// Package futex provides kernel-assisted blocking on user-visible memory
// words, with explicit ownership tracking so that the scheduler can donate
// priority from blocked waiters to the thread holding the resource the
// futex protects.
//
// A Context holds all futex state for one process: a table mapping futex
// keys to their wait queues, guarded by a single mutex. The table lock is
// what makes the value-check-then-enqueue step of Wait atomic with respect
// to Wake, which is the invariant that rules out lost wakeups.
package futex

import (
	"sync"
	"time"

	"vesper.dev/vesper/pkg/kthread"
	"vesper.dev/vesper/pkg/syserror"
	"vesper.dev/vesper/pkg/waitqueue"
)

// Key is the identity of a futex: the address of the user-visible 32-bit
// word. It is used only as an opaque table key; the value at the address is
// read separately through a Target.
type Key uintptr

// checkKey validates that k can name a futex: non-null and aligned to the
// size of the futex word.
func checkKey(k Key) error {
	if k == 0 || k&3 != 0 {
		return syserror.ErrInvalidArgs
	}
	return nil
}

// Target abstracts the memory a futex word lives in. This is useful because
// the "addresses" used in this package may not be real addresses: they could
// be offsets into a test buffer, or mapped via some special mechanism.
type Target interface {
	// LoadUint32 atomically reads the futex word at addr.
	LoadUint32(addr Key) (uint32, error)
}

// OwnerAction tells Wake and Requeue what to do about futex ownership on the
// wake side.
type OwnerAction int

const (
	// OwnerActionRelease drops the futex's current owner, leaving it with
	// none.
	OwnerActionRelease OwnerAction = iota

	// OwnerActionAssignWoken makes the woken thread the futex's new
	// owner. The wake count must be exactly 1: with more than one thread
	// released there is no longer a single "successor" to hand ownership
	// to.
	OwnerActionAssignWoken
)

// futexState is the per-key chain: the wait queue holding this key's
// blocked threads, whose owner slot is the futex's owner. A futexState is
// present in the table iff its queue has waiters or an owner; the two are
// kept in sync under the table lock.
type futexState struct {
	queue waitqueue.Queue
}

// Context holds the futex table for a single process.
type Context struct {
	// mu is the table lock. Every chain mutation, every value re-read,
	// and every owner handoff happens under it.
	mu sync.Mutex

	// table maps each key with at least one waiter to its chain.
	table map[Key]*futexState

	// waiting tracks, for each thread currently blocked in Wait, the key
	// it is queued under. It is the authoritative "is this node still
	// linked" state used to detect wake/timeout races and to reject
	// owners that are themselves waiting on the target key. A requeue
	// updates the tracked key in place.
	waiting map[*kthread.Thread]Key
}

// NewContext returns an empty futex context.
func NewContext() *Context {
	return &Context{
		table:   make(map[Key]*futexState),
		waiting: make(map[*kthread.Thread]Key),
	}
}

// lockedState returns the chain for k, creating it if needed.
//
// Preconditions: cx.mu must be locked.
func (cx *Context) lockedState(k Key) *futexState {
	fs, ok := cx.table[k]
	if !ok {
		fs = &futexState{}
		cx.table[k] = fs
	}
	return fs
}

// removeIfIdleLocked drops k's chain from the table once it holds neither
// waiters nor an owner. An owner outlives the last waiter: waking the final
// waiter with ownership assignment leaves an owner-only chain behind so that
// GetOwner still reports the successor, until a wake releases it.
//
// Preconditions: cx.mu must be locked.
func (cx *Context) removeIfIdleLocked(k Key, fs *futexState) {
	if fs.queue.IsEmpty() && fs.queue.Owner() == nil {
		delete(cx.table, k)
	}
}

// Wait blocks t until the futex at addr is woken, deadline passes, or t is
// interrupted, provided the word at addr still contains expected at enqueue
// time (else ErrBadState, with nothing enqueued).
//
// newOwner, if non-nil, becomes the futex's owner for the duration of the
// wait: the thread the caller believes holds the resource this futex
// protects, and therefore the target of priority donation from every waiter
// on the key. It must belong to t's process, must not be t itself, and must
// not already be waiting on addr.
//
// If the deadline races a wake, the wake wins: a Wake that selected this
// waiter always observes a successful Wait, even if the deadline had
// already passed. A wake-one against n waiting threads must produce at
// least one successful wait.
func (cx *Context) Wait(t *kthread.Thread, target Target, addr Key, expected uint32, newOwner *kthread.Thread, deadline time.Time) error {
	if err := checkKey(addr); err != nil {
		return err
	}
	if newOwner != nil {
		if newOwner == t || !t.SameProcess(newOwner) {
			return syserror.ErrInvalidArgs
		}
	}

	cx.mu.Lock()
	if newOwner != nil {
		// Closes the race against a concurrent waiter naming the same
		// owner: the membership check and our enqueue are both under
		// the table lock.
		if k, ok := cx.waiting[newOwner]; ok && k == addr {
			cx.mu.Unlock()
			return syserror.ErrInvalidArgs
		}
	}

	cur, err := target.LoadUint32(addr)
	if err != nil {
		cx.mu.Unlock()
		return err
	}
	if cur != expected {
		cx.mu.Unlock()
		return syserror.ErrBadState
	}

	fs := cx.lockedState(addr)
	e := waitqueue.NewEntry(t, waitqueue.KindPlain)
	fs.queue.Enqueue(e)
	fs.queue.AssignOwner(newOwner)
	cx.waiting[t] = addr
	cx.mu.Unlock()

	err = e.Block(deadline)
	if err == nil {
		// Woken: the waker already unlinked us and dropped our
		// waiting record, all under the table lock.
		return nil
	}

	// Timed out or interrupted. Retake the table lock and see whether we
	// are still queued; if not, a wake got to us first and the wait
	// succeeded despite the deadline.
	cx.mu.Lock()
	k, ok := cx.waiting[t]
	if !ok {
		cx.mu.Unlock()
		return nil
	}
	// A requeue may have moved us since we enqueued; k, not addr, is
	// where the node lives now.
	fs = cx.table[k]
	fs.queue.Dequeue(e)
	delete(cx.waiting, t)
	cx.removeIfIdleLocked(k, fs)
	cx.mu.Unlock()
	return err
}

// Wake wakes up to count threads waiting on addr, in the order they called
// Wait, and returns the number woken. Waking a futex nobody waits on is a
// successful no-op.
//
// The futex's current owner is always released. count == 0 is valid: it
// wakes nobody and its only effect is that release, the "lock released with
// no successor" case. With action == OwnerActionAssignWoken (count must be
// 1), the woken thread becomes the new owner and inherits the priority of
// the waiters left behind.
func (cx *Context) Wake(addr Key, count int, action OwnerAction) (int, error) {
	if err := checkKey(addr); err != nil {
		return 0, err
	}
	if count < 0 || (action == OwnerActionAssignWoken && count != 1) {
		return 0, syserror.ErrInvalidArgs
	}

	cx.mu.Lock()
	fs, ok := cx.table[addr]
	if !ok {
		cx.mu.Unlock()
		return 0, nil
	}

	fs.queue.AssignOwner(nil)
	var woken *kthread.Thread
	n := fs.queue.WakeThreads(count, func(e *waitqueue.Entry) bool {
		woken = e.Thread()
		delete(cx.waiting, woken)
		return true
	})
	if action == OwnerActionAssignWoken && woken != nil {
		fs.queue.AssignOwner(woken)
	}
	cx.removeIfIdleLocked(addr, fs)
	cx.mu.Unlock()
	return n, nil
}

// Requeue atomically wakes up to wakeCount threads from wakeAddr and moves
// up to requeueCount of the remaining wakeAddr waiters onto requeueAddr's
// chain, in arrival order, provided the word at wakeAddr still contains
// expected. It returns the number of threads woken.
//
// This is the operation that lets a user-space mutex hand its waiters
// directly to a condition-variable-style second futex without a wake and
// re-wait round trip.
//
// wakeAddr's owner is always released; with action == OwnerActionAssignWoken
// (wakeCount must be 1) the woken thread becomes wakeAddr's owner.
// requeueAddr's owner is set to newRequeueOwner, which must belong to t's
// process, must not be t, and must not be waiting on either key.
func (cx *Context) Requeue(t *kthread.Thread, target Target, wakeAddr Key, wakeCount int, expected uint32, action OwnerAction, requeueAddr Key, requeueCount int, newRequeueOwner *kthread.Thread) (int, error) {
	if err := checkKey(wakeAddr); err != nil {
		return 0, err
	}
	if err := checkKey(requeueAddr); err != nil {
		return 0, err
	}
	if wakeAddr == requeueAddr || wakeCount < 0 || requeueCount < 0 {
		return 0, syserror.ErrInvalidArgs
	}
	if action == OwnerActionAssignWoken && wakeCount != 1 {
		return 0, syserror.ErrInvalidArgs
	}
	if newRequeueOwner != nil {
		if newRequeueOwner == t || !t.SameProcess(newRequeueOwner) {
			return 0, syserror.ErrInvalidArgs
		}
	}

	cx.mu.Lock()
	if newRequeueOwner != nil {
		if k, ok := cx.waiting[newRequeueOwner]; ok && (k == wakeAddr || k == requeueAddr) {
			cx.mu.Unlock()
			return 0, syserror.ErrInvalidArgs
		}
	}

	cur, err := target.LoadUint32(wakeAddr)
	if err != nil {
		cx.mu.Unlock()
		return 0, err
	}
	if cur != expected {
		cx.mu.Unlock()
		return 0, syserror.ErrBadState
	}

	n := 0
	if wfs, ok := cx.table[wakeAddr]; ok {
		wfs.queue.AssignOwner(nil)
		var woken *kthread.Thread
		n = wfs.queue.WakeThreads(wakeCount, func(e *waitqueue.Entry) bool {
			woken = e.Thread()
			delete(cx.waiting, woken)
			return true
		})
		if action == OwnerActionAssignWoken && woken != nil {
			wfs.queue.AssignOwner(woken)
		}

		if requeueCount > 0 && !wfs.queue.IsEmpty() {
			rfs := cx.lockedState(requeueAddr)
			moved := wfs.queue.RequeueThreads(&rfs.queue, requeueCount)
			for _, e := range moved {
				cx.waiting[e.Thread()] = requeueAddr
			}
		}
		cx.removeIfIdleLocked(wakeAddr, wfs)
	}

	// The requeue target takes its new owner whether or not anything was
	// moved, as long as it has a chain at all to attach the owner to.
	if rfs, ok := cx.table[requeueAddr]; ok {
		rfs.queue.AssignOwner(newRequeueOwner)
		cx.removeIfIdleLocked(requeueAddr, rfs)
	}
	cx.mu.Unlock()
	return n, nil
}

// GetOwner returns the koid of the thread that owns the futex at addr, or
// KoidInvalid if it has no owner or no waiters.
func (cx *Context) GetOwner(addr Key) (kthread.Koid, error) {
	if err := checkKey(addr); err != nil {
		return kthread.KoidInvalid, err
	}
	cx.mu.Lock()
	defer cx.mu.Unlock()
	fs, ok := cx.table[addr]
	if !ok {
		return kthread.KoidInvalid, nil
	}
	owner := fs.queue.Owner()
	if owner == nil {
		return kthread.KoidInvalid, nil
	}
	return owner.Koid(), nil
}

// WaiterCount returns the number of threads currently queued on addr. It is
// inherently racy and intended for diagnostics.
func (cx *Context) WaiterCount(addr Key) int {
	cx.mu.Lock()
	defer cx.mu.Unlock()
	n := 0
	for _, k := range cx.waiting {
		if k == addr {
			n++
		}
	}
	return n
}
