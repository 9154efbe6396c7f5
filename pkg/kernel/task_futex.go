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

package kernel

import (
	"time"

	"vesper.dev/vesper/pkg/futex"
	"vesper.dev/vesper/pkg/kthread"
	"vesper.dev/vesper/pkg/syserror"
)

// Futex returns the futex context shared by all of t's process's tasks.
func (t *Task) Futex() *futex.Context {
	return t.process.futexes
}

// resolveOwner turns an owner handle into a thread. KoidInvalid means "no
// owner". A handle that doesn't resolve to a live thread is an error; the
// finer ownership rules (same process, not the caller, not already waiting)
// are enforced by the futex context itself, under its table lock.
func (t *Task) resolveOwner(handle kthread.Koid) (*kthread.Thread, error) {
	if handle == kthread.KoidInvalid {
		return nil, nil
	}
	owner := t.process.kernel.registry.LookupThread(handle)
	if owner == nil {
		return nil, syserror.ErrInvalidArgs
	}
	return owner, nil
}

// FutexWait blocks t until the futex at addr is woken, the deadline passes,
// or t is interrupted, provided the word at addr still holds expected. A
// zero deadline waits forever. ownerHandle, if not KoidInvalid, names the
// thread to record as the futex's owner for priority donation.
func (t *Task) FutexWait(addr futex.Key, expected uint32, ownerHandle kthread.Koid, deadline time.Time) error {
	owner, err := t.resolveOwner(ownerHandle)
	if err != nil {
		return err
	}
	return t.Futex().Wait(t.thread, t.process.mem, addr, expected, owner, deadline)
}

// FutexWake wakes up to count waiters from the futex at addr and returns
// the number woken. count == 0 only releases the futex's owner.
func (t *Task) FutexWake(addr futex.Key, count int, action futex.OwnerAction) (int, error) {
	return t.Futex().Wake(addr, count, action)
}

// FutexRequeue wakes up to wakeCount waiters from wakeAddr and moves up to
// requeueCount of the remainder to requeueAddr, setting requeueAddr's owner
// to the thread named by ownerHandle (KoidInvalid for none).
func (t *Task) FutexRequeue(wakeAddr futex.Key, wakeCount int, expected uint32, action futex.OwnerAction, requeueAddr futex.Key, requeueCount int, ownerHandle kthread.Koid) (int, error) {
	owner, err := t.resolveOwner(ownerHandle)
	if err != nil {
		return 0, err
	}
	return t.Futex().Requeue(t.thread, t.process.mem, wakeAddr, wakeCount, expected, action, requeueAddr, requeueCount, owner)
}

// FutexGetOwner reports the koid of the thread owning the futex at addr, or
// KoidInvalid if it has none.
func (t *Task) FutexGetOwner(addr futex.Key) (kthread.Koid, error) {
	return t.Futex().GetOwner(addr)
}
