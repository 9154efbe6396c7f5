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

// Package kthread provides the thread and process registry consumed by the
// blocking synchronization core. A Thread is the unit that blocks on a wait
// queue and the unit that priority is donated to; the Registry resolves
// owner handles (koids) and answers process-membership questions.
//
// This package is deliberately not a scheduler. Threads here carry only the
// state the synchronization core needs: identity, process membership, and a
// priority that can be raised by donation.
package kthread

import (
	"sync"
)

// Koid is a stable, system-wide unique identifier for a kernel object.
type Koid uint64

// KoidInvalid is never assigned to an object. Owner lookups use it to mean
// "no owner".
const KoidInvalid Koid = 0

// NumPriorities is the number of distinct scheduling priorities. Priorities
// run from 0 (lowest) to NumPriorities-1 (highest).
const NumPriorities = 32

// DefaultPriority is the priority assigned to threads that don't ask for
// anything else.
const DefaultPriority = 16

// Thread represents a single kernel thread.
//
// A Thread's identity fields (koid, process, name) are immutable after
// creation. Priority state is protected by mu.
type Thread struct {
	koid    Koid
	process Koid
	name    string

	// interrupt is closed by Interrupt. A pending interruptible block
	// observes the close and tears the wait down.
	interrupt     chan struct{}
	interruptOnce sync.Once

	mu sync.Mutex

	// base is the thread's assigned priority.
	base int

	// donations holds the priority donated to this thread by each wait
	// queue whose waiters it currently blocks, keyed by an opaque,
	// comparable source (in practice the donating queue). The effective
	// priority is the max of base and all donations.
	donations map[any]int
}

// Koid returns t's koid.
func (t *Thread) Koid() Koid {
	return t.koid
}

// Process returns the koid of the process t belongs to.
func (t *Thread) Process() Koid {
	return t.process
}

// Name returns t's name.
func (t *Thread) Name() string {
	return t.name
}

// SameProcess returns true if t and other belong to the same process.
func (t *Thread) SameProcess(other *Thread) bool {
	return t.process == other.process
}

// BasePriority returns t's assigned priority, ignoring donations.
func (t *Thread) BasePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base
}

// EffectivePriority returns the priority the scheduler should run t at: the
// maximum of its base priority and all currently donated priorities.
func (t *Thread) EffectivePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.base
	for _, d := range t.donations {
		if d > p {
			p = d
		}
	}
	return p
}

// SetDonation records that source is donating priority prio to t, replacing
// any previous donation from the same source.
//
// SetDonation only takes t.mu, which is a leaf lock; it is safe to call with
// wait queue or futex table locks held.
func (t *Thread) SetDonation(source any, prio int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.donations == nil {
		t.donations = make(map[any]int)
	}
	t.donations[source] = prio
}

// ClearDonation removes source's donation from t, if any.
func (t *Thread) ClearDonation(source any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.donations, source)
}

// Interrupt tears down any pending interruptible block on t, making it
// return ErrInterrupted. It is how kill and suspend are delivered to a
// thread that is blocked in a futex wait. Interrupting a thread is
// permanent; a thread is interrupted at most once, on its way out.
func (t *Thread) Interrupt() {
	t.interruptOnce.Do(func() {
		close(t.interrupt)
	})
}

// Interrupted returns a channel that is closed once t has been interrupted.
func (t *Thread) Interrupted() <-chan struct{} {
	return t.interrupt
}

// Registry tracks live threads and hands out koids. It implements the owner
// handle resolution the syscall surface needs: handle values are koids, and
// resolving one both finds the thread and confirms it still exists.
type Registry struct {
	mu       sync.Mutex
	nextKoid Koid
	threads  map[Koid]*Thread
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nextKoid: 1,
		threads:  make(map[Koid]*Thread),
	}
}

// NewProcess allocates a koid naming a new process. Processes have no state
// of their own here; a process is just the membership scope shared by its
// threads.
func (r *Registry) NewProcess() Koid {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.nextKoid
	r.nextKoid++
	return k
}

// NewThread creates and registers a thread in the given process.
func (r *Registry) NewThread(process Koid, name string, priority int) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Thread{
		koid:      r.nextKoid,
		process:   process,
		name:      name,
		base:      priority,
		interrupt: make(chan struct{}),
	}
	r.nextKoid++
	r.threads[t.koid] = t
	return t
}

// LookupThread resolves a koid to a live thread, or nil.
func (r *Registry) LookupThread(k Koid) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[k]
}

// RemoveThread unregisters a thread, after which its koid no longer
// resolves. The caller is responsible for having interrupted it first.
func (r *Registry) RemoveThread(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, t.koid)
}
