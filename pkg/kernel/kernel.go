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

// Package kernel ties the synchronization core to threads and processes: it
// owns the thread registry, gives each process its futex context, and
// exposes the syscall-equivalent futex surface on tasks.
package kernel

import (
	"vesper.dev/vesper/pkg/futex"
	"vesper.dev/vesper/pkg/kthread"
)

// Kernel is the root object. It owns the registry through which owner
// handles are resolved.
type Kernel struct {
	registry *kthread.Registry
}

// New returns a kernel with an empty registry.
func New() *Kernel {
	return &Kernel{
		registry: kthread.NewRegistry(),
	}
}

// Registry returns the kernel's thread registry.
func (k *Kernel) Registry() *kthread.Registry {
	return k.registry
}

// Process is an address space plus the per-process futex table. mem is how
// the futex table reads futex words out of the process's memory.
type Process struct {
	kernel  *Kernel
	id      kthread.Koid
	mem     futex.Target
	futexes *futex.Context
}

// NewProcess creates a process whose futex words are read through mem.
func (k *Kernel) NewProcess(mem futex.Target) *Process {
	return &Process{
		kernel:  k,
		id:      k.registry.NewProcess(),
		mem:     mem,
		futexes: futex.NewContext(),
	}
}

// ID returns the process koid.
func (p *Process) ID() kthread.Koid {
	return p.id
}

// Task is one thread of a process, the receiver for the syscall-equivalent
// operations.
type Task struct {
	process *Process
	thread  *kthread.Thread
}

// NewTask creates and registers a thread in p.
func (p *Process) NewTask(name string, priority int) *Task {
	return &Task{
		process: p,
		thread:  p.kernel.registry.NewThread(p.id, name, priority),
	}
}

// Thread returns the task's thread object.
func (t *Task) Thread() *kthread.Thread {
	return t.thread
}

// Interrupt tears down any interruptible wait the task is blocked in.
func (t *Task) Interrupt() {
	t.thread.Interrupt()
}

// Exit interrupts the task and removes its thread from the registry.
func (t *Task) Exit() {
	t.thread.Interrupt()
	t.process.kernel.registry.RemoveThread(t.thread)
}
