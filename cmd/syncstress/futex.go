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

package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"vesper.dev/vesper/pkg/futex"
	"vesper.dev/vesper/pkg/kernel"
	"vesper.dev/vesper/pkg/kthread"
	"vesper.dev/vesper/pkg/syserror"
)

// stressMemory backs the stress process's futex words, with addresses as
// byte offsets. Offset 0 stays unused; the null key is invalid.
type stressMemory []byte

func (m stressMemory) LoadUint32(addr futex.Key) (uint32, error) {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m[addr]))), nil
}

func (m stressMemory) cas(addr futex.Key, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&m[addr])), old, new)
}

func (m stressMemory) store(addr futex.Key, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m[addr])), val)
}

// futexCmd implements subcommands.Command for the futex stress.
type futexCmd struct {
	tasks    int
	locks    int
	duration time.Duration
}

// Name implements subcommands.Command.Name.
func (*futexCmd) Name() string {
	return "futex"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*futexCmd) Synopsis() string {
	return "hammer futex-backed mutexes and verify mutual exclusion"
}

// Usage implements subcommands.Command.Usage.
func (*futexCmd) Usage() string {
	return `futex [flags] - run tasks contending on futex-backed mutexes
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *futexCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.tasks, "tasks", 8, "number of contending tasks")
	f.IntVar(&c.locks, "locks", 2, "number of distinct futex words")
	f.DurationVar(&c.duration, "duration", 5*time.Second, "how long to run")
}

// Execute implements subcommands.Command.Execute.
func (c *futexCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if c.tasks < 1 || c.locks < 1 {
		logrus.Error("-tasks and -locks must be positive")
		return subcommands.ExitUsageError
	}

	const wordSize = 4
	mem := make(stressMemory, wordSize*(c.locks+1))
	k := kernel.New()
	p := k.NewProcess(mem)

	// One unsynchronized counter per lock; only the futex mutex protocol
	// keeps the increments from racing.
	guarded := make([]uint64, c.locks)
	var ops atomic.Uint64

	logrus.WithFields(logrus.Fields{
		"tasks":    c.tasks,
		"locks":    c.locks,
		"duration": c.duration,
	}).Info("starting futex stress")

	progress := rate.NewLimiter(rate.Every(time.Second), 1)
	stop := time.Now().Add(c.duration)
	var g errgroup.Group
	for i := 0; i < c.tasks; i++ {
		task := p.NewTask(fmt.Sprintf("stress%d", i), kthread.DefaultPriority)
		slot := i % c.locks
		addr := futex.Key(wordSize * (slot + 1))
		g.Go(func() error {
			for time.Now().Before(stop) {
				if err := futexLock(task, mem, addr); err != nil {
					return err
				}
				guarded[slot]++
				futexUnlock(task, mem, addr)
				n := ops.Add(1)
				if progress.Allow() {
					logrus.WithField("ops", n).Debug("progress")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("futex stress failed")
		return subcommands.ExitFailure
	}

	var total uint64
	for _, n := range guarded {
		total += n
	}
	if total != ops.Load() {
		logrus.WithFields(logrus.Fields{
			"ops":     ops.Load(),
			"guarded": total,
		}).Error("mutual exclusion violated: guarded counters lost updates")
		return subcommands.ExitFailure
	}
	logrus.WithFields(logrus.Fields{
		"ops":        ops.Load(),
		"ops_per_ms": ops.Load() / uint64(c.duration.Milliseconds()),
	}).Info("futex stress passed")
	return subcommands.ExitSuccess
}

const (
	futexUnlockedWord uint32 = 0
	futexLockedWord   uint32 = 1
)

// futexLock acquires the mutex at addr, blocking through the kernel futex
// while it is held elsewhere.
func futexLock(task *kernel.Task, mem stressMemory, addr futex.Key) error {
	for {
		if mem.cas(addr, futexUnlockedWord, futexLockedWord) {
			return nil
		}
		err := task.FutexWait(addr, futexLockedWord, kthread.KoidInvalid, time.Time{})
		if err != nil && err != syserror.ErrBadState {
			return fmt.Errorf("futex wait on %#x: %w", addr, err)
		}
	}
}

// futexUnlock releases the mutex at addr and wakes all of its waiters.
func futexUnlock(task *kernel.Task, mem stressMemory, addr futex.Key) {
	mem.store(addr, futexUnlockedWord)
	task.FutexWake(addr, math.MaxInt32, futex.OwnerActionRelease)
}
