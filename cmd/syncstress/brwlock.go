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
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"vesper.dev/vesper/pkg/brwlock"
	"vesper.dev/vesper/pkg/kthread"
)

// brwlockCmd implements subcommands.Command for the reader/writer lock
// stress.
type brwlockCmd struct {
	readers  int
	writers  int
	duration time.Duration
	pi       bool
}

// Name implements subcommands.Command.Name.
func (*brwlockCmd) Name() string {
	return "brwlock"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*brwlockCmd) Synopsis() string {
	return "hammer a blocking reader/writer lock and verify exclusion"
}

// Usage implements subcommands.Command.Usage.
func (*brwlockCmd) Usage() string {
	return `brwlock [flags] - run readers and writers contending on one lock
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *brwlockCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.readers, "readers", 6, "number of reader tasks")
	f.IntVar(&c.writers, "writers", 2, "number of writer tasks")
	f.DurationVar(&c.duration, "duration", 5*time.Second, "how long to run")
	f.BoolVar(&c.pi, "pi", false, "use the priority-inheriting variant")
}

// Execute implements subcommands.Command.Execute.
func (c *brwlockCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if c.readers < 0 || c.writers < 1 {
		logrus.Error("-writers must be positive and -readers non-negative")
		return subcommands.ExitUsageError
	}

	l := brwlock.New()
	if c.pi {
		l = brwlock.NewPI()
	}
	registry := kthread.NewRegistry()
	proc := registry.NewProcess()

	logrus.WithFields(logrus.Fields{
		"readers":  c.readers,
		"writers":  c.writers,
		"duration": c.duration,
		"pi":       c.pi,
	}).Info("starting brwlock stress")

	// guarded is written only under the write lock; readers check that it
	// holds still while they hold the lock shared.
	var guarded uint64
	var readOps, writeOps atomic.Uint64
	var activeWriters, activeReaders atomic.Int32

	progress := rate.NewLimiter(rate.Every(time.Second), 1)
	stop := time.Now().Add(c.duration)
	var g errgroup.Group
	for i := 0; i < c.writers; i++ {
		th := registry.NewThread(proc, fmt.Sprintf("writer%d", i), kthread.DefaultPriority)
		g.Go(func() error {
			for time.Now().Before(stop) {
				l.WriteAcquire(th)
				if w := activeWriters.Add(1); w != 1 {
					return fmt.Errorf("%d concurrent writers", w)
				}
				if r := activeReaders.Load(); r != 0 {
					return fmt.Errorf("%d readers during write", r)
				}
				guarded++
				activeWriters.Add(-1)
				l.WriteRelease(th)
				writeOps.Add(1)
			}
			return nil
		})
	}
	for i := 0; i < c.readers; i++ {
		th := registry.NewThread(proc, fmt.Sprintf("reader%d", i), kthread.DefaultPriority)
		g.Go(func() error {
			for time.Now().Before(stop) {
				l.ReadAcquire(th)
				activeReaders.Add(1)
				if w := activeWriters.Load(); w != 0 {
					return fmt.Errorf("%d writers during read", w)
				}
				before := guarded
				runtime.Gosched()
				if guarded != before {
					return fmt.Errorf("guarded value moved under a read lock")
				}
				activeReaders.Add(-1)
				l.ReadRelease()
				n := readOps.Add(1)
				if progress.Allow() {
					logrus.WithFields(logrus.Fields{
						"reads":  n,
						"writes": writeOps.Load(),
					}).Debug("progress")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("brwlock stress failed")
		return subcommands.ExitFailure
	}

	if guarded != writeOps.Load() {
		logrus.WithFields(logrus.Fields{
			"writes":  writeOps.Load(),
			"guarded": guarded,
		}).Error("write exclusion violated: guarded counter lost updates")
		return subcommands.ExitFailure
	}
	logrus.WithFields(logrus.Fields{
		"reads":  readOps.Load(),
		"writes": writeOps.Load(),
	}).Info("brwlock stress passed")
	return subcommands.ExitSuccess
}
