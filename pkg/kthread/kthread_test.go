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

package kthread

import (
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p1 := r.NewProcess()
	p2 := r.NewProcess()
	t1 := r.NewThread(p1, "t1", DefaultPriority)
	t2 := r.NewThread(p1, "t2", DefaultPriority)
	t3 := r.NewThread(p2, "t3", DefaultPriority)

	// Koids are unique across processes and threads alike.
	seen := map[Koid]bool{p1: true}
	for _, k := range []Koid{p2, t1.Koid(), t2.Koid(), t3.Koid()} {
		if k == KoidInvalid {
			t.Errorf("allocated the invalid koid")
		}
		if seen[k] {
			t.Errorf("koid %d allocated twice", k)
		}
		seen[k] = true
	}

	if !t1.SameProcess(t2) {
		t.Errorf("t1 and t2 not in the same process")
	}
	if t1.SameProcess(t3) {
		t.Errorf("t1 and t3 in the same process")
	}

	if got := r.LookupThread(t1.Koid()); got != t1 {
		t.Errorf("LookupThread(%d): got %v, wanted t1", t1.Koid(), got)
	}
	r.RemoveThread(t1)
	if got := r.LookupThread(t1.Koid()); got != nil {
		t.Errorf("LookupThread after removal: got %v, wanted nil", got)
	}
}

func TestEffectivePriority(t *testing.T) {
	r := NewRegistry()
	th := r.NewThread(r.NewProcess(), "t", 10)

	if got := th.EffectivePriority(); got != 10 {
		t.Errorf("no donations: got %d, wanted 10", got)
	}

	// The effective priority is the max over base and all donations, per
	// source.
	src1, src2 := new(int), new(int)
	th.SetDonation(src1, 20)
	th.SetDonation(src2, 15)
	if got := th.EffectivePriority(); got != 20 {
		t.Errorf("two donations: got %d, wanted 20", got)
	}
	if got := th.BasePriority(); got != 10 {
		t.Errorf("base priority: got %d, wanted 10", got)
	}

	// A source replaces its own earlier donation rather than stacking.
	th.SetDonation(src1, 12)
	if got := th.EffectivePriority(); got != 15 {
		t.Errorf("after lowering src1: got %d, wanted 15", got)
	}

	th.ClearDonation(src2)
	if got := th.EffectivePriority(); got != 12 {
		t.Errorf("src1 only: got %d, wanted 12", got)
	}
	th.ClearDonation(src1)
	if got := th.EffectivePriority(); got != 10 {
		t.Errorf("all cleared: got %d, wanted 10", got)
	}
}

func TestInterrupt(t *testing.T) {
	r := NewRegistry()
	th := r.NewThread(r.NewProcess(), "t", DefaultPriority)

	select {
	case <-th.Interrupted():
		t.Fatalf("fresh thread already interrupted")
	default:
	}

	th.Interrupt()
	th.Interrupt() // idempotent
	select {
	case <-th.Interrupted():
	default:
		t.Errorf("Interrupted not closed after Interrupt")
	}
}
