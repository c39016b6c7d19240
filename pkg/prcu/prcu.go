// Copyright 2025 The PRCU Authors.
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

// Package prcu implements preemptible read-copy-update, a read-mostly
// mutual-exclusion mechanism in which readers are nearly wait-free and
// writers defer reclamation of shared state until a grace period has
// elapsed.
//
// Readers bracket access to shared state with ReadLock and ReadUnlock; the
// fast path touches only the calling processor's state and performs no
// atomic read-modify-write. Writers remove state from readers' view, then
// either block in Synchronize until every read-side critical section that
// could observe the old state has finished, or enqueue reclamation with Call
// to run after such a grace period.
//
// Readers may be preempted and migrated while inside a critical section. The
// scheduler of the embedding environment must invoke NoteContextSwitch on
// the current processor whenever it takes a task off that processor; the
// hook donates any in-flight read-side nesting depth to a global pool that
// Synchronize drains.
package prcu

import (
	"time"

	"prcu.dev/prcu/pkg/atomicbitops"
	"prcu.dev/prcu/pkg/log"
	"prcu.dev/prcu/pkg/percpu"
	"prcu.dev/prcu/pkg/sync"
	"prcu.dev/prcu/pkg/syncevent"
)

// Waiter events used by PRCU.
const (
	// activeDrained is notified on waitQ when activeCtr reaches zero.
	activeDrained syncevent.Set = 1 << iota

	// barrierDone is notified on barrierCompletion when the last sentinel
	// callback has run.
	barrierDone
)

// perCPU is the state owned by a single processor. It is mutated by its
// owner, by the cross-call handler targeting that processor, and by the
// scheduler hook running on that processor.
//
// locked and online use atomic loads and stores (never read-modify-write)
// because the cross-call handler observes them concurrently; version is
// advanced only by compare-and-swap in publish. Go's atomics also supply the
// sequentially consistent ordering the protocol's publication rules require.
type perCPU struct {
	// locked is the read-side critical section nesting depth on this
	// processor.
	locked atomicbitops.Uint32

	// online is 1 from the first ReadLock after a context switch until the
	// next context switch.
	online atomicbitops.Uint32

	// version is the most recent grace-period version this processor has
	// acknowledged. Monotonically non-decreasing.
	version atomicbitops.Uint64

	// cbVersion is the most recent callback version the drainer has
	// observed on this processor.
	cbVersion atomicbitops.Uint64

	// cblist is the processor's callback queue. Guarded by the processor's
	// interrupt exclusion (Platform.IrqDisable).
	cblist cblist

	// barrierHead is the reusable sentinel callback enqueued by Barrier.
	barrierHead Callback
}

// PRCU is a preemptible read-copy-update domain. All operations on the same
// domain observe each other; distinct domains are independent.
//
// PRCU must be created by New and must not be copied.
type PRCU struct {
	_ sync.NoCopy

	plat Platform

	// globalVersion is incremented by each Synchronize to open a new grace
	// period. Monotonic.
	globalVersion atomicbitops.Uint64

	// cbVersion trails globalVersion and is advanced at the end of each
	// completed grace period, authorizing callbacks enqueued at earlier
	// versions to run.
	cbVersion atomicbitops.Uint64

	// activeCtr counts read-side nesting depths donated by
	// NoteContextSwitch and not yet settled by ReadUnlock.
	activeCtr atomicbitops.Int32

	// mtx serializes the probe/await/drain phases of Synchronize. It does
	// not define grace-period identity; versions are taken before it is
	// acquired.
	mtx sync.Mutex

	// waitQ is where Synchronize blocks while activeCtr is non-zero.
	waitQ syncevent.Waiter

	// barrierMtx serializes Barrier.
	barrierMtx sync.Mutex

	// barrierCPUCount and barrierCompletion implement Barrier's
	// count-from-one completion latch.
	// +checklocks:barrierMtx
	barrierCPUCount atomicbitops.Int32
	// +checklocks:barrierMtx
	barrierCompletion syncevent.Waiter

	// local holds one perCPU slot per possible processor.
	local *percpu.Slots[perCPU]
}

// callDropLog rate-limits complaints about dropped callbacks so a buggy
// caller cannot flood the log from interrupt context.
var callDropLog = log.BasicRateLimitedLogger(10 * time.Second)

// New returns a PRCU domain backed by the given platform and registers its
// callback drainer with the platform's deferred-work dispatch.
func New(plat Platform) *PRCU {
	p := &PRCU{
		plat:  plat,
		local: percpu.New[perCPU](plat.NumCPU()),
	}
	p.waitQ.Init()
	p.barrierCompletion.Init()
	p.local.Do(func(_ int, local *perCPU) {
		local.cblist.init()
	})
	plat.OpenSoftirq(p.processCallbacks)
	return p
}

// report publishes the current global version into local.version unless the
// processor is already at or past it.
//
// On hardware, competing publishers on one processor nest like interrupts,
// so a single failed compare-and-swap means the interrupting publisher wrote
// a value at least as new and can be left alone. Emulated publishers run
// truly concurrently and an interleaving loser may hold the older value, so
// publish retries until the slot is at least the version it loaded;
// local.version stays monotonic either way.
func (p *PRCU) report(local *perCPU) {
	publish(&local.version, p.globalVersion.Load())
}

// publish advances version to at least want.
func publish(version *atomicbitops.Uint64, want uint64) {
	for {
		cur := version.Load()
		if cur >= want || version.CompareAndSwap(cur, want) {
			return
		}
	}
}
