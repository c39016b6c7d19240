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

package prcu

// ReadLock enters a read-side critical section. It never blocks and never
// fails; nesting is legal to any depth. A critical section may be preempted
// and migrated arbitrarily, provided the scheduler runs NoteContextSwitch on
// the processor being vacated.
func (p *PRCU) ReadLock() {
	cpu := p.plat.Pin()
	local := p.local.Get(cpu)
	if local.online.Load() == 0 {
		// The online publication must be ordered before the locked
		// increment becomes visible, so a writer that observes
		// online == 0 can trust that no critical section predates its
		// version. Sequentially consistent atomics subsume the full
		// barrier this requires.
		local.online.Store(1)
	}
	// Plain load and store: the owner is the only mutator, the cross-call
	// handler only reads.
	local.locked.Store(local.locked.Load() + 1)
	p.plat.Unpin()
}

// ReadUnlock leaves a read-side critical section. Calling it without a
// matching ReadLock on the same logical reader is a caller error with
// undefined behavior.
func (p *PRCU) ReadUnlock() {
	cpu := p.plat.Pin()
	local := p.local.Get(cpu)
	locked := local.locked.Load()
	if locked != 0 {
		local.locked.Store(locked - 1)
		if locked == 1 {
			// Last exit on this processor: publish the current global
			// version so a concurrent writer stops waiting for us.
			p.report(local)
		}
		p.plat.Unpin()
		return
	}
	p.plat.Unpin()

	// locked == 0 here means a context switch donated this critical
	// section's depth to the global pool; settle the debt there and wake
	// the writer on the last exit.
	if p.activeCtr.Add(-1) == 0 {
		p.waitQ.Notify(activeDrained)
	}
}
