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

// Call registers fn to be invoked with head after a future grace period has
// elapsed. It never blocks and is safe to call with interrupts disabled.
//
// An invalid registration (nil head or fn) is dropped with a rate-limited
// warning; the callback lists are left consistent.
func (p *PRCU) Call(head *Callback, fn CallbackFunc) {
	if head == nil || fn == nil {
		callDropLog.Warningf("prcu: dropping callback registration (head=%p, fn=%p)", head, fn)
		return
	}
	cpu := p.plat.Pin()
	p.plat.IrqDisable(cpu)
	p.enqueue(cpu, head, fn)
	p.plat.IrqEnable(cpu)
	p.plat.Unpin()
}

// enqueue stamps head with cpu's current acknowledged version and appends it
// to cpu's callback list. The stamp is the greatest version this processor
// is known quiescent for, so any grace period with a strictly greater
// version ends after this moment, which is the condition for safe
// invocation.
//
// Caller must hold cpu's interrupt exclusion.
func (p *PRCU) enqueue(cpu int, head *Callback, fn CallbackFunc) {
	head.fn = fn
	head.next = nil
	local := p.local.Get(cpu)
	vh := &versionHead{version: local.version.Load()}
	local.cblist.enqueue(head, vh)
}

// processCallbacks is the deferred-work drainer, registered with the
// platform by New. It runs on cpu with interrupts disabled.
func (p *PRCU) processCallbacks(cpu int) {
	if !p.plat.CPUOnline(cpu) {
		return
	}

	cbVersion := p.cbVersion.Load()
	local := p.local.Get(cpu)
	for local.cblist.head != nil && local.cblist.versionHead != nil && local.cblist.versionHead.version < cbVersion {
		head, _ := local.cblist.dequeue()
		if head == nil {
			break
		}
		head.fn(head)
	}
	local.cbVersion.Store(cbVersion)
}

// Pending returns true iff callbacks on the current processor are eligible
// to run, i.e. the global callback version has moved past what the local
// drainer has observed and the local list is non-empty.
func (p *PRCU) Pending() bool {
	cpu := p.plat.Pin()
	local := p.local.Get(cpu)
	// Racy list-length read; the tick will simply check again.
	pending := local.cbVersion.Load() < p.cbVersion.Load() && local.cblist.len.Load() != 0
	p.plat.Unpin()
	return pending
}

// CheckCallbacks raises the drainer on the current processor if callbacks
// are eligible to run. It is intended to be called from the periodic tick.
func (p *PRCU) CheckCallbacks() {
	cpu := p.plat.Pin()
	p.plat.Unpin()
	p.Tick(cpu)
}

// Tick is the per-processor form of CheckCallbacks, for tick sources that
// know which processor they fire on.
func (p *PRCU) Tick(cpu int) {
	local := p.local.Get(cpu)
	if local.cbVersion.Load() < p.cbVersion.Load() && local.cblist.len.Load() != 0 && p.plat.CPUOnline(cpu) {
		p.plat.RaiseSoftirq(cpu)
	}
}
