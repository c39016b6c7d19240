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

// Barrier blocks until every callback registered with Call before Barrier
// was called has been invoked. Barrier runs a grace period internally, so it
// terminates even when no Synchronize and no tick runs concurrently.
func (p *PRCU) Barrier() {
	p.barrierMtx.Lock()

	// Count from one rather than zero so the latch cannot trip while
	// sentinels are still being placed.
	p.barrierCompletion.Init()
	p.barrierCPUCount.Store(1)

	// Place a sentinel callback on every processor via synchronous cross
	// calls, which cannot race with Call. Each sentinel is strictly newer
	// than every callback already on its processor's list, so its
	// invocation implies all of its predecessors have been invoked.
	numCPU := p.plat.NumCPU()
	for c := 0; c < numCPU; c++ {
		c := c
		p.plat.CrossCall(c, func() { p.barrierFunc(c) }, true)
	}

	// Remove the initial count now that every processor is counted.
	if p.barrierCPUCount.Add(-1) == 0 {
		p.barrierCompletion.Notify(barrierDone)
	} else {
		// Nothing else is obliged to advance the callback version or to
		// run the drainers while we wait, so do both: a full grace period
		// authorizes every sentinel, and the softirqs deliver them.
		p.Synchronize()
		for c := 0; c < numCPU; c++ {
			if p.plat.CPUOnline(c) {
				p.plat.RaiseSoftirq(c)
			}
		}
	}

	p.barrierCompletion.WaitFor(barrierDone)
	p.barrierCompletion.Ack(barrierDone)
	p.barrierMtx.Unlock()
}

// barrierFunc runs on cpu with interrupts disabled and enqueues the
// processor's sentinel callback.
func (p *PRCU) barrierFunc(cpu int) {
	p.barrierCPUCount.Add(1)
	local := p.local.Get(cpu)
	p.enqueue(cpu, &local.barrierHead, p.barrierCallback)
}

// barrierCallback is the sentinel; the last one to run releases Barrier.
func (p *PRCU) barrierCallback(*Callback) {
	if p.barrierCPUCount.Add(-1) == 0 {
		p.barrierCompletion.Notify(barrierDone)
	}
}
