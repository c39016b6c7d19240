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

import (
	"prcu.dev/prcu/pkg/sync"
)

// Synchronize blocks until a grace period has elapsed: every read-side
// critical section that was in flight when Synchronize was called is
// guaranteed to have completed before it returns. It cannot fail and is not
// cancellable.
//
// Concurrent Synchronize calls serialize internally but always observe
// distinct, monotonically increasing grace-period versions.
func (p *PRCU) Synchronize() {
	// Take the version before the lock so concurrent synchronizers get
	// distinct versions; the lock only serializes probe/await/drain.
	version := p.globalVersion.Add(1)
	p.mtx.Lock()

	// The calling processor is trivially quiescent for this grace period.
	cpu := p.plat.Pin()
	publish(&p.local.Get(cpu).version, version)
	p.plat.Unpin()

	// Probe phase: any processor that went through a context switch is
	// offline and already reported; cross-call the rest that have not yet
	// acknowledged this version.
	numCPU := p.plat.NumCPU()
	lagging := make([]int, 0, numCPU)
	for c := 0; c < numCPU; c++ {
		local := p.local.Get(c)
		if local.online.Load() == 0 {
			continue
		}
		if local.version.Load() < version {
			c := c
			p.plat.CrossCall(c, func() { p.handler(c) }, false)
			lagging = append(lagging, c)
		}
	}

	// Await phase: each cross-called processor acknowledges either via the
	// handler (if it was outside a critical section) or via its reader's
	// eventual ReadUnlock or context switch.
	for _, c := range lagging {
		local := p.local.Get(c)
		for local.version.Load() < version {
			sync.Goyield()
		}
	}

	// Drain phase: wait out readers whose depth was donated to the global
	// pool by a context switch.
	if p.activeCtr.Load() != 0 {
		for {
			p.waitQ.WaitFor(activeDrained)
			p.waitQ.Ack(activeDrained)
			if p.activeCtr.Load() == 0 {
				break
			}
		}
	}

	// Authorize callbacks enqueued at versions earlier than this grace
	// period to run. A concurrent synchronizer with a later version may
	// already have finished, so only ever advance cbVersion.
	publish(&p.cbVersion, version)
	p.mtx.Unlock()
}

// handler is the cross-call target: acknowledge the current grace period on
// behalf of cpu unless a read-side critical section is in flight there, in
// which case the reader will report itself on its unlock.
func (p *PRCU) handler(cpu int) {
	local := p.local.Get(cpu)
	if local.locked.Load() == 0 {
		p.report(local)
	}
}
