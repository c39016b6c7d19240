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

// NoteContextSwitch must be called by the scheduler on the current
// processor, before the running task is taken off it. Any in-flight
// read-side nesting depth is donated to the global pool, where the matching
// ReadUnlock calls (possibly on other processors) will settle it; the
// processor is marked offline and reported as quiescent for the current
// grace period.
func (p *PRCU) NoteContextSwitch() {
	cpu := p.plat.Pin()
	local := p.local.Get(cpu)
	if locked := local.locked.Load(); locked != 0 {
		p.activeCtr.Add(int32(locked))
		local.locked.Store(0)
	}
	local.online.Store(0)
	p.report(local)
	p.plat.Unpin()
}
