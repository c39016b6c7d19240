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

// RCU is the operation set shared by the full implementation and the
// disabled rendition, for embedders that select between them at boot.
type RCU interface {
	ReadLock()
	ReadUnlock()
	Synchronize()
	Call(head *Callback, fn CallbackFunc)
	Barrier()
	NoteContextSwitch()
	Pending() bool
	CheckCallbacks()
}

var (
	_ RCU = (*PRCU)(nil)
	_ RCU = (*Noop)(nil)
)

// Noop is the disabled rendition: every operation is a no-op, matching a
// build with PRCU compiled out. Callbacks registered on a Noop are invoked
// synchronously, since no reader can exist to defer for.
type Noop struct{}

// ReadLock implements RCU.ReadLock.
func (*Noop) ReadLock() {}

// ReadUnlock implements RCU.ReadUnlock.
func (*Noop) ReadUnlock() {}

// Synchronize implements RCU.Synchronize.
func (*Noop) Synchronize() {}

// Call implements RCU.Call.
func (*Noop) Call(head *Callback, fn CallbackFunc) {
	if head == nil || fn == nil {
		return
	}
	head.fn = fn
	fn(head)
}

// Barrier implements RCU.Barrier.
func (*Noop) Barrier() {}

// NoteContextSwitch implements RCU.NoteContextSwitch.
func (*Noop) NoteContextSwitch() {}

// Pending implements RCU.Pending.
func (*Noop) Pending() bool { return false }

// CheckCallbacks implements RCU.CheckCallbacks.
func (*Noop) CheckCallbacks() {}
