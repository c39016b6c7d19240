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

// Platform supplies the processor-level facilities that PRCU consumes but
// does not define: processor identity, cross-processor calls, local
// interrupt exclusion, and deferred-work dispatch. pkg/vcpu provides an
// emulated implementation.
//
// The platform, together with its scheduler, must uphold the machine model
// PRCU is written against:
//
//   - At most one task context runs on a given processor at a time.
//   - A task is taken off a processor only after NoteContextSwitch has run
//     there.
//   - Interrupt-context work on a processor (cross calls, the softirq
//     handler, ticks) is mutually exclusive with IrqDisable sections on
//     that processor.
type Platform interface {
	// NumCPU returns the number of possible processors. It is constant for
	// the lifetime of the platform.
	NumCPU() int

	// Pin returns the processor the calling task runs on and, where the
	// platform supports it, prevents migration until Unpin. Pin never
	// blocks.
	Pin() int

	// Unpin ends the window opened by the matching Pin.
	Unpin()

	// IrqDisable excludes interrupt-context work on cpu until IrqEnable.
	// It may block while such work is in flight.
	IrqDisable(cpu int)

	// IrqEnable undoes IrqDisable.
	IrqEnable(cpu int)

	// CrossCall runs fn on cpu with that processor's interrupts disabled.
	// If wait is true, CrossCall returns only after fn has run; otherwise
	// fn runs with bounded latency after CrossCall returns.
	CrossCall(cpu int, fn func(), wait bool)

	// OpenSoftirq registers fn as the deferred-work handler. After a call
	// to RaiseSoftirq(cpu), fn(cpu) runs on cpu with interrupts disabled.
	// OpenSoftirq is called at most once.
	OpenSoftirq(fn func(cpu int))

	// RaiseSoftirq schedules the registered deferred-work handler to run
	// on cpu. It never blocks and may be called with interrupts disabled.
	RaiseSoftirq(cpu int)

	// CPUOnline reports whether cpu is online.
	CPUOnline(cpu int) bool
}
