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

package syncevent

import (
	"prcu.dev/prcu/pkg/atomicbitops"
)

// Waiter allows a goroutine to block on pending events received by a
// Receiver-like pending set.
//
// Waiter.Init() must be called before first use. At most one goroutine may
// call a blocking method (Wait, WaitFor, WaitAndAckAll) at a time; any number
// of goroutines may call Notify, Ack, and Pending concurrently.
type Waiter struct {
	// pending is the set of pending events.
	pending atomicbitops.Uint64

	// wakeup is signaled (with a buffer of one) whenever pending
	// transitions in a way a waiter may care about.
	wakeup chan struct{}
}

// Init must be called before first use of w. It may be called again to reuse
// w, provided that no goroutine is blocked in a Wait variant; doing so resets
// the pending set.
func (w *Waiter) Init() {
	w.pending.Store(0)
	w.wakeup = make(chan struct{}, 1)
}

// Wait blocks until at least one event is pending, then returns the set of
// pending events. It does not affect the set of pending events; callers must
// call Ack to do so.
func (w *Waiter) Wait() Set {
	return w.WaitFor(AllEvents)
}

// WaitFor blocks until at least one event in es is pending, then returns the
// set of all pending events (including those not in es). It does not affect
// the set of pending events; callers must call Ack to do so.
func (w *Waiter) WaitFor(es Set) Set {
	for {
		p := Set(w.pending.Load())
		if p&es != NoEvents {
			return p
		}
		<-w.wakeup
	}
}

// WaitAndAckAll blocks until at least one event is pending, then marks all
// events as not pending and returns the set of previously-pending events.
func (w *Waiter) WaitAndAckAll() Set {
	for {
		if p := Set(w.pending.Swap(0)); p != NoEvents {
			return p
		}
		<-w.wakeup
	}
}

// Notify marks the given events as pending, possibly unblocking a concurrent
// call to a Wait variant. Notify never blocks.
func (w *Waiter) Notify(es Set) {
	for {
		p := w.pending.Load()
		if p|uint64(es) == p {
			break
		}
		if w.pending.CompareAndSwap(p, p|uint64(es)) {
			break
		}
	}
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

// Ack marks the given events as not pending.
func (w *Waiter) Ack(es Set) {
	for {
		p := w.pending.Load()
		if w.pending.CompareAndSwap(p, p&^uint64(es)) {
			return
		}
	}
}

// Pending returns the set of pending events.
func (w *Waiter) Pending() Set {
	return Set(w.pending.Load())
}
