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
	"prcu.dev/prcu/pkg/atomicbitops"
	"prcu.dev/prcu/pkg/log"
)

// CallbackFunc is invoked with the Callback it was registered on, after the
// grace period that authorizes it has ended. It runs in deferred-work
// context with the local processor's interrupts disabled and must not block.
type CallbackFunc func(*Callback)

// Callback is a deferred-invocation record. Embed it in the structure to be
// reclaimed and recover that structure in the CallbackFunc.
//
// A Callback is owned by a processor's callback list from Call until the
// drainer dequeues and invokes it; it must not be reused before then.
type Callback struct {
	next *Callback
	fn   CallbackFunc
}

// versionHead carries the grace-period version a callback was enqueued at.
// It rides a parallel FIFO kept in lockstep with the callback list.
type versionHead struct {
	next    *versionHead
	version uint64
}

// cblist is a pair of singly-linked FIFOs, one of callbacks and one of
// version heads, sharing head/tail indirection so that append is O(1) and
// dequeue pops both fronts in lockstep.
//
// All fields except len are guarded by the owning processor's interrupt
// exclusion. len additionally allows racy-but-atomic reads from Pending.
type cblist struct {
	head        *Callback
	tail        **Callback
	versionHead *versionHead
	versionTail **versionHead
	len         atomicbitops.Int64
}

func (l *cblist) init() {
	l.head = nil
	l.tail = &l.head
	l.versionHead = nil
	l.versionTail = &l.versionHead
	l.len.Store(0)
}

// enqueue appends a callback and its version head to the tails.
func (l *cblist) enqueue(head *Callback, vh *versionHead) {
	l.len.Add(1)
	*l.tail = head
	l.tail = &head.next
	*l.versionTail = vh
	l.versionTail = &vh.next
}

// dequeue pops the oldest callback and its version head. It returns nil if
// the list is empty.
func (l *cblist) dequeue() (*Callback, *versionHead) {
	head := l.head
	if head == nil {
		if l.versionHead != nil || l.len.Load() != 0 {
			log.Warningf("prcu: corrupt callback list: empty head with versionHead=%p len=%d", l.versionHead, l.len.Load())
		}
		return nil, nil
	}

	vh := l.versionHead
	l.versionHead = vh.next
	l.head = head.next
	l.len.Add(-1)

	if l.head == nil {
		l.tail = &l.head
		l.versionTail = &l.versionHead
	}

	return head, vh
}
