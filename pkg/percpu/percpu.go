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

// Package percpu provides stable, cacheline-padded storage slots indexed by
// processor id.
//
// Slots are allocated once and never move, so a *T obtained from Get remains
// valid for the lifetime of the Slots. Padding prevents false sharing between
// slots owned by different processors.
package percpu

import (
	"golang.org/x/sys/cpu"
)

// slot pads each value out to its own cache lines.
type slot[T any] struct {
	value T
	_     cpu.CacheLinePad
}

// Slots is a fixed-size array of per-processor values of type T.
type Slots[T any] struct {
	_     cpu.CacheLinePad // prevent false sharing with neighboring allocations
	slots []slot[T]
	_     cpu.CacheLinePad
}

// New returns Slots with n zero-valued slots. n must be positive.
func New[T any](n int) *Slots[T] {
	if n <= 0 {
		panic("percpu.New: non-positive slot count")
	}
	return &Slots[T]{slots: make([]slot[T], n)}
}

// Len returns the number of slots.
func (s *Slots[T]) Len() int {
	return len(s.slots)
}

// Get returns the value for processor cpu. Get panics if cpu is out of
// range; it never returns nil.
func (s *Slots[T]) Get(cpu int) *T {
	return &s.slots[cpu].value
}

// Do runs fn on every slot in index order.
func (s *Slots[T]) Do(fn func(cpu int, v *T)) {
	for i := range s.slots {
		fn(i, &s.slots[i].value)
	}
}
