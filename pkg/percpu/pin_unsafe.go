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

//go:build go1.21

// Check go:linkname function signatures when updating Go version.

package percpu

import (
	_ "unsafe" // for go:linkname
)

// Pin pins the calling goroutine to its current runtime processor,
// preventing preemption and migration until Unpin is called, and returns
// that processor's id in [0, GOMAXPROCS).
//
// The caller must not block between Pin and Unpin.
//
//go:nosplit
func Pin() int {
	return procPin()
}

// Unpin undoes a previous call to Pin.
//
//go:nosplit
func Unpin() {
	procUnpin()
}

// CurrentID returns the id of the runtime processor the caller happens to be
// running on. The goroutine may be migrated at any time, so the result is
// only a locality hint unless the caller prevents migration by other means.
func CurrentID() int {
	id := procPin()
	procUnpin()
	return id
}

//go:linkname procPin runtime.procPin
func procPin() int

//go:linkname procUnpin runtime.procUnpin
func procUnpin()
