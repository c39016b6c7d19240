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

package vcpu

import (
	"runtime"
)

// goroutineID returns the calling goroutine's id by parsing the first line
// of its stack trace, which has the stable format "goroutine 123 [...]:".
// This is slow but portable. Machine.Pin calls it on every invocation, so
// it also sits on the reader fast path.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

// parseGoroutineID extracts the numeric id from a stack trace header.
// It returns 0 if the header does not have the expected shape.
func parseGoroutineID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) <= len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var id int64
	for _, b := range buf[len(prefix):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
	}
	return id
}
