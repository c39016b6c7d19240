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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"prcu.dev/prcu/pkg/atomicbitops"
	"prcu.dev/prcu/pkg/vcpu"
)

const testCPUs = 8

func newTestDomain(t *testing.T) (*Machine, *PRCU) {
	t.Helper()
	m := vcpu.New(testCPUs)
	p := New(m)
	t.Cleanup(m.Shutdown)
	return m, p
}

// Machine is aliased for brevity in test signatures.
type Machine = vcpu.Machine

// drain runs the callback drainer synchronously on cpu.
func drain(m *Machine, p *PRCU, cpu int) {
	m.CrossCall(cpu, func() { p.processCallbacks(cpu) }, true)
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// assertBlocked fails the test if done is closed within a grace window.
func assertBlocked(t *testing.T, what string, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
		t.Fatalf("%s returned early", what)
	case <-time.After(50 * time.Millisecond):
	}
}

// localSnapshot is a comparable copy of a processor's state.
type localSnapshot struct {
	Locked    uint32
	Online    uint32
	Version   uint64
	CBVersion uint64
	ListLen   int64
}

func snapshot(p *PRCU, cpu int) localSnapshot {
	local := p.local.Get(cpu)
	return localSnapshot{
		Locked:    local.locked.Load(),
		Online:    local.online.Load(),
		Version:   local.version.Load(),
		CBVersion: local.cbVersion.Load(),
		ListLen:   local.cblist.len.Load(),
	}
}

func TestQuiescentSynchronize(t *testing.T) {
	m, p := newTestDomain(t)

	before := p.globalVersion.Load()
	m.Bind(0)
	p.Synchronize()
	m.Unbind()

	if got, want := p.globalVersion.Load(), before+1; got != want {
		t.Errorf("globalVersion: got %d, want %d", got, want)
	}
	if got, want := p.cbVersion.Load(), p.globalVersion.Load(); got != want {
		t.Errorf("cbVersion: got %d, want %d", got, want)
	}
	version := p.globalVersion.Load()
	for cpu := 0; cpu < m.NumCPU(); cpu++ {
		local := p.local.Get(cpu)
		if local.online.Load() != 0 && local.version.Load() < version {
			t.Errorf("cpu %d: version %d < %d after Synchronize", cpu, local.version.Load(), version)
		}
	}
}

func TestSynchronizeWaitsForReader(t *testing.T) {
	m, p := newTestDomain(t)

	locked := make(chan struct{})
	unlock := make(chan struct{})
	readerDone := make(chan struct{})
	m.Go(3, func() {
		p.ReadLock()
		close(locked)
		<-unlock
		p.ReadUnlock()
		close(readerDone)
	})
	<-locked

	syncDone := make(chan struct{})
	m.Go(0, func() {
		p.Synchronize()
		close(syncDone)
	})

	assertBlocked(t, "Synchronize with reader on cpu 3", syncDone)

	close(unlock)
	<-readerDone
	waitFor(t, "Synchronize to return", func() bool {
		select {
		case <-syncDone:
			return true
		default:
			return false
		}
	})

	if got, want := p.local.Get(3).version.Load(), p.globalVersion.Load(); got < want {
		t.Errorf("cpu 3 version: got %d, want >= %d", got, want)
	}
}

func TestPreemptedReaderMigrates(t *testing.T) {
	m, p := newTestDomain(t)

	// A reader on cpu 3 enters at depth 2 and is context-switched.
	m.Bind(3)
	p.ReadLock()
	p.ReadLock()
	p.NoteContextSwitch()
	m.Unbind()

	if got, want := p.activeCtr.Load(), int32(2); got != want {
		t.Fatalf("activeCtr after context switch: got %d, want %d", got, want)
	}
	if got := p.local.Get(3).online.Load(); got != 0 {
		t.Fatalf("cpu 3 online after context switch: got %d, want 0", got)
	}
	if got := p.local.Get(3).locked.Load(); got != 0 {
		t.Fatalf("cpu 3 locked after context switch: got %d, want 0", got)
	}

	syncDone := make(chan struct{})
	m.Go(0, func() {
		p.Synchronize()
		close(syncDone)
	})
	assertBlocked(t, "Synchronize with donated readers", syncDone)

	// The reader, migrated to cpu 5, leaves both nesting levels.
	m.Bind(5)
	p.ReadUnlock()
	if got, want := p.activeCtr.Load(), int32(1); got != want {
		t.Errorf("activeCtr after first unlock: got %d, want %d", got, want)
	}
	p.ReadUnlock()
	m.Unbind()

	waitFor(t, "Synchronize to return", func() bool {
		select {
		case <-syncDone:
			return true
		default:
			return false
		}
	})
	if got := p.activeCtr.Load(); got != 0 {
		t.Errorf("activeCtr after migrated unlocks: got %d, want 0", got)
	}
}

func TestCallbackOrdering(t *testing.T) {
	m, p := newTestDomain(t)

	var fired []string
	var a, b Callback
	m.Bind(0)
	p.Call(&a, func(*Callback) { fired = append(fired, "a") })
	p.Synchronize()
	p.Call(&b, func(*Callback) { fired = append(fired, "b") })
	m.Unbind()

	drain(m, p, 0)
	if diff := cmp.Diff([]string{"a"}, fired); diff != "" {
		t.Errorf("fired callbacks after one grace period (-want +got):\n%s", diff)
	}

	// Without a further grace period, b stays queued no matter how often
	// the drainer runs.
	drain(m, p, 0)
	if diff := cmp.Diff([]string{"a"}, fired); diff != "" {
		t.Errorf("fired callbacks after redundant drain (-want +got):\n%s", diff)
	}

	m.Bind(0)
	p.Synchronize()
	m.Unbind()
	drain(m, p, 0)
	if diff := cmp.Diff([]string{"a", "b"}, fired); diff != "" {
		t.Errorf("fired callbacks after second grace period (-want +got):\n%s", diff)
	}
}

func TestBarrierFlushesAllCallbacks(t *testing.T) {
	m, p := newTestDomain(t)

	const callbacksPerCPU = 100 / testCPUs
	type counted struct {
		Callback
		invocations atomicbitops.Uint32
	}
	var cbs [testCPUs][callbacksPerCPU]counted

	done := make(chan struct{}, testCPUs)
	for cpu := 0; cpu < testCPUs; cpu++ {
		cpu := cpu
		m.Go(cpu, func() {
			for i := range cbs[cpu] {
				cb := &cbs[cpu][i]
				p.Call(&cb.Callback, func(*Callback) {
					cb.invocations.Add(1)
				})
			}
			done <- struct{}{}
		})
	}
	for i := 0; i < testCPUs; i++ {
		<-done
	}

	p.Barrier()

	for cpu := range cbs {
		for i := range cbs[cpu] {
			if got := cbs[cpu][i].invocations.Load(); got != 1 {
				t.Errorf("callback %d on cpu %d: %d invocations, want 1", i, cpu, got)
			}
		}
	}
}

func TestBarrierWithoutCallbacksReturnsPromptly(t *testing.T) {
	_, p := newTestDomain(t)

	done := make(chan struct{})
	go func() {
		p.Barrier()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Barrier with no pending callbacks did not return")
	}
}

func TestConcurrentSynchronizers(t *testing.T) {
	m, p := newTestDomain(t)

	before := p.globalVersion.Load()
	done := make(chan struct{}, 2)
	m.Go(1, func() {
		p.Synchronize()
		done <- struct{}{}
	})
	m.Go(2, func() {
		p.Synchronize()
		done <- struct{}{}
	})
	<-done
	<-done

	if got, want := p.globalVersion.Load(), before+2; got != want {
		t.Errorf("globalVersion: got %d, want %d", got, want)
	}
	if got, want := p.cbVersion.Load(), before+2; got != want {
		t.Errorf("cbVersion: got %d, want %d", got, want)
	}
}

func TestNestedReadersLeaveStateUnchanged(t *testing.T) {
	m, p := newTestDomain(t)

	m.Bind(4)
	defer m.Unbind()

	// Enter and leave once so online and version settle first.
	p.ReadLock()
	p.ReadUnlock()

	before := snapshot(p, 4)
	const depth = 5
	for i := 0; i < depth; i++ {
		p.ReadLock()
	}
	if got, want := p.local.Get(4).locked.Load(), uint32(depth); got != want {
		t.Errorf("locked at depth %d: got %d, want %d", depth, got, want)
	}
	for i := 0; i < depth; i++ {
		p.ReadUnlock()
	}
	after := snapshot(p, 4)

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("processor state changed across balanced nesting (-before +after):\n%s", diff)
	}
	if got := p.activeCtr.Load(); got != 0 {
		t.Errorf("activeCtr: got %d, want 0", got)
	}
}

func TestBalancedPairPublishesLatestVersion(t *testing.T) {
	m, p := newTestDomain(t)

	m.Bind(0)
	p.Synchronize()
	m.Unbind()
	version := p.globalVersion.Load()

	m.Bind(6)
	p.ReadLock()
	p.ReadUnlock()
	m.Unbind()

	if got := p.local.Get(6).version.Load(); got < version {
		t.Errorf("cpu 6 version after balanced pair: got %d, want >= %d", got, version)
	}
}

func TestBackToBackSynchronize(t *testing.T) {
	m, p := newTestDomain(t)

	m.Bind(0)
	defer m.Unbind()
	p.Synchronize()
	first := p.cbVersion.Load()
	p.Synchronize()
	second := p.cbVersion.Load()
	if second <= first {
		t.Errorf("cbVersion not strictly increasing: %d then %d", first, second)
	}
}

func TestPendingAndCheckCallbacks(t *testing.T) {
	m, p := newTestDomain(t)

	fired := atomicbitops.FromUint32(0)
	var cb Callback

	m.Bind(2)
	if p.Pending() {
		t.Error("Pending with empty list: got true, want false")
	}
	p.Call(&cb, func(*Callback) { fired.Store(1) })
	if p.Pending() {
		t.Error("Pending before any grace period: got true, want false")
	}
	p.Synchronize()
	if !p.Pending() {
		t.Error("Pending after grace period: got false, want true")
	}
	p.CheckCallbacks()
	m.Unbind()

	waitFor(t, "callback to fire via softirq", func() bool { return fired.Load() == 1 })

	m.Bind(2)
	if p.Pending() {
		t.Error("Pending after drain: got true, want false")
	}
	m.Unbind()
}

func TestDrainerSkipsOfflineCPU(t *testing.T) {
	m, p := newTestDomain(t)

	fired := atomicbitops.FromUint32(0)
	var cb Callback
	m.Bind(1)
	p.Call(&cb, func(*Callback) { fired.Store(1) })
	p.Synchronize()
	m.Unbind()

	m.SetCPUOnline(1, false)
	drain(m, p, 1)
	if fired.Load() != 0 {
		t.Fatal("drainer invoked callbacks on an offline cpu")
	}
	if got, want := p.local.Get(1).cblist.len.Load(), int64(1); got != want {
		t.Errorf("offline cpu list length: got %d, want %d", got, want)
	}

	m.SetCPUOnline(1, true)
	drain(m, p, 1)
	if fired.Load() != 1 {
		t.Error("callback did not fire after the cpu came back online")
	}
}

func TestNoop(t *testing.T) {
	var n Noop

	n.ReadLock()
	n.ReadUnlock()
	n.Synchronize()
	n.NoteContextSwitch()
	n.Barrier()
	n.CheckCallbacks()
	if n.Pending() {
		t.Error("Noop.Pending: got true, want false")
	}

	var cb Callback
	fired := false
	n.Call(&cb, func(*Callback) { fired = true })
	if !fired {
		t.Error("Noop.Call did not invoke the callback synchronously")
	}
}
