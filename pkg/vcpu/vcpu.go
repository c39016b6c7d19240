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

// Package vcpu emulates a small multiprocessor: a fixed set of virtual
// processors with cross-processor calls, per-processor interrupt exclusion,
// a deferred-work (softirq) dispatch, and an optional periodic tick. It
// implements prcu.Platform.
//
// Interrupt context on a virtual processor is modeled as holding that
// processor's irq lock: cross calls, the softirq handler, and ticks all run
// under it, and IrqDisable sections exclude them, preserving the semantics
// the handlers were written against.
//
// Task placement is the embedder's job, as it is a scheduler's on real
// hardware. A goroutine bound to a processor with Bind (or spawned with Go)
// is that processor's task context: at most one bound goroutine per
// processor may be runnable at a time, and a goroutine migrating between
// processors must run its scheduler hooks before rebinding. Unbound
// goroutines get a best-effort processor identity derived from the runtime
// processor they happen to occupy; that is only sound when the machine has
// one virtual processor per runtime processor.
package vcpu

import (
	"runtime"
	"time"

	"prcu.dev/prcu/pkg/atomicbitops"
	"prcu.dev/prcu/pkg/percpu"
	"prcu.dev/prcu/pkg/sync"
	"prcu.dev/prcu/pkg/syncevent"
)

// Softirq worker events.
const (
	softirqRaised syncevent.Set = 1 << iota
	softirqStop
)

// cpuState is the emulation state of one virtual processor.
type cpuState struct {
	// irqmu is the processor's interrupt exclusion: held by any work
	// standing in for interrupt context, and by IrqDisable sections.
	irqmu sync.Mutex

	// softirq wakes the processor's deferred-work worker.
	softirq syncevent.Waiter

	// online is the processor's hotplug state. Racy accessors are never
	// used; transitions are rare and fully atomic.
	online atomicbitops.Bool
}

// Machine is an emulated multiprocessor. It implements prcu.Platform.
//
// Machine must be created by New and must not be copied.
type Machine struct {
	_ sync.NoCopy

	numCPU int
	cpus   *percpu.Slots[cpuState]

	// affinity maps a bound goroutine's id to its processor.
	affinity sync.Map

	// softirqOpen guards against double registration.
	softirqOpen atomicbitops.Bool

	shutdownOnce sync.Once
	shutdownC    chan struct{}
	wg           sync.WaitGroup
}

// New returns a Machine with n virtual processors, all online. If n is not
// positive, one processor per runtime processor is used.
func New(n int) *Machine {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	m := &Machine{
		numCPU:    n,
		cpus:      percpu.New[cpuState](n),
		shutdownC: make(chan struct{}),
	}
	m.cpus.Do(func(_ int, c *cpuState) {
		c.softirq.Init()
		c.online.Store(true)
	})
	return m
}

// NumCPU implements prcu.Platform.NumCPU.
func (m *Machine) NumCPU() int {
	return m.numCPU
}

// Pin implements prcu.Platform.Pin. For a bound goroutine it returns the
// bound processor, which cannot change until Unbind. For an unbound
// goroutine it returns the current runtime processor reduced into range.
func (m *Machine) Pin() int {
	if cpu, ok := m.affinity.Load(goroutineID()); ok {
		return cpu.(int)
	}
	return percpu.CurrentID() % m.numCPU
}

// Unpin implements prcu.Platform.Unpin. Stability of the processor identity
// is provided by binding, so there is nothing to undo.
func (m *Machine) Unpin() {}

// Bind makes the calling goroutine cpu's task context until Unbind. At most
// one bound goroutine per processor may be runnable at a time; enforcing
// that is the caller's scheduling discipline.
func (m *Machine) Bind(cpu int) {
	if cpu < 0 || cpu >= m.numCPU {
		panic("vcpu.Bind: cpu out of range")
	}
	m.affinity.Store(goroutineID(), cpu)
}

// Unbind releases the calling goroutine's binding.
func (m *Machine) Unbind() {
	m.affinity.Delete(goroutineID())
}

// Go runs fn on a new goroutine bound to cpu.
func (m *Machine) Go(cpu int, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Bind(cpu)
		defer m.Unbind()
		fn()
	}()
}

// IrqDisable implements prcu.Platform.IrqDisable.
func (m *Machine) IrqDisable(cpu int) {
	m.cpus.Get(cpu).irqmu.Lock()
}

// IrqEnable implements prcu.Platform.IrqEnable.
func (m *Machine) IrqEnable(cpu int) {
	m.cpus.Get(cpu).irqmu.Unlock()
}

// CrossCall implements prcu.Platform.CrossCall.
func (m *Machine) CrossCall(cpu int, fn func(), wait bool) {
	c := m.cpus.Get(cpu)
	if wait {
		c.irqmu.Lock()
		fn()
		c.irqmu.Unlock()
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.irqmu.Lock()
		fn()
		c.irqmu.Unlock()
	}()
}

// OpenSoftirq implements prcu.Platform.OpenSoftirq. It starts one
// deferred-work worker per processor.
func (m *Machine) OpenSoftirq(fn func(cpu int)) {
	if m.softirqOpen.Swap(true) {
		panic("vcpu.OpenSoftirq: handler already registered")
	}
	m.wg.Add(m.numCPU)
	for i := 0; i < m.numCPU; i++ {
		go m.softirqLoop(i, fn)
	}
}

func (m *Machine) softirqLoop(cpu int, fn func(cpu int)) {
	defer m.wg.Done()
	c := m.cpus.Get(cpu)
	for {
		events := c.softirq.Wait()
		c.softirq.Ack(events)
		if events&softirqStop != 0 {
			return
		}
		c.irqmu.Lock()
		fn(cpu)
		c.irqmu.Unlock()
	}
}

// RaiseSoftirq implements prcu.Platform.RaiseSoftirq.
func (m *Machine) RaiseSoftirq(cpu int) {
	m.cpus.Get(cpu).softirq.Notify(softirqRaised)
}

// CPUOnline implements prcu.Platform.CPUOnline.
func (m *Machine) CPUOnline(cpu int) bool {
	if cpu < 0 || cpu >= m.numCPU {
		return false
	}
	return m.cpus.Get(cpu).online.Load()
}

// SetCPUOnline changes cpu's hotplug state. It does not migrate pending
// work; callers that take a processor offline are responsible for its
// callback queue, as on real hardware.
func (m *Machine) SetCPUOnline(cpu int, online bool) {
	m.cpus.Get(cpu).online.Store(online)
}

// OpenTick starts a periodic per-processor tick that runs fn(cpu) in
// interrupt context on every online processor.
func (m *Machine) OpenTick(every time.Duration, fn func(cpu int)) {
	m.wg.Add(m.numCPU)
	for i := 0; i < m.numCPU; i++ {
		go m.tickLoop(i, every, fn)
	}
}

func (m *Machine) tickLoop(cpu int, every time.Duration, fn func(cpu int)) {
	defer m.wg.Done()
	c := m.cpus.Get(cpu)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdownC:
			return
		case <-ticker.C:
			if !c.online.Load() {
				continue
			}
			c.irqmu.Lock()
			fn(cpu)
			c.irqmu.Unlock()
		}
	}
}

// Shutdown stops the machine's workers and waits for in-flight cross calls,
// softirqs and ticks to finish. The machine must not be used afterwards.
func (m *Machine) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownC)
		m.cpus.Do(func(_ int, c *cpuState) {
			c.softirq.Notify(softirqStop)
		})
	})
	m.wg.Wait()
}
