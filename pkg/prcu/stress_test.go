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

	"golang.org/x/sync/errgroup"

	"prcu.dev/prcu/pkg/atomicbitops"
	"prcu.dev/prcu/pkg/vcpu"
)

// TestStress runs readers, a writer, callback registration and the tick
// concurrently, then checks the quiescent-state bookkeeping and the
// callback ledger balance out.
func TestStress(t *testing.T) {
	duration := 2 * time.Second
	if testing.Short() {
		duration = 200 * time.Millisecond
	}

	m := vcpu.New(testCPUs)
	p := New(m)
	defer m.Shutdown()
	m.OpenTick(time.Millisecond, p.Tick)

	var (
		queued      atomicbitops.Uint64
		fired       atomicbitops.Uint64
		regressions atomicbitops.Uint64
	)
	stop := make(chan struct{})

	var g errgroup.Group
	for cpu := 1; cpu < testCPUs; cpu++ {
		cpu := cpu
		g.Go(func() error {
			m.Bind(cpu)
			defer m.Unbind()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return nil
				default:
				}
				depth := 1 + i%3
				for d := 0; d < depth; d++ {
					p.ReadLock()
				}
				if i%64 == 63 {
					p.NoteContextSwitch()
				}
				for d := 0; d < depth; d++ {
					p.ReadUnlock()
				}
				queued.Add(1)
				p.Call(&Callback{}, func(*Callback) { fired.Add(1) })
			}
		})
	}
	g.Go(func() error {
		m.Bind(0)
		defer m.Unbind()
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			p.Synchronize()
		}
	})

	// Sample every processor's acknowledged version; it must never move
	// backwards.
	g.Go(func() error {
		last := make([]uint64, testCPUs)
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			for cpu := 0; cpu < testCPUs; cpu++ {
				v := p.local.Get(cpu).version.Load()
				if v < last[cpu] {
					regressions.Add(1)
				}
				last[cpu] = v
			}
			time.Sleep(100 * time.Microsecond)
		}
	})

	time.Sleep(duration)
	close(stop)
	g.Wait()

	p.Barrier()

	if got := p.activeCtr.Load(); got != 0 {
		t.Errorf("activeCtr after quiescence: got %d, want 0", got)
	}
	if got, want := fired.Load(), queued.Load(); got != want {
		t.Errorf("callback ledger: %d fired, %d queued", got, want)
	}
	if got := regressions.Load(); got != 0 {
		t.Errorf("observed %d processor version regressions", got)
	}
	for cpu := 0; cpu < testCPUs; cpu++ {
		if got := p.local.Get(cpu).cblist.len.Load(); got != 0 {
			t.Errorf("cpu %d: %d callbacks left after Barrier", cpu, got)
		}
		if local, global := p.local.Get(cpu).cbVersion.Load(), p.cbVersion.Load(); local > global {
			t.Errorf("cpu %d: local cbVersion %d ahead of global %d", cpu, local, global)
		}
	}
	if queued.Load() == 0 {
		t.Error("stress loop made no progress")
	}
}
