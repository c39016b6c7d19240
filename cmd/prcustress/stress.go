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

package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"prcu.dev/prcu/pkg/atomicbitops"
	"prcu.dev/prcu/pkg/flag"
	"prcu.dev/prcu/pkg/log"
	"prcu.dev/prcu/pkg/prcu"
	"prcu.dev/prcu/pkg/vcpu"
)

// pair is the torture payload: both halves are written together before
// publication, so a reader that observes them differing has read freed
// state.
type pair struct {
	x uint64
	y uint64
}

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	cpus        int
	duration    time.Duration
	tick        time.Duration
	syncEvery   int
	switchEvery int
	nest        int
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "torture a PRCU domain with readers, writers, callbacks and a barrier"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return "stress [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *stressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.cpus, "cpus", 0, "number of virtual processors (0 = one per runtime processor).")
	f.DurationVar(&c.duration, "duration", 10*time.Second, "how long to run.")
	f.DurationVar(&c.tick, "tick", time.Millisecond, "periodic tick interval driving the callback drainer.")
	f.IntVar(&c.syncEvery, "sync-every", 128, "iterations between grace periods on the writer processor.")
	f.IntVar(&c.switchEvery, "switch-every", 64, "iterations between simulated preemptions of a reader.")
	f.IntVar(&c.nest, "nest", 3, "maximum read-side nesting depth.")
}

// Execute implements subcommands.Command.Execute.
func (c *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if c.nest < 1 {
		c.nest = 1
	}
	m := vcpu.New(c.cpus)
	p := prcu.New(m)
	m.OpenTick(c.tick, p.Tick)

	var (
		current    atomic.Pointer[pair]
		generation uint64

		reads        atomicbitops.Uint64
		gracePeriods atomicbitops.Uint64
		queued       atomicbitops.Uint64
		fired        atomicbitops.Uint64
		mismatches   atomicbitops.Uint64
	)
	current.Store(&pair{})

	deadline := time.Now().Add(c.duration)
	numCPU := m.NumCPU()
	log.Infof("prcustress: %d processors, %v", numCPU, c.duration)

	var g errgroup.Group
	for cpu := 0; cpu < numCPU; cpu++ {
		cpu := cpu
		g.Go(func() error {
			m.Bind(cpu)
			defer m.Unbind()
			for i := 0; time.Now().Before(deadline); i++ {
				depth := 1 + i%c.nest
				for d := 0; d < depth; d++ {
					p.ReadLock()
				}
				pr := current.Load()
				if pr.x != pr.y {
					mismatches.Add(1)
				}
				if c.switchEvery > 0 && i%c.switchEvery == c.switchEvery-1 {
					// Simulate preemption mid-critical-section; the
					// unlocks below settle the donated depth.
					p.NoteContextSwitch()
				}
				for d := 0; d < depth; d++ {
					p.ReadUnlock()
				}
				reads.Add(1)

				head := &prcu.Callback{}
				queued.Add(1)
				p.Call(head, func(*prcu.Callback) {
					fired.Add(1)
				})

				// The writer processor retires the published payload with
				// a full grace period, then poisons it.
				if cpu == 0 && i%c.syncEvery == c.syncEvery-1 {
					generation++
					old := current.Swap(&pair{x: generation, y: generation})
					p.Synchronize()
					gracePeriods.Add(1)
					old.x = ^uint64(0)
				}
			}
			return nil
		})
	}
	g.Wait()

	// Every callback registered above must fire before Barrier returns.
	p.Barrier()
	m.Shutdown()

	log.Infof("prcustress: %d reads, %d grace periods, %d/%d callbacks, %d mismatches",
		reads.Load(), gracePeriods.Load(), fired.Load(), queued.Load(), mismatches.Load())
	if mismatches.Load() != 0 || fired.Load() != queued.Load() {
		log.Warningf("prcustress: FAILURE")
		return subcommands.ExitFailure
	}
	log.Infof("prcustress: OK")
	return subcommands.ExitSuccess
}
