// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// collectInterval is the slice length of every collect loop. Stop
// requests and process exit are only observed at slice boundaries.
const collectInterval = 100 * time.Millisecond

// sliceFor clamps the interval to the remaining collect time.
func sliceFor(remained time.Duration, unlimited bool) time.Duration {
	if !unlimited && remained < collectInterval {
		return remained
	}
	return collectInterval
}

// doCollectCounting enables the events once and sleeps out the whole
// duration in slices, draining a single time at the end. Counters
// accumulate in the kernel, so no per-slice drain is needed.
func (g *Registry) doCollectCounting(pd int, ms int) error {
	remained := time.Duration(ms) * time.Millisecond
	unlimited := ms == -1

	g.start(pd)
	for remained > 0 || unlimited {
		interval := sliceFor(remained, unlimited)
		time.Sleep(interval)

		if !g.isRunning(pd) {
			break
		}
		if g.allDead(pd) {
			break
		}
		remained -= interval
	}
	g.pause(pd)
	return g.readToBuffer(pd)
}

// doCollectSampling runs an enable/sleep/disable/drain cycle per
// slice: sampling rings are bounded and must be drained to avoid
// loss.
func (g *Registry) doCollectSampling(pd int, ms int) error {
	remained := time.Duration(ms) * time.Millisecond
	unlimited := ms == -1

	for remained > 0 || unlimited {
		interval := sliceFor(remained, unlimited)

		g.start(pd)
		time.Sleep(interval)
		g.pause(pd)

		if err := g.readToBuffer(pd); err != nil {
			return err
		}

		if g.allDead(pd) {
			break
		}
		if !g.isRunning(pd) {
			break
		}
		remained -= interval
	}
	return nil
}

func (g *Registry) doCollect(pd int, ms int) error {
	if t, _ := g.taskType(pd); t == Counting {
		return g.doCollectCounting(pd, ms)
	}
	return g.doCollectSampling(pd, ms)
}

// innerCollect runs one slice of a vectored collect across all
// descriptors and reports whether the loop should stop.
func (g *Registry) innerCollect(pds []int, interval time.Duration) (stop bool, err error) {
	for _, pd := range pds {
		g.start(pd)
	}
	time.Sleep(interval)
	for _, pd := range pds {
		g.pause(pd)
	}

	// The descriptors' buffers are independent; drain them
	// concurrently.
	var grp errgroup.Group
	for _, pd := range pds {
		pd := pd
		grp.Go(func() error {
			return g.readToBuffer(pd)
		})
	}
	if err := grp.Wait(); err != nil {
		return false, err
	}

	// Counting descriptors never hup-terminate a vectored
	// collect; their processes are not what bounds the run.
	allDead := true
	for _, pd := range pds {
		if t, _ := g.taskType(pd); t == Counting {
			allDead = false
			break
		}
		if !g.allDead(pd) {
			allDead = false
			break
		}
	}
	if allDead {
		return true, nil
	}

	for _, pd := range pds {
		if g.isRunning(pd) {
			return false, nil
		}
	}
	return true, nil
}

// CollectV collects several descriptors in lock-step slices. The
// same per-descriptor running flags as Collect gate every slice, so
// Stop works identically on both paths.
func (g *Registry) CollectV(pds []int, ms int) error {
	for _, pd := range pds {
		if !g.alive(pd) {
			return newError(ErrInvalidPD)
		}
	}
	if ms < -1 {
		return newError(ErrInvalidTime)
	}
	for _, pd := range pds {
		g.setRunning(pd, true)
	}
	defer func() {
		for _, pd := range pds {
			g.setRunning(pd, false)
		}
	}()

	remained := time.Duration(ms) * time.Millisecond
	unlimited := ms == -1
	for remained > 0 || unlimited {
		interval := sliceFor(remained, unlimited)
		stop, err := g.innerCollect(pds, interval)
		if err != nil {
			return err
		}
		if stop {
			break
		}
		remained -= interval
	}
	return nil
}

// Collect blocks for ms milliseconds of collection on pd; ms of -1
// runs until every monitored process exits or Stop is called.
func (g *Registry) Collect(pd int, ms int) error {
	if !g.alive(pd) {
		return newError(ErrInvalidPD)
	}
	if ms < -1 {
		return newError(ErrInvalidTime)
	}

	g.setRunning(pd, true)
	err := g.doCollect(pd, ms)
	g.setRunning(pd, false)
	return err
}

// Stop requests cooperative termination of an in-flight Collect on
// pd. It returns immediately; the collect observes the flag at its
// next slice boundary.
func (g *Registry) Stop(pd int) error {
	if !g.alive(pd) {
		return newError(ErrInvalidPD)
	}
	g.setRunning(pd, false)
	return nil
}
