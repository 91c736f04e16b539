// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pmu collects hardware performance events on ARMv8 Linux
// through the kernel's perf_event_open facility.
//
// A client opens a task with Open, runs it with Collect (or several
// at once with CollectV), takes the records with Read and releases
// them with FreeData. Three task types exist: counting (raw event
// totals), sampling (periodic records with callchains) and SPE
// sampling (Statistical Profiling Extension records decoded from an
// aux buffer).
//
// The package-level functions operate on a process-wide default
// registry and mirror a C-style API: failures return a sentinel and
// park a {code, message} pair behind Errno and ErrorString. The same
// operations are available as Registry methods with ordinary error
// returns.
//
// Setting PERF_DEBUG=1 in the environment enables verbose
// diagnostics on stderr.
package pmu

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/aclements/go-armpmu/pfm"
	"github.com/aclements/go-armpmu/topology"
)

func init() {
	if os.Getenv("PERF_DEBUG") == "1" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

// checkAttr validates the client attributes for one Open.
func checkAttr(taskType TaskType, attr *Attr) error {
	if attr == nil {
		return newError(ErrInvalidEvtList)
	}
	maxCPU := topology.NumCPU()
	for _, cpu := range attr.CPUs {
		if cpu < 0 || cpu >= maxCPU {
			return newError(ErrInvalidCPUList, "invalid cpu id: ", cpu)
		}
	}
	for _, pid := range attr.PIDs {
		if pid < 0 {
			return newError(ErrInvalidPIDList, "invalid pid: ", pid)
		}
	}
	if taskType < 0 || taskType >= numTaskTypes {
		return newError(ErrInvalidTaskType)
	}
	if (taskType == Counting || taskType == Sampling) && len(attr.Events) == 0 {
		return newError(ErrInvalidEvtList)
	}
	return nil
}

// resolveTasks turns the attribute's event names into taskAttrs with
// concrete cpu and pid lists.
func resolveTasks(taskType TaskType, attr *Attr) ([]*taskAttr, error) {
	var events []*pfm.Event
	if taskType == SPESampling {
		evt, err := pfm.SPEEvent(uint64(attr.DataFilter), uint64(attr.EventFilter), attr.MinLatency)
		if err != nil {
			return nil, newError(ErrSPEUnavail)
		}
		events = append(events, evt)
	} else {
		for _, name := range attr.Events {
			evt, err := pfm.LookupEvent(name)
			if err == pfm.ErrChipUndefined {
				return nil, newError(ErrChipTypeInvalid)
			} else if err != nil {
				return nil, newError(ErrInvalidEvent, name)
			}
			events = append(events, evt)
		}
	}

	var tasks []*taskAttr
	for _, evt := range events {
		// UseFreq wins when the caller set both period and
		// frequency.
		evt.Period = attr.Period
		evt.UseFreq = attr.UseFreq
		tasks = append(tasks, &taskAttr{
			evt:  evt,
			cpus: cpuListFor(taskType, attr, evt),
			pids: attr.PIDs,
		})
	}
	return tasks, nil
}

// cpuListFor picks the rows of one task's matrix. Uncore events are
// pinned to their device's representative cpu. Counting a pid list
// with no cpu list opens per-thread fds bound to no cpu, which is
// cheaper than the full matrix.
func cpuListFor(taskType TaskType, attr *Attr, evt *pfm.Event) []int {
	switch {
	case evt.CPUMask >= 0:
		return []int{evt.CPUMask}
	case len(attr.CPUs) == 0 && len(attr.PIDs) > 0 && taskType == Counting:
		return []int{-1}
	case len(attr.CPUs) == 0:
		online, err := topology.OnlineCPUs()
		if err != nil {
			return nil
		}
		return online
	}
	return attr.CPUs
}

// Open validates attr, resolves its events and opens the whole
// (event x cpu x thread) matrix under a fresh descriptor.
func (g *Registry) Open(taskType TaskType, attr *Attr) (int, error) {
	if err := checkAttr(taskType, attr); err != nil {
		return -1, err
	}
	tasks, err := resolveTasks(taskType, attr)
	if err != nil {
		return -1, err
	}

	pd := g.newPD()
	if err := g.register(pd, taskType, tasks); err != nil {
		// Partial failure releases everything opened so far.
		g.close(pd)
		return -1, err
	}
	return pd, nil
}

// Read hands the staged records of pd to the caller. Ownership
// transfers: the records stay valid until FreeData. Counting data
// comes back aggregated by (event, tid, cpu).
func (g *Registry) Read(pd int) ([]Data, error) {
	if !g.alive(pd) {
		return nil, newError(ErrInvalidPD)
	}
	return g.exchangeToUser(pd), nil
}

// Close releases every fd, mapping and buffer of pd. The descriptor
// id becomes reusable.
func (g *Registry) Close(pd int) error {
	if !g.alive(pd) {
		return newError(ErrInvalidPD)
	}
	g.close(pd)
	return nil
}

// FreeData releases a buffer returned by Read.
func (g *Registry) FreeData(data []Data) {
	g.freeData(data)
}

// History returns the aggregated totals over all retained counting
// buffers of pd.
func (g *Registry) History(pd int) []Data {
	return g.history(pd)
}

// Open opens a collection task on the default registry and returns
// its descriptor, or -1 with the error channel set.
func Open(taskType TaskType, attr *Attr) int {
	// Cleared first so a non-fatal code set during the open (a
	// vanished thread's ErrNoProc) survives a successful return.
	setLast(nil)
	pd, err := DefaultRegistry().Open(taskType, attr)
	if err != nil {
		setLast(err)
		return -1
	}
	return pd
}

// Collect collects on pd for ms milliseconds; -1 collects until the
// monitored processes exit. Returns 0, or -1 with the error channel
// set.
func Collect(pd int, ms int) int {
	// Cleared first so a non-fatal code set during the collect
	// (ErrAuxTruncated) survives a successful return.
	setLast(nil)
	err := DefaultRegistry().Collect(pd, ms)
	if err != nil {
		setLast(err)
		return -1
	}
	return 0
}

// CollectV is Collect over several descriptors in lock-step.
func CollectV(pds []int, ms int) int {
	setLast(nil)
	err := DefaultRegistry().CollectV(pds, ms)
	if err != nil {
		setLast(err)
		return -1
	}
	return 0
}

// Stop asks an in-flight Collect on pd to terminate at its next
// slice boundary.
func Stop(pd int) {
	setLast(DefaultRegistry().Stop(pd))
}

// Read returns the staged records of pd, or nil with the error
// channel set. A nil result with Errno() == 0 means no data.
func Read(pd int) []Data {
	data, err := DefaultRegistry().Read(pd)
	setLast(err)
	if err != nil {
		return nil
	}
	return data
}

// Close tears down pd.
func Close(pd int) {
	setLast(DefaultRegistry().Close(pd))
}

// FreeData releases a buffer returned by Read.
func FreeData(data []Data) {
	DefaultRegistry().FreeData(data)
	setLast(nil)
}
