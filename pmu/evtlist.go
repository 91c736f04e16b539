// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"github.com/sirupsen/logrus"

	"github.com/aclements/go-armpmu/pfm"
	"github.com/aclements/go-armpmu/topology"
)

// An evtList is the matrix of event objects for one resolved event:
// rows are cpus, columns are threads (one column of -1 for
// system-wide). A cell exists iff its open succeeded; the first
// failure aborts registration.
type evtList struct {
	reg      *Registry
	taskType TaskType
	evt      *pfm.Event
	cpus     []*topology.CPUTopology
	procs    []*topology.ProcTopology

	procMap procMap
	cells   [][]eventObj
	fds     []int
	ts      int64
}

func newEvtList(reg *Registry, taskType TaskType, evt *pfm.Event,
	cpus []*topology.CPUTopology, procs []*topology.ProcTopology) *evtList {
	return &evtList{
		reg:      reg,
		taskType: taskType,
		evt:      evt,
		cpus:     cpus,
		procs:    procs,
		procMap:  make(procMap),
	}
}

func (l *evtList) init() error {
	for _, proc := range l.procs {
		if proc.TID > 0 {
			l.procMap[proc.TID] = proc
		}
	}

	// SPE cells on one cpu share a single fd; register each fd
	// once.
	seen := make(map[int]bool)
	for _, cpu := range l.cpus {
		row := make([]eventObj, 0, len(l.procs))
		for _, proc := range l.procs {
			cell := l.reg.newEventObj(l.taskType, cpu.CoreID, proc.TID, l.evt, l.procMap)
			if cell == nil {
				return newError(ErrInvalidTaskType)
			}
			if err := cell.Init(); err != nil {
				// Keep the partial row so close reaches the
				// cells that did open.
				l.cells = append(l.cells, row)
				return err
			}
			if fd := cell.FD(); fd >= 0 && !seen[fd] {
				seen[fd] = true
				l.fds = append(l.fds, fd)
			}
			row = append(row, cell)
		}
		l.cells = append(l.cells, row)
	}
	return nil
}

func (l *evtList) forEach(task func(eventObj) error) error {
	for _, row := range l.cells {
		for _, cell := range row {
			// A cell that cannot perform the task does not
			// stop the others.
			if err := task(cell); err != nil {
				logrus.Debugf("evt %s: %v", l.evt.Name, err)
			}
		}
	}
	return nil
}

func (l *evtList) start() error   { return l.forEach(eventObj.Start) }
func (l *evtList) pause() error   { return l.forEach(eventObj.Pause) }
func (l *evtList) enable() error  { return l.forEach(eventObj.Enable) }
func (l *evtList) disable() error { return l.forEach(eventObj.Disable) }

func (l *evtList) close() error {
	err := l.forEach(eventObj.Close)
	l.procMap = make(procMap)
	return err
}

func (l *evtList) setTimestamp(ts int64) {
	l.ts = ts
}

// read drains every cell into the staging buffer and fills the
// fields the cells cannot know: event name, cpu topology, command
// name and timestamp.
func (l *evtList) read(ed *eventData) error {
	for r, row := range l.cells {
		cpuTopo := l.cpus[r]
		for c, cell := range row {
			cnt := len(ed.data)
			if err := cell.Read(ed); err != nil {
				return err
			}
			if n := len(ed.data) - cnt; n > 0 {
				logrus.Debugf("evt: %s pid: %d cpu: %d samples: %d",
					l.evt.Name, l.procs[c].PID, cpuTopo.CoreID, n)
			}
			l.fillFields(ed, cnt, len(ed.data), cpuTopo, l.procs[c])
		}
	}
	return nil
}

func (l *evtList) fillFields(ed *eventData, start, end int,
	cpuTopo *topology.CPUTopology, proc *topology.ProcTopology) {
	for i := start; i < end; i++ {
		d := &ed.data[i]
		d.CPUTopo = cpuTopo
		d.Evt = l.evt.Name
		if d.Comm == "" {
			d.Comm = proc.Comm
		}
		d.TS = l.ts
	}
}
