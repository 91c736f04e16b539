// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"github.com/sirupsen/logrus"

	"github.com/aclements/go-armpmu/perfevent"
	"github.com/aclements/go-armpmu/pfm"
	"github.com/aclements/go-armpmu/topology"
)

// An eventObj is one cell of an event matrix: the kernel event (or
// events) behind one (cpu, thread) pair.
type eventObj interface {
	Init() error
	Enable() error
	Disable() error
	Reset() error
	// Start is reset-then-enable; Pause is disable.
	Start() error
	Pause() error
	Close() error
	// Read drains the cell into the staging buffer.
	Read(ed *eventData) error
	FD() int
}

// perfFD implements the ioctl-backed half of eventObj.
type perfFD struct {
	fd int
}

func (p *perfFD) Enable() error  { return perfevent.Enable(p.fd) }
func (p *perfFD) Disable() error { return perfevent.Disable(p.fd) }
func (p *perfFD) Reset() error   { return perfevent.Reset(p.fd) }

func (p *perfFD) Start() error {
	p.Reset()
	return p.Enable()
}

func (p *perfFD) Pause() error { return p.Disable() }

func (p *perfFD) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := perfevent.Close(p.fd)
	p.fd = -1
	return err
}

func (p *perfFD) FD() int { return p.fd }

// procMap is the thread metadata shared by all cells of one event
// list. Keyed by tid.
type procMap map[int]*topology.ProcTopology

// ensure adds tid's metadata if it is not yet known.
func (m procMap) ensure(tid int) *topology.ProcTopology {
	if p, ok := m[tid]; ok {
		return p
	}
	p, err := topology.Proc(tid)
	if err != nil {
		logrus.Debugf("proc topology of %d: %v", tid, err)
		return nil
	}
	logrus.Debugf("add to proc map: %d", tid)
	m[tid] = p
	return p
}

// newEventObj is the factory selecting the cell variant for one
// (cpu, thread) pair.
func (g *Registry) newEventObj(taskType TaskType, cpu, tid int, evt *pfm.Event, procs procMap) eventObj {
	switch taskType {
	case Counting:
		return &counter{perfFD: perfFD{fd: -1}, cpu: cpu, tid: tid, evt: evt, procs: procs}
	case Sampling:
		return &sampler{perfFD: perfFD{fd: -1}, cpu: cpu, pid: tid, evt: evt, procs: procs}
	case SPESampling:
		return &speEvt{reg: g, cpu: cpu, pid: tid, evt: evt, procs: procs}
	}
	return nil
}
