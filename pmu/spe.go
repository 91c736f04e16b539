// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aclements/go-armpmu/perfevent"
	"github.com/aclements/go-armpmu/pfm"
	"github.com/aclements/go-armpmu/spe"
	"github.com/aclements/go-armpmu/symbol"
)

const (
	// speRingSize is the SPE control ring; the aux area holding
	// the packet stream is separate and larger. Both are powers
	// of two in pages.
	speRingSize   = 64 * 1024
	speAuxSize    = 256 * 1024
	speRecordMax  = 100000
	speMaxSwitchT = uint64(1e18) // kernel bug guard on switch times
)

// contextSwitch is one switch-in observed on a cpu: prevTID ran
// until time. The trailing element of a sweep is the last switch-out
// instead, whose "prev" fields name the task that kept running.
type contextSwitch struct {
	prevPID int
	prevTID int
	time    uint64
}

// A speCore owns the per-cpu SPE plumbing: the SPE fd with its
// control ring and aux buffer, and the paired dummy software event
// whose ring carries cpu-wide context switches for thread
// attribution. At most one descriptor may own a cpu at a time.
type speCore struct {
	cpu int

	speFd     int
	dummyFd   int
	speRing   *perfevent.Ring
	dummyRing *perfevent.Ring
	auxBuf    []byte
	auxPrev   uint64

	dec        *spe.Decoder
	pidRecords map[int][]*spe.Record
	haveRead   bool
	truncated  bool

	procs procMap
}

func openSpeCore(cpu int, evt *pfm.Event, procs procMap) (*speCore, error) {
	c := &speCore{
		cpu:        cpu,
		speFd:      -1,
		dummyFd:    -1,
		dec:        spe.NewDecoder(speRecordMax),
		pidRecords: make(map[int][]*spe.Record),
		procs:      procs,
	}
	if err := c.open(evt); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *speCore) open(evt *pfm.Event) error {
	pageSize := unix.Getpagesize()
	ringPages := speRingSize / pageSize

	attr := unix.PerfEventAttr{
		Type:        evt.Type,
		Config:      evt.Config,  // data filter
		Ext1:        evt.Config1, // event filter
		Ext2:        evt.Config2, // min latency
		Sample_type: unix.PERF_SAMPLE_TID,
		Sample:      evt.Period,
		Read_format: unix.PERF_FORMAT_ID,
		Bits:        unix.PerfBitDisabled | unix.PerfBitSampleIDAll | unix.PerfBitExcludeGuest,
	}
	if evt.UseFreq {
		attr.Bits |= unix.PerfBitFreq
	}
	fd, err := perfevent.Open(&attr, -1, c.cpu, -1, 0)
	if err != nil {
		logrus.Debugf("spe open on cpu %d: %v", c.cpu, err)
		return mapOpenErr(err)
	}
	c.speFd = fd
	logrus.Debugf("spe open cpu: %d fd: %d", c.cpu, fd)

	c.speRing, err = perfevent.MapRing(c.speFd, ringPages)
	if err != nil {
		return newError(ErrFailMmap, err.Error())
	}
	c.speRing.SetAuxLayout(uint64(speRingSize+pageSize), speAuxSize)
	c.auxBuf, err = c.speRing.MapAux(c.speFd)
	if err != nil {
		return newError(ErrFailMmap, err.Error())
	}

	dummy := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_DUMMY,
		Sample:      1,
		Sample_type: unix.PERF_SAMPLE_TIME,
		Read_format: unix.PERF_FORMAT_ID,
		Bits: unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitSampleIDAll |
			unix.PerfBitContextSwitch | unix.PerfBitMmap | unix.PerfBitTask |
			unix.PerfBitInherit | unix.PerfBitExcludeGuest,
	}
	fd, err = perfevent.Open(&dummy, -1, c.cpu, -1, 0)
	if err != nil {
		return mapOpenErr(err)
	}
	c.dummyFd = fd

	c.dummyRing, err = perfevent.MapRing(c.dummyFd, ringPages)
	if err != nil {
		return newError(ErrFailMmap, err.Error())
	}
	return nil
}

// enable starts the pair, dummy first so no SPE record precedes its
// context-switch coverage.
func (c *speCore) enable() error {
	if c.speFd < 0 || c.dummyFd < 0 {
		return newError(ErrSPEUnavail)
	}
	c.pidRecords = make(map[int][]*spe.Record)
	c.haveRead = false
	perfevent.Enable(c.dummyFd)
	return perfevent.Enable(c.speFd)
}

// disable stops the pair, SPE first.
func (c *speCore) disable() error {
	if c.speFd < 0 || c.dummyFd < 0 {
		return newError(ErrSPEUnavail)
	}
	perfevent.Disable(c.speFd)
	return perfevent.Disable(c.dummyFd)
}

func (c *speCore) close() {
	if c.speRing != nil {
		c.speRing.Unmap()
		c.speRing = nil
	}
	if c.auxBuf != nil {
		unix.Munmap(c.auxBuf)
		c.auxBuf = nil
	}
	if c.dummyRing != nil {
		c.dummyRing.Unmap()
		c.dummyRing = nil
	}
	if c.speFd >= 0 {
		perfevent.Close(c.speFd)
		c.speFd = -1
	}
	if c.dummyFd >= 0 {
		perfevent.Close(c.dummyFd)
		c.dummyFd = -1
	}
}

// read drains the dummy ring and the aux buffer and attributes every
// decoded record to a thread. Reading twice per enable window is a
// no-op.
func (c *speCore) read() error {
	if c.speFd < 0 {
		return newError(ErrSPEUnavail)
	}
	if c.haveRead {
		return nil
	}
	switches := c.readDummy()
	if err := c.readAux(switches); err != nil {
		return err
	}
	for _, rec := range c.dec.Records {
		rec := rec
		c.pidRecords[rec.TID] = append(c.pidRecords[rec.TID], &rec)
	}
	c.haveRead = true
	if c.truncated {
		c.truncated = false
		return newError(ErrAuxTruncated)
	}
	return nil
}

// readDummy sweeps the dummy ring into the ordered switch-in
// timeline, with the latest switch-out appended to cover the tail
// slice. Mmap and fork records are observed inline.
func (c *speCore) readDummy() []contextSwitch {
	var switches []contextSwitch
	var lastOut contextSwitch

	c.dummyRing.BeginRead()
	for {
		raw := c.dummyRing.ReadEvent()
		if raw == nil {
			break
		}
		hdr := perfevent.ParseHeader(raw)
		switch hdr.Type {
		case unix.PERF_RECORD_MMAP:
			m := perfevent.ParseMmap(raw, false)
			symbol.Default().UpdateModuleAt(m.TID, m.Filename, m.Addr)

		case unix.PERF_RECORD_FORK:
			f := perfevent.ParseTask(raw)
			logrus.Debugf("fork pid: %d tid: %d", f.PID, f.TID)
			c.updateProcMap(f.PPID, f.TID)

		case unix.PERF_RECORD_SWITCH_CPU_WIDE:
			sw := perfevent.ParseSwitchCPUWide(raw)
			if sw.Time >= speMaxSwitchT {
				break
			}
			cs := contextSwitch{prevPID: sw.NextPrevPID, prevTID: sw.NextPrevTID, time: sw.Time}
			if sw.Out {
				lastOut = cs
			} else {
				switches = append(switches, cs)
			}
		}
		c.dummyRing.Consume()
	}
	c.dummyRing.Drain()

	// The trailing switch-out covers records after the last
	// switch-in: its "prev" fields are the task switching in.
	switches = append(switches, lastOut)
	return switches
}

// updateProcMap adds a forked thread when its parent is monitored.
func (c *speCore) updateProcMap(ppid, tid int) {
	if _, ok := c.procs[ppid]; !ok {
		return
	}
	c.procs.ensure(tid)
}

// readAux decodes the readable aux window. A wrapped window is
// decoded in two segments, tail of the buffer first, with record
// state carrying across the seam.
func (c *speCore) readAux(switches []contextSwitch) error {
	head := c.speRing.AuxHead()
	old := c.auxPrev
	c.dec.Reset()
	if old == head {
		return nil
	}

	auxSize := c.speRing.AuxSize()
	mask := auxSize - 1
	headOff := head & mask
	oldOff := old & mask
	var size uint64
	if headOff > oldOff {
		size = headOff - oldOff
	} else {
		size = auxSize - (oldOff - headOff)
	}

	if size > headOff {
		tail := size - headOff
		c.dec.Decode(c.auxBuf[auxSize-tail:])
		c.dec.Decode(c.auxBuf[:headOff])
	} else {
		c.dec.Decode(c.auxBuf[oldOff : oldOff+size])
	}
	c.auxPrev = head
	if c.dec.Truncated {
		c.truncated = true
	}

	tc, err := c.speRing.TSC()
	if err != nil {
		return newError(ErrKernelNotSupport, err.Error())
	}
	for i := range c.dec.Records {
		rec := &c.dec.Records[i]
		rec.Timestamp = tc.ToPerfTime(rec.Timestamp)
		rec.CPU = c.cpu
	}
	attributeRecords(c.dec.Records, switches)

	c.speRing.Drain()
	c.speRing.FinishAux()
	return nil
}

// attributeRecords assigns each record to the thread running at its
// timestamp: the prev task of the first switch-in after the record,
// or the trailing switch-out's task for the tail slice. Both inputs
// are time-ordered.
func attributeRecords(recs []spe.Record, switches []contextSwitch) {
	if len(switches) == 0 {
		return
	}
	ins := switches[:len(switches)-1]
	tail := switches[len(switches)-1]

	idx := 0
	for i := range recs {
		rec := &recs[i]
		for idx < len(ins) && ins[idx].time <= rec.Timestamp {
			idx++
		}
		if idx < len(ins) {
			rec.PID = ins[idx].prevPID
			rec.TID = ins[idx].prevTID
		} else {
			rec.PID = tail.prevPID
			rec.TID = tail.prevTID
		}
	}
}

// A speEvt is one matrix cell of an SPE event list. Cells on the
// same cpu share the per-cpu core owned by the registry.
type speEvt struct {
	reg      *Registry
	cpu, pid int
	evt      *pfm.Event
	procs    procMap
	core     *speCore
}

func (s *speEvt) Init() error {
	core, err := s.reg.speCoreFor(s.cpu, s.evt, s.procs)
	if err != nil {
		return err
	}
	s.core = core
	return nil
}

func (s *speEvt) Enable() error  { return s.core.enable() }
func (s *speEvt) Disable() error { return s.core.disable() }
func (s *speEvt) Reset() error   { return nil }
func (s *speEvt) Start() error   { return s.core.enable() }
func (s *speEvt) Pause() error   { return s.core.disable() }

func (s *speEvt) FD() int {
	if s.core == nil {
		return -1
	}
	return s.core.speFd
}

func (s *speEvt) Close() error {
	if s.core == nil {
		return nil
	}
	s.reg.closeSpeCore(s.cpu)
	s.core = nil
	return nil
}

func (s *speEvt) Read(ed *eventData) error {
	if s.core == nil {
		return newError(ErrSPEUnavail)
	}
	already := s.core.haveRead
	if err := s.core.read(); err != nil {
		if perr, ok := err.(*Error); !ok || perr.Code != ErrAuxTruncated {
			return err
		}
		setLast(err)
	}
	if already {
		// Another cell on this cpu staged the records.
		return nil
	}

	if s.pid == -1 {
		// System-wide: stage records for every tid seen.
		for tid := range s.core.pidRecords {
			if tid <= 0 {
				continue
			}
			s.procs.ensure(tid)
			s.insertRecords(tid, ed)
		}
	} else {
		for tid := range s.procs {
			s.insertRecords(tid, ed)
		}
	}
	return nil
}

func (s *speEvt) insertRecords(tid int, ed *eventData) {
	proc, ok := s.procs[tid]
	if !ok {
		return
	}
	for _, rec := range s.core.pidRecords[tid] {
		ed.data = append(ed.data, Data{
			PID:  proc.PID,
			TID:  rec.TID,
			CPU:  s.cpu,
			Comm: proc.Comm,
			Ext:  &DataExt{Event: rec.Event, VA: rec.VA, PA: rec.PA},
		})
		// The pc becomes a depth-1 stack at read time.
		ed.ips = append(ed.ips, sampleIPs{ips: []uint64{rec.PC}})
	}
}
