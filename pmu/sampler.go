// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aclements/go-armpmu/perfevent"
	"github.com/aclements/go-armpmu/pfm"
	"github.com/aclements/go-armpmu/symbol"
)

// samplePages is the data area of a sampler ring in pages; the
// mapping adds one control page.
const samplePages = 128

// A sampler is the sampling cell: one fd plus one mmap'd ring per
// (cpu, thread).
type sampler struct {
	perfFD
	cpu, pid int
	evt      *pfm.Event
	procs    procMap
	ring     *perfevent.Ring

	sample perfevent.SampleRecord
}

func (s *sampler) Init() error {
	attr := unix.PerfEventAttr{
		Type:   s.evt.Type,
		Config: s.evt.Config,
		Ext1:   s.evt.Config1,
		Ext2:   s.evt.Config2,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
			unix.PERF_SAMPLE_CALLCHAIN | unix.PERF_SAMPLE_ID | unix.PERF_SAMPLE_CPU |
			unix.PERF_SAMPLE_PERIOD | unix.PERF_SAMPLE_IDENTIFIER,
		Sample:      s.evt.Period,
		Read_format: unix.PERF_FORMAT_ID,
		Bits: unix.PerfBitPinned | unix.PerfBitDisabled | unix.PerfBitInherit |
			unix.PerfBitMmap | unix.PerfBitMmap2 | unix.PerfBitComm | unix.PerfBitTask |
			unix.PerfBitSampleIDAll | unix.PerfBitExcludeGuest,
	}
	if s.evt.UseFreq {
		attr.Bits |= unix.PerfBitFreq
	}

	fd, err := perfevent.Open(&attr, s.pid, s.cpu, -1, 0)
	if err != nil {
		return mapOpenErr(err)
	}
	logrus.Debugf("sampler open type=%d config=%#x cpu=%d pid=%d fd=%d",
		attr.Type, attr.Config, s.cpu, s.pid, fd)

	ring, err := perfevent.MapRing(fd, samplePages)
	if err != nil {
		perfevent.Close(fd)
		return newError(ErrFailMmap, err.Error())
	}
	s.fd = fd
	s.ring = ring
	return nil
}

func (s *sampler) Close() error {
	if s.ring != nil {
		s.ring.Unmap()
		s.ring = nil
	}
	return s.perfFD.Close()
}

func (s *sampler) Read(ed *eventData) error {
	if s.ring == nil {
		return newError(ErrUnknown, "sampler not mapped")
	}
	s.ring.BeginRead()
	start := len(ed.data)
	s.readRing(ed)
	if s.pid == -1 {
		s.fillComm(ed, start)
	}
	return nil
}

// readRing drains the ring, staging samples and feeding mmap/fork
// records to the resolver and the proc map as they pass by.
func (s *sampler) readRing(ed *eventData) {
	for {
		raw := s.ring.ReadEvent()
		if raw == nil {
			break
		}
		hdr := perfevent.ParseHeader(raw)
		switch hdr.Type {
		case unix.PERF_RECORD_SAMPLE:
			perfevent.ParseSample(raw, &s.sample)
			ed.data = append(ed.data, Data{
				CPU: int(s.sample.CPU),
				PID: s.sample.PID,
				TID: s.sample.TID,
			})
			ed.ips = append(ed.ips, sampleIPs{
				ips: append([]uint64(nil), s.sample.Callchain...),
			})

		case unix.PERF_RECORD_MMAP:
			m := perfevent.ParseMmap(raw, false)
			symbol.Default().UpdateModuleAt(m.TID, m.Filename, m.Addr)

		case unix.PERF_RECORD_MMAP2:
			m := perfevent.ParseMmap(raw, true)
			symbol.Default().UpdateModuleAt(m.TID, m.Filename, m.Addr)

		case unix.PERF_RECORD_FORK:
			f := perfevent.ParseTask(raw)
			logrus.Debugf("fork ppid: %d tid: %d", f.PPID, f.TID)
			s.procs.ensure(f.TID)
		}
		s.ring.Consume()
	}
	s.ring.ReadDone()
}

// fillComm resolves command names for records staged by a
// system-wide sampler, where the cell has no fixed thread.
func (s *sampler) fillComm(ed *eventData, start int) {
	for i := start; i < len(ed.data); i++ {
		d := &ed.data[i]
		if p, ok := s.procs[d.TID]; ok {
			d.Comm = p.Comm
		}
	}
}
