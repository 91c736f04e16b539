// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aclements/go-armpmu/perfevent"
	"github.com/aclements/go-armpmu/pfm"
)

// A counter is the counting cell: one fd per (cpu, thread), read as a
// single 64-bit total.
type counter struct {
	perfFD
	cpu, tid int
	evt      *pfm.Event
	procs    procMap
}

func (c *counter) Init() error {
	attr := unix.PerfEventAttr{
		Type:        c.evt.Type,
		Config:      c.evt.Config,
		Ext1:        c.evt.Config1,
		Ext2:        c.evt.Config2,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING | unix.PERF_FORMAT_ID,
		Bits:        unix.PerfBitDisabled | unix.PerfBitInherit,
	}
	fd, err := perfevent.Open(&attr, c.tid, c.cpu, -1, 0)
	if err != nil {
		return mapOpenErr(err)
	}
	logrus.Debugf("counter open type=%d config=%#x cpu=%d tid=%d fd=%d",
		attr.Type, attr.Config, c.cpu, c.tid, fd)
	c.fd = fd
	return nil
}

func (c *counter) Read(ed *eventData) error {
	if c.fd < 0 {
		return newError(ErrUnknown, "counter not open")
	}
	v, err := perfevent.ReadCount(c.fd)
	if err != nil {
		return newError(ErrUnknown, err.Error())
	}

	d := Data{
		Count: v.Value,
		CPU:   c.cpu,
		TID:   c.tid,
	}
	if p, ok := c.procs[d.TID]; ok {
		d.PID = p.PID
	}
	ed.data = append(ed.data, d)
	return nil
}
