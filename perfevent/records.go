// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfevent

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

// Header is the perf_event_header that starts every ring record.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// ParseHeader decodes the record header from raw record bytes.
func ParseHeader(raw []byte) Header {
	return Header{
		Type: le.Uint32(raw),
		Misc: le.Uint16(raw[4:]),
		Size: le.Uint16(raw[6:]),
	}
}

// SampleRecord is a PERF_RECORD_SAMPLE from a sampler opened with
// sample_type IP|TID|TIME|CALLCHAIN|ID|CPU|PERIOD|IDENTIFIER. The
// layout is fixed by that set, in the order the kernel emits the
// fields.
type SampleRecord struct {
	Identifier uint64
	IP         uint64
	PID, TID   int
	Time       uint64
	ID         uint64
	CPU        uint32
	Period     uint64
	Callchain  []uint64
}

// ParseSample decodes a sample record into out. The Callchain slice
// is reused across calls when capacity allows; callers that keep the
// ips must copy them.
func ParseSample(raw []byte, out *SampleRecord) {
	bd := &bufDecoder{raw[headerSize:], le}
	out.Identifier = bd.u64()
	out.IP = bd.u64()
	out.PID = int(bd.i32())
	out.TID = int(bd.i32())
	out.Time = bd.u64()
	out.ID = bd.u64()
	out.CPU = bd.u32()
	bd.u32() // res
	out.Period = bd.u64()

	nr := int(bd.u64())
	if out.Callchain == nil || cap(out.Callchain) < nr {
		out.Callchain = make([]uint64, nr)
	} else {
		out.Callchain = out.Callchain[:nr]
	}
	bd.u64s(out.Callchain)
}

// MmapRecord is a PERF_RECORD_MMAP or PERF_RECORD_MMAP2: a thread
// mapped an executable region.
type MmapRecord struct {
	PID, TID int
	Addr     uint64
	Len      uint64
	PgOff    uint64
	Filename string
}

// ParseMmap decodes an mmap record. v2 selects the MMAP2 layout with
// its extra device and protection fields.
func ParseMmap(raw []byte, v2 bool) MmapRecord {
	bd := &bufDecoder{raw[headerSize:], le}
	var o MmapRecord
	o.PID = int(bd.i32())
	o.TID = int(bd.i32())
	o.Addr = bd.u64()
	o.Len = bd.u64()
	o.PgOff = bd.u64()
	if v2 {
		bd.u32() // maj
		bd.u32() // min
		bd.u64() // ino
		bd.u64() // ino_generation
		bd.u32() // prot
		bd.u32() // flags
	}
	o.Filename = bd.cstring()
	return o
}

// TaskRecord is a PERF_RECORD_FORK or PERF_RECORD_EXIT.
type TaskRecord struct {
	PID, PPID int
	TID, PTID int
	Time      uint64
}

// ParseTask decodes a fork or exit record.
func ParseTask(raw []byte) TaskRecord {
	bd := &bufDecoder{raw[headerSize:], le}
	var o TaskRecord
	o.PID = int(bd.i32())
	o.PPID = int(bd.i32())
	o.TID = int(bd.i32())
	o.PTID = int(bd.i32())
	o.Time = bd.u64()
	return o
}

// CommRecord is a PERF_RECORD_COMM.
type CommRecord struct {
	PID, TID int
	Comm     string
}

// ParseComm decodes a comm record.
func ParseComm(raw []byte) CommRecord {
	bd := &bufDecoder{raw[headerSize:], le}
	var o CommRecord
	o.PID = int(bd.i32())
	o.TID = int(bd.i32())
	o.Comm = bd.cstring()
	return o
}

// SwitchRecord is a PERF_RECORD_SWITCH_CPU_WIDE from a dummy event
// opened with sample_type TIME and sample_id_all: the body carries
// the previous (switch-in) or next (switch-out) task, the sample_id
// trailer carries the time.
type SwitchRecord struct {
	NextPrevPID int
	NextPrevTID int
	Time        uint64
	Out         bool
}

// ParseSwitchCPUWide decodes a cpu-wide context switch record.
func ParseSwitchCPUWide(raw []byte) SwitchRecord {
	hdr := ParseHeader(raw)
	bd := &bufDecoder{raw[headerSize:], le}
	var o SwitchRecord
	o.NextPrevPID = int(bd.i32())
	o.NextPrevTID = int(bd.i32())
	o.Time = bd.u64()
	o.Out = hdr.Misc&unix.PERF_RECORD_MISC_SWITCH_OUT != 0
	return o
}
