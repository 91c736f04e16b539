// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recBuilder struct {
	buf []byte
}

func newRec(typ uint32, misc uint16) *recBuilder {
	b := &recBuilder{buf: make([]byte, headerSize)}
	le.PutUint32(b.buf[0:], typ)
	le.PutUint16(b.buf[4:], misc)
	return b
}

func (b *recBuilder) u32(v uint32) *recBuilder {
	var x [4]byte
	le.PutUint32(x[:], v)
	b.buf = append(b.buf, x[:]...)
	return b
}

func (b *recBuilder) u64(v uint64) *recBuilder {
	var x [8]byte
	le.PutUint64(x[:], v)
	b.buf = append(b.buf, x[:]...)
	return b
}

func (b *recBuilder) str(s string) *recBuilder {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	return b
}

func (b *recBuilder) bytes() []byte {
	le.PutUint16(b.buf[6:], uint16(len(b.buf)))
	return b.buf
}

func TestParseSample(t *testing.T) {
	raw := newRec(unix.PERF_RECORD_SAMPLE, 0).
		u64(7).          // identifier
		u64(0x400123).   // ip
		u32(100).u32(101). // pid, tid
		u64(999999).     // time
		u64(7).          // id
		u32(2).u32(0).   // cpu, res
		u64(4000).       // period
		u64(3).          // nr
		u64(0x400123).u64(0x400456).u64(0x400789).
		bytes()

	var s SampleRecord
	ParseSample(raw, &s)
	assert.Equal(t, uint64(0x400123), s.IP)
	assert.Equal(t, 100, s.PID)
	assert.Equal(t, 101, s.TID)
	assert.Equal(t, uint64(999999), s.Time)
	assert.Equal(t, uint32(2), s.CPU)
	assert.Equal(t, uint64(4000), s.Period)
	require.Equal(t, []uint64{0x400123, 0x400456, 0x400789}, s.Callchain)

	// The callchain slice is reused when capacity allows.
	prev := &s.Callchain[0]
	raw = newRec(unix.PERF_RECORD_SAMPLE, 0).
		u64(7).u64(1).u32(1).u32(1).u64(1).u64(7).u32(0).u32(0).u64(1).
		u64(1).u64(0x1000).
		bytes()
	ParseSample(raw, &s)
	assert.Equal(t, []uint64{0x1000}, s.Callchain)
	assert.Equal(t, prev, &s.Callchain[0])
}

func TestParseMmap(t *testing.T) {
	raw := newRec(unix.PERF_RECORD_MMAP, 0).
		u32(42).u32(43).
		u64(0x7f0000000000).u64(0x2000).u64(0).
		str("/usr/lib/libc.so.6").
		bytes()

	m := ParseMmap(raw, false)
	assert.Equal(t, 42, m.PID)
	assert.Equal(t, 43, m.TID)
	assert.Equal(t, uint64(0x7f0000000000), m.Addr)
	assert.Equal(t, uint64(0x2000), m.Len)
	assert.Equal(t, "/usr/lib/libc.so.6", m.Filename)
}

func TestParseMmap2(t *testing.T) {
	raw := newRec(unix.PERF_RECORD_MMAP2, 0).
		u32(42).u32(43).
		u64(0x7f0000000000).u64(0x2000).u64(0x1000).
		u32(8).u32(1).u64(12345).u64(1).
		u32(5).u32(2).
		str("/usr/bin/app").
		bytes()

	m := ParseMmap(raw, true)
	assert.Equal(t, uint64(0x7f0000000000), m.Addr)
	assert.Equal(t, uint64(0x1000), m.PgOff)
	assert.Equal(t, "/usr/bin/app", m.Filename)
}

func TestParseTask(t *testing.T) {
	raw := newRec(unix.PERF_RECORD_FORK, 0).
		u32(100).u32(90).
		u32(101).u32(91).
		u64(555).
		bytes()

	f := ParseTask(raw)
	assert.Equal(t, 100, f.PID)
	assert.Equal(t, 90, f.PPID)
	assert.Equal(t, 101, f.TID)
	assert.Equal(t, 91, f.PTID)
	assert.Equal(t, uint64(555), f.Time)
}

func TestParseSwitchCPUWide(t *testing.T) {
	in := newRec(unix.PERF_RECORD_SWITCH_CPU_WIDE, 0).
		u32(100).u32(101).
		u64(7777).
		bytes()
	sw := ParseSwitchCPUWide(in)
	assert.Equal(t, 100, sw.NextPrevPID)
	assert.Equal(t, 101, sw.NextPrevTID)
	assert.Equal(t, uint64(7777), sw.Time)
	assert.False(t, sw.Out)

	out := newRec(unix.PERF_RECORD_SWITCH_CPU_WIDE, unix.PERF_RECORD_MISC_SWITCH_OUT).
		u32(200).u32(201).
		u64(8888).
		bytes()
	sw = ParseSwitchCPUWide(out)
	assert.Equal(t, 200, sw.NextPrevPID)
	assert.True(t, sw.Out)
}

func TestParseComm(t *testing.T) {
	raw := newRec(unix.PERF_RECORD_COMM, 0).
		u32(10).u32(11).
		str("workload").
		bytes()
	c := ParseComm(raw)
	assert.Equal(t, 10, c.PID)
	assert.Equal(t, "workload", c.Comm)
}
