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

// testRing builds a ring over a plain byte slice, standing in for
// the kernel mapping.
func testRing(size int) *Ring {
	return &Ring{
		meta: &unix.PerfEventMmapPage{},
		data: make([]byte, size),
		mask: uint64(size - 1),
	}
}

// putRecord writes a record of the given total size at absolute ring
// position pos, wrapping as the kernel would, and returns the bytes
// written.
func putRecord(r *Ring, pos uint64, typ uint32, size int) []byte {
	rec := make([]byte, size)
	le.PutUint32(rec[0:], typ)
	le.PutUint16(rec[6:], uint16(size))
	for i := headerSize; i < size; i++ {
		rec[i] = byte(i * 7)
	}
	for i, b := range rec {
		r.data[(pos+uint64(i))&r.mask] = b
	}
	return rec
}

func TestRingReadStraight(t *testing.T) {
	r := testRing(4096)
	want := putRecord(r, 0, unix.PERF_RECORD_SAMPLE, 64)
	r.meta.Data_head = 64

	r.BeginRead()
	got := r.ReadEvent()
	require.NotNil(t, got)
	assert.Equal(t, want, got)
	assert.Nil(t, r.ReadEvent())

	r.Consume()
	assert.Equal(t, uint64(64), r.meta.Data_tail)
}

func TestRingReadWrapped(t *testing.T) {
	// A 48-byte record spanning 4080..4127: 16 trailing bytes
	// plus 32 at the head.
	r := testRing(4096)
	r.prev = 4080
	r.meta.Data_tail = 4080
	want := putRecord(r, 4080, unix.PERF_RECORD_SAMPLE, 48)
	r.meta.Data_head = 4128

	r.BeginRead()
	got := r.ReadEvent()
	require.NotNil(t, got)
	assert.Equal(t, want, got)
	assert.Nil(t, r.ReadEvent())
	r.Consume()
	assert.Equal(t, uint64(4128), r.meta.Data_tail)
}

func TestRingWrapAtEveryOffset(t *testing.T) {
	// Decoding must reproduce the source bytes at every possible
	// wrap offset.
	const size = 4096
	const recLen = 48
	for off := uint64(0); off < size; off += 8 {
		r := testRing(size)
		r.prev = off
		r.meta.Data_tail = off
		want := putRecord(r, off, unix.PERF_RECORD_SAMPLE, recLen)
		r.meta.Data_head = off + recLen

		r.BeginRead()
		got := r.ReadEvent()
		require.NotNil(t, got, "offset %d", off)
		require.Equal(t, want, got, "offset %d", off)
	}
}

func TestRingPartialRecord(t *testing.T) {
	r := testRing(4096)
	putRecord(r, 0, unix.PERF_RECORD_SAMPLE, 64)

	// Head stops short of the full record: the reader must not
	// advance.
	r.meta.Data_head = 32
	r.BeginRead()
	assert.Nil(t, r.ReadEvent())
	assert.Equal(t, uint64(0), r.prev)

	// Less than a header is not readable either.
	r.meta.Data_head = 4
	r.BeginRead()
	assert.Nil(t, r.ReadEvent())
}

func TestRingBogusSize(t *testing.T) {
	// A record with size < header size ends the window without
	// advancing.
	r := testRing(4096)
	putRecord(r, 0, unix.PERF_RECORD_SAMPLE, 64)
	le.PutUint16(r.data[6:], 4)
	r.meta.Data_head = 64

	r.BeginRead()
	assert.Nil(t, r.ReadEvent())
	assert.Equal(t, uint64(0), r.prev)
}

func TestRingMultipleRecords(t *testing.T) {
	r := testRing(4096)
	a := putRecord(r, 0, unix.PERF_RECORD_SAMPLE, 32)
	b := putRecord(r, 32, unix.PERF_RECORD_FORK, 40)
	r.meta.Data_head = 72

	r.BeginRead()
	assert.Equal(t, a, r.ReadEvent())
	r.Consume()
	assert.Equal(t, uint64(32), r.meta.Data_tail)
	assert.Equal(t, b, r.ReadEvent())
	r.Consume()
	assert.Equal(t, uint64(72), r.meta.Data_tail)
	assert.Nil(t, r.ReadEvent())
}

func TestRingDrain(t *testing.T) {
	r := testRing(4096)
	putRecord(r, 0, unix.PERF_RECORD_SAMPLE, 32)
	r.meta.Data_head = 32

	r.Drain()
	assert.Equal(t, uint64(32), r.meta.Data_tail)
	assert.Equal(t, uint64(32), r.prev)
}

func TestTSCConversion(t *testing.T) {
	tc := TSCConversion{TimeShift: 10, TimeMult: 3, TimeZero: 1000}
	// cyc = q<<10 + rem
	cyc := uint64(5<<10 + 512)
	want := uint64(1000 + 5*3 + (512*3)>>10)
	assert.Equal(t, want, tc.ToPerfTime(cyc))
}

func TestTSCSeqLock(t *testing.T) {
	r := testRing(4096)
	r.meta.Time_shift = 21
	r.meta.Time_mult = 1_000_000
	r.meta.Time_zero = 42
	r.meta.Capabilities = capUserTimeZero

	tc, err := r.TSC()
	require.NoError(t, err)
	assert.Equal(t, uint16(21), tc.TimeShift)
	assert.Equal(t, uint32(1_000_000), tc.TimeMult)
	assert.Equal(t, uint64(42), tc.TimeZero)

	// Without the capability bit the parameters are unusable.
	r.meta.Capabilities = 0
	_, err = r.TSC()
	assert.ErrorIs(t, err, ErrNoTimeZero)

	// An odd sequence counter means a writer is mid-update; the
	// bounded spin gives up.
	r.meta.Lock = 1
	_, err = r.TSC()
	assert.Error(t, err)
}
