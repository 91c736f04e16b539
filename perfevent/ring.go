// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfevent

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxRecordSize bounds the scratch buffer used to straighten records
// that wrap around the end of the ring.
const maxRecordSize = 8192

// headerSize is sizeof(struct perf_event_header).
const headerSize = 8

// A Ring is the memory-mapped channel of one event fd: the control
// page followed by a power-of-two data area. The kernel advances
// data_head; the consumer advances data_tail. All head loads are
// acquire loads and all tail stores are release stores, which on
// arm64 is exactly the ldar/stlr pairing the protocol requires.
type Ring struct {
	raw  []byte
	meta *unix.PerfEventMmapPage
	data []byte
	mask uint64

	prev  uint64
	start uint64
	end   uint64

	scratch [maxRecordSize]byte
}

// MapRing maps the ring of fd with a data area of pages pages (a
// power of two) plus the control page.
func MapRing(fd int, pages int) (*Ring, error) {
	pageSize := unix.Getpagesize()
	if pages&(pages-1) != 0 {
		return nil, errors.Errorf("ring pages %d not a power of two", pages)
	}
	size := (pages + 1) * pageSize
	raw, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap ring")
	}
	return &Ring{
		raw:  raw,
		meta: (*unix.PerfEventMmapPage)(unsafe.Pointer(&raw[0])),
		data: raw[pageSize:],
		mask: uint64(pages*pageSize - 1),
	}, nil
}

// Unmap releases the mapping. The fd stays open.
func (r *Ring) Unmap() error {
	if r.raw == nil {
		return nil
	}
	err := unix.Munmap(r.raw)
	r.raw = nil
	return err
}

func (r *Ring) loadHead() uint64 {
	return atomic.LoadUint64(&r.meta.Data_head)
}

// BeginRead snapshots the readable window [prev, head). If the
// window somehow exceeds the ring size the reader lost its place and
// the window is dropped.
func (r *Ring) BeginRead() {
	head := r.loadHead()
	r.start = r.prev
	r.end = head
	if r.end-r.start > r.mask+1 {
		r.prev = head
		r.Consume()
		r.start = head
	}
}

// ReadEvent returns the raw bytes of the next record in the window,
// or nil when the window is exhausted or the next record is not yet
// fully published. Records that wrap the ring end are straightened
// into an internal scratch buffer valid until the next call.
func (r *Ring) ReadEvent() []byte {
	r.end = r.loadHead()
	rec := r.read()
	r.prev = r.start
	return rec
}

func (r *Ring) read() []byte {
	diff := r.end - r.start
	if diff < headerSize {
		return nil
	}
	off := r.start & r.mask
	size := uint64(le.Uint16(r.data[off+6 : off+8]))
	if size < headerSize || diff < size {
		// Partially published record; retry on the next cycle.
		return nil
	}

	var rec []byte
	if off+size > r.mask+1 {
		n := size
		if n > maxRecordSize {
			n = maxRecordSize
		}
		first := copy(r.scratch[:n], r.data[off:])
		copy(r.scratch[first:n], r.data[:n-uint64(first)])
		rec = r.scratch[:n]
	} else {
		rec = r.data[off : off+size]
	}

	r.start += size
	return rec
}

// Consume publishes the consumed position back to the kernel with a
// release store of data_tail.
func (r *Ring) Consume() {
	atomic.StoreUint64(&r.meta.Data_tail, r.prev)
}

// ReadDone records the head observed by the finished read loop as the
// next window's starting point.
func (r *Ring) ReadDone() {
	r.prev = r.end
}

// Drain marks the whole ring consumed. Used by readers that sweep
// tail to head in one pass.
func (r *Ring) Drain() {
	head := r.loadHead()
	r.prev = head
	atomic.StoreUint64(&r.meta.Data_tail, head)
}

// SetAuxLayout asks the kernel to allocate an aux area of the given
// size at the given offset. Must precede MapAux.
func (r *Ring) SetAuxLayout(offset, size uint64) {
	r.meta.Aux_offset = offset
	r.meta.Aux_size = size
}

// MapAux maps the aux area laid out by SetAuxLayout.
func (r *Ring) MapAux(fd int) ([]byte, error) {
	buf, err := unix.Mmap(fd, int64(r.meta.Aux_offset), int(r.meta.Aux_size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap aux area")
	}
	return buf, nil
}

// AuxHead acquires the kernel's aux write position.
func (r *Ring) AuxHead() uint64 {
	return atomic.LoadUint64(&r.meta.Aux_head)
}

// AuxSize returns the size of the aux area.
func (r *Ring) AuxSize() uint64 {
	return r.meta.Aux_size
}

// FinishAux releases the whole aux window back to the kernel.
func (r *Ring) FinishAux() {
	atomic.StoreUint64(&r.meta.Aux_tail, atomic.LoadUint64(&r.meta.Aux_head))
}
