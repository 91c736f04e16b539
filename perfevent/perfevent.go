// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perfevent is the thin layer over the kernel's
// perf_event_open facility: event fds, control ioctls, and the
// memory-mapped ring buffers the kernel publishes records through.
package perfevent

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Open wraps perf_event_open. On failure the returned error carries
// the raw errno for the caller to map.
func Open(attr *unix.PerfEventAttr, pid, cpu, groupFD int, flags int) (int, error) {
	attr.Size = uint32(unsafe.Sizeof(*attr))
	fd, err := unix.PerfEventOpen(attr, pid, cpu, groupFD, flags)
	if err != nil {
		return -1, errors.Wrapf(err, "perf_event_open type=%d config=%#x pid=%d cpu=%d",
			attr.Type, attr.Config, pid, cpu)
	}
	return fd, nil
}

// Enable starts counting on fd.
func Enable(fd int) error {
	return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Disable stops counting on fd. Reads after Disable see the complete
// record set of the enabled window.
func Disable(fd int) error {
	return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Reset zeroes the counter value of fd.
func Reset(fd int) error {
	return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0)
}

// Close closes the event fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// CountValue is the fixed-size struct returned by read(2) on a
// counting fd opened with TOTAL_TIME_ENABLED|TOTAL_TIME_RUNNING|ID.
type CountValue struct {
	Value       uint64
	TimeEnabled uint64
	TimeRunning uint64
	ID          uint64
}

// ReadCount issues one kernel read of the counter value.
func ReadCount(fd int) (CountValue, error) {
	var v CountValue
	buf := (*[unsafe.Sizeof(v)]byte)(unsafe.Pointer(&v))[:]
	if _, err := unix.Read(fd, buf); err != nil {
		return v, errors.Wrap(err, "reading counter")
	}
	return v, nil
}
