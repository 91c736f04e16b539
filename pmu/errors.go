// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	stderrors "errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Code is the numeric error taxonomy of the public API. The numbers
// are part of the ABI for foreign-language bindings.
type Code int

const (
	Success Code = 0

	// Generic.
	ErrNoMem   Code = 1
	ErrUnknown Code = 2
)

// Resource, argument and device errors. The block starts at 600 to
// leave room for generic codes.
const (
	ErrNoAvailPD Code = iota + 600
	ErrInvalidPD
	ErrInvalidCPUList
	ErrInvalidPIDList
	ErrInvalidEvtList
	ErrInvalidEvent
	ErrInvalidTaskType
	ErrInvalidTime
	ErrInvalidPID
	ErrNoPermission
	ErrDeviceBusy
	ErrDeviceInval
	ErrNoProc
	ErrTooManyFD
	ErrRaiseFD

	// Device errors.
	ErrSPEUnavail
	ErrChipTypeInvalid
	ErrFailMmap
	ErrFailListenProc
	ErrKernelNotSupport
	ErrFailGetCPU
	ErrFailGetProc
	ErrAuxTruncated
)

var defaultMsg = map[Code]string{
	Success:             "success",
	ErrNoMem:            "not enough memory",
	ErrUnknown:          "unknown error",
	ErrNoAvailPD:        "no available descriptor",
	ErrInvalidPD:        "invalid descriptor",
	ErrInvalidCPUList:   "invalid cpu list",
	ErrInvalidPIDList:   "invalid pid list",
	ErrInvalidEvtList:   "invalid event list",
	ErrInvalidEvent:     "invalid event",
	ErrInvalidTaskType:  "invalid task type",
	ErrInvalidTime:      "invalid collect time",
	ErrInvalidPID:       "failed to find process by pid",
	ErrNoPermission:     "no permission to open pmu device",
	ErrDeviceBusy:       "pmu device is busy",
	ErrDeviceInval:      "invalid event for pmu device",
	ErrNoProc:           "no such process",
	ErrTooManyFD:        "too many open files",
	ErrRaiseFD:          "failed to raise fd limit",
	ErrSPEUnavail:       "spe unavailable",
	ErrChipTypeInvalid:  "invalid chip type",
	ErrFailMmap:         "failed to mmap",
	ErrFailListenProc:   "failed to listen to processes",
	ErrKernelNotSupport: "operation not supported by kernel",
	ErrFailGetCPU:       "failed to get cpu info",
	ErrFailGetProc:      "failed to get process info",
	ErrAuxTruncated:     "aux buffer records truncated",
}

// An Error carries one taxonomy code and its message.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func newError(code Code, args ...interface{}) *Error {
	msg := defaultMsg[code]
	if len(args) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, fmt.Sprint(args...))
	}
	return &Error{Code: code, Msg: msg}
}

// The last error of any public operation, retrievable C-style via
// Errno and ErrorString.
var (
	lastMu   sync.Mutex
	lastCode Code
	lastMsg  = defaultMsg[Success]
)

func setLast(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastCode, lastMsg = Success, defaultMsg[Success]
		return
	}
	var perr *Error
	if stderrors.As(err, &perr) {
		lastCode, lastMsg = perr.Code, perr.Msg
		return
	}
	lastCode, lastMsg = ErrUnknown, err.Error()
}

// Errno returns the code of the last public operation.
func Errno() int {
	lastMu.Lock()
	defer lastMu.Unlock()
	return int(lastCode)
}

// ErrorString returns the message of the last public operation.
func ErrorString() string {
	lastMu.Lock()
	defer lastMu.Unlock()
	return lastMsg
}

// mapOpenErr converts a perf_event_open failure to its taxonomy
// code. Mapping happens once here; higher layers pass the typed
// error through unchanged.
func mapOpenErr(err error) *Error {
	var errno unix.Errno
	if !stderrors.As(err, &errno) {
		return newError(ErrUnknown, err.Error())
	}
	switch errno {
	case unix.EPERM, unix.EACCES:
		return newError(ErrNoPermission)
	case unix.EBUSY:
		return newError(ErrDeviceBusy)
	case unix.EINVAL:
		return newError(ErrDeviceInval)
	case unix.ESRCH:
		return newError(ErrNoProc)
	case unix.EMFILE:
		return newError(ErrTooManyFD)
	}
	return newError(ErrUnknown, err.Error())
}
