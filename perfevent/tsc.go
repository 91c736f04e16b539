// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfevent

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// TSCConversion holds the parameters the kernel publishes in the
// control page for converting generic-timer cycles to perf clock
// nanoseconds.
type TSCConversion struct {
	TimeShift uint16
	TimeMult  uint32
	TimeZero  uint64
}

// capUserTimeZero is the control-page capability bit that says the
// time_zero conversion parameters are valid.
const capUserTimeZero = 1 << 4

// ErrNoTimeZero is returned when the kernel does not publish usable
// conversion parameters.
var ErrNoTimeZero = errors.New("kernel does not publish time_zero conversion")

const tscSeqSpins = 10000

// TSC reads the conversion parameters under the control page's
// sequence lock, spinning a bounded number of times for the writer
// to finish.
func (r *Ring) TSC() (TSCConversion, error) {
	var tc TSCConversion
	for i := 0; ; i++ {
		seq := atomic.LoadUint32(&r.meta.Lock)
		tc.TimeShift = r.meta.Time_shift
		tc.TimeMult = r.meta.Time_mult
		tc.TimeZero = r.meta.Time_zero
		caps := r.meta.Capabilities
		if atomic.LoadUint32(&r.meta.Lock) == seq && seq&1 == 0 {
			if caps&capUserTimeZero == 0 {
				return tc, ErrNoTimeZero
			}
			return tc, nil
		}
		if i > tscSeqSpins {
			return tc, ErrNoTimeZero
		}
	}
}

// ToPerfTime converts a cycle count to perf clock nanoseconds.
func (tc TSCConversion) ToPerfTime(cyc uint64) uint64 {
	quot := cyc >> tc.TimeShift
	rem := cyc & (1<<tc.TimeShift - 1)
	return tc.TimeZero + quot*uint64(tc.TimeMult) + (rem*uint64(tc.TimeMult))>>tc.TimeShift
}
