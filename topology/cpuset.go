// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package topology

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// A CPUSet represents a set of CPUs by CPU index.
type CPUSet []int

// ParseCPUSet parses the kernel's comma-separated range list format,
// e.g. "0-3,8,10-11", as found in /sys/devices/system/cpu/online and
// per-device cpumask files.
func ParseCPUSet(str string) (CPUSet, error) {
	var err error
	out := CPUSet{}
	for _, r := range strings.Split(strings.TrimSpace(str), ",") {
		var lo, hi int
		dash := strings.Index(r, "-")
		if dash == -1 {
			lo, err = strconv.Atoi(r)
			if err != nil {
				return nil, err
			}
			hi = lo
		} else {
			lo, err = strconv.Atoi(r[:dash])
			if err != nil {
				return nil, err
			}
			hi, err = strconv.Atoi(r[dash+1:])
			if err != nil {
				return nil, err
			}
		}
		for cpu := lo; cpu <= hi; cpu++ {
			out = append(out, cpu)
		}
	}
	sort.Ints(out)
	j := 0
	for i := 0; i < len(out); i++ {
		if j > 0 && out[i] == out[j-1] {
			continue
		}
		out[j] = out[i]
		j++
	}
	return out[:j], nil
}

func (c CPUSet) String() string {
	if len(c) == 0 {
		return ""
	}

	out := ""
	lo, hi := c[0], c[0]-1
	flush := func() {
		if lo == hi {
			out = fmt.Sprintf("%s,%d", out, lo)
		} else {
			out = fmt.Sprintf("%s,%d-%d", out, lo, hi)
		}
	}
	for _, cpu := range c {
		if cpu == hi+1 {
			hi = cpu
		} else {
			flush()
			lo, hi = cpu, cpu
		}
	}
	flush()
	return out[1:]
}

// Contains reports whether cpu is in the set.
func (c CPUSet) Contains(cpu int) bool {
	i := sort.SearchInts(c, cpu)
	return i < len(c) && c[i] == cpu
}
