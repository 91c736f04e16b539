// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pfm

import (
	"golang.org/x/sys/unix"

	"github.com/aclements/go-armpmu/topology"
)

// Core events resolve to raw config values that differ per chip
// generation. The table carries the common symbolic names; anything
// else must be given in r<hex> form.

var hipACoreMap = map[string]uint64{
	"cycles":                  0x11,
	"cpu-cycles":              0x11,
	"instructions":            0x1,
	"cache-references":        0x2,
	"cache-misses":            0x3,
	"branch-misses":           0x5,
	"bus-cycles":              0x6,
	"stalled-cycles-frontend": 0x7,
	"idle-cycles-frontend":    0x7,
	"stalled-cycles-backend":  0x8,
	"idle-cycles-backend":     0x8,
	"l1-dcache-load-misses":   0x10000,
	"l1-icache-load-misses":   0x10001,
	"l1-icache-loads":         0x1,
	"llc-load-misses":         0x10002,
	"llc-loads":               0x2,
	"dtlb-load-misses":        0x10003,
	"dtlb-loads":              0x3,
	"itlb-load-misses":        0x10004,
	"itlb-loads":              0x4,
	"branch-load-misses":      0x10005,
	"branch-loads":            0x5,
	"l1d-cache-rd":            0x40,
	"l1d-cache-wr":            0x41,
	"l1d-cache-refill-rd":     0x42,
	"l1d-cache-refill-wr":     0x43,
	"l1d-cache-wb-victim":     0x46,
	"l1d-tlb-rd":              0x4e,
	"l1d-tlb-wr":              0x4f,
	"l1d-tlb-refill-rd":       0x4c,
	"l1d-tlb-refill-wr":       0x4d,
	"l2d-cache-rd":            0x50,
	"l2d-cache-refill-rd":     0x52,
}

var hipBCoreMap = map[string]uint64{
	"cycles":                  0x11,
	"cpu-cycles":              0x11,
	"instructions":            0x1,
	"cache-references":        0x2,
	"cache-misses":            0x3,
	"branch-misses":           0x5,
	"bus-cycles":              0x6,
	"stalled-cycles-frontend": 0x7,
	"idle-cycles-frontend":    0x7,
	"stalled-cycles-backend":  0x8,
	"idle-cycles-backend":     0x8,
	"l1-dcache-load-misses":   0x10000,
	"l1-icache-load-misses":   0x10001,
	"l1-icache-loads":         0x1,
	"llc-load-misses":         0x10002,
	"llc-loads":               0x2,
	"dtlb-load-misses":        0x10003,
	"dtlb-loads":              0x3,
	"itlb-load-misses":        0x10004,
	"itlb-loads":              0x4,
	"branch-load-misses":      0x10005,
	"branch-loads":            0x5,
	"l1d-cache-rd":            0x40,
	"l1d-cache-wr":            0x41,
	"l1d-cache-refill-rd":     0x42,
	"l1d-cache-refill-wr":     0x43,
	"l1d-cache-wb-victim":     0x46,
	"l1d-tlb-rd":              0x4e,
	"l1d-tlb-wr":              0x4f,
	"l1d-tlb-refill-rd":       0x4c,
	"l1d-tlb-refill-wr":       0x4d,
	"l2d-cache-rd":            0x50,
	"l2d-cache-refill-rd":     0x52,
	"exe-stall-cycle":         0x7001,
	"fetch-bubble":            0x2014,
	"hit-on-prf":              0x7002,
	"if-is-stall":             0x1043,
	"iq-is-empty":             0x1042,
}

func coreTable(chip topology.ChipType) map[string]uint64 {
	switch chip {
	case topology.ChipHiPA:
		return hipACoreMap
	case topology.ChipHiPB:
		return hipBCoreMap
	}
	return nil
}

func coreEvent(chip topology.ChipType, name string) (*Event, bool) {
	table := coreTable(chip)
	if table == nil {
		return nil, false
	}
	cfg, ok := table[name]
	if !ok {
		return nil, false
	}
	return &Event{
		Type:    unix.PERF_TYPE_RAW,
		Config:  cfg,
		Kind:    KindCore,
		Name:    name,
		CPUMask: -1,
	}, true
}
