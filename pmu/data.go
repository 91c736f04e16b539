// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"sort"

	"github.com/aclements/go-armpmu/symbol"
	"github.com/aclements/go-armpmu/topology"
)

// DataExt carries the SPE-only payload of a record.
type DataExt struct {
	PA    uint64 // physical address
	VA    uint64 // virtual address
	Event uint64 // SPE event bitmask
}

// Data is one record returned to the client. Count is meaningful for
// counting tasks, Stack for sampling tasks and Ext for SPE tasks.
// Stack and the strings borrowed from topology caches stay valid
// until the records are freed and the symbol resolver is cleared.
type Data struct {
	Stack   *symbol.Stack
	Evt     string
	TS      int64
	PID     int
	TID     int
	CPU     int
	CPUTopo *topology.CPUTopology
	Comm    string

	Count uint64
	Ext   *DataExt
}

// sampleIPs holds the raw callchain of one sampled record until stack
// resolution runs at read time.
type sampleIPs struct {
	ips []uint64
}

// eventData is the per-descriptor staging buffer. data and ips run
// parallel for sampling task types.
type eventData struct {
	pd       int
	taskType TaskType
	data     []Data
	ips      []sampleIPs
}

type aggKey struct {
	evt string
	tid int
	cpu int
}

// aggregate merges counting records by (event, tid, cpu), summing
// counts. The result is ordered for stable output.
func aggregate(in []Data) []Data {
	merged := make(map[aggKey]*Data)
	var keys []aggKey
	for i := range in {
		d := &in[i]
		key := aggKey{d.Evt, d.TID, d.CPU}
		if m, ok := merged[key]; ok {
			m.Count += d.Count
		} else {
			cp := *d
			merged[key] = &cp
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.evt != b.evt {
			return a.evt < b.evt
		}
		if a.tid != b.tid {
			return a.tid < b.tid
		}
		return a.cpu < b.cpu
	})
	out := make([]Data, 0, len(keys))
	for _, key := range keys {
		out = append(out, *merged[key])
	}
	return out
}
