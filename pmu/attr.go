// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

// TaskType selects the collection mode of a descriptor.
type TaskType int

const (
	// Counting reads raw event totals.
	Counting TaskType = iota
	// Sampling collects periodic event and callchain records
	// through a ring buffer.
	Sampling
	// SPESampling decodes ARM SPE records from an aux buffer.
	SPESampling

	numTaskTypes
)

// SpeFilter is the SPE data-filter bitmask (perf attr config).
type SpeFilter uint64

const (
	SpeFilterNone SpeFilter = 0
	// SpeTSEnable timestamps each record with the generic timer.
	SpeTSEnable SpeFilter = 1 << 0
	// SpePAEnable collects physical addresses of loads and stores.
	SpePAEnable SpeFilter = 1 << 1
	// SpePCTEnable collects physical instead of virtual timestamps.
	SpePCTEnable SpeFilter = 1 << 2
	// SpeJitter randomizes sampling to avoid resonance.
	SpeJitter SpeFilter = 1 << 16
	// SpeBranchFilter collects branches only.
	SpeBranchFilter SpeFilter = 1 << 32
	// SpeLoadFilter collects loads only.
	SpeLoadFilter SpeFilter = 1 << 33
	// SpeStoreFilter collects stores only.
	SpeStoreFilter SpeFilter = 1 << 34

	SpeDataAll = SpeTSEnable | SpePAEnable | SpePCTEnable | SpeJitter |
		SpeBranchFilter | SpeLoadFilter | SpeStoreFilter
)

// SpeEventFilter is the SPE event-filter bitmask (perf attr config1).
type SpeEventFilter uint64

const (
	SpeEventNone         SpeEventFilter = 0
	SpeEventRetired      SpeEventFilter = 0x2  // instruction retired
	SpeEventL1DMiss      SpeEventFilter = 0x8  // L1D refill
	SpeEventTLBWalk      SpeEventFilter = 0x20 // TLB refill
	SpeEventMispredicted SpeEventFilter = 0x80 // mispredicted branch
)

// Attr describes what a descriptor monitors.
type Attr struct {
	// Events is the list of event names; empty for SPE sampling.
	Events []string
	// PIDs are the threads to monitor; empty means system-wide.
	// Child threads of each pid are included.
	PIDs []int
	// CPUs are the cpus to monitor; empty means all online cpus.
	CPUs []int

	// Period is a sample period, or a frequency when UseFreq is
	// set. UseFreq wins when both are given.
	Period  uint64
	UseFreq bool

	// SPE sampling only.
	DataFilter  SpeFilter
	EventFilter SpeEventFilter
	MinLatency  uint64
}
