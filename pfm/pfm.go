// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pfm resolves performance event names into the low-level
// attributes needed to open them.
//
// Four name forms are recognized:
//
//	cycles                      symbolic core event (per-chip table)
//	r11                         raw event, config is the hex value
//	hisi_sccl3_ddrc0/flux_rd/   uncore event, resolved through sysfs
//	sched:sched_switch          tracepoint, id resolved through tracefs
package pfm

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/aclements/go-armpmu/topology"
)

// Kind is the logical PMU class of an event.
type Kind int

const (
	KindCore Kind = iota
	KindUncore
	KindTrace
	KindSPE
)

// An Event is the resolver output: everything needed to build a
// perf_event_attr for one named event.
type Event struct {
	Type    uint32
	Config  uint64
	Config1 uint64
	Config2 uint64

	Kind Kind
	Name string

	// CPUMask restricts fd-opening to one representative CPU for
	// uncore devices; -1 means no restriction.
	CPUMask int

	// Period is a sample period, or a frequency when UseFreq is
	// set. UseFreq wins if both were supplied.
	Period  uint64
	UseFreq bool
}

// Errors reported by the resolver.
var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrChipUndefined = errors.New("undefined chip type")
	ErrSPEUnavail    = errors.New("spe device unavailable")
)

const speTypePath = "/sys/devices/arm_spe_0/type"

// LookupEvent resolves a named core, raw, uncore or tracepoint event.
func LookupEvent(name string) (*Event, error) {
	chip := topology.Chip()
	if chip == topology.ChipUndefined {
		return nil, ErrChipUndefined
	}

	if evt, ok := coreEvent(chip, name); ok {
		return evt, nil
	}

	if cfg, ok := rawConfig(name); ok {
		return &Event{
			Type:    unix.PERF_TYPE_RAW,
			Config:  cfg,
			Kind:    KindCore,
			Name:    name,
			CPUMask: -1,
		}, nil
	}

	if strings.Contains(name, ":") {
		return traceEvent(name)
	}

	// Uncore names have the form device/event/.
	if i := strings.Index(name, "/"); i >= 0 && strings.Index(name[i+1:], "/") >= 0 {
		return uncoreEvent(name)
	}

	return nil, errors.Wrap(ErrUnknownEvent, name)
}

// SPEEvent builds the event descriptor for SPE sampling. The
// arm_spe_0 device type comes from sysfs; config carries the data
// filter, config1 the event filter and config2 the minimum latency.
func SPEEvent(dataFilter, eventFilter, minLatency uint64) (*Event, error) {
	data, err := os.ReadFile(speTypePath)
	if err != nil {
		return nil, ErrSPEUnavail
	}
	typ, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, ErrSPEUnavail
	}
	return &Event{
		Type:    uint32(typ),
		Config:  dataFilter,
		Config1: eventFilter,
		Config2: minLatency,
		Kind:    KindSPE,
		Name:    "arm_spe_0",
		CPUMask: -1,
	}, nil
}

// rawConfig parses the r<hex> raw event form.
func rawConfig(name string) (uint64, bool) {
	if len(name) < 2 || name[0] != 'r' {
		return 0, false
	}
	cfg, err := strconv.ParseUint(name[1:], 16, 64)
	if err != nil {
		return 0, false
	}
	return cfg, true
}

func readSysfsInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
