// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package topology reads CPU and process topology from sysfs and procfs.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// CPUTopology locates one logical CPU in the machine. A CoreID of -1
// is the sentinel used for system-wide records.
type CPUTopology struct {
	CoreID   int
	NumaID   int
	SocketID int
}

// ChipType identifies the CPU implementation as read from MIDR_EL1.
type ChipType int

const (
	ChipUndefined ChipType = iota
	ChipHiPA
	ChipHiPB
)

const (
	midrPath = "/sys/devices/system/cpu/cpu0/regs/identification/midr_el1"

	midrHiPA = "0x00000000481fd010"
	midrHiPB = "0x00000000480fd020"
)

var (
	chipOnce sync.Once
	chipType ChipType

	numaOnce sync.Once
	numaNode map[int]int

	onlineOnce sync.Once
	onlineSet  CPUSet
	onlineErr  error
)

// Chip returns the chip type of the running machine. The result is
// cached after the first read.
func Chip() ChipType {
	chipOnce.Do(func() {
		data, err := os.ReadFile(midrPath)
		if err != nil {
			return
		}
		switch strings.TrimSpace(string(data)) {
		case midrHiPA:
			chipType = ChipHiPA
		case midrHiPB:
			chipType = ChipHiPB
		}
	})
	return chipType
}

// OnlineCPUs returns the set of online CPUs.
func OnlineCPUs() (CPUSet, error) {
	onlineOnce.Do(func() {
		data, err := os.ReadFile("/sys/devices/system/cpu/online")
		if err != nil {
			onlineErr = errors.Wrap(err, "reading online cpus")
			return
		}
		onlineSet, onlineErr = ParseCPUSet(string(data))
	})
	return onlineSet, onlineErr
}

// NumCPU returns the number of online CPUs, or 0 if they cannot be
// determined.
func NumCPU() int {
	set, err := OnlineCPUs()
	if err != nil {
		return 0
	}
	return len(set)
}

// numaNodeOf returns the NUMA node of cpu, or -1 if unknown. The
// node->cpulist mapping is scanned once from sysfs.
func numaNodeOf(cpu int) int {
	numaOnce.Do(func() {
		numaNode = make(map[int]int)
		nodes, err := filepath.Glob("/sys/devices/system/node/node*/cpulist")
		if err != nil {
			return
		}
		for _, list := range nodes {
			base := filepath.Base(filepath.Dir(list))
			node, err := strconv.Atoi(strings.TrimPrefix(base, "node"))
			if err != nil {
				continue
			}
			data, err := os.ReadFile(list)
			if err != nil {
				continue
			}
			set, err := ParseCPUSet(string(data))
			if err != nil {
				continue
			}
			for _, c := range set {
				numaNode[c] = node
			}
		}
	})
	if node, ok := numaNode[cpu]; ok {
		return node
	}
	return -1
}

// CPU returns the topology of the given logical CPU. coreID -1 yields
// the {-1, -1, -1} sentinel.
func CPU(coreID int) (*CPUTopology, error) {
	if coreID == -1 {
		return &CPUTopology{CoreID: -1, NumaID: -1, SocketID: -1}, nil
	}

	pkg := fmt.Sprintf("/sys/bus/cpu/devices/cpu%d/topology/physical_package_id", coreID)
	data, err := os.ReadFile(pkg)
	if err != nil {
		return nil, errors.Wrapf(err, "reading topology of cpu %d", coreID)
	}
	socket, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "bad package id for cpu %d", coreID)
	}

	return &CPUTopology{
		CoreID:   coreID,
		NumaID:   numaNodeOf(coreID),
		SocketID: socket,
	}, nil
}
