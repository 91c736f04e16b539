// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbol

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// A moduleRegion is one executable file-backed mapping of a process.
type moduleRegion struct {
	start, end uint64
	path       string
}

// nonFileMarkers reject pseudo-mappings that carry no symbols.
var nonFileMarkers = []string{
	"/anon_hugepage", "/dev/zero", "//anon", "[stack", "socket:",
	"[vsyscall]", "[heap]", "[vdso]", "/sysv", "[vvar]",
}

// parseMaps reads /proc/<pid>/maps-format lines, keeping r-xp
// file-backed regions.
func parseMaps(r io.Reader) []moduleRegion {
	var out []moduleRegion
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		line := scan.Text()
		if !strings.Contains(line, "r-xp") {
			continue
		}
		skip := false
		for _, marker := range nonFileMarkers {
			if strings.Contains(line, marker) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		var reg moduleRegion
		var mode, offset, dev, inode string
		n, err := fmt.Sscanf(line, "%x-%x %s %s %s %s %s",
			&reg.start, &reg.end, &mode, &offset, &dev, &inode, &reg.path)
		if err != nil || n < 7 || !strings.HasPrefix(reg.path, "/") {
			continue
		}
		out = append(out, reg)
	}
	return out
}

func readProcMaps(pid int) ([]moduleRegion, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, errors.Wrapf(err, "reading maps of %d", pid)
	}
	defer f.Close()
	return parseMaps(f), nil
}

// RecordModule ingests the module map of pid and the symbols of every
// module in it. Idempotent per pid until FreeModule or Clear.
func (r *Resolver) RecordModule(pid int, mode RecordMode) error {
	if pid < 0 {
		return ErrInvalidPID
	}
	r.moduleLock.lock(pid)
	defer r.moduleLock.unlock(pid)

	r.moduleMu.RLock()
	_, done := r.modules[pid]
	r.moduleMu.RUnlock()
	if done {
		return nil
	}

	regions, err := readProcMaps(pid)
	if err != nil {
		return err
	}
	for _, reg := range regions {
		if err := r.RecordELF(reg.path); err != nil {
			logrus.Debugf("symbols of %s: %v", reg.path, err)
		}
		if mode != RecordNoDwarf {
			if err := r.RecordDwarf(reg.path); err != nil {
				logrus.Debugf("line table of %s: %v", reg.path, err)
			}
		}
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	r.moduleMu.Lock()
	r.modules[pid] = regions
	r.moduleMu.Unlock()
	return nil
}

// UpdateModule re-scans the module map of pid and ingests any region
// whose start address is new, catching dlopen'd libraries. A pid
// never passed to RecordModule is left alone.
func (r *Resolver) UpdateModule(pid int) error {
	if pid < 0 {
		return ErrInvalidPID
	}
	r.moduleLock.lock(pid)
	defer r.moduleLock.unlock(pid)

	r.moduleMu.RLock()
	old, ok := r.modules[pid]
	r.moduleMu.RUnlock()
	if !ok {
		return nil
	}

	regions, err := readProcMaps(pid)
	if err != nil {
		return err
	}
	known := make(map[uint64]bool, len(old))
	for _, reg := range old {
		known[reg.start] = true
	}
	added := false
	for _, reg := range regions {
		if known[reg.start] {
			continue
		}
		if err := r.RecordELF(reg.path); err != nil {
			logrus.Debugf("symbols of %s: %v", reg.path, err)
		}
		if err := r.RecordDwarf(reg.path); err != nil {
			logrus.Debugf("line table of %s: %v", reg.path, err)
		}
		old = append(old, reg)
		added = true
	}
	if added {
		sort.Slice(old, func(i, j int) bool { return old[i].start < old[j].start })
		r.moduleMu.Lock()
		r.modules[pid] = old
		r.moduleMu.Unlock()
	}
	return nil
}

// UpdateModuleAt records one mapping reported inline by a sampler's
// MMAP record: pid loaded path at start.
func (r *Resolver) UpdateModuleAt(pid int, path string, start uint64) error {
	if pid < 0 {
		return ErrInvalidPID
	}
	if err := r.RecordELF(path); err != nil {
		return err
	}
	if err := r.RecordDwarf(path); err != nil {
		logrus.Debugf("line table of %s: %v", path, err)
	}

	r.moduleLock.lock(pid)
	defer r.moduleLock.unlock(pid)
	r.moduleMu.Lock()
	regions := append(r.modules[pid], moduleRegion{start: start, path: path})
	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	r.modules[pid] = regions
	r.moduleMu.Unlock()
	return nil
}
