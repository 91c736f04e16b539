// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package topology

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ProcTopology describes one monitored thread. For system-wide
// collection (pid -1) the sentinel {-1, -1, "system"} is used.
type ProcTopology struct {
	PID  int // thread group id
	TID  int
	Comm string
}

// Proc reads the topology of one thread from /proc.
func Proc(tid int) (*ProcTopology, error) {
	if tid == -1 {
		return &ProcTopology{PID: -1, TID: -1, Comm: "system"}, nil
	}

	pid, err := tgidOf(tid)
	if err != nil {
		return nil, err
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return nil, errors.Wrapf(err, "reading comm of %d", pid)
	}
	return &ProcTopology{
		PID:  pid,
		TID:  tid,
		Comm: strings.TrimSpace(string(comm)),
	}, nil
}

func tgidOf(tid int) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", tid))
	if err != nil {
		return -1, errors.Wrapf(err, "reading status of %d", tid)
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := scan.Text()
		if !strings.HasPrefix(line, "Tgid:") {
			continue
		}
		tgid, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Tgid:")))
		if err != nil {
			return -1, errors.Wrapf(err, "bad Tgid line %q", line)
		}
		return tgid, nil
	}
	return -1, errors.Errorf("no Tgid in status of %d", tid)
}

// ChildTIDs returns pid and all of its threads, walking
// /proc/<pid>/task recursively.
func ChildTIDs(pid int) ([]int, error) {
	var out []int
	if err := childTIDs(fmt.Sprintf("/proc/%d/task", pid), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func childTIDs(dir string, out *[]int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "walking %s", dir)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		tid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		*out = append(*out, tid)
		// Descend in case the thread has tasks of its own.
		childTIDs(dir+"/"+ent.Name(), out)
	}
	return nil
}
