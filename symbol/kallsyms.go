// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbol

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type kernSym struct {
	addr uint64
	name string
}

var ErrKallsyms = errors.New("cannot read /proc/kallsyms")

// RecordKernel ingests /proc/kallsyms into a sorted table.
// Idempotent until Clear.
func (r *Resolver) RecordKernel() error {
	r.kernelMu.Lock()
	defer r.kernelMu.Unlock()
	if len(r.ksyms) > 0 {
		return nil
	}

	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return errors.Wrap(ErrKallsyms, err.Error())
	}
	defer f.Close()

	r.ksyms = parseKallsyms(f)
	return nil
}

// parseKallsyms reads "addr mode name [module]" lines and returns
// them sorted by address.
func parseKallsyms(rd io.Reader) []kernSym {
	var out []kernSym
	scan := bufio.NewScanner(rd)
	scan.Buffer(make([]byte, 1024), 1024*1024)
	for scan.Scan() {
		fields := strings.Fields(scan.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		out = append(out, kernSym{addr: addr, name: fields[2]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// mapKernelAddr resolves a kernel address by binary search over the
// kallsyms table.
func (r *Resolver) mapKernelAddr(addr uint64) (*Symbol, error) {
	r.kernelMu.Lock()
	ksyms := r.ksyms
	r.kernelMu.Unlock()

	i := sort.Search(len(ksyms), func(i int) bool {
		return ksyms[i].addr > addr
	})
	if i == 0 {
		return nil, errors.Wrapf(ErrAddrNotFound, "kernel %#x", addr)
	}
	s := &ksyms[i-1]
	return &Symbol{
		Addr:   s.addr,
		Module: "KERNEL",
		Name:   s.name,
		File:   "KERNEL",
		Offset: addr - s.addr,
	}, nil
}
