// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbol

import "github.com/pkg/errors"

// ErrKernelCode is returned when a code-address lookup is attempted
// on a kernel address; source mapping only works for user binaries.
var ErrKernelCode = errors.New("kernel addresses have no source mapping")

// MapCodeAddr resolves a module-relative address directly against a
// binary, without a process context: the ELF symbol enclosing addr
// and, when line tables exist, its source position. The binary is
// ingested on first use.
func (r *Resolver) MapCodeAddr(module string, addr uint64) (*Symbol, error) {
	if addr >= kernelStart {
		return nil, ErrKernelCode
	}
	if err := r.RecordELF(module); err != nil {
		return nil, err
	}

	sym := &Symbol{
		Addr:        addr,
		Module:      module,
		Name:        "UNKNOWN",
		CodeMapAddr: addr,
	}
	r.elfMu.RLock()
	syms := r.elfs[module]
	r.elfMu.RUnlock()
	if len(syms) > 0 {
		searchELF(syms, addr, sym)
	}

	if err := r.RecordDwarf(module); err == nil {
		r.dwarfMu.RLock()
		lines := r.dwarfs[module]
		r.dwarfMu.RUnlock()
		if len(lines) > 0 {
			r.searchLine(lines, addr, sym)
		}
	}
	return sym, nil
}
