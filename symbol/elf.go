// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbol

import (
	"debug/elf"
	"os"
	"sort"

	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
)

// An elfSym is one STT_FUNC entry from a module's symbol tables.
type elfSym struct {
	start, end uint64
	name       string
}

var (
	ErrNotRegularFile = errors.New("not a regular file")
	ErrELFFormat      = errors.New("bad ELF format")
)

// RecordELF ingests the function symbols of one binary, from both the
// static and dynamic symbol tables. Cached per path until Clear.
func (r *Resolver) RecordELF(path string) error {
	r.elfLock.lock(path)
	defer r.elfLock.unlock(path)

	r.elfMu.RLock()
	_, done := r.elfs[path]
	r.elfMu.RUnlock()
	if done {
		return nil
	}

	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, path)
	}
	if !st.Mode().IsRegular() {
		return errors.Wrap(ErrNotRegularFile, path)
	}

	f, err := elf.Open(path)
	if err != nil {
		return errors.Wrap(ErrELFFormat, path)
	}
	defer f.Close()

	var out []elfSym
	collect := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
				continue
			}
			out = append(out, elfSym{
				start: sym.Value,
				end:   sym.Value + sym.Size,
				name:  sym.Name,
			})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		collect(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		collect(syms)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })

	r.elfMu.Lock()
	r.elfs[path] = out
	r.elfMu.Unlock()
	return nil
}

// searchELF binary-searches the sorted symbols for the one enclosing
// addr and fills the symbol name (demangled when possible), offset
// and end address.
func searchELF(syms []elfSym, addr uint64, out *Symbol) {
	i := sort.Search(len(syms), func(i int) bool {
		return syms[i].start > addr
	})
	if i == 0 {
		return
	}
	s := &syms[i-1]
	if addr > s.end {
		return
	}
	out.Offset = addr - s.start
	out.CodeMapEnd = s.end
	out.Name = demangle.Filter(s.name)
}
