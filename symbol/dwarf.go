// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbol

import (
	"debug/dwarf"
	"debug/elf"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// A lineEntry maps one address to a source position. File paths are
// interned in the resolver's pool shared across all modules.
type lineEntry struct {
	addr      uint64
	fileIndex int32
	line      int32
}

var ErrDwarfFormat = errors.New("bad DWARF data")

// RecordDwarf ingests the line tables of one binary into an
// address-ordered map. Cached per path until Clear; a binary without
// DWARF data caches an empty table.
func (r *Resolver) RecordDwarf(path string) error {
	r.dwarfLock.lock(path)
	defer r.dwarfLock.unlock(path)

	r.dwarfMu.RLock()
	_, done := r.dwarfs[path]
	r.dwarfMu.RUnlock()
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

	var entries []lineEntry
	if f.Section(".debug_info") != nil || f.Section(".zdebug_info") != nil {
		data, err := f.DWARF()
		if err != nil {
			return errors.Wrap(ErrDwarfFormat, path)
		}
		entries, err = r.readLineTables(data)
		if err != nil {
			return errors.Wrap(err, path)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })

	r.dwarfMu.Lock()
	r.dwarfs[path] = entries
	r.dwarfMu.Unlock()
	return nil
}

// readLineTables walks every compilation unit's line table.
func (r *Resolver) readLineTables(data *dwarf.Data) ([]lineEntry, error) {
	var out []lineEntry
	dr := data.Reader()
	for {
		ent, err := dr.Next()
		if ent == nil || err != nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			dr.SkipChildren()
			continue
		}

		lr, err := data.LineReader(ent)
		if err != nil {
			return nil, errors.Wrap(ErrDwarfFormat, "line reader")
		} else if lr == nil {
			continue
		}

		var lent dwarf.LineEntry
		for {
			err := lr.Next(&lent)
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, errors.Wrap(ErrDwarfFormat, "line entry")
			}
			if lent.EndSequence || lent.File == nil || lent.File.Name == "" {
				continue
			}
			out = append(out, lineEntry{
				addr:      lent.Address,
				fileIndex: r.fileIndex(lent.File.Name),
				line:      int32(lent.Line),
			})
		}
	}
	return out, nil
}

// searchLine finds the line entry covering addr by upper bound over
// the address-ordered table.
func (r *Resolver) searchLine(lines []lineEntry, addr uint64, out *Symbol) {
	i := sort.Search(len(lines), func(i int) bool {
		return lines[i].addr > addr
	})
	if i == 0 {
		return
	}
	ent := &lines[i-1]
	out.File = r.fileName(ent.fileIndex)
	out.Line = int(ent.line)
}
