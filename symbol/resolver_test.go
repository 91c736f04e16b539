// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackDedup(t *testing.T) {
	r := NewResolver()
	ips := []uint64{0xa000, 0xb000, 0xc000}

	s1 := r.StackFor(10, ips)
	s2 := r.StackFor(10, []uint64{0xa000, 0xb000, 0xc000})
	require.NotNil(t, s1)
	assert.Same(t, s1, s2, "identical ip sequences must share one chain")
	assert.Equal(t, 3, s1.Depth())

	// Different pid: different chain.
	s3 := r.StackFor(11, ips)
	assert.NotSame(t, s1, s3)

	// Permuted ips: different chain.
	s4 := r.StackFor(10, []uint64{0xc000, 0xb000, 0xa000})
	assert.NotSame(t, s1, s4)
}

func TestStackOrder(t *testing.T) {
	r := NewResolver()
	r.kernelMu.Lock()
	r.ksyms = []kernSym{
		{addr: 0xffff000000001000, name: "inner_func"},
		{addr: 0xffff000000002000, name: "outer_func"},
	}
	r.kernelMu.Unlock()

	// ips are innermost first; the chain is outermost first.
	chain := r.StackFor(0, []uint64{0xffff000000001010, 0xffff000000002020})
	require.NotNil(t, chain)
	require.NotNil(t, chain.Symbol)
	assert.Equal(t, "outer_func", chain.Symbol.Name)
	assert.Equal(t, "inner_func", chain.Innermost().Symbol.Name)
}

func TestHashIPsOrderSensitive(t *testing.T) {
	a := hashIPs([]uint64{1, 2, 3})
	b := hashIPs([]uint64{3, 2, 1})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, hashIPs([]uint64{1, 2, 3}))
}

func TestMapAddrUnknownPID(t *testing.T) {
	r := NewResolver()
	_, err := r.MapAddr(424242, 0x400000)
	assert.ErrorIs(t, err, ErrPIDNotFound)
}

func TestKallsymsLookup(t *testing.T) {
	input := `ffff000000010000 T _stext
ffff000000010100 T vectors
ffff000000020000 t do_idle
`
	syms := parseKallsyms(strings.NewReader(input))
	require.Len(t, syms, 3)

	r := NewResolver()
	r.ksyms = syms

	sym, err := r.MapAddr(0, 0xffff000000010180)
	require.NoError(t, err)
	assert.Equal(t, "vectors", sym.Name)
	assert.Equal(t, uint64(0x80), sym.Offset)
	assert.Equal(t, "KERNEL", sym.Module)

	// Below the lowest kernel symbol: no match.
	_, err = r.MapAddr(0, 0xffff000000000001)
	assert.Error(t, err)
}

func TestParseMaps(t *testing.T) {
	input := `00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521 /usr/bin/dbus-daemon
7f2c45e85000-7f2c46012000 r-xp 00000000 08:02 135522 /usr/lib64/libc-2.17.so
7fffa5b1c000-7fffa5b3d000 r-xp 00000000 00:00 0 [stack]
7fffa5bec000-7fffa5bee000 r-xp 00000000 00:00 0 [vdso]
ffffffffff600000-ffffffffff601000 r-xp 00000000 00:00 0 [vsyscall]
7f2c46234000-7f2c46236000 rw-p 00000000 00:00 0
`
	regions := parseMaps(strings.NewReader(input))
	require.Len(t, regions, 2)
	assert.Equal(t, uint64(0x400000), regions[0].start)
	assert.Equal(t, uint64(0x452000), regions[0].end)
	assert.Equal(t, "/usr/bin/dbus-daemon", regions[0].path)
	assert.Equal(t, "/usr/lib64/libc-2.17.so", regions[1].path)
}

func TestAddrToModule(t *testing.T) {
	regions := []moduleRegion{
		{start: 0x1000, end: 0x2000, path: "/a"},
		{start: 0x4000, end: 0x5000, path: "/b"},
	}
	assert.Equal(t, "/a", addrToModule(regions, 0x1800).path)
	assert.Equal(t, "/b", addrToModule(regions, 0x4000).path)
	assert.Nil(t, addrToModule(regions, 0x800))
	// Past the last region start still resolves to it, matching
	// the permissive module search.
	assert.Equal(t, "/b", addrToModule(regions, 0x9000).path)
}

func TestSearchELF(t *testing.T) {
	syms := []elfSym{
		{start: 0x1000, end: 0x1100, name: "alpha"},
		{start: 0x1100, end: 0x1250, name: "beta"},
		{start: 0x2000, end: 0x2040, name: "_Z5gammav"},
	}

	var out Symbol
	out.Name = "UNKNOWN"
	searchELF(syms, 0x1180, &out)
	assert.Equal(t, "beta", out.Name)
	assert.Equal(t, uint64(0x80), out.Offset)
	assert.Equal(t, uint64(0x1250), out.CodeMapEnd)

	// Demangled C++ name.
	out = Symbol{Name: "UNKNOWN"}
	searchELF(syms, 0x2010, &out)
	assert.Equal(t, "gamma()", out.Name)

	// Before the first symbol: untouched.
	out = Symbol{Name: "UNKNOWN"}
	searchELF(syms, 0x500, &out)
	assert.Equal(t, "UNKNOWN", out.Name)
}

func TestSearchLine(t *testing.T) {
	r := NewResolver()
	lines := []lineEntry{
		{addr: 0x1000, fileIndex: r.fileIndex("a.c"), line: 10},
		{addr: 0x1020, fileIndex: r.fileIndex("a.c"), line: 11},
		{addr: 0x2000, fileIndex: r.fileIndex("b.c"), line: 5},
	}

	var out Symbol
	r.searchLine(lines, 0x1028, &out)
	assert.Equal(t, "a.c", out.File)
	assert.Equal(t, 11, out.Line)

	r.searchLine(lines, 0x2000, &out)
	assert.Equal(t, "b.c", out.File)
	assert.Equal(t, 5, out.Line)
}

func TestClear(t *testing.T) {
	r := NewResolver()
	ips := []uint64{0x1, 0x2}
	s1 := r.StackFor(5, ips)
	r.Clear()
	s2 := r.StackFor(5, ips)
	assert.NotSame(t, s1, s2, "clear must drop the stack cache")
}

func TestRecordELFNotAFile(t *testing.T) {
	r := NewResolver()
	err := r.RecordELF("/proc")
	assert.ErrorIs(t, err, ErrNotRegularFile)
}

func TestFileIndexInterning(t *testing.T) {
	r := NewResolver()
	a := r.fileIndex("x.c")
	b := r.fileIndex("y.c")
	assert.Equal(t, a, r.fileIndex("x.c"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, "y.c", r.fileName(b))
}
