// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbol

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// kernelStart is the lowest kernel virtual address on arm64; any
// address at or above it resolves through kallsyms.
const kernelStart = 0xffff000000000000

// RecordMode selects how much debug data RecordModule ingests.
type RecordMode int

const (
	// RecordAll ingests ELF symbol tables and DWARF line tables.
	RecordAll RecordMode = iota
	// RecordNoDwarf skips line tables; used for SPE records where
	// only the pc symbol matters.
	RecordNoDwarf
)

// Resolver errors.
var (
	ErrInvalidPID   = errors.New("pid must be non-negative")
	ErrPIDNotFound  = errors.New("pid has no recorded modules")
	ErrAddrNotFound = errors.New("address maps to no module")
)

// A Resolver owns every symbolization cache. Locks are partitioned
// on the natural key of each cache: pid for module maps, symbol and
// stack caches; module path for ELF and DWARF caches; one mutex for
// the kernel table.
type Resolver struct {
	kernelMu sync.Mutex
	ksyms    []kernSym

	fileMu   sync.Mutex
	filePool []string
	fileIdx  map[string]int32

	moduleLock keyedMutex[int]
	moduleMu   sync.RWMutex
	modules    map[int][]moduleRegion

	elfLock keyedMutex[string]
	elfMu   sync.RWMutex
	elfs    map[string][]elfSym

	dwarfLock keyedMutex[string]
	dwarfMu   sync.RWMutex
	dwarfs    map[string][]lineEntry

	symLock  keyedMutex[int]
	symMu    sync.RWMutex
	symCache map[int]map[uint64]*Symbol

	stackLock keyedMutex[int]
	stackMu   sync.RWMutex
	stacks    map[int]map[uint64]*Stack
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		modules:  make(map[int][]moduleRegion),
		elfs:     make(map[string][]elfSym),
		dwarfs:   make(map[string][]lineEntry),
		symCache: make(map[int]map[uint64]*Symbol),
		stacks:   make(map[int]map[uint64]*Stack),
		fileIdx:  make(map[string]int32),
	}
}

var std = NewResolver()

// Default returns the process-wide resolver.
func Default() *Resolver {
	return std
}

// Clear releases all caches atomically. Symbols and stacks handed
// out earlier are invalid afterwards.
func (r *Resolver) Clear() {
	r.kernelMu.Lock()
	r.ksyms = nil
	r.kernelMu.Unlock()

	r.moduleMu.Lock()
	r.modules = make(map[int][]moduleRegion)
	r.moduleMu.Unlock()
	r.elfMu.Lock()
	r.elfs = make(map[string][]elfSym)
	r.elfMu.Unlock()
	r.dwarfMu.Lock()
	r.dwarfs = make(map[string][]lineEntry)
	r.dwarfMu.Unlock()
	r.symMu.Lock()
	r.symCache = make(map[int]map[uint64]*Symbol)
	r.symMu.Unlock()
	r.stackMu.Lock()
	r.stacks = make(map[int]map[uint64]*Stack)
	r.stackMu.Unlock()

	r.fileMu.Lock()
	r.filePool = nil
	r.fileIdx = make(map[string]int32)
	r.fileMu.Unlock()

	r.moduleLock.reset()
	r.elfLock.reset()
	r.dwarfLock.reset()
	r.symLock.reset()
	r.stackLock.reset()
}

// fileIndex interns a source file path in the pool shared across all
// modules and returns its index.
func (r *Resolver) fileIndex(name string) int32 {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if idx, ok := r.fileIdx[name]; ok {
		return idx
	}
	idx := int32(len(r.filePool))
	r.filePool = append(r.filePool, name)
	r.fileIdx[name] = idx
	return idx
}

func (r *Resolver) fileName(idx int32) string {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if idx < 0 || int(idx) >= len(r.filePool) {
		return ""
	}
	return r.filePool[idx]
}

// MapAddr resolves one address for pid. Kernel addresses go through
// kallsyms; user addresses through the pid's module map, the
// module's ELF table and, when present, its DWARF line table.
func (r *Resolver) MapAddr(pid int, addr uint64) (*Symbol, error) {
	if addr >= kernelStart {
		sym, err := r.mapKernelAddr(addr)
		if err != nil {
			return nil, err
		}
		return sym, nil
	}
	return r.mapUserAddr(pid, addr)
}

func (r *Resolver) mapUserAddr(pid int, addr uint64) (*Symbol, error) {
	r.moduleMu.RLock()
	regions, ok := r.modules[pid]
	r.moduleMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrPIDNotFound, "pid %d", pid)
	}

	mod := addrToModule(regions, addr)
	if mod == nil {
		return nil, errors.Wrapf(ErrAddrNotFound, "%#x in pid %d", addr, pid)
	}

	r.symLock.lock(pid)
	defer r.symLock.unlock(pid)

	r.symMu.Lock()
	cache, ok := r.symCache[pid]
	if !ok {
		cache = make(map[uint64]*Symbol)
		r.symCache[pid] = cache
	}
	r.symMu.Unlock()
	if sym, ok := cache[addr]; ok {
		return sym, nil
	}

	sym := &Symbol{
		Addr:   addr,
		Module: mod.path,
		Name:   "UNKNOWN",
	}

	search := addr
	r.elfMu.RLock()
	syms := r.elfs[mod.path]
	r.elfMu.RUnlock()
	if len(syms) > 0 {
		// A symbol table whose top end is below the search
		// address means a position-independent binary mapped
		// high; search module-relative instead.
		if syms[len(syms)-1].end < search && search > mod.start {
			search = search - mod.start
		}
		searchELF(syms, search, sym)
	}

	r.dwarfMu.RLock()
	lines := r.dwarfs[mod.path]
	r.dwarfMu.RUnlock()
	if len(lines) > 0 {
		r.searchLine(lines, search, sym)
	}
	sym.CodeMapAddr = search

	cache[addr] = sym
	return sym, nil
}

// addrToModule binary-searches the (start-sorted) regions for the one
// containing addr.
func addrToModule(regions []moduleRegion, addr uint64) *moduleRegion {
	i := sort.Search(len(regions), func(i int) bool {
		return regions[i].start > addr
	})
	if i == 0 {
		return nil
	}
	return &regions[i-1]
}

// StackFor maps an ip sequence to its deduplicated chain. Two calls
// with the same pid and identical ips return the same *Stack.
func (r *Resolver) StackFor(pid int, ips []uint64) *Stack {
	id := hashIPs(ips)

	r.stackLock.lock(pid)
	defer r.stackLock.unlock(pid)

	r.stackMu.Lock()
	cache, ok := r.stacks[pid]
	if !ok {
		cache = make(map[uint64]*Stack)
		r.stacks[pid] = cache
	}
	r.stackMu.Unlock()
	if chain, ok := cache[id]; ok {
		return chain
	}

	// ips run innermost first; the chain runs outermost first.
	var head, tail *Stack
	for i := len(ips) - 1; i >= 0; i-- {
		sym, _ := r.MapAddr(pid, ips[i])
		cur := &Stack{Symbol: sym}
		if head == nil {
			head = cur
		} else {
			tail.Next = cur
		}
		tail = cur
	}

	cache[id] = head
	return head
}

// hashIPs hashes the ip sequence order-sensitively.
func hashIPs(ips []uint64) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, ip := range ips {
		binary.LittleEndian.PutUint64(b[:], ip)
		h.Write(b[:])
	}
	return h.Sum64()
}

// FreeModule drops the module map, symbol cache and stack cache of
// one pid.
func (r *Resolver) FreeModule(pid int) {
	if pid < 0 {
		return
	}
	r.moduleLock.lock(pid)
	r.moduleMu.Lock()
	delete(r.modules, pid)
	r.moduleMu.Unlock()
	r.moduleLock.unlock(pid)

	r.symMu.Lock()
	delete(r.symCache, pid)
	r.symMu.Unlock()
	r.stackMu.Lock()
	delete(r.stacks, pid)
	r.stackMu.Unlock()
}
