// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aclements/go-armpmu/pfm"
	"github.com/aclements/go-armpmu/symbol"
	"github.com/aclements/go-armpmu/topology"
)

// A taskAttr is one resolved event bound to the cpu and thread lists
// it will be opened on.
type taskAttr struct {
	evt  *pfm.Event
	cpus []int
	pids []int
}

// A Registry owns all live descriptors: their event matrices,
// staging buffers, epoll instances and SPE cpu reservations. The
// zero Registry is not usable; see NewRegistry. Most clients use the
// package-level functions, which go through a process-wide default.
type Registry struct {
	mu       sync.Mutex
	evtLists map[int][]*evtList
	types    map[int]TaskType
	running  map[int]bool
	epollFds map[int]int
	epollN   map[int]int
	speCPUs  map[int]map[int]bool
	speCores map[int]*speCore

	dataMu   sync.Mutex
	dataList map[int]*eventData
	userData map[*Data]*eventData
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		evtLists: make(map[int][]*evtList),
		types:    make(map[int]TaskType),
		running:  make(map[int]bool),
		epollFds: make(map[int]int),
		epollN:   make(map[int]int),
		speCPUs:  make(map[int]map[int]bool),
		speCores: make(map[int]*speCore),
		dataList: make(map[int]*eventData),
		userData: make(map[*Data]*eventData),
	}
}

var stdRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by the
// package-level API.
func DefaultRegistry() *Registry {
	return stdRegistry
}

// newPD reserves the lowest free descriptor id.
func (g *Registry) newPD() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for pd := 0; ; pd++ {
		if _, live := g.evtLists[pd]; !live {
			g.evtLists[pd] = nil
			return pd
		}
	}
}

func (g *Registry) alive(pd int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.evtLists[pd]
	return ok
}

func (g *Registry) taskType(pd int) (TaskType, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.types[pd]
	return t, ok
}

func (g *Registry) setRunning(pd int, v bool) {
	g.mu.Lock()
	g.running[pd] = v
	g.mu.Unlock()
}

func (g *Registry) isRunning(pd int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[pd]
}

// register resolves the attr into event matrices and opens
// everything. On any failure the caller closes the descriptor,
// which releases whatever was opened.
func (g *Registry) register(pd int, taskType TaskType, tasks []*taskAttr) error {
	resolver := symbol.Default()
	if err := resolver.RecordKernel(); err != nil {
		logrus.Debugf("kernel symbols: %v", err)
	}

	g.dataMu.Lock()
	g.dataList[pd] = &eventData{pd: pd, taskType: taskType}
	g.dataMu.Unlock()
	g.mu.Lock()
	g.types[pd] = taskType
	g.mu.Unlock()

	// Expand the matrix first: the fd budget is events x cpus x
	// threads, and the soft nofile limit must cover it before
	// anything opens.
	cpuRows := make([][]*topology.CPUTopology, len(tasks))
	procCols := make([][]*topology.ProcTopology, len(tasks))
	need := 0
	for i, task := range tasks {
		cpus, err := g.prepareCPUs(pd, taskType, task)
		if err != nil {
			return err
		}
		procs, err := prepareProcs(task)
		if err != nil {
			return err
		}
		cpuRows[i], procCols[i] = cpus, procs
		need += len(cpus) * len(procs)
	}
	if err := raiseFdLimit(uint64(need)); err != nil {
		return err
	}

	for i, task := range tasks {
		list := newEvtList(g, taskType, task.evt, cpuRows[i], procCols[i])
		// The list joins the descriptor before anything can fail,
		// so close(pd) releases every cell it opened.
		g.mu.Lock()
		g.evtLists[pd] = append(g.evtLists[pd], list)
		g.mu.Unlock()
		if err := list.init(); err != nil {
			return err
		}
		if err := g.addToEpoll(pd, list.fds); err != nil {
			return err
		}
	}
	return nil
}

// prepareCPUs builds the row topology of one task and reserves SPE
// cpus, which are descriptor-exclusive.
func (g *Registry) prepareCPUs(pd int, taskType TaskType, task *taskAttr) ([]*topology.CPUTopology, error) {
	var out []*topology.CPUTopology
	for _, cpu := range task.cpus {
		if taskType == SPESampling {
			if g.speCPUBusy(cpu) {
				return nil, newError(ErrDeviceBusy)
			}
			g.addSpeCPU(pd, cpu)
		}
		topo, err := topology.CPU(cpu)
		if err != nil {
			return nil, newError(ErrFailGetCPU, err.Error())
		}
		out = append(out, topo)
	}
	return out, nil
}

// prepareProcs expands the pid list into per-thread topology, one
// sentinel column for system-wide. A pid that vanished entirely
// fails the open; a vanished child thread is skipped and reported
// through the error channel.
func prepareProcs(task *taskAttr) ([]*topology.ProcTopology, error) {
	if len(task.pids) == 0 {
		proc, err := topology.Proc(-1)
		if err != nil {
			return nil, newError(ErrFailGetProc, err.Error())
		}
		return []*topology.ProcTopology{proc}, nil
	}

	var out []*topology.ProcTopology
	for _, pid := range task.pids {
		tids, err := topology.ChildTIDs(pid)
		if err != nil {
			return nil, newError(ErrInvalidPID, errors.Cause(err).Error())
		}
		for _, tid := range tids {
			proc, err := topology.Proc(tid)
			if err != nil {
				setLast(newError(ErrNoProc, err.Error()))
				continue
			}
			logrus.Debugf("add to proc map: %d", tid)
			out = append(out, proc)
		}
	}
	if len(out) == 0 {
		return nil, newError(ErrNoProc)
	}
	return out, nil
}

// raiseFdLimit lifts the soft RLIMIT_NOFILE towards the hard limit
// so the whole matrix can open, with headroom for the rest of the
// process.
func raiseFdLimit(need uint64) error {
	const extra = 50
	want := need + extra

	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return newError(ErrRaiseFD, err.Error())
	}
	if lim.Cur > want {
		return nil
	}
	if lim.Max < need {
		return newError(ErrTooManyFD)
	}
	set := unix.Rlimit{Cur: lim.Max, Max: lim.Max}
	if want < lim.Max {
		set.Cur = want
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &set); err != nil {
		return newError(ErrRaiseFD, err.Error())
	}
	return nil
}

func (g *Registry) speCPUBusy(cpu int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cpus := range g.speCPUs {
		if cpus[cpu] {
			return true
		}
	}
	return false
}

func (g *Registry) addSpeCPU(pd, cpu int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cpus, ok := g.speCPUs[pd]
	if !ok {
		cpus = make(map[int]bool)
		g.speCPUs[pd] = cpus
	}
	cpus[cpu] = true
}

// speCoreFor returns the shared per-cpu SPE core, opening it on
// first use.
func (g *Registry) speCoreFor(cpu int, evt *pfm.Event, procs procMap) (*speCore, error) {
	g.mu.Lock()
	core, ok := g.speCores[cpu]
	g.mu.Unlock()
	if ok {
		return core, nil
	}
	core, err := openSpeCore(cpu, evt, procs)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.speCores[cpu] = core
	g.mu.Unlock()
	return core, nil
}

func (g *Registry) closeSpeCore(cpu int) {
	g.mu.Lock()
	core, ok := g.speCores[cpu]
	delete(g.speCores, cpu)
	g.mu.Unlock()
	if ok {
		core.close()
	}
}

// addToEpoll registers the fds of one event list with the
// descriptor's epoll instance, creating it on first use. The hup
// state of these fds is how process exit is observed.
func (g *Registry) addToEpoll(pd int, fds []int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	epfd, ok := g.epollFds[pd]
	if !ok {
		var err error
		epfd, err = unix.EpollCreate1(0)
		if err != nil {
			return newError(ErrFailListenProc, err.Error())
		}
		g.epollFds[pd] = epfd
	}
	for _, fd := range fds {
		ev := unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLRDHUP,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return newError(ErrFailListenProc, err.Error())
		}
		g.epollN[pd]++
	}
	return nil
}

func (g *Registry) removeEpoll(pd int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epfd, ok := g.epollFds[pd]; ok {
		unix.Close(epfd)
		delete(g.epollFds, pd)
		delete(g.epollN, pd)
	}
}

// allDead reports whether every monitored fd has hupped, meaning all
// target processes exited.
func (g *Registry) allDead(pd int) bool {
	g.mu.Lock()
	epfd, ok := g.epollFds[pd]
	n := g.epollN[pd]
	g.mu.Unlock()
	if !ok || n == 0 {
		return true
	}

	events := make([]unix.EpollEvent, n)
	ready, err := unix.EpollWait(epfd, events, 0)
	if err != nil || ready < n {
		return false
	}
	for _, ev := range events[:ready] {
		if ev.Events&unix.EPOLLHUP == 0 {
			return false
		}
	}
	return true
}

func (g *Registry) lists(pd int) []*evtList {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evtLists[pd]
}

func (g *Registry) start(pd int) error {
	for _, list := range g.lists(pd) {
		list.start()
	}
	return nil
}

func (g *Registry) pause(pd int) error {
	for _, list := range g.lists(pd) {
		list.pause()
	}
	return nil
}

// readToBuffer drains every event list into the descriptor's staging
// buffer, stamping each batch with the drain time.
func (g *Registry) readToBuffer(pd int) error {
	g.dataMu.Lock()
	ed, ok := g.dataList[pd]
	if !ok {
		taskType, _ := g.taskType(pd)
		ed = &eventData{pd: pd, taskType: taskType}
		g.dataList[pd] = ed
	}
	g.dataMu.Unlock()

	ts := time.Now().UnixNano()
	for _, list := range g.lists(pd) {
		list.setTimestamp(ts)
		if err := list.read(ed); err != nil {
			return err
		}
	}
	return nil
}

// exchangeToUser moves the staging buffer to the user-visible map,
// aggregating counting data and resolving stacks for sampled data.
// The first record's address keys the buffer for FreeData.
func (g *Registry) exchangeToUser(pd int) []Data {
	g.dataMu.Lock()
	defer g.dataMu.Unlock()

	ed, ok := g.dataList[pd]
	if !ok {
		return g.previousData(pd)
	}
	delete(g.dataList, pd)

	if ed.taskType == Counting {
		agg := aggregate(ed.data)
		if len(agg) == 0 {
			return nil
		}
		ued := &eventData{pd: pd, taskType: Counting, data: agg}
		g.userData[&ued.data[0]] = ued
		return ued.data
	}

	if len(ed.data) == 0 {
		return nil
	}
	g.userData[&ed.data[0]] = ed
	fillStacks(ed)
	return ed.data
}

// fillStacks resolves the staged raw callchains into shared stack
// chains. SPE records skip DWARF since only the pc symbol matters.
func fillStacks(ed *eventData) {
	resolver := symbol.Default()
	mode := symbol.RecordAll
	if ed.taskType == SPESampling {
		mode = symbol.RecordNoDwarf
	}
	for i := range ed.data {
		d := &ed.data[i]
		if d.PID >= 0 {
			if err := resolver.RecordModule(d.PID, mode); err != nil {
				logrus.Debugf("modules of %d: %v", d.PID, err)
			}
		}
		if d.Stack == nil && i < len(ed.ips) {
			d.Stack = resolver.StackFor(d.PID, ed.ips[i].ips)
		}
	}
}

// previousData returns the newest user-visible buffer of pd, for
// reads that race an empty staging buffer.
func (g *Registry) previousData(pd int) []Data {
	var newest *eventData
	var maxTS int64
	for _, ued := range g.userData {
		if ued.pd == pd && len(ued.data) > 0 && ued.data[0].TS > maxTS {
			maxTS = ued.data[0].TS
			newest = ued
		}
	}
	if newest == nil {
		return nil
	}
	return newest.data
}

// freeData releases the user-visible buffer keyed by its first
// record.
func (g *Registry) freeData(data []Data) {
	if len(data) == 0 {
		return
	}
	g.dataMu.Lock()
	delete(g.userData, &data[0])
	g.dataMu.Unlock()
}

// history merges all retained counting buffers of pd into one
// aggregated view.
func (g *Registry) history(pd int) []Data {
	g.dataMu.Lock()
	defer g.dataMu.Unlock()
	var merged []Data
	for _, ued := range g.userData {
		if ued.pd == pd && ued.taskType == Counting {
			merged = append(merged, ued.data...)
		}
	}
	return aggregate(merged)
}

// close tears down one descriptor: cells, epoll registration,
// staging and user buffers, SPE reservations. The symbol resolver's
// caches survive; clearing them is an explicit lifecycle call.
func (g *Registry) close(pd int) {
	for _, list := range g.lists(pd) {
		list.close()
	}
	g.mu.Lock()
	delete(g.evtLists, pd)
	delete(g.types, pd)
	delete(g.running, pd)
	delete(g.speCPUs, pd)
	g.mu.Unlock()

	g.removeEpoll(pd)

	g.dataMu.Lock()
	delete(g.dataList, pd)
	for key, ued := range g.userData {
		if ued.pd == pd {
			delete(g.userData, key)
		}
	}
	g.dataMu.Unlock()
}
