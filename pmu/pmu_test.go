// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	in := []Data{
		{Evt: "cycles", TID: 1, CPU: 0, Count: 5},
		{Evt: "cycles", TID: 1, CPU: 0, Count: 7},
		{Evt: "cycles", TID: 2, CPU: 0, Count: 1},
		{Evt: "instructions", TID: 1, CPU: 0, Count: 3},
	}
	out := aggregate(in)
	require.Len(t, out, 3)

	// The sum of per-slice counts equals the aggregated count.
	assert.Equal(t, "cycles", out[0].Evt)
	assert.Equal(t, 1, out[0].TID)
	assert.Equal(t, uint64(12), out[0].Count)
	assert.Equal(t, uint64(1), out[1].Count)
	assert.Equal(t, "instructions", out[2].Evt)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, aggregate(nil))
}

func TestCheckAttr(t *testing.T) {
	asCode := func(err error) Code {
		var perr *Error
		require.ErrorAs(t, err, &perr)
		return perr.Code
	}

	err := checkAttr(Counting, &Attr{Events: []string{"cycles"}, CPUs: []int{1 << 30}})
	assert.Equal(t, ErrInvalidCPUList, asCode(err))

	err = checkAttr(Counting, &Attr{Events: []string{"cycles"}, PIDs: []int{-2}})
	assert.Equal(t, ErrInvalidPIDList, asCode(err))

	err = checkAttr(TaskType(99), &Attr{})
	assert.Equal(t, ErrInvalidTaskType, asCode(err))

	err = checkAttr(Sampling, &Attr{})
	assert.Equal(t, ErrInvalidEvtList, asCode(err))

	// SPE needs no event names.
	assert.NoError(t, checkAttr(SPESampling, &Attr{}))
}

func TestErrorChannel(t *testing.T) {
	Stop(1 << 20)
	assert.Equal(t, int(ErrInvalidPD), Errno())
	assert.Equal(t, defaultMsg[ErrInvalidPD], ErrorString())

	setLast(nil)
	assert.Equal(t, int(Success), Errno())
	assert.Equal(t, "success", ErrorString())
}

func TestOpenInvalidAttr(t *testing.T) {
	pd := Open(Counting, &Attr{Events: []string{"cycles"}, PIDs: []int{-1}})
	assert.Equal(t, -1, pd)
	assert.Equal(t, int(ErrInvalidPIDList), Errno())
}

func TestCollectInvalidPD(t *testing.T) {
	assert.Equal(t, -1, Collect(1<<20, 100))
	assert.Equal(t, int(ErrInvalidPD), Errno())

	assert.Equal(t, -1, CollectV([]int{1 << 20}, 100))
	assert.Equal(t, int(ErrInvalidPD), Errno())
}

func TestReadInvalidPD(t *testing.T) {
	assert.Nil(t, Read(1<<20))
	assert.Equal(t, int(ErrInvalidPD), Errno())
}

func TestNewPDReuse(t *testing.T) {
	g := NewRegistry()
	pd0 := g.newPD()
	pd1 := g.newPD()
	assert.Equal(t, 0, pd0)
	assert.Equal(t, 1, pd1)

	// The lowest id becomes reusable after close.
	g.close(pd0)
	assert.Equal(t, 0, g.newPD())
}

func TestSliceFor(t *testing.T) {
	assert.Equal(t, collectInterval, sliceFor(time.Second, false))
	assert.Equal(t, 30*time.Millisecond, sliceFor(30*time.Millisecond, false))
	assert.Equal(t, collectInterval, sliceFor(0, true))
}

func TestMapOpenErrUnknown(t *testing.T) {
	err := mapOpenErr(assert.AnError)
	require.IsType(t, &Error{}, err)
	assert.Equal(t, ErrUnknown, err.Code)
}

func TestFreeData(t *testing.T) {
	g := NewRegistry()
	ued := &eventData{pd: 7, taskType: Counting, data: []Data{{Evt: "cycles", Count: 1}}}
	g.userData[&ued.data[0]] = ued

	g.freeData(ued.data)
	assert.Empty(t, g.userData)

	// Freeing an unknown or empty buffer is harmless.
	g.freeData(nil)
	g.freeData([]Data{{}})
}

func TestHistory(t *testing.T) {
	g := NewRegistry()
	a := &eventData{pd: 3, taskType: Counting, data: []Data{{Evt: "cycles", TID: 1, Count: 5}}}
	b := &eventData{pd: 3, taskType: Counting, data: []Data{{Evt: "cycles", TID: 1, Count: 6}}}
	other := &eventData{pd: 4, taskType: Counting, data: []Data{{Evt: "cycles", TID: 1, Count: 100}}}
	g.userData[&a.data[0]] = a
	g.userData[&b.data[0]] = b
	g.userData[&other.data[0]] = other

	hist := g.history(3)
	require.Len(t, hist, 1)
	assert.Equal(t, uint64(11), hist[0].Count)
}

func TestPreviousData(t *testing.T) {
	g := NewRegistry()
	old := &eventData{pd: 2, taskType: Sampling, data: []Data{{TS: 100}}}
	newer := &eventData{pd: 2, taskType: Sampling, data: []Data{{TS: 200}}}
	g.userData[&old.data[0]] = old
	g.userData[&newer.data[0]] = newer

	got := g.previousData(2)
	require.NotNil(t, got)
	assert.Equal(t, int64(200), got[0].TS)
}
