// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pfm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/aclements/go-armpmu/topology"
)

func TestRawConfig(t *testing.T) {
	cfg, ok := rawConfig("r11")
	require.True(t, ok)
	assert.Equal(t, uint64(0x11), cfg)

	cfg, ok = rawConfig("r10004")
	require.True(t, ok)
	assert.Equal(t, uint64(0x10004), cfg)

	for _, bad := range []string{"", "r", "cycles", "rzz", "x11"} {
		_, ok := rawConfig(bad)
		assert.False(t, ok, bad)
	}
}

func TestCoreEvent(t *testing.T) {
	evt, ok := coreEvent(topology.ChipHiPA, "cycles")
	require.True(t, ok)
	assert.Equal(t, uint32(unix.PERF_TYPE_RAW), evt.Type)
	assert.Equal(t, uint64(0x11), evt.Config)
	assert.Equal(t, KindCore, evt.Kind)
	assert.Equal(t, -1, evt.CPUMask)

	_, ok = coreEvent(topology.ChipHiPA, "no-such-event")
	assert.False(t, ok)

	_, ok = coreEvent(topology.ChipUndefined, "cycles")
	assert.False(t, ok)

	// Chip generations share the common names but not the
	// extended set.
	_, ok = coreEvent(topology.ChipHiPA, "iq-is-empty")
	assert.False(t, ok)
	evt, ok = coreEvent(topology.ChipHiPB, "iq-is-empty")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1042), evt.Config)
}
