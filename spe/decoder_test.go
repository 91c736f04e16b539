// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u64le(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func TestTimestampPacket(t *testing.T) {
	// 8-byte timestamp payload terminates the record.
	buf := append([]byte{0x71}, u64le(0x1000000000)...)
	require.Len(t, buf, 9)

	var pkt packet
	n := getPacket(&pkt, buf)
	assert.Equal(t, 9, n, "decoder must advance exactly by packet length")
	assert.Equal(t, packetTimestamp, pkt.typ)
	assert.Equal(t, uint64(0x1000000000), pkt.payload)

	d := NewDecoder(0)
	d.Decode(buf)
	require.Len(t, d.Records, 1)
	assert.Equal(t, uint64(0x1000000000), d.Records[0].Timestamp)
}

func TestPacketAdvance(t *testing.T) {
	// Every recognized header advances by exactly its packet
	// length.
	tests := []struct {
		name string
		buf  []byte
		typ  packetType
		n    int
	}{
		{"pad", []byte{0x00}, packetPad, 1},
		{"end", []byte{0x01}, packetEnd, 1},
		{"events-2", []byte{0x52, 0x02, 0x00}, packetEvents, 3},
		{"data-source-1", []byte{0x43, 0xaa}, packetDataSource, 2},
		{"context-4", []byte{0x64, 1, 0, 0, 0}, packetContext, 5},
		{"op-type", []byte{0x48, 0x00}, packetOpType, 2},
		{"address-8", append([]byte{0xb0}, u64le(0x1234)...), packetAddress, 9},
		{"counter-short", []byte{0x98, 1, 2}, packetCounter, 3},
		{"bad", []byte{0xff}, packetBad, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var pkt packet
			n := getPacket(&pkt, test.buf)
			assert.Equal(t, test.n, n)
			assert.Equal(t, test.typ, pkt.typ)
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	// decode(encode(payload)) == payload for each payload size.
	for _, size := range []int{1, 2, 4, 8} {
		sizeBits := byte(0)
		for s := size; s > 1; s >>= 1 {
			sizeBits++
		}
		hdr := byte(0b01000010) | sizeBits<<4 // events packet
		payload := uint64(0x1122334455667788) & (1<<(8*size) - 1)
		buf := append([]byte{hdr}, u64le(payload)[:size]...)

		var pkt packet
		n := getPacket(&pkt, buf)
		assert.Equal(t, 1+size, n)
		assert.Equal(t, payload, pkt.payload, "size %d", size)
	}
}

func TestAddressIndexes(t *testing.T) {
	pc := append([]byte{0xb0}, u64le(0x400000)...)
	va := append([]byte{0xb2}, u64le(0x500000)...)
	pa := append([]byte{0xb3}, u64le(0x600000)...)
	branch := append([]byte{0xb1}, u64le(0x700000)...)
	end := []byte{0x01}

	d := NewDecoder(0)
	d.Decode(pc)
	d.Decode(va)
	d.Decode(pa)
	d.Decode(branch)
	d.Decode(end)

	require.Len(t, d.Records, 1)
	rec := d.Records[0]
	assert.Equal(t, uint64(0x400000), rec.PC)
	assert.Equal(t, uint64(0x500000), rec.VA)
	assert.Equal(t, uint64(0x600000), rec.PA)
	assert.Equal(t, -1, rec.PID)
	assert.Equal(t, -1, rec.TID)
}

func TestExtendedAddressHeader(t *testing.T) {
	// Prefix byte 0b001000xx carries index bits [4:3]; prefix 00
	// keeps the short index.
	buf := append([]byte{0x20, 0xb2}, u64le(0xabcd)...)
	d := NewDecoder(0)
	d.Decode(buf)
	d.Decode([]byte{0x01})
	require.Len(t, d.Records, 1)
	assert.Equal(t, uint64(0xabcd), d.Records[0].VA)

	// Prefix index bits push the index out of the recognized
	// range; nothing is recorded.
	buf = append([]byte{0x21, 0xb2}, u64le(0xabcd)...)
	d.Reset()
	d.Decode(buf)
	d.Decode([]byte{0x01})
	require.Len(t, d.Records, 1)
	assert.Zero(t, d.Records[0].VA)
}

func TestContextSetsTID(t *testing.T) {
	buf := []byte{0x64, 0x39, 0x05, 0, 0, 0x01}
	d := NewDecoder(0)
	d.Decode(buf)
	require.Len(t, d.Records, 1)
	assert.Equal(t, 1337, d.Records[0].TID)
}

func TestFixupTopByte(t *testing.T) {
	kernel := uint64(0x00f0123456789abc)
	user := uint64(0x0000123456789abc)

	assert.Equal(t, uint64(0xfff0123456789abc), fixupTopByte(kernel))
	assert.Equal(t, user, fixupTopByte(user))

	// Idempotence: fixup(fixup(v)) == fixup(v).
	for _, v := range []uint64{kernel, user, 0, ^uint64(0) >> 8} {
		once := fixupTopByte(v)
		assert.Equal(t, once, fixupTopByte(once), "%#x", v)
	}
}

func TestRecordSpansSegments(t *testing.T) {
	// A record split across two Decode calls (a wrapped aux
	// window) is assembled whole.
	d := NewDecoder(0)
	d.Decode(append([]byte{0xb0}, u64le(0x1234)...))
	d.Decode([]byte{0x01})
	require.Len(t, d.Records, 1)
	assert.Equal(t, uint64(0x1234), d.Records[0].PC)
}

func TestDecodeLimit(t *testing.T) {
	d := NewDecoder(2)
	d.Decode([]byte{0x01, 0x01, 0x01, 0x01})
	assert.Len(t, d.Records, 2)
	assert.True(t, d.Truncated)

	d.Reset()
	assert.Empty(t, d.Records)
	assert.False(t, d.Truncated)
}

func TestEventsThenTimestamp(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x52, 0x02, 0x00) // events: RETIRED
	buf = append(buf, 0xb2)             // data VA
	buf = append(buf, u64le(0x0000555500001000)...)
	buf = append(buf, 0x71) // timestamp
	buf = append(buf, u64le(42)...)

	d := NewDecoder(0)
	d.Decode(buf)
	require.Len(t, d.Records, 1)
	rec := d.Records[0]
	assert.Equal(t, uint64(2), rec.Event)
	assert.Equal(t, uint64(0x0000555500001000), rec.VA)
	assert.Equal(t, uint64(42), rec.Timestamp)
}
