package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclavevm/wasmbridge/types"
)

func TestExtractVectorRoundTrip(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	payload := []byte("hello enclave")
	regionPtr := h.inputRegion(payload)

	got, err := inst.ExtractVector(regionPtr)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestExtractVectorCopiesOutOfGuestMemory(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	payload := []byte("mutable")
	regionPtr := h.inputRegion(payload)

	got, err := inst.ExtractVector(regionPtr)
	require.NoError(t, err)

	// The guest rewriting its memory must not change the extracted copy.
	header, _ := h.mem.Read(regionPtr, regionSize)
	offset := binary.LittleEndian.Uint32(header[0:4])
	h.mem.Write(offset, []byte("XXXXXXX"))
	require.Equal(t, []byte("mutable"), got)
}

func TestExtractVectorNullPointer(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	_, err := inst.ExtractVector(h.nullRegion())
	require.Error(t, err)

	var memErr types.MemoryError
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, types.MemoryRead, memErr.Op)
	assert.Contains(t, memErr.Detail, "null pointer")
}

func TestExtractVectorOutOfBounds(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	tests := []struct {
		name   string
		region func() uint32
	}{
		{
			name: "header beyond memory",
			region: func() uint32 {
				return h.mem.Size() - 4
			},
		},
		{
			name: "payload beyond memory",
			region: func() uint32 {
				headerPtr := h.next
				h.next += regionSize
				var header [regionSize]byte
				binary.LittleEndian.PutUint32(header[0:4], h.mem.Size()-8)
				binary.LittleEndian.PutUint32(header[8:12], 64)
				h.mem.Write(headerPtr, header[:])
				return headerPtr
			},
		},
		{
			name: "length overflows address space",
			region: func() uint32 {
				headerPtr := h.next
				h.next += regionSize
				var header [regionSize]byte
				binary.LittleEndian.PutUint32(header[0:4], 0xffff_fff0)
				binary.LittleEndian.PutUint32(header[8:12], 0xffff_fff0)
				h.mem.Write(headerPtr, header[:])
				return headerPtr
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := inst.ExtractVector(tc.region())
			var memErr types.MemoryError
			require.ErrorAs(t, err, &memErr)
			assert.Equal(t, types.MemoryRead, memErr.Op)
		})
	}
}

func TestWriteToAllocatedMemoryRoundTrip(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	regionPtr := h.newRegion(64, nil)
	payload := []byte{0, 0, 0, 100}

	gotPtr, err := inst.WriteToAllocatedMemory(payload, regionPtr)
	require.NoError(t, err)
	require.Equal(t, regionPtr, gotPtr, "write returns the region pointer unchanged")

	roundTripped, err := inst.ExtractVector(regionPtr)
	require.NoError(t, err)
	require.Equal(t, payload, roundTripped)
}

func TestWriteToAllocatedMemoryUpdatesLengthOnly(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	regionPtr := h.newRegion(32, nil)
	before, _ := h.mem.Read(regionPtr, regionSize)
	offsetBefore := binary.LittleEndian.Uint32(before[0:4])
	capBefore := binary.LittleEndian.Uint32(before[4:8])

	_, err := inst.WriteToAllocatedMemory([]byte("abcde"), regionPtr)
	require.NoError(t, err)

	after, _ := h.mem.Read(regionPtr, regionSize)
	assert.Equal(t, offsetBefore, binary.LittleEndian.Uint32(after[0:4]))
	assert.Equal(t, capBefore, binary.LittleEndian.Uint32(after[4:8]))
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(after[8:12]))
}

func TestWriteToAllocatedMemoryCapacityTooSmall(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	regionPtr := h.newRegion(4, nil)
	_, err := inst.WriteToAllocatedMemory(bytes.Repeat([]byte{0xAA}, 16), regionPtr)

	var memErr types.MemoryError
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, types.MemoryWrite, memErr.Op)
	assert.Contains(t, memErr.Detail, "destination buffer")
}

func TestWriteToAllocatedMemoryNullPointer(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	_, err := inst.WriteToAllocatedMemory([]byte("x"), h.nullRegion())

	var memErr types.MemoryError
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, types.MemoryWrite, memErr.Op)
	assert.Contains(t, memErr.Detail, "null pointer")
}

func TestWriteToMemory(t *testing.T) {
	h := newGuestHarness()
	inst, _, _ := testInstance(h, 1_000_000)

	payload := []byte("fresh allocation")
	regionPtr, err := inst.WriteToMemory(context.Background(), payload)
	require.NoError(t, err)
	require.NotZero(t, regionPtr)
	require.Equal(t, payload, h.regionBytes(regionPtr))
}

func TestAllocateFailureModes(t *testing.T) {
	tests := []struct {
		name    string
		prep    func(h *guestHarness)
		wantMsg string
	}{
		{
			name:    "guest returns null pointer",
			prep:    func(h *guestHarness) { h.allocResults = []uint64{0} },
			wantMsg: "null pointer",
		},
		{
			name:    "guest returns no values",
			prep:    func(h *guestHarness) { h.allocResults = []uint64{} },
			wantMsg: "expected a single i32",
		},
		{
			name:    "guest returns a value wider than i32",
			prep:    func(h *guestHarness) { h.allocResults = []uint64{0x1_0000_0100} },
			wantMsg: "not a valid i32 pointer",
		},
		{
			name:    "guest call errors",
			prep:    func(h *guestHarness) { h.allocErr = errors.New("unreachable executed") },
			wantMsg: "allocate call failed",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newGuestHarness()
			inst, _, _ := testInstance(h, 1_000_000)
			tc.prep(h)

			_, err := inst.Allocate(context.Background(), 32)
			var memErr types.MemoryError
			require.ErrorAs(t, err, &memErr)
			assert.Equal(t, types.MemoryAllocate, memErr.Op)
			assert.Contains(t, memErr.Detail, tc.wantMsg)
		})
	}
}

func FuzzParseRegionHeader(f *testing.F) {
	f.Add(uint32(256), uint32(64), uint32(16))
	f.Add(uint32(0), uint32(0), uint32(0))
	f.Add(^uint32(0), ^uint32(0), ^uint32(0))
	f.Fuzz(func(t *testing.T, offset, capacity, length uint32) {
		var raw [regionSize]byte
		binary.LittleEndian.PutUint32(raw[0:4], offset)
		binary.LittleEndian.PutUint32(raw[4:8], capacity)
		binary.LittleEndian.PutUint32(raw[8:12], length)

		region, err := parseRegion(raw[:])
		require.NoError(t, err)
		require.Equal(t, offset, region.Offset)
		require.Equal(t, capacity, region.Capacity)
		require.Equal(t, length, region.Length)
	})
}

func FuzzExtractVector(f *testing.F) {
	f.Add(uint32(0))
	f.Add(uint32(1 << 8))
	f.Add(^uint32(0))
	f.Fuzz(func(t *testing.T, regionPtr uint32) {
		h := newGuestHarness()
		inst, _, _ := testInstance(h, 1_000_000)
		// Arbitrary pointers must yield an error or data, never a panic.
		_, _ = inst.ExtractVector(regionPtr)
	})
}
