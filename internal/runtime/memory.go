package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/enclavevm/wasmbridge/types"
)

const (
	// regionSize is the size of a Region struct: three little-endian
	// uint32 fields.
	regionSize = 12
)

// Memory is the host's view over the guest's linear memory. It is the subset
// of wazero's api.Memory the marshaling protocol needs, so api.Memory
// satisfies it directly and tests can substitute a byte-slice fake.
//
// The guest can move its own allocations between host calls, so bounds are
// revalidated on every access; nothing derived from a previous call is
// cached.
type Memory interface {
	// Read returns a view of the memory at offset for byteCount bytes, or
	// ok=false on out-of-range.
	Read(offset, byteCount uint32) ([]byte, bool)
	// Write writes v at offset and returns false on out-of-range.
	Write(offset uint32, v []byte) bool
	// Size returns the current memory size in bytes.
	Size() uint32
}

// Region describes a guest-allocated buffer. Guest pointers passed to host
// calls are pointers to a Region, whose Offset and Length fields locate the
// real payload:
//
//	ptr_to_region -> | 4 bytes offset | 4 bytes capacity | 4 bytes length |
type Region struct {
	Offset   uint32
	Capacity uint32
	Length   uint32
}

// parseRegion decodes a Region header from its 12-byte wire form.
func parseRegion(raw []byte) (Region, error) {
	if len(raw) != regionSize {
		return Region{}, fmt.Errorf("invalid region header: got %d bytes, want %d", len(raw), regionSize)
	}
	return Region{
		Offset:   binary.LittleEndian.Uint32(raw[0:4]),
		Capacity: binary.LittleEndian.Uint32(raw[4:8]),
		Length:   binary.LittleEndian.Uint32(raw[8:12]),
	}, nil
}

// readRegion reads the Region header stored at regionPtr in guest memory.
func (c *ContractInstance) readRegion(regionPtr uint32) (Region, error) {
	raw, ok := c.mem.Read(regionPtr, regionSize)
	if !ok {
		return Region{}, fmt.Errorf("region header at %d exceeds memory size %d", regionPtr, c.mem.Size())
	}
	return parseRegion(raw)
}

// readMemory copies length bytes at offset out of guest memory into a
// host-owned buffer, with overflow and bounds checking.
func (c *ContractInstance) readMemory(offset, length uint32) ([]byte, error) {
	if offset > math.MaxUint32-length {
		return nil, fmt.Errorf("memory read would overflow: offset=%d length=%d", offset, length)
	}
	view, ok := c.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read of %d bytes at offset %d exceeds memory size %d",
			length, offset, c.mem.Size())
	}
	// The view aliases guest memory, which the guest mutates at will. Copy.
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// ExtractVector extracts a byte buffer from guest memory. regionPtr is a
// pointer to a Region whose offset and length fields describe the buffer;
// the capacity field is not consulted. A null buffer address is always a
// hard failure, never treated as empty.
func (c *ContractInstance) ExtractVector(regionPtr uint32) ([]byte, error) {
	data, err := c.extractVectorInner(regionPtr)
	if err != nil {
		c.logger.Error().Uint32("region_ptr", regionPtr).Err(err).
			Msg("failed to read buffer from wasm memory")
		return nil, types.MemoryError{Op: types.MemoryRead, Detail: err.Error()}
	}
	return data, nil
}

func (c *ContractInstance) extractVectorInner(regionPtr uint32) ([]byte, error) {
	region, err := c.readRegion(regionPtr)
	if err != nil {
		return nil, err
	}
	if region.Offset == 0 {
		return nil, fmt.Errorf("trying to read from null pointer in wasm memory")
	}
	return c.readMemory(region.Offset, region.Length)
}

// Allocate asks the guest to allocate len bytes by re-entering its exported
// allocate function, and returns the resulting Region pointer. This is the
// one place the host calls back into guest code; no memory state from before
// the call survives it.
func (c *ContractInstance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	ptr, err := c.allocateInner(ctx, size)
	if err != nil {
		c.logger.Error().Uint32("size", size).Err(err).
			Msg("failed to allocate in wasm memory")
		return 0, types.MemoryError{Op: types.MemoryAllocate, Detail: err.Error()}
	}
	return ptr, nil
}

func (c *ContractInstance) allocateInner(ctx context.Context, size uint32) (uint32, error) {
	results, err := c.allocateFn(ctx, size)
	if err != nil {
		return 0, fmt.Errorf("allocate call failed: %w", err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("allocate returned %d values, expected a single i32", len(results))
	}
	if results[0] > math.MaxUint32 {
		return 0, fmt.Errorf("allocate returned %d, not a valid i32 pointer", results[0])
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("allocate returned null pointer from wasm")
	}
	return ptr, nil
}

// WriteToAllocatedMemory copies buffer into the guest buffer described by
// the Region at regionPtr, updates the Region's length field, and returns
// regionPtr. The Region's capacity must hold the whole buffer.
func (c *ContractInstance) WriteToAllocatedMemory(buffer []byte, regionPtr uint32) (uint32, error) {
	ptr, err := c.writeToAllocatedMemoryInner(buffer, regionPtr)
	if err != nil {
		c.logger.Error().Uint32("region_ptr", regionPtr).Int("len", len(buffer)).Err(err).
			Msg("failed to write buffer to wasm memory")
		return 0, types.MemoryError{Op: types.MemoryWrite, Detail: err.Error()}
	}
	return ptr, nil
}

func (c *ContractInstance) writeToAllocatedMemoryInner(buffer []byte, regionPtr uint32) (uint32, error) {
	region, err := c.readRegion(regionPtr)
	if err != nil {
		return 0, err
	}
	if region.Offset == 0 {
		return 0, fmt.Errorf("trying to write to null pointer in wasm memory")
	}
	if region.Capacity < uint32(len(buffer)) {
		return 0, fmt.Errorf("tried to write %d bytes but only got %d bytes in destination buffer",
			len(buffer), region.Capacity)
	}
	if !c.mem.Write(region.Offset, buffer) {
		return 0, fmt.Errorf("write of %d bytes at offset %d exceeds memory size %d",
			len(buffer), region.Offset, c.mem.Size())
	}
	var lenField [4]byte
	binary.LittleEndian.PutUint32(lenField[:], uint32(len(buffer)))
	if !c.mem.Write(regionPtr+8, lenField[:]) {
		return 0, fmt.Errorf("failed to update region length field at %d", regionPtr+8)
	}
	return regionPtr, nil
}

// WriteToMemory allocates a fresh guest buffer sized for buffer, writes into
// it, and returns the Region pointer for the guest to consume.
func (c *ContractInstance) WriteToMemory(ctx context.Context, buffer []byte) (uint32, error) {
	regionPtr, err := c.Allocate(ctx, uint32(len(buffer)))
	if err != nil {
		return 0, err
	}
	return c.WriteToAllocatedMemory(buffer, regionPtr)
}
