package runtime

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/enclavevm/wasmbridge/types"
)

// fakeMemory is a byte-slice stand-in for a guest's linear memory.
type fakeMemory struct {
	data []byte
}

func newFakeMemory(size uint32) *fakeMemory {
	return &fakeMemory{data: make([]byte, size)}
}

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.data)) {
		return nil, false
	}
	return m.data[offset : offset+byteCount], true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m.data)) {
		return false
	}
	copy(m.data[offset:], v)
	return true
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.data)) }

// guestHarness emulates the guest side of the marshaling protocol: a bump
// allocator that hands out Region-described buffers the way a contract's
// exported allocate does.
type guestHarness struct {
	mem  *fakeMemory
	next uint32

	allocErr     error    // forced allocate failure
	allocResults []uint64 // forced allocate return, when non-nil
}

func newGuestHarness() *guestHarness {
	return &guestHarness{
		mem:  newFakeMemory(1 << 16),
		next: 1 << 8, // keep pointers well away from 0
	}
}

// allocate reserves size payload bytes plus a Region header describing them
// and returns a pointer to the header, mimicking the guest export.
func (h *guestHarness) allocate(_ context.Context, size uint32) ([]uint64, error) {
	if h.allocErr != nil {
		return nil, h.allocErr
	}
	if h.allocResults != nil {
		return h.allocResults, nil
	}
	return []uint64{uint64(h.newRegion(size, nil))}, nil
}

// newRegion builds a Region of the given capacity. When payload is non-nil
// it is copied in and the length field set accordingly.
func (h *guestHarness) newRegion(capacity uint32, payload []byte) uint32 {
	bufPtr := h.next
	h.next += capacity
	headerPtr := h.next
	h.next += regionSize

	length := uint32(0)
	if payload != nil {
		if !h.mem.Write(bufPtr, payload) {
			panic(fmt.Sprintf("harness out of memory writing %d bytes", len(payload)))
		}
		length = uint32(len(payload))
	}
	var header [regionSize]byte
	binary.LittleEndian.PutUint32(header[0:4], bufPtr)
	binary.LittleEndian.PutUint32(header[4:8], capacity)
	binary.LittleEndian.PutUint32(header[8:12], length)
	if !h.mem.Write(headerPtr, header[:]) {
		panic("harness out of memory writing region header")
	}
	return headerPtr
}

// inputRegion builds a guest Region holding payload, as a contract would
// pass an argument.
func (h *guestHarness) inputRegion(payload []byte) uint32 {
	return h.newRegion(uint32(len(payload)), payload)
}

// nullRegion builds a Region whose buffer address is zero.
func (h *guestHarness) nullRegion() uint32 {
	headerPtr := h.next
	h.next += regionSize
	var header [regionSize]byte // offset 0, cap 0, len 0
	h.mem.Write(headerPtr, header[:])
	return headerPtr
}

// regionBytes reads back the payload a Region currently describes.
func (h *guestHarness) regionBytes(regionPtr uint32) []byte {
	header, ok := h.mem.Read(regionPtr, regionSize)
	if !ok {
		panic("region header out of bounds")
	}
	offset := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[8:12])
	data, ok := h.mem.Read(offset, length)
	if !ok {
		panic("region payload out of bounds")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// mockStore is an in-memory EncryptedStore with fixed gas prices and
// optional forced failures.
type mockStore struct {
	data map[string][]byte

	readGas   uint64
	writeGas  uint64
	removeGas uint64

	failRead   error
	failWrite  error
	readCalls  int
	writeCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		data:      make(map[string][]byte),
		readGas:   10,
		writeGas:  20,
		removeGas: 20,
	}
}

func (s *mockStore) storageKey(contractKey types.ContractKey, key []byte) string {
	return string(contractKey[:]) + "/" + string(key)
}

func (s *mockStore) Read(_ context.Context, contractKey types.ContractKey, key []byte) ([]byte, uint64, error) {
	s.readCalls++
	if s.failRead != nil {
		return nil, 0, s.failRead
	}
	value, ok := s.data[s.storageKey(contractKey, key)]
	if !ok {
		return nil, s.readGas, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, s.readGas, nil
}

func (s *mockStore) Write(_ context.Context, contractKey types.ContractKey, key, value []byte) (uint64, error) {
	s.writeCalls++
	if s.failWrite != nil {
		return 0, s.failWrite
	}
	staged := make([]byte, len(value))
	copy(staged, value)
	s.data[s.storageKey(contractKey, key)] = staged
	return s.writeGas, nil
}

func (s *mockStore) Remove(_ context.Context, contractKey types.ContractKey, key []byte) (uint64, error) {
	delete(s.data, s.storageKey(contractKey, key))
	return s.removeGas, nil
}

// mockQuerier returns a canned result and records the identity it was
// invoked with.
type mockQuerier struct {
	result []byte
	gas    uint64
	err    error

	gotPayload   []byte
	gotNonce     types.Nonce
	gotPublicKey types.PublicKey
}

func (q *mockQuerier) Query(_ context.Context, payload []byte, nonce types.Nonce, publicKey types.PublicKey) ([]byte, uint64, error) {
	q.gotPayload = append([]byte(nil), payload...)
	q.gotNonce = nonce
	q.gotPublicKey = publicKey
	if q.err != nil {
		return nil, 0, q.err
	}
	return q.result, q.gas, nil
}

// testInstance wires a ContractInstance over the harness with sensible
// defaults. Callers may tweak the returned collaborators before use.
func testInstance(h *guestHarness, gasLimit uint64) (*ContractInstance, *mockStore, *mockQuerier) {
	store := newMockStore()
	querier := &mockQuerier{}
	inst := newContractInstance(h.mem, h.allocate, Params{
		GasLimit:      gasLimit,
		ContractKey:   types.ContractKey{1, 2, 3},
		UserNonce:     types.Nonce{4, 5, 6},
		UserPublicKey: types.PublicKey{7, 8, 9},
		Store:         store,
		Querier:       querier,
		Logger:        zerolog.Nop(),
	})
	return inst, store, querier
}
