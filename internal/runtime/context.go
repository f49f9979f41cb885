// Package runtime implements the host-call bridge between untrusted guest
// contract code and the enclave host: the per-invocation execution context,
// the Region-based memory marshaling protocol, gas metering, and the host
// functions exposed to the guest under the "env" import module.
//
// Every pointer and length received from the guest is adversarial. All
// guest memory access goes through the bounds-checked marshaling primitives
// in memory.go, and every failure is a recoverable Go error at this layer;
// the wazero glue in register.go decides which of them become traps.
package runtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"

	"github.com/enclavevm/wasmbridge/types"
)

// allocateFn re-enters the guest's exported allocate function. The raw
// result slice is kept so callers can reject null and non-i32 returns.
type allocateFn func(ctx context.Context, size uint32) ([]uint64, error)

// Params carries the per-invocation identity and collaborators for a
// ContractInstance. All of them are immutable for the invocation.
type Params struct {
	GasLimit      uint64
	ContractKey   types.ContractKey
	UserNonce     types.Nonce
	UserPublicKey types.PublicKey
	Store         types.EncryptedStore
	Querier       types.ChainQuerier
	Bech32Prefix  string
	Logger        zerolog.Logger
}

// ContractInstance is the execution context of a single contract invocation.
// It owns the guest memory handle, the gas meter, and the invocation
// identity. It is exclusively owned by the invocation, never shared between
// concurrent invocations, and carries no state after the invocation ends.
type ContractInstance struct {
	mem        Memory
	allocateFn allocateFn
	meter      *gasMeter

	contractKey   types.ContractKey
	userNonce     types.Nonce
	userPublicKey types.PublicKey

	store        types.EncryptedStore
	querier      types.ChainQuerier
	bech32Prefix string
	logger       zerolog.Logger
}

// NewContractInstance builds the execution context for an instantiated guest
// module. The module must export a linear memory named "memory" and an
// allocate(i32) -> i32 function; missing either is a fatal setup error, not
// a runtime fault of the bridge.
func NewContractInstance(module api.Module, p Params) (*ContractInstance, error) {
	mem := module.Memory()
	if mem == nil {
		return nil, fmt.Errorf("module has no exported memory %q", "memory")
	}
	alloc := module.ExportedFunction("allocate")
	if alloc == nil {
		return nil, fmt.Errorf("module has no exported function %q", "allocate")
	}
	def := alloc.Definition()
	if !equalValueTypes(def.ParamTypes(), []api.ValueType{api.ValueTypeI32}) ||
		!equalValueTypes(def.ResultTypes(), []api.ValueType{api.ValueTypeI32}) {
		return nil, fmt.Errorf("exported function %q must have signature (i32) -> i32", "allocate")
	}
	c := newContractInstance(mem, func(ctx context.Context, size uint32) ([]uint64, error) {
		return alloc.Call(ctx, uint64(size))
	}, p)
	return c, nil
}

func equalValueTypes(got, want []api.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// newContractInstance wires the context from its parts. Split out so tests
// can drive the bridge with a fake memory and allocator, without a real
// guest module.
func newContractInstance(mem Memory, alloc allocateFn, p Params) *ContractInstance {
	prefix := p.Bech32Prefix
	if prefix == "" {
		prefix = types.DefaultBech32Prefix
	}
	return &ContractInstance{
		mem:           mem,
		allocateFn:    alloc,
		meter:         newGasMeter(p.GasLimit),
		contractKey:   p.ContractKey,
		userNonce:     p.UserNonce,
		userPublicKey: p.UserPublicKey,
		store:         p.Store,
		querier:       p.Querier,
		bech32Prefix:  prefix,
		logger:        p.Logger,
	}
}

// GasReport returns the cumulative cost of the invocation so far. After host
// call N it reflects exactly the charges of calls 1..N.
func (c *ContractInstance) GasReport() types.GasReport {
	return c.meter.report()
}
