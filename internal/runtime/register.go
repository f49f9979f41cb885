package runtime

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import module guest bytecode is compiled against.
const hostModuleName = "env"

type instanceKey struct{}

// WithInstance binds the execution context of the current invocation to ctx.
// The facade sets it on every call into the guest, and the host functions
// registered below retrieve it from there. Host functions and the context
// run on the single thread driving the guest, so no synchronization is
// involved.
func WithInstance(ctx context.Context, inst *ContractInstance) context.Context {
	return context.WithValue(ctx, instanceKey{}, inst)
}

func instanceFromContext(ctx context.Context) *ContractInstance {
	inst, _ := ctx.Value(instanceKey{}).(*ContractInstance)
	if inst == nil {
		panic("no contract instance bound to context")
	}
	return inst
}

// trap aborts the current invocation. wazero recovers the panic at the host
// function boundary and surfaces it as an error from the guest call, which
// is exactly the trap semantics the ABI requires for memory faults, storage
// and query failures, and gas exhaustion.
func trap(err error) {
	panic(err)
}

// RegisterHostFunctions builds and instantiates the "env" host module in r.
// Each guest import name is bound to the corresponding ContractInstance
// method through an explicit table; the signatures below are the guest ABI
// and any change to them breaks all compiled contracts.
func RegisterHostFunctions(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	builder := r.NewHostModuleBuilder(hostModuleName)

	i32 := api.ValueTypeI32

	// read_db(key_region_ptr) -> value_region_ptr or 0
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			inst := instanceFromContext(ctx)
			ptr, err := inst.ReadDB(ctx, uint32(stack[0]))
			if err != nil {
				trap(err)
			}
			stack[0] = api.EncodeI32(ptr)
		}), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("key_ptr").
		Export("read_db")

	// remove_db(key_region_ptr)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			inst := instanceFromContext(ctx)
			if err := inst.RemoveDB(ctx, uint32(stack[0])); err != nil {
				trap(err)
			}
		}), []api.ValueType{i32}, nil).
		WithParameterNames("key_ptr").
		Export("remove_db")

	// write_db(key_region_ptr, value_region_ptr)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			inst := instanceFromContext(ctx)
			if err := inst.WriteDB(ctx, uint32(stack[0]), uint32(stack[1])); err != nil {
				trap(err)
			}
		}), []api.ValueType{i32, i32}, nil).
		WithParameterNames("key_ptr", "value_ptr").
		Export("write_db")

	// canonicalize_address(human_region_ptr, canonical_region_ptr) -> status
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			inst := instanceFromContext(ctx)
			status, err := inst.CanonicalizeAddress(ctx, uint32(stack[0]), uint32(stack[1]))
			if err != nil {
				trap(err)
			}
			stack[0] = api.EncodeI32(status)
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("human_ptr", "canonical_ptr").
		Export("canonicalize_address")

	// humanize_address(canonical_region_ptr, human_region_ptr) -> status
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			inst := instanceFromContext(ctx)
			status, err := inst.HumanizeAddress(ctx, uint32(stack[0]), uint32(stack[1]))
			if err != nil {
				trap(err)
			}
			stack[0] = api.EncodeI32(status)
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("canonical_ptr", "human_ptr").
		Export("humanize_address")

	// query_chain(query_region_ptr) -> result_region_ptr or 0
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			inst := instanceFromContext(ctx)
			ptr, err := inst.QueryChain(ctx, uint32(stack[0]))
			if err != nil {
				trap(err)
			}
			stack[0] = api.EncodeI32(ptr)
		}), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("query_ptr").
		Export("query_chain")

	// gas(amount) - interpreter-metered charge injected by instrumentation
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			inst := instanceFromContext(ctx)
			if err := inst.ChargeGas(api.DecodeI32(stack[0])); err != nil {
				trap(err)
			}
		}), []api.ValueType{i32}, nil).
		WithParameterNames("amount").
		Export("gas")

	return builder.Instantiate(ctx)
}
