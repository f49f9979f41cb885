// Package wasmbridge executes untrusted contract bytecode against the
// enclave host-call bridge. It manages compiled-module caching, instantiates
// guest modules, and runs entry points with Region-marshaled arguments while
// the bridge in internal/runtime mediates every host call.
package wasmbridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/enclavevm/wasmbridge/internal/runtime"
	"github.com/enclavevm/wasmbridge/internal/storage"
	"github.com/enclavevm/wasmbridge/types"
)

// WasmCode is an alias for the raw bytes of compiled wasm code.
type WasmCode []byte

// ExecParams carries the per-invocation identity: the gas ceiling, the
// contract's storage namespace key, and the requester's cryptographic
// identity used to scope query results.
type ExecParams struct {
	GasLimit      uint64
	ContractKey   types.ContractKey
	UserNonce     types.Nonce
	UserPublicKey types.PublicKey
}

// cacheItem holds a compiled module and metadata for caching.
type cacheItem struct {
	compiled wazero.CompiledModule
	size     uint64
	hits     uint32
}

// Metrics reports cache effectiveness counters.
type Metrics struct {
	HitsMemoryCache uint32
	HitsPinnedCache uint32
	Misses          uint32
}

// VM is the main entry point to this library. It owns the wazero runtime,
// the host "env" module, the compiled-module caches, and the encrypted
// store; create one per enclave and call it for all contract executions.
type VM struct {
	runtime wazero.Runtime
	env     api.Module
	cfg     types.VMConfig
	logger  zerolog.Logger
	store   *storage.Store
	querier types.ChainQuerier

	cacheMu    sync.Mutex
	codeStore  map[[32]byte][]byte
	cache      map[[32]byte]*cacheItem
	cacheOrder [][32]byte // LRU order, oldest first
	pinned     map[[32]byte]*cacheItem
	hitsMemory uint32
	hitsPinned uint32
	misses     uint32
}

// NewVM creates a VM over the given backing database. masterKey seals all
// contract state and must be stable across restarts; querier handles
// cross-module queries issued by contracts.
func NewVM(ctx context.Context, cfg types.VMConfig, db dbm.DB, masterKey []byte, querier types.ChainQuerier, logger zerolog.Logger) (*VM, error) {
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	env, err := runtime.RegisterHostFunctions(ctx, r)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	return &VM{
		runtime:   r,
		env:       env,
		cfg:       cfg,
		logger:    logger,
		store:     storage.New(db, masterKey, cfg.GasCosts),
		querier:   querier,
		codeStore: make(map[[32]byte][]byte),
		cache:     make(map[[32]byte]*cacheItem),
		pinned:    make(map[[32]byte]*cacheItem),
	}, nil
}

// Close releases the wazero runtime and all compiled modules.
func (vm *VM) Close(ctx context.Context) error {
	return vm.runtime.Close(ctx)
}

// StoreCode compiles the wasm code and stores both the compiled module and
// the original bytes, keyed by the SHA-256 checksum of the code. Storing the
// same code twice is a no-op returning the same checksum.
func (vm *VM) StoreCode(ctx context.Context, code WasmCode) (types.Checksum, error) {
	sum := sha256.Sum256(code)

	vm.cacheMu.Lock()
	defer vm.cacheMu.Unlock()

	if _, ok := vm.codeStore[sum]; !ok {
		compiled, err := vm.runtime.CompileModule(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile module: %w", err)
		}
		vm.codeStore[sum] = append([]byte(nil), code...)
		vm.cacheInsert(ctx, sum, &cacheItem{compiled: compiled, size: uint64(len(code))})
		vm.logger.Info().Str("checksum", hex.EncodeToString(sum[:])).
			Int("size", len(code)).Msg("stored contract code")
	}
	return sum[:], nil
}

// GetCode returns the original wasm bytes previously stored under checksum.
func (vm *VM) GetCode(checksum types.Checksum) (WasmCode, error) {
	key, err := cacheKey(checksum)
	if err != nil {
		return nil, err
	}
	vm.cacheMu.Lock()
	defer vm.cacheMu.Unlock()
	code, ok := vm.codeStore[key]
	if !ok {
		return nil, fmt.Errorf("code for checksum %X not found", checksum)
	}
	return append([]byte(nil), code...), nil
}

// Pin moves the module into the pinned cache, exempting it from LRU
// eviction.
func (vm *VM) Pin(ctx context.Context, checksum types.Checksum) error {
	key, err := cacheKey(checksum)
	if err != nil {
		return err
	}
	vm.cacheMu.Lock()
	defer vm.cacheMu.Unlock()
	if _, ok := vm.pinned[key]; ok {
		return nil
	}
	item, err := vm.lookupLocked(ctx, key)
	if err != nil {
		return err
	}
	vm.pinned[key] = item
	vm.cacheRemove(key)
	return nil
}

// Unpin moves a pinned module back into the LRU cache.
func (vm *VM) Unpin(ctx context.Context, checksum types.Checksum) error {
	key, err := cacheKey(checksum)
	if err != nil {
		return err
	}
	vm.cacheMu.Lock()
	defer vm.cacheMu.Unlock()
	item, ok := vm.pinned[key]
	if !ok {
		return nil
	}
	delete(vm.pinned, key)
	vm.cacheInsert(ctx, key, item)
	return nil
}

// GetMetrics returns cache hit and miss counters.
func (vm *VM) GetMetrics() Metrics {
	vm.cacheMu.Lock()
	defer vm.cacheMu.Unlock()
	return Metrics{
		HitsMemoryCache: vm.hitsMemory,
		HitsPinnedCache: vm.hitsPinned,
		Misses:          vm.misses,
	}
}

// Execute instantiates the contract identified by checksum and invokes the
// exported entry function. Each message is written into guest memory through
// the guest's own allocator and passed as a Region pointer. When the entry
// function returns a value it is treated as a Region pointer to the result
// bytes.
//
// Storage writes performed by the contract are staged and committed only if
// the invocation succeeds; any trap (memory fault, collaborator failure,
// out-of-gas) discards them.
func (vm *VM) Execute(ctx context.Context, checksum types.Checksum, entry string, messages [][]byte, p ExecParams) ([]byte, types.GasReport, error) {
	var report types.GasReport

	key, err := cacheKey(checksum)
	if err != nil {
		return nil, report, err
	}
	vm.cacheMu.Lock()
	item, err := vm.lookupLocked(ctx, key)
	vm.cacheMu.Unlock()
	if err != nil {
		return nil, report, err
	}

	mod, err := vm.runtime.InstantiateModule(ctx, item.compiled,
		wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, report, fmt.Errorf("failed to instantiate module: %w", err)
	}
	defer mod.Close(ctx)

	entryFn := mod.ExportedFunction(entry)
	if entryFn == nil {
		return nil, report, fmt.Errorf("module has no exported function %q", entry)
	}

	session := vm.store.Begin()
	inst, err := runtime.NewContractInstance(mod, runtime.Params{
		GasLimit:      p.GasLimit,
		ContractKey:   p.ContractKey,
		UserNonce:     p.UserNonce,
		UserPublicKey: p.UserPublicKey,
		Store:         session,
		Querier:       vm.querier,
		Bech32Prefix:  vm.cfg.Bech32Prefix,
		Logger:        vm.logger.With().Str("checksum", hex.EncodeToString(key[:8])).Logger(),
	})
	if err != nil {
		return nil, report, err
	}
	callCtx := runtime.WithInstance(ctx, inst)

	args := make([]uint64, 0, len(messages))
	for _, msg := range messages {
		ptr, err := inst.WriteToMemory(callCtx, msg)
		if err != nil {
			session.Discard()
			return nil, inst.GasReport(), err
		}
		args = append(args, uint64(ptr))
	}

	results, err := entryFn.Call(callCtx, args...)
	report = inst.GasReport()
	if err != nil {
		session.Discard()
		vm.logger.Warn().Str("entry", entry).Err(err).Msg("contract execution failed")
		return nil, report, fmt.Errorf("contract execution failed: %w", err)
	}

	var data []byte
	if len(results) == 1 {
		data, err = inst.ExtractVector(uint32(results[0]))
		if err != nil {
			session.Discard()
			return nil, report, err
		}
	}

	if err := session.Commit(); err != nil {
		return nil, report, fmt.Errorf("failed to commit contract state: %w", err)
	}
	return data, report, nil
}

// lookupLocked returns the cached compiled module for key, recompiling from
// the stored code on a cache miss. Callers hold cacheMu.
func (vm *VM) lookupLocked(ctx context.Context, key [32]byte) (*cacheItem, error) {
	if item, ok := vm.pinned[key]; ok {
		item.hits++
		vm.hitsPinned++
		return item, nil
	}
	if item, ok := vm.cache[key]; ok {
		item.hits++
		vm.hitsMemory++
		vm.cacheTouch(key)
		return item, nil
	}
	code, ok := vm.codeStore[key]
	if !ok {
		return nil, fmt.Errorf("code for checksum %X not found", key)
	}
	compiled, err := vm.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}
	item := &cacheItem{compiled: compiled, size: uint64(len(code))}
	vm.cacheInsert(ctx, key, item)
	vm.misses++
	return item, nil
}

// cacheInsert adds an item, evicting the least recently used entries above
// the configured size. Callers hold cacheMu.
func (vm *VM) cacheInsert(ctx context.Context, key [32]byte, item *cacheItem) {
	vm.cache[key] = item
	vm.cacheOrder = append(vm.cacheOrder, key)
	for vm.cfg.CacheSize > 0 && len(vm.cache) > vm.cfg.CacheSize {
		oldest := vm.cacheOrder[0]
		vm.cacheOrder = vm.cacheOrder[1:]
		if evicted, ok := vm.cache[oldest]; ok {
			_ = evicted.compiled.Close(ctx)
			delete(vm.cache, oldest)
		}
	}
}

// cacheTouch moves key to the most recently used position. Callers hold
// cacheMu.
func (vm *VM) cacheTouch(key [32]byte) {
	for i, k := range vm.cacheOrder {
		if k == key {
			vm.cacheOrder = append(vm.cacheOrder[:i], vm.cacheOrder[i+1:]...)
			vm.cacheOrder = append(vm.cacheOrder, key)
			return
		}
	}
}

// cacheRemove drops key from the LRU bookkeeping without closing the module.
// Callers hold cacheMu.
func (vm *VM) cacheRemove(key [32]byte) {
	delete(vm.cache, key)
	for i, k := range vm.cacheOrder {
		if k == key {
			vm.cacheOrder = append(vm.cacheOrder[:i], vm.cacheOrder[i+1:]...)
			return
		}
	}
}

func cacheKey(checksum types.Checksum) ([32]byte, error) {
	var key [32]byte
	if len(checksum) != len(key) {
		return key, fmt.Errorf("checksum must be %d bytes, got %d", len(key), len(checksum))
	}
	copy(key[:], checksum)
	return key, nil
}
