package types

// VMConfig defines the configuration for the VM: guest resource limits,
// compiled-module caching, and the chain-specific address prefix.
type VMConfig struct {
	// MemoryLimitPages caps each guest instance's linear memory, in 64 KiB
	// wasm pages.
	MemoryLimitPages uint32 `json:"memory_limit_pages"`
	// CacheSize is the maximum number of compiled modules kept in the
	// in-memory LRU cache. Pinned modules do not count against it.
	CacheSize int `json:"cache_size"`
	// Bech32Prefix is the expected network prefix of human-readable
	// account addresses.
	Bech32Prefix string `json:"bech32_prefix"`
	// GasCosts prices the externally-metered storage operations.
	GasCosts GasCosts `json:"gas_costs"`
}

// GasCosts holds the gas prices of externally-metered storage work. Each
// operation costs its base price plus PerByte for every byte of key and
// value it touches.
type GasCosts struct {
	ReadBase   uint64 `json:"read_base"`
	WriteBase  uint64 `json:"write_base"`
	RemoveBase uint64 `json:"remove_base"`
	PerByte    uint64 `json:"per_byte"`
}

const (
	defaultMemoryLimitPages = 2048 // 128 MiB
	defaultCacheSize        = 100

	// DefaultBech32Prefix is the account address prefix used when the
	// config does not override it.
	DefaultBech32Prefix = "secret"
)

// DefaultVMConfig returns a config with the limits and prices used in
// production.
func DefaultVMConfig() VMConfig {
	return VMConfig{
		MemoryLimitPages: defaultMemoryLimitPages,
		CacheSize:        defaultCacheSize,
		Bech32Prefix:     DefaultBech32Prefix,
		GasCosts: GasCosts{
			ReadBase:   100,
			WriteBase:  200,
			RemoveBase: 200,
			PerByte:    1,
		},
	}
}
