package types

// Gas is the amount of computational cost consumed during execution.
type Gas = uint64

// GasReport is a summary of the cost of an invocation. Instruction-metered
// cost and externally-metered cost (storage, queries) are tracked separately
// so external services are not double-charged; the two streams are added
// against a single limit.
type GasReport struct {
	Limit          uint64
	Used           uint64
	UsedExternally uint64
	Remaining      uint64
}
