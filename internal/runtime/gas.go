package runtime

import (
	"github.com/enclavevm/wasmbridge/types"
)

// gasMeter enforces a hard cost ceiling shared between interpreter-metered
// execution and externally-metered collaborator calls. The two totals are
// tracked separately so external services are not double-charged when the
// interpreter's own per-instruction metering already accounted for the call
// overhead; the streams are added against one limit, never reconciled.
//
// Both counters only grow. Additions saturate instead of wrapping, and the
// limit is enforced with a single post-charge comparison.
type gasMeter struct {
	limit          uint64
	used           uint64
	usedExternally uint64
}

func newGasMeter(limit uint64) *gasMeter {
	return &gasMeter{limit: limit}
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// consume charges instruction-metered gas.
func (g *gasMeter) consume(amount uint64) error {
	g.used = saturatingAdd(g.used, amount)
	return g.check()
}

// consumeExternal charges gas reported by an external collaborator.
func (g *gasMeter) consumeExternal(amount uint64) error {
	g.usedExternally = saturatingAdd(g.usedExternally, amount)
	return g.check()
}

// check fails once the combined total exceeds the limit. Callers invoke it
// both after each charge and at the start of every host call, so a depleted
// invocation cannot perform any further side-effecting work.
func (g *gasMeter) check() error {
	if g.depleted() {
		return types.OutOfGasError{
			Limit:          g.limit,
			Used:           g.used,
			UsedExternally: g.usedExternally,
		}
	}
	return nil
}

func (g *gasMeter) depleted() bool {
	return saturatingAdd(g.used, g.usedExternally) > g.limit
}

func (g *gasMeter) report() types.GasReport {
	total := saturatingAdd(g.used, g.usedExternally)
	var remaining uint64
	if total < g.limit {
		remaining = g.limit - total
	}
	return types.GasReport{
		Limit:          g.limit,
		Used:           g.used,
		UsedExternally: g.usedExternally,
		Remaining:      remaining,
	}
}
