// Package metrics records sampler activity: sweeps, proposals, swaps and
// exchange failures.
package metrics

// Swap kinds reported through Collector.RecordSwaps.
const (
	SwapLocal = "local"
	SwapCross = "cross"
)

// Collector receives sampler measurements. Implementations must be safe for
// concurrent use; the engine calls them once per parallel region, never per
// walker.
type Collector interface {
	// RecordSweep reports one parallel region: its mode (shared or
	// partitioned), wall time, proposals made and proposals accepted.
	RecordSweep(mode string, seconds float64, proposals, accepted int64)
	// RecordSwaps reports swap attempts and acceptances of the given kind.
	RecordSwaps(kind string, attempts, accepted int64)
	// RecordExchangeFailure counts a failed cross-process exchange by reason.
	RecordExchangeFailure(reason string)
	// SetAcceptanceRate publishes the running acceptance rate of a replica.
	SetAcceptanceRate(replica string, rate float64)
}
