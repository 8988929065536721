package metrics

// NopMetrics discards every measurement.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements Collector.
var _ Collector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordSweep discards the sweep metric.
func (n *NopMetrics) RecordSweep(_ string, _ float64, _, _ int64) {}

// RecordSwaps discards the swap metric.
func (n *NopMetrics) RecordSwaps(_ string, _, _ int64) {}

// RecordExchangeFailure discards the failure metric.
func (n *NopMetrics) RecordExchangeFailure(_ string) {}

// SetAcceptanceRate discards the acceptance gauge.
func (n *NopMetrics) SetAcceptanceRate(_ string, _ float64) {}
