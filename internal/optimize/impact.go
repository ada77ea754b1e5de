package optimize

// Fixed per-call cost model. A neural execution pays for an LLM round
// trip; a symbolic one runs locally for free.
const (
	neuralAvgSeconds   = 2.5
	symbolicAvgSeconds = 0.1
	neuralCostUSD      = 0.003
	symbolicCostUSD    = 0.0
)

// PerformanceImpact estimates what replacing a neural task with
// symbolic code would save. The numbers come from the fixed per-call
// model above, not from measurement: treat them as an order-of-magnitude
// estimate for review, never as billing data.
type PerformanceImpact struct {
	CurrentAvgTime          float64 // seconds per call
	OptimizedAvgTime        float64
	TimeReductionPct        float64
	CurrentAvgCost          float64 // USD per call
	OptimizedAvgCost        float64
	CostReductionPct        float64
	ProjectedMonthlySavings float64 // USD, observed count treated as a daily rate
}

// estimateImpact projects savings for a task observed at the given
// execution count over the analysis window.
func estimateImpact(executionCount int) *PerformanceImpact {
	costSaved := neuralCostUSD - symbolicCostUSD
	return &PerformanceImpact{
		CurrentAvgTime:          neuralAvgSeconds,
		OptimizedAvgTime:        symbolicAvgSeconds,
		TimeReductionPct:        (neuralAvgSeconds - symbolicAvgSeconds) / neuralAvgSeconds * 100,
		CurrentAvgCost:          neuralCostUSD,
		OptimizedAvgCost:        symbolicCostUSD,
		CostReductionPct:        costSaved / neuralCostUSD * 100,
		ProjectedMonthlySavings: costSaved * float64(executionCount) * 30,
	}
}
