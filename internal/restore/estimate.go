package restore

import (
	"math"
	"time"

	"github.com/strata/strata/pkg/types"
)

// tierPricing is the retrieval price and worst-case latency of one tier, after
// the archive tier's published rates.
type tierPricing struct {
	perGB      float64
	perRequest float64
	duration   time.Duration
}

var pricing = map[types.RestoreTier]tierPricing{
	types.TierExpedited: {perGB: 0.03, perRequest: 0.01, duration: 5 * time.Minute},
	types.TierStandard:  {perGB: 0.01, perRequest: 0.00005, duration: 5 * time.Hour},
	types.TierBulk:      {perGB: 0.0025, perRequest: 0.000025, duration: 12 * time.Hour},
}

// Estimate is the expected cost and duration of restoring one batch.
type Estimate struct {
	CostUSD  float64
	Duration time.Duration
}

// EstimateRestore prices a restore of sizeBytes compressed bytes at tier.
func EstimateRestore(tier types.RestoreTier, sizeBytes int64) Estimate {
	p, ok := pricing[tier]
	if !ok {
		p = pricing[types.TierStandard]
	}
	gb := float64(sizeBytes) / float64(1<<30)
	cost := p.perRequest + gb*p.perGB
	return Estimate{
		CostUSD:  math.Round(cost*1e6) / 1e6,
		Duration: p.duration,
	}
}
