package accounting

import (
	"math"

	"github.com/voxrelay/voxrelay/internal/auth"
)

// PriceVector holds per-million-token prices in USD for one tier.
type PriceVector struct {
	InputPerM       float64
	OutputPerM      float64
	AudioInputPerM  float64
	AudioOutputPerM float64
	CachedPerM      float64
}

// tierPrices is the static subscription pricing table. Audio prices apply to
// accounting ticks (20 ms each) expressed in the same per-million units.
var tierPrices = map[auth.Tier]PriceVector{
	auth.TierFree: {
		InputPerM:       5.00,
		OutputPerM:      20.00,
		AudioInputPerM:  100.00,
		AudioOutputPerM: 200.00,
		CachedPerM:      2.50,
	},
	auth.TierStandard: {
		InputPerM:       4.00,
		OutputPerM:      16.00,
		AudioInputPerM:  80.00,
		AudioOutputPerM: 160.00,
		CachedPerM:      2.00,
	},
	auth.TierPro: {
		InputPerM:       3.00,
		OutputPerM:      12.00,
		AudioInputPerM:  60.00,
		AudioOutputPerM: 120.00,
		CachedPerM:      1.50,
	},
}

// PricesFor returns the price vector for a tier, defaulting to the free tier
// for unknown values.
func PricesFor(t auth.Tier) PriceVector {
	if pv, ok := tierPrices[t]; ok {
		return pv
	}
	return tierPrices[auth.TierFree]
}

// Cost projects the USD cost of a snapshot under the given price vector and
// region multiplier. The result is rounded to 6 decimals. Pure function;
// never mutates counters.
func Cost(s Snapshot, prices PriceVector, regionMultiplier float64) float64 {
	if regionMultiplier <= 0 {
		regionMultiplier = 1
	}
	sum := float64(s.InputTokens)*prices.InputPerM +
		float64(s.OutputTokens)*prices.OutputPerM +
		float64(s.AudioInputTicks)*prices.AudioInputPerM +
		float64(s.AudioOutputTicks)*prices.AudioOutputPerM +
		float64(s.CachedTokens)*prices.CachedPerM
	cost := sum * regionMultiplier / 1e6
	return math.Round(cost*1e6) / 1e6
}
