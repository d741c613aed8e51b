// Package fees resolves the basis-point maker/taker fee schedule for a
// (market) pair, supplementing the base spec per the teacher's FeeEngine
// (internal/trading/engine/fee_engine.go) — simplified to the schedule's
// actual shape required here: a flat maker/taker bps rate per market, no
// tiers, cross-pair multipliers, or per-account discounts, none of which
// the spec calls for.
package fees

import (
	"github.com/shopspring/decimal"
)

var bps100 = decimal.NewFromInt(10000)

// Schedule is a per-market maker/taker basis-point fee table.
type Schedule struct {
	entries map[string]Entry
}

// Entry is one market's maker/taker fee rate in basis points.
type Entry struct {
	MakerBps int64
	TakerBps int64
}

// NewSchedule builds a Schedule from a market-symbol-keyed entry map, e.g.
// loaded from config.Config.FeeSchedule.
func NewSchedule(entries map[string]Entry) *Schedule {
	cp := make(map[string]Entry, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return &Schedule{entries: cp}
}

// Rate returns the maker or taker fee rate for market, as a decimal
// fraction (e.g. 10 bps -> 0.001), defaulting to zero for unknown markets.
func (s *Schedule) Rate(market string, maker bool) decimal.Decimal {
	e, ok := s.entries[market]
	if !ok {
		return decimal.Zero
	}
	bps := e.TakerBps
	if maker {
		bps = e.MakerBps
	}
	return decimal.NewFromInt(bps).Div(bps100)
}

// Compute returns the fee owed on notional at the given market/maker rate,
// rounded half away from zero to the asset's precision.
func (s *Schedule) Compute(market string, maker bool, notional decimal.Decimal, precision int32) decimal.Decimal {
	fee := notional.Mul(s.Rate(market, maker))
	return fee.Round(precision)
}
