package orderbook

import "github.com/shopspring/decimal"

// DepthLevel is one aggregated price level in a market-data snapshot.
type DepthLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Snapshot is the top-of-book depth view handed to market-data subscribers,
// grounded on the teacher's OrderBook.GetSnapshot — same top-N-per-side
// shape, minus the teacher's lock-contention bookkeeping (not needed under
// the single-writer model) and minus string-typed levels (kept as decimal
// all the way to the edge per the no-floats/no-stringly-typed-math rule).
type Snapshot struct {
	Market string
	Bids   []DepthLevel
	Asks   []DepthLevel
}

// Snapshot aggregates up to depth price levels per side, best price first.
func (b *Book) Snapshot(depth int) Snapshot {
	snap := Snapshot{Market: b.Market, Bids: make([]DepthLevel, 0, depth), Asks: make([]DepthLevel, 0, depth)}

	b.bids.Reverse(func(_ string, level *PriceLevel) bool {
		snap.Bids = append(snap.Bids, aggregateLevel(level))
		return len(snap.Bids) < depth
	})
	b.asks.Scan(func(_ string, level *PriceLevel) bool {
		snap.Asks = append(snap.Asks, aggregateLevel(level))
		return len(snap.Asks) < depth
	})
	return snap
}

func aggregateLevel(level *PriceLevel) DepthLevel {
	total := decimal.Zero
	for _, o := range level.Orders() {
		total = total.Add(o.Remaining())
	}
	return DepthLevel{Price: level.Price, Amount: total}
}
