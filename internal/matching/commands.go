// Package matching implements the single-writer-per-market matching
// engine: command dispatch, the price-time matching algorithm, stop/OCO
// activation, and ledger settlement invocation. Grounded on the teacher's
// internal/trading/engine package for the overall shape (a command loop
// draining a channel) and internal/trading/orderbook + trigger for the
// matching/activation algorithms, reworked around the abstractions this
// rewrite settled on (internal/orderbook.Book, internal/ledger.Ledger).
package matching

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orbitcex/core/internal/model"
)

// Result is what a command produces: the (possibly mutated) primary order
// plus every trade generated while processing it, and any orders whose
// status changed as a side effect (OCO cancels, triggered stops becoming
// live orders, etc).
type Result struct {
	Order       *model.Order
	Trades      []*model.Trade
	SideEffects []*model.Order
	Err         error
}

// command is the internal envelope every public Submit*/Cancel call wraps
// itself in before handing off to the engine's single-writer loop.
type command struct {
	kind    commandKind
	order   *model.Order
	ocoLeg  *model.Order // second leg, only for submitOCO
	orderID int64        // only for cancel
	reply   chan Result
}

type commandKind int

const (
	cmdSubmitLimit commandKind = iota
	cmdSubmitMarket
	cmdSubmitStop
	cmdSubmitStopLimit
	cmdSubmitOCO
	cmdCancel
)

// linkID is a fresh correlation id for an OCO pair, an ephemeral handle
// (never persisted as an entity id) per §11's uuid-vs-idgen split.
func newLinkID() uuid.UUID { return uuid.New() }

// sentinel prices used to treat a market order as a limit order whose price
// can never fail to cross, per §4.3 ("treat as a limit with price = +inf
// (buy) or 0 (sell)").
func marketSentinelPrice(side string) decimal.Decimal {
	if side == model.SideBuy {
		return decimal.New(1, 30)
	}
	return decimal.Zero
}
