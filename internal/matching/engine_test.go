package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitcex/core/internal/events"
	"github.com/orbitcex/core/internal/fees"
	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/ledger"
	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/orderbook"
	"github.com/orbitcex/core/internal/repository/memrepo"
	"github.com/orbitcex/core/pkg/xerrors"
)

const testMarket = "ALT/USDT"

func newTestEngine(t *testing.T) (*Engine, *ledger.Ledger, *idgen.Registry) {
	t.Helper()
	store := memrepo.NewStore()
	uow := memrepo.NewUnitOfWork(store)
	repo := memrepo.NewRepository(store)
	ids := idgen.NewRegistry()
	logger := zap.NewNop()

	l := ledger.New(uow, ids, logger)
	require.NoError(t, l.Bootstrap(context.Background()))

	e := NewEngine(EngineConfig{
		Market:         testMarket,
		BaseAsset:      "ALT",
		QuoteAsset:     "USDT",
		BasePrecision:  8,
		QuotePrecision: 8,
		Book:           orderbook.New(testMarket),
		Ledger:         l,
		Repo:           repo,
		Fees:           fees.NewSchedule(nil),
		Bus:            events.NewInMemoryBus(nil),
		IDs:            ids,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)

	return e, l, ids
}

// fund credits available balance directly (bypassing any deposit flow,
// since these tests exercise the engine, not wallet).
func fund(t *testing.T, l *ledger.Ledger, accountID int64, asset, amount string) {
	t.Helper()
	require.NoError(t, l.Credit(context.Background(), accountID, asset, decimal.RequireFromString(amount)))
}

func lock(t *testing.T, l *ledger.Ledger, accountID int64, asset, amount string) {
	t.Helper()
	require.NoError(t, l.Lock(context.Background(), accountID, asset, decimal.RequireFromString(amount)))
}

func limitOrder(id, accountID int64, side, price, amount string) *model.Order {
	return &model.Order{
		ID: id, AccountID: accountID, Market: testMarket, Side: side,
		Kind: model.OrderKindLimit, TIF: model.TIFGTC,
		Price: decimal.RequireFromString(price), Amount: decimal.RequireFromString(amount),
	}
}

func TestSubmitLimit_NoCross_RestsOnBook(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	order := limitOrder(1, 1, model.SideBuy, "100", "1")
	res := e.SubmitLimit(ctx, order)

	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusOpen, res.Order.Status)
	assert.Empty(t, res.Trades)
}

func TestSubmitLimit_Crosses_ExecutesAtMakerPrice(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 2, "ALT", "10")
	lock(t, l, 2, "ALT", "10")
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	maker := limitOrder(1, 2, model.SideSell, "100", "5")
	require.NoError(t, e.SubmitLimit(ctx, maker).Err)

	taker := limitOrder(2, 1, model.SideBuy, "105", "5")
	res := e.SubmitLimit(ctx, taker)

	require.NoError(t, res.Err)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("100")), "trade executes at the maker's price, not the taker's limit")
	assert.True(t, trade.Amount.Equal(decimal.RequireFromString("5")))
	assert.Equal(t, model.StatusFilled, res.Order.Status)
}

func TestSubmitLimit_PriceTimePriority(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 10, "ALT", "10")
	lock(t, l, 10, "ALT", "10")
	fund(t, l, 11, "ALT", "10")
	lock(t, l, 11, "ALT", "10")
	fund(t, l, 1, "USDT", "10000")
	lock(t, l, 1, "USDT", "10000")

	// Both asks at the same price; the earlier one (ID 1) must fill first.
	first := limitOrder(1, 10, model.SideSell, "100", "3")
	second := limitOrder(2, 11, model.SideSell, "100", "3")
	require.NoError(t, e.SubmitLimit(ctx, first).Err)
	require.NoError(t, e.SubmitLimit(ctx, second).Err)

	taker := limitOrder(3, 1, model.SideBuy, "100", "3")
	res := e.SubmitLimit(ctx, taker)

	require.NoError(t, res.Err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(1), res.Trades[0].MakerOrderID, "resting order queued first at the same price must be served first")
}

func TestSubmitMarket_Buy_UsesSentinelPriceAndCapsOnMaxQuote(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 2, "ALT", "10")
	lock(t, l, 2, "ALT", "10")
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	maker := limitOrder(1, 2, model.SideSell, "100", "10")
	require.NoError(t, e.SubmitLimit(ctx, maker).Err)

	taker := &model.Order{
		ID: 2, AccountID: 1, Market: testMarket, Side: model.SideBuy,
		Kind: model.OrderKindMarket, TIF: model.TIFIOC,
		Amount: decimal.RequireFromString("10"), MaxQuote: decimal.RequireFromString("250"),
	}
	res := e.SubmitMarket(ctx, taker)

	require.NoError(t, res.Err)
	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Amount.Equal(decimal.RequireFromString("2.5")), "budget of 250 quote at price 100 affords only 2.5 base")
	assert.Equal(t, model.StatusCanceled, res.Order.Status, "unfilled residue of a market order is canceled, never rested")
}

func TestSubmitMarket_Sell_NoMaxQuoteCap(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")
	fund(t, l, 2, "ALT", "10")
	lock(t, l, 2, "ALT", "10")

	maker := limitOrder(1, 1, model.SideBuy, "100", "10")
	require.NoError(t, e.SubmitLimit(ctx, maker).Err)

	taker := &model.Order{
		ID: 2, AccountID: 2, Market: testMarket, Side: model.SideSell,
		Kind: model.OrderKindMarket, TIF: model.TIFIOC,
		Amount: decimal.RequireFromString("10"),
	}
	res := e.SubmitMarket(ctx, taker)

	require.NoError(t, res.Err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.StatusFilled, res.Order.Status)
}

func TestSubmitLimit_IOC_ResidueIsCanceledNotRested(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 2, "ALT", "3")
	lock(t, l, 2, "ALT", "3")
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	maker := limitOrder(1, 2, model.SideSell, "100", "3")
	require.NoError(t, e.SubmitLimit(ctx, maker).Err)

	taker := limitOrder(2, 1, model.SideBuy, "100", "5")
	taker.TIF = model.TIFIOC
	res := e.SubmitLimit(ctx, taker)

	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusCanceled, res.Order.Status)
	assert.True(t, res.Order.Filled.Equal(decimal.RequireFromString("3")))

	_, onBook := e.book.Get(2)
	assert.False(t, onBook, "IOC residue must never rest on the book")
}

func TestSubmitLimit_FOK_RejectedWhenUnfillable(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 2, "ALT", "3")
	lock(t, l, 2, "ALT", "3")
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	maker := limitOrder(1, 2, model.SideSell, "100", "3")
	require.NoError(t, e.SubmitLimit(ctx, maker).Err)

	taker := limitOrder(2, 1, model.SideBuy, "100", "5")
	taker.TIF = model.TIFFOK
	res := e.SubmitLimit(ctx, taker)

	require.Error(t, res.Err)
	assert.True(t, xerrors.Is(res.Err, xerrors.ErrFOKUnfillable))
	assert.Equal(t, model.StatusRejected, res.Order.Status)
	assert.Empty(t, res.Trades, "a rejected FOK order must never partially execute")
}

func TestSubmitLimit_FOK_FillsWhenFullyMatchable(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 2, "ALT", "5")
	lock(t, l, 2, "ALT", "5")
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	maker := limitOrder(1, 2, model.SideSell, "100", "5")
	require.NoError(t, e.SubmitLimit(ctx, maker).Err)

	taker := limitOrder(2, 1, model.SideBuy, "100", "5")
	taker.TIF = model.TIFFOK
	res := e.SubmitLimit(ctx, taker)

	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusFilled, res.Order.Status)
}

func TestCancel_RestingOrder_RemovesFromBook(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	order := limitOrder(1, 1, model.SideBuy, "100", "1")
	require.NoError(t, e.SubmitLimit(ctx, order).Err)

	res := e.Cancel(ctx, 1)
	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusCanceled, res.Order.Status)

	_, ok := e.book.Get(1)
	assert.False(t, ok)
}

func TestCancel_UnknownOrder_IsError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.Cancel(context.Background(), 999)
	require.Error(t, res.Err)
	assert.True(t, xerrors.Is(res.Err, xerrors.ErrInvalidOrder))
}

func TestSubmitStop_ArmsWithoutResting(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	stop := &model.Order{
		ID: 1, AccountID: 1, Market: testMarket, Side: model.SideBuy,
		Kind: model.OrderKindStop, TIF: model.TIFGTC,
		StopPrice: decimal.RequireFromString("110"), Amount: decimal.RequireFromString("1"),
	}
	res := e.SubmitStop(ctx, stop)

	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusOpen, res.Order.Status)
	_, onBook := e.book.Get(1)
	assert.False(t, onBook, "an armed stop order must not rest in the book")
}

func TestActivateTriggers_BuyStopFiresWhenPriceRisesThroughIt(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()

	// A trade at 110 will arm and immediately activate the buy-stop at 110.
	fund(t, l, 2, "ALT", "10")
	lock(t, l, 2, "ALT", "10")
	fund(t, l, 1, "USDT", "5000")
	lock(t, l, 1, "USDT", "5000")
	fund(t, l, 3, "ALT", "10")
	lock(t, l, 3, "ALT", "10")

	stop := &model.Order{
		ID: 1, AccountID: 1, Market: testMarket, Side: model.SideBuy,
		Kind: model.OrderKindStop, TIF: model.TIFGTC,
		StopPrice: decimal.RequireFromString("110"), Amount: decimal.RequireFromString("1"),
	}
	require.NoError(t, e.SubmitStop(ctx, stop).Err)

	// Seed the book so the triggering trade happens at exactly 110, then the
	// activated stop (now a market order) has a second maker to fill against.
	triggerMaker := limitOrder(2, 2, model.SideSell, "110", "1")
	require.NoError(t, e.SubmitLimit(ctx, triggerMaker).Err)
	secondMaker := limitOrder(3, 3, model.SideSell, "111", "1")
	require.NoError(t, e.SubmitLimit(ctx, secondMaker).Err)

	triggeringTaker := limitOrder(4, 1, model.SideBuy, "110", "1")
	res := e.SubmitLimit(ctx, triggeringTaker)

	require.NoError(t, res.Err)
	var triggered bool
	for _, se := range res.SideEffects {
		if se.ID == 1 {
			triggered = true
		}
	}
	assert.True(t, triggered, "the armed buy-stop must appear among side effects once the trade price reaches its StopPrice")
}

func TestSubmitOCO_LimitLegFillImmediatelyCancelsStopLeg(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 2, "ALT", "5")
	lock(t, l, 2, "ALT", "5")
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	maker := limitOrder(1, 2, model.SideSell, "100", "5")
	require.NoError(t, e.SubmitLimit(ctx, maker).Err)

	limitLeg := limitOrder(2, 1, model.SideBuy, "100", "5")
	stopLeg := &model.Order{
		ID: 3, AccountID: 1, Market: testMarket, Side: model.SideBuy,
		Kind: model.OrderKindStop, TIF: model.TIFGTC,
		StopPrice: decimal.RequireFromString("120"), Amount: decimal.RequireFromString("5"),
	}
	res := e.SubmitOCO(ctx, limitLeg, stopLeg)

	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusFilled, res.Order.Status)

	var stopCanceled bool
	for _, se := range res.SideEffects {
		if se.ID == 3 && se.Status == model.StatusCanceled {
			stopCanceled = true
		}
	}
	assert.True(t, stopCanceled, "the stop leg must be canceled the instant the limit leg fills")
}

func TestSubmitOCO_LimitLegRestsAndStopLegArms(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	limitLeg := limitOrder(1, 1, model.SideBuy, "90", "1")
	stopLeg := &model.Order{
		ID: 2, AccountID: 1, Market: testMarket, Side: model.SideBuy,
		Kind: model.OrderKindStop, TIF: model.TIFGTC,
		StopPrice: decimal.RequireFromString("120"), Amount: decimal.RequireFromString("1"),
	}
	res := e.SubmitOCO(ctx, limitLeg, stopLeg)

	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusOpen, res.Order.Status)
	_, onBook := e.book.Get(1)
	assert.True(t, onBook, "the resting leg must be on the book")

	var stopArmed bool
	for _, se := range res.SideEffects {
		if se.ID == 2 && se.Status == model.StatusOpen {
			stopArmed = true
		}
	}
	assert.True(t, stopArmed, "the stop leg must arm once the limit leg fails to fill immediately")
}

func TestSubmitOCO_LimitLegPartialFillAsTakerCancelsStopLeg(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 2, "ALT", "2")
	lock(t, l, 2, "ALT", "2")
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	maker := limitOrder(1, 2, model.SideSell, "100", "2")
	require.NoError(t, e.SubmitLimit(ctx, maker).Err)

	limitLeg := limitOrder(2, 1, model.SideBuy, "100", "5")
	stopLeg := &model.Order{
		ID: 3, AccountID: 1, Market: testMarket, Side: model.SideBuy,
		Kind: model.OrderKindStop, TIF: model.TIFGTC,
		StopPrice: decimal.RequireFromString("120"), Amount: decimal.RequireFromString("5"),
	}
	res := e.SubmitOCO(ctx, limitLeg, stopLeg)

	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusPartial, res.Order.Status)
	assert.True(t, res.Order.Filled.Equal(decimal.RequireFromString("2")))

	var stopCanceled bool
	for _, se := range res.SideEffects {
		if se.ID == 3 && se.Status == model.StatusCanceled {
			stopCanceled = true
		}
	}
	assert.True(t, stopCanceled, "a partial fill on the limit leg must cancel the stop leg too, not just a full fill")
	assert.Nil(t, e.triggers.Remove(3), "the stop leg must not have armed in the trigger table")
}

func TestCancel_OCOLeg_CancelsSibling(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	limitLeg := limitOrder(1, 1, model.SideBuy, "90", "1")
	stopLeg := &model.Order{
		ID: 2, AccountID: 1, Market: testMarket, Side: model.SideBuy,
		Kind: model.OrderKindStop, TIF: model.TIFGTC,
		StopPrice: decimal.RequireFromString("120"), Amount: decimal.RequireFromString("1"),
	}
	require.NoError(t, e.SubmitOCO(ctx, limitLeg, stopLeg).Err)

	res := e.Cancel(ctx, 1)
	require.NoError(t, res.Err)

	var siblingCanceled bool
	for _, se := range res.SideEffects {
		if se.ID == 2 && se.Status == model.StatusCanceled {
			siblingCanceled = true
		}
	}
	assert.True(t, siblingCanceled, "canceling one OCO leg must cancel the armed sibling")
}

func TestDispatch_FatalError_HaltsEngineAndPublishesAlert(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 2, "ALT", "5")
	// Seller locks nothing: the settlement that the resulting trade needs
	// will fail with a ledger inconsistency, a fatal kind.
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	maker := limitOrder(1, 2, model.SideSell, "100", "5")
	// Bypass SubmitLimit's normal admission path: insert directly so the
	// seller's balance is never locked, forcing SettleTrade to fail.
	e.book.Insert(maker)

	taker := limitOrder(2, 1, model.SideBuy, "100", "5")
	res := e.SubmitLimit(ctx, taker)

	require.Error(t, res.Err)
	assert.True(t, xerrors.Is(res.Err, xerrors.ErrLedgerInconsistency))
	assert.True(t, e.Halted(), "a fatal settlement error must halt the engine")
}

func TestHalted_RejectsNewSubmissionsButAllowsCancel(t *testing.T) {
	e, l, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, l, 1, "USDT", "1000")
	lock(t, l, 1, "USDT", "1000")

	order := limitOrder(1, 1, model.SideBuy, "100", "1")
	require.NoError(t, e.SubmitLimit(ctx, order).Err)

	e.Halt()
	rejected := e.SubmitLimit(ctx, limitOrder(2, 1, model.SideBuy, "99", "1"))
	assert.True(t, xerrors.Is(rejected.Err, xerrors.ErrMarketHalted))

	cancel := e.Cancel(ctx, 1)
	assert.NoError(t, cancel.Err, "cancel must still be served while halted")

	e.Resume()
	assert.False(t, e.Halted())
}

func TestSubmitLimit_SubmitIsSerializedAcrossGoroutines(t *testing.T) {
	e, l, _ := newTestEngine(t)
	for i := int64(1); i <= 20; i++ {
		fund(t, l, i, "USDT", "1000")
		lock(t, l, i, "USDT", "1000")
	}

	done := make(chan Result, 20)
	for i := int64(1); i <= 20; i++ {
		go func(i int64) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			done <- e.SubmitLimit(ctx, limitOrder(i, i, model.SideBuy, "100", "1"))
		}(i)
	}
	for i := 0; i < 20; i++ {
		res := <-done
		require.NoError(t, res.Err)
	}
	// All 20 buys share the price 100, so they form one level of 20 orders.
	assert.Equal(t, 1, e.book.DepthCount(model.SideBuy))
	level, ok := e.book.BestLevel(model.SideBuy)
	require.True(t, ok)
	assert.Equal(t, 20, level.Len())
}
