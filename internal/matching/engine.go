package matching

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/core/internal/events"
	"github.com/orbitcex/core/internal/fees"
	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/ledger"
	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/orderbook"
	"github.com/orbitcex/core/internal/repository"
	"github.com/orbitcex/core/pkg/xerrors"
)

// Journal is the append-only recovery log an Engine writes every executed
// trade to, satisfied by *internal/journal.Registry (Badger-backed) or
// left nil to skip journaling entirely.
type Journal interface {
	Append(ctx context.Context, market string, payload any) error
}

// Metrics is the subset of internal/metrics.Recorder the engine drives.
type Metrics interface {
	OrderAdmitted(market, kind string)
	TradeExecuted(market string, amount decimal.Decimal)
	SettlementLatency(market string, d time.Duration)
}

// EngineConfig are the dependencies and static market parameters an Engine
// is constructed with.
type EngineConfig struct {
	Market         string
	BaseAsset      string
	QuoteAsset     string
	BasePrecision  int32
	QuotePrecision int32

	Book    *orderbook.Book
	Ledger  *ledger.Ledger
	Repo    repository.Repository
	Fees    *fees.Schedule
	Bus     events.Bus
	Journal Journal // optional
	Metrics Metrics // optional
	IDs     *idgen.Registry

	Logger *zap.Logger

	// CommandBuffer sizes the inbound command channel.
	CommandBuffer int

	// DepthLevels is how many price levels per side go into the
	// orderbook.depth snapshot published after each trade. Defaults to 10.
	DepthLevels int
}

// Engine is the single-writer matching engine for one market: every
// command is processed to completion on the goroutine running Run before
// the next is dequeued, so no command ever observes another's
// intermediate state (§5).
type Engine struct {
	market         string
	baseAsset      string
	quoteAsset     string
	basePrecision  int32
	quotePrecision int32

	book    *orderbook.Book
	ledger  *ledger.Ledger
	repo    repository.Repository
	fees    *fees.Schedule
	bus     events.Bus
	journal Journal
	metrics Metrics
	ids     *idgen.Registry
	logger  *zap.Logger

	triggers *triggerTable
	oco      *ocoLinks

	halted         bool
	lastTradePrice decimal.Decimal
	depthLevels    int

	cmdCh chan command
}

// NewEngine constructs an Engine; call Run in its own goroutine to start
// the single-writer loop.
func NewEngine(cfg EngineConfig) *Engine {
	buf := cfg.CommandBuffer
	if buf <= 0 {
		buf = 256
	}
	depth := cfg.DepthLevels
	if depth <= 0 {
		depth = 10
	}
	return &Engine{
		market:         cfg.Market,
		baseAsset:      cfg.BaseAsset,
		quoteAsset:     cfg.QuoteAsset,
		basePrecision:  cfg.BasePrecision,
		quotePrecision: cfg.QuotePrecision,
		book:           cfg.Book,
		ledger:         cfg.Ledger,
		repo:           cfg.Repo,
		fees:           cfg.Fees,
		bus:            cfg.Bus,
		journal:        cfg.Journal,
		metrics:        cfg.Metrics,
		ids:            cfg.IDs,
		logger:         cfg.Logger.Named("matching").With(zap.String("market", cfg.Market)),
		triggers:       newTriggerTable(),
		oco:            newOCOLinks(),
		depthLevels:    depth,
		cmdCh:          make(chan command, buf),
	}
}

// Run drains the command channel until ctx is canceled. It must run on
// exactly one goroutine for the lifetime of the Engine.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			e.dispatch(ctx, cmd)
		}
	}
}

// Halt stops the market's command loop from accepting new submissions;
// resting orders are left intact for inspection. Cancel requests still
// succeed while halted. Supplements the base spec per §12.
func (e *Engine) Halt() { e.halted = true }

// Resume clears a halt, whether set administratively or by a fatal alert.
func (e *Engine) Resume() { e.halted = false }

func (e *Engine) Halted() bool { return e.halted }

func (e *Engine) submit(ctx context.Context, cmd command) Result {
	cmd.reply = make(chan Result, 1)
	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (e *Engine) SubmitLimit(ctx context.Context, o *model.Order) Result {
	return e.submit(ctx, command{kind: cmdSubmitLimit, order: o})
}

func (e *Engine) SubmitMarket(ctx context.Context, o *model.Order) Result {
	return e.submit(ctx, command{kind: cmdSubmitMarket, order: o})
}

func (e *Engine) SubmitStop(ctx context.Context, o *model.Order) Result {
	return e.submit(ctx, command{kind: cmdSubmitStop, order: o})
}

func (e *Engine) SubmitStopLimit(ctx context.Context, o *model.Order) Result {
	return e.submit(ctx, command{kind: cmdSubmitStopLimit, order: o})
}

func (e *Engine) SubmitOCO(ctx context.Context, limitLeg, stopLeg *model.Order) Result {
	return e.submit(ctx, command{kind: cmdSubmitOCO, order: limitLeg, ocoLeg: stopLeg})
}

func (e *Engine) Cancel(ctx context.Context, orderID int64) Result {
	return e.submit(ctx, command{kind: cmdCancel, orderID: orderID})
}

func (e *Engine) dispatch(ctx context.Context, cmd command) {
	if e.halted && cmd.kind != cmdCancel {
		cmd.reply <- Result{Err: xerrors.ErrMarketHalted}
		return
	}

	var res Result
	switch cmd.kind {
	case cmdSubmitLimit:
		res = e.handleResting(ctx, cmd.order)
	case cmdSubmitMarket:
		cmd.order.Price = marketSentinelPrice(cmd.order.Side)
		res = e.handleResting(ctx, cmd.order)
	case cmdSubmitStop, cmdSubmitStopLimit:
		res = e.handleStopSubmit(ctx, cmd.order)
	case cmdSubmitOCO:
		res = e.handleOCO(ctx, cmd.order, cmd.ocoLeg)
	case cmdCancel:
		res = e.handleCancel(ctx, cmd.orderID)
	}

	if res.Err == nil && cmd.kind != cmdCancel && e.metrics != nil {
		e.metrics.OrderAdmitted(e.market, cmd.order.Kind)
	}
	if res.Err != nil {
		if xerr, ok := res.Err.(*xerrors.Error); ok && xerrors.IsFatal(xerr.Kind) {
			e.halted = true
			e.publish(ctx, events.TopicSystemAlert, map[string]any{
				"market": e.market,
				"error":  xerr.Error(),
			})
			e.logger.Error("engine halted on fatal error", zap.Error(xerr))
		}
	}

	cmd.reply <- res
}

// handleResting processes a limit or (sentinel-priced) market order
// through the matching algorithm and applies the order's TIF residue
// policy to whatever remains.
func (e *Engine) handleResting(ctx context.Context, taker *model.Order) Result {
	if taker.TIF == model.TIFFOK {
		if !e.canFullyFill(taker) {
			taker.Status = model.StatusRejected
			e.publish(ctx, events.TopicOrderRejected, map[string]any{"order_id": taker.ID, "reason": "fok_unfillable"})
			return Result{Order: taker, Err: xerrors.ErrFOKUnfillable}
		}
	}

	trades, sideEffects, err := e.match(ctx, taker)
	if err != nil {
		return Result{Order: taker, Trades: trades, Err: err}
	}

	remaining := taker.Remaining()
	switch {
	case remaining.IsZero():
		taker.Status = model.StatusFilled
	case taker.TIF == model.TIFIOC || taker.Kind == model.OrderKindMarket:
		taker.Status = model.StatusCanceled
		reason := "ioc_residue"
		if taker.Kind == model.OrderKindMarket {
			reason = "market_no_liquidity"
		}
		e.publish(ctx, events.TopicOrderCanceled, map[string]any{"order_id": taker.ID, "reason": reason})
	case len(trades) > 0:
		taker.Status = model.StatusPartial
		e.book.Insert(taker)
	default:
		taker.Status = model.StatusOpen
		e.book.Insert(taker)
	}

	if err := e.repo.SaveOrder(ctx, taker); err != nil {
		return Result{Order: taker, Trades: trades, Err: xerrors.ErrPersistenceUnavailable.Wrap(err)}
	}

	return Result{Order: taker, Trades: trades, SideEffects: sideEffects}
}

// canFullyFill pre-scans the opposing side to decide whether an FOK order's
// full amount is fillable at acceptable prices, without mutating the book.
func (e *Engine) canFullyFill(taker *model.Order) bool {
	remaining := taker.Remaining()
	e.book.IterOpposite(taker.Side, func(level *orderbook.PriceLevel) bool {
		if !crosses(taker.Side, taker.Price, level.Price) {
			return false
		}
		for _, o := range level.Orders() {
			remaining = remaining.Sub(o.Remaining())
			if remaining.LessThanOrEqual(decimal.Zero) {
				return false
			}
		}
		return true
	})
	return remaining.LessThanOrEqual(decimal.Zero)
}

func crosses(takerSide string, takerPrice, makerPrice decimal.Decimal) bool {
	if takerSide == model.SideBuy {
		return takerPrice.GreaterThanOrEqual(makerPrice)
	}
	return takerPrice.LessThanOrEqual(makerPrice)
}

// match runs the core price-time-priority algorithm (§4.3 steps 1-5)
// against the resting book, settling each trade through the Ledger as it
// is generated and scanning the stop trigger table after every trade.
func (e *Engine) match(ctx context.Context, taker *model.Order) ([]*model.Trade, []*model.Order, error) {
	var trades []*model.Trade
	var sideEffects []*model.Order
	spentQuote := decimal.Zero

	for taker.Remaining().GreaterThan(decimal.Zero) {
		level, ok := e.book.BestLevel(orderbook.OppositeSide(taker.Side))
		if !ok || !crosses(taker.Side, taker.Price, level.Price) {
			break
		}
		maker := level.Front()

		q := decimal.Min(taker.Remaining(), maker.Remaining())
		if taker.IsBuy() && !taker.MaxQuote.IsZero() {
			budget := taker.MaxQuote.Sub(spentQuote)
			if budget.LessThanOrEqual(decimal.Zero) {
				break
			}
			affordable := budget.Div(level.Price)
			if q.GreaterThan(affordable) {
				q = affordable
			}
			if q.LessThanOrEqual(decimal.Zero) {
				break
			}
		}

		trade, err := e.executeTrade(ctx, taker, maker, level.Price, q)
		if err != nil {
			return trades, sideEffects, err
		}
		trades = append(trades, trade)
		spentQuote = spentQuote.Add(level.Price.Mul(q))
		e.lastTradePrice = level.Price

		if maker.Remaining().IsZero() {
			e.book.PopFront(taker.Side, level)
			maker.Status = model.StatusFilled
		} else {
			maker.Status = model.StatusPartial
		}
		if err := e.repo.SaveOrder(ctx, maker); err != nil {
			return trades, sideEffects, xerrors.ErrPersistenceUnavailable.Wrap(err)
		}
		sideEffects = append(sideEffects, maker)

		if maker.LinkKind == model.LinkOCO {
			if cancel, ok := e.cancelOCOSibling(ctx, maker); ok {
				sideEffects = append(sideEffects, cancel)
			}
		}

		activated, err := e.activateTriggers(ctx, e.lastTradePrice)
		if err != nil {
			return trades, sideEffects, err
		}
		sideEffects = append(sideEffects, activated...)
	}

	return trades, sideEffects, nil
}

// executeTrade settles one maker/taker match at the maker's price and
// persists the resulting Trade record.
func (e *Engine) executeTrade(ctx context.Context, taker, maker *model.Order, price, qty decimal.Decimal) (*model.Trade, error) {
	taker.Filled = taker.Filled.Add(qty)
	maker.Filled = maker.Filled.Add(qty)

	var buyer, seller *model.Order
	var buyerIsMaker, sellerIsMaker bool
	if taker.IsBuy() {
		buyer, seller = taker, maker
		buyerIsMaker, sellerIsMaker = false, true
	} else {
		buyer, seller = maker, taker
		buyerIsMaker, sellerIsMaker = true, false
	}

	quoteAmount := price.Mul(qty)
	buyerFee := e.fees.Compute(e.market, buyerIsMaker, qty, e.basePrecision)
	sellerFee := e.fees.Compute(e.market, sellerIsMaker, quoteAmount, e.quotePrecision)

	settleStart := time.Now()
	if err := e.ledger.SettleTrade(ctx, ledger.TradeLegs{
		Market:     e.market,
		BaseAsset:  e.baseAsset,
		QuoteAsset: e.quoteAsset,
		BuyerID:    buyer.AccountID,
		SellerID:   seller.AccountID,
		Price:      price,
		Amount:     qty,
		BuyerFee:   buyerFee,
		SellerFee:  sellerFee,
	}); err != nil {
		return nil, xerrors.ErrLedgerInconsistency.Wrap(err)
	}
	if e.metrics != nil {
		e.metrics.SettlementLatency(e.market, time.Since(settleStart))
	}

	trade := &model.Trade{
		ID:           e.ids.NextTradeID(),
		Market:       e.market,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		TakerSide:    taker.Side,
		Price:        price,
		Amount:       qty,
		FeeMaker:     feeOf(maker, buyerFee, sellerFee, taker),
		FeeTaker:     feeOf(taker, buyerFee, sellerFee, maker),
		CreatedAt:    time.Now(),
	}
	if err := e.repo.CreateTrade(ctx, trade); err != nil {
		return nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	e.publish(ctx, events.TopicTradeExecuted, trade)
	e.publish(ctx, events.TopicOrderbookDepth, e.book.Snapshot(e.depthLevels))
	if e.metrics != nil {
		e.metrics.TradeExecuted(e.market, qty)
	}
	if e.journal != nil {
		_ = e.journal.Append(ctx, e.market, trade)
	}
	return trade, nil
}

func feeOf(o *model.Order, buyerFee, sellerFee decimal.Decimal, other *model.Order) decimal.Decimal {
	if o.IsBuy() {
		return buyerFee
	}
	return sellerFee
}

// handleStopSubmit arms a stop/stop-limit order in the trigger table
// rather than inserting it into the book.
func (e *Engine) handleStopSubmit(ctx context.Context, o *model.Order) Result {
	o.Status = model.StatusOpen
	e.triggers.Add(o)
	if err := e.repo.SaveOrder(ctx, o); err != nil {
		return Result{Order: o, Err: xerrors.ErrPersistenceUnavailable.Wrap(err)}
	}
	e.publish(ctx, events.TopicOrderAccepted, o)
	return Result{Order: o}
}

// handleOCO arms both legs of a one-cancels-other pair: the limit leg
// rests in the book (or matches immediately), the stop leg arms in the
// trigger table, linked by a fresh link_id.
func (e *Engine) handleOCO(ctx context.Context, limitLeg, stopLeg *model.Order) Result {
	linkID := newLinkID()
	limitLeg.LinkKind, limitLeg.LinkID = model.LinkOCO, linkID
	stopLeg.LinkKind, stopLeg.LinkID = model.LinkOCO, linkID
	e.oco.Link(linkID, limitLeg.ID, stopLeg.ID)

	res := e.handleResting(ctx, limitLeg)
	if res.Err != nil {
		e.oco.Unlink(linkID)
		return res
	}

	if limitLeg.Filled.GreaterThan(decimal.Zero) {
		// Limit leg filled, even partially, during admission: the stop leg
		// never arms (§4.3/§8 OCO-atomicity).
		stopLeg.Status = model.StatusCanceled
		_ = e.repo.SaveOrder(ctx, stopLeg)
		e.oco.Unlink(linkID)
		res.SideEffects = append(res.SideEffects, stopLeg)
		return res
	}
	if limitLeg.Status == model.StatusCanceled || limitLeg.Status == model.StatusRejected {
		// Limit leg resolved without filling (e.g. FOK/IOC with no fill): no
		// sibling to cancel, nothing left to arm.
		e.oco.Unlink(linkID)
		return res
	}

	stopLeg.Status = model.StatusOpen
	e.triggers.Add(stopLeg)
	if err := e.repo.SaveOrder(ctx, stopLeg); err != nil {
		return Result{Order: limitLeg, Trades: res.Trades, Err: xerrors.ErrPersistenceUnavailable.Wrap(err)}
	}
	res.SideEffects = append(res.SideEffects, stopLeg)
	return res
}

// cancelOCOSibling cancels the other leg of filled's OCO pair, if any,
// unlocking its reserved balance. Called the instant either leg fills
// (even partially), per §4.3/§8's OCO-atomicity invariant.
func (e *Engine) cancelOCOSibling(ctx context.Context, filled *model.Order) (*model.Order, bool) {
	siblingID, ok := e.oco.Other(filled.LinkID, filled.ID)
	if !ok {
		return nil, false
	}
	e.oco.Unlink(filled.LinkID)

	if sibling := e.triggers.Remove(siblingID); sibling != nil {
		sibling.Status = model.StatusCanceled
		_ = e.repo.SaveOrder(ctx, sibling)
		e.publish(ctx, events.TopicOrderCanceled, map[string]any{"order_id": sibling.ID, "reason": "oco_sibling_filled"})
		return sibling, true
	}
	if sibling, ok := e.book.Remove(siblingID); ok {
		sibling.Status = model.StatusCanceled
		_ = e.repo.SaveOrder(ctx, sibling)
		e.publish(ctx, events.TopicOrderCanceled, map[string]any{"order_id": sibling.ID, "reason": "oco_sibling_filled"})
		return sibling, true
	}
	return nil, false
}

// activateTriggers converts every stop order whose condition is satisfied
// by lastTradePrice into a live market/limit order and matches it,
// recursively scanning again after each resulting trade. Bounded by
// maxActivationsPerTrade to guarantee termination (§4.3).
func (e *Engine) activateTriggers(ctx context.Context, lastTradePrice decimal.Decimal) ([]*model.Order, error) {
	var activatedAll []*model.Order
	total := 0
	for {
		batch := e.triggers.ScanActivated(lastTradePrice)
		if len(batch) == 0 {
			return activatedAll, nil
		}
		for _, o := range batch {
			total++
			if total > maxActivationsPerTrade {
				return activatedAll, xerrors.ErrStopTriggerLoop
			}
			o.Status = model.StatusTriggered
			activatedAll = append(activatedAll, o)
			e.publish(ctx, events.TopicOrderTriggered, o)

			if o.LinkKind == model.LinkOCO {
				if _, resolved := e.oco.Other(o.LinkID, o.ID); !resolved {
					// sibling already resolved elsewhere; this leg is moot
					continue
				}
				// Simultaneous activation: if the sibling limit leg has already
				// filled (even partially), the limit leg wins (§4.3). A limit
				// leg that merely rests unfilled does not block the stop leg.
				if sibling, ok := e.book.Get(siblingOf(e.oco, o)); ok && sibling.Filled.GreaterThan(decimal.Zero) {
					o.Status = model.StatusCanceled
					_ = e.repo.SaveOrder(ctx, o)
					e.oco.Unlink(o.LinkID)
					continue
				}
			}

			if o.Kind == model.OrderKindStop {
				o.Kind = model.OrderKindMarket
				o.Price = marketSentinelPrice(o.Side)
			}
			subTrades, subEffects, err := e.match(ctx, o)
			if err != nil {
				return activatedAll, err
			}
			_ = subTrades
			activatedAll = append(activatedAll, subEffects...)

			remaining := o.Remaining()
			if remaining.IsZero() {
				o.Status = model.StatusFilled
			} else if o.Kind == model.OrderKindMarket {
				o.Status = model.StatusCanceled
			} else {
				o.Status = model.StatusOpen
				e.book.Insert(o)
			}
			if err := e.repo.SaveOrder(ctx, o); err != nil {
				return activatedAll, xerrors.ErrPersistenceUnavailable.Wrap(err)
			}
			if o.LinkKind == model.LinkOCO && o.Filled.GreaterThan(decimal.Zero) {
				// Any fill, even partial residue auto-canceled above, resolves
				// the OCO pair (§4.3/§8).
				if cancel, ok := e.cancelOCOSibling(ctx, o); ok {
					activatedAll = append(activatedAll, cancel)
				}
			}
		}
		// lastTradePrice may have moved further from recursive matches; use
		// the engine's latest observed trade price for the next pass.
		lastTradePrice = e.lastTradePrice
	}
}

func siblingOf(o *ocoLinks, order *model.Order) int64 {
	id, _ := o.Other(order.LinkID, order.ID)
	return id
}

// handleCancel removes a resting or armed order, unlocking its reservation
// via the caller (AccountService observes the Result and performs the
// unlock, since the Ledger lock was taken there) and cancels its OCO
// sibling if linked.
func (e *Engine) handleCancel(ctx context.Context, orderID int64) Result {
	var o *model.Order
	if resting, ok := e.book.Remove(orderID); ok {
		o = resting
	} else if armed := e.triggers.Remove(orderID); armed != nil {
		o = armed
	} else {
		return Result{Err: xerrors.ErrInvalidOrder.Explain("order %d is not resting or armed", orderID)}
	}

	o.Status = model.StatusCanceled
	if err := e.repo.SaveOrder(ctx, o); err != nil {
		return Result{Order: o, Err: xerrors.ErrPersistenceUnavailable.Wrap(err)}
	}
	e.publish(ctx, events.TopicOrderCanceled, map[string]any{"order_id": o.ID, "reason": "user_requested"})

	var sideEffects []*model.Order
	if o.LinkKind == model.LinkOCO {
		if cancel, ok := e.cancelOCOSibling(ctx, o); ok {
			sideEffects = append(sideEffects, cancel)
		}
	}
	return Result{Order: o, SideEffects: sideEffects}
}

func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, events.Event{Topic: topic, Payload: payload})
}
