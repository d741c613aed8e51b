// Package accounts implements the pre-trade validation and balance-locking
// layer in front of the matching engine: the only caller of
// internal/matching.Engine for order submissions, and the forwarder for
// cancellation requests. Grounded on the teacher's
// internal/trading/order_validator.go (precision/tick/bounds checks) and
// internal/bookkeeper.Service (lock-then-persist admission flow).
package accounts

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/core/internal/config"
	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/ledger"
	"github.com/orbitcex/core/internal/matching"
	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/repository"
	"github.com/orbitcex/core/pkg/xerrors"
)

// Engines resolves the matching engine for a market. Satisfied by a plain
// map[string]*matching.Engine built at wiring time in cmd/orbitcex.
type Engines interface {
	Engine(market string) (*matching.Engine, bool)
}

// EngineMap is the trivial Engines implementation.
type EngineMap map[string]*matching.Engine

func (m EngineMap) Engine(market string) (*matching.Engine, bool) {
	e, ok := m[market]
	return e, ok
}

// Service is the AccountService of §4.4: admission validation, balance
// locking, order persistence, and cancellation forwarding.
type Service struct {
	repo    repository.Repository
	ledger  *ledger.Ledger
	ids     *idgen.Registry
	cfg     *config.Manager
	engines Engines
	logger  *zap.Logger
}

func New(repo repository.Repository, ledgr *ledger.Ledger, ids *idgen.Registry, cfg *config.Manager, engines Engines, logger *zap.Logger) *Service {
	return &Service{repo: repo, ledger: ledgr, ids: ids, cfg: cfg, engines: engines, logger: logger.Named("accounts")}
}

// PlaceOrderRequest is the caller-supplied order intent, prior to any
// server-assigned fields (id, status, timestamps).
type PlaceOrderRequest struct {
	AccountID int64
	Market    string
	Side      string
	Kind      string
	TIF       string
	Price     decimal.Decimal
	StopPrice decimal.Decimal
	Amount    decimal.Decimal
	// MaxQuote is required for market buy orders (§4.4) and ignored otherwise.
	MaxQuote decimal.Decimal
}

// PlaceOrder validates, locks funds for, persists, and submits a single
// non-OCO order.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, []*model.Trade, error) {
	market, engine, err := s.resolveMarket(req.Market)
	if err != nil {
		return nil, nil, err
	}

	if err := s.checkAccount(ctx, req.AccountID); err != nil {
		return nil, nil, err
	}
	if err := s.validateOrderShape(market, req.Side, req.Kind, req.TIF, req.Price, req.StopPrice, req.Amount); err != nil {
		return nil, nil, err
	}

	lockAsset, lockQty, err := s.reservation(market, req.Side, req.Kind, req.Price, req.Amount, req.MaxQuote)
	if err != nil {
		return nil, nil, err
	}
	if err := s.ledger.Lock(ctx, req.AccountID, lockAsset, lockQty); err != nil {
		return nil, nil, err
	}

	order := &model.Order{
		ID:        s.ids.NextOrderID(),
		AccountID: req.AccountID,
		Market:    req.Market,
		Side:      req.Side,
		Kind:      req.Kind,
		TIF:       req.TIF,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Amount:    req.Amount,
		MaxQuote:  req.MaxQuote,
		Status:    model.StatusPending,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		_ = s.ledger.Unlock(ctx, req.AccountID, lockAsset, lockQty)
		return nil, nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}

	res := s.submit(ctx, engine, order)
	if res.Err != nil {
		// Admission into the engine failed outright (e.g. FOK pre-scan,
		// market halted): release the reservation, the order never rested.
		_ = s.ledger.Unlock(ctx, req.AccountID, lockAsset, lockQty)
		return order, nil, res.Err
	}

	s.releaseUnspentReservation(ctx, res.Order, res.Trades, lockAsset, lockQty)
	return res.Order, res.Trades, nil
}

// PlaceOCORequest pairs a limit leg and a stop/stop-limit leg submitted as
// a single one-cancels-other group.
type PlaceOCORequest struct {
	LimitLeg PlaceOrderRequest
	StopLeg  PlaceOrderRequest
}

// PlaceOCO validates and locks both legs independently (each leg reserves
// its own funds, since either may end up being the one that rests) and
// submits them to the engine as a linked pair.
func (s *Service) PlaceOCO(ctx context.Context, req PlaceOCORequest) (limit, stop *model.Order, trades []*model.Trade, err error) {
	if req.LimitLeg.Market != req.StopLeg.Market || req.LimitLeg.AccountID != req.StopLeg.AccountID || req.LimitLeg.Side != req.StopLeg.Side {
		return nil, nil, nil, xerrors.ErrInvalidOrder.Explain("oco legs must share market, account, and side")
	}
	market, engine, err := s.resolveMarket(req.LimitLeg.Market)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := s.checkAccount(ctx, req.LimitLeg.AccountID); err != nil {
		return nil, nil, nil, err
	}
	if err := s.validateOrderShape(market, req.LimitLeg.Side, model.OrderKindLimit, req.LimitLeg.TIF, req.LimitLeg.Price, decimal.Zero, req.LimitLeg.Amount); err != nil {
		return nil, nil, nil, fmt.Errorf("limit leg: %w", err)
	}
	if err := s.validateOrderShape(market, req.StopLeg.Side, req.StopLeg.Kind, req.StopLeg.TIF, req.StopLeg.Price, req.StopLeg.StopPrice, req.StopLeg.Amount); err != nil {
		return nil, nil, nil, fmt.Errorf("stop leg: %w", err)
	}

	limitAsset, limitQty, err := s.reservation(market, req.LimitLeg.Side, model.OrderKindLimit, req.LimitLeg.Price, req.LimitLeg.Amount, decimal.Zero)
	if err != nil {
		return nil, nil, nil, err
	}
	stopAsset, stopQty, err := s.reservation(market, req.StopLeg.Side, req.StopLeg.Kind, req.StopLeg.Price, req.StopLeg.Amount, req.StopLeg.MaxQuote)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := s.ledger.Lock(ctx, req.LimitLeg.AccountID, limitAsset, limitQty); err != nil {
		return nil, nil, nil, err
	}
	if err := s.ledger.Lock(ctx, req.StopLeg.AccountID, stopAsset, stopQty); err != nil {
		_ = s.ledger.Unlock(ctx, req.LimitLeg.AccountID, limitAsset, limitQty)
		return nil, nil, nil, err
	}

	limit = s.newPendingOrder(req.LimitLeg, model.OrderKindLimit)
	stop = s.newPendingOrder(req.StopLeg, req.StopLeg.Kind)
	if err := s.repo.CreateOrder(ctx, limit); err != nil {
		s.unlockBoth(ctx, req, limitAsset, limitQty, stopAsset, stopQty)
		return nil, nil, nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	if err := s.repo.CreateOrder(ctx, stop); err != nil {
		s.unlockBoth(ctx, req, limitAsset, limitQty, stopAsset, stopQty)
		return nil, nil, nil, xerrors.ErrPersistenceUnavailable.Wrap(err)
	}

	res := engine.SubmitOCO(ctx, limit, stop)
	if res.Err != nil {
		s.unlockBoth(ctx, req, limitAsset, limitQty, stopAsset, stopQty)
		return limit, stop, nil, res.Err
	}

	s.releaseUnspentReservation(ctx, limit, res.Trades, limitAsset, limitQty)
	for _, sideEffect := range res.SideEffects {
		if sideEffect.ID == stop.ID {
			stop = sideEffect
		}
	}
	if model.IsTerminal(stop.Status) {
		s.releaseUnspentReservation(ctx, stop, res.Trades, stopAsset, stopQty)
	}
	return limit, stop, res.Trades, nil
}

func (s *Service) unlockBoth(ctx context.Context, req PlaceOCORequest, limitAsset string, limitQty decimal.Decimal, stopAsset string, stopQty decimal.Decimal) {
	_ = s.ledger.Unlock(ctx, req.LimitLeg.AccountID, limitAsset, limitQty)
	_ = s.ledger.Unlock(ctx, req.StopLeg.AccountID, stopAsset, stopQty)
}

func (s *Service) newPendingOrder(req PlaceOrderRequest, kind string) *model.Order {
	return &model.Order{
		ID:        s.ids.NextOrderID(),
		AccountID: req.AccountID,
		Market:    req.Market,
		Side:      req.Side,
		Kind:      kind,
		TIF:       req.TIF,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Amount:    req.Amount,
		MaxQuote:  req.MaxQuote,
		Status:    model.StatusPending,
	}
}

// CancelOrder forwards to the engine and, on success, unlocks whatever
// quantity remains locked against the canceled order.
func (s *Service) CancelOrder(ctx context.Context, market string, orderID int64) (*model.Order, error) {
	_, engine, err := s.resolveMarket(market)
	if err != nil {
		return nil, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	res := engine.Cancel(ctx, orderID)
	if res.Err != nil {
		return order, res.Err
	}

	canceled := res.Order
	if canceled == nil {
		canceled = order
	}
	asset, qty := s.remainingReservation(canceled)
	if qty.GreaterThan(decimal.Zero) {
		if err := s.ledger.Unlock(ctx, canceled.AccountID, asset, qty); err != nil {
			s.logger.Error("failed to unlock after cancel", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}
	for _, sideEffect := range res.SideEffects {
		sAsset, sQty := s.remainingReservation(sideEffect)
		if sQty.GreaterThan(decimal.Zero) {
			_ = s.ledger.Unlock(ctx, sideEffect.AccountID, sAsset, sQty)
		}
	}
	return canceled, nil
}

func (s *Service) submit(ctx context.Context, engine *matching.Engine, order *model.Order) matching.Result {
	switch order.Kind {
	case model.OrderKindLimit:
		return engine.SubmitLimit(ctx, order)
	case model.OrderKindMarket:
		return engine.SubmitMarket(ctx, order)
	case model.OrderKindStop:
		return engine.SubmitStop(ctx, order)
	case model.OrderKindStopLimit:
		return engine.SubmitStopLimit(ctx, order)
	default:
		return matching.Result{Order: order, Err: xerrors.ErrInvalidOrder.Explain("unsupported order kind %q", order.Kind)}
	}
}

func (s *Service) resolveMarket(symbol string) (config.MarketConfig, *matching.Engine, error) {
	cfg := s.cfg.Get()
	for _, m := range cfg.Markets {
		if m.Symbol == symbol {
			engine, ok := s.engines.Engine(symbol)
			if !ok {
				return config.MarketConfig{}, nil, xerrors.ErrMarketUnknown.Explain("no engine wired for market %q", symbol)
			}
			return m, engine, nil
		}
	}
	return config.MarketConfig{}, nil, xerrors.ErrMarketUnknown.Explain("unknown market %q", symbol)
}

func (s *Service) checkAccount(ctx context.Context, accountID int64) error {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		if err == repository.ErrNotFound {
			return xerrors.ErrAccountNotFound.WithField("account_id", fmt.Sprint(accountID))
		}
		return xerrors.ErrPersistenceUnavailable.Wrap(err)
	}
	if !account.IsActive() {
		return xerrors.ErrAccountNotActive.WithField("account_id", fmt.Sprint(accountID)).WithField("status", account.Status)
	}
	return nil
}

// validateOrderShape checks the amount/price are positive, on the market's
// tick grid, and within the market's size bounds. Grounded on the teacher's
// OrderValidator.ValidateFast tick/bound checks, generalized from
// precomputed index slices to a config lookup.
func (s *Service) validateOrderShape(market config.MarketConfig, side, kind, tif string, price, stopPrice, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return xerrors.ErrInvalidOrder.Explain("amount must be positive")
	}
	requiresPrice := kind == model.OrderKindLimit || kind == model.OrderKindStopLimit
	if requiresPrice && price.LessThanOrEqual(decimal.Zero) {
		return xerrors.ErrInvalidOrder.Explain("price is required for order kind %q", kind)
	}
	requiresStop := kind == model.OrderKindStop || kind == model.OrderKindStopLimit
	if requiresStop && stopPrice.LessThanOrEqual(decimal.Zero) {
		return xerrors.ErrInvalidOrder.Explain("stop_price is required for order kind %q", kind)
	}
	if side != model.SideBuy && side != model.SideSell {
		return xerrors.ErrInvalidOrder.Explain("unknown side %q", side)
	}
	switch tif {
	case model.TIFGTC, model.TIFIOC, model.TIFFOK, "":
	default:
		return xerrors.ErrInvalidOrder.Explain("unknown time in force %q", tif)
	}

	cfg := s.cfg.Get()
	if bounds, ok := cfg.OrderSizeBounds[market.Symbol]; ok {
		if amount.LessThan(bounds.MinOrderSize) || amount.GreaterThan(bounds.MaxOrderSize) {
			return xerrors.ErrInvalidOrder.Explain("amount %s outside bounds [%s, %s]", amount, bounds.MinOrderSize, bounds.MaxOrderSize)
		}
	}
	if ticks, ok := cfg.TickSizes[market.Symbol]; ok {
		if !ticks.SizeTick.IsZero() && !isTickAligned(amount, ticks.SizeTick) {
			return xerrors.ErrInvalidOrder.Explain("amount %s is not aligned to size tick %s", amount, ticks.SizeTick)
		}
		if requiresPrice && !ticks.PriceTick.IsZero() && !isTickAligned(price, ticks.PriceTick) {
			return xerrors.ErrInvalidOrder.Explain("price %s is not aligned to price tick %s", price, ticks.PriceTick)
		}
		if requiresStop && !ticks.PriceTick.IsZero() && !isTickAligned(stopPrice, ticks.PriceTick) {
			return xerrors.ErrInvalidOrder.Explain("stop_price %s is not aligned to price tick %s", stopPrice, ticks.PriceTick)
		}
	}
	return nil
}

func isTickAligned(v, tick decimal.Decimal) bool {
	return v.Mod(tick).IsZero()
}

// reservation computes which asset and how much of it §4.4 requires locked
// at admission for the given order shape.
func (s *Service) reservation(market config.MarketConfig, side, kind string, price, amount, maxQuote decimal.Decimal) (asset string, qty decimal.Decimal, err error) {
	if side == model.SideSell {
		return market.BaseAsset, amount, nil
	}
	if kind == model.OrderKindMarket || kind == model.OrderKindStop {
		// A plain buy-stop activates into a market order (§4.3); it needs the
		// same max_quote reservation a market buy does, since its execution
		// price is unknown until trigger.
		if maxQuote.LessThanOrEqual(decimal.Zero) {
			return "", decimal.Zero, xerrors.ErrInvalidOrder.Explain("market/stop buy orders require a positive max_quote budget")
		}
		return market.QuoteAsset, maxQuote, nil
	}
	return market.QuoteAsset, amount.Mul(price), nil
}

// remainingReservation is the reservation() inverse used on cancellation:
// how much of which asset is still locked against order given its current
// filled amount. Market orders are always resolved synchronously within
// PlaceOrder and never reach CancelOrder while still open; an armed buy
// stop still holds its whole max_quote budget, and limit/stop-limit shapes
// hold remaining × price.
func (s *Service) remainingReservation(order *model.Order) (asset string, qty decimal.Decimal) {
	cfg := s.cfg.Get()
	var market config.MarketConfig
	for _, m := range cfg.Markets {
		if m.Symbol == order.Market {
			market = m
			break
		}
	}
	remaining := order.Remaining()
	if order.IsSell() {
		return market.BaseAsset, remaining
	}
	if order.Kind == model.OrderKindStop {
		return market.QuoteAsset, order.MaxQuote
	}
	return market.QuoteAsset, remaining.Mul(order.Price)
}

// spentQuote sums quote actually paid by order across trades, using each
// trade's execution price rather than order.Price (which the engine
// overwrites with a sentinel for market orders and is therefore unusable
// here).
func spentQuote(orderID int64, trades []*model.Trade) decimal.Decimal {
	spent := decimal.Zero
	for _, t := range trades {
		if t.TakerOrderID == orderID || t.MakerOrderID == orderID {
			spent = spent.Add(t.Price.Mul(t.Amount))
		}
	}
	return spent
}

// releaseUnspentReservation unlocks the portion of a reservation the
// matched/resting order no longer needs: for a market buy, the unspent
// max_quote budget (§4.4) computed from actual trade fills; for a
// terminal non-filled order (rejected or canceled at admission), whatever
// of the reservation its trades did not consume — the whole reservation
// when nothing traded.
func (s *Service) releaseUnspentReservation(ctx context.Context, order *model.Order, trades []*model.Trade, asset string, lockedQty decimal.Decimal) {
	if order == nil {
		return
	}
	if order.IsBuy() && order.Kind == model.OrderKindMarket {
		unspent := lockedQty.Sub(spentQuote(order.ID, trades))
		if unspent.GreaterThan(decimal.Zero) {
			if err := s.ledger.Unlock(ctx, order.AccountID, asset, unspent); err != nil {
				s.logger.Error("failed to release market buy residue", zap.Int64("order_id", order.ID), zap.Error(err))
			}
		}
		return
	}
	if model.IsTerminal(order.Status) && order.Status != model.StatusFilled {
		// Canceled/rejected at admission: release what settlement did not
		// already debit from locked (quote paid for a buy, base sold for a sell).
		consumed := order.Filled
		if order.IsBuy() {
			consumed = spentQuote(order.ID, trades)
		}
		if residue := lockedQty.Sub(consumed); residue.GreaterThan(decimal.Zero) {
			if err := s.ledger.Unlock(ctx, order.AccountID, asset, residue); err != nil {
				s.logger.Error("failed to release reservation", zap.Int64("order_id", order.ID), zap.Error(err))
			}
		}
	}
}
