// Package exchange provides the in-memory virtual exchange a backtest trades against.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/ledger"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoPrice             = errors.New("no current price")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrNotActive           = errors.New("position is not in a tradable state")
)

// Options configures an Exchange
type Options struct {
	FeeRate decimal.Decimal // fraction of notional charged per fill
	IDs     *IDGenerator
	// RequireMargin rejects orders whose margin plus fee exceeds the
	// available balance. Without it only the fees an order charges must be
	// covered by the wallet; margin is still tracked for liquidation.
	RequireMargin bool
}

// OrderRequest describes a new position. A nil Price means a market order at
// the current price; otherwise a resting limit order is placed.
type OrderRequest struct {
	Key               types.MarketKey
	Direction         types.Direction
	Volume            decimal.Decimal
	Price             *types.Money
	TakeProfitPercent *decimal.Decimal
	StopLossPercent   *decimal.Decimal
	Leverage          decimal.Decimal
}

func (r OrderRequest) validate() error {
	if r.Direction != types.Long && r.Direction != types.Short {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidOrder, r.Direction)
	}
	if !r.Volume.IsPositive() {
		return fmt.Errorf("%w: volume must be positive", ErrInvalidOrder)
	}
	if r.Price != nil && !r.Price.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
	}
	if r.TakeProfitPercent != nil && !r.TakeProfitPercent.IsPositive() {
		return fmt.Errorf("%w: take profit percent must be positive", ErrInvalidOrder)
	}
	if r.StopLossPercent != nil && !r.StopLossPercent.IsPositive() {
		return fmt.Errorf("%w: stop loss percent must be positive", ErrInvalidOrder)
	}
	return nil
}

func (r OrderRequest) leverage() decimal.Decimal {
	if r.Leverage.LessThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return r.Leverage
}

// Exchange is the virtual execution venue of one run. It owns the account
// balance and the current price of every market, and is the only writer of
// the run's ledger.
//
// The balance is the wallet balance: it moves only by realized PnL and fees.
// Margin posted by active entries is locked. Orders are funded from the
// wallet by their fees; with RequireMargin they must also fit their margin in
// the available part (balance minus locked).
type Exchange struct {
	mu            sync.RWMutex
	logger        *zap.Logger
	ledger        ledger.Repository
	unit          types.Currency
	initial       types.Money
	balance       types.Money
	locked        types.Money
	reserved      types.Money // entry fees held by resting orders, part of locked
	fees          types.Money
	feeRate       decimal.Decimal
	requireMargin bool
	prices        map[types.MarketKey]types.Money
	now           time.Time
	ids           *IDGenerator
}

// New creates an exchange seeded with initial, writing to repo
func New(logger *zap.Logger, initial types.Money, repo ledger.Repository, opts Options) *Exchange {
	ids := opts.IDs
	if ids == nil {
		ids = NewIDGenerator(repo.Namespace())
	}
	return &Exchange{
		logger:  logger,
		ledger:  repo,
		unit:    initial.Unit,
		initial: initial,
		balance: initial,
		locked:        types.ZeroMoney(initial.Unit),
		reserved:      types.ZeroMoney(initial.Unit),
		fees:          types.ZeroMoney(initial.Unit),
		feeRate:       opts.FeeRate,
		requireMargin: opts.RequireMargin,
		prices:        make(map[types.MarketKey]types.Money),
		ids:           ids,
	}
}

// Ledger returns the repository the exchange writes to
func (e *Exchange) Ledger() ledger.Repository { return e.ledger }

// Unit returns the account currency
func (e *Exchange) Unit() types.Currency { return e.unit }

// SetTime advances the simulation clock used to stamp ledger entries
func (e *Exchange) SetTime(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = t
}

func (e *Exchange) Now() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now
}

// SetCurrentPrice sets the price at which market orders on key execute
func (e *Exchange) SetCurrentPrice(key types.MarketKey, price types.Money) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[key] = price
}

// CurrentPrice returns the last price set for key
func (e *Exchange) CurrentPrice(key types.MarketKey) (types.Money, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.prices[key]
	return p, ok
}

// Balance returns the wallet balance
func (e *Exchange) Balance() types.Money {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// Available returns the part of the balance not locked as margin. It goes
// negative when positions are opened beyond the wallet without RequireMargin.
func (e *Exchange) Available() types.Money {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance.Sub(e.locked)
}

// Locked returns the margin posted by active entries
func (e *Exchange) Locked() types.Money {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.locked
}

// TotalFees returns the fees charged so far
func (e *Exchange) TotalFees() types.Money {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fees
}

// InitialBalance returns the balance the exchange was seeded with
func (e *Exchange) InitialBalance() types.Money { return e.initial }

func (e *Exchange) fee(price types.Money, volume decimal.Decimal) types.Money {
	return price.Mul(volume).Mul(e.feeRate)
}

func margin(price types.Money, volume, leverage decimal.Decimal) types.Money {
	return price.Mul(volume).Div(leverage)
}

func targetPrice(avg types.Money, dir types.Direction, pct *decimal.Decimal, favourable bool) *types.Money {
	if pct == nil {
		return nil
	}
	sign := dir.Sign()
	if !favourable {
		sign = sign.Neg()
	}
	factor := decimal.NewFromInt(1).Add(sign.Mul(*pct).Div(decimal.NewFromInt(100)))
	p := avg.Mul(factor).Round()
	return &p
}

// OpenPosition executes a market order, or places a limit order when req.Price is set.
func (e *Exchange) OpenPosition(ctx context.Context, req OrderRequest) (*types.Position, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Price != nil {
		return e.PlaceLimitOrder(ctx, req)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.prices[req.Key]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoPrice, req.Key)
	}

	lev := req.leverage()
	m := margin(price, req.Volume, lev)
	fee := e.fee(price, req.Volume)
	if err := e.ensureAvailable(m, fee); err != nil {
		return nil, err
	}

	p := e.newPosition(req, price, lev, m)
	p.Status = types.StatusOpen
	p.History = []types.Transition{{To: types.StatusOpen, At: e.now}}
	opened := e.now
	p.OpenedAt = &opened
	p.Fees = fee

	if err := e.ledger.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record position: %w", err)
	}

	e.balance = e.balance.Sub(fee)
	e.locked = e.locked.Add(m)
	e.fees = e.fees.Add(fee)

	e.logger.Debug("Position opened",
		zap.String("id", p.ID),
		zap.String("market", req.Key.String()),
		zap.String("direction", string(p.Direction)),
		zap.String("volume", p.Volume.String()),
		zap.String("price", price.Amount.String()),
	)
	return p, nil
}

// PlaceLimitOrder creates a PENDING entry and locks its margin and fee at the limit price
func (e *Exchange) PlaceLimitOrder(ctx context.Context, req OrderRequest) (*types.Position, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Price == nil {
		return nil, fmt.Errorf("%w: limit order requires a price", ErrInvalidOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price := *req.Price
	lev := req.leverage()
	m := margin(price, req.Volume, lev)
	fee := e.fee(price, req.Volume)
	if err := e.ensureAvailable(m, fee); err != nil {
		return nil, err
	}

	p := e.newPosition(req, price, lev, m)
	p.Status = types.StatusPending
	p.History = []types.Transition{{To: types.StatusPending, At: e.now}}

	if err := e.ledger.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record order: %w", err)
	}
	e.locked = e.locked.Add(m).Add(fee)
	e.reserved = e.reserved.Add(fee)

	e.logger.Debug("Limit order placed",
		zap.String("id", p.ID),
		zap.String("market", req.Key.String()),
		zap.String("direction", string(p.Direction)),
		zap.String("price", price.Amount.String()),
	)
	return p, nil
}

// FillPending opens a PENDING entry at its limit price
func (e *Exchange) FillPending(ctx context.Context, id string) (*types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(ctx, id, types.StatusPending)
	if err != nil {
		return nil, err
	}
	fee := e.fee(p.AverageEntryPrice, p.Volume)
	if err := p.Transition(types.StatusOpen, e.now); err != nil {
		return nil, err
	}
	p.Fees = p.Fees.Add(fee)
	p.CurrentPrice = p.AverageEntryPrice
	p.ExchangeOrderIDs = append(p.ExchangeOrderIDs, e.ids.Next("fill"))
	if err := e.ledger.Update(ctx, p); err != nil {
		return nil, err
	}

	e.locked = e.locked.Sub(fee)
	e.reserved = e.reserved.Sub(fee)
	e.balance = e.balance.Sub(fee)
	e.fees = e.fees.Add(fee)

	e.logger.Debug("Limit order filled",
		zap.String("id", p.ID),
		zap.String("price", p.AverageEntryPrice.Amount.String()))
	return p, nil
}

// TopUp adds volume to an OPEN entry at the current price (DCA)
func (e *Exchange) TopUp(ctx context.Context, id string, volume decimal.Decimal) (*types.Position, error) {
	if !volume.IsPositive() {
		return nil, fmt.Errorf("%w: volume must be positive", ErrInvalidOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(ctx, id, types.StatusOpen)
	if err != nil {
		return nil, err
	}
	price, ok := e.prices[p.Key]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoPrice, p.Key)
	}

	m := margin(price, volume, p.Leverage)
	fee := e.fee(price, volume)
	if err := e.ensureAvailable(m, fee); err != nil {
		return nil, err
	}

	total := p.Volume.Add(volume)
	cost := p.AverageEntryPrice.Mul(p.Volume).Add(price.Mul(volume))
	p.AverageEntryPrice = cost.Div(total).Round()
	p.Volume = total
	p.Margin = p.Margin.Add(m)
	p.Fees = p.Fees.Add(fee)
	p.CurrentPrice = price
	if p.ExpectedProfitPercent != nil {
		p.TakeProfitPrice = targetPrice(p.AverageEntryPrice, p.Direction, p.ExpectedProfitPercent, true)
	}
	if p.StopLossPercent != nil {
		p.StopLossPrice = targetPrice(p.AverageEntryPrice, p.Direction, p.StopLossPercent, false)
	}
	p.ExchangeOrderIDs = append(p.ExchangeOrderIDs, e.ids.Next("order"))
	if err := e.ledger.Update(ctx, p); err != nil {
		return nil, err
	}

	e.balance = e.balance.Sub(fee)
	e.locked = e.locked.Add(m)
	e.fees = e.fees.Add(fee)

	e.logger.Debug("Position topped up",
		zap.String("id", p.ID),
		zap.String("volume", p.Volume.String()),
		zap.String("avgPrice", p.AverageEntryPrice.Amount.String()))
	return p, nil
}

// Reduce closes part of an OPEN entry at the current price
func (e *Exchange) Reduce(ctx context.Context, id string, volume decimal.Decimal) (*types.Position, error) {
	if !volume.IsPositive() {
		return nil, fmt.Errorf("%w: volume must be positive", ErrInvalidOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(ctx, id, types.StatusOpen)
	if err != nil {
		return nil, err
	}
	if volume.GreaterThanOrEqual(p.Volume) {
		return nil, fmt.Errorf("%w: reduce volume %s must be below position volume %s", ErrInvalidOrder, volume, p.Volume)
	}
	price, ok := e.prices[p.Key]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoPrice, p.Key)
	}

	released := p.Margin.Mul(volume).Div(p.Volume).Round()
	pnl, fee := e.settlement(p, price, volume)

	p.Volume = p.Volume.Sub(volume)
	p.Margin = p.Margin.Sub(released)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.Fees = p.Fees.Add(fee)
	p.CurrentPrice = price
	p.ExchangeOrderIDs = append(p.ExchangeOrderIDs, e.ids.Next("order"))
	if err := e.ledger.Update(ctx, p); err != nil {
		return nil, err
	}

	e.balance = e.balance.Add(pnl).Sub(fee)
	e.locked = e.locked.Sub(released)
	e.fees = e.fees.Add(fee)

	e.logger.Debug("Position reduced",
		zap.String("id", p.ID),
		zap.String("volume", p.Volume.String()),
		zap.String("pnl", pnl.Amount.String()))
	return p, nil
}

// Close finishes an OPEN entry at exit, crediting its realized PnL
func (e *Exchange) Close(ctx context.Context, id string, exit types.Money, reason types.FinishReason) (*types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(ctx, id, types.StatusOpen)
	if err != nil {
		return nil, err
	}

	pnl, fee := e.settlement(p, exit, p.Volume)
	if err := p.Transition(types.StatusFinished, e.now); err != nil {
		return nil, err
	}
	released := p.Margin
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.Fees = p.Fees.Add(fee)
	p.CurrentPrice = exit
	p.ExitPrice = &exit
	p.FinishReason = reason
	p.ExchangeOrderIDs = append(p.ExchangeOrderIDs, e.ids.Next("order"))
	if err := e.ledger.Update(ctx, p); err != nil {
		return nil, err
	}

	e.balance = e.balance.Add(pnl).Sub(fee)
	e.locked = e.locked.Sub(released)
	e.fees = e.fees.Add(fee)

	e.logger.Debug("Position closed",
		zap.String("id", p.ID),
		zap.String("reason", string(reason)),
		zap.String("exit", exit.Amount.String()),
		zap.String("pnl", pnl.Amount.String()))
	return p, nil
}

// Cancel moves a PENDING or OPEN entry to CANCELED and releases its margin
// without PnL. An OPEN entry's unrealized PnL is dropped, so strategies go
// through CancelPending.
func (e *Exchange) Cancel(ctx context.Context, id, note string) (*types.Position, error) {
	return e.cancel(ctx, id, note, types.StatusPending, types.StatusOpen)
}

// CancelPending withdraws a resting order
func (e *Exchange) CancelPending(ctx context.Context, id, note string) (*types.Position, error) {
	return e.cancel(ctx, id, note, types.StatusPending)
}

func (e *Exchange) cancel(ctx context.Context, id, note string, allowed ...types.Status) (*types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(ctx, id, allowed...)
	if err != nil {
		return nil, err
	}
	release := p.Margin
	var fee types.Money
	if p.Status == types.StatusPending {
		fee = e.fee(p.AverageEntryPrice, p.Volume)
		release = release.Add(fee)
	}
	if err := p.Transition(types.StatusCanceled, e.now); err != nil {
		return nil, err
	}
	p.Note = note
	if err := e.ledger.Update(ctx, p); err != nil {
		return nil, err
	}
	e.locked = e.locked.Sub(release)
	if !fee.Amount.IsZero() {
		e.reserved = e.reserved.Sub(fee)
	}

	e.logger.Debug("Position canceled", zap.String("id", p.ID), zap.String("note", note))
	return p, nil
}

// Fail moves an OPEN entry to ERROR after an irrecoverable inconsistency
func (e *Exchange) Fail(ctx context.Context, id, note string) (*types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(ctx, id, types.StatusOpen)
	if err != nil {
		return nil, err
	}
	if err := p.Transition(types.StatusError, e.now); err != nil {
		return nil, err
	}
	p.Note = note
	if err := e.ledger.Update(ctx, p); err != nil {
		return nil, err
	}
	e.locked = e.locked.Sub(p.Margin)

	e.logger.Warn("Position marked as error", zap.String("id", p.ID), zap.String("note", note))
	return p, nil
}

// SetTargets replaces the take-profit and/or stop-loss price of an active entry.
// Nil arguments leave the current value unchanged.
func (e *Exchange) SetTargets(ctx context.Context, id string, takeProfit, stopLoss *types.Money) (*types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(ctx, id, types.StatusPending, types.StatusOpen)
	if err != nil {
		return nil, err
	}
	if takeProfit != nil {
		tp := *takeProfit
		p.TakeProfitPrice = &tp
	}
	if stopLoss != nil {
		sl := *stopLoss
		p.StopLossPrice = &sl
	}
	if err := e.ledger.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkToMarket stamps the current price of key on its OPEN entries
func (e *Exchange) MarkToMarket(ctx context.Context, key types.MarketKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.prices[key]
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoPrice, key)
	}
	open, err := e.ledger.List(ctx, ledger.Filter{Key: &key, Statuses: []types.Status{types.StatusOpen}})
	if err != nil {
		return err
	}
	for _, p := range open {
		if p.CurrentPrice.Equal(price) {
			continue
		}
		p.CurrentPrice = price
		if err := e.ledger.Update(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a ledger entry by id
func (e *Exchange) Get(ctx context.Context, id string) (*types.Position, error) {
	return e.ledger.Get(ctx, id)
}

// Positions lists ledger entries matching f
func (e *Exchange) Positions(ctx context.Context, f ledger.Filter) ([]*types.Position, error) {
	return e.ledger.List(ctx, f)
}

// Equity returns balance plus the unrealized PnL of every OPEN entry at current prices
func (e *Exchange) Equity(ctx context.Context) (types.Money, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	open, err := e.ledger.List(ctx, ledger.Filter{Statuses: []types.Status{types.StatusOpen}})
	if err != nil {
		return types.Money{}, err
	}
	equity := e.balance
	for _, p := range open {
		price, ok := e.prices[p.Key]
		if !ok {
			price = p.CurrentPrice
		}
		equity = equity.Add(p.UnrealizedPnL(price))
	}
	return equity, nil
}

// settlement computes the PnL and fee of closing volume of p at price. A loss
// larger than the wallet balance is capped so the balance bottoms out at zero.
func (e *Exchange) settlement(p *types.Position, price types.Money, volume decimal.Decimal) (types.Money, types.Money) {
	pnl := price.Sub(p.AverageEntryPrice).Mul(volume).Mul(p.Direction.Sign()).Round()
	fee := e.fee(price, volume)
	if e.balance.Add(pnl).Sub(fee).IsNegative() {
		fee = types.MinMoney(fee, e.balance)
		pnl = fee.Sub(e.balance)
		e.logger.Warn("Loss exceeds wallet balance, capping at zero",
			zap.String("id", p.ID),
			zap.String("balance", e.balance.Amount.String()))
	}
	return pnl, fee
}

// ensureAvailable checks that an order posting margin m and charging fee can
// be funded. An emptied wallet accepts no orders.
func (e *Exchange) ensureAvailable(m, fee types.Money) error {
	if !e.balance.IsPositive() {
		return fmt.Errorf("%w: wallet is empty", ErrInsufficientBalance)
	}
	if e.requireMargin {
		need := m.Add(fee)
		available := e.balance.Sub(e.locked)
		if available.LessThan(need) {
			return fmt.Errorf("%w: need %s, available %s", ErrInsufficientBalance, need.Round(), available.Round())
		}
		return nil
	}
	free := e.balance.Sub(e.reserved)
	if free.LessThan(fee) {
		return fmt.Errorf("%w: fee %s exceeds free balance %s", ErrInsufficientBalance, fee.Round(), free.Round())
	}
	return nil
}

func (e *Exchange) get(ctx context.Context, id string, allowed ...types.Status) (*types.Position, error) {
	p, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, s := range allowed {
		if p.Status == s {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, p.Status)
}

func (e *Exchange) newPosition(req OrderRequest, price types.Money, lev decimal.Decimal, m types.Money) *types.Position {
	p := &types.Position{
		ID:                    e.ids.Next("position"),
		Namespace:             e.ledger.Namespace(),
		Key:                   req.Key,
		Direction:             req.Direction,
		Leverage:              lev,
		InitialEntryPrice:     price,
		AverageEntryPrice:     price,
		CurrentPrice:          price,
		Volume:                req.Volume,
		Margin:                m,
		RealizedPnL:           types.ZeroMoney(e.unit),
		Fees:                  types.ZeroMoney(e.unit),
		ExpectedProfitPercent: req.TakeProfitPercent,
		StopLossPercent:       req.StopLossPercent,
		CreatedAt:             e.now,
		ExchangeOrderIDs:      []string{e.ids.Next("order")},
	}
	p.TakeProfitPrice = targetPrice(price, req.Direction, req.TakeProfitPercent, true)
	p.StopLossPrice = targetPrice(price, req.Direction, req.StopLossPercent, false)
	return p
}
