// Package backtester replays historical candles through a strategy against a
// virtual exchange and aggregates the outcome.
package backtester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/internal/exchange"
	"github.com/atlas-desktop/backtest-engine/internal/indicator"
	"github.com/atlas-desktop/backtest-engine/internal/ledger"
	"github.com/atlas-desktop/backtest-engine/internal/market"
	"github.com/atlas-desktop/backtest-engine/internal/monitoring"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrInsufficientHistory = errors.New("insufficient candle history")
	ErrFaultThreshold      = errors.New("strategy fault threshold exceeded")
)

// StrategyFault is a recovered panic or error raised by strategy or
// indicator code while processing one candle.
type StrategyFault struct {
	Index     int
	Stage     string
	Recovered any
	Err       error
}

func (f *StrategyFault) Error() string {
	if f.Recovered != nil {
		return fmt.Sprintf("strategy fault at candle %d (%s): panic: %v", f.Index, f.Stage, f.Recovered)
	}
	return fmt.Sprintf("strategy fault at candle %d (%s): %v", f.Index, f.Stage, f.Err)
}

func (f *StrategyFault) Unwrap() error { return f.Err }

// RepositoryFactory opens the ledger namespace of one run
type RepositoryFactory func(ctx context.Context, namespace string) (ledger.Repository, error)

// MemoryRepositories keeps every run's ledger in process memory
func MemoryRepositories(ctx context.Context, namespace string) (ledger.Repository, error) {
	return ledger.NewMemoryRepository(namespace), nil
}

// Options tunes the replay loop
type Options struct {
	TicksPerCandle   int             // <2 resolves exits against the whole bar
	FaultThreshold   int             // faults tolerated before the run is aborted
	FeeRate          decimal.Decimal // fraction of notional per fill
	MaintenanceRatio decimal.Decimal // share of posted margin that triggers liquidation
	RequireMargin    bool            // orders must fit their margin in the available balance
	StopFile         string          // run stops once this file exists
	StopPoll         time.Duration   // how often StopFile is checked
	ProgressEvery    int             // emit every Nth candle event
	Emitter          Emitter
	Repositories     RepositoryFactory
}

// DefaultOptions returns the engine defaults
func DefaultOptions() Options {
	return Options{
		FaultThreshold:   10,
		MaintenanceRatio: exchange.DefaultMaintenanceRatio,
		StopPoll:         250 * time.Millisecond,
		ProgressEvery:    1,
		Repositories:     MemoryRepositories,
	}
}

// Runner executes backtests. A Runner may run many pairs concurrently;
// every run gets its own exchange, ledger namespace and strategy instance.
type Runner struct {
	logger     *zap.Logger
	source     data.CandleSource
	strategies *strategy.StrategyRegistry
	indicators *indicator.Registry
	metrics    *MetricsCalculator
	opts       Options

	canceled atomic.Bool
}

// NewRunner creates a runner reading candles from source
func NewRunner(logger *zap.Logger, source data.CandleSource, strategies *strategy.StrategyRegistry, indicators *indicator.Registry, opts Options) *Runner {
	def := DefaultOptions()
	if opts.FaultThreshold <= 0 {
		opts.FaultThreshold = def.FaultThreshold
	}
	if !opts.MaintenanceRatio.IsPositive() {
		opts.MaintenanceRatio = def.MaintenanceRatio
	}
	if opts.StopPoll <= 0 {
		opts.StopPoll = def.StopPoll
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = def.ProgressEvery
	}
	if opts.Repositories == nil {
		opts.Repositories = def.Repositories
	}
	return &Runner{
		logger:     logger,
		source:     source,
		strategies: strategies,
		indicators: indicators,
		metrics:    NewMetricsCalculator(logger),
		opts:       opts,
	}
}

// Strategies returns the registry runs are resolved against
func (r *Runner) Strategies() *strategy.StrategyRegistry { return r.strategies }

// Cancel asks every run of this runner to stop at the next candle boundary
func (r *Runner) Cancel() {
	r.canceled.Store(true)
}

// RunID derives the id of a run from its configuration and end time, so a
// replay of the same configuration reuses the same id.
func RunID(pair types.Pair, now time.Time) string {
	raw, _ := json.Marshal(pair)
	raw = append(raw, now.UTC().Format(time.RFC3339Nano)...)
	return uuid.NewSHA1(uuid.NameSpaceOID, raw).String()
}

// Run backtests pair over the backtest_days before now
func (r *Runner) Run(ctx context.Context, pair types.Pair, now time.Time) (*types.Result, error) {
	return r.RunWithID(ctx, RunID(pair, now), pair, now, nil)
}

// RunWithID is Run with an explicit run id and an extra emitter for this run
// only. Configuration errors and missing history return a nil result; a
// canceled, liquidated or faulted run still returns its partial result.
func (r *Runner) RunWithID(ctx context.Context, runID string, pair types.Pair, now time.Time, emitter Emitter) (*types.Result, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	strat, err := r.strategies.Create(pair.Strategy, pair.Params)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With(zap.String("run", runID), zap.String("pair", pair.String()))
	key := pair.Key()
	end := now.UTC()
	start := end.Add(-time.Duration(pair.BacktestDays) * 24 * time.Hour)

	candles, err := r.source.GetCandles(ctx, key, start, end)
	if err != nil {
		return nil, fmt.Errorf("load candles for %s: %w", key, err)
	}
	series, err := data.NewSeries(key, candles)
	if err != nil {
		return nil, fmt.Errorf("candles for %s: %w", key, err)
	}

	repo, err := r.opts.Repositories(ctx, ledger.NamespaceFor(runID))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if err := repo.Drop(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to drop run ledger", zap.Error(err))
		}
	}()

	ex := exchange.New(logger, pair.Balance(), repo, exchange.Options{
		FeeRate:       r.opts.FeeRate,
		IDs:           exchange.NewIDGenerator(runID),
		RequireMargin: r.opts.RequireMargin,
	})
	m, err := market.New(logger, pair, series, ex, strat, r.indicators)
	if err != nil {
		return nil, err
	}

	warm := m.WarmUp()
	if series.Len() < warm {
		return nil, fmt.Errorf("%w: %s has %d candles in range, %s needs %d",
			ErrInsufficientHistory, key, series.Len(), pair.Strategy, warm)
	}

	s := &session{
		r:        r,
		logger:   logger,
		runID:    runID,
		pair:     pair,
		key:      key,
		series:   series,
		ex:       ex,
		m:        m,
		strat:    strat,
		guard:    exchange.NewMarginGuard(logger, r.opts.MaintenanceRatio),
		emitter:  MultiEmitter{r.opts.Emitter, emitter},
		first:    warm - 1,
		last:     warm - 1,
		progress: rate.Sometimes{Every: r.opts.ProgressEvery},
		stopPoll: rate.Sometimes{Interval: r.opts.StopPoll},
	}
	m.OnPosition(s.onPosition)

	logger.Info("Starting backtest",
		zap.Int("candles", series.Len()),
		zap.Int("warmup", warm),
		zap.String("balance", pair.Balance().String()))

	monitoring.RunStarted()
	started := time.Now()
	s.run(ctx)

	res, err := s.result(ctx)
	monitoring.RunFinished(pair.Strategy, string(s.status), time.Since(started))
	monitoring.RecordCandles(string(pair.Timeframe), s.processed)
	if err != nil {
		return nil, err
	}

	logger.Info("Backtest completed",
		zap.String("status", string(res.Status)),
		zap.Int("processed", res.Processed),
		zap.Int("faults", res.Faults),
		zap.Int("rejected", res.Rejected),
		zap.String("pnl", res.Financial.PnL.String()),
		zap.Duration("elapsed", time.Since(started)))

	if s.status == types.RunError {
		return res, fmt.Errorf("%w: %s", ErrFaultThreshold, s.message)
	}
	return res, nil
}

// session is the state of one run
type session struct {
	r       *Runner
	logger  *zap.Logger
	runID   string
	pair    types.Pair
	key     types.MarketKey
	series  *data.Series
	ex      *exchange.Exchange
	m       *market.Market
	strat   strategy.Strategy
	guard   *exchange.MarginGuard
	emitter Emitter

	first, last int
	processed   int
	faults      int
	rejected    int
	status      types.RunStatus
	message     string
	samples     []types.BalanceSample
	seq         uint64

	progress rate.Sometimes
	stopPoll rate.Sometimes
}

func (s *session) run(ctx context.Context) {
	s.status = types.RunCompleted
	for i := s.first; i < s.series.Len(); i++ {
		if s.stopRequested(ctx) {
			s.status = types.RunCanceled
			s.message = "canceled before candle " + fmt.Sprint(i)
			s.logger.Info("Backtest canceled", zap.Int("index", i))
			return
		}
		if done := s.step(ctx, i); done {
			return
		}
	}
}

func (s *session) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil || s.r.canceled.Load() {
		return true
	}
	if s.r.opts.StopFile == "" {
		return false
	}
	found := false
	s.stopPoll.Do(func() {
		_, err := os.Stat(s.r.opts.StopFile)
		found = err == nil
	})
	return found
}

// step processes candle i and reports whether the run is over
func (s *session) step(ctx context.Context, i int) bool {
	c := s.series.At(i)
	s.ex.SetTime(c.Time())
	s.m.Advance(i)
	s.last = i
	s.processed++

	liquidated, err := s.resolveIntrabar(ctx, i, c)
	if err != nil {
		s.fault(&StrategyFault{Index: i, Stage: "exits", Err: err})
	}

	s.ex.SetCurrentPrice(s.key, types.NewMoney(c.Close, s.ex.Unit()))
	if err := s.ex.MarkToMarket(ctx, s.key); err != nil {
		s.fault(&StrategyFault{Index: i, Stage: "mark", Err: err})
	}

	if liquidated {
		s.status = types.RunLiquidated
		s.sample(ctx, i, c)
		return true
	}

	s.decide(ctx, i)
	s.sample(ctx, i, c)

	if s.faults > s.r.opts.FaultThreshold {
		s.escalate(ctx)
		return true
	}
	return false
}

// resolveIntrabar walks the price path of candle c for the entries that
// existed before it: resting orders fill, targets are hit and the margin
// guard may liquidate. Entries filled on a segment are checked for exits
// from the next segment on.
func (s *session) resolveIntrabar(ctx context.Context, i int, c types.Candle) (bool, error) {
	active, err := s.m.Positions(ctx, types.StatusPending, types.StatusOpen)
	if err != nil {
		return false, err
	}
	if len(active) == 0 {
		return false, nil
	}

	unit := s.ex.Unit()
	for _, seg := range pricePath(c, s.r.opts.TicksPerCandle) {
		for n, p := range active {
			switch p.Status {
			case types.StatusPending:
				if !crossesLimit(p, seg) {
					continue
				}
				filled, err := s.ex.FillPending(ctx, p.ID)
				if err != nil {
					return false, err
				}
				active[n] = filled
				s.emitPosition(types.EventOpen, filled, "")

			case types.StatusOpen:
				price, reason, hit := exitFor(p, seg)
				if !hit {
					continue
				}
				closed, err := s.ex.Close(ctx, p.ID, types.NewMoney(price, unit), reason)
				if err != nil {
					return false, err
				}
				active[n] = closed
				s.onClose(closed)
			}
		}

		liq, err := s.guard.Check(ctx, s.ex, s.key,
			types.NewMoney(seg.from, unit), types.NewMoney(seg.lo, unit), types.NewMoney(seg.hi, unit))
		if err != nil {
			return false, err
		}
		if liq != nil {
			return true, s.liquidate(ctx, i, liq)
		}
	}
	return false, nil
}

// liquidate force-closes every open entry on the market at the liquidation
// price and cancels resting orders
func (s *session) liquidate(ctx context.Context, i int, liq *exchange.Liquidation) error {
	s.logger.Warn("Account liquidated",
		zap.Int("index", i),
		zap.String("price", liq.Price.Amount.String()),
		zap.String("equity", liq.Equity.Amount.String()),
		zap.String("threshold", liq.Threshold.Amount.String()))

	active, err := s.m.Positions(ctx, types.StatusPending, types.StatusOpen)
	if err != nil {
		return err
	}
	for _, p := range active {
		if p.Status == types.StatusPending {
			if _, err := s.ex.Cancel(ctx, p.ID, "account liquidated"); err != nil {
				return err
			}
			continue
		}
		closed, err := s.ex.Close(ctx, p.ID, liq.Price, types.FinishLiquidation)
		if err != nil {
			return err
		}
		s.onClose(closed)
	}

	monitoring.RecordLiquidation(s.pair.Ticker)
	s.emit(types.Event{
		Type:    types.EventLiquidation,
		Index:   i,
		Time:    s.series.At(i).OpenTime,
		Balance: s.ex.Balance(),
		Equity:  s.ex.Balance(),
		Reason:  types.FinishLiquidation,
	})
	return nil
}

// decide runs indicators and the strategy at the close of candle i. Every
// stage is isolated: a fault skips that stage only.
func (s *session) decide(ctx context.Context, i int) {
	if err := s.protect(i, "indicators", s.m.ComputeIndicators); err != nil {
		return
	}
	s.protect(i, "long", func() error { return s.enter(ctx, types.Long) })
	s.protect(i, "short", func() error { return s.enter(ctx, types.Short) })

	active, err := s.m.Positions(ctx, types.StatusPending, types.StatusOpen)
	if err != nil {
		s.fault(&StrategyFault{Index: i, Stage: "update", Err: err})
		return
	}
	for _, p := range active {
		p := p
		s.protect(i, "update", func() error { return s.strat.UpdatePosition(ctx, s.m, p) })
	}
}

func (s *session) enter(ctx context.Context, dir types.Direction) error {
	should, handle := s.strat.ShouldLong, s.strat.HandleLong
	if dir == types.Short {
		should, handle = s.strat.ShouldShort, s.strat.HandleShort
	}
	if !should(ctx, s.m) {
		return nil
	}

	if !s.strat.IsTwoWay() {
		active, err := s.m.Positions(ctx, types.StatusPending, types.StatusOpen)
		if err != nil {
			return err
		}
		for _, p := range active {
			if p.Direction == dir.Opposite() {
				s.logger.Debug("Signal skipped, opposite position active",
					zap.String("direction", string(dir)),
					zap.String("position", p.ID))
				return nil
			}
		}
	}

	_, err := handle(ctx, s.m)
	return err
}

// protect runs fn, turning panics and errors into counted faults. Rejected
// orders are an expected outcome and not a fault.
func (s *session) protect(i int, stage string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			f := &StrategyFault{Index: i, Stage: stage, Recovered: rec}
			s.fault(f)
			err = f
		}
	}()

	if ferr := fn(); ferr != nil {
		if errors.Is(ferr, exchange.ErrInsufficientBalance) {
			s.rejected++
			s.logger.Debug("Order rejected", zap.Int("index", i), zap.Error(ferr))
			return nil
		}
		f := &StrategyFault{Index: i, Stage: stage, Err: ferr}
		s.fault(f)
		return f
	}
	return nil
}

func (s *session) fault(f *StrategyFault) {
	s.faults++
	s.logger.Warn("Strategy fault",
		zap.Int("index", f.Index),
		zap.String("stage", f.Stage),
		zap.Int("faults", s.faults),
		zap.String("error", f.Error()))
	monitoring.RecordFault(s.pair.Strategy, f.Stage)
	s.emit(types.Event{
		Type:    types.EventFault,
		Index:   f.Index,
		Time:    s.series.At(f.Index).OpenTime,
		Balance: s.ex.Balance(),
		Message: f.Error(),
	})
}

// escalate aborts the run after too many faults: open entries become ERROR
// and resting orders are canceled
func (s *session) escalate(ctx context.Context) {
	s.status = types.RunError
	s.message = fmt.Sprintf("%d faults exceed threshold %d", s.faults, s.r.opts.FaultThreshold)
	s.logger.Error("Aborting backtest", zap.String("reason", s.message))

	active, err := s.m.Positions(ctx, types.StatusPending, types.StatusOpen)
	if err != nil {
		s.logger.Error("Failed to list active positions", zap.Error(err))
		return
	}
	for _, p := range active {
		if p.Status == types.StatusPending {
			_, err = s.ex.Cancel(ctx, p.ID, s.message)
		} else {
			_, err = s.ex.Fail(ctx, p.ID, s.message)
		}
		if err != nil {
			s.logger.Error("Failed to retire position", zap.String("id", p.ID), zap.Error(err))
		}
	}
}

func (s *session) sample(ctx context.Context, i int, c types.Candle) {
	equity, err := s.ex.Equity(ctx)
	if err != nil {
		s.logger.Error("Failed to compute equity", zap.Error(err))
		equity = s.ex.Balance()
	}
	open, _ := s.m.Positions(ctx, types.StatusOpen)

	sample := types.BalanceSample{
		Time:          c.OpenTime,
		Balance:       s.ex.Balance(),
		Equity:        equity,
		OpenPositions: len(open),
	}
	s.samples = append(s.samples, sample)

	s.progress.Do(func() {
		s.emit(types.Event{
			Type:    types.EventCandle,
			Index:   i,
			Time:    c.OpenTime,
			Balance: sample.Balance,
			Equity:  sample.Equity,
		})
	})
}

func (s *session) onPosition(kind types.EventType, p *types.Position) {
	if kind == types.EventClose {
		s.onClose(p)
		return
	}
	s.emitPosition(kind, p, "")
}

func (s *session) onClose(p *types.Position) {
	monitoring.RecordClose(string(p.FinishReason))
	s.emitPosition(types.EventClose, p, p.FinishReason)
}

func (s *session) emitPosition(kind types.EventType, p *types.Position, reason types.FinishReason) {
	s.emit(types.Event{
		Type:       kind,
		Index:      s.m.Index(),
		Time:       s.ex.Now().Unix(),
		Balance:    s.ex.Balance(),
		PositionID: p.ID,
		Reason:     reason,
	})
}

func (s *session) emit(ev types.Event) {
	s.seq++
	ev.Seq = s.seq
	ev.RunID = s.runID
	ev.Pair = s.pair.String()
	ev.Total = s.series.Len()
	s.emitter.Emit(ev)
}

func (s *session) result(ctx context.Context) (*types.Result, error) {
	positions, err := s.ex.Positions(ctx, ledger.Filter{})
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	equity, err := s.ex.Equity(ctx)
	if err != nil {
		return nil, fmt.Errorf("equity: %w", err)
	}

	fin, trades, risk := s.r.metrics.Calculate(MetricsInput{
		Initial:    s.ex.InitialBalance(),
		Balance:    s.ex.Balance(),
		Equity:     equity,
		Fees:       s.ex.TotalFees(),
		Positions:  positions,
		Samples:    s.samples,
		Timeframe:  s.pair.Timeframe,
		Liquidated: s.status == types.RunLiquidated,
	})

	open := make([]*types.Position, 0)
	for _, p := range positions {
		if p.Status == types.StatusOpen {
			open = append(open, p)
		}
	}

	res := &types.Result{
		RunID:         s.runID,
		Pair:          s.pair,
		Status:        s.status,
		SimStart:      s.series.At(s.first).Time(),
		SimEnd:        s.series.At(s.last).Time(),
		Candles:       s.series.Len(),
		Processed:     s.processed,
		Faults:        s.faults,
		Rejected:      s.rejected,
		Error:         s.message,
		Financial:     fin,
		Trades:        trades,
		Risk:          risk,
		OpenPositions: open,
		Positions:     positions,
		Balance:       s.samples,
	}

	s.emit(types.Event{
		Type:    types.EventDone,
		Index:   s.last,
		Time:    s.series.At(s.last).OpenTime,
		Balance: fin.FinalBalance,
		Equity:  fin.FinalEquity,
		Status:  s.status,
		Message: s.message,
	})
	return res, nil
}
