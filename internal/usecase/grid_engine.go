package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/metrics"
	"go.uber.org/zap"
)

const stopLossRungs = 3

type GridEngineConfig struct {
	Account     *domain.ExchangeAccount
	Bot         *domain.BotConfig
	Amount      decimal.Decimal // quote spent per buy rung
	SettleDelay time.Duration
}

// GridEngine owns the ladder of one pair. All state changes happen under mu;
// order placements triggered by fills run on a serialized worker.
type GridEngine struct {
	pair    domain.PairKey
	account *domain.ExchangeAccount
	bot     *domain.BotConfig
	amount  decimal.Decimal
	settle  time.Duration

	exchange domain.Exchange
	store    domain.LadderStore
	levels   domain.OrderLevelRepository
	logger   *zap.Logger
	worker   *orderWorker

	mu     sync.Mutex
	market domain.MarketInfo
	ladder Ladder
}

// NewGridEngine builds an engine for cfg.Bot's pair. levels may be nil.
func NewGridEngine(exchange domain.Exchange, store domain.LadderStore, levels domain.OrderLevelRepository, cfg GridEngineConfig, logger *zap.Logger) *GridEngine {
	pair := cfg.Bot.Pair()
	logger = logger.With(zap.String("exchange", pair.Exchange), zap.String("symbol", pair.Symbol))
	return &GridEngine{
		pair:     pair,
		account:  cfg.Account,
		bot:      cfg.Bot,
		amount:   cfg.Amount,
		settle:   cfg.SettleDelay,
		exchange: exchange,
		store:    store,
		levels:   levels,
		logger:   logger,
		worker:   newOrderWorker(logger),
		market:   domain.MarketInfo{}.WithFallbacks(),
	}
}

func (e *GridEngine) Pair() domain.PairKey {
	return e.pair
}

// Ladder returns a copy of the current ladder.
func (e *GridEngine) Ladder() Ladder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ladder.Clone()
}

// Flush blocks until queued order placements have finished.
func (e *GridEngine) Flush() {
	e.worker.wait()
}

// Close stops the order worker. Queued placements are discarded.
func (e *GridEngine) Close() {
	e.worker.stop()
}

func (e *GridEngine) params() LadderParams {
	return LadderParams{
		Amount:          e.amount,
		SLBufferPercent: e.bot.SLPercent,
		ReboundPercent:  e.bot.TPPercent,
		TickSize:        e.market.TickSize,
	}
}

// Activate loads the stored ladder, compares it with the live open orders and
// repairs the difference. It is run on start and on every reconnect.
//
// Missing stop-losses and missing take-profits are both repaired in the same
// pass, stop-losses first, so one activation converges even when both sides
// drifted while offline.
func (e *GridEngine) Activate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	market, err := e.exchange.FetchMarketInfo(ctx, e.pair.Symbol)
	if err != nil {
		return fmt.Errorf("fetch market info: %w", err)
	}
	e.market = market.WithFallbacks()

	cfg, err := e.store.Load(ctx, e.pair)
	if err != nil {
		return fmt.Errorf("load ladder: %w", err)
	}
	e.ladder = Ladder{}
	if cfg != nil {
		e.ladder = Ladder{TP: sortDescending(cfg.TPLevels), SL: sortDescending(cfg.SLLevels)}
	}

	if e.ladder.Empty() {
		e.logger.Info("No stored ladder, starting fresh")
		return e.resetLocked(ctx, "fresh_start")
	}

	open, err := e.exchange.FetchOpenOrders(ctx, e.pair.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	livePrices := make([]decimal.Decimal, 0, len(open))
	for _, o := range open {
		livePrices = append(livePrices, o.Price)
	}
	tpMissing := missingIndexes(e.ladder.TP, livePrices)
	slMissing := missingIndexes(e.ladder.SL, livePrices)

	e.logger.Info("Reconciling ladder",
		zap.Int("tp_levels", len(e.ladder.TP)),
		zap.Int("sl_levels", len(e.ladder.SL)),
		zap.Int("open_orders", len(open)),
		zap.Int("tp_missing", len(tpMissing)),
		zap.Int("sl_missing", len(slMissing)))

	switch {
	case len(e.ladder.TP) == 0:
		e.logger.Warn("Ladder has stop-losses but no take-profit, resetting")
		e.cancelOrders(ctx, open)
		return e.resetLocked(ctx, "inconsistent")
	case len(tpMissing) == len(e.ladder.TP):
		e.logger.Info("All take-profits consumed while offline, resetting")
		e.cancelOrders(ctx, open)
		return e.resetLocked(ctx, "tp_consumed")
	}

	changed := false
	for _, i := range slMissing {
		e.ladder.SL[i] = e.placeBuy(ctx, e.ladder.SL[i], e.market)
		changed = true
	}
	if changed {
		e.ladder.SL = sortDescending(e.ladder.SL)
	}

	if len(tpMissing) > 0 {
		bal, err := e.exchange.FetchBalance(ctx)
		if err != nil {
			return fmt.Errorf("fetch balance: %w", err)
		}
		base, _ := domain.SplitSymbol(e.pair.Symbol)
		free := QuantizeDown(bal.Free(base), e.market.StepSize)
		if !free.IsPositive() {
			e.logger.Warn("Take-profit missing but no free base balance to sell")
		} else {
			e.replaceTakeProfits(ctx, tpMissing, free)
			e.ladder.TP = sortDescending(e.ladder.TP)
			changed = true
		}
	}

	if changed {
		if err := e.persist(ctx); err != nil {
			return err
		}
	}
	return nil
}

func missingIndexes(levels, live []decimal.Decimal) []int {
	var out []int
	for i, p := range levels {
		if indexOfPrice(live, p) < 0 {
			out = append(out, i)
		}
	}
	return out
}

// replaceTakeProfits splits the free base balance evenly over the missing TP
// rungs. If a share would fall under the step or the minimum notional, the
// whole balance goes to the first missing rung.
func (e *GridEngine) replaceTakeProfits(ctx context.Context, missing []int, free decimal.Decimal) {
	share := QuantizeDown(free.Div(decimal.NewFromInt(int64(len(missing)))), e.market.StepSize)
	split := len(missing) > 1
	if split {
		for _, i := range missing {
			if !MeetsMinNotional(share, e.ladder.TP[i], e.market.MinNotional) {
				split = false
				break
			}
		}
	}
	if !split {
		i := missing[0]
		e.ladder.TP[i] = e.placeSell(ctx, e.ladder.TP[i], free, e.market)
		return
	}
	for _, i := range missing {
		e.ladder.TP[i] = e.placeSell(ctx, e.ladder.TP[i], share, e.market)
	}
}

// Reset discards the current ladder and builds a fresh one around a new
// market buy.
func (e *GridEngine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetLocked(ctx, "manual")
}

func (e *GridEngine) resetLocked(ctx context.Context, reason string) error {
	symbol := e.pair.Symbol
	base, quote := domain.SplitSymbol(symbol)

	price, err := e.exchange.FetchTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	orderSize := SizeForSpend(e.amount, price, e.market.StepSize)
	if !MeetsMinNotional(orderSize, price, e.market.MinNotional) {
		return fmt.Errorf("%w: size %s at %s, minimum %s", domain.ErrBelowMinNotional,
			orderSize, price, e.market.MinNotional)
	}

	e.cancelAllOpen(ctx)

	bal, err := e.exchange.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	if bal.Free(quote).LessThan(e.amount) {
		return fmt.Errorf("%w: %s %s free, need %s", domain.ErrInsufficientBalance,
			bal.Free(quote), quote, e.amount)
	}

	if err := e.exchange.CreateMarketBuy(ctx, symbol, orderSize); err != nil {
		metrics.Orders.WithLabelValues(e.exchange.Name(), "buy", string(domain.ClassifyPlacement(err))).Inc()
		return fmt.Errorf("market buy: %w", err)
	}
	metrics.Orders.WithLabelValues(e.exchange.Name(), "buy", string(domain.PlacementOK)).Inc()
	e.logger.Info("Market buy placed",
		zap.String("size", orderSize.String()), zap.String("price", price.String()))

	intendedTP := IntendedTakeProfit(price, e.bot.TPPercent, e.market.TickSize)
	intendedSLs := IntendedStopLosses(price, e.bot.SLPercent, e.market.TickSize, stopLossRungs)

	e.sleep(ctx, e.settle)

	sellQty := orderSize
	if bal, err := e.exchange.FetchBalance(ctx); err != nil {
		e.logger.Warn("Balance refresh after market buy failed, selling bought size", zap.Error(err))
	} else {
		sellQty = QuantizeDown(bal.Free(base), e.market.StepSize)
	}

	tp := e.placeSell(ctx, intendedTP, sellQty, e.market)
	sls := make([]decimal.Decimal, 0, len(intendedSLs))
	for _, p := range intendedSLs {
		sls = append(sls, e.placeBuy(ctx, p, e.market))
	}

	e.ladder = Ladder{TP: []decimal.Decimal{tp}, SL: sortDescending(sls)}
	if err := e.persist(ctx); err != nil {
		return err
	}
	metrics.Resets.WithLabelValues(e.exchange.Name(), reason).Inc()
	e.logger.Info("Ladder reset",
		zap.String("reason", reason),
		zap.String("entry", price.String()),
		zap.Stringers("tp", e.ladder.TP),
		zap.Stringers("sl", e.ladder.SL))
	return nil
}

// OnFill applies one fill to the ladder. A fill at or above a TP, or at or
// below an SL, consumes that level; any other fill is ignored. When the last take-profit fills, the ladder is reset before
// OnFill returns.
func (e *GridEngine) OnFill(ctx context.Context, price decimal.Decimal) (FillKind, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ladder.Matches(price) {
		e.logger.Debug("Fill matches no ladder level", zap.String("price", price.String()))
		return FillIgnored, nil
	}

	funds, err := e.funds(ctx)
	if err != nil {
		return FillIgnored, fmt.Errorf("fetch balance for fill at %s: %w", price, err)
	}

	t := ApplyFill(e.ladder, price, e.params(), funds)
	metrics.Fills.WithLabelValues(e.exchange.Name(), string(t.Kind)).Inc()
	e.ladder = t.Next

	kind := domain.LevelStopLoss
	if t.Kind == FillTakeProfit || t.Kind == FillTerminalTakeProfit {
		kind = domain.LevelTakeProfit
	}
	e.markLevel(ctx, kind, t.Level, domain.LevelFilled)

	if err := e.persist(ctx); err != nil {
		e.logger.Error("Failed to persist ladder after fill", zap.Error(err))
	}

	e.logger.Info("Fill applied",
		zap.String("kind", string(t.Kind)),
		zap.String("price", price.String()),
		zap.String("level", t.Level.String()),
		zap.Stringers("tp", e.ladder.TP),
		zap.Stringers("sl", e.ladder.SL),
		zap.Int("commands", len(t.Commands)))

	if t.Kind == FillTerminalTakeProfit {
		e.worker.wait()
		if err := e.resetLocked(ctx, "terminal_take_profit"); err != nil {
			return t.Kind, fmt.Errorf("reset after last take-profit: %w", err)
		}
		return t.Kind, nil
	}

	market := e.market
	for _, cmd := range t.Commands {
		e.submit(cmd, market)
	}
	return t.Kind, nil
}

func (e *GridEngine) funds(ctx context.Context) (Funds, error) {
	bal, err := e.exchange.FetchBalance(ctx)
	if err != nil {
		return Funds{}, err
	}
	base, quote := domain.SplitSymbol(e.pair.Symbol)
	return Funds{
		Base:  QuantizeDown(bal.Free(base), e.market.StepSize),
		Quote: bal.Free(quote),
	}, nil
}

func (e *GridEngine) submit(cmd Command, market domain.MarketInfo) {
	name := fmt.Sprintf("%s@%s", cmd.Kind, cmd.Price)
	switch cmd.Kind {
	case CmdCancelBuy:
		e.worker.submit(name, 0, func(ctx context.Context) {
			e.cancelBuyAt(ctx, cmd.Price)
		})
	case CmdPlaceBuy:
		e.worker.submit(name, e.settle, func(ctx context.Context) {
			e.placeBuy(ctx, cmd.Price, market)
		})
	case CmdPlaceSell:
		e.worker.submit(name, e.settle, func(ctx context.Context) {
			e.placeSell(ctx, cmd.Price, cmd.Quantity, market)
		})
	}
}

// placeBuy places a limit buy spending the configured amount at price and
// returns the accepted price. On skip or failure the intended price is
// returned so the level stays in the ladder.
func (e *GridEngine) placeBuy(ctx context.Context, price decimal.Decimal, market domain.MarketInfo) decimal.Decimal {
	qty := SizeForSpend(e.amount, price, market.StepSize)
	if !MeetsMinNotional(qty, price, market.MinNotional) {
		metrics.Orders.WithLabelValues(e.exchange.Name(), "buy", string(domain.PlacementSkipped)).Inc()
		e.logger.Warn("Skipping limit buy below minimum",
			zap.String("price", price.String()), zap.String("qty", qty.String()),
			zap.String("min_notional", market.MinNotional.String()))
		return price
	}
	confirmed, err := e.exchange.CreateLimitBuy(ctx, e.pair.Symbol, qty, price)
	metrics.Orders.WithLabelValues(e.exchange.Name(), "buy", string(domain.ClassifyPlacement(err))).Inc()
	if err != nil {
		e.logger.Error("Limit buy failed", zap.String("price", price.String()), zap.Error(err))
		return price
	}
	if !confirmed.IsPositive() {
		confirmed = price
	}
	e.logger.Info("Limit buy placed", zap.String("price", confirmed.String()), zap.String("qty", qty.String()))
	e.recordLevel(ctx, domain.LevelStopLoss, confirmed)
	return confirmed
}

// placeSell mirrors placeBuy for a sell of qty base units.
func (e *GridEngine) placeSell(ctx context.Context, price, qty decimal.Decimal, market domain.MarketInfo) decimal.Decimal {
	qty = QuantizeDown(qty, market.StepSize)
	if qty.LessThan(market.StepSize) || !MeetsMinNotional(qty, price, market.MinNotional) {
		metrics.Orders.WithLabelValues(e.exchange.Name(), "sell", string(domain.PlacementSkipped)).Inc()
		e.logger.Warn("Skipping limit sell below minimum",
			zap.String("price", price.String()), zap.String("qty", qty.String()))
		return price
	}
	confirmed, err := e.exchange.CreateLimitSell(ctx, e.pair.Symbol, qty, price)
	metrics.Orders.WithLabelValues(e.exchange.Name(), "sell", string(domain.ClassifyPlacement(err))).Inc()
	if err != nil {
		e.logger.Error("Limit sell failed", zap.String("price", price.String()), zap.Error(err))
		return price
	}
	if !confirmed.IsPositive() {
		confirmed = price
	}
	e.logger.Info("Limit sell placed", zap.String("price", confirmed.String()), zap.String("qty", qty.String()))
	e.recordLevel(ctx, domain.LevelTakeProfit, confirmed)
	return confirmed
}

func (e *GridEngine) cancelBuyAt(ctx context.Context, price decimal.Decimal) {
	open, err := e.exchange.FetchOpenOrders(ctx, e.pair.Symbol)
	if err != nil {
		e.logger.Error("Fetch open orders for cancel failed", zap.Error(err))
		return
	}
	for _, o := range open {
		if o.Side == domain.SideBuy && o.Price.Equal(price) {
			e.cancelOrders(ctx, []domain.OpenOrder{o})
			return
		}
	}
	e.logger.Warn("No open buy at dropped stop-loss", zap.String("price", price.String()))
}

func (e *GridEngine) cancelOrders(ctx context.Context, orders []domain.OpenOrder) {
	for _, o := range orders {
		err := e.exchange.CancelOrder(ctx, o.ID, e.pair.Symbol)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			e.logger.Debug("Order already gone", zap.String("order_id", o.ID))
		case err != nil:
			e.logger.Warn("Cancel failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		default:
			e.logger.Info("Order cancelled", zap.String("order_id", o.ID), zap.String("price", o.Price.String()))
		}
		kind := domain.LevelStopLoss
		if o.Side == domain.SideSell {
			kind = domain.LevelTakeProfit
		}
		e.markLevel(ctx, kind, o.Price, domain.LevelCancelled)
	}
}

// cancelAllOpen cancels every open order of the pair and checks that none
// remain afterwards.
func (e *GridEngine) cancelAllOpen(ctx context.Context) {
	open, err := e.exchange.FetchOpenOrders(ctx, e.pair.Symbol)
	if err != nil {
		e.logger.Warn("Fetch open orders failed, skipping cancel", zap.Error(err))
		return
	}
	if len(open) == 0 {
		return
	}
	e.cancelOrders(ctx, open)
	e.sleep(ctx, e.settle)
	remaining, err := e.exchange.FetchOpenOrders(ctx, e.pair.Symbol)
	if err != nil {
		e.logger.Warn("Verify cancel failed", zap.Error(err))
		return
	}
	if len(remaining) > 0 {
		e.logger.Warn("Orders still open after cancel", zap.Int("remaining", len(remaining)))
	}
}

// Liquidate drops queued placements, cancels every open order and market
// sells the free base balance.
func (e *GridEngine) Liquidate(ctx context.Context) error {
	e.worker.stop()
	e.worker.wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelAllOpen(ctx)

	bal, err := e.exchange.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	base, _ := domain.SplitSymbol(e.pair.Symbol)
	qty := QuantizeDown(bal.Free(base), e.market.StepSize)
	if !qty.IsPositive() {
		e.logger.Info("Nothing to liquidate")
		return nil
	}
	if err := e.exchange.CreateMarketSell(ctx, e.pair.Symbol, qty); err != nil {
		metrics.Orders.WithLabelValues(e.exchange.Name(), "sell", string(domain.ClassifyPlacement(err))).Inc()
		return fmt.Errorf("market sell: %w", err)
	}
	metrics.Orders.WithLabelValues(e.exchange.Name(), "sell", string(domain.PlacementOK)).Inc()
	e.logger.Info("Position liquidated", zap.String("qty", qty.String()))
	return nil
}

func (e *GridEngine) persist(ctx context.Context) error {
	if err := e.store.SaveLevels(ctx, e.pair, e.ladder.TP, e.ladder.SL); err != nil {
		return fmt.Errorf("save ladder: %w", err)
	}
	return nil
}

func (e *GridEngine) recordLevel(ctx context.Context, kind domain.LevelKind, price decimal.Decimal) {
	if e.levels == nil {
		return
	}
	err := e.levels.CreateOrderLevel(ctx, &domain.OrderLevel{
		ExchangeAccountID: e.account.ID,
		Symbol:            e.pair.Symbol,
		Price:             price,
		Kind:              kind,
		Status:            domain.LevelOpen,
	})
	if err != nil {
		e.logger.Warn("Failed to record order level", zap.Error(err))
	}
}

func (e *GridEngine) markLevel(ctx context.Context, kind domain.LevelKind, price decimal.Decimal, status domain.LevelStatus) {
	if e.levels == nil {
		return
	}
	if err := e.levels.UpdateOrderLevelStatus(ctx, e.account.ID, e.pair.Symbol, kind, price, status); err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.Warn("Failed to update order level", zap.Error(err))
	}
}

func (e *GridEngine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
