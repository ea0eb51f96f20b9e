package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/metrics"
	"go.uber.org/zap"
)

// GatewayFactory builds the trading gateway for an account.
type GatewayFactory func(account *domain.ExchangeAccount) (domain.Exchange, error)

// StreamFactory builds an order stream for one symbol of an account.
type StreamFactory func(account *domain.ExchangeAccount, gateway domain.Exchange, symbol string) (domain.OrderStream, error)

type RegistryDeps struct {
	Accounts   domain.AccountRepository
	Ladders    domain.LadderStore
	Levels     domain.OrderLevelRepository
	Trades     domain.TradeRepository
	Normalizer domain.TradeNormalizer
	Gateways   GatewayFactory
	Streams    StreamFactory
}

type RegistryConfig struct {
	Defaults    domain.BotDefaults
	SettleDelay time.Duration
	Supervisor  SupervisorConfig
}

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

type bot struct {
	engine *GridEngine
	conn   domain.Connection
}

// BotRegistry tracks the running pairs. Operations on the same pair are
// serialized; different pairs proceed independently. A stopped pair stays in
// stopping until its connection has finished liquidating, and a new start
// for that pair waits for it.
type BotRegistry struct {
	deps   RegistryDeps
	cfg    RegistryConfig
	ctx    context.Context
	logger *zap.Logger

	mu       sync.Mutex
	bots     map[domain.PairKey]*bot
	stopping map[domain.PairKey]domain.Connection
	locks    map[domain.PairKey]*sync.Mutex
}

// NewBotRegistry creates a registry. Supervisors it starts live until ctx is
// cancelled or they are stopped.
func NewBotRegistry(ctx context.Context, deps RegistryDeps, cfg RegistryConfig, logger *zap.Logger) *BotRegistry {
	return &BotRegistry{
		deps:   deps,
		cfg:    cfg,
		ctx:    ctx,
		logger: logger,
		bots:     make(map[domain.PairKey]*bot),
		stopping: make(map[domain.PairKey]domain.Connection),
		locks:    make(map[domain.PairKey]*sync.Mutex),
	}
}

func (r *BotRegistry) pairLock(key domain.PairKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func (r *BotRegistry) get(key domain.PairKey) (*bot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[key]
	return b, ok
}

func (r *BotRegistry) put(key domain.PairKey, b *bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[key] = b
	metrics.ActiveConnections.Set(float64(len(r.bots)))
}

// remove deletes key only if it still maps to b.
func (r *BotRegistry) remove(key domain.PairKey, b *bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.bots[key]; ok && cur == b {
		delete(r.bots, key)
	}
	metrics.ActiveConnections.Set(float64(len(r.bots)))
}

func (r *BotRegistry) markStopping(key domain.PairKey, conn domain.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-conn.Done():
	default:
		r.stopping[key] = conn
	}
}

func (r *BotRegistry) clearStopping(key domain.PairKey, conn domain.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.stopping[key]; ok && cur == conn {
		delete(r.stopping, key)
	}
}

func (r *BotRegistry) getStopping(key domain.PairKey) (domain.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.stopping[key]
	return c, ok
}

// Start activates the pair's ladder and starts its connection supervisor.
// Activation errors are returned and nothing is registered.
func (r *BotRegistry) Start(ctx context.Context, exchange, symbol string) error {
	key := domain.NewPairKey(exchange, symbol)
	lock := r.pairLock(key)
	lock.Lock()
	defer lock.Unlock()
	return r.startLocked(ctx, key)
}

func (r *BotRegistry) startLocked(ctx context.Context, key domain.PairKey) error {
	if prev, ok := r.getStopping(key); ok {
		r.logger.Info("Waiting for stopped bot to finish liquidation", zap.String("pair", key.String()))
		select {
		case <-prev.Done():
			r.clearStopping(key, prev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if b, ok := r.get(key); ok {
		select {
		case <-b.conn.Done():
			r.remove(key, b)
		default:
			return fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, key)
		}
	}

	account, err := r.deps.Accounts.GetAccountByExchange(ctx, key.Exchange)
	if err != nil {
		return fmt.Errorf("load account %s: %w", key.Exchange, err)
	}
	if account == nil {
		return fmt.Errorf("%w: account for %s", domain.ErrNotFound, key.Exchange)
	}

	gateway, err := r.deps.Gateways(account)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	cfg, err := r.deps.Ladders.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("load bot config: %w", err)
	}
	if cfg == nil {
		cfg, err = r.deps.Ladders.CreateDefault(ctx, key, account.ID, r.cfg.Defaults)
		if err != nil {
			return fmt.Errorf("create bot config: %w", err)
		}
		r.logger.Info("Created default bot config", zap.String("pair", key.String()))
	}

	engine := NewGridEngine(gateway, r.deps.Ladders, r.deps.Levels, GridEngineConfig{
		Account:     account,
		Bot:         cfg,
		Amount:      spendAmount(account, cfg),
		SettleDelay: r.cfg.SettleDelay,
	}, r.logger)

	if err := engine.Activate(ctx); err != nil {
		engine.Close()
		return fmt.Errorf("activate %s: %w", key, err)
	}

	var recorder *TradeRecorder
	if r.deps.Trades != nil && r.deps.Normalizer != nil {
		recorder = NewTradeRecorder(account.ID, r.deps.Normalizer, r.deps.Trades, r.logger)
	}
	dial := func() (domain.OrderStream, error) {
		return r.deps.Streams(account, gateway, key.Symbol)
	}
	sup := NewConnectionSupervisor(key, engine, dial, recorder, r.cfg.Supervisor, r.logger)
	b := &bot{engine: engine, conn: sup}
	r.put(key, b)
	sup.Start(r.ctx)

	go func() {
		<-sup.Done()
		r.remove(key, b)
		r.clearStopping(key, sup)
	}()

	r.logger.Info("Grid bot started", zap.String("pair", key.String()),
		zap.String("amount", spendAmount(account, cfg).String()))
	return nil
}

// spendAmount prefers the account balance over the bot config amount.
func spendAmount(account *domain.ExchangeAccount, cfg *domain.BotConfig) decimal.Decimal {
	if account.Balance.IsPositive() {
		return account.Balance
	}
	return cfg.Amount
}

// Stop closes the pair's connection with liquidation and returns without
// waiting for the liquidation to finish. A Start for the same pair blocks
// until it has.
func (r *BotRegistry) Stop(exchange, symbol string) error {
	key := domain.NewPairKey(exchange, symbol)
	lock := r.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	b, ok := r.get(key)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotRunning, key)
	}
	b.conn.Close(true)
	r.remove(key, b)
	r.markStopping(key, b.conn)
	r.logger.Info("Grid bot stopped", zap.String("pair", key.String()))
	return nil
}

// Restart closes the pair without liquidation, waits for it to wind down and
// starts it again, which re-runs reconciliation.
func (r *BotRegistry) Restart(ctx context.Context, exchange, symbol string) error {
	key := domain.NewPairKey(exchange, symbol)
	lock := r.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	if b, ok := r.get(key); ok {
		b.conn.Close(false)
		select {
		case <-b.conn.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		r.remove(key, b)
	}
	return r.startLocked(ctx, key)
}

// Status reports "running" when any exchange has a live connection for symbol.
func (r *BotRegistry) Status(symbol string) string {
	symbol = domain.CanonicalSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.bots {
		if key.Symbol == symbol && b.conn.IsAlive() {
			return StatusRunning
		}
	}
	return StatusStopped
}

// StatusAll maps every registered pair to its status.
func (r *BotRegistry) StatusAll() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.bots))
	for key, b := range r.bots {
		status := StatusStopped
		if b.conn.IsAlive() {
			status = StatusRunning
		}
		out[key.String()] = status
	}
	return out
}

// Pairs lists the registered pairs in a stable order.
func (r *BotRegistry) Pairs() []domain.PairKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PairKey, 0, len(r.bots))
	for key := range r.bots {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Ladder returns the live ladder of a registered pair.
func (r *BotRegistry) Ladder(exchange, symbol string) (Ladder, bool) {
	b, ok := r.get(domain.NewPairKey(exchange, symbol))
	if !ok {
		return Ladder{}, false
	}
	return b.engine.Ladder(), true
}

// StopAll closes every connection without liquidation, leaving orders resting
// for the next start, and waits up to ctx for them and for any pending
// liquidation to wind down.
func (r *BotRegistry) StopAll(ctx context.Context) {
	r.mu.Lock()
	conns := make([]domain.Connection, 0, len(r.bots)+len(r.stopping))
	for _, b := range r.bots {
		conns = append(conns, b.conn)
	}
	running := len(conns)
	for _, c := range r.stopping {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns[:running] {
		c.Close(false)
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			r.logger.Warn("Shutdown timed out waiting for connections")
			return
		}
	}
	r.logger.Info("All grid bots stopped", zap.Int("count", running))
}
