package usecase_test

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/usecase"
)

// MockExchange is an in-memory gateway. Market orders move balances, limit
// orders only rest in Orders.
type MockExchange struct {
	mu          sync.Mutex
	Price       decimal.Decimal
	Market      domain.MarketInfo
	Balances    domain.Balances
	Orders      []domain.OpenOrder
	MarketBuys  []decimal.Decimal
	MarketSells []decimal.Decimal
	Cancelled   []string
	nextID      int

	BalanceErr error
	LimitErr   error
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		Price:  d("100"),
		Market: domain.MarketInfo{StepSize: d("0.0001"), TickSize: d("0.01"), MinNotional: d("5")},
		Balances: domain.Balances{
			"USDT": {Free: d("100")},
		},
	}
}

func (m *MockExchange) Name() string { return "mock" }

func (m *MockExchange) FetchMarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	return m.Market, nil
}

func (m *MockExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OpenOrder(nil), m.Orders...), nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.Orders {
		if o.ID == orderID {
			m.Orders = append(m.Orders[:i], m.Orders[i+1:]...)
			m.Cancelled = append(m.Cancelled, o.Price.String())
			return nil
		}
	}
	return domain.ErrOrderNotFound
}

func (m *MockExchange) FetchBalance(ctx context.Context) (domain.Balances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	out := make(domain.Balances, len(m.Balances))
	for k, v := range m.Balances {
		out[k] = v
	}
	return out, nil
}

func (m *MockExchange) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Price, nil
}

func (m *MockExchange) credit(asset string, amount decimal.Decimal) {
	b := m.Balances[asset]
	b.Free = b.Free.Add(amount)
	m.Balances[asset] = b
}

func (m *MockExchange) CreateMarketBuy(ctx context.Context, symbol string, size decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, quote := domain.SplitSymbol(symbol)
	m.MarketBuys = append(m.MarketBuys, size)
	m.credit(base, size)
	m.credit(quote, size.Mul(m.Price).Neg())
	return nil
}

func (m *MockExchange) CreateMarketSell(ctx context.Context, symbol string, size decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, quote := domain.SplitSymbol(symbol)
	m.MarketSells = append(m.MarketSells, size)
	m.credit(base, size.Neg())
	m.credit(quote, size.Mul(m.Price))
	return nil
}

func (m *MockExchange) limit(side domain.Side, qty, price decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LimitErr != nil {
		return decimal.Zero, m.LimitErr
	}
	m.nextID++
	m.Orders = append(m.Orders, domain.OpenOrder{
		ID:       strconv.Itoa(m.nextID),
		Symbol:   "BTC/USDT",
		Side:     side,
		Price:    price,
		Quantity: qty,
	})
	return price, nil
}

func (m *MockExchange) CreateLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	return m.limit(domain.SideSell, qty, price)
}

func (m *MockExchange) CreateLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	return m.limit(domain.SideBuy, qty, price)
}

// Fill removes the resting order at price, as the exchange does on execution.
func (m *MockExchange) Fill(side domain.Side, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.Orders {
		if o.Side == side && o.Price.Equal(d(price)) {
			m.Orders = append(m.Orders[:i], m.Orders[i+1:]...)
			return
		}
	}
}

// Resting lists the prices resting on side, highest first.
func (m *MockExchange) Resting(side domain.Side) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prices []decimal.Decimal
	for _, o := range m.Orders {
		if o.Side == side {
			prices = append(prices, o.Price)
		}
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].GreaterThan(prices[j]) })
	return strs(prices)
}

func (m *MockExchange) QuantityAt(side domain.Side, price string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Orders {
		if o.Side == side && o.Price.Equal(d(price)) {
			return o.Quantity.String()
		}
	}
	return ""
}

func (m *MockExchange) SetBalance(asset, free string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Balances[asset] = domain.AssetBalance{Free: d(free)}
}

// MockLadderStore keeps bot configs in memory.
type MockLadderStore struct {
	mu      sync.Mutex
	configs map[domain.PairKey]*domain.BotConfig
	Saves   int
}

func NewMockLadderStore() *MockLadderStore {
	return &MockLadderStore{configs: make(map[domain.PairKey]*domain.BotConfig)}
}

func (s *MockLadderStore) Put(cfg *domain.BotConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cfg
	s.configs[cfg.Pair()] = &c
}

func (s *MockLadderStore) Load(ctx context.Context, pair domain.PairKey) (*domain.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[pair]
	if !ok {
		return nil, nil
	}
	out := *c
	out.TPLevels = append([]decimal.Decimal(nil), c.TPLevels...)
	out.SLLevels = append([]decimal.Decimal(nil), c.SLLevels...)
	return &out, nil
}

func (s *MockLadderStore) SaveLevels(ctx context.Context, pair domain.PairKey, tp, sl []decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[pair]
	if !ok {
		return domain.ErrNotFound
	}
	c.TPLevels = append([]decimal.Decimal(nil), tp...)
	c.SLLevels = append([]decimal.Decimal(nil), sl...)
	s.Saves++
	return nil
}

func (s *MockLadderStore) CreateDefault(ctx context.Context, pair domain.PairKey, accountID int64, defaults domain.BotDefaults) (*domain.BotConfig, error) {
	s.Put(&domain.BotConfig{
		ExchangeAccountID: accountID,
		Exchange:          pair.Exchange,
		Symbol:            pair.Symbol,
		Amount:            defaults.Amount,
		TPPercent:         defaults.TPPercent,
		SLPercent:         defaults.SLPercent,
	})
	return s.Load(ctx, pair)
}

func (s *MockLadderStore) Stored(pair domain.PairKey) ([]string, []string) {
	cfg, _ := s.Load(context.Background(), pair)
	if cfg == nil {
		return nil, nil
	}
	return strs(cfg.TPLevels), strs(cfg.SLLevels)
}

// MockLevelRepo records audit calls.
type MockLevelRepo struct {
	mu      sync.Mutex
	Created []*domain.OrderLevel
	Updates []string
}

func (r *MockLevelRepo) CreateOrderLevel(ctx context.Context, level *domain.OrderLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Created = append(r.Created, level)
	return nil
}

func (r *MockLevelRepo) UpdateOrderLevelStatus(ctx context.Context, accountID int64, symbol string, kind domain.LevelKind, price decimal.Decimal, status domain.LevelStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Updates = append(r.Updates, fmt.Sprintf("%s@%s=%s", kind, price, status))
	return nil
}

func (r *MockLevelRepo) ListOrderLevels(ctx context.Context, accountID int64, symbol string) ([]*domain.OrderLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.OrderLevel(nil), r.Created...), nil
}

// MockEngine counts supervisor calls.
type MockEngine struct {
	Activations  atomic.Int32
	Liquidations atomic.Int32
	Closes       atomic.Int32
	mu           sync.Mutex
	Fills        []string
	ActivateErr  error
}

func (e *MockEngine) Activate(ctx context.Context) error {
	e.Activations.Add(1)
	return e.ActivateErr
}

func (e *MockEngine) OnFill(ctx context.Context, price decimal.Decimal) (usecase.FillKind, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Fills = append(e.Fills, price.String())
	return usecase.FillStopLoss, nil
}

func (e *MockEngine) Liquidate(ctx context.Context) error {
	e.Liquidations.Add(1)
	return nil
}

func (e *MockEngine) Close() {
	e.Closes.Add(1)
}

func (e *MockEngine) FillCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Fills)
}

// MockStream replays Events, then blocks until ctx ends or Drop is called.
type MockStream struct {
	Events    []domain.FillEvent
	drop      chan struct{}
	dropOnce  sync.Once
	connected atomic.Bool
}

func NewMockStream(events ...domain.FillEvent) *MockStream {
	return &MockStream{Events: events, drop: make(chan struct{})}
}

func (s *MockStream) Connected() bool { return s.connected.Load() }

func (s *MockStream) Drop() { s.dropOnce.Do(func() { close(s.drop) }) }

func (s *MockStream) Run(ctx context.Context, onFill domain.FillHandler) error {
	s.connected.Store(true)
	defer s.connected.Store(false)
	for _, ev := range s.Events {
		onFill(ev)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.drop:
		return domain.ErrConnectionFailed
	}
}

// MockTradeRepo collects saved trades.
type MockTradeRepo struct {
	mu     sync.Mutex
	Trades []*domain.TradeRecord
	Err    error
}

func (r *MockTradeRepo) SaveTrade(ctx context.Context, trade *domain.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Trades = append(r.Trades, trade)
	return nil
}

func (r *MockTradeRepo) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.TradeRecord(nil), r.Trades...), nil
}

func (r *MockTradeRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Trades)
}

// MockNormalizer turns any payload into a trade at the event's raw price.
type MockNormalizer struct {
	Err error
}

func (n *MockNormalizer) Normalize(exchange string, raw []byte) (*domain.TradeRecord, error) {
	if n.Err != nil {
		return nil, n.Err
	}
	return &domain.TradeRecord{Exchange: exchange, Symbol: "RAW", OrderID: string(raw), Side: domain.SideBuy}, nil
}
