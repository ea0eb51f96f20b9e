package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
)

type paperOrder struct {
	id     int64
	symbol string
	side   domain.Side
	price  decimal.Decimal
	qty    decimal.Decimal
}

// PaperExchange is an in-memory spot exchange. Limit orders rest until
// SetPrice crosses them; fills are pushed to every subscribed PaperOrderStream.
type PaperExchange struct {
	market domain.MarketInfo

	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	balances map[string]domain.AssetBalance
	orders   map[int64]*paperOrder
	nextID   int64
	subs     map[int64]*paperSub
	nextSub  int64
}

type paperSub struct {
	symbol string
	events chan domain.FillEvent
	drop   chan struct{}
}

func NewPaperExchange(market domain.MarketInfo) *PaperExchange {
	return &PaperExchange{
		market:   market.WithFallbacks(),
		prices:   make(map[string]decimal.Decimal),
		balances: make(map[string]domain.AssetBalance),
		orders:   make(map[int64]*paperOrder),
		subs:     make(map[int64]*paperSub),
	}
}

func (p *PaperExchange) Name() string {
	return "paper"
}

// Deposit credits the free balance of asset.
func (p *PaperExchange) Deposit(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	asset = strings.ToUpper(asset)
	b := p.balances[asset]
	b.Free = b.Free.Add(amount)
	p.balances[asset] = b
}

func (p *PaperExchange) adjust(asset string, free, locked decimal.Decimal) {
	b := p.balances[asset]
	b.Free = b.Free.Add(free)
	b.Locked = b.Locked.Add(locked)
	p.balances[asset] = b
}

func (p *PaperExchange) FetchMarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	return p.market, nil
}

func (p *PaperExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	symbol = domain.CanonicalSymbol(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.orders))
	for id, o := range p.orders {
		if o.symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]domain.OpenOrder, 0, len(ids))
	for _, id := range ids {
		o := p.orders[id]
		out = append(out, domain.OpenOrder{
			ID:       strconv.FormatInt(o.id, 10),
			Symbol:   o.symbol,
			Side:     o.side,
			Price:    o.price,
			Quantity: o.qty,
		})
	}
	return out, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	delete(p.orders, id)
	base, quote := domain.SplitSymbol(o.symbol)
	if o.side == domain.SideBuy {
		cost := o.qty.Mul(o.price)
		p.adjust(quote, cost, cost.Neg())
	} else {
		p.adjust(base, o.qty, o.qty.Neg())
	}
	return nil
}

func (p *PaperExchange) FetchBalance(ctx context.Context) (domain.Balances, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(domain.Balances, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

func (p *PaperExchange) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[domain.CanonicalSymbol(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return price, nil
}

func (p *PaperExchange) CreateMarketBuy(ctx context.Context, symbol string, size decimal.Decimal) error {
	return p.marketOrder(symbol, domain.SideBuy, size)
}

func (p *PaperExchange) CreateMarketSell(ctx context.Context, symbol string, size decimal.Decimal) error {
	return p.marketOrder(symbol, domain.SideSell, size)
}

func (p *PaperExchange) marketOrder(symbol string, side domain.Side, size decimal.Decimal) error {
	symbol = domain.CanonicalSymbol(symbol)
	base, quote := domain.SplitSymbol(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}
	cost := size.Mul(price)
	if side == domain.SideBuy {
		if p.balances[quote].Free.LessThan(cost) {
			return fmt.Errorf("%w: market buy %s %s", domain.ErrInsufficientBalance, size, symbol)
		}
		p.adjust(quote, cost.Neg(), decimal.Zero)
		p.adjust(base, size, decimal.Zero)
		return nil
	}
	if p.balances[base].Free.LessThan(size) {
		return fmt.Errorf("%w: market sell %s %s", domain.ErrInsufficientBalance, size, symbol)
	}
	p.adjust(base, size.Neg(), decimal.Zero)
	p.adjust(quote, cost, decimal.Zero)
	return nil
}

func (p *PaperExchange) CreateLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	return p.limit(symbol, domain.SideBuy, qty, price)
}

func (p *PaperExchange) CreateLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	return p.limit(symbol, domain.SideSell, qty, price)
}

func (p *PaperExchange) limit(symbol string, side domain.Side, qty, price decimal.Decimal) (decimal.Decimal, error) {
	symbol = domain.CanonicalSymbol(symbol)
	base, quote := domain.SplitSymbol(symbol)
	if qty.Mul(price).LessThan(p.market.MinNotional) {
		return decimal.Zero, fmt.Errorf("%w: %s x %s", domain.ErrBelowMinNotional, qty, price)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if side == domain.SideBuy {
		cost := qty.Mul(price)
		if p.balances[quote].Free.LessThan(cost) {
			return decimal.Zero, fmt.Errorf("%w: limit buy %s at %s", domain.ErrInsufficientBalance, qty, price)
		}
		p.adjust(quote, cost.Neg(), cost)
	} else {
		if p.balances[base].Free.LessThan(qty) {
			return decimal.Zero, fmt.Errorf("%w: limit sell %s at %s", domain.ErrInsufficientBalance, qty, price)
		}
		p.adjust(base, qty.Neg(), qty)
	}
	p.nextID++
	p.orders[p.nextID] = &paperOrder{id: p.nextID, symbol: symbol, side: side, price: price, qty: qty}
	return price, nil
}

// SetPrice moves the market and fills every resting order it crosses at the
// order's own price.
func (p *PaperExchange) SetPrice(symbol string, price decimal.Decimal) {
	symbol = domain.CanonicalSymbol(symbol)
	base, quote := domain.SplitSymbol(symbol)

	p.mu.Lock()
	p.prices[symbol] = price
	var filled []*paperOrder
	for id, o := range p.orders {
		if o.symbol != symbol {
			continue
		}
		crossed := (o.side == domain.SideBuy && price.LessThanOrEqual(o.price)) ||
			(o.side == domain.SideSell && price.GreaterThanOrEqual(o.price))
		if !crossed {
			continue
		}
		delete(p.orders, id)
		cost := o.qty.Mul(o.price)
		if o.side == domain.SideBuy {
			p.adjust(quote, decimal.Zero, cost.Neg())
			p.adjust(base, o.qty, decimal.Zero)
		} else {
			p.adjust(base, decimal.Zero, o.qty.Neg())
			p.adjust(quote, cost, decimal.Zero)
		}
		filled = append(filled, o)
	}
	sort.Slice(filled, func(i, j int) bool { return filled[i].id < filled[j].id })
	subs := make([]*paperSub, 0, len(p.subs))
	for _, s := range p.subs {
		if s.symbol == symbol {
			subs = append(subs, s)
		}
	}
	p.mu.Unlock()

	for _, o := range filled {
		raw, _ := json.Marshal(paperFill{
			OrderID:  strconv.FormatInt(o.id, 10),
			Symbol:   o.symbol,
			Side:     o.side,
			Type:     "limit",
			Quantity: o.qty,
			Price:    o.price,
			Time:     time.Now().UnixMilli(),
		})
		ev := domain.FillEvent{
			Exchange:   "paper",
			Symbol:     o.symbol,
			OrderID:    strconv.FormatInt(o.id, 10),
			Side:       o.side,
			Price:      o.price,
			Raw:        raw,
			ReceivedAt: time.Now().UTC(),
		}
		for _, s := range subs {
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

// DropConnections ends every running PaperOrderStream as if the socket died.
func (p *PaperExchange) DropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.subs {
		close(s.drop)
		delete(p.subs, id)
	}
}

func (p *PaperExchange) subscribe(symbol string) (int64, *paperSub) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	s := &paperSub{
		symbol: domain.CanonicalSymbol(symbol),
		events: make(chan domain.FillEvent, 256),
		drop:   make(chan struct{}),
	}
	p.subs[p.nextSub] = s
	return p.nextSub, s
}

func (p *PaperExchange) unsubscribe(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, id)
}

// PaperOrderStream delivers a PaperExchange's fills for one symbol.
type PaperOrderStream struct {
	exchange  *PaperExchange
	symbol    string
	connected atomic.Bool
}

func NewPaperOrderStream(exchange *PaperExchange, symbol string) *PaperOrderStream {
	return &PaperOrderStream{exchange: exchange, symbol: domain.CanonicalSymbol(symbol)}
}

func (s *PaperOrderStream) Connected() bool {
	return s.connected.Load()
}

func (s *PaperOrderStream) Run(ctx context.Context, onFill domain.FillHandler) error {
	id, sub := s.exchange.subscribe(s.symbol)
	defer s.exchange.unsubscribe(id)
	s.connected.Store(true)
	defer s.connected.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.drop:
			return fmt.Errorf("%w: paper connection dropped", domain.ErrConnectionFailed)
		case ev := <-sub.events:
			onFill(ev)
		}
	}
}
