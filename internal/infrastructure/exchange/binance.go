package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"go.uber.org/zap"
)

// BinanceAdapter trades Binance spot through go-binance.
type BinanceAdapter struct {
	client *binance.Client
	logger *zap.Logger
}

func NewBinanceAdapter(apiKey, apiSecret, baseURL string, logger *zap.Logger) *BinanceAdapter {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &BinanceAdapter{client: client, logger: logger}
}

func (b *BinanceAdapter) Name() string {
	return "binance"
}

// Client exposes the underlying client for the user data stream.
func (b *BinanceAdapter) Client() *binance.Client {
	return b.client
}

// handleError maps Binance API error codes onto domain errors.
func (b *BinanceAdapter) handleError(err error, operation string) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w: %v", operation, domain.ErrConnectionFailed, err)
	}

	var kind error
	switch apiErr.Code {
	case -1003, -1015:
		kind = domain.ErrRateLimited
	case -1022, -2014, -2015:
		kind = domain.ErrAuthenticationFailed
	case -2013, -2011:
		kind = domain.ErrOrderNotFound
	case -2019, -3005:
		kind = domain.ErrInsufficientBalance
	default:
		kind = domain.ErrOrderRejected
	}
	// -2010 covers both balance and filter rejections; only the message tells them apart.
	if apiErr.Code == -2010 && strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
		kind = domain.ErrInsufficientBalance
	}
	if strings.Contains(apiErr.Message, "NOTIONAL") {
		kind = domain.ErrBelowMinNotional
	}
	b.logger.Debug("Binance API error",
		zap.String("operation", operation), zap.Int64("code", apiErr.Code), zap.String("message", apiErr.Message))
	return fmt.Errorf("%s: %w: binance %d %s", operation, kind, apiErr.Code, apiErr.Message)
}

func filterDecimal(f map[string]interface{}, key string) decimal.Decimal {
	s, _ := f[key].(string)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (b *BinanceAdapter) FetchMarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	info, err := b.client.NewExchangeInfoService().Symbol(domain.ExchangeSymbol(symbol)).Do(ctx)
	if err != nil {
		return domain.MarketInfo{}, b.handleError(err, "exchange info")
	}
	if len(info.Symbols) == 0 {
		return domain.MarketInfo{}, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
	}

	var m domain.MarketInfo
	for _, f := range info.Symbols[0].Filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			m.TickSize = filterDecimal(f, "tickSize")
		case "LOT_SIZE":
			m.StepSize = filterDecimal(f, "stepSize")
		case "NOTIONAL", "MIN_NOTIONAL":
			m.MinNotional = filterDecimal(f, "minNotional")
		}
	}
	return m.WithFallbacks(), nil
}

func (b *BinanceAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(domain.ExchangeSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, b.handleError(err, "open orders")
	}
	out := make([]domain.OpenOrder, 0, len(orders))
	for _, o := range orders {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		out = append(out, domain.OpenOrder{
			ID:       strconv.FormatInt(o.OrderID, 10),
			Symbol:   domain.CanonicalSymbol(symbol),
			Side:     sideFromExchange(string(o.Side)),
			Price:    price,
			Quantity: qty,
		})
	}
	return out, nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("order id %q: %w", orderID, domain.ErrOrderNotFound)
	}
	_, err = b.client.NewCancelOrderService().Symbol(domain.ExchangeSymbol(symbol)).OrderID(id).Do(ctx)
	return b.handleError(err, "cancel order")
}

func (b *BinanceAdapter) FetchBalance(ctx context.Context) (domain.Balances, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, b.handleError(err, "account")
	}
	balances := make(domain.Balances, len(acct.Balances))
	for _, bal := range acct.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		balances[strings.ToUpper(bal.Asset)] = domain.AssetBalance{Free: free, Locked: locked}
	}
	return balances, nil
}

func (b *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(domain.ExchangeSymbol(symbol)).Do(ctx)
	if err != nil {
		return decimal.Zero, b.handleError(err, "ticker")
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return decimal.NewFromString(prices[0].Price)
}

func (b *BinanceAdapter) createMarket(ctx context.Context, symbol string, side binance.SideType, size decimal.Decimal) error {
	_, err := b.client.NewCreateOrderService().
		Symbol(domain.ExchangeSymbol(symbol)).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(size.String()).
		NewClientOrderID(uuid.NewString()).
		Do(ctx)
	return b.handleError(err, "market order")
}

func (b *BinanceAdapter) createLimit(ctx context.Context, symbol string, side binance.SideType, qty, price decimal.Decimal) (decimal.Decimal, error) {
	resp, err := b.client.NewCreateOrderService().
		Symbol(domain.ExchangeSymbol(symbol)).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty.String()).
		Price(price.String()).
		NewClientOrderID(uuid.NewString()).
		Do(ctx)
	if err != nil {
		return decimal.Zero, b.handleError(err, "limit order")
	}
	confirmed, err := decimal.NewFromString(resp.Price)
	if err != nil || !confirmed.IsPositive() {
		return price, nil
	}
	return confirmed, nil
}

func (b *BinanceAdapter) CreateMarketBuy(ctx context.Context, symbol string, size decimal.Decimal) error {
	return b.createMarket(ctx, symbol, binance.SideTypeBuy, size)
}

func (b *BinanceAdapter) CreateMarketSell(ctx context.Context, symbol string, size decimal.Decimal) error {
	return b.createMarket(ctx, symbol, binance.SideTypeSell, size)
}

func (b *BinanceAdapter) CreateLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	return b.createLimit(ctx, symbol, binance.SideTypeSell, qty, price)
}

func (b *BinanceAdapter) CreateLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	return b.createLimit(ctx, symbol, binance.SideTypeBuy, qty, price)
}
