package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// CanonicalSymbol upper-cases a symbol and converts "-" or "_" separators to "/".
func CanonicalSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("-", "/", "_", "/").Replace(s)
	return s
}

// SplitSymbol returns the base and quote assets of a "BASE/QUOTE" symbol.
func SplitSymbol(symbol string) (base, quote string) {
	s := CanonicalSymbol(symbol)
	if i := strings.Index(s, "/"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// ExchangeSymbol drops the separator, e.g. "BTC/USDT" becomes "BTCUSDT".
func ExchangeSymbol(symbol string) string {
	return strings.ReplaceAll(CanonicalSymbol(symbol), "/", "")
}

// MarketInfo carries the trading constraints of a symbol.
type MarketInfo struct {
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// DefaultIncrement is used when an exchange does not report a step or tick.
var DefaultIncrement = decimal.New(1, -8)

// WithFallbacks fills unset constraints with permissive defaults.
func (m MarketInfo) WithFallbacks() MarketInfo {
	if !m.StepSize.IsPositive() {
		m.StepSize = DefaultIncrement
	}
	if !m.TickSize.IsPositive() {
		m.TickSize = DefaultIncrement
	}
	if m.MinNotional.IsNegative() {
		m.MinNotional = decimal.Zero
	}
	return m
}

// OpenOrder is a resting order as reported by the exchange.
type OpenOrder struct {
	ID       string
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type AssetBalance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Balances maps an upper-case asset code to its balance.
type Balances map[string]AssetBalance

// Free returns the free amount of asset, zero when absent.
func (b Balances) Free(asset string) decimal.Decimal {
	if bal, ok := b[strings.ToUpper(asset)]; ok {
		return bal.Free
	}
	return decimal.Zero
}

// FillEvent is an order-update message that reports a fully filled order
// for the subscribed symbol.
type FillEvent struct {
	Exchange   string
	Symbol     string
	OrderID    string
	Side       Side
	Price      decimal.Decimal
	Raw        []byte
	ReceivedAt time.Time
}

// TradeRecord is the normalized form of a fill, kept for accounting.
type TradeRecord struct {
	ID                int64
	ExchangeAccountID int64
	Exchange          string
	Symbol            string
	OrderID           string
	TradeID           string
	Side              Side
	OrderType         string
	Amount            decimal.Decimal
	Price             decimal.Decimal
	Fee               decimal.Decimal
	FeeCurrency       string
	Cost              decimal.Decimal
	ExecutedAt        time.Time
}
