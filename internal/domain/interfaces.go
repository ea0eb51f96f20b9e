package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the spot trading gateway used by the grid engine. Symbols are
// canonical "BASE/QUOTE" strings.
type Exchange interface {
	Name() string
	FetchMarketInfo(ctx context.Context, symbol string) (MarketInfo, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchBalance(ctx context.Context) (Balances, error)
	FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error)
	CreateMarketBuy(ctx context.Context, symbol string, size decimal.Decimal) error
	CreateMarketSell(ctx context.Context, symbol string, size decimal.Decimal) error
	// CreateLimitSell and CreateLimitBuy return the price the exchange
	// accepted the order at.
	CreateLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error)
	CreateLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error)
}

// FillHandler receives fills in arrival order.
type FillHandler func(FillEvent)

// OrderStream is one authenticated order-update connection. Run blocks until
// ctx is cancelled or the connection is lost.
type OrderStream interface {
	Run(ctx context.Context, onFill FillHandler) error
	Connected() bool
}

// Connection is the handle the registry keeps per running pair.
type Connection interface {
	Close(liquidate bool)
	IsAlive() bool
	Done() <-chan struct{}
}

// LadderStore persists ladder state. Load returns nil without error when the
// pair has no stored config.
type LadderStore interface {
	Load(ctx context.Context, pair PairKey) (*BotConfig, error)
	SaveLevels(ctx context.Context, pair PairKey, tp, sl []decimal.Decimal) error
	CreateDefault(ctx context.Context, pair PairKey, accountID int64, defaults BotDefaults) (*BotConfig, error)
}

type AccountRepository interface {
	GetAccountByExchange(ctx context.Context, exchange string) (*ExchangeAccount, error)
	ListAccounts(ctx context.Context) ([]*ExchangeAccount, error)
	SaveAccount(ctx context.Context, account *ExchangeAccount) error
}

// OrderLevelRepository keeps the audit trail of ladder rungs.
type OrderLevelRepository interface {
	CreateOrderLevel(ctx context.Context, level *OrderLevel) error
	UpdateOrderLevelStatus(ctx context.Context, accountID int64, symbol string, kind LevelKind, price decimal.Decimal, status LevelStatus) error
	ListOrderLevels(ctx context.Context, accountID int64, symbol string) ([]*OrderLevel, error)
}

type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *TradeRecord) error
	ListTrades(ctx context.Context, limit int) ([]*TradeRecord, error)
}

// TradeNormalizer converts a raw exchange fill message into a TradeRecord.
type TradeNormalizer interface {
	Normalize(exchange string, raw []byte) (*TradeRecord, error)
}
