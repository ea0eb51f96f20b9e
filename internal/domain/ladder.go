package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PairKey identifies one running ladder: an exchange account name plus a
// canonical "BASE/QUOTE" symbol.
type PairKey struct {
	Exchange string
	Symbol   string
}

// NewPairKey normalises the exchange name to lower case and the symbol to
// its canonical upper-case "BASE/QUOTE" form.
func NewPairKey(exchange, symbol string) PairKey {
	return PairKey{
		Exchange: strings.ToLower(strings.TrimSpace(exchange)),
		Symbol:   CanonicalSymbol(symbol),
	}
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s:%s", k.Exchange, k.Symbol)
}

// BotConfig is the persisted ladder state for one pair.
type BotConfig struct {
	ID                int64
	ExchangeAccountID int64
	SymbolID          int64
	Exchange          string
	Symbol            string
	Amount            decimal.Decimal
	TPPercent         float64
	SLPercent         float64
	TPLevels          []decimal.Decimal
	SLLevels          []decimal.Decimal
	UpdatedAt         time.Time
}

// Pair returns the key the config is stored under.
func (c *BotConfig) Pair() PairKey {
	return NewPairKey(c.Exchange, c.Symbol)
}

// BotDefaults are applied when a pair is started without a stored config.
type BotDefaults struct {
	Amount    decimal.Decimal
	TPPercent float64
	SLPercent float64
}

type LevelKind string

const (
	LevelTakeProfit LevelKind = "tp"
	LevelStopLoss   LevelKind = "sl"
)

type LevelStatus string

const (
	LevelOpen      LevelStatus = "open"
	LevelFilled    LevelStatus = "filled"
	LevelCancelled LevelStatus = "cancelled"
)

// OrderLevel is an audit row for one ladder rung. It is never read back to
// drive trading decisions.
type OrderLevel struct {
	ID                int64
	ExchangeAccountID int64
	Symbol            string
	Price             decimal.Decimal
	Kind              LevelKind
	OrderID           string
	Status            LevelStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
