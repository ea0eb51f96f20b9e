package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeAccount holds credentials and sizing for one exchange.
type ExchangeAccount struct {
	ID           int64
	Exchange     string
	APIKey       string
	APISecret    string
	Balance      decimal.Decimal // preferred per-rung spend; zero means use the bot config amount
	Leverage     float64
	RESTEndpoint string
	WSEndpoint   string
	CreatedAt    time.Time
}
