package usecase

import (
	"context"

	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"go.uber.org/zap"
)

// TradeRecorder stores normalized fills for accounting. Failures are logged
// and never reach the trading path.
type TradeRecorder struct {
	accountID  int64
	normalizer domain.TradeNormalizer
	repo       domain.TradeRepository
	logger     *zap.Logger
}

func NewTradeRecorder(accountID int64, normalizer domain.TradeNormalizer, repo domain.TradeRepository, logger *zap.Logger) *TradeRecorder {
	return &TradeRecorder{
		accountID:  accountID,
		normalizer: normalizer,
		repo:       repo,
		logger:     logger,
	}
}

func (r *TradeRecorder) Record(ctx context.Context, ev domain.FillEvent) {
	trade, err := r.normalizer.Normalize(ev.Exchange, ev.Raw)
	if err != nil {
		r.logger.Warn("Failed to normalize fill",
			zap.String("exchange", ev.Exchange), zap.String("order_id", ev.OrderID), zap.Error(err))
		return
	}
	trade.ExchangeAccountID = r.accountID
	if trade.Exchange == "" {
		trade.Exchange = ev.Exchange
	}
	if ev.Symbol != "" {
		trade.Symbol = ev.Symbol
	}
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = ev.ReceivedAt
	}
	if err := r.repo.SaveTrade(ctx, trade); err != nil {
		r.logger.Error("Failed to save trade", zap.String("order_id", trade.OrderID), zap.Error(err))
	}
}
