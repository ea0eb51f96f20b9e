package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/usecase"
	"go.uber.org/zap"
)

func TestTradeRecorder_StoresNormalizedFill(t *testing.T) {
	repo := &MockTradeRepo{}
	rec := usecase.NewTradeRecorder(3, &MockNormalizer{}, repo, zap.NewNop())
	received := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	rec.Record(context.Background(), domain.FillEvent{
		Exchange: "bybit", Symbol: "ETH/USDT", OrderID: "9", Raw: []byte("9"), ReceivedAt: received,
	})

	require.Len(t, repo.Trades, 1)
	tr := repo.Trades[0]
	assert.Equal(t, int64(3), tr.ExchangeAccountID)
	assert.Equal(t, "ETH/USDT", tr.Symbol)
	assert.Equal(t, "bybit", tr.Exchange)
	assert.Equal(t, received, tr.ExecutedAt)
}

func TestTradeRecorder_SwallowsFailures(t *testing.T) {
	repo := &MockTradeRepo{}
	rec := usecase.NewTradeRecorder(1, &MockNormalizer{Err: errors.New("bad payload")}, repo, zap.NewNop())
	rec.Record(context.Background(), domain.FillEvent{Exchange: "bybit"})
	assert.Empty(t, repo.Trades)

	repo.Err = errors.New("disk full")
	rec = usecase.NewTradeRecorder(1, &MockNormalizer{}, repo, zap.NewNop())
	assert.NotPanics(t, func() { rec.Record(context.Background(), domain.FillEvent{Exchange: "bybit"}) })
}
