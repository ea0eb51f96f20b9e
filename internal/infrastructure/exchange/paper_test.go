package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newPaper(t *testing.T) *PaperExchange {
	t.Helper()
	p := NewPaperExchange(domain.MarketInfo{StepSize: d("0.001"), TickSize: d("0.01"), MinNotional: d("5")})
	p.Deposit("USDT", d("100"))
	p.SetPrice("BTC/USDT", d("100"))
	return p
}

func TestPaper_LimitBuyLocksAndFills(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)

	_, err := p.CreateLimitBuy(ctx, "BTC/USDT", d("0.1"), d("99"))
	require.NoError(t, err)

	bal, _ := p.FetchBalance(ctx)
	assert.True(t, bal.Free("USDT").Equal(d("90.1")))
	assert.True(t, bal["USDT"].Locked.Equal(d("9.9")))

	p.SetPrice("BTC/USDT", d("98.5"))

	open, _ := p.FetchOpenOrders(ctx, "BTC/USDT")
	assert.Empty(t, open)
	bal, _ = p.FetchBalance(ctx)
	assert.True(t, bal.Free("BTC").Equal(d("0.1")))
	assert.True(t, bal["USDT"].Locked.IsZero())
}

func TestPaper_RejectsBelowMinNotionalAndOverspend(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)

	_, err := p.CreateLimitBuy(ctx, "BTC/USDT", d("0.01"), d("99"))
	assert.ErrorIs(t, err, domain.ErrBelowMinNotional)

	_, err = p.CreateLimitBuy(ctx, "BTC/USDT", d("2"), d("99"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	err = p.CreateMarketSell(ctx, "BTC/USDT", d("1"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestPaper_CancelReleasesFunds(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)
	require.NoError(t, p.CreateMarketBuy(ctx, "BTC/USDT", d("0.2")))

	_, err := p.CreateLimitSell(ctx, "BTC/USDT", d("0.2"), d("110"))
	require.NoError(t, err)
	open, _ := p.FetchOpenOrders(ctx, "BTC/USDT")
	require.Len(t, open, 1)

	require.NoError(t, p.CancelOrder(ctx, open[0].ID, "BTC/USDT"))
	assert.ErrorIs(t, p.CancelOrder(ctx, open[0].ID, "BTC/USDT"), domain.ErrOrderNotFound)

	bal, _ := p.FetchBalance(ctx)
	assert.True(t, bal.Free("BTC").Equal(d("0.2")))
}

func TestPaperStream_DeliversFillsAndDrops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPaper(t)
	_, err := p.CreateLimitBuy(ctx, "BTC/USDT", d("0.1"), d("99"))
	require.NoError(t, err)

	stream := NewPaperOrderStream(p, "btc/usdt")
	fills := make(chan domain.FillEvent, 1)
	errc := make(chan error, 1)
	go func() { errc <- stream.Run(ctx, func(ev domain.FillEvent) { fills <- ev }) }()
	require.Eventually(t, stream.Connected, time.Second, 5*time.Millisecond)

	p.SetPrice("BTC/USDT", d("99"))
	select {
	case ev := <-fills:
		assert.True(t, ev.Price.Equal(d("99")))
		assert.Equal(t, domain.SideBuy, ev.Side)
		rec, err := NewNormalizer().Normalize("paper", ev.Raw)
		require.NoError(t, err)
		assert.True(t, rec.Cost.Equal(d("9.9")))
	case <-time.After(time.Second):
		t.Fatal("no fill delivered")
	}

	p.DropConnections()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrConnectionFailed)
	case <-time.After(time.Second):
		t.Fatal("stream did not end on drop")
	}
	assert.False(t, stream.Connected())
}
