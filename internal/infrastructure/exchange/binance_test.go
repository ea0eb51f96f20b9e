package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"go.uber.org/zap"
)

func newBinanceTestServer(t *testing.T, handler http.HandlerFunc) *BinanceAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBinanceAdapter("key", "secret", srv.URL, zap.NewNop())
}

func TestBinance_FetchMarketInfoParsesFilters(t *testing.T) {
	b := newBinanceTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		io.WriteString(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
			{"filterType":"LOT_SIZE","stepSize":"0.00001000"},
			{"filterType":"NOTIONAL","minNotional":"5.00000000"}]}]}`)
	})

	m, err := b.FetchMarketInfo(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "0.01", m.TickSize.String())
	assert.Equal(t, "0.00001", m.StepSize.String())
	assert.Equal(t, "5", m.MinNotional.String())
}

func TestBinance_ErrorMapping(t *testing.T) {
	cases := map[string]error{
		`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`: domain.ErrInsufficientBalance,
		`{"code":-1013,"msg":"Filter failure: NOTIONAL"}`:                                domain.ErrBelowMinNotional,
		`{"code":-2013,"msg":"Order does not exist."}`:                                   domain.ErrOrderNotFound,
		`{"code":-1003,"msg":"Too many requests."}`:                                      domain.ErrRateLimited,
		`{"code":-2010,"msg":"Order would immediately match and take."}`:                 domain.ErrOrderRejected,
	}
	for body, want := range cases {
		b := newBinanceTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, body)
		})
		_, err := b.CreateLimitBuy(context.Background(), "BTC/USDT", d("0.001"), d("65000"))
		assert.ErrorIs(t, err, want, body)
	}
}

func TestBinanceStream_HandleOrderUpdate(t *testing.T) {
	s := NewBinanceOrderStream(binance.NewClient("k", "s"), "BTC/USDT", HeartbeatConfig{}, zap.NewNop())

	var got []domain.FillEvent
	collect := func(ev domain.FillEvent) { got = append(got, ev) }

	s.handleOrderUpdate(binance.WsOrderUpdate{Symbol: "ETHUSDT", Status: "FILLED", LatestPrice: "3000"}, "BTCUSDT", collect)
	s.handleOrderUpdate(binance.WsOrderUpdate{Symbol: "BTCUSDT", Status: "PARTIALLY_FILLED", LatestPrice: "100"}, "BTCUSDT", collect)
	s.handleOrderUpdate(binance.WsOrderUpdate{Symbol: "BTCUSDT", Status: "FILLED", Side: "SELL", Id: 77, LatestPrice: "101.25"}, "BTCUSDT", collect)

	require.Len(t, got, 1)
	assert.Equal(t, "77", got[0].OrderID)
	assert.Equal(t, domain.SideSell, got[0].Side)
	assert.Equal(t, "101.25", got[0].Price.String())

	rec, err := NewNormalizer().Normalize("binance", got[0].Raw)
	require.NoError(t, err)
	assert.Equal(t, "77", rec.OrderID)
}
