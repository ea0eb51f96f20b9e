package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/metrics"
	"go.uber.org/zap"
)

// userDataServe matches binance.WsUserDataServe.
type userDataServe func(listenKey string, handler binance.WsUserDataHandler, errHandler binance.ErrHandler) (chan struct{}, chan struct{}, error)

// BinanceOrderStream follows execution reports on the spot user data stream.
// The listen key is kept alive on KeepaliveInterval; MaxMisses failed
// keepalives in a row end the connection.
type BinanceOrderStream struct {
	client    *binance.Client
	symbol    string
	keepalive HeartbeatConfig
	serve     userDataServe
	logger    *zap.Logger

	connected atomic.Bool
}

func NewBinanceOrderStream(client *binance.Client, symbol string, keepalive HeartbeatConfig, logger *zap.Logger) *BinanceOrderStream {
	if keepalive.Interval <= 0 {
		keepalive.Interval = 30 * time.Minute
	}
	return &BinanceOrderStream{
		client:    client,
		symbol:    domain.CanonicalSymbol(symbol),
		keepalive: keepalive,
		serve:     binance.WsUserDataServe,
		logger:    logger.With(zap.String("exchange", "binance"), zap.String("symbol", domain.CanonicalSymbol(symbol))),
	}
}

func (s *BinanceOrderStream) Connected() bool {
	return s.connected.Load()
}

func (s *BinanceOrderStream) Run(ctx context.Context, onFill domain.FillHandler) error {
	listenKey, err := s.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: listen key: %v", domain.ErrConnectionFailed, err)
	}

	var (
		streamErr atomic.Value
		expired   atomic.Bool
	)
	exchSymbol := domain.ExchangeSymbol(s.symbol)
	handler := func(ev *binance.WsUserDataEvent) {
		if ev.Event != binance.UserDataEventTypeExecutionReport {
			return
		}
		s.handleOrderUpdate(ev.OrderUpdate, exchSymbol, onFill)
	}
	errHandler := func(err error) {
		streamErr.Store(err)
		s.logger.Warn("User data stream error", zap.Error(err))
	}

	doneC, stopC, err := s.serve(listenKey, handler, errHandler)
	if err != nil {
		return fmt.Errorf("%w: user data stream: %v", domain.ErrConnectionFailed, err)
	}
	s.connected.Store(true)
	defer s.connected.Store(false)
	s.logger.Info("Binance user data stream connected")

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopC) }) }

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var hb *Heartbeat
	hb = NewHeartbeat(s.keepalive.Interval, s.keepalive.MaxMisses,
		func() error {
			err := s.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(hbCtx)
			if err != nil {
				s.logger.Warn("Listen key keepalive failed", zap.Error(err))
				return err
			}
			hb.Beat()
			return nil
		},
		func() {
			expired.Store(true)
			s.logger.Warn("Listen key keepalive failed repeatedly, closing stream")
			stop()
		})
	go hb.Run(hbCtx)

	select {
	case <-ctx.Done():
		stop()
		<-doneC
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.client.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx)
		closeCancel()
		return ctx.Err()
	case <-doneC:
		if expired.Load() {
			return fmt.Errorf("%w: listen key expired", domain.ErrConnectionFailed)
		}
		if err, ok := streamErr.Load().(error); ok {
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
		return fmt.Errorf("%w: user data stream closed", domain.ErrConnectionFailed)
	}
}

func (s *BinanceOrderStream) handleOrderUpdate(u binance.WsOrderUpdate, exchSymbol string, onFill domain.FillHandler) {
	if u.Symbol != exchSymbol || u.Status != "FILLED" {
		return
	}
	price, ok := firstPositive(u.LatestPrice, u.Price)
	if !ok {
		s.logger.Warn("Filled order without a usable price", zap.Int64("order_id", u.Id))
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		metrics.DroppedMessages.WithLabelValues("binance").Inc()
		raw = nil
	}
	onFill(domain.FillEvent{
		Exchange:   "binance",
		Symbol:     s.symbol,
		OrderID:    strconv.FormatInt(u.Id, 10),
		Side:       sideFromExchange(u.Side),
		Price:      price,
		Raw:        raw,
		ReceivedAt: time.Now().UTC(),
	})
}
