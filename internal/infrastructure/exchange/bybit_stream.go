package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/metrics"
	"go.uber.org/zap"
)

type HeartbeatConfig struct {
	Interval  time.Duration
	MaxMisses int
}

// BybitOrderStream is one authenticated connection to the v5 private stream
// subscribed to the "order" topic.
type BybitOrderStream struct {
	apiKey    string
	apiSecret string
	wsURL     string
	symbol    string
	heartbeat HeartbeatConfig
	dialer    *websocket.Dialer
	logger    *zap.Logger

	connected atomic.Bool
	writeMu   sync.Mutex
}

func NewBybitOrderStream(apiKey, apiSecret, wsURL, symbol string, hb HeartbeatConfig, logger *zap.Logger) *BybitOrderStream {
	if wsURL == "" {
		wsURL = BybitPrivateWSURL
	}
	if hb.Interval <= 0 {
		hb.Interval = 20 * time.Second
	}
	return &BybitOrderStream{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		wsURL:     wsURL,
		symbol:    domain.CanonicalSymbol(symbol),
		heartbeat: hb,
		dialer:    websocket.DefaultDialer,
		logger:    logger.With(zap.String("exchange", "bybit"), zap.String("symbol", domain.CanonicalSymbol(symbol))),
	}
}

func (s *BybitOrderStream) Connected() bool {
	return s.connected.Load()
}

type bybitWSMessage struct {
	Op      string            `json:"op"`
	Success *bool             `json:"success"`
	RetMsg  string            `json:"ret_msg"`
	Topic   string            `json:"topic"`
	Data    []json.RawMessage `json:"data"`
}

type bybitOrderUpdate struct {
	Symbol             string `json:"symbol"`
	OrderID            string `json:"orderId"`
	Side               string `json:"side"`
	OrderStatus        string `json:"orderStatus"`
	Price              string `json:"price"`
	AvgPrice           string `json:"avgPrice"`
	LastPriceOnCreated string `json:"lastPriceOnCreated"`
}

func (s *BybitOrderStream) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

func (s *BybitOrderStream) authArgs() []interface{} {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	h := hmac.New(sha256.New, []byte(s.apiSecret))
	h.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return []interface{}{s.apiKey, expires, hex.EncodeToString(h.Sum(nil))}
}

// Run dials, authenticates, subscribes and reads until ctx is done, the
// server closes the socket or the heartbeat expires.
func (s *BybitOrderStream) Run(ctx context.Context, onFill domain.FillHandler) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrConnectionFailed, s.wsURL, err)
	}
	defer conn.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.writeJSON(conn, map[string]interface{}{"op": "auth", "args": s.authArgs()}); err != nil {
		return fmt.Errorf("%w: auth: %v", domain.ErrConnectionFailed, err)
	}
	if err := s.writeJSON(conn, map[string]interface{}{"op": "subscribe", "args": []string{"order"}}); err != nil {
		return fmt.Errorf("%w: subscribe: %v", domain.ErrConnectionFailed, err)
	}

	s.connected.Store(true)
	defer s.connected.Store(false)
	s.logger.Info("Bybit order stream connected")

	var expired atomic.Bool
	hb := NewHeartbeat(s.heartbeat.Interval, s.heartbeat.MaxMisses,
		func() error { return s.writeJSON(conn, map[string]string{"op": "ping"}) },
		func() {
			expired.Store(true)
			s.logger.Warn("Heartbeat expired, closing connection")
			conn.Close()
		})
	go hb.Run(runCtx)

	go func() {
		<-runCtx.Done()
		conn.Close()
	}()

	exchSymbol := domain.ExchangeSymbol(s.symbol)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case expired.Load():
				return fmt.Errorf("%w: heartbeat expired", domain.ErrConnectionFailed)
			default:
				return fmt.Errorf("%w: read: %v", domain.ErrConnectionFailed, err)
			}
		}
		hb.Beat()

		var msg bybitWSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			metrics.DroppedMessages.WithLabelValues("bybit").Inc()
			s.logger.Warn("Dropping undecodable message", zap.Error(err))
			continue
		}

		switch {
		case msg.Op == "pong" || msg.RetMsg == "pong":
			continue
		case msg.Op == "auth":
			if msg.Success != nil && !*msg.Success {
				return fmt.Errorf("%w: %s", domain.ErrAuthenticationFailed, msg.RetMsg)
			}
			s.logger.Info("Bybit order stream authenticated")
			continue
		case msg.Op == "subscribe":
			if msg.Success != nil && !*msg.Success {
				return fmt.Errorf("%w: subscribe: %s", domain.ErrConnectionFailed, msg.RetMsg)
			}
			continue
		case msg.Topic != "order" || len(msg.Data) == 0:
			continue
		}

		for _, raw := range msg.Data {
			var u bybitOrderUpdate
			if err := json.Unmarshal(raw, &u); err != nil {
				metrics.DroppedMessages.WithLabelValues("bybit").Inc()
				continue
			}
			if u.Symbol != exchSymbol || u.OrderStatus != "Filled" {
				continue
			}
			price, ok := firstPositive(u.Price, u.AvgPrice, u.LastPriceOnCreated)
			if !ok {
				s.logger.Warn("Filled order without a usable price", zap.String("order_id", u.OrderID))
				continue
			}
			onFill(domain.FillEvent{
				Exchange:   "bybit",
				Symbol:     s.symbol,
				OrderID:    u.OrderID,
				Side:       sideFromExchange(u.Side),
				Price:      price,
				Raw:        append([]byte(nil), raw...),
				ReceivedAt: time.Now().UTC(),
			})
		}
	}
}

// firstPositive parses candidates in order and returns the first positive one.
func firstPositive(candidates ...string) (decimal.Decimal, bool) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		d, err := decimal.NewFromString(c)
		if err == nil && d.IsPositive() {
			return d, true
		}
	}
	return decimal.Zero, false
}
