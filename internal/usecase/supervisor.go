package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/metrics"
	"go.uber.org/zap"
)

// LadderEngine is what the supervisor drives. *GridEngine implements it.
type LadderEngine interface {
	Activate(ctx context.Context) error
	OnFill(ctx context.Context, price decimal.Decimal) (FillKind, error)
	Liquidate(ctx context.Context) error
	Close()
}

// StreamDialer opens a new order stream for each connection attempt.
type StreamDialer func() (domain.OrderStream, error)

type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateReconnecting ConnState = "reconnecting"
	StateTerminated   ConnState = "terminated"
)

type SupervisorConfig struct {
	AutoReconnect    bool
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	LiquidateTimeout time.Duration
}

// maxSeenOrders bounds the fill de-duplication set.
const maxSeenOrders = 1000

// ConnectionSupervisor keeps one pair's order stream alive. An explicit
// Close(true) liquidates the pair; any other loss of connection preserves
// the resting orders.
type ConnectionSupervisor struct {
	pair     domain.PairKey
	engine   LadderEngine
	dial     StreamDialer
	recorder *TradeRecorder
	cfg      SupervisorConfig
	logger   *zap.Logger

	mu        sync.Mutex
	state     ConnState
	closing   bool
	liquidate bool
	stream    domain.OrderStream
	cancel    context.CancelFunc
	stopCh    chan struct{}
	done      chan struct{}

	seen map[string]struct{}
}

var _ domain.Connection = (*ConnectionSupervisor)(nil)

func NewConnectionSupervisor(pair domain.PairKey, engine LadderEngine, dial StreamDialer, recorder *TradeRecorder, cfg SupervisorConfig, logger *zap.Logger) *ConnectionSupervisor {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 5 * time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.LiquidateTimeout <= 0 {
		cfg.LiquidateTimeout = time.Minute
	}
	return &ConnectionSupervisor{
		pair:     pair,
		engine:   engine,
		dial:     dial,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With(zap.String("exchange", pair.Exchange), zap.String("symbol", pair.Symbol)),
		state:    StateConnecting,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start runs the connection loop in the background. The engine must already
// be activated.
func (s *ConnectionSupervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// Close requests shutdown and returns without waiting for it. With
// liquidate set, all open orders are cancelled and the base balance is sold
// once the stream has closed.
func (s *ConnectionSupervisor) Close(liquidate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	s.liquidate = liquidate
	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}
}

// IsAlive reports whether the stream is currently open.
func (s *ConnectionSupervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen && s.stream != nil && s.stream.Connected()
}

func (s *ConnectionSupervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the supervisor has terminated and any liquidation has
// finished.
func (s *ConnectionSupervisor) Done() <-chan struct{} {
	return s.done
}

func (s *ConnectionSupervisor) run(ctx context.Context) {
	defer close(s.done)

	b := &backoff.Backoff{
		Min:    s.cfg.ReconnectMin,
		Max:    s.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}
	first := true

	for {
		runCtx, cancel := context.WithCancel(ctx)

		// The closing flag and the transition out of the closed state are
		// checked and made under the same lock Close takes.
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			cancel()
			s.terminate()
			return
		}
		s.cancel = cancel
		if first {
			s.state = StateConnecting
		} else {
			s.state = StateReconnecting
		}
		s.mu.Unlock()

		if !first {
			metrics.Reconnects.WithLabelValues(s.pair.Exchange).Inc()
			if err := s.engine.Activate(runCtx); err != nil {
				cancel()
				s.logger.Error("Re-activation failed", zap.Bool("transient", domain.IsTransient(err)), zap.Error(err))
				if !s.wait(ctx, b.Duration()) {
					s.terminate()
					return
				}
				continue
			}
		}
		first = false

		stream, err := s.dial()
		if err != nil {
			cancel()
			s.logger.Error("Stream setup failed", zap.Bool("transient", domain.IsTransient(err)), zap.Error(err))
			if !s.cfg.AutoReconnect || !s.wait(ctx, b.Duration()) {
				s.terminate()
				return
			}
			continue
		}

		s.mu.Lock()
		s.stream = stream
		s.state = StateOpen
		s.mu.Unlock()

		started := time.Now()
		s.logger.Info("Order stream starting")
		err = stream.Run(runCtx, func(ev domain.FillEvent) { s.handleFill(ctx, ev) })
		cancel()

		s.mu.Lock()
		s.stream = nil
		s.cancel = nil
		closing := s.closing
		s.mu.Unlock()

		if closing {
			s.logger.Info("Order stream closed on request")
			s.terminate()
			return
		}
		if ctx.Err() != nil {
			s.logger.Info("Order stream closed on shutdown, orders preserved")
			s.terminate()
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Order stream lost", zap.Error(err))
		} else {
			s.logger.Warn("Order stream ended")
		}
		if !s.cfg.AutoReconnect {
			s.logger.Warn("Auto-reconnect disabled, terminating with orders preserved")
			s.terminate()
			return
		}
		if time.Since(started) > s.cfg.ReconnectMax {
			b.Reset()
		}
		if !s.wait(ctx, b.Duration()) {
			s.terminate()
			return
		}
	}
}

// wait sleeps for d. It returns false if the supervisor is asked to stop.
func (s *ConnectionSupervisor) wait(ctx context.Context, d time.Duration) bool {
	s.logger.Info("Reconnecting", zap.Duration("backoff", d))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *ConnectionSupervisor) terminate() {
	s.mu.Lock()
	liquidate := s.closing && s.liquidate
	s.state = StateTerminated
	s.mu.Unlock()

	if liquidate {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LiquidateTimeout)
		if err := s.engine.Liquidate(ctx); err != nil {
			s.logger.Error("Liquidation failed", zap.Error(err))
		}
		cancel()
	}
	s.engine.Close()
	s.logger.Info("Supervisor terminated", zap.Bool("liquidated", liquidate))
}

func (s *ConnectionSupervisor) handleFill(ctx context.Context, ev domain.FillEvent) {
	if ev.OrderID != "" {
		if _, dup := s.seen[ev.OrderID]; dup {
			s.logger.Debug("Duplicate fill ignored", zap.String("order_id", ev.OrderID))
			return
		}
		if len(s.seen) >= maxSeenOrders {
			s.seen = make(map[string]struct{})
		}
		s.seen[ev.OrderID] = struct{}{}
	}

	if _, err := s.engine.OnFill(ctx, ev.Price); err != nil {
		s.logger.Error("Fill processing failed", zap.String("price", ev.Price.String()), zap.Error(err))
	}
	if s.recorder != nil {
		go s.recorder.Record(context.Background(), ev)
	}
}
