package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/metrics"
	"github.com/vitos/crypto_grid_ladder/internal/usecase"
	"go.uber.org/zap"
)

// BotController is the part of usecase.BotRegistry the API drives.
type BotController interface {
	Start(ctx context.Context, exchange, symbol string) error
	Stop(exchange, symbol string) error
	Restart(ctx context.Context, exchange, symbol string) error
	Status(symbol string) string
	StatusAll() map[string]string
	Pairs() []domain.PairKey
	Ladder(exchange, symbol string) (usecase.Ladder, bool)
}

type Server struct {
	router   *http.ServeMux
	server   *http.Server
	bots     BotController
	accounts domain.AccountRepository
	ladders  domain.LadderStore
	levels   domain.OrderLevelRepository
	trades   domain.TradeRepository
	// baseCtx outlives requests; asynchronous starts run under it.
	baseCtx context.Context
	logger  *zap.Logger
}

func NewServer(
	ctx context.Context,
	port int,
	bots BotController,
	accounts domain.AccountRepository,
	ladders domain.LadderStore,
	levels domain.OrderLevelRepository,
	trades domain.TradeRepository,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:   http.NewServeMux(),
		bots:     bots,
		accounts: accounts,
		ladders:  ladders,
		levels:   levels,
		trades:   trades,
		baseCtx:  ctx,
		logger:   logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Bot control
	s.router.HandleFunc("POST /grid-bot/start-symbol", s.handleStartSymbol)
	s.router.HandleFunc("POST /stop_symbol", s.handleStopSymbol)
	s.router.HandleFunc("POST /grid-bot/restart", s.handleRestart)
	s.router.HandleFunc("GET /grid-bot/status", s.handleStatus)

	// Ladder state and history
	s.router.HandleFunc("GET /api/levels", s.handleLevels)
	s.router.HandleFunc("GET /api/trades", s.handleTrades)

	s.router.Handle("GET /metrics", metrics.Handler())
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
