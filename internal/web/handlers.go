package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"go.uber.org/zap"
)

type symbolRequest struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// statusFor maps registry errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotRunning), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnsupportedExchange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeSymbolRequest reads a JSON body, falling back to form or query values.
func decodeSymbolRequest(r *http.Request) (symbolRequest, error) {
	var req symbolRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.Exchange = r.FormValue("exchange")
	if req.Exchange == "" {
		req.Exchange = r.FormValue("exchange_name")
	}
	req.Symbol = r.FormValue("symbol")
	return req, nil
}

// handleStartSymbol accepts the start and activates in the background, since
// activation may place and cancel several orders.
func (s *Server) handleStartSymbol(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSymbolRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Exchange == "" {
		writeError(w, http.StatusBadRequest, "no exchange selected")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	go func() {
		if err := s.bots.Start(s.baseCtx, req.Exchange, req.Symbol); err != nil {
			s.logger.Error("Failed to start symbol",
				zap.String("exchange", req.Exchange), zap.String("symbol", req.Symbol), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": fmt.Sprintf("Started symbol %s on exchange %s", req.Symbol, req.Exchange),
	})
}

// handleStopSymbol stops one pair, or the symbol on every exchange when no
// exchange is given.
func (s *Server) handleStopSymbol(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSymbolRequest(r)
	if err != nil || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	if req.Exchange != "" {
		if err := s.bots.Stop(req.Exchange, req.Symbol); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	} else {
		target := domain.CanonicalSymbol(req.Symbol)
		stopped := 0
		for _, key := range s.bots.Pairs() {
			if key.Symbol != target {
				continue
			}
			if err := s.bots.Stop(key.Exchange, key.Symbol); err != nil {
				s.logger.Warn("Failed to stop pair", zap.String("pair", key.String()), zap.Error(err))
				continue
			}
			stopped++
		}
		if stopped == 0 {
			writeError(w, http.StatusNotFound, fmt.Sprintf("%s is not running", target))
			return
		}
	}

	exchange := req.Exchange
	if exchange == "" {
		exchange = "all exchanges"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Stopped %s on %s", req.Symbol, exchange),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSymbolRequest(r)
	if err != nil || req.Exchange == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "exchange and symbol are required")
		return
	}
	if err := s.bots.Restart(r.Context(), req.Exchange, req.Symbol); err != nil {
		s.logger.Error("Restart failed",
			zap.String("exchange", req.Exchange), zap.String("symbol", req.Symbol), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Restarted %s on %s", req.Symbol, req.Exchange),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	all := s.bots.StatusAll()
	global := "stopped"
	if len(all) > 0 {
		global = "running"
	}

	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"global_status": global,
			"symbol_status": map[string]string{symbol: s.bots.Status(symbol)},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"global_status":  global,
		"active_symbols": all,
	})
}

type levelsView struct {
	Pair    string               `json:"pair"`
	Running bool                 `json:"running"`
	TP      []decimal.Decimal    `json:"tp_levels"`
	SL      []decimal.Decimal    `json:"sl_levels"`
	History []*domain.OrderLevel `json:"history,omitempty"`
}

// handleLevels returns the live ladder of a running pair, or the stored one.
func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchange, symbol := q.Get("exchange"), q.Get("symbol")
	if exchange == "" || symbol == "" {
		writeError(w, http.StatusBadRequest, "exchange and symbol are required")
		return
	}
	key := domain.NewPairKey(exchange, symbol)
	view := levelsView{Pair: key.String()}

	if ladder, ok := s.bots.Ladder(exchange, symbol); ok {
		view.Running = true
		view.TP, view.SL = ladder.TP, ladder.SL
	} else {
		cfg, err := s.ladders.Load(r.Context(), key)
		if err != nil {
			s.logger.Error("Failed to load bot config", zap.String("pair", key.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load levels")
			return
		}
		if cfg == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no bot config for %s", key))
			return
		}
		view.TP, view.SL = cfg.TPLevels, cfg.SLLevels
	}

	account, err := s.accounts.GetAccountByExchange(r.Context(), key.Exchange)
	if err == nil && account != nil {
		history, err := s.levels.ListOrderLevels(r.Context(), account.ID, key.Symbol)
		if err != nil {
			s.logger.Warn("Failed to list order levels", zap.Error(err))
		}
		view.History = history
	}
	if view.TP == nil {
		view.TP = []decimal.Decimal{}
	}
	if view.SL == nil {
		view.SL = []decimal.Decimal{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	trades, err := s.trades.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []*domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}
