package domain

import "errors"

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrBelowMinNotional     = errors.New("order value below exchange minimum")
	ErrOrderRejected        = errors.New("order rejected by exchange")
	ErrOrderNotFound        = errors.New("order not found")
	ErrRateLimited          = errors.New("rate limited by exchange")
	ErrConnectionFailed     = errors.New("exchange connection failed")
	ErrAuthenticationFailed = errors.New("exchange authentication failed")
	ErrUnsupportedExchange  = errors.New("unsupported exchange")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyRunning       = errors.New("bot already running")
	ErrNotRunning           = errors.New("bot not running")
)

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnectionFailed)
}

// PlacementResult classifies the outcome of a single order placement.
type PlacementResult string

const (
	PlacementOK                  PlacementResult = "ok"
	PlacementSkipped             PlacementResult = "skipped"
	PlacementInsufficientBalance PlacementResult = "insufficient_balance"
	PlacementExchangeRejected    PlacementResult = "rejected"
)

// ClassifyPlacement maps a placement error to a result.
func ClassifyPlacement(err error) PlacementResult {
	switch {
	case err == nil:
		return PlacementOK
	case errors.Is(err, ErrBelowMinNotional):
		return PlacementSkipped
	case errors.Is(err, ErrInsufficientBalance):
		return PlacementInsufficientBalance
	default:
		return PlacementExchangeRejected
	}
}
