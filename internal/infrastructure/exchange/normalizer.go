package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
)

// Normalizer turns raw fill payloads of every supported exchange into
// TradeRecords.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

func (n *Normalizer) Normalize(exchange string, raw []byte) (*domain.TradeRecord, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty %s fill payload", exchange)
	}
	switch strings.ToLower(exchange) {
	case "binance":
		return normalizeBinance(raw)
	case "bybit":
		return normalizeBybit(raw)
	case "paper":
		return normalizePaper(raw)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedExchange, exchange)
	}
}

func sideFromExchange(s string) domain.Side {
	if strings.EqualFold(s, "sell") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func normalizeBinance(raw []byte) (*domain.TradeRecord, error) {
	var m struct {
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		Type            string `json:"o"`
		OrderID         int64  `json:"i"`
		TradeID         int64  `json:"t"`
		FilledVolume    string `json:"z"`
		LatestVolume    string `json:"l"`
		LatestPrice     string `json:"L"`
		Price           string `json:"p"`
		FeeCost         string `json:"n"`
		FeeAsset        string `json:"N"`
		TransactionTime int64  `json:"T"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode binance fill: %w", err)
	}
	amount := parseDecimal(m.FilledVolume)
	if !amount.IsPositive() {
		amount = parseDecimal(m.LatestVolume)
	}
	price, _ := firstPositive(m.LatestPrice, m.Price)
	return &domain.TradeRecord{
		Exchange:    "binance",
		Symbol:      m.Symbol,
		OrderID:     strconv.FormatInt(m.OrderID, 10),
		TradeID:     strconv.FormatInt(m.TradeID, 10),
		Side:        sideFromExchange(m.Side),
		OrderType:   strings.ToLower(m.Type),
		Amount:      amount,
		Price:       price,
		Fee:         parseDecimal(m.FeeCost),
		FeeCurrency: m.FeeAsset,
		Cost:        amount.Mul(price),
		ExecutedAt:  millis(m.TransactionTime),
	}, nil
}

func normalizeBybit(raw []byte) (*domain.TradeRecord, error) {
	var m struct {
		Symbol       string `json:"symbol"`
		OrderID      string `json:"orderId"`
		OrderLinkID  string `json:"orderLinkId"`
		Side         string `json:"side"`
		OrderType    string `json:"orderType"`
		Price        string `json:"price"`
		AvgPrice     string `json:"avgPrice"`
		CumExecQty   string `json:"cumExecQty"`
		CumExecValue string `json:"cumExecValue"`
		CumExecFee   string `json:"cumExecFee"`
		FeeCurrency  string `json:"feeCurrency"`
		UpdatedTime  string `json:"updatedTime"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode bybit fill: %w", err)
	}
	amount := parseDecimal(m.CumExecQty)
	price, _ := firstPositive(m.AvgPrice, m.Price)
	cost := parseDecimal(m.CumExecValue)
	if !cost.IsPositive() {
		cost = amount.Mul(price)
	}
	ts, _ := strconv.ParseInt(m.UpdatedTime, 10, 64)
	return &domain.TradeRecord{
		Exchange:    "bybit",
		Symbol:      m.Symbol,
		OrderID:     m.OrderID,
		TradeID:     m.OrderLinkID,
		Side:        sideFromExchange(m.Side),
		OrderType:   strings.ToLower(m.OrderType),
		Amount:      amount,
		Price:       price,
		Fee:         parseDecimal(m.CumExecFee),
		FeeCurrency: m.FeeCurrency,
		Cost:        cost,
		ExecutedAt:  millis(ts),
	}, nil
}

// paperFill is the payload the paper exchange emits.
type paperFill struct {
	OrderID  string          `json:"orderId"`
	Symbol   string          `json:"symbol"`
	Side     domain.Side     `json:"side"`
	Type     string          `json:"type"`
	Quantity decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Time     int64           `json:"time"`
}

func normalizePaper(raw []byte) (*domain.TradeRecord, error) {
	var m paperFill
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode paper fill: %w", err)
	}
	return &domain.TradeRecord{
		Exchange:   "paper",
		Symbol:     m.Symbol,
		OrderID:    m.OrderID,
		TradeID:    m.OrderID,
		Side:       m.Side,
		OrderType:  m.Type,
		Amount:     m.Quantity,
		Price:      m.Price,
		Cost:       m.Quantity.Mul(m.Price),
		ExecutedAt: millis(m.Time),
	}, nil
}
