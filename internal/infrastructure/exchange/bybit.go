package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL      = "https://api.bybit.com"
	BybitPrivateWSURL = "wss://stream.bybit.com/v5/private"

	bybitRecvWindow = 5000
)

// BybitAdapter trades Bybit v5 spot through the signed REST API.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	logger    *zap.Logger
}

func NewBybitAdapter(apiKey, apiSecret, baseURL string, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

func (b *BybitAdapter) Name() string {
	return "bybit"
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sendRequest signs and sends a request and returns the "result" object.
// GET parameters go in query, POST parameters in payload.
func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, query url.Values, payload map[string]interface{}) (json.RawMessage, error) {
	timestamp := time.Now().UnixMilli()

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if len(query) > 0 {
		paramsStr = query.Encode()
		path += "?" + paramsStr
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, bybitRecvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(bybitRecvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, string(respBody))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	var env bybitEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if env.RetCode != 0 {
		return nil, bybitError(env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

// bybitError maps v5 return codes onto domain errors.
func bybitError(code int, msg string) error {
	var kind error
	switch code {
	case 10006, 10018:
		kind = domain.ErrRateLimited
	case 10003, 10004, 10005, 33004:
		kind = domain.ErrAuthenticationFailed
	case 170131, 170033, 110007, 110004:
		kind = domain.ErrInsufficientBalance
	case 170136, 170140:
		kind = domain.ErrBelowMinNotional
	case 110001, 170213:
		kind = domain.ErrOrderNotFound
	default:
		kind = domain.ErrOrderRejected
	}
	return fmt.Errorf("%w: bybit %d %s", kind, code, msg)
}

func bybitDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (b *BybitAdapter) FetchMarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	q := url.Values{"category": {"spot"}, "symbol": {domain.ExchangeSymbol(symbol)}}
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/market/instruments-info", q, nil)
	if err != nil {
		return domain.MarketInfo{}, err
	}
	var result struct {
		List []struct {
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.MarketInfo{}, err
	}
	if len(result.List) == 0 {
		return domain.MarketInfo{}, fmt.Errorf("instrument %s: %w", symbol, domain.ErrNotFound)
	}
	it := result.List[0]
	return domain.MarketInfo{
		StepSize:    bybitDecimal(it.LotSizeFilter.BasePrecision),
		TickSize:    bybitDecimal(it.PriceFilter.TickSize),
		MinNotional: bybitDecimal(it.LotSizeFilter.MinOrderAmt),
	}.WithFallbacks(), nil
}

func (b *BybitAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	q := url.Values{"category": {"spot"}, "symbol": {domain.ExchangeSymbol(symbol)}, "openOnly": {"0"}, "limit": {"50"}}
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/order/realtime", q, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []struct {
			OrderID string `json:"orderId"`
			Side    string `json:"side"`
			Price   string `json:"price"`
			Qty     string `json:"qty"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	orders := make([]domain.OpenOrder, 0, len(result.List))
	for _, o := range result.List {
		orders = append(orders, domain.OpenOrder{
			ID:       o.OrderID,
			Symbol:   domain.CanonicalSymbol(symbol),
			Side:     domain.Side(strings.ToLower(o.Side)),
			Price:    bybitDecimal(o.Price),
			Quantity: bybitDecimal(o.Qty),
		})
	}
	return orders, nil
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	_, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, map[string]interface{}{
		"category": "spot",
		"symbol":   domain.ExchangeSymbol(symbol),
		"orderId":  orderID,
	})
	return err
}

func (b *BybitAdapter) FetchBalance(ctx context.Context) (domain.Balances, error) {
	q := url.Values{"accountType": {"UNIFIED"}}
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	balances := make(domain.Balances)
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			total := bybitDecimal(c.WalletBalance)
			locked := bybitDecimal(c.Locked)
			free := total.Sub(locked)
			if free.IsNegative() {
				free = decimal.Zero
			}
			balances[strings.ToUpper(c.Coin)] = domain.AssetBalance{Free: free, Locked: locked}
		}
	}
	return balances, nil
}

func (b *BybitAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{"category": {"spot"}, "symbol": {domain.ExchangeSymbol(symbol)}}
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/market/tickers", q, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return decimal.NewFromString(result.List[0].LastPrice)
}

func (b *BybitAdapter) placeOrder(ctx context.Context, symbol, side, orderType string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	payload := map[string]interface{}{
		"category":    "spot",
		"symbol":      domain.ExchangeSymbol(symbol),
		"side":        side,
		"orderType":   orderType,
		"qty":         qty.String(),
		"orderLinkId": uuid.NewString(),
	}
	if orderType == "Market" {
		// qty is in base units for both sides
		payload["marketUnit"] = "baseCoin"
	} else {
		payload["price"] = price.String()
		payload["timeInForce"] = "GTC"
	}

	raw, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload)
	if err != nil {
		return decimal.Zero, err
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	_ = json.Unmarshal(raw, &result)
	b.logger.Debug("Bybit order accepted",
		zap.String("symbol", symbol), zap.String("side", side), zap.String("type", orderType),
		zap.String("order_id", result.OrderID))
	// v5 create only echoes ids; a limit order rests at the requested price.
	return price, nil
}

func (b *BybitAdapter) CreateMarketBuy(ctx context.Context, symbol string, size decimal.Decimal) error {
	_, err := b.placeOrder(ctx, symbol, "Buy", "Market", size, decimal.Zero)
	return err
}

func (b *BybitAdapter) CreateMarketSell(ctx context.Context, symbol string, size decimal.Decimal) error {
	_, err := b.placeOrder(ctx, symbol, "Sell", "Market", size, decimal.Zero)
	return err
}

func (b *BybitAdapter) CreateLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	return b.placeOrder(ctx, symbol, "Sell", "Limit", qty, price)
}

func (b *BybitAdapter) CreateLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	return b.placeOrder(ctx, symbol, "Buy", "Limit", qty, price)
}
