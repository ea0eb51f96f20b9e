package exchange

import (
	"fmt"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"go.uber.org/zap"
)

// Factory builds gateways and order streams from stored accounts. Paper
// gateways are cached per account so their streams see the same book.
type Factory struct {
	heartbeat HeartbeatConfig
	keepalive HeartbeatConfig
	paper     domain.MarketInfo
	logger    *zap.Logger

	mu          sync.Mutex
	paperByAcct map[string]*PaperExchange
}

// NewFactory takes the Bybit ping cadence, the Binance listen-key keepalive
// cadence and the constraints paper accounts trade under.
func NewFactory(heartbeat, keepalive HeartbeatConfig, paper domain.MarketInfo, logger *zap.Logger) *Factory {
	binance.WebsocketKeepalive = true
	return &Factory{
		heartbeat:   heartbeat,
		keepalive:   keepalive,
		paper:       paper,
		logger:      logger,
		paperByAcct: make(map[string]*PaperExchange),
	}
}

func (f *Factory) Gateway(account *domain.ExchangeAccount) (domain.Exchange, error) {
	switch strings.ToLower(account.Exchange) {
	case "bybit":
		return NewBybitAdapter(account.APIKey, account.APISecret, account.RESTEndpoint, f.logger), nil
	case "binance":
		return NewBinanceAdapter(account.APIKey, account.APISecret, account.RESTEndpoint, f.logger), nil
	case "paper":
		return f.Paper(account.Exchange), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedExchange, account.Exchange)
	}
}

// Paper returns the shared paper exchange for name.
func (f *Factory) Paper(name string) *PaperExchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.paperByAcct[name]
	if !ok {
		p = NewPaperExchange(f.paper)
		f.paperByAcct[name] = p
	}
	return p
}

func (f *Factory) Stream(account *domain.ExchangeAccount, gateway domain.Exchange, symbol string) (domain.OrderStream, error) {
	switch gw := gateway.(type) {
	case *BybitAdapter:
		return NewBybitOrderStream(account.APIKey, account.APISecret, account.WSEndpoint, symbol, f.heartbeat, f.logger), nil
	case *BinanceAdapter:
		return NewBinanceOrderStream(gw.Client(), symbol, f.keepalive, f.logger), nil
	case *PaperExchange:
		return NewPaperOrderStream(gw, symbol), nil
	default:
		return nil, fmt.Errorf("%w: no order stream for %s", domain.ErrUnsupportedExchange, gateway.Name())
	}
}
