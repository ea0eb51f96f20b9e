package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vitos/crypto_grid_ladder/internal/config"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	name := flag.String("exchange", "bybit", "configured exchange to check")
	symbol := flag.String("symbol", "BTC/USDT", "symbol to check")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var account *domain.ExchangeAccount
	for _, acc := range cfg.Accounts() {
		if acc.Exchange == strings.ToLower(*name) {
			account = acc
		}
	}
	if account == nil {
		fmt.Printf("Exchange %s is not configured\n", *name)
		os.Exit(1)
	}

	factory := exchange.NewFactory(exchange.HeartbeatConfig{}, exchange.HeartbeatConfig{}, cfg.PaperMarket(), zap.NewNop())
	gw, err := factory.Gateway(account)
	if err != nil {
		fmt.Printf("Failed to build gateway: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing %s interaction for %s...\n", gw.Name(), *symbol)
	if account.RESTEndpoint != "" {
		fmt.Printf("Endpoint: %s\n", account.RESTEndpoint)
	}
	if len(account.APIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", account.APIKey[:4])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 2. Public endpoints
	if m, err := gw.FetchMarketInfo(ctx, *symbol); err != nil {
		fmt.Printf("❌ Failed to get market info: %v\n", err)
	} else {
		fmt.Printf("✅ Market: step=%s tick=%s minNotional=%s\n", m.StepSize, m.TickSize, m.MinNotional)
	}
	if price, err := gw.FetchTicker(ctx, *symbol); err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (%s): %s\n", *symbol, price)
	}

	// 3. Private endpoints
	base, quote := domain.SplitSymbol(*symbol)
	if bal, err := gw.FetchBalance(ctx); err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
	} else {
		fmt.Printf("✅ Free %s=%s %s=%s\n", base, bal.Free(base), quote, bal.Free(quote))
	}
	orders, err := gw.FetchOpenOrders(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get open orders: %v\n", err)
		return
	}
	fmt.Printf("✅ %d open orders\n", len(orders))
	for _, o := range orders {
		fmt.Printf("  - %s %s %s @ %s\n", o.ID, o.Side, o.Quantity, o.Price)
	}
}
