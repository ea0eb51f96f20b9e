package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/config"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/infrastructure/exchange"
	"github.com/vitos/crypto_grid_ladder/internal/infrastructure/logger"
	"github.com/vitos/crypto_grid_ladder/internal/infrastructure/storage"
	"github.com/vitos/crypto_grid_ladder/internal/usecase"
	"github.com/vitos/crypto_grid_ladder/internal/web"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	outputs := []string{"stdout"}
	if cfg.Logging.File != "" {
		outputs = append(outputs, cfg.Logging.File)
	}
	log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Encoding, outputs...)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, acc := range cfg.Accounts() {
		if err := store.SaveAccount(ctx, acc); err != nil {
			log.Fatal("Failed to store exchange account", zap.String("exchange", acc.Exchange), zap.Error(err))
		}
	}

	// 4. Exchanges
	factory := exchange.NewFactory(
		exchange.HeartbeatConfig{Interval: cfg.Grid.HeartbeatInterval, MaxMisses: cfg.Grid.HeartbeatMaxMisses},
		exchange.HeartbeatConfig{Interval: cfg.Grid.ListenKeyKeepalive, MaxMisses: cfg.Grid.HeartbeatMaxMisses},
		cfg.PaperMarket(),
		log,
	)
	seedPaper(cfg, factory)

	// 5. Registry
	registry := usecase.NewBotRegistry(ctx, usecase.RegistryDeps{
		Accounts:   store,
		Ladders:    store,
		Levels:     store,
		Trades:     store,
		Normalizer: exchange.NewNormalizer(),
		Gateways:   factory.Gateway,
		Streams:    factory.Stream,
	}, usecase.RegistryConfig{
		Defaults:    cfg.BotDefaults(),
		SettleDelay: cfg.Grid.SettleDelay,
		Supervisor: usecase.SupervisorConfig{
			AutoReconnect: cfg.Grid.AutoReconnect,
			ReconnectMin:  cfg.Grid.ReconnectMin,
			ReconnectMax:  cfg.Grid.ReconnectMax,
		},
	}, log)

	for _, entry := range cfg.Grid.Autostart {
		ex, symbol, _ := strings.Cut(entry, ":")
		if err := registry.Start(ctx, ex, symbol); err != nil {
			log.Error("Autostart failed", zap.String("pair", entry), zap.Error(err))
		}
	}

	// 6. Web Server
	server := web.NewServer(ctx, cfg.Server.Port, registry, store, store, store, store, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 7. Wait for Shutdown
	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("Web server shutdown failed", zap.Error(err))
	}
	registry.StopAll(shutdownCtx)
}

// seedPaper credits configured deposits and opening prices to every paper account.
func seedPaper(cfg *config.Config, factory *exchange.Factory) {
	for _, acc := range cfg.Accounts() {
		if acc.Exchange != "paper" {
			continue
		}
		p := factory.Paper(acc.Exchange)
		for asset, amount := range cfg.Paper.Deposits {
			p.Deposit(asset, decimal.RequireFromString(amount))
		}
		for symbol, price := range cfg.Paper.Prices {
			p.SetPrice(domain.CanonicalSymbol(symbol), decimal.RequireFromString(price))
		}
	}
}
