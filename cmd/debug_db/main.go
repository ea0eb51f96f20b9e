package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/crypto_grid_ladder/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "bot.db", "sqlite database path")
	remove := flag.String("remove", "", "delete a symbol and its ladders, e.g. BTC/USDT")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	if *remove != "" {
		if err := store.RemoveSymbol(ctx, *remove); err != nil {
			fmt.Printf("❌ Failed to remove %s: %v\n", *remove, err)
			os.Exit(1)
		}
		fmt.Printf("✅ Removed %s\n", *remove)
	}

	symbols, err := store.ListSymbols(ctx)
	if err != nil {
		fmt.Printf("Failed to list symbols: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Tracked symbols: %v\n", symbols)

	configs, err := store.ListBotConfigs(ctx)
	if err != nil {
		fmt.Printf("Failed to list bot configs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d ladders:\n", len(configs))
	for _, c := range configs {
		fmt.Printf("- %s amount=%s tp%%=%.2f sl%%=%.2f updated=%s\n",
			c.Pair(), c.Amount, c.TPPercent, c.SLPercent, c.UpdatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("  TP: %v\n", c.TPLevels)
		fmt.Printf("  SL: %v\n", c.SLLevels)

		levels, err := store.ListOrderLevels(ctx, c.ExchangeAccountID, c.Symbol)
		if err != nil {
			fmt.Printf("  ❌ Failed to list order levels: %v\n", err)
			continue
		}
		for _, l := range levels {
			fmt.Printf("  %s %-3s %s %s %s\n", l.CreatedAt.Format("15:04:05"), l.Kind, l.Price, l.Status, l.OrderID)
		}
	}

	trades, err := store.ListTrades(ctx, 20)
	if err != nil {
		fmt.Printf("Failed to list trades: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Last %d trades:\n", len(trades))
	for _, t := range trades {
		fmt.Printf("- %s %s %s %s %s @ %s\n", t.ExecutedAt.Format("2006-01-02 15:04:05"), t.Exchange, t.Symbol, t.Side, t.Amount, t.Price)
	}
}
