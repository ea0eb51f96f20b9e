package usecase_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"github.com/vitos/crypto_grid_ladder/internal/infrastructure/exchange"
	"github.com/vitos/crypto_grid_ladder/internal/infrastructure/storage"
	"github.com/vitos/crypto_grid_ladder/internal/usecase"
	"go.uber.org/zap"
)

type registryFixture struct {
	registry *usecase.BotRegistry
	paper    *exchange.PaperExchange
	store    *storage.SQLiteStore
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveAccount(ctx, &domain.ExchangeAccount{Exchange: "paper"}))

	factory := exchange.NewFactory(exchange.HeartbeatConfig{}, exchange.HeartbeatConfig{},
		domain.MarketInfo{StepSize: d("0.0001"), TickSize: d("0.01"), MinNotional: d("5")}, zap.NewNop())
	paper := factory.Paper("paper")
	paper.Deposit("USDT", d("1000"))
	paper.SetPrice("BTC/USDT", d("100"))

	registry := usecase.NewBotRegistry(ctx, usecase.RegistryDeps{
		Accounts:   store,
		Ladders:    store,
		Levels:     store,
		Trades:     store,
		Normalizer: exchange.NewNormalizer(),
		Gateways:   factory.Gateway,
		Streams:    factory.Stream,
	}, usecase.RegistryConfig{
		Defaults:   domain.BotDefaults{Amount: d("10"), TPPercent: 1, SLPercent: 1},
		Supervisor: fastReconnect,
	}, zap.NewNop())

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(func() {
		registry.StopAll(stopCtx)
		cancel()
	})
	return &registryFixture{registry: registry, paper: paper, store: store}
}

func (f *registryFixture) running(symbol string) func() bool {
	return func() bool { return f.registry.Status(symbol) == usecase.StatusRunning }
}

func (f *registryFixture) openOrders() int {
	orders, err := f.paper.FetchOpenOrders(context.Background(), "BTC/USDT")
	if err != nil {
		return -1
	}
	return len(orders)
}

func TestRegistry_StartRunsLadderOnFills(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Start(ctx, "Paper", "btc/usdt"))
	require.Eventually(t, f.running("BTC/USDT"), time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"paper:BTC/USDT": usecase.StatusRunning}, f.registry.StatusAll())
	assert.Equal(t, usecase.StatusStopped, f.registry.Status("ETH/USDT"))
	assert.Equal(t, 4, f.openOrders())

	l, ok := f.registry.Ladder("paper", "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, []string{"101"}, strs(l.TP))

	f.paper.SetPrice("BTC/USDT", d("99"))
	require.Eventually(t, func() bool {
		l, _ := f.registry.Ladder("paper", "BTC/USDT")
		return len(l.TP) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		trades, err := f.store.ListTrades(ctx, 10)
		return err == nil && len(trades) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cfg, err := f.store.Load(ctx, domain.NewPairKey("paper", "BTC/USDT"))
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "99.99"}, strs(cfg.TPLevels))
}

func TestRegistry_DuplicateStartRejected(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx, "paper", "BTC/USDT"))
	assert.ErrorIs(t, f.registry.Start(ctx, "paper", "BTC/USDT"), domain.ErrAlreadyRunning)
}

func TestRegistry_StartErrors(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.registry.Start(ctx, "bybit", "BTC/USDT"), domain.ErrNotFound)
	// no paper price for ETH, activation fails and nothing is registered
	assert.Error(t, f.registry.Start(ctx, "paper", "ETH/USDT"))
	assert.Empty(t, f.registry.Pairs())
	assert.ErrorIs(t, f.registry.Stop("paper", "ETH/USDT"), domain.ErrNotRunning)
}

func TestRegistry_StopLiquidates(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx, "paper", "BTC/USDT"))
	require.Eventually(t, f.running("BTC/USDT"), time.Second, 5*time.Millisecond)

	require.NoError(t, f.registry.Stop("paper", "BTC/USDT"))
	assert.Empty(t, f.registry.Pairs())

	require.Eventually(t, func() bool {
		bal, _ := f.paper.FetchBalance(ctx)
		return f.openOrders() == 0 && bal.Free("BTC").IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_RestartKeepsOrders(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx, "paper", "BTC/USDT"))
	require.Eventually(t, f.running("BTC/USDT"), time.Second, 5*time.Millisecond)
	before, _ := f.registry.Ladder("paper", "BTC/USDT")

	require.NoError(t, f.registry.Restart(ctx, "paper", "BTC/USDT"))
	require.Eventually(t, f.running("BTC/USDT"), time.Second, 5*time.Millisecond)

	after, ok := f.registry.Ladder("paper", "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, strs(before.TP), strs(after.TP))
	assert.Equal(t, strs(before.SL), strs(after.SL))
	assert.Equal(t, 4, f.openOrders())
}

func TestRegistry_StopAllPreservesOrders(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx, "paper", "BTC/USDT"))
	require.Eventually(t, f.running("BTC/USDT"), time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	f.registry.StopAll(stopCtx)

	require.Eventually(t, func() bool { return len(f.registry.Pairs()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, f.openOrders())
}

func TestRegistry_StopThenStartKeepsNewLadder(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx, "paper", "BTC/USDT"))
	require.Eventually(t, f.running("BTC/USDT"), time.Second, 5*time.Millisecond)

	require.NoError(t, f.registry.Stop("paper", "BTC/USDT"))
	require.NoError(t, f.registry.Start(ctx, "paper", "BTC/USDT"))
	require.Eventually(t, f.running("BTC/USDT"), time.Second, 5*time.Millisecond)

	// the old connection's liquidation finished before the new ladder was built
	assert.Never(t, func() bool { return f.openOrders() != 4 }, 200*time.Millisecond, 10*time.Millisecond)
	l, ok := f.registry.Ladder("paper", "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, []string{"101"}, strs(l.TP))
	assert.Equal(t, []string{"99", "98.01", "97.03"}, strs(l.SL))

	bal, err := f.paper.FetchBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1", bal["BTC"].Locked.String())
}
