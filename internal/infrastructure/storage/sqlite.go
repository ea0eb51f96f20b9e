package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS exchange_accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL UNIQUE,
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			balance TEXT NOT NULL DEFAULT '0',
			leverage REAL NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS symbols (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS bot_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange_account_id INTEGER NOT NULL REFERENCES exchange_accounts(id),
			symbol_id INTEGER NOT NULL REFERENCES symbols(id),
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			amount TEXT NOT NULL,
			tp_percent REAL NOT NULL,
			sl_percent REAL NOT NULL,
			tp_levels_json TEXT NOT NULL DEFAULT '[]',
			sl_levels_json TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL,
			UNIQUE (exchange, symbol)
		);`,
		`CREATE TABLE IF NOT EXISTS order_levels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange_account_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			price TEXT NOT NULL,
			order_type TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_levels_account_symbol ON order_levels(exchange_account_id, symbol);`,
		`CREATE TABLE IF NOT EXISTS trade_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange_account_id INTEGER NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			order_id TEXT NOT NULL,
			trade_id TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL,
			order_type TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			price TEXT NOT NULL,
			fee TEXT NOT NULL DEFAULT '0',
			fee_currency TEXT NOT NULL DEFAULT '',
			cost TEXT NOT NULL DEFAULT '0',
			executed_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Migration: endpoint overrides were added after the first release.
	// We ignore the error if the column already exists
	_, _ = s.db.Exec(`ALTER TABLE exchange_accounts ADD COLUMN rest_endpoint TEXT NOT NULL DEFAULT ''`)
	_, _ = s.db.Exec(`ALTER TABLE exchange_accounts ADD COLUMN ws_endpoint TEXT NOT NULL DEFAULT ''`)

	return nil
}

// AccountRepository Implementation

func (s *SQLiteStore) SaveAccount(ctx context.Context, a *domain.ExchangeAccount) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO exchange_accounts (exchange, api_key, api_secret, balance, leverage, rest_endpoint, ws_endpoint, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(exchange) DO UPDATE SET
			  api_key=excluded.api_key,
			  api_secret=excluded.api_secret,
			  balance=excluded.balance,
			  leverage=excluded.leverage,
			  rest_endpoint=excluded.rest_endpoint,
			  ws_endpoint=excluded.ws_endpoint`
	_, err := s.db.ExecContext(ctx, query, a.Exchange, a.APIKey, a.APISecret, a.Balance, a.Leverage,
		a.RESTEndpoint, a.WSEndpoint, a.CreatedAt)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `SELECT id FROM exchange_accounts WHERE exchange = ?`, a.Exchange).Scan(&a.ID)
}

const accountColumns = `id, exchange, api_key, api_secret, balance, leverage, rest_endpoint, ws_endpoint, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*domain.ExchangeAccount, error) {
	var a domain.ExchangeAccount
	if err := row.Scan(&a.ID, &a.Exchange, &a.APIKey, &a.APISecret, &a.Balance, &a.Leverage,
		&a.RESTEndpoint, &a.WSEndpoint, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccountByExchange returns nil, nil when no account is stored.
func (s *SQLiteStore) GetAccountByExchange(ctx context.Context, exchange string) (*domain.ExchangeAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM exchange_accounts WHERE exchange = ?`, exchange)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*domain.ExchangeAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM exchange_accounts ORDER BY exchange`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.ExchangeAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Symbols

// EnsureSymbol returns the id of symbol, inserting it if needed.
func (s *SQLiteStore) EnsureSymbol(ctx context.Context, symbol string) (int64, error) {
	symbol = domain.CanonicalSymbol(symbol)
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO symbols (symbol) VALUES (?)`, symbol); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM symbols WHERE symbol = ?`, symbol).Scan(&id)
	return id, err
}

func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol FROM symbols ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// RemoveSymbol deletes a symbol together with every bot config that trades it.
func (s *SQLiteStore) RemoveSymbol(ctx context.Context, symbol string) error {
	symbol = domain.CanonicalSymbol(symbol)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_configs WHERE symbol = ?`, symbol); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM symbols WHERE symbol = ?`, symbol)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
	}
	return tx.Commit()
}

// LadderStore Implementation

const botConfigColumns = `id, exchange_account_id, symbol_id, exchange, symbol, amount, tp_percent, sl_percent, tp_levels_json, sl_levels_json, updated_at`

func scanBotConfig(row interface{ Scan(...any) error }) (*domain.BotConfig, error) {
	var (
		c      domain.BotConfig
		tpJSON string
		slJSON string
	)
	if err := row.Scan(&c.ID, &c.ExchangeAccountID, &c.SymbolID, &c.Exchange, &c.Symbol, &c.Amount,
		&c.TPPercent, &c.SLPercent, &tpJSON, &slJSON, &c.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.TPLevels, err = decodeLevels(tpJSON); err != nil {
		return nil, fmt.Errorf("decode tp levels of %s: %w", c.Symbol, err)
	}
	if c.SLLevels, err = decodeLevels(slJSON); err != nil {
		return nil, fmt.Errorf("decode sl levels of %s: %w", c.Symbol, err)
	}
	return &c, nil
}

// decodeLevels accepts both quoted strings and bare JSON numbers.
func decodeLevels(raw string) ([]decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	var levels []decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &levels); err != nil {
		return nil, err
	}
	return levels, nil
}

func encodeLevels(levels []decimal.Decimal) (string, error) {
	if levels == nil {
		levels = []decimal.Decimal{}
	}
	b, err := json.Marshal(levels)
	return string(b), err
}

func (s *SQLiteStore) Load(ctx context.Context, pair domain.PairKey) (*domain.BotConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botConfigColumns+` FROM bot_configs WHERE exchange = ? AND symbol = ?`,
		pair.Exchange, pair.Symbol)
	c, err := scanBotConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) SaveLevels(ctx context.Context, pair domain.PairKey, tp, sl []decimal.Decimal) error {
	tpJSON, err := encodeLevels(tp)
	if err != nil {
		return err
	}
	slJSON, err := encodeLevels(sl)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_configs SET tp_levels_json = ?, sl_levels_json = ?, updated_at = ? WHERE exchange = ? AND symbol = ?`,
		tpJSON, slJSON, time.Now().UTC(), pair.Exchange, pair.Symbol)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bot config %s: %w", pair, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CreateDefault(ctx context.Context, pair domain.PairKey, accountID int64, defaults domain.BotDefaults) (*domain.BotConfig, error) {
	symbolID, err := s.EnsureSymbol(ctx, pair.Symbol)
	if err != nil {
		return nil, err
	}

	// Copy sizing from any existing config so every pair starts alike.
	var (
		amount = defaults.Amount
		tp     = defaults.TPPercent
		sl     = defaults.SLPercent
	)
	row := s.db.QueryRowContext(ctx, `SELECT amount, tp_percent, sl_percent FROM bot_configs ORDER BY id LIMIT 1`)
	var (
		existingAmount decimal.Decimal
		existingTP     float64
		existingSL     float64
	)
	switch err := row.Scan(&existingAmount, &existingTP, &existingSL); {
	case err == nil:
		amount, tp, sl = existingAmount, existingTP, existingSL
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO bot_configs
		(exchange_account_id, symbol_id, exchange, symbol, amount, tp_percent, sl_percent, tp_levels_json, sl_levels_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '[]', '[]', ?)
		ON CONFLICT(exchange, symbol) DO NOTHING`,
		accountID, symbolID, pair.Exchange, pair.Symbol, amount, tp, sl, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, pair)
}

// SaveBotConfig updates the sizing of an existing config.
func (s *SQLiteStore) SaveBotConfig(ctx context.Context, c *domain.BotConfig) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bot_configs SET amount = ?, tp_percent = ?, sl_percent = ?, updated_at = ? WHERE exchange = ? AND symbol = ?`,
		c.Amount, c.TPPercent, c.SLPercent, time.Now().UTC(), c.Exchange, c.Symbol)
	return err
}

func (s *SQLiteStore) ListBotConfigs(ctx context.Context) ([]*domain.BotConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botConfigColumns+` FROM bot_configs ORDER BY exchange, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.BotConfig
	for rows.Next() {
		c, err := scanBotConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OrderLevelRepository Implementation

func (s *SQLiteStore) CreateOrderLevel(ctx context.Context, l *domain.OrderLevel) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `INSERT INTO order_levels
		(exchange_account_id, symbol, price, order_type, order_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ExchangeAccountID, l.Symbol, l.Price.String(), string(l.Kind), l.OrderID, string(l.Status), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

// UpdateOrderLevelStatus moves the newest open row at price to status.
func (s *SQLiteStore) UpdateOrderLevelStatus(ctx context.Context, accountID int64, symbol string, kind domain.LevelKind, price decimal.Decimal, status domain.LevelStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE order_levels SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM order_levels
			WHERE exchange_account_id = ? AND symbol = ? AND order_type = ? AND price = ? AND status = ?
			ORDER BY id DESC LIMIT 1
		)`,
		string(status), time.Now().UTC(), accountID, symbol, string(kind), price.String(), string(domain.LevelOpen))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("open %s level %s at %s: %w", kind, symbol, price, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListOrderLevels(ctx context.Context, accountID int64, symbol string) ([]*domain.OrderLevel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, exchange_account_id, symbol, price, order_type, order_id, status, created_at, updated_at
		FROM order_levels WHERE exchange_account_id = ? AND symbol = ? ORDER BY id`, accountID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.OrderLevel
	for rows.Next() {
		var (
			l      domain.OrderLevel
			kind   string
			status string
		)
		if err := rows.Scan(&l.ID, &l.ExchangeAccountID, &l.Symbol, &l.Price, &kind, &l.OrderID, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Kind = domain.LevelKind(kind)
		l.Status = domain.LevelStatus(status)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// TradeRepository Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.TradeRecord) error {
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO trade_records
		(exchange_account_id, exchange, symbol, order_id, trade_id, side, order_type, amount, price, fee, fee_currency, cost, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ExchangeAccountID, t.Exchange, t.Symbol, t.OrderID, t.TradeID, string(t.Side), t.OrderType,
		t.Amount, t.Price, t.Fee, t.FeeCurrency, t.Cost, t.ExecutedAt)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, exchange_account_id, exchange, symbol, order_id, trade_id, side, order_type,
		amount, price, fee, fee_currency, cost, executed_at
		FROM trade_records ORDER BY executed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TradeRecord
	for rows.Next() {
		var (
			t    domain.TradeRecord
			side string
		)
		if err := rows.Scan(&t.ID, &t.ExchangeAccountID, &t.Exchange, &t.Symbol, &t.OrderID, &t.TradeID, &side, &t.OrderType,
			&t.Amount, &t.Price, &t.Fee, &t.FeeCurrency, &t.Cost, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		out = append(out, &t)
	}
	return out, rows.Err()
}
