package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_ladder/internal/domain"
	"gopkg.in/yaml.v3"
)

type ExchangeConfig struct {
	Name         string `yaml:"name"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	WSEndpoint   string `yaml:"ws_endpoint"`
	RESTEndpoint string `yaml:"rest_endpoint"`
	Balance      string `yaml:"balance"` // per-rung spend; empty uses the bot config amount
}

type GridConfig struct {
	SettleDelay        time.Duration `yaml:"settle_delay"`
	ReconnectMin       time.Duration `yaml:"reconnect_min"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	AutoReconnect      bool          `yaml:"auto_reconnect"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMaxMisses int           `yaml:"heartbeat_max_misses"`
	ListenKeyKeepalive time.Duration `yaml:"listen_key_keepalive"`
	DefaultAmount      string        `yaml:"default_amount"`
	DefaultTPPercent   float64       `yaml:"default_tp_percent"`
	DefaultSLPercent   float64       `yaml:"default_sl_percent"`
	Autostart          []string      `yaml:"autostart"` // "exchange:BASE/QUOTE"
}

type PaperConfig struct {
	StepSize    string            `yaml:"step_size"`
	TickSize    string            `yaml:"tick_size"`
	MinNotional string            `yaml:"min_notional"`
	Deposits    map[string]string `yaml:"deposits"` // asset -> amount credited at startup
	Prices      map[string]string `yaml:"prices"`   // symbol -> opening price
}

type Config struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Logging   struct {
		Level    string `yaml:"level"`
		Encoding string `yaml:"encoding"`
		File     string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Grid  GridConfig  `yaml:"grid"`
	Paper PaperConfig `yaml:"paper"`
}

// envOverrides are read with the GRIDBOT_ prefix, e.g. GRIDBOT_BYBIT_API_KEY.
type envOverrides struct {
	LogLevel         string `envconfig:"LOG_LEVEL"`
	Port             int    `envconfig:"PORT"`
	DBPath           string `envconfig:"DB_PATH"`
	BybitAPIKey      string `envconfig:"BYBIT_API_KEY"`
	BybitAPISecret   string `envconfig:"BYBIT_API_SECRET"`
	BinanceAPIKey    string `envconfig:"BINANCE_API_KEY"`
	BinanceAPISecret string `envconfig:"BINANCE_API_SECRET"`
	AutoReconnect    *bool  `envconfig:"AUTO_RECONNECT"`
}

func defaults() *Config {
	var cfg Config
	cfg.Logging.Level = "info"
	cfg.Logging.Encoding = "json"
	cfg.Server.Port = 8080
	cfg.Database.Path = "bot.db"
	cfg.Grid = GridConfig{
		SettleDelay:        500 * time.Millisecond,
		ReconnectMin:       5 * time.Second,
		ReconnectMax:       2 * time.Minute,
		AutoReconnect:      true,
		HeartbeatInterval:  20 * time.Second,
		HeartbeatMaxMisses: 3,
		ListenKeyKeepalive: 30 * time.Minute,
		DefaultAmount:      "10",
		DefaultTPPercent:   1,
		DefaultSLPercent:   1,
	}
	cfg.Paper = PaperConfig{StepSize: "0.000001", TickSize: "0.01", MinNotional: "5"}
	return &cfg
}

// Load reads .env (if present), the YAML file at path and GRIDBOT_*
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("gridbot", &env); err != nil {
		return fmt.Errorf("process environment: %w", err)
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.Port != 0 {
		c.Server.Port = env.Port
	}
	if env.DBPath != "" {
		c.Database.Path = env.DBPath
	}
	if env.AutoReconnect != nil {
		c.Grid.AutoReconnect = *env.AutoReconnect
	}
	c.overrideCredentials("bybit", env.BybitAPIKey, env.BybitAPISecret)
	c.overrideCredentials("binance", env.BinanceAPIKey, env.BinanceAPISecret)
	return nil
}

func (c *Config) overrideCredentials(name, key, secret string) {
	if key == "" && secret == "" {
		return
	}
	for i := range c.Exchanges {
		if strings.EqualFold(c.Exchanges[i].Name, name) {
			if key != "" {
				c.Exchanges[i].APIKey = key
			}
			if secret != "" {
				c.Exchanges[i].APISecret = secret
			}
			return
		}
	}
	c.Exchanges = append(c.Exchanges, ExchangeConfig{Name: name, APIKey: key, APISecret: secret})
}

func (c *Config) Validate() error {
	if c.Grid.ReconnectMin < time.Second {
		return fmt.Errorf("grid.reconnect_min must be at least 1s")
	}
	if c.Grid.ReconnectMax < c.Grid.ReconnectMin {
		return fmt.Errorf("grid.reconnect_max must not be below grid.reconnect_min")
	}
	if c.Grid.DefaultTPPercent <= 0 || c.Grid.DefaultSLPercent <= 0 || c.Grid.DefaultSLPercent >= 100 {
		return fmt.Errorf("grid default percents must be positive and below 100")
	}
	amount, err := decimal.NewFromString(c.Grid.DefaultAmount)
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("grid.default_amount must be a positive number, got %q", c.Grid.DefaultAmount)
	}
	for _, e := range c.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("exchange entry without name")
		}
		if e.Balance != "" {
			if _, err := decimal.NewFromString(e.Balance); err != nil {
				return fmt.Errorf("exchange %s: bad balance %q", e.Name, e.Balance)
			}
		}
	}
	for asset, v := range c.Paper.Deposits {
		if _, err := decimal.NewFromString(v); err != nil {
			return fmt.Errorf("paper.deposits.%s: bad amount %q", asset, v)
		}
	}
	for symbol, v := range c.Paper.Prices {
		if _, err := decimal.NewFromString(v); err != nil {
			return fmt.Errorf("paper.prices.%s: bad price %q", symbol, v)
		}
	}
	for _, a := range c.Grid.Autostart {
		if _, _, ok := strings.Cut(a, ":"); !ok {
			return fmt.Errorf("grid.autostart entry %q must be exchange:SYMBOL", a)
		}
	}
	return nil
}

// BotDefaults returns the sizing new bot configs start with.
func (c *Config) BotDefaults() domain.BotDefaults {
	return domain.BotDefaults{
		Amount:    decimal.RequireFromString(c.Grid.DefaultAmount),
		TPPercent: c.Grid.DefaultTPPercent,
		SLPercent: c.Grid.DefaultSLPercent,
	}
}

// Accounts converts the exchange entries into accounts ready to be stored.
func (c *Config) Accounts() []*domain.ExchangeAccount {
	out := make([]*domain.ExchangeAccount, 0, len(c.Exchanges))
	for _, e := range c.Exchanges {
		bal := decimal.Zero
		if e.Balance != "" {
			bal = decimal.RequireFromString(e.Balance)
		}
		out = append(out, &domain.ExchangeAccount{
			Exchange:     strings.ToLower(e.Name),
			APIKey:       e.APIKey,
			APISecret:    e.APISecret,
			Balance:      bal,
			Leverage:     1,
			RESTEndpoint: e.RESTEndpoint,
			WSEndpoint:   e.WSEndpoint,
		})
	}
	return out
}

// PaperMarket returns the constraints paper accounts trade under.
func (c *Config) PaperMarket() domain.MarketInfo {
	parse := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return domain.MarketInfo{
		StepSize:    parse(c.Paper.StepSize),
		TickSize:    parse(c.Paper.TickSize),
		MinNotional: parse(c.Paper.MinNotional),
	}.WithFallbacks()
}
