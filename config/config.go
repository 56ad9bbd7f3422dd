package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/riskguard/fault"
	"github.com/rustyeddy/riskguard/lockout"
	"github.com/rustyeddy/riskguard/reset"
	"github.com/rustyeddy/riskguard/risk"
)

// Config represents the complete daemon configuration
type Config struct {
	Log        LogConfig      `json:"log" yaml:"log"`
	Storage    StorageConfig  `json:"storage" yaml:"storage"`
	PnL        PnLConfig      `json:"pnl" yaml:"pnl"`
	Executor   ExecutorConfig `json:"executor" yaml:"executor"`
	Ticks      TickConfig     `json:"ticks" yaml:"ticks"`
	HTTP       HTTPConfig     `json:"http" yaml:"http"`
	Accounts   []Account      `json:"accounts" yaml:"accounts"`
	Rules      []risk.Spec    `json:"rules" yaml:"rules"`
	AdminClear []ClearKey     `json:"admin_clear,omitempty" yaml:"admin_clear,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "console" or "json"
}

// StorageConfig selects the journal database.
type StorageConfig struct {
	Driver  string `json:"driver" yaml:"driver"` // "sqlite3" or "postgres"
	DSN     string `json:"dsn" yaml:"dsn"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type PnLConfig struct {
	Backend   string `json:"backend" yaml:"backend"` // "memory" or "redis"
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// ExecutorConfig controls how enforcement commands reach the broker.
type ExecutorConfig struct {
	Mode            string  `json:"mode" yaml:"mode"` // "paper"
	MaxAttempts     int     `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff  string  `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff      string  `json:"max_backoff" yaml:"max_backoff"`
	CallsPerSecond  float64 `json:"calls_per_second" yaml:"calls_per_second"`
	BreakerFailures uint32  `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  string  `json:"breaker_timeout" yaml:"breaker_timeout"`
}

// TickConfig holds the two loop cadences, e.g. "1s" and "60s".
type TickConfig struct {
	Fast string `json:"fast" yaml:"fast"`
	Slow string `json:"slow" yaml:"slow"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// Account is one monitored trading account and its reset schedule.
type Account struct {
	ID          string      `json:"id" yaml:"id"`
	Reset       ResetConfig `json:"reset" yaml:"reset"`
	TradingDays []string    `json:"trading_days,omitempty" yaml:"trading_days,omitempty"`
	Holidays    []string    `json:"holidays,omitempty" yaml:"holidays,omitempty"`
}

type ResetConfig struct {
	Time      string `json:"time" yaml:"time"` // HH:MM
	Timezone  string `json:"timezone" yaml:"timezone"`
	WeeklyDay string `json:"weekly_day,omitempty" yaml:"weekly_day,omitempty"`
}

// ClearKey names a lockout to clear at startup. An empty symbol is the
// account-wide lockout.
type ClearKey struct {
	Account string `json:"account" yaml:"account"`
	Symbol  string `json:"symbol,omitempty" yaml:"symbol,omitempty"`
}

func (k ClearKey) Key() lockout.Key { return lockout.SymbolKey(k.Account, k.Symbol) }

func duration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

// StorageTimeout parses storage.timeout. Empty means the journal default.
func (c *Config) StorageTimeout() (time.Duration, error) {
	if c.Storage.Timeout == "" {
		return 0, nil
	}
	return duration("storage.timeout", c.Storage.Timeout)
}

// TickIntervals returns the fast and slow loop cadences.
func (c *Config) TickIntervals() (fast, slow time.Duration, err error) {
	if fast, err = duration("ticks.fast", c.Ticks.Fast); err != nil {
		return 0, 0, err
	}
	if slow, err = duration("ticks.slow", c.Ticks.Slow); err != nil {
		return 0, 0, err
	}
	return fast, slow, nil
}

// Backoff returns the retry policy for executor calls.
func (e ExecutorConfig) Backoff() (fault.Backoff, error) {
	initial, err := duration("executor.initial_backoff", e.InitialBackoff)
	if err != nil {
		return fault.Backoff{}, err
	}
	ceiling, err := duration("executor.max_backoff", e.MaxBackoff)
	if err != nil {
		return fault.Backoff{}, err
	}
	return fault.Backoff{Attempts: e.MaxAttempts, Initial: initial, Max: ceiling}, nil
}

func (e ExecutorConfig) Breaker() (failures uint32, timeout time.Duration, err error) {
	timeout, err = duration("executor.breaker_timeout", e.BreakerTimeout)
	return e.BreakerFailures, timeout, err
}

// ScheduleOptions converts the account's calendar settings.
func (a Account) ScheduleOptions() ([]reset.ScheduleOption, error) {
	days := make([]time.Weekday, 0, len(a.TradingDays))
	for _, s := range a.TradingDays {
		d, err := reset.ParseWeekday(s)
		if err != nil {
			return nil, fmt.Errorf("account %s: trading_days: %w", a.ID, err)
		}
		days = append(days, d)
	}
	cal, err := reset.NewCalendar(days, a.Holidays)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", a.ID, err)
	}
	opts := []reset.ScheduleOption{reset.WithCalendar(cal)}
	if a.Reset.WeeklyDay != "" {
		d, err := reset.ParseWeekday(a.Reset.WeeklyDay)
		if err != nil {
			return nil, fmt.Errorf("account %s: weekly_day: %w", a.ID, err)
		}
		opts = append(opts, reset.WithWeeklyReset(d))
	}
	return opts, nil
}

// LoadFromFile loads configuration from a file (YAML or JSON), applies
// defaults and validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Config("read config file", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = &Config{}
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fault.Config("parse config (tried YAML and JSON)", err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero values for ticks, executor retry parameters,
// log settings and the P&L backend. Nothing else is defaulted.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.PnL.Backend == "" {
		c.PnL.Backend = "memory"
	}
	if c.PnL.KeyPrefix == "" {
		c.PnL.KeyPrefix = "riskguard"
	}
	if c.Executor.Mode == "" {
		c.Executor.Mode = "paper"
	}
	if c.Executor.MaxAttempts == 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.InitialBackoff == "" {
		c.Executor.InitialBackoff = "200ms"
	}
	if c.Executor.MaxBackoff == "" {
		c.Executor.MaxBackoff = "2s"
	}
	if c.Executor.BreakerFailures == 0 {
		c.Executor.BreakerFailures = 5
	}
	if c.Executor.BreakerTimeout == "" {
		c.Executor.BreakerTimeout = "30s"
	}
	if c.Ticks.Fast == "" {
		c.Ticks.Fast = "1s"
	}
	if c.Ticks.Slow == "" {
		c.Ticks.Slow = "60s"
	}
}

// Validate checks the configuration. Every failure is a Configuration
// fault.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fault.Config("invalid config", err)
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}

	switch c.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("storage.driver must be 'sqlite3' or 'postgres'")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if _, err := c.StorageTimeout(); err != nil {
		return err
	}

	switch c.PnL.Backend {
	case "memory":
	case "redis":
		if c.PnL.RedisAddr == "" {
			return fmt.Errorf("pnl.redis_addr required for redis backend")
		}
	default:
		return fmt.Errorf("pnl.backend must be 'memory' or 'redis'")
	}

	if c.Executor.Mode != "paper" {
		return fmt.Errorf("executor.mode must be 'paper'")
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("executor.max_attempts must be positive")
	}
	if _, err := c.Executor.Backoff(); err != nil {
		return err
	}
	if _, _, err := c.Executor.Breaker(); err != nil {
		return err
	}
	if c.Executor.CallsPerSecond < 0 {
		return fmt.Errorf("executor.calls_per_second must not be negative")
	}
	if _, _, err := c.TickIntervals(); err != nil {
		return err
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	accounts := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if accounts[a.ID] {
			return fmt.Errorf("account %s: duplicate id", a.ID)
		}
		accounts[a.ID] = true
		if _, _, err := reset.ParseTimeOfDay(a.Reset.Time); err != nil {
			return fmt.Errorf("account %s: reset.time: %w", a.ID, err)
		}
		if _, err := time.LoadLocation(a.Reset.Timezone); err != nil || a.Reset.Timezone == "" {
			return fmt.Errorf("account %s: unknown timezone %q", a.ID, a.Reset.Timezone)
		}
		if _, err := a.ScheduleOptions(); err != nil {
			return err
		}
	}

	if _, err := risk.Build(c.Rules); err != nil {
		return err
	}

	for _, k := range c.AdminClear {
		if !accounts[k.Account] {
			return fmt.Errorf("admin_clear: unknown account %q", k.Account)
		}
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	cfg := &Config{
		Log:     LogConfig{Level: "info", Format: "console"},
		Storage: StorageConfig{Driver: "sqlite3", DSN: "./riskguard.sqlite", Timeout: "5s"},
		PnL:     PnLConfig{Backend: "memory", KeyPrefix: "riskguard"},
		Executor: ExecutorConfig{
			Mode:            "paper",
			MaxAttempts:     3,
			InitialBackoff:  "200ms",
			MaxBackoff:      "2s",
			CallsPerSecond:  10,
			BreakerFailures: 5,
			BreakerTimeout:  "30s",
		},
		Ticks: TickConfig{Fast: "1s", Slow: "60s"},
		HTTP:  HTTPConfig{Addr: "127.0.0.1:9108"},
		Accounts: []Account{{
			ID:          "ACC1",
			Reset:       ResetConfig{Time: "17:00", Timezone: "America/New_York", WeeklyDay: "sunday"},
			TradingDays: []string{"mon", "tue", "wed", "thu", "fri"},
			Holidays:    []string{"2026-12-25"},
		}},
		Rules: []risk.Spec{
			{ID: "daily-loss", Type: "daily_loss", Limit: 500, Action: "close_all_and_lock", Lock: risk.LockSpec{Until: risk.NextReset}},
			{ID: "max-size", Type: "max_position_size", Limit: 5, Action: "close_position"},
			{ID: "per-trade-loss", Type: "unrealized_loss", Limit: 150, Action: "close_position"},
			{ID: "profit-target", Type: "daily_profit_target", Limit: 1000, Action: "close_all_and_lock", Lock: risk.LockSpec{Until: risk.NextReset}},
			{ID: "overtrading", Type: "trade_frequency", MaxTrades: 10, Window: "5m", Action: "cooldown_and_cancel", Lock: risk.LockSpec{Duration: "15m"}},
			{ID: "weekly-loss", Type: "weekly_loss", Limit: 1500, Action: "close_all_and_lock", Lock: risk.LockSpec{Indefinite: true}},
			{ID: "blocked-symbols", Type: "symbol_block", Symbols: []string{"CL"}, Action: "close_position"},
		},
	}
	return cfg
}
