// Package config loads the trading core's recognized options (§6) with
// viper, following the search-path-plus-defaults pattern the teacher uses
// for its strong-consistency config manager.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// MarketConfig describes one active market symbol.
type MarketConfig struct {
	Symbol          string `mapstructure:"symbol" validate:"required"`
	BaseAsset       string `mapstructure:"base_asset" validate:"required"`
	QuoteAsset      string `mapstructure:"quote_asset" validate:"required"`
	BasePrecision   int    `mapstructure:"base_precision" validate:"gte=0,lte=18"`
	QuotePrecision  int    `mapstructure:"quote_precision" validate:"gte=0,lte=18"`
}

// FeeScheduleEntry is the per-market maker/taker basis-point fee.
type FeeScheduleEntry struct {
	MakerBps int64 `mapstructure:"maker_bps" validate:"gte=0"`
	TakerBps int64 `mapstructure:"taker_bps" validate:"gte=0"`
}

// SizeBounds are the hard min/max order size bounds for a market.
type SizeBounds struct {
	MinOrderSize decimal.Decimal `mapstructure:"min_order_size"`
	MaxOrderSize decimal.Decimal `mapstructure:"max_order_size"`
}

// TickConfig is the tick grid a market's prices and sizes must land on.
type TickConfig struct {
	PriceTick decimal.Decimal `mapstructure:"price_tick"`
	SizeTick  decimal.Decimal `mapstructure:"size_tick"`
}

// Config is the fully-loaded, validated configuration for a process.
type Config struct {
	Markets []MarketConfig `mapstructure:"markets" validate:"required,dive"`

	FeeSchedule map[string]FeeScheduleEntry `mapstructure:"fee_schedule"`

	DepositConfirmationThreshold map[string]int `mapstructure:"deposit_confirmation_threshold"`

	WithdrawalNetworkFee map[string]decimal.Decimal `mapstructure:"withdrawal_network_fee"`

	OrderSizeBounds map[string]SizeBounds `mapstructure:"order_size_bounds"`

	TickSizes map[string]TickConfig `mapstructure:"tick_sizes"`

	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Journal  JournalConfig  `mapstructure:"journal"`
}

type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  struct {
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"topics"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

var validate = validator.New()

// Manager loads and holds configuration, reloadable at runtime the way the
// teacher's SimpleStrongConsistencyConfigManager is.
type Manager struct {
	configPath string
	logger     *zap.Logger
	mu         sync.RWMutex
	cfg        Config
	v          *viper.Viper
}

func NewManager(configPath string, logger *zap.Logger) *Manager {
	return &Manager{
		configPath: configPath,
		logger:     logger.Named("config"),
		v:          viper.New(),
	}
}

// Load reads configuration from configPath (or the default search path),
// falling back to DefaultConfig when nothing is found, and validates the
// result.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.configPath != "" {
		if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
			m.logger.Warn("config file not found, using defaults", zap.String("path", m.configPath))
			m.cfg = DefaultConfig()
			return validate.Struct(&m.cfg)
		}
		m.v.SetConfigFile(m.configPath)
	} else {
		m.v.SetConfigName("orbitcex")
		m.v.SetConfigType("yaml")
		m.v.AddConfigPath(".")
		m.v.AddConfigPath("./configs")
		m.v.AddConfigPath("/etc/orbitcex")
	}

	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			m.logger.Warn("config file not found, using defaults")
			m.cfg = DefaultConfig()
			return validate.Struct(&m.cfg)
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	m.cfg = cfg
	m.logger.Info("configuration loaded", zap.String("file", m.v.ConfigFileUsed()), zap.Int("markets", len(cfg.Markets)))
	return nil
}

// Get returns a copy of the currently loaded configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads configuration from the same source.
func (m *Manager) Reload() error {
	m.logger.Info("reloading configuration")
	return m.Load()
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Markets: []MarketConfig{
			{Symbol: "ALT/USDT", BaseAsset: "ALT", QuoteAsset: "USDT", BasePrecision: 8, QuotePrecision: 2},
		},
		FeeSchedule: map[string]FeeScheduleEntry{
			"ALT/USDT": {MakerBps: 10, TakerBps: 20},
		},
		DepositConfirmationThreshold: map[string]int{
			"USDT": 12,
			"ALT":  20,
		},
		WithdrawalNetworkFee: map[string]decimal.Decimal{
			"USDT": decimal.RequireFromString("1"),
			"ALT":  decimal.RequireFromString("0.01"),
		},
		OrderSizeBounds: map[string]SizeBounds{
			"ALT/USDT": {
				MinOrderSize: decimal.RequireFromString("0.0001"),
				MaxOrderSize: decimal.RequireFromString("100000"),
			},
		},
		TickSizes: map[string]TickConfig{
			"ALT/USDT": {
				PriceTick: decimal.RequireFromString("0.01"),
				SizeTick:  decimal.RequireFromString("0.0001"),
			},
		},
		Journal: JournalConfig{Enabled: false, Dir: "./data/journal"},
	}
}
