package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"perp_go/internal/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent on every indexer and validator request.
	DefaultUserAgent = "perp-go/1.0"
)

// Config holds every setting of the application.
// Values loaded from the file are overridden by environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Network struct {
		ID               string `yaml:"id"` // opaque, handed to the transport
		IndexerWSURL     string `yaml:"indexer_ws_url"`
		IndexerRestURL   string `yaml:"indexer_rest_url"`
		ValidatorRestURL string `yaml:"validator_rest_url"`
	} `yaml:"network"`

	Account struct {
		Address    string `yaml:"address"`
		Subaccount int    `yaml:"subaccount"`
	} `yaml:"account"`

	Markets []string `yaml:"markets"`

	Engine struct {
		InboxSize          int    `yaml:"inbox_size"`
		MaxTrades          int    `yaml:"max_trades"`
		MaxFills           int    `yaml:"max_fills"`
		MaxFundingPayments int    `yaml:"max_funding_payments"`
		DumpPath           string `yaml:"dump_path"`
	} `yaml:"engine"`

	ApiStatus struct {
		TrailingBlocks  uint64 `yaml:"trailing_blocks"`
		HaltedAfterSec  int    `yaml:"halted_after_sec"`
		PollIntervalSec int    `yaml:"poll_interval_sec"`
	} `yaml:"api_status"`

	Liveness struct {
		HiddenThresholdMS int `yaml:"hidden_threshold_ms"`
		ProbeIntervalSec  int `yaml:"probe_interval_sec"`
	} `yaml:"liveness"`

	Risk struct {
		// margin usage above this is logged as a warning
		WarnMarginUsage decimal.Decimal `yaml:"warn_margin_usage"`
	} `yaml:"risk"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file. A .env file in the working
// directory is loaded first so its variables take part in the overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Network.ID == "" {
		return &domain.ConfigError{Field: "network.id", Err: errors.New("required")}
	}
	if !isWebsocketURL(c.Network.IndexerWSURL) {
		return &domain.ConfigError{Field: "network.indexer_ws_url", Err: fmt.Errorf("invalid websocket url %q", c.Network.IndexerWSURL)}
	}
	if !isHTTPURL(c.Network.IndexerRestURL) {
		return &domain.ConfigError{Field: "network.indexer_rest_url", Err: fmt.Errorf("invalid url %q", c.Network.IndexerRestURL)}
	}
	if !isHTTPURL(c.Network.ValidatorRestURL) {
		return &domain.ConfigError{Field: "network.validator_rest_url", Err: fmt.Errorf("invalid url %q", c.Network.ValidatorRestURL)}
	}

	if c.Account.Subaccount < 0 || c.Account.Subaccount >= domain.NumParentSubaccounts {
		return &domain.ConfigError{Field: "account.subaccount", Err: fmt.Errorf("must be a parent subaccount in [0, %d)", domain.NumParentSubaccounts)}
	}

	if c.Engine.InboxSize < 0 || c.Engine.MaxTrades < 0 || c.Engine.MaxFills < 0 || c.Engine.MaxFundingPayments < 0 {
		return &domain.ConfigError{Field: "engine", Err: errors.New("sizes must not be negative")}
	}
	if c.ApiStatus.HaltedAfterSec < 0 || c.ApiStatus.PollIntervalSec < 0 {
		return &domain.ConfigError{Field: "api_status", Err: errors.New("durations must not be negative")}
	}
	if c.Risk.WarnMarginUsage.IsNegative() {
		return &domain.ConfigError{Field: "risk.warn_margin_usage", Err: errors.New("must not be negative")}
	}

	return nil
}

// HaltedAfter returns the api status halt window.
func (c *Config) HaltedAfter() time.Duration {
	return time.Duration(c.ApiStatus.HaltedAfterSec) * time.Second
}

// PollInterval returns the height poll interval, 5s when unset.
func (c *Config) PollInterval() time.Duration {
	if c.ApiStatus.PollIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ApiStatus.PollIntervalSec) * time.Second
}

// HiddenThreshold returns the visibility restart threshold, zero when unset.
func (c *Config) HiddenThreshold() time.Duration {
	return time.Duration(c.Liveness.HiddenThresholdMS) * time.Millisecond
}

// ProbeInterval returns the network probe interval, 5s when unset.
func (c *Config) ProbeInterval() time.Duration {
	if c.Liveness.ProbeIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Liveness.ProbeIntervalSec) * time.Second
}

func isWebsocketURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// overrideWithEnv replaces values whose environment variable is set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("PERP_NETWORK"); v != "" {
		cfg.Network.ID = v
	}
	if v := os.Getenv("PERP_INDEXER_WS_URL"); v != "" {
		cfg.Network.IndexerWSURL = v
	}
	if v := os.Getenv("PERP_INDEXER_REST_URL"); v != "" {
		cfg.Network.IndexerRestURL = v
	}
	if v := os.Getenv("PERP_VALIDATOR_REST_URL"); v != "" {
		cfg.Network.ValidatorRestURL = v
	}
	if v := os.Getenv("PERP_ADDRESS"); v != "" {
		cfg.Account.Address = v
	}
	if v := os.Getenv("PERP_SUBACCOUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Account.Subaccount = n
		}
	}
	if v := os.Getenv("PERP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
