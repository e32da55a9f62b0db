package infra

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is a browser-like user agent string to avoid bot detection
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Population modes. Watchlist mode restores the persisted list and grows it
// incrementally; top mode replaces the list with a market-cap page on start.
// They stay mutually exclusive because replace semantics discard holdings.
const (
	ModeWatchlist = "watchlist"
	ModeTop       = "top"
)

// Config holds all application settings. Values from the YAML file can be
// overridden through environment variables after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		CoinGecko struct {
			BaseURL     string `yaml:"base_url"`
			APIKey      string `yaml:"api_key"`
			TimeoutSec  int    `yaml:"timeout_sec"`
			CacheTTLSec int    `yaml:"cache_ttl_sec"`
		} `yaml:"coingecko"`
	} `yaml:"api"`

	Watchlist struct {
		Mode               string `yaml:"mode"`
		TopPage            int    `yaml:"top_page"`
		PageSize           int    `yaml:"page_size"`
		RefreshIntervalSec int    `yaml:"refresh_interval_sec"`
		SnapshotKey        string `yaml:"snapshot_key"`
	} `yaml:"watchlist"`

	Wallet struct {
		RPCURL          string `yaml:"rpc_url"`
		Address         string `yaml:"address"`
		PollIntervalSec int    `yaml:"poll_interval_sec"`
	} `yaml:"wallet"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// A local .env is optional; a missing file is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.CoinGecko.BaseURL == "" {
		cfg.API.CoinGecko.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.API.CoinGecko.TimeoutSec <= 0 {
		cfg.API.CoinGecko.TimeoutSec = 10
	}
	if cfg.API.CoinGecko.CacheTTLSec <= 0 {
		cfg.API.CoinGecko.CacheTTLSec = 300
	}
	if cfg.Watchlist.Mode == "" {
		cfg.Watchlist.Mode = ModeWatchlist
	}
	if cfg.Watchlist.TopPage <= 0 {
		cfg.Watchlist.TopPage = 1
	}
	if cfg.Watchlist.PageSize <= 0 {
		cfg.Watchlist.PageSize = 10
	}
	if cfg.Watchlist.RefreshIntervalSec <= 0 {
		cfg.Watchlist.RefreshIntervalSec = 60
	}
	if cfg.Watchlist.SnapshotKey == "" {
		cfg.Watchlist.SnapshotKey = "watchlist.snapshot"
	}
	if cfg.Wallet.PollIntervalSec <= 0 {
		cfg.Wallet.PollIntervalSec = 10
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.API.CoinGecko.BaseURL, "http://") && !hasPrefix(c.API.CoinGecko.BaseURL, "https://") {
		return fmt.Errorf("invalid CoinGecko base URL: %s", c.API.CoinGecko.BaseURL)
	}

	if c.Watchlist.Mode != ModeWatchlist && c.Watchlist.Mode != ModeTop {
		return fmt.Errorf("unknown population mode: %s", c.Watchlist.Mode)
	}

	if c.Wallet.RPCURL != "" && !hasPrefix(c.Wallet.RPCURL, "http://") && !hasPrefix(c.Wallet.RPCURL, "https://") {
		return fmt.Errorf("invalid wallet RPC URL: %s", c.Wallet.RPCURL)
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv overrides settings from environment variables when present.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("TOKENWATCH_CG_API_KEY"); key != "" {
		cfg.API.CoinGecko.APIKey = key
	}
	if url := os.Getenv("TOKENWATCH_RPC_URL"); url != "" {
		cfg.Wallet.RPCURL = url
	}
	if addr := os.Getenv("TOKENWATCH_WALLET_ADDRESS"); addr != "" {
		cfg.Wallet.Address = addr
	}
}
