package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"nhbvault/native/custody"
	"nhbvault/observability/logging"
)

// Rail modes supported by the vault service. The simulated rail keeps token
// movements inside the local state store; the external rail requires real
// token and router clients to be attached at startup.
const (
	RailSimulated = "simulated"
	RailExternal  = "external"
)

const defaultDataDir = "./vault-data"

// Duration wraps time.Duration so config values can use human readable
// strings such as "30s" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration back into the config file format.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration for the vault service.
type Config struct {
	Service       ServiceConfig       `toml:"service"`
	Custody       custody.Config      `toml:"custody"`
	Oracle        OracleConfig        `toml:"oracle"`
	Gateway       GatewayConfig       `toml:"gateway"`
	Storage       StorageConfig       `toml:"storage"`
	Observability ObservabilityConfig `toml:"observability"`
}

// ServiceConfig identifies the deployment and selects the token rail.
type ServiceConfig struct {
	Name          string            `toml:"Name"`
	Environment   string            `toml:"Environment"`
	ListenAddress string            `toml:"ListenAddress"`
	RailMode      string            `toml:"RailMode"`
	SimSpreadBps  uint64            `toml:"SimSpreadBps"`
	SimInventory  map[string]string `toml:"SimInventory"`
}

// OracleConfig lists the upstream price feeds consulted for native asset
// valuations.
type OracleConfig struct {
	MaxQuoteAge Duration     `toml:"MaxQuoteAge"`
	Feeds       []FeedConfig `toml:"Feeds"`
}

// FeedConfig describes one upstream oracle feed. Lower priority values are
// consulted first by the aggregator.
type FeedConfig struct {
	Name      string   `toml:"Name"`
	URL       string   `toml:"URL"`
	APIKeyEnv string   `toml:"APIKeyEnv"`
	Priority  int      `toml:"Priority"`
	Interval  Duration `toml:"Interval"`
}

// GatewayConfig secures the HTTP surface. The auth secret may be provided
// inline, through an environment variable, or from a file; inline wins.
type GatewayConfig struct {
	AuthSecret      string                     `toml:"AuthSecret"`
	AuthSecretEnv   string                     `toml:"AuthSecretEnv"`
	AuthSecretFile  string                     `toml:"AuthSecretFile"`
	Issuer          string                     `toml:"Issuer"`
	Audience        string                     `toml:"Audience"`
	ClockSkew       Duration                   `toml:"ClockSkew"`
	RateLimits      map[string]RateLimitConfig `toml:"RateLimits"`
	IdempotencyPath string                     `toml:"IdempotencyPath"`
	IdempotencyTTL  Duration                   `toml:"IdempotencyTTL"`
	AllowedOrigins  []string                   `toml:"AllowedOrigins"`
}

// RateLimitConfig throttles one route group.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// StorageConfig locates the persistent stores.
type StorageConfig struct {
	StatePath   string `toml:"StatePath"`
	JournalPath string `toml:"JournalPath"`
}

// ObservabilityConfig controls logging and telemetry export.
type ObservabilityConfig struct {
	LogLevel     string        `toml:"LogLevel"`
	LogFile      LogFileConfig `toml:"LogFile"`
	OTLPEndpoint string        `toml:"OTLPEndpoint"`
	OTLPInsecure bool          `toml:"OTLPInsecure"`
	Metrics      bool          `toml:"Metrics"`
	Tracing      bool          `toml:"Tracing"`
	SampleRatio  float64       `toml:"SampleRatio"`
}

// LogFileConfig mirrors the rotation knobs of the logging package.
type LogFileConfig struct {
	Path       string `toml:"Path"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// Rotation converts the file settings for the logging package.
func (l LogFileConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{
		Path:       l.Path,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Load reads the configuration from the given path. A missing file produces
// a starter template the operator must complete before the service boots.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown key %q", path, undecoded[0].String())
	}

	cfg.Normalise()
	if err := cfg.Gateway.resolveAuthSecret(); err != nil {
		return nil, fmt.Errorf("gateway auth: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise fills defaults in place. Load calls it automatically; callers
// that build configs programmatically should invoke it before Validate.
func (c *Config) Normalise() {
	if c == nil {
		return
	}
	c.Service.Name = strings.TrimSpace(c.Service.Name)
	if c.Service.Name == "" {
		c.Service.Name = "vaultd"
	}
	c.Service.Environment = strings.TrimSpace(c.Service.Environment)
	if c.Service.Environment == "" {
		c.Service.Environment = "dev"
	}
	if strings.TrimSpace(c.Service.ListenAddress) == "" {
		c.Service.ListenAddress = ":7085"
	}
	c.Service.RailMode = strings.ToLower(strings.TrimSpace(c.Service.RailMode))
	if c.Service.RailMode == "" {
		c.Service.RailMode = RailSimulated
	}
	if c.Service.SimInventory == nil {
		c.Service.SimInventory = map[string]string{}
	}

	c.Custody = c.Custody.Normalise()

	if c.Oracle.MaxQuoteAge.Duration <= 0 {
		c.Oracle.MaxQuoteAge.Duration = 2 * time.Minute
	}
	feeds := make([]FeedConfig, 0, len(c.Oracle.Feeds))
	for _, feed := range c.Oracle.Feeds {
		feed.Name = strings.ToLower(strings.TrimSpace(feed.Name))
		feed.URL = strings.TrimSpace(feed.URL)
		feed.APIKeyEnv = strings.TrimSpace(feed.APIKeyEnv)
		if feed.Interval.Duration <= 0 {
			feed.Interval.Duration = 30 * time.Second
		}
		if feed.Name == "" {
			continue
		}
		feeds = append(feeds, feed)
	}
	sort.SliceStable(feeds, func(i, j int) bool { return feeds[i].Priority < feeds[j].Priority })
	c.Oracle.Feeds = feeds

	if strings.TrimSpace(c.Gateway.Issuer) == "" {
		c.Gateway.Issuer = "nhb-vault"
	}
	if strings.TrimSpace(c.Gateway.Audience) == "" {
		c.Gateway.Audience = "vault-gateway"
	}
	if c.Gateway.ClockSkew.Duration <= 0 {
		c.Gateway.ClockSkew.Duration = 2 * time.Minute
	}
	if strings.TrimSpace(c.Gateway.IdempotencyPath) == "" {
		c.Gateway.IdempotencyPath = filepath.Join(defaultDataDir, "replays.db")
	}
	if c.Gateway.IdempotencyTTL.Duration <= 0 {
		c.Gateway.IdempotencyTTL.Duration = 24 * time.Hour
	}
	if len(c.Gateway.RateLimits) == 0 {
		c.Gateway.RateLimits = defaultRateLimits()
	}
	if c.Gateway.AllowedOrigins == nil {
		c.Gateway.AllowedOrigins = []string{}
	}

	if strings.TrimSpace(c.Storage.StatePath) == "" {
		c.Storage.StatePath = filepath.Join(defaultDataDir, "state")
	}
	if strings.TrimSpace(c.Storage.JournalPath) == "" {
		c.Storage.JournalPath = filepath.Join(defaultDataDir, "journal.db")
	}

	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

func defaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"write":  {RequestsPerMinute: 120, Burst: 30},
		"read":   {RequestsPerMinute: 600, Burst: 120},
		"admin":  {RequestsPerMinute: 60, Burst: 10},
		"events": {RequestsPerMinute: 60, Burst: 10},
	}
}

func (g *GatewayConfig) resolveAuthSecret() error {
	g.AuthSecret = strings.TrimSpace(g.AuthSecret)
	g.AuthSecretEnv = strings.TrimSpace(g.AuthSecretEnv)
	g.AuthSecretFile = strings.TrimSpace(g.AuthSecretFile)
	if g.AuthSecret != "" {
		return nil
	}
	switch {
	case g.AuthSecretEnv != "":
		value := strings.TrimSpace(os.Getenv(g.AuthSecretEnv))
		if value == "" {
			return fmt.Errorf("AuthSecretEnv %s is empty", g.AuthSecretEnv)
		}
		g.AuthSecret = value
	case g.AuthSecretFile != "":
		contents, err := os.ReadFile(g.AuthSecretFile)
		if err != nil {
			return fmt.Errorf("read AuthSecretFile: %w", err)
		}
		g.AuthSecret = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("AuthSecret is required")
	}
	if g.AuthSecret == "" {
		return fmt.Errorf("AuthSecret is required")
	}
	return nil
}

// createDefault writes a starter configuration for the operator to complete.
// Custody admins and token addresses cannot be invented, so the starter is
// reported as an error instead of booting a half-configured service.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:          "vaultd",
			Environment:   "dev",
			ListenAddress: ":7085",
			RailMode:      RailSimulated,
		},
		Custody: custody.Config{
			NativeSymbol:       "NHB",
			NativeDecimals:     18,
			SettlementSymbol:   "ZNHB",
			SettlementDecimals: 18,
			ReferenceSymbol:    "USD",
			ReferenceDecimals:  2,
			FeeTiers:           map[string]uint64{"standard": 30},
		},
		Oracle: OracleConfig{
			MaxQuoteAge: Duration{2 * time.Minute},
			Feeds: []FeedConfig{{
				Name:     "coingecko",
				URL:      "https://api.coingecko.com/api/v3/simple/price?ids=nhb&vs_currencies=usd",
				Priority: 1,
				Interval: Duration{30 * time.Second},
			}},
		},
		Gateway: GatewayConfig{
			AuthSecretEnv: "NHB_VAULT_AUTH_SECRET",
		},
	}
	cfg.Normalise()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("config file %s did not exist; wrote a starter template, complete the [custody] section before restarting", path)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
