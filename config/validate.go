package config

import (
	"fmt"
	"math/big"
	"strings"

	"nhbvault/crypto"
	"nhbvault/observability/logging"
)

var validRailModes = map[string]struct{}{
	RailSimulated: {},
	RailExternal:  {},
}

// Validate checks a normalised configuration for settings that would produce
// an unsafe or unbootable service.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Service.ListenAddress) == "" {
		return fmt.Errorf("service: ListenAddress required")
	}
	if _, ok := validRailModes[c.Service.RailMode]; !ok {
		return fmt.Errorf("service: unknown RailMode %q", c.Service.RailMode)
	}
	if c.Service.SimSpreadBps >= 10_000 {
		return fmt.Errorf("service: SimSpreadBps must be below 10000")
	}
	for account, amount := range c.Service.SimInventory {
		if _, err := crypto.ParseAddress(account); err != nil {
			return fmt.Errorf("service: SimInventory account %q: %w", account, err)
		}
		value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok || value.Sign() <= 0 {
			return fmt.Errorf("service: SimInventory amount %q for %s must be a positive integer", amount, account)
		}
	}
	if _, err := c.Custody.Parameters(); err != nil {
		return err
	}
	if len(c.Oracle.Feeds) == 0 && c.Service.RailMode != RailSimulated {
		return fmt.Errorf("oracle: at least one feed required outside the simulated rail")
	}
	seen := make(map[string]struct{}, len(c.Oracle.Feeds))
	for _, feed := range c.Oracle.Feeds {
		if feed.URL == "" {
			return fmt.Errorf("oracle: feed %s missing URL", feed.Name)
		}
		if _, dup := seen[feed.Name]; dup {
			return fmt.Errorf("oracle: duplicate feed %s", feed.Name)
		}
		seen[feed.Name] = struct{}{}
	}
	if c.Oracle.MaxQuoteAge.Duration <= 0 {
		return fmt.Errorf("oracle: MaxQuoteAge must be positive")
	}
	if strings.TrimSpace(c.Gateway.AuthSecret) == "" &&
		strings.TrimSpace(c.Gateway.AuthSecretEnv) == "" &&
		strings.TrimSpace(c.Gateway.AuthSecretFile) == "" {
		return fmt.Errorf("gateway: AuthSecret must be configured")
	}
	for route, limit := range c.Gateway.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("gateway: rate limit for %s must have a positive rate and burst", route)
		}
	}
	if strings.TrimSpace(c.Storage.StatePath) == "" {
		return fmt.Errorf("storage: StatePath required")
	}
	if strings.TrimSpace(c.Storage.JournalPath) == "" {
		return fmt.Errorf("storage: JournalPath required")
	}
	if _, err := logging.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}
