package custody

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"nhbvault/crypto"
)

// DefaultOracleHeartbeatSeconds bounds how old a validated price may be.
const DefaultOracleHeartbeatSeconds = 3600

// MaxDecimals bounds the precision accepted for any configured asset or
// reference currency.
const MaxDecimals = 36

// Config captures operator-defined custody settings parsed from the root
// configuration file.
type Config struct {
	NativeSymbol           string            `toml:"NativeSymbol"`
	NativeDecimals         uint8             `toml:"NativeDecimals"`
	SettlementSymbol       string            `toml:"SettlementSymbol"`
	SettlementToken        string            `toml:"SettlementToken"`
	SettlementDecimals     uint8             `toml:"SettlementDecimals"`
	ReferenceSymbol        string            `toml:"ReferenceSymbol"`
	ReferenceDecimals      uint8             `toml:"ReferenceDecimals"`
	CustodyAccount         string            `toml:"CustodyAccount"`
	RouterAccount          string            `toml:"RouterAccount"`
	CapitalCap             string            `toml:"CapitalCap"`
	OracleHeartbeatSeconds int64             `toml:"OracleHeartbeatSeconds"`
	FeeTiers               map[string]uint64 `toml:"FeeTiers"`
	Admins                 []string          `toml:"Admins"`
	RegistryPath           string            `toml:"RegistryPath"`
}

// Params represents the canonical, runtime-ready interpretation of the
// custody settings.
type Params struct {
	NativeSymbol       Asset
	NativeDecimals     uint8
	SettlementSymbol   Asset
	SettlementToken    crypto.Address
	SettlementDecimals uint8
	ReferenceSymbol    string
	ReferenceDecimals  uint8
	Custody            crypto.Address
	Router             crypto.Address
	InitialCap         *big.Int
	OracleHeartbeat    time.Duration
	FeeTiers           map[string]uint64
	Admins             []crypto.Address
}

// Normalise trims whitespace and applies canonical defaults to a defensive
// copy.
func (c Config) Normalise() Config {
	cfg := Config{
		NativeSymbol:           strings.ToUpper(strings.TrimSpace(c.NativeSymbol)),
		NativeDecimals:         c.NativeDecimals,
		SettlementSymbol:       strings.ToUpper(strings.TrimSpace(c.SettlementSymbol)),
		SettlementToken:        strings.TrimSpace(c.SettlementToken),
		SettlementDecimals:     c.SettlementDecimals,
		ReferenceSymbol:        strings.ToUpper(strings.TrimSpace(c.ReferenceSymbol)),
		ReferenceDecimals:      c.ReferenceDecimals,
		CustodyAccount:         strings.TrimSpace(c.CustodyAccount),
		RouterAccount:          strings.TrimSpace(c.RouterAccount),
		CapitalCap:             strings.TrimSpace(c.CapitalCap),
		OracleHeartbeatSeconds: c.OracleHeartbeatSeconds,
		RegistryPath:           strings.TrimSpace(c.RegistryPath),
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "NHB"
	}
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = 18
	}
	if cfg.ReferenceSymbol == "" {
		cfg.ReferenceSymbol = "USD"
	}
	if cfg.OracleHeartbeatSeconds <= 0 {
		cfg.OracleHeartbeatSeconds = DefaultOracleHeartbeatSeconds
	}
	cfg.FeeTiers = make(map[string]uint64, len(c.FeeTiers))
	for tier, bps := range c.FeeTiers {
		trimmed := strings.ToLower(strings.TrimSpace(tier))
		if trimmed == "" {
			continue
		}
		cfg.FeeTiers[trimmed] = bps
	}
	if len(cfg.FeeTiers) == 0 {
		cfg.FeeTiers["standard"] = 30
	}
	for _, admin := range c.Admins {
		trimmed := strings.TrimSpace(admin)
		if trimmed == "" {
			continue
		}
		cfg.Admins = append(cfg.Admins, trimmed)
	}
	return cfg
}

// Parameters converts the textual configuration into runtime addresses and
// big integers.
func (c Config) Parameters() (Params, error) {
	normalized := c.Normalise()
	params := Params{
		NativeSymbol:       Asset(normalized.NativeSymbol),
		NativeDecimals:     normalized.NativeDecimals,
		SettlementSymbol:   Asset(normalized.SettlementSymbol),
		SettlementDecimals: normalized.SettlementDecimals,
		ReferenceSymbol:    normalized.ReferenceSymbol,
		ReferenceDecimals:  normalized.ReferenceDecimals,
		OracleHeartbeat:    time.Duration(normalized.OracleHeartbeatSeconds) * time.Second,
	}
	if normalized.SettlementSymbol == "" {
		return params, fmt.Errorf("custody: SettlementSymbol required")
	}
	if params.SettlementSymbol == params.NativeSymbol {
		return params, fmt.Errorf("custody: settlement symbol must differ from native symbol")
	}
	if params.NativeDecimals > MaxDecimals || params.SettlementDecimals > MaxDecimals || params.ReferenceDecimals > MaxDecimals {
		return params, fmt.Errorf("custody: decimals must not exceed %d", MaxDecimals)
	}
	if params.ReferenceDecimals > params.NativeDecimals || params.ReferenceDecimals > params.SettlementDecimals {
		return params, fmt.Errorf("custody: reference decimals exceed asset decimals")
	}
	settlementToken, err := crypto.ParseAddress(normalized.SettlementToken)
	if err != nil {
		return params, fmt.Errorf("custody: invalid SettlementToken: %w", err)
	}
	params.SettlementToken = settlementToken
	custodyAccount, err := crypto.ParseAddress(normalized.CustodyAccount)
	if err != nil {
		return params, fmt.Errorf("custody: invalid CustodyAccount: %w", err)
	}
	params.Custody = custodyAccount
	routerAccount, err := crypto.ParseAddress(normalized.RouterAccount)
	if err != nil {
		return params, fmt.Errorf("custody: invalid RouterAccount: %w", err)
	}
	params.Router = routerAccount
	if normalized.CapitalCap == "" {
		return params, fmt.Errorf("custody: CapitalCap required")
	}
	capAmount, err := parseAmount(normalized.CapitalCap)
	if err != nil {
		return params, fmt.Errorf("custody: invalid CapitalCap: %w", err)
	}
	if capAmount.Sign() <= 0 {
		return params, fmt.Errorf("custody: CapitalCap must be positive")
	}
	params.InitialCap = capAmount
	params.FeeTiers = make(map[string]uint64, len(normalized.FeeTiers))
	for tier, bps := range normalized.FeeTiers {
		if bps > 10_000 {
			return params, fmt.Errorf("custody: fee tier %q exceeds 10000 bps", tier)
		}
		params.FeeTiers[tier] = bps
	}
	if len(normalized.Admins) == 0 {
		return params, fmt.Errorf("custody: at least one admin address required")
	}
	for _, admin := range normalized.Admins {
		addr, err := crypto.ParseAddress(admin)
		if err != nil {
			return params, fmt.Errorf("custody: invalid admin address %q: %w", admin, err)
		}
		params.Admins = append(params.Admins, addr)
	}
	return params, nil
}
