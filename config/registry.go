package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"nhbvault/crypto"
	"nhbvault/native/custody"
)

type registryFile struct {
	Assets []registryAsset `yaml:"assets"`
}

type registryAsset struct {
	Symbol      string `yaml:"symbol"`
	Token       string `yaml:"token"`
	Decimals    uint8  `yaml:"decimals"`
	DisplayName string `yaml:"displayName"`
}

// LoadRegistry reads the YAML asset registry referenced by the custody
// section. An empty path means no assets are seeded at startup. Unknown keys
// are rejected so typos surface at boot instead of silently dropping an
// asset property.
func LoadRegistry(path string) ([]custody.AssetInfo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	var parsed registryFile
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}

	assets := make([]custody.AssetInfo, 0, len(parsed.Assets))
	seen := make(map[custody.Asset]struct{}, len(parsed.Assets))
	for i, entry := range parsed.Assets {
		symbol := custody.NormalizeAsset(entry.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("registry: assets[%d] missing symbol", i)
		}
		if _, dup := seen[symbol]; dup {
			return nil, fmt.Errorf("registry: duplicate asset %s", symbol)
		}
		seen[symbol] = struct{}{}
		token, err := crypto.ParseAddress(entry.Token)
		if err != nil {
			return nil, fmt.Errorf("registry: asset %s token: %w", symbol, err)
		}
		if entry.Decimals > custody.MaxDecimals {
			return nil, fmt.Errorf("registry: asset %s decimals must not exceed %d", symbol, custody.MaxDecimals)
		}
		info := custody.AssetInfo{
			Symbol:      symbol,
			Token:       token,
			Decimals:    entry.Decimals,
			DisplayName: entry.DisplayName,
		}
		assets = append(assets, info.Normalise())
	}
	return assets, nil
}
