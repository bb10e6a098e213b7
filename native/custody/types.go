package custody

import (
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"

	"nhbvault/crypto"
)

// Asset is a normalised asset symbol. The native coin and the settlement
// asset are configured symbols; everything else comes from the whitelist.
type Asset string

// NormalizeAsset trims and upper-cases a raw symbol.
func NormalizeAsset(symbol string) Asset {
	return Asset(strings.ToUpper(strings.TrimSpace(symbol)))
}

func (a Asset) String() string { return string(a) }

// AssetInfo describes a whitelisted fungible token.
type AssetInfo struct {
	Symbol      Asset
	Token       crypto.Address
	Decimals    uint8
	DisplayName string
}

// Normalise canonicalises the symbol and NFC-normalises the display name so
// registry entries compare consistently regardless of input encoding.
func (i AssetInfo) Normalise() AssetInfo {
	out := i
	out.Symbol = NormalizeAsset(string(i.Symbol))
	out.DisplayName = norm.NFC.String(strings.TrimSpace(i.DisplayName))
	if out.DisplayName == "" {
		out.DisplayName = string(out.Symbol)
	}
	return out
}

// Validate rejects entries that cannot be whitelisted.
func (i AssetInfo) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("%w: asset symbol required", ErrInvalidInput)
	}
	if i.Token.IsZero() {
		return fmt.Errorf("%w: asset %s missing token address", ErrInvalidInput, i.Symbol)
	}
	if i.Decimals > 36 {
		return fmt.Errorf("%w: asset %s decimals out of range", ErrInvalidInput, i.Symbol)
	}
	return nil
}

// AssetRef is how the adapters address an asset on chain: either the native
// coin or a token contract.
type AssetRef struct {
	Native bool
	Token  crypto.Address
}

// NativeRef returns the reference for the native coin.
func NativeRef() AssetRef { return AssetRef{Native: true} }

// TokenRef returns the reference for a token contract.
func TokenRef(token crypto.Address) AssetRef { return AssetRef{Token: token} }

// Equal reports whether two references address the same asset.
func (r AssetRef) Equal(other AssetRef) bool {
	if r.Native != other.Native {
		return false
	}
	if r.Native {
		return true
	}
	return r.Token.Equal(other.Token)
}

// storedAssetInfo mirrors AssetInfo for RLP persistence.
type storedAssetInfo struct {
	Symbol      string
	Token       []byte
	Decimals    uint8
	DisplayName string
}

func (i AssetInfo) stored() storedAssetInfo {
	return storedAssetInfo{
		Symbol:      string(i.Symbol),
		Token:       i.Token.Bytes(),
		Decimals:    i.Decimals,
		DisplayName: i.DisplayName,
	}
}

func (s storedAssetInfo) info() (AssetInfo, error) {
	if len(s.Token) != crypto.AddressLength {
		return AssetInfo{}, fmt.Errorf("custody: stored asset %s has malformed token address", s.Symbol)
	}
	return AssetInfo{
		Symbol:      NormalizeAsset(s.Symbol),
		Token:       crypto.NewAddress(crypto.NHBPrefix, s.Token),
		Decimals:    s.Decimals,
		DisplayName: s.DisplayName,
	}, nil
}

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("custody: invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("custody: negative amount %q", raw)
	}
	return value, nil
}

func ensurePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

func cloneAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}
