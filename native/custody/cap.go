package custody

import (
	"fmt"
	"math/big"
)

// ReserveSource exposes the reserve totals and the configured ceiling the cap
// engine values against.
type ReserveSource interface {
	NativeReserve() (*big.Int, error)
	SettlementReserve() (*big.Int, error)
	Cap() (*big.Int, error)
}

// CapEngine converts reserve totals into a reference-denominated valuation
// and enforces the capital ceiling. Native reserves are valued through the
// oracle price while settlement reserves convert at a fixed decimal rescale.
type CapEngine struct {
	reserves    ReserveSource
	nativeScale *big.Int
	settleNum   *big.Int
	settleDen   *big.Int
}

// NewCapEngine wires the valuation rules to a reserve source. The decimal
// arguments describe the native asset, the settlement asset, and the
// reference currency respectively.
func NewCapEngine(reserves ReserveSource, nativeDecimals, settlementDecimals, referenceDecimals uint8) *CapEngine {
	return &CapEngine{
		reserves:    reserves,
		nativeScale: pow10(nativeDecimals),
		settleNum:   pow10(referenceDecimals),
		settleDen:   pow10(settlementDecimals),
	}
}

func (e *CapEngine) ready() error {
	if e == nil {
		return fmt.Errorf("custody: cap engine not configured")
	}
	if e.reserves == nil {
		return fmt.Errorf("custody: cap engine reserve source not configured")
	}
	return nil
}

// SettlementToReference rescales a settlement amount into reference base
// units, truncating toward zero.
func (e *CapEngine) SettlementToReference(amount *big.Int) *big.Int {
	if e == nil || amount == nil {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, e.settleNum)
	return scaled.Quo(scaled, e.settleDen)
}

func projectedReserve(reserve, delta *big.Int) *big.Int {
	projected := new(big.Int).Set(reserve)
	if delta != nil {
		projected.Add(projected, delta)
	}
	if projected.Sign() < 0 {
		projected.SetInt64(0)
	}
	return projected
}

func (e *CapEngine) valuation(price, nativeDelta, settlementDelta *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: valuation price must be positive", ErrInvalidInput)
	}
	nativeReserve, err := e.reserves.NativeReserve()
	if err != nil {
		return nil, err
	}
	settlementReserve, err := e.reserves.SettlementReserve()
	if err != nil {
		return nil, err
	}
	nativeValue := new(big.Int).Mul(projectedReserve(nativeReserve, nativeDelta), price)
	nativeValue.Quo(nativeValue, e.nativeScale)
	settlementValue := new(big.Int).Mul(projectedReserve(settlementReserve, settlementDelta), e.settleNum)
	settlementValue.Quo(settlementValue, e.settleDen)
	return nativeValue.Add(nativeValue, settlementValue), nil
}

// Valuation reports the current reference-denominated value of the custody
// reserves at the supplied oracle price.
func (e *CapEngine) Valuation(price *big.Int) (*big.Int, error) {
	return e.valuation(price, nil, nil)
}

// CheckCapacity projects the reserves after applying the supplied deltas and
// fails with CapError when the resulting valuation exceeds the ceiling. A
// valuation exactly at the ceiling passes. The projected valuation is
// returned in both outcomes so callers can report it.
func (e *CapEngine) CheckCapacity(price, nativeDelta, settlementDelta *big.Int) (*big.Int, error) {
	value, err := e.valuation(price, nativeDelta, settlementDelta)
	if err != nil {
		return nil, err
	}
	ceiling, err := e.reserves.Cap()
	if err != nil {
		return nil, err
	}
	if ceiling == nil || ceiling.Sign() <= 0 {
		return nil, fmt.Errorf("custody: capital cap not configured")
	}
	if value.Cmp(ceiling) > 0 {
		return value, &CapError{Valuation: value, Cap: new(big.Int).Set(ceiling)}
	}
	return value, nil
}
