package custody

import (
	"errors"
	"fmt"
	"math/big"

	"nhbvault/native/common"
)

var (
	// ErrInvalidInput rejects malformed parameters before any side effect:
	// nil or non-positive amounts, zero addresses, expired deadlines, or the
	// settlement asset offered to the conversion flow.
	ErrInvalidInput = errors.New("custody: invalid input")
	// ErrUnauthorized is returned when the caller is not in the admin set.
	ErrUnauthorized = errors.New("custody: caller not authorised")
	// ErrUnsupportedAsset is returned for assets missing from the whitelist.
	ErrUnsupportedAsset = errors.New("custody: asset not supported")
	// ErrTransferFailed covers asset adapter failures, including pulls whose
	// measured balance delta is zero.
	ErrTransferFailed = errors.New("custody: transfer failed")
	// ErrSwapFailed covers router failures and swaps whose measured output
	// delta is zero even though the router reported success.
	ErrSwapFailed = errors.New("custody: swap failed")
	// ErrOracleFailed is returned whenever a validated price cannot be
	// produced. The cap engine fails closed on it.
	ErrOracleFailed = errors.New("custody: oracle price unavailable")
	// ErrReentrancyBlocked is returned when a mutating workflow is entered
	// while another one still holds the workflow lock.
	ErrReentrancyBlocked = errors.New("custody: workflow already in progress")
	// ErrPaused wraps the shared pause guard sentinel so callers can match
	// either error.
	ErrPaused = fmt.Errorf("custody: %w", common.ErrModulePaused)

	errNilEngine     = errors.New("custody: engine not initialised")
	errNotConfigured = errors.New("custody: engine dependency not configured")
	errNilLedger     = errors.New("custody: ledger not initialised")
	errNilStore      = errors.New("custody: ledger store not configured")
)

// CapError reports a deposit that would push the custody valuation past the
// configured ceiling. The boundary is inclusive: a valuation exactly equal to
// the cap passes and never produces this error.
type CapError struct {
	Valuation *big.Int
	Cap       *big.Int
}

func (e *CapError) Error() string {
	valuation := "0"
	if e.Valuation != nil {
		valuation = e.Valuation.String()
	}
	ceiling := "0"
	if e.Cap != nil {
		ceiling = e.Cap.String()
	}
	return fmt.Sprintf("custody: capital cap exceeded: valuation %s exceeds cap %s", valuation, ceiling)
}

// BalanceError reports a debit beyond the recorded balance.
type BalanceError struct {
	Have *big.Int
	Want *big.Int
}

func (e *BalanceError) Error() string {
	have := "0"
	if e.Have != nil {
		have = e.Have.String()
	}
	want := "0"
	if e.Want != nil {
		want = e.Want.String()
	}
	return fmt.Sprintf("custody: insufficient balance: have %s want %s", have, want)
}

// ErrorClass maps an error to the stable reason label used in telemetry and
// journal records. Successful operations map to the empty string.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var capErr *CapError
	if errors.As(err, &capErr) {
		return "cap_exceeded"
	}
	var balErr *BalanceError
	if errors.As(err, &balErr) {
		return "insufficient_balance"
	}
	switch {
	case errors.Is(err, ErrReentrancyBlocked):
		return "reentrancy"
	case errors.Is(err, common.ErrModulePaused):
		return "paused"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, ErrOracleFailed):
		return "oracle_failed"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrSwapFailed):
		return "swap_failed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
