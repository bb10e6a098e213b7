package custody

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"nhbvault/crypto"
)

// TokenClient is the settlement-rail surface the adapters drive. Balances are
// authoritative: every transfer outcome is confirmed by re-reading them
// rather than trusting the counterparty's reply.
type TokenClient interface {
	NativeBalance(ctx context.Context, account crypto.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account crypto.Address) (*big.Int, error)
	TransferNative(ctx context.Context, from, to crypto.Address, amount *big.Int) error
	TransferToken(ctx context.Context, token, from, to crypto.Address, amount *big.Int) error
	Approve(ctx context.Context, token, owner, spender crypto.Address, amount *big.Int) error
	Allowance(ctx context.Context, token, owner, spender crypto.Address) (*big.Int, error)
}

func assetBalance(ctx context.Context, client TokenClient, ref AssetRef, account crypto.Address) (*big.Int, error) {
	if ref.Native {
		return client.NativeBalance(ctx, account)
	}
	return client.TokenBalance(ctx, ref.Token, account)
}

func validRef(ref AssetRef) error {
	if !ref.Native && ref.Token.IsZero() {
		return fmt.Errorf("%w: token address required", ErrInvalidInput)
	}
	return nil
}

// TransferAdapter moves value between external accounts and the custody
// account. Credited amounts are always the measured custody balance delta so
// fee-on-transfer assets settle at what actually arrived.
type TransferAdapter struct {
	client  TokenClient
	custody crypto.Address
}

// NewTransferAdapter binds the adapter to the custody account.
func NewTransferAdapter(client TokenClient, custody crypto.Address) *TransferAdapter {
	return &TransferAdapter{client: client, custody: custody}
}

// Custody returns the account the adapter settles into.
func (a *TransferAdapter) Custody() crypto.Address {
	if a == nil {
		return crypto.Address{}
	}
	return a.custody
}

func (a *TransferAdapter) ready() error {
	if a == nil || a.client == nil {
		return errNotConfigured
	}
	if a.custody.IsZero() {
		return fmt.Errorf("%w: custody account required", ErrInvalidInput)
	}
	return nil
}

// PullFrom draws amount of the asset from the external account into custody
// and returns the measured custody balance increase. A transfer that moves
// nothing fails with ErrTransferFailed.
func (a *TransferAdapter) PullFrom(ctx context.Context, from crypto.Address, ref AssetRef, amount *big.Int) (*big.Int, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if from.IsZero() {
		return nil, fmt.Errorf("%w: source account required", ErrInvalidInput)
	}
	if err := validRef(ref); err != nil {
		return nil, err
	}
	if err := ensurePositive(amount); err != nil {
		return nil, err
	}
	before, err := assetBalance(ctx, a.client, ref, a.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: read custody balance: %v", ErrTransferFailed, err)
	}
	if ref.Native {
		err = a.client.TransferNative(ctx, from, a.custody, amount)
	} else {
		err = a.client.TransferToken(ctx, ref.Token, from, a.custody, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: pull: %v", ErrTransferFailed, err)
	}
	after, err := assetBalance(ctx, a.client, ref, a.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: confirm custody balance: %v", ErrTransferFailed, err)
	}
	delta := new(big.Int).Sub(after, before)
	if delta.Sign() <= 0 {
		return nil, fmt.Errorf("%w: pull moved no value", ErrTransferFailed)
	}
	return delta, nil
}

// PushTo sends amount of the asset from custody to the external account and
// returns the measured recipient balance increase.
func (a *TransferAdapter) PushTo(ctx context.Context, to crypto.Address, ref AssetRef, amount *big.Int) (*big.Int, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if to.IsZero() {
		return nil, fmt.Errorf("%w: destination account required", ErrInvalidInput)
	}
	if err := validRef(ref); err != nil {
		return nil, err
	}
	if err := ensurePositive(amount); err != nil {
		return nil, err
	}
	before, err := assetBalance(ctx, a.client, ref, to)
	if err != nil {
		return nil, fmt.Errorf("%w: read recipient balance: %v", ErrTransferFailed, err)
	}
	if ref.Native {
		err = a.client.TransferNative(ctx, a.custody, to, amount)
	} else {
		err = a.client.TransferToken(ctx, ref.Token, a.custody, to, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: push: %v", ErrTransferFailed, err)
	}
	after, err := assetBalance(ctx, a.client, ref, to)
	if err != nil {
		return nil, fmt.Errorf("%w: confirm recipient balance: %v", ErrTransferFailed, err)
	}
	delta := new(big.Int).Sub(after, before)
	if delta.Sign() <= 0 {
		return nil, fmt.Errorf("%w: push moved no value", ErrTransferFailed)
	}
	return delta, nil
}

// ApproveSpender sets the custody allowance for a spender. A zero amount
// revokes the allowance.
func (a *TransferAdapter) ApproveSpender(ctx context.Context, token, spender crypto.Address, amount *big.Int) error {
	if err := a.ready(); err != nil {
		return err
	}
	if token.IsZero() || spender.IsZero() {
		return fmt.Errorf("%w: token and spender required", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: allowance must not be negative", ErrInvalidInput)
	}
	if err := a.client.Approve(ctx, token, a.custody, spender, amount); err != nil {
		return fmt.Errorf("%w: approve: %v", ErrTransferFailed, err)
	}
	return nil
}

// SwapRequest describes one conversion against the router. FeeTier selects
// the venue pool in basis points; MinAmountOut and Deadline are forwarded for
// the router's own enforcement.
type SwapRequest struct {
	InputAsset   AssetRef
	AmountIn     *big.Int
	OutputAsset  AssetRef
	MinAmountOut *big.Int
	FeeTier      uint64
	Deadline     time.Time
}

// SwapRouter executes a conversion. The returned amount is the router's own
// claim and is never trusted for accounting; the adapter measures the custody
// balance delta instead. Native input is drawn by the router directly while
// token input is covered by the one-shot allowance the adapter grants.
type SwapRouter interface {
	Swap(ctx context.Context, req SwapRequest) (*big.Int, error)
}

// SwapAdapter drives conversions through the router with allowance hygiene:
// token input is approved for exactly the swap amount and any residual
// allowance is revoked after the call regardless of the outcome.
type SwapAdapter struct {
	client  TokenClient
	router  SwapRouter
	spender crypto.Address
	custody crypto.Address
}

// NewSwapAdapter binds the adapter to the router and its spending account.
func NewSwapAdapter(client TokenClient, router SwapRouter, spender, custody crypto.Address) *SwapAdapter {
	return &SwapAdapter{client: client, router: router, spender: spender, custody: custody}
}

func (a *SwapAdapter) ready() error {
	if a == nil || a.client == nil || a.router == nil {
		return errNotConfigured
	}
	if a.spender.IsZero() || a.custody.IsZero() {
		return fmt.Errorf("%w: router and custody accounts required", ErrInvalidInput)
	}
	return nil
}

func (a *SwapAdapter) revokeResidual(ctx context.Context, token crypto.Address) {
	allowance, err := a.client.Allowance(ctx, token, a.custody, a.spender)
	if err != nil {
		slog.Warn("custody: read residual router allowance", "error", err)
		return
	}
	if allowance == nil || allowance.Sign() == 0 {
		return
	}
	if err := a.client.Approve(ctx, token, a.custody, a.spender, big.NewInt(0)); err != nil {
		slog.Warn("custody: revoke residual router allowance", "error", err, "allowance", allowance.String())
	}
}

// Execute runs the swap and returns the measured output amount. A router call
// that reports success without growing the custody output balance fails with
// ErrSwapFailed. The minimum output is the router's check, not repeated here;
// the measured delta is what callers settle with.
func (a *SwapAdapter) Execute(ctx context.Context, now time.Time, req SwapRequest) (*big.Int, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if err := validRef(req.InputAsset); err != nil {
		return nil, err
	}
	if err := validRef(req.OutputAsset); err != nil {
		return nil, err
	}
	if req.InputAsset.Equal(req.OutputAsset) {
		return nil, fmt.Errorf("%w: input and output assets must differ", ErrInvalidInput)
	}
	if err := ensurePositive(req.AmountIn); err != nil {
		return nil, err
	}
	if req.MinAmountOut != nil && req.MinAmountOut.Sign() < 0 {
		return nil, fmt.Errorf("%w: minimum output must not be negative", ErrInvalidInput)
	}
	if !req.Deadline.IsZero() && now.After(req.Deadline) {
		return nil, fmt.Errorf("%w: swap deadline expired", ErrInvalidInput)
	}

	before, err := assetBalance(ctx, a.client, req.OutputAsset, a.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: read output balance: %v", ErrSwapFailed, err)
	}

	tokenInput := !req.InputAsset.Native
	if tokenInput {
		if err := a.client.Approve(ctx, req.InputAsset.Token, a.custody, a.spender, req.AmountIn); err != nil {
			return nil, fmt.Errorf("%w: grant router allowance: %v", ErrSwapFailed, err)
		}
	}

	claimed, routerErr := a.router.Swap(ctx, req)
	if tokenInput {
		a.revokeResidual(ctx, req.InputAsset.Token)
	}
	if routerErr != nil {
		return nil, fmt.Errorf("%w: router: %v", ErrSwapFailed, routerErr)
	}

	after, err := assetBalance(ctx, a.client, req.OutputAsset, a.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: confirm output balance: %v", ErrSwapFailed, err)
	}
	delta := new(big.Int).Sub(after, before)
	if delta.Sign() <= 0 {
		if claimed != nil {
			return nil, fmt.Errorf("%w: router claimed %s but delivered nothing", ErrSwapFailed, claimed)
		}
		return nil, fmt.Errorf("%w: router delivered nothing", ErrSwapFailed)
	}
	return delta, nil
}
