package vaultd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"nhbvault/crypto"
	"nhbvault/native/custody"
)

var errExternalRail = errors.New("vaultd: external rail client not attached")

// unconfiguredClient backs the external rail mode until a real client is
// attached. Every operation fails so a misconfigured deployment surfaces
// immediately instead of silently simulating transfers.
type unconfiguredClient struct{}

func (unconfiguredClient) NativeBalance(context.Context, crypto.Address) (*big.Int, error) {
	return nil, errExternalRail
}

func (unconfiguredClient) TokenBalance(context.Context, crypto.Address, crypto.Address) (*big.Int, error) {
	return nil, errExternalRail
}

func (unconfiguredClient) TransferNative(context.Context, crypto.Address, crypto.Address, *big.Int) error {
	return errExternalRail
}

func (unconfiguredClient) TransferToken(context.Context, crypto.Address, crypto.Address, crypto.Address, *big.Int) error {
	return errExternalRail
}

func (unconfiguredClient) Approve(context.Context, crypto.Address, crypto.Address, crypto.Address, *big.Int) error {
	return errExternalRail
}

func (unconfiguredClient) Allowance(context.Context, crypto.Address, crypto.Address, crypto.Address) (*big.Int, error) {
	return nil, errExternalRail
}

type unconfiguredRouter struct{}

func (unconfiguredRouter) Swap(context.Context, custody.SwapRequest) (*big.Int, error) {
	return nil, errExternalRail
}

// RouterFunc adapts a function to the custody.SwapRouter interface.
type RouterFunc func(ctx context.Context, req custody.SwapRequest) (*big.Int, error)

// Swap delegates to the wrapped function.
func (f RouterFunc) Swap(ctx context.Context, req custody.SwapRequest) (*big.Int, error) {
	if f == nil {
		return nil, errExternalRail
	}
	return f(ctx, req)
}

type routerAsset struct {
	symbol   custody.Asset
	decimals uint8
}

// TableRouter is the simulated conversion venue. It prices swaps off the
// live oracle rate minus the requested pool fee tier and a configured spread,
// draws input from the custody account over the KV rail (consuming the
// one-shot allowance for token input), and delivers settlement tokens from
// its own inventory account.
type TableRouter struct {
	mu           sync.Mutex
	rail         *KVRail
	oracle       custody.PriceOracle
	account      crypto.Address
	counterparty crypto.Address
	settlement   custody.AssetRef
	settleDec    uint8
	reference    string
	native       routerAsset
	tokens       map[string]routerAsset
	spreadBps    uint64
	now          func() time.Time
}

// NewTableRouter builds the simulated router from the custody parameters.
func NewTableRouter(rail *KVRail, oracle custody.PriceOracle, params custody.Params, spreadBps uint64) *TableRouter {
	return &TableRouter{
		rail:         rail,
		oracle:       oracle,
		account:      params.Router,
		counterparty: params.Custody,
		settlement:   custody.TokenRef(params.SettlementToken),
		settleDec:    params.SettlementDecimals,
		reference:    params.ReferenceSymbol,
		native:       routerAsset{symbol: params.NativeSymbol, decimals: params.NativeDecimals},
		tokens:       make(map[string]routerAsset),
		spreadBps:    spreadBps,
		now:          time.Now,
	}
}

// RegisterAsset teaches the router how to price a whitelisted token.
func (r *TableRouter) RegisterAsset(info custody.AssetInfo) {
	if r == nil {
		return
	}
	normalised := info.Normalise()
	if normalised.Token.IsZero() {
		return
	}
	r.mu.Lock()
	r.tokens[normalised.Token.String()] = routerAsset{symbol: normalised.Symbol, decimals: normalised.Decimals}
	r.mu.Unlock()
}

func (r *TableRouter) resolveInput(ref custody.AssetRef) (routerAsset, error) {
	if ref.Native {
		return r.native, nil
	}
	if entry, ok := r.tokens[ref.Token.String()]; ok {
		return entry, nil
	}
	return routerAsset{}, fmt.Errorf("vaultd: router has no price source for token %s", ref.Token)
}

func routerPow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func (r *TableRouter) quoteOutput(in routerAsset, amountIn *big.Int, feeBps uint64) (*big.Int, error) {
	discount := r.spreadBps + feeBps
	if discount >= 10_000 {
		return nil, fmt.Errorf("vaultd: fee tier %d and spread %d consume the whole output", feeBps, r.spreadBps)
	}
	quote, err := r.oracle.GetRate(string(in.symbol), r.reference)
	if err != nil {
		return nil, fmt.Errorf("vaultd: router rate %s/%s: %w", in.symbol, r.reference, err)
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("vaultd: router rate %s/%s not positive", in.symbol, r.reference)
	}
	out := new(big.Rat).SetInt(amountIn)
	out.Mul(out, quote.Rate)
	out.Mul(out, new(big.Rat).SetInt(routerPow10(r.settleDec)))
	out.Quo(out, new(big.Rat).SetInt(routerPow10(in.decimals)))
	if discount > 0 {
		out.Mul(out, big.NewRat(int64(10_000-discount), 10_000))
	}
	return new(big.Int).Quo(out.Num(), out.Denom()), nil
}

// Swap implements custody.SwapRouter. Output is quoted up front and the
// minimum is enforced before any funds move so a rejected conversion leaves
// both accounts untouched.
func (r *TableRouter) Swap(ctx context.Context, req custody.SwapRequest) (*big.Int, error) {
	if r == nil || r.rail == nil || r.oracle == nil {
		return nil, fmt.Errorf("vaultd: router not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !req.OutputAsset.Equal(r.settlement) {
		return nil, fmt.Errorf("vaultd: router only settles into the settlement token")
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("vaultd: router amount must be positive")
	}
	if !req.Deadline.IsZero() && r.now().After(req.Deadline) {
		return nil, fmt.Errorf("vaultd: router deadline expired")
	}
	in, err := r.resolveInput(req.InputAsset)
	if err != nil {
		return nil, err
	}
	amountOut, err := r.quoteOutput(in, req.AmountIn, req.FeeTier)
	if err != nil {
		return nil, err
	}
	if amountOut.Sign() <= 0 {
		return nil, fmt.Errorf("vaultd: quoted output is zero")
	}
	if req.MinAmountOut != nil && amountOut.Cmp(req.MinAmountOut) < 0 {
		return nil, fmt.Errorf("vaultd: quoted output %s below minimum %s", amountOut, req.MinAmountOut)
	}

	// Inventory is checked before input is drawn so a failed delivery cannot
	// strand the counterparty's funds mid-swap.
	inventory, err := r.rail.TokenBalance(ctx, r.settlement.Token, r.account)
	if err != nil {
		return nil, err
	}
	if inventory.Cmp(amountOut) < 0 {
		return nil, fmt.Errorf("vaultd: router inventory %s below output %s", inventory, amountOut)
	}

	if req.InputAsset.Native {
		if err := r.rail.TransferNative(ctx, r.counterparty, r.account, req.AmountIn); err != nil {
			return nil, fmt.Errorf("vaultd: draw native input: %w", err)
		}
	} else {
		if err := r.rail.TransferFrom(ctx, req.InputAsset.Token, r.counterparty, r.account, r.account, req.AmountIn); err != nil {
			return nil, fmt.Errorf("vaultd: draw token input: %w", err)
		}
	}

	if err := r.rail.TransferToken(ctx, r.settlement.Token, r.account, r.counterparty, amountOut); err != nil {
		r.refundInput(ctx, req)
		return nil, fmt.Errorf("vaultd: deliver output: %w", err)
	}
	return amountOut, nil
}

// refundInput hands drawn input back after a failed delivery so the
// simulated swap behaves atomically. A refund that itself fails leaves the
// input parked in the router account where the reconciler's conservation
// check will flag it.
func (r *TableRouter) refundInput(ctx context.Context, req custody.SwapRequest) {
	var err error
	if req.InputAsset.Native {
		err = r.rail.TransferNative(ctx, r.account, r.counterparty, req.AmountIn)
	} else {
		err = r.rail.TransferToken(ctx, req.InputAsset.Token, r.account, r.counterparty, req.AmountIn)
	}
	if err != nil {
		slog.Warn("vaultd: refund drawn swap input", "error", err, "amount", req.AmountIn.String())
	}
}
