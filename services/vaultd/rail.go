package vaultd

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"nhbvault/crypto"
	"nhbvault/native/custody"
)

var (
	railNativePrefix    = []byte("rail/native/")
	railTokenPrefix     = []byte("rail/token/")
	railAllowancePrefix = []byte("rail/allowance/")
)

func railNativeKey(account crypto.Address) []byte {
	key := append([]byte{}, railNativePrefix...)
	return append(key, account.Bytes()...)
}

func railTokenKey(token, account crypto.Address) []byte {
	key := append([]byte{}, railTokenPrefix...)
	key = append(key, token.Bytes()...)
	key = append(key, '/')
	return append(key, account.Bytes()...)
}

func railAllowanceKey(token, owner, spender crypto.Address) []byte {
	key := append([]byte{}, railAllowancePrefix...)
	key = append(key, token.Bytes()...)
	key = append(key, '/')
	key = append(key, owner.Bytes()...)
	key = append(key, '/')
	return append(key, spender.Bytes()...)
}

// KVRail is the simulated settlement rail: a token client whose balances
// live in the same state store as the custody ledger. It gives development
// and test deployments real transfer, approval, and allowance semantics
// without an external chain.
type KVRail struct {
	mu    sync.Mutex
	store custody.Storage
}

// NewKVRail binds the rail to the shared state store.
func NewKVRail(store custody.Storage) *KVRail {
	return &KVRail{store: store}
}

func (r *KVRail) ready() error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vaultd: rail store not configured")
	}
	return nil
}

func (r *KVRail) amountAt(key []byte) (*big.Int, error) {
	var stored string
	found, err := r.store.KVGet(key, &stored)
	if err != nil {
		return nil, fmt.Errorf("vaultd: load rail amount: %w", err)
	}
	if !found {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(stored, 10)
	if !ok {
		return nil, fmt.Errorf("vaultd: corrupt rail amount %q", stored)
	}
	return amount, nil
}

func (r *KVRail) writeAmount(key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return r.store.KVDelete(key)
	}
	return r.store.KVPut(key, amount.String())
}

func (r *KVRail) move(fromKey, toKey []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("vaultd: rail transfer amount must be positive")
	}
	fromBal, err := r.amountAt(fromKey)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("vaultd: rail balance %s below transfer amount %s", fromBal, amount)
	}
	toBal, err := r.amountAt(toKey)
	if err != nil {
		return err
	}
	if err := r.writeAmount(fromKey, new(big.Int).Sub(fromBal, amount)); err != nil {
		return fmt.Errorf("vaultd: persist rail debit: %w", err)
	}
	if err := r.writeAmount(toKey, new(big.Int).Add(toBal, amount)); err != nil {
		if restoreErr := r.writeAmount(fromKey, fromBal); restoreErr != nil {
			return fmt.Errorf("vaultd: persist rail credit: %w (debit restore failed: %v)", err, restoreErr)
		}
		return fmt.Errorf("vaultd: persist rail credit: %w", err)
	}
	return nil
}

// NativeBalance implements custody.TokenClient.
func (r *KVRail) NativeBalance(ctx context.Context, account crypto.Address) (*big.Int, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amountAt(railNativeKey(account))
}

// TokenBalance implements custody.TokenClient.
func (r *KVRail) TokenBalance(ctx context.Context, token, account crypto.Address) (*big.Int, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amountAt(railTokenKey(token, account))
}

// TransferNative implements custody.TokenClient.
func (r *KVRail) TransferNative(ctx context.Context, from, to crypto.Address, amount *big.Int) error {
	if err := r.ready(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.move(railNativeKey(from), railNativeKey(to), amount)
}

// TransferToken implements custody.TokenClient.
func (r *KVRail) TransferToken(ctx context.Context, token, from, to crypto.Address, amount *big.Int) error {
	if err := r.ready(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.move(railTokenKey(token, from), railTokenKey(token, to), amount)
}

// Approve implements custody.TokenClient. A zero amount clears the
// allowance entry.
func (r *KVRail) Approve(ctx context.Context, token, owner, spender crypto.Address, amount *big.Int) error {
	if err := r.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("vaultd: rail allowance must not be negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeAmount(railAllowanceKey(token, owner, spender), amount)
}

// Allowance implements custody.TokenClient.
func (r *KVRail) Allowance(ctx context.Context, token, owner, spender crypto.Address) (*big.Int, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amountAt(railAllowanceKey(token, owner, spender))
}

// TransferFrom moves owner funds using the spender's allowance, mirroring the
// transferFrom contract call a router would make. The allowance is reduced by
// the transferred amount.
func (r *KVRail) TransferFrom(ctx context.Context, token, owner, spender, to crypto.Address, amount *big.Int) error {
	if err := r.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("vaultd: rail transfer amount must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	allowanceKey := railAllowanceKey(token, owner, spender)
	allowance, err := r.amountAt(allowanceKey)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("vaultd: rail allowance %s below transfer amount %s", allowance, amount)
	}
	if err := r.move(railTokenKey(token, owner), railTokenKey(token, to), amount); err != nil {
		return err
	}
	return r.writeAmount(allowanceKey, new(big.Int).Sub(allowance, amount))
}

// Mint credits the account out of thin air. Deployments use it to seed
// development balances and router inventory; it has no counterpart on a real
// rail.
func (r *KVRail) Mint(ctx context.Context, ref custody.AssetRef, account crypto.Address, amount *big.Int) error {
	if err := r.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("vaultd: mint amount must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := railNativeKey(account)
	if !ref.Native {
		if ref.Token.IsZero() {
			return fmt.Errorf("vaultd: mint token address required")
		}
		key = railTokenKey(ref.Token, account)
	}
	balance, err := r.amountAt(key)
	if err != nil {
		return err
	}
	return r.writeAmount(key, new(big.Int).Add(balance, amount))
}
