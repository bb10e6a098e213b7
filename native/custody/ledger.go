package custody

import (
	"fmt"
	"math/big"
	"sort"

	"nhbvault/crypto"
)

// Storage abstracts the subset of key-value functionality required by the
// custody ledger. Values are RLP-encoded by the implementation.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var (
	heldBalancePrefix  = []byte("custody/held/")
	settlementPrefix   = []byte("custody/settlement/")
	nativeReserveKey   = []byte("custody/reserve/native")
	settleReserveKey   = []byte("custody/reserve/settlement")
	tokenReservePrefix = []byte("custody/reserve/token/")
	assetRegistryKey   = []byte("custody/assets")
	capPolicyKey       = []byte("custody/policy/cap")
	pausePolicyKey     = []byte("custody/policy/paused")
)

func heldBalanceKey(asset Asset, account crypto.Address) []byte {
	key := append([]byte{}, heldBalancePrefix...)
	key = append(key, []byte(asset)...)
	key = append(key, '/')
	return append(key, account.Bytes()...)
}

func settlementBalanceKey(account crypto.Address) []byte {
	key := append([]byte{}, settlementPrefix...)
	return append(key, account.Bytes()...)
}

func tokenReserveKey(asset Asset) []byte {
	key := append([]byte{}, tokenReservePrefix...)
	return append(key, []byte(asset)...)
}

// Ledger tracks held balances, settlement balances, reserve totals, the
// asset whitelist, and persisted policy (cap, pause flag). Every mutation
// keeps the matching reserve total in sync with the balances it covers.
type Ledger struct {
	store  Storage
	native Asset
}

// NewLedger binds the ledger to its backing store. The native symbol decides
// which reserve total a held-balance mutation moves.
func NewLedger(store Storage, native Asset) *Ledger {
	return &Ledger{store: store, native: NormalizeAsset(string(native))}
}

func (l *Ledger) ready() error {
	if l == nil {
		return errNilLedger
	}
	if l.store == nil {
		return errNilStore
	}
	return nil
}

func (l *Ledger) amountAt(key []byte) (*big.Int, error) {
	var stored string
	found, err := l.store.KVGet(key, &stored)
	if err != nil {
		return nil, fmt.Errorf("custody: load amount: %w", err)
	}
	if !found {
		return big.NewInt(0), nil
	}
	return parseAmount(stored)
}

func (l *Ledger) writeAmount(key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return l.store.KVDelete(key)
	}
	return l.store.KVPut(key, amount.String())
}

// adjust applies delta to the amounts stored under balanceKey and reserveKey
// as one unit: when the reserve write fails the balance write is restored.
func (l *Ledger) adjust(balanceKey, reserveKey []byte, delta *big.Int) error {
	balance, err := l.amountAt(balanceKey)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(balance, delta)
	if next.Sign() < 0 {
		return &BalanceError{Have: balance, Want: new(big.Int).Neg(delta)}
	}
	reserve, err := l.amountAt(reserveKey)
	if err != nil {
		return err
	}
	nextReserve := new(big.Int).Add(reserve, delta)
	if nextReserve.Sign() < 0 {
		return fmt.Errorf("custody: reserve underflow for %q", string(reserveKey))
	}
	if err := l.writeAmount(balanceKey, next); err != nil {
		return fmt.Errorf("custody: persist balance: %w", err)
	}
	if err := l.writeAmount(reserveKey, nextReserve); err != nil {
		if restoreErr := l.writeAmount(balanceKey, balance); restoreErr != nil {
			return fmt.Errorf("custody: persist reserve: %w (balance restore failed: %v)", err, restoreErr)
		}
		return fmt.Errorf("custody: persist reserve: %w", err)
	}
	return nil
}

func (l *Ledger) reserveKeyFor(asset Asset) []byte {
	if asset == l.native {
		return nativeReserveKey
	}
	return tokenReserveKey(asset)
}

// Credit increases the held balance for the account and the matching reserve
// total.
func (l *Ledger) Credit(account crypto.Address, asset Asset, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if account.IsZero() {
		return fmt.Errorf("%w: account required", ErrInvalidInput)
	}
	if err := ensurePositive(amount); err != nil {
		return err
	}
	asset = NormalizeAsset(string(asset))
	return l.adjust(heldBalanceKey(asset, account), l.reserveKeyFor(asset), cloneAmount(amount))
}

// Debit decreases the held balance, failing with BalanceError when the
// account holds less than requested.
func (l *Ledger) Debit(account crypto.Address, asset Asset, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if account.IsZero() {
		return fmt.Errorf("%w: account required", ErrInvalidInput)
	}
	if err := ensurePositive(amount); err != nil {
		return err
	}
	asset = NormalizeAsset(string(asset))
	return l.adjust(heldBalanceKey(asset, account), l.reserveKeyFor(asset), new(big.Int).Neg(amount))
}

// CreditSettlement increases the settlement balance for the account.
func (l *Ledger) CreditSettlement(account crypto.Address, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if account.IsZero() {
		return fmt.Errorf("%w: account required", ErrInvalidInput)
	}
	if err := ensurePositive(amount); err != nil {
		return err
	}
	return l.adjust(settlementBalanceKey(account), settleReserveKey, cloneAmount(amount))
}

// DebitSettlement decreases the settlement balance for the account.
func (l *Ledger) DebitSettlement(account crypto.Address, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if account.IsZero() {
		return fmt.Errorf("%w: account required", ErrInvalidInput)
	}
	if err := ensurePositive(amount); err != nil {
		return err
	}
	return l.adjust(settlementBalanceKey(account), settleReserveKey, new(big.Int).Neg(amount))
}

// HeldBalance returns the recorded held balance for the account and asset.
func (l *Ledger) HeldBalance(account crypto.Address, asset Asset) (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.amountAt(heldBalanceKey(NormalizeAsset(string(asset)), account))
}

// SettlementBalance returns the recorded settlement balance for the account.
func (l *Ledger) SettlementBalance(account crypto.Address) (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.amountAt(settlementBalanceKey(account))
}

// NativeReserve returns the total native coin recorded across all accounts.
func (l *Ledger) NativeReserve() (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.amountAt(nativeReserveKey)
}

// SettlementReserve returns the total settlement asset recorded across all
// accounts.
func (l *Ledger) SettlementReserve() (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.amountAt(settleReserveKey)
}

// TokenReserve returns the recorded total for a whitelisted token.
func (l *Ledger) TokenReserve(asset Asset) (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.amountAt(tokenReserveKey(NormalizeAsset(string(asset))))
}

func (l *Ledger) loadRegistry() ([]AssetInfo, error) {
	var stored []storedAssetInfo
	found, err := l.store.KVGet(assetRegistryKey, &stored)
	if err != nil {
		return nil, fmt.Errorf("custody: load asset registry: %w", err)
	}
	if !found {
		return nil, nil
	}
	infos := make([]AssetInfo, 0, len(stored))
	for _, entry := range stored {
		info, err := entry.info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (l *Ledger) persistRegistry(infos []AssetInfo) error {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Symbol < infos[j].Symbol })
	stored := make([]storedAssetInfo, 0, len(infos))
	for _, info := range infos {
		stored = append(stored, info.stored())
	}
	if err := l.store.KVPut(assetRegistryKey, stored); err != nil {
		return fmt.Errorf("custody: persist asset registry: %w", err)
	}
	return nil
}

// Assets returns the whitelist sorted by symbol.
func (l *Ledger) Assets() ([]AssetInfo, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.loadRegistry()
}

// AssetBySymbol resolves a whitelisted token.
func (l *Ledger) AssetBySymbol(symbol Asset) (AssetInfo, bool, error) {
	if err := l.ready(); err != nil {
		return AssetInfo{}, false, err
	}
	infos, err := l.loadRegistry()
	if err != nil {
		return AssetInfo{}, false, err
	}
	normalized := NormalizeAsset(string(symbol))
	for _, info := range infos {
		if info.Symbol == normalized {
			return info, true, nil
		}
	}
	return AssetInfo{}, false, nil
}

// IsSupported reports whether the symbol is on the whitelist.
func (l *Ledger) IsSupported(symbol Asset) (bool, error) {
	_, ok, err := l.AssetBySymbol(symbol)
	return ok, err
}

// AddAsset whitelists a token, replacing any existing entry for the symbol.
func (l *Ledger) AddAsset(info AssetInfo) error {
	if err := l.ready(); err != nil {
		return err
	}
	normalized := info.Normalise()
	if err := normalized.Validate(); err != nil {
		return err
	}
	infos, err := l.loadRegistry()
	if err != nil {
		return err
	}
	replaced := false
	for i := range infos {
		if infos[i].Symbol == normalized.Symbol {
			infos[i] = normalized
			replaced = true
			break
		}
	}
	if !replaced {
		infos = append(infos, normalized)
	}
	return l.persistRegistry(infos)
}

// RemoveAsset delists a token. Removing an unknown symbol fails with
// ErrUnsupportedAsset.
func (l *Ledger) RemoveAsset(symbol Asset) error {
	if err := l.ready(); err != nil {
		return err
	}
	infos, err := l.loadRegistry()
	if err != nil {
		return err
	}
	normalized := NormalizeAsset(string(symbol))
	kept := infos[:0]
	removed := false
	for _, info := range infos {
		if info.Symbol == normalized {
			removed = true
			continue
		}
		kept = append(kept, info)
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, normalized)
	}
	return l.persistRegistry(kept)
}

// Cap returns the persisted capital ceiling, or nil when none has been
// stored yet.
func (l *Ledger) Cap() (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	var stored string
	found, err := l.store.KVGet(capPolicyKey, &stored)
	if err != nil {
		return nil, fmt.Errorf("custody: load cap: %w", err)
	}
	if !found {
		return nil, nil
	}
	return parseAmount(stored)
}

// SetCap persists the capital ceiling.
func (l *Ledger) SetCap(amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := ensurePositive(amount); err != nil {
		return err
	}
	if err := l.store.KVPut(capPolicyKey, amount.String()); err != nil {
		return fmt.Errorf("custody: persist cap: %w", err)
	}
	return nil
}

// Paused returns the persisted pause flag.
func (l *Ledger) Paused() (bool, error) {
	if err := l.ready(); err != nil {
		return false, err
	}
	var stored bool
	found, err := l.store.KVGet(pausePolicyKey, &stored)
	if err != nil {
		return false, fmt.Errorf("custody: load pause flag: %w", err)
	}
	if !found {
		return false, nil
	}
	return stored, nil
}

// SetPaused persists the pause flag.
func (l *Ledger) SetPaused(paused bool) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := l.store.KVPut(pausePolicyKey, paused); err != nil {
		return fmt.Errorf("custody: persist pause flag: %w", err)
	}
	return nil
}
