package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"nhbvault/core/events"
	"nhbvault/crypto"
	"nhbvault/native/common"
)

type captureEmitter struct {
	payloads []*events.Payload
}

func (c *captureEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	c.payloads = append(c.payloads, evt.Event())
}

type captureJournal struct {
	records []OperationRecord
}

func (c *captureJournal) RecordOperation(_ context.Context, record OperationRecord) error {
	c.records = append(c.records, record)
	return nil
}

type engineFixture struct {
	t      *testing.T
	now    time.Time
	chain  *fakeChain
	store  *mockStorage
	ledger *Ledger
	oracle *ManualOracle
	engine *Engine
	events *captureEmitter
	audit  *captureJournal

	// swapRoute is consulted by the wired router so tests can swap the
	// conversion behaviour without rebuilding the engine.
	swapRoute routerFunc

	admin      crypto.Address
	outsider   crypto.Address
	user       crypto.Address
	custody    crypto.Address
	router     crypto.Address
	settlement crypto.Address
	weth       crypto.Address
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		t:      t,
		now:    time.Unix(1_700_000_000, 0),
		chain:  newFakeChain(),
		store:  newMockStorage(),
		events: &captureEmitter{},
		audit:  &captureJournal{},
	}
	fx.admin = testAddress(t, 0xA1)
	fx.outsider = testAddress(t, 0xB2)
	fx.user = testAddress(t, 0x11)
	fx.custody = testAddress(t, 0xC1)
	fx.router = testAddress(t, 0xD1)
	fx.settlement = testAddress(t, 0xE1)
	fx.weth = testAddress(t, 0xF1)

	params := Params{
		NativeSymbol:       "NHB",
		NativeDecimals:     0,
		SettlementSymbol:   "ZNHB",
		SettlementToken:    fx.settlement,
		SettlementDecimals: 0,
		ReferenceSymbol:    "USD",
		ReferenceDecimals:  0,
		Custody:            fx.custody,
		Router:             fx.router,
		InitialCap:         big.NewInt(1_000_000),
		OracleHeartbeat:    time.Hour,
		FeeTiers:           map[string]uint64{"standard": 30, "flat": 0},
		Admins:             []crypto.Address{fx.admin},
	}
	fx.ledger = NewLedger(fx.store, params.NativeSymbol)
	capEngine := NewCapEngine(fx.ledger, params.NativeDecimals, params.SettlementDecimals, params.ReferenceDecimals)
	fx.oracle = NewManualOracle()
	fx.setRate("2000", fx.now)
	source := NewOraclePriceSource(fx.oracle, "NHB", "USD", params.ReferenceDecimals, params.OracleHeartbeat)
	transfers := NewTransferAdapter(fx.chain, fx.custody)
	fx.swapRoute = fx.conversionRouter(2000)
	dispatcher := routerFunc(func(ctx context.Context, req SwapRequest) (*big.Int, error) {
		return fx.swapRoute(ctx, req)
	})
	swapper := NewSwapAdapter(fx.chain, dispatcher, fx.router, fx.custody)

	engine, err := NewEngine(params, fx.ledger, capEngine, source, transfers, swapper)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetEmitter(fx.events)
	engine.SetJournal(fx.audit)
	engine.WithClock(func() time.Time { return fx.now })
	if err := engine.Bootstrap([]AssetInfo{{Symbol: "WETH", Token: fx.weth, Decimals: 18}}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	fx.engine = engine
	return fx
}

func (fx *engineFixture) setRate(rate string, ts time.Time) {
	fx.t.Helper()
	if err := fx.oracle.SetDecimal("NHB", "USD", rate, ts); err != nil {
		fx.t.Fatalf("set rate: %v", err)
	}
}

// conversionRouter drains the swap input from custody and mints rate-times
// the input as output, the way the production router settles. It reverts
// without moving funds when the output would undershoot the minimum.
func (fx *engineFixture) conversionRouter(rate int64) routerFunc {
	return func(ctx context.Context, req SwapRequest) (*big.Int, error) {
		out := new(big.Int).Mul(req.AmountIn, big.NewInt(rate))
		if req.MinAmountOut != nil && out.Cmp(req.MinAmountOut) < 0 {
			return nil, errors.New("router: insufficient output amount")
		}
		if req.InputAsset.Native {
			if err := fx.chain.TransferNative(ctx, fx.custody, fx.router, req.AmountIn); err != nil {
				return nil, err
			}
		} else {
			if err := fx.chain.TransferToken(ctx, req.InputAsset.Token, fx.custody, fx.router, req.AmountIn); err != nil {
				return nil, err
			}
		}
		fx.chain.credit(req.OutputAsset, fx.custody, out)
		return out, nil
	}
}

func (fx *engineFixture) lastRecord() OperationRecord {
	fx.t.Helper()
	if len(fx.audit.records) == 0 {
		fx.t.Fatalf("expected at least one journal record")
	}
	return fx.audit.records[len(fx.audit.records)-1]
}

func (fx *engineFixture) heldBalance(account crypto.Address, asset Asset) *big.Int {
	fx.t.Helper()
	balance, err := fx.ledger.HeldBalance(account, asset)
	if err != nil {
		fx.t.Fatalf("held balance: %v", err)
	}
	return balance
}

func (fx *engineFixture) settlementBalance(account crypto.Address) *big.Int {
	fx.t.Helper()
	balance, err := fx.ledger.SettlementBalance(account)
	if err != nil {
		fx.t.Fatalf("settlement balance: %v", err)
	}
	return balance
}

func (fx *engineFixture) nativeReserve() *big.Int {
	fx.t.Helper()
	reserve, err := fx.ledger.NativeReserve()
	if err != nil {
		fx.t.Fatalf("native reserve: %v", err)
	}
	return reserve
}

func (fx *engineFixture) settlementReserve() *big.Int {
	fx.t.Helper()
	reserve, err := fx.ledger.SettlementReserve()
	if err != nil {
		fx.t.Fatalf("settlement reserve: %v", err)
	}
	return reserve
}

func TestEngineDepositNativeWithinCap(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	receipt, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(250))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.OperationID == "" {
		t.Fatalf("expected an operation id")
	}
	if receipt.AmountIn.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected amount in 250, got %s", receipt.AmountIn)
	}
	if receipt.Valuation == nil || receipt.Valuation.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected valuation 500000, got %v", receipt.Valuation)
	}
	if got := fx.heldBalance(fx.user, "NHB"); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected held balance 250, got %s", got)
	}
	if got := fx.nativeReserve(); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected native reserve 250, got %s", got)
	}
	if got := cloneOrZero(fx.chain.native[fx.user.String()]); got.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("expected user chain balance 750, got %s", got)
	}
	if got := cloneOrZero(fx.chain.native[fx.custody.String()]); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected custody chain balance 250, got %s", got)
	}
	if len(fx.events.payloads) == 0 || fx.events.payloads[len(fx.events.payloads)-1].Type != EventTypeDeposit {
		t.Fatalf("expected a deposit event")
	}
	record := fx.lastRecord()
	if record.Status != StatusOK || record.Operation != OpDeposit || record.AmountIn != "250" {
		t.Fatalf("unexpected journal record %+v", record)
	}
}

func TestEngineDepositNativeCapExceeded(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	_, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(750))
	var capErr *CapError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected cap error, got %v", err)
	}
	if capErr.Valuation.Cmp(big.NewInt(1_500_000)) != 0 || capErr.Cap.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected cap error detail %+v", capErr)
	}
	if got := fx.heldBalance(fx.user, "NHB"); got.Sign() != 0 {
		t.Fatalf("expected held balance untouched, got %s", got)
	}
	if got := cloneOrZero(fx.chain.native[fx.user.String()]); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected no transfer before the cap check, user holds %s", got)
	}
	record := fx.lastRecord()
	if record.Status != StatusFailed || record.Reason != "cap_exceeded" {
		t.Fatalf("unexpected journal record %+v", record)
	}
}

func TestEngineDepositAtCapBoundary(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	receipt, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(500))
	if err != nil {
		t.Fatalf("deposit at the exact ceiling should pass: %v", err)
	}
	if receipt.Valuation.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected valuation 1000000, got %s", receipt.Valuation)
	}
}

func TestEngineDepositStaleOracleFailsClosed(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)
	fx.setRate("2000", fx.now.Add(-2*time.Hour))

	_, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(10))
	if !errors.Is(err, ErrOracleFailed) {
		t.Fatalf("expected oracle failure, got %v", err)
	}
	if got := fx.heldBalance(fx.user, "NHB"); got.Sign() != 0 {
		t.Fatalf("expected ledger untouched, got %s", got)
	}
	if got := cloneOrZero(fx.chain.native[fx.user.String()]); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected no transfer, user holds %s", got)
	}
	if record := fx.lastRecord(); record.Reason != "oracle_failed" {
		t.Fatalf("unexpected journal record %+v", record)
	}
}

func TestEngineDepositUnsupportedAsset(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	_, err := fx.engine.DepositHeld(context.Background(), fx.user, "DOGE", big.NewInt(10))
	if !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected unsupported asset, got %v", err)
	}
	if got := cloneOrZero(fx.chain.native[fx.user.String()]); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected no transfer, user holds %s", got)
	}
	if fx.chain.approvals != 0 {
		t.Fatalf("expected no approvals, got %d", fx.chain.approvals)
	}
}

func TestEngineDepositTokenSkipsOracle(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setToken(fx.weth, fx.user, 50)
	// Whitelisted token deposits are not valued, so a stalled oracle must
	// not block them.
	fx.setRate("2000", fx.now.Add(-48*time.Hour))

	receipt, err := fx.engine.DepositHeld(context.Background(), fx.user, "WETH", big.NewInt(50))
	if err != nil {
		t.Fatalf("token deposit: %v", err)
	}
	if receipt.Valuation != nil {
		t.Fatalf("token deposits carry no valuation, got %s", receipt.Valuation)
	}
	if got := fx.heldBalance(fx.user, "WETH"); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected held balance 50, got %s", got)
	}
	reserve, err := fx.ledger.TokenReserve("WETH")
	if err != nil {
		t.Fatalf("token reserve: %v", err)
	}
	if reserve.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected token reserve 50, got %s", reserve)
	}
	if got := fx.nativeReserve(); got.Sign() != 0 {
		t.Fatalf("token deposit must not touch the native reserve, got %s", got)
	}
}

func TestEngineConvertSuccess(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)
	inner := fx.swapRoute
	var routed SwapRequest
	fx.swapRoute = func(ctx context.Context, req SwapRequest) (*big.Int, error) {
		routed = req
		return inner(ctx, req)
	}

	receipt, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "NHB", big.NewInt(250), "standard", nil, time.Time{})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// 250 native at rate 2000 yields 500000, credited in full.
	if receipt.AmountOut.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected output 500000, got %s", receipt.AmountOut)
	}
	if receipt.FeeTier != "standard" {
		t.Fatalf("expected tier standard, got %q", receipt.FeeTier)
	}
	if routed.FeeTier != 30 {
		t.Fatalf("expected 30 bps forwarded to the router, got %d", routed.FeeTier)
	}
	if receipt.Valuation.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected valuation 500000, got %s", receipt.Valuation)
	}
	if got := fx.settlementBalance(fx.user); got.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected settlement balance 500000, got %s", got)
	}
	if got := fx.settlementBalance(fx.custody); got.Sign() != 0 {
		t.Fatalf("expected no operator balance, got %s", got)
	}
	if got := fx.settlementReserve(); got.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected settlement reserve 500000, got %s", got)
	}
	chainSettlement, err := fx.chain.TokenBalance(context.Background(), fx.settlement, fx.custody)
	if err != nil {
		t.Fatalf("chain settlement balance: %v", err)
	}
	if chainSettlement.Cmp(fx.settlementReserve()) != 0 {
		t.Fatalf("chain custody %s diverged from settlement reserve %s", chainSettlement, fx.settlementReserve())
	}
	record := fx.lastRecord()
	if record.Operation != OpDepositAndConvert || record.AmountOut != "500000" || record.FeeTier != "standard" {
		t.Fatalf("unexpected journal record %+v", record)
	}
	if fx.events.payloads[len(fx.events.payloads)-1].Type != EventTypeConvert {
		t.Fatalf("expected a conversion event")
	}
}

func TestEngineConvertRejectsSettlementAsset(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setToken(fx.settlement, fx.user, 100)

	_, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "ZNHB", big.NewInt(100), "standard", nil, time.Time{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	balance, err := fx.chain.TokenBalance(context.Background(), fx.settlement, fx.user)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected no transfer, user holds %s", balance)
	}
}

func TestEngineConvertUnknownFeeTier(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	_, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "NHB", big.NewInt(10), "vip", nil, time.Time{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestEngineConvertCapExceededReturnsFunds(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	_, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "NHB", big.NewInt(750), "flat", nil, time.Time{})
	var capErr *CapError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected cap error, got %v", err)
	}
	if capErr.Valuation.Cmp(big.NewInt(1_500_000)) != 0 || capErr.Cap.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected cap error detail %+v", capErr)
	}
	// The conversion already settled on the rail, so the output lands with
	// the depositor instead of entering custody.
	balance, err := fx.chain.TokenBalance(context.Background(), fx.settlement, fx.user)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("expected converted output returned to the user, got %s", balance)
	}
	if got := fx.settlementReserve(); got.Sign() != 0 {
		t.Fatalf("expected settlement reserve untouched, got %s", got)
	}
	if got := fx.settlementBalance(fx.user); got.Sign() != 0 {
		t.Fatalf("expected no settlement credit, got %s", got)
	}
	if record := fx.lastRecord(); record.Reason != "cap_exceeded" {
		t.Fatalf("unexpected journal record %+v", record)
	}
}

func TestEngineConvertZeroDeltaRouterRevertsInput(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setToken(fx.weth, fx.user, 500)
	fx.swapRoute = func(ctx context.Context, req SwapRequest) (*big.Int, error) {
		// Claim a fill without delivering anything.
		return new(big.Int).Set(req.AmountIn), nil
	}

	_, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "WETH", big.NewInt(500), "flat", nil, time.Time{})
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("expected swap failure, got %v", err)
	}
	allowance, err := fx.chain.Allowance(context.Background(), fx.weth, fx.custody, fx.router)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Sign() != 0 {
		t.Fatalf("expected residual allowance revoked, got %s", allowance)
	}
	if fx.chain.approvals < 2 {
		t.Fatalf("expected grant and revoke approvals, got %d", fx.chain.approvals)
	}
	balance, err := fx.chain.TokenBalance(context.Background(), fx.weth, fx.user)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected pulled input refunded, user holds %s", balance)
	}
	if got := fx.settlementReserve(); got.Sign() != 0 {
		t.Fatalf("expected ledger untouched, got %s", got)
	}
	if record := fx.lastRecord(); record.Reason != "swap_failed" {
		t.Fatalf("unexpected journal record %+v", record)
	}
}

func TestEngineConvertBelowMinimumOutput(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	_, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "NHB", big.NewInt(10), "flat", big.NewInt(30_000), time.Time{})
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("expected swap failure, got %v", err)
	}
	if got := cloneOrZero(fx.chain.native[fx.user.String()]); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected input refunded, user holds %s", got)
	}
}

func TestEngineWithdrawInsufficientBalance(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 100)
	if _, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(100)); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	_, err := fx.engine.WithdrawHeld(context.Background(), fx.user, "NHB", big.NewInt(250))
	var balErr *BalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected balance error, got %v", err)
	}
	if balErr.Have.Cmp(big.NewInt(100)) != 0 || balErr.Want.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("unexpected balance error detail %+v", balErr)
	}
	if got := cloneOrZero(fx.chain.native[fx.custody.String()]); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected no transfer attempted, custody holds %s", got)
	}
	if got := fx.heldBalance(fx.user, "NHB"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected held balance intact, got %s", got)
	}
	if record := fx.lastRecord(); record.Reason != "insufficient_balance" {
		t.Fatalf("unexpected journal record %+v", record)
	}
}

func TestEngineWithdrawRoundTrip(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 300)
	if _, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(250)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := fx.engine.WithdrawHeld(context.Background(), fx.user, "NHB", big.NewInt(250)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := fx.heldBalance(fx.user, "NHB"); got.Sign() != 0 {
		t.Fatalf("expected held balance drained, got %s", got)
	}
	if got := fx.nativeReserve(); got.Sign() != 0 {
		t.Fatalf("expected native reserve drained, got %s", got)
	}
	if got := cloneOrZero(fx.chain.native[fx.user.String()]); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected user balance restored, got %s", got)
	}
}

func TestEngineWithdrawSettlement(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)
	if _, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "NHB", big.NewInt(250), "standard", nil, time.Time{}); err != nil {
		t.Fatalf("convert: %v", err)
	}

	if _, err := fx.engine.WithdrawSettlement(context.Background(), fx.user, big.NewInt(500_000)); err != nil {
		t.Fatalf("withdraw settlement: %v", err)
	}
	if got := fx.settlementBalance(fx.user); got.Sign() != 0 {
		t.Fatalf("expected settlement balance drained, got %s", got)
	}
	if got := fx.settlementReserve(); got.Sign() != 0 {
		t.Fatalf("expected settlement reserve drained, got %s", got)
	}
	balance, err := fx.chain.TokenBalance(context.Background(), fx.settlement, fx.user)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected user chain balance 500000, got %s", balance)
	}

	_, err = fx.engine.WithdrawSettlement(context.Background(), fx.user, big.NewInt(1))
	var balErr *BalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected balance error on the drained account, got %v", err)
	}
}

func TestEngineReentrantRouterBlocked(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)
	var innerErr error
	fx.swapRoute = func(ctx context.Context, req SwapRequest) (*big.Int, error) {
		_, innerErr = fx.engine.WithdrawHeld(ctx, fx.user, "NHB", big.NewInt(1))
		return nil, innerErr
	}

	_, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "NHB", big.NewInt(10), "flat", nil, time.Time{})
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("expected the outer workflow to fail, got %v", err)
	}
	if !errors.Is(innerErr, ErrReentrancyBlocked) {
		t.Fatalf("expected the nested call to be blocked, got %v", innerErr)
	}
	if got := fx.heldBalance(fx.user, "NHB"); got.Sign() != 0 {
		t.Fatalf("expected ledger untouched, got %s", got)
	}
	if got := cloneOrZero(fx.chain.native[fx.user.String()]); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected input refunded, user holds %s", got)
	}
}

func TestEnginePauseBlocksMutations(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	if _, err := fx.engine.Pause(context.Background(), fx.outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized pause, got %v", err)
	}
	if _, err := fx.engine.Pause(context.Background(), fx.admin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !fx.engine.Paused() {
		t.Fatalf("expected pause engaged")
	}

	if _, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(1)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected paused deposit, got %v", err)
	}
	if _, err := fx.engine.DepositAndConvert(context.Background(), fx.user, "NHB", big.NewInt(1), "flat", nil, time.Time{}); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected paused convert, got %v", err)
	}
	if _, err := fx.engine.WithdrawHeld(context.Background(), fx.user, "NHB", big.NewInt(1)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected paused withdraw, got %v", err)
	}
	if _, err := fx.engine.WithdrawSettlement(context.Background(), fx.user, big.NewInt(1)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected paused settlement withdraw, got %v", err)
	}
	if _, err := fx.engine.SetCap(context.Background(), fx.admin, big.NewInt(5)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected paused cap update, got %v", err)
	}

	// Pause administration stays available while paused.
	if _, err := fx.engine.Pause(context.Background(), fx.admin); err != nil {
		t.Fatalf("repeated pause: %v", err)
	}
	if _, err := fx.engine.Resume(context.Background(), fx.admin); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if fx.engine.Paused() {
		t.Fatalf("expected pause released")
	}
	if _, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(1)); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}

func TestEngineAdminGuards(t *testing.T) {
	fx := newEngineFixture(t)

	if _, err := fx.engine.SetCap(context.Background(), fx.outsider, big.NewInt(5)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized cap update, got %v", err)
	}
	if _, err := fx.engine.SetCap(context.Background(), fx.admin, big.NewInt(2_000_000)); err != nil {
		t.Fatalf("cap update: %v", err)
	}
	stored, err := fx.ledger.Cap()
	if err != nil {
		t.Fatalf("cap: %v", err)
	}
	if stored.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("expected cap 2000000, got %s", stored)
	}

	info := AssetInfo{Symbol: "USDC", Token: testAddress(t, 0x77), Decimals: 6}
	if _, err := fx.engine.AddSupportedAsset(context.Background(), fx.outsider, info); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized listing, got %v", err)
	}
	if _, err := fx.engine.AddSupportedAsset(context.Background(), fx.admin, info); err != nil {
		t.Fatalf("listing: %v", err)
	}
	native := AssetInfo{Symbol: "NHB", Token: testAddress(t, 0x78), Decimals: 18}
	if _, err := fx.engine.AddSupportedAsset(context.Background(), fx.admin, native); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected native symbol rejected, got %v", err)
	}

	fx.chain.setToken(fx.weth, fx.user, 10)
	if _, err := fx.engine.DepositHeld(context.Background(), fx.user, "WETH", big.NewInt(10)); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	if _, err := fx.engine.RemoveSupportedAsset(context.Background(), fx.admin, "WETH"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected delisting refused while balances remain, got %v", err)
	}
	if _, err := fx.engine.WithdrawHeld(context.Background(), fx.user, "WETH", big.NewInt(10)); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := fx.engine.RemoveSupportedAsset(context.Background(), fx.admin, "WETH"); err != nil {
		t.Fatalf("delisting: %v", err)
	}
	if _, err := fx.engine.RemoveSupportedAsset(context.Background(), fx.admin, "WETH"); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected unknown asset on repeat delisting, got %v", err)
	}
}

func TestEngineBootstrapRestoresState(t *testing.T) {
	fx := newEngineFixture(t)
	if _, err := fx.engine.Pause(context.Background(), fx.admin); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// A rebuilt engine over the same store comes back paused with the
	// stored cap intact.
	rebuilt, err := NewEngine(fx.engine.Params(), fx.ledger, NewCapEngine(fx.ledger, 0, 0, 0),
		NewOraclePriceSource(fx.oracle, "NHB", "USD", 0, time.Hour),
		NewTransferAdapter(fx.chain, fx.custody),
		NewSwapAdapter(fx.chain, routerFunc(func(ctx context.Context, req SwapRequest) (*big.Int, error) {
			return nil, errors.New("unused")
		}), fx.router, fx.custody))
	if err != nil {
		t.Fatalf("rebuild engine: %v", err)
	}
	rebuilt.WithClock(func() time.Time { return fx.now })
	if err := rebuilt.Bootstrap(nil); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !rebuilt.Paused() {
		t.Fatalf("expected pause restored from the store")
	}
	stored, err := fx.ledger.Cap()
	if err != nil {
		t.Fatalf("cap: %v", err)
	}
	if stored.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected stored cap preserved, got %s", stored)
	}
}

func TestEngineCapStatus(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)
	if _, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(250)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	status, err := fx.engine.CapStatus(context.Background())
	if err != nil {
		t.Fatalf("cap status: %v", err)
	}
	if status.Valuation.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected valuation 500000, got %s", status.Valuation)
	}
	if status.Cap.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected cap 1000000, got %s", status.Cap)
	}
	if status.Remaining.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected remaining 500000, got %s", status.Remaining)
	}
	if status.Paused {
		t.Fatalf("expected unpaused status")
	}

	fx.setRate("2000", fx.now.Add(-2*time.Hour))
	if _, err := fx.engine.CapStatus(context.Background()); !errors.Is(err, ErrOracleFailed) {
		t.Fatalf("expected stale oracle to fail closed, got %v", err)
	}
}

func TestEngineConservationAcrossWorkflows(t *testing.T) {
	fx := newEngineFixture(t)
	second := testAddress(t, 0x12)
	fx.chain.setNative(fx.user, 1_000)
	fx.chain.setNative(second, 1_000)

	ctx := context.Background()
	if _, err := fx.engine.DepositHeld(ctx, fx.user, "NHB", big.NewInt(200)); err != nil {
		t.Fatalf("deposit a: %v", err)
	}
	if _, err := fx.engine.DepositAndConvert(ctx, fx.user, "NHB", big.NewInt(50), "flat", nil, time.Time{}); err != nil {
		t.Fatalf("convert a: %v", err)
	}
	if _, err := fx.engine.DepositHeld(ctx, second, "NHB", big.NewInt(100)); err != nil {
		t.Fatalf("deposit b: %v", err)
	}
	if _, err := fx.engine.WithdrawHeld(ctx, second, "NHB", big.NewInt(60)); err != nil {
		t.Fatalf("withdraw b: %v", err)
	}

	heldSum := new(big.Int).Add(fx.heldBalance(fx.user, "NHB"), fx.heldBalance(second, "NHB"))
	if heldSum.Cmp(fx.nativeReserve()) != 0 {
		t.Fatalf("held sum %s diverged from native reserve %s", heldSum, fx.nativeReserve())
	}
	if fx.settlementBalance(fx.user).Cmp(fx.settlementReserve()) != 0 {
		t.Fatalf("settlement balances diverged from the reserve")
	}
	chainNative := cloneOrZero(fx.chain.native[fx.custody.String()])
	if chainNative.Cmp(fx.nativeReserve()) != 0 {
		t.Fatalf("chain custody %s diverged from native reserve %s", chainNative, fx.nativeReserve())
	}
	chainSettlement, err := fx.chain.TokenBalance(ctx, fx.settlement, fx.custody)
	if err != nil {
		t.Fatalf("chain settlement: %v", err)
	}
	if chainSettlement.Cmp(fx.settlementReserve()) != 0 {
		t.Fatalf("chain custody %s diverged from settlement reserve %s", chainSettlement, fx.settlementReserve())
	}
}

func TestEngineJournalRecordsFailuresAndSuccesses(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chain.setNative(fx.user, 1_000)

	if _, err := fx.engine.DepositHeld(context.Background(), fx.user, "NHB", big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := fx.engine.WithdrawHeld(context.Background(), fx.user, "NHB", big.NewInt(999)); err == nil {
		t.Fatalf("expected overdraw to fail")
	}

	if len(fx.audit.records) != 2 {
		t.Fatalf("expected two journal records, got %d", len(fx.audit.records))
	}
	first, second := fx.audit.records[0], fx.audit.records[1]
	if first.Status != StatusOK || first.Operation != OpDeposit {
		t.Fatalf("unexpected first record %+v", first)
	}
	if second.Status != StatusFailed || second.Operation != OpWithdraw || second.Reason != "insufficient_balance" {
		t.Fatalf("unexpected second record %+v", second)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct operation ids")
	}
}
