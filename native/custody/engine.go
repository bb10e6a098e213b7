package custody

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nhbvault/core/events"
	"nhbvault/crypto"
	"nhbvault/native/common"
	"nhbvault/observability"
)

// ModuleName identifies the custody module in the shared pause registry.
const ModuleName = "custody"

// Receipt summarises a completed custody workflow.
type Receipt struct {
	OperationID string
	Operation   string
	Account     crypto.Address
	Asset       Asset
	AmountIn    *big.Int
	AmountOut   *big.Int
	FeeTier     string
	Valuation   *big.Int
	CompletedAt time.Time
}

// CapStatus reports the valuation headroom for monitoring and admin reads.
type CapStatus struct {
	Valuation *big.Int
	Cap       *big.Int
	Remaining *big.Int
	Paused    bool
	AsOf      time.Time
}

// Engine is the high level facade over the custody ledgers, the oracle, the
// cap engine, and the asset adapters. Mutating workflows are serialised
// through a non-blocking lock: a second entry while one is in flight fails
// with ErrReentrancyBlocked instead of queueing.
type Engine struct {
	workflow  sync.Mutex
	params    Params
	ledger    *Ledger
	capEngine *CapEngine
	oracle    *OraclePriceSource
	transfers *TransferAdapter
	swapper   *SwapAdapter
	pauses    *common.PauseSet
	emitter   events.Emitter
	journal   Journal
	metrics   *observability.CustodyMetrics
	tracer    trace.Tracer
	clock     func() time.Time
	admins    map[string]struct{}

	lastValuation *big.Int
}

// NewEngine wires the custody facade. The emitter defaults to a no-op sink
// and the journal is optional; both can be attached later.
func NewEngine(params Params, ledger *Ledger, capEngine *CapEngine, oracle *OraclePriceSource, transfers *TransferAdapter, swapper *SwapAdapter) (*Engine, error) {
	if ledger == nil {
		return nil, errNilLedger
	}
	if capEngine == nil || oracle == nil || transfers == nil || swapper == nil {
		return nil, errNotConfigured
	}
	admins := make(map[string]struct{}, len(params.Admins))
	for _, admin := range params.Admins {
		admins[admin.String()] = struct{}{}
	}
	if len(admins) == 0 {
		return nil, fmt.Errorf("custody: at least one admin required")
	}
	return &Engine{
		params:    params,
		ledger:    ledger,
		capEngine: capEngine,
		oracle:    oracle,
		transfers: transfers,
		swapper:   swapper,
		pauses:    common.NewPauseSet(),
		emitter:   events.NoopEmitter{},
		metrics:   observability.Custody(),
		tracer:    otel.Tracer("custody"),
		clock:     time.Now,
		admins:    admins,
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets to the no-op
// sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetJournal attaches the audit journal. Journal writes are best-effort and
// never fail a workflow.
func (e *Engine) SetJournal(journal Journal) {
	if e == nil {
		return
	}
	e.journal = journal
}

// SetPauses shares an external pause registry, typically so the gateway can
// consult the same view.
func (e *Engine) SetPauses(pauses *common.PauseSet) {
	if e == nil || pauses == nil {
		return
	}
	e.pauses = pauses
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// Params returns a copy of the runtime parameters.
func (e *Engine) Params() Params {
	if e == nil {
		return Params{}
	}
	return e.params
}

// Pauses exposes the pause registry consulted by the engine.
func (e *Engine) Pauses() *common.PauseSet {
	if e == nil {
		return nil
	}
	return e.pauses
}

// Bootstrap seeds persisted policy on a fresh store and restores the pause
// flag after a restart. The supplied assets are upserted into the whitelist.
func (e *Engine) Bootstrap(assets []AssetInfo) error {
	if e == nil {
		return errNilEngine
	}
	stored, err := e.ledger.Cap()
	if err != nil {
		return err
	}
	if stored == nil {
		if e.params.InitialCap == nil {
			return fmt.Errorf("custody: initial cap not configured")
		}
		if err := e.ledger.SetCap(e.params.InitialCap); err != nil {
			return err
		}
		stored = e.params.InitialCap
	}
	paused, err := e.ledger.Paused()
	if err != nil {
		return err
	}
	e.pauses.SetPaused(ModuleName, paused)
	e.metrics.SetPause(paused)
	e.metrics.RecordCap(nil, stored)
	for _, info := range assets {
		normalised := info.Normalise()
		if err := normalised.Validate(); err != nil {
			return err
		}
		if normalised.Symbol == e.params.NativeSymbol || normalised.Symbol == e.params.SettlementSymbol {
			return fmt.Errorf("%w: %s cannot join the whitelist", ErrInvalidInput, normalised.Symbol)
		}
		if err := e.ledger.AddAsset(normalised); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) isAdmin(caller crypto.Address) bool {
	_, ok := e.admins[caller.String()]
	return ok
}

func (e *Engine) pricePair() string {
	return string(e.params.NativeSymbol) + "/" + e.params.ReferenceSymbol
}

func (e *Engine) validatedPrice() (*big.Int, error) {
	now := e.clock()
	price, asOf, err := e.oracle.ValidatedPrice(now)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordOracleAge(e.pricePair(), now.Sub(asOf))
	return price, nil
}

func (e *Engine) resolveAsset(symbol Asset) (AssetRef, Asset, error) {
	normalized := NormalizeAsset(string(symbol))
	if normalized == "" {
		return AssetRef{}, normalized, fmt.Errorf("%w: asset symbol required", ErrInvalidInput)
	}
	if normalized == e.params.NativeSymbol {
		return NativeRef(), normalized, nil
	}
	info, ok, err := e.ledger.AssetBySymbol(normalized)
	if err != nil {
		return AssetRef{}, normalized, err
	}
	if !ok {
		return AssetRef{}, normalized, fmt.Errorf("%w: %s", ErrUnsupportedAsset, normalized)
	}
	return TokenRef(info.Token), normalized, nil
}

func (e *Engine) emit(payload *events.Payload) {
	if payload == nil {
		return
	}
	observability.Events().RecordEvent(payload.Type)
	e.emitter.Emit(WrapEvent(payload))
}

func (e *Engine) record(ctx context.Context, rec OperationRecord) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOperation(ctx, rec); err != nil {
		slog.Warn("custody: journal write failed", "error", err, "operation", rec.Operation, "id", rec.ID)
	}
}

func (e *Engine) reject(ctx context.Context, span trace.Span, op string, start time.Time, rec *OperationRecord, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	reason := ErrorClass(err)
	e.metrics.Observe(op, e.clock().Sub(start), reason)
	if rec != nil {
		rec.Status = StatusFailed
		rec.Reason = reason
		rec.CreatedAt = e.clock()
		e.record(ctx, *rec)
	}
	return err
}

func (e *Engine) accept(ctx context.Context, span trace.Span, op string, start time.Time, rec *OperationRecord, msg string) {
	span.SetStatus(codes.Ok, msg)
	e.metrics.Observe(op, e.clock().Sub(start), "")
	if rec != nil {
		rec.Status = StatusOK
		rec.CreatedAt = e.clock()
		e.record(ctx, *rec)
	}
}

func (e *Engine) recordValuation(valuation *big.Int) {
	if valuation == nil {
		return
	}
	e.lastValuation = new(big.Int).Set(valuation)
	ceiling, err := e.ledger.Cap()
	if err != nil {
		slog.Warn("custody: load cap for gauge", "error", err)
		return
	}
	e.metrics.RecordCap(valuation, ceiling)
}

// refreshValuation recomputes the cap gauges when a price is available. It is
// best-effort: withdrawals must not fail on a stalled oracle.
func (e *Engine) refreshValuation() {
	price, err := e.validatedPrice()
	if err != nil {
		return
	}
	value, err := e.capEngine.Valuation(price)
	if err != nil {
		return
	}
	e.recordValuation(value)
}

// DepositHeld pulls the asset from the account into custody and credits the
// measured amount to the account's held balance. Native deposits are valued
// through the oracle and rejected when they would push the valuation past the
// capital ceiling.
func (e *Engine) DepositHeld(ctx context.Context, account crypto.Address, asset Asset, amount *big.Int) (Receipt, error) {
	if e == nil {
		return Receipt{}, errNilEngine
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "custody.deposit",
		trace.WithAttributes(attribute.String("asset", string(NormalizeAsset(string(asset))))))
	defer span.End()
	rec := &OperationRecord{ID: uuid.NewString(), Operation: OpDeposit, Account: account.String(), Asset: string(NormalizeAsset(string(asset))), AmountIn: amountStr(amount)}
	if !e.workflow.TryLock() {
		return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, ErrReentrancyBlocked)
	}
	defer e.workflow.Unlock()
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, ErrPaused)
	}
	if account.IsZero() {
		return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, fmt.Errorf("%w: account required", ErrInvalidInput))
	}
	if err := ensurePositive(amount); err != nil {
		return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, err)
	}
	ref, normalized, err := e.resolveAsset(asset)
	if err != nil {
		return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, err)
	}
	rec.Asset = string(normalized)

	var price *big.Int
	var valuation *big.Int
	if ref.Native {
		price, err = e.validatedPrice()
		if err != nil {
			return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, err)
		}
		// Project with the requested amount: the measured delta can only
		// be smaller, so the check is conservative.
		valuation, err = e.capEngine.CheckCapacity(price, amount, nil)
		if err != nil {
			return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, err)
		}
	}

	delta, err := e.transfers.PullFrom(ctx, account, ref, amount)
	if err != nil {
		return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, err)
	}
	rec.AmountIn = delta.String()
	if err := e.ledger.Credit(account, normalized, delta); err != nil {
		if _, refundErr := e.transfers.PushTo(ctx, account, ref, delta); refundErr != nil {
			slog.Error("custody: refund after credit failure", "error", refundErr, "operation", rec.Operation, "id", rec.ID)
		}
		return Receipt{}, e.reject(ctx, span, OpDeposit, start, rec, err)
	}
	if ref.Native && price != nil {
		if value, vErr := e.capEngine.Valuation(price); vErr == nil {
			valuation = value
			e.recordValuation(value)
		}
	}
	rec.Valuation = amountStr(valuation)

	e.emit(DepositRecordedEvent(rec.ID, rec.Account, rec.Asset, delta.String(), amountStr(valuation)))
	e.accept(ctx, span, OpDeposit, start, rec, "deposit recorded")
	span.SetAttributes(attribute.String("operation.id", rec.ID))
	return Receipt{
		OperationID: rec.ID,
		Operation:   OpDeposit,
		Account:     account,
		Asset:       normalized,
		AmountIn:    delta,
		Valuation:   cloneIfSet(valuation),
		CompletedAt: e.clock(),
	}, nil
}

// DepositAndConvert pulls the asset from the account, converts it into the
// settlement asset through the router, and credits the measured output to the
// account's settlement balance. The fee tier names the venue pool the order is
// routed through. The settlement asset itself is not convertible.
func (e *Engine) DepositAndConvert(ctx context.Context, account crypto.Address, asset Asset, amount *big.Int, feeTier string, minAmountOut *big.Int, deadline time.Time) (Receipt, error) {
	if e == nil {
		return Receipt{}, errNilEngine
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "custody.deposit_convert",
		trace.WithAttributes(attribute.String("asset", string(NormalizeAsset(string(asset)))), attribute.String("fee_tier", strings.ToLower(strings.TrimSpace(feeTier)))))
	defer span.End()
	rec := &OperationRecord{ID: uuid.NewString(), Operation: OpDepositAndConvert, Account: account.String(), Asset: string(NormalizeAsset(string(asset))), AmountIn: amountStr(amount)}
	if !e.workflow.TryLock() {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, ErrReentrancyBlocked)
	}
	defer e.workflow.Unlock()
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, ErrPaused)
	}
	if account.IsZero() {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, fmt.Errorf("%w: account required", ErrInvalidInput))
	}
	if err := ensurePositive(amount); err != nil {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, err)
	}
	tier := strings.ToLower(strings.TrimSpace(feeTier))
	bps, ok := e.params.FeeTiers[tier]
	if !ok {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, fmt.Errorf("%w: unknown fee tier %q", ErrInvalidInput, feeTier))
	}
	rec.FeeTier = tier
	normalized := NormalizeAsset(string(asset))
	if normalized == e.params.SettlementSymbol {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, fmt.Errorf("%w: settlement asset cannot be converted", ErrInvalidInput))
	}
	ref, normalized, err := e.resolveAsset(asset)
	if err != nil {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, err)
	}
	rec.Asset = string(normalized)

	price, err := e.validatedPrice()
	if err != nil {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, err)
	}

	pulled, err := e.transfers.PullFrom(ctx, account, ref, amount)
	if err != nil {
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, err)
	}
	rec.AmountIn = pulled.String()

	out, err := e.swapper.Execute(ctx, e.clock(), SwapRequest{
		InputAsset:   ref,
		AmountIn:     pulled,
		OutputAsset:  TokenRef(e.params.SettlementToken),
		MinAmountOut: minAmountOut,
		FeeTier:      bps,
		Deadline:     deadline,
	})
	if err != nil {
		if _, refundErr := e.transfers.PushTo(ctx, account, ref, pulled); refundErr != nil {
			slog.Error("custody: refund input after swap failure", "error", refundErr, "operation", rec.Operation, "id", rec.ID)
		}
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, err)
	}

	settlementRef := TokenRef(e.params.SettlementToken)
	valuation, err := e.capEngine.CheckCapacity(price, nil, out)
	if err != nil {
		// The conversion already happened on the rail, so the output is
		// handed to the depositor instead of entering custody.
		if _, refundErr := e.transfers.PushTo(ctx, account, settlementRef, out); refundErr != nil {
			slog.Error("custody: return converted funds after cap rejection", "error", refundErr, "operation", rec.Operation, "id", rec.ID)
		}
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, err)
	}

	rec.AmountOut = out.String()
	if err := e.ledger.CreditSettlement(account, out); err != nil {
		if _, refundErr := e.transfers.PushTo(ctx, account, settlementRef, out); refundErr != nil {
			slog.Error("custody: return converted funds after credit failure", "error", refundErr, "operation", rec.Operation, "id", rec.ID)
		}
		return Receipt{}, e.reject(ctx, span, OpDepositAndConvert, start, rec, err)
	}

	e.recordValuation(valuation)
	rec.Valuation = amountStr(valuation)

	e.emit(ConversionExecutedEvent(rec.ID, rec.Account, rec.Asset, pulled.String(), out.String(), tier))
	e.accept(ctx, span, OpDepositAndConvert, start, rec, "conversion settled")
	span.SetAttributes(attribute.String("operation.id", rec.ID))
	return Receipt{
		OperationID: rec.ID,
		Operation:   OpDepositAndConvert,
		Account:     account,
		Asset:       normalized,
		AmountIn:    pulled,
		AmountOut:   out,
		FeeTier:     tier,
		Valuation:   cloneIfSet(valuation),
		CompletedAt: e.clock(),
	}, nil
}

// WithdrawHeld debits the account's held balance and pushes the asset out of
// custody. The debit runs first so an overdraw fails before any transfer is
// attempted.
func (e *Engine) WithdrawHeld(ctx context.Context, account crypto.Address, asset Asset, amount *big.Int) (Receipt, error) {
	if e == nil {
		return Receipt{}, errNilEngine
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "custody.withdraw",
		trace.WithAttributes(attribute.String("asset", string(NormalizeAsset(string(asset))))))
	defer span.End()
	rec := &OperationRecord{ID: uuid.NewString(), Operation: OpWithdraw, Account: account.String(), Asset: string(NormalizeAsset(string(asset))), AmountIn: amountStr(amount)}
	if !e.workflow.TryLock() {
		return Receipt{}, e.reject(ctx, span, OpWithdraw, start, rec, ErrReentrancyBlocked)
	}
	defer e.workflow.Unlock()
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return Receipt{}, e.reject(ctx, span, OpWithdraw, start, rec, ErrPaused)
	}
	if account.IsZero() {
		return Receipt{}, e.reject(ctx, span, OpWithdraw, start, rec, fmt.Errorf("%w: account required", ErrInvalidInput))
	}
	if err := ensurePositive(amount); err != nil {
		return Receipt{}, e.reject(ctx, span, OpWithdraw, start, rec, err)
	}
	ref, normalized, err := e.resolveAsset(asset)
	if err != nil {
		return Receipt{}, e.reject(ctx, span, OpWithdraw, start, rec, err)
	}
	rec.Asset = string(normalized)

	if err := e.ledger.Debit(account, normalized, amount); err != nil {
		return Receipt{}, e.reject(ctx, span, OpWithdraw, start, rec, err)
	}
	if _, err := e.transfers.PushTo(ctx, account, ref, amount); err != nil {
		if restoreErr := e.ledger.Credit(account, normalized, amount); restoreErr != nil {
			slog.Error("custody: restore held balance after push failure", "error", restoreErr, "operation", rec.Operation, "id", rec.ID)
		}
		return Receipt{}, e.reject(ctx, span, OpWithdraw, start, rec, err)
	}
	if ref.Native {
		e.refreshValuation()
	}

	e.emit(WithdrawRecordedEvent(rec.ID, rec.Account, rec.Asset, amount.String()))
	e.accept(ctx, span, OpWithdraw, start, rec, "withdrawal settled")
	span.SetAttributes(attribute.String("operation.id", rec.ID))
	return Receipt{
		OperationID: rec.ID,
		Operation:   OpWithdraw,
		Account:     account,
		Asset:       normalized,
		AmountIn:    cloneAmount(amount),
		CompletedAt: e.clock(),
	}, nil
}

// WithdrawSettlement debits the account's settlement balance and pushes the
// settlement asset out of custody.
func (e *Engine) WithdrawSettlement(ctx context.Context, account crypto.Address, amount *big.Int) (Receipt, error) {
	if e == nil {
		return Receipt{}, errNilEngine
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "custody.withdraw_settlement")
	defer span.End()
	rec := &OperationRecord{ID: uuid.NewString(), Operation: OpWithdrawSettlement, Account: account.String(), Asset: string(e.params.SettlementSymbol), AmountIn: amountStr(amount)}
	if !e.workflow.TryLock() {
		return Receipt{}, e.reject(ctx, span, OpWithdrawSettlement, start, rec, ErrReentrancyBlocked)
	}
	defer e.workflow.Unlock()
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return Receipt{}, e.reject(ctx, span, OpWithdrawSettlement, start, rec, ErrPaused)
	}
	if account.IsZero() {
		return Receipt{}, e.reject(ctx, span, OpWithdrawSettlement, start, rec, fmt.Errorf("%w: account required", ErrInvalidInput))
	}
	if err := ensurePositive(amount); err != nil {
		return Receipt{}, e.reject(ctx, span, OpWithdrawSettlement, start, rec, err)
	}

	if err := e.ledger.DebitSettlement(account, amount); err != nil {
		return Receipt{}, e.reject(ctx, span, OpWithdrawSettlement, start, rec, err)
	}
	if _, err := e.transfers.PushTo(ctx, account, TokenRef(e.params.SettlementToken), amount); err != nil {
		if restoreErr := e.ledger.CreditSettlement(account, amount); restoreErr != nil {
			slog.Error("custody: restore settlement balance after push failure", "error", restoreErr, "operation", rec.Operation, "id", rec.ID)
		}
		return Receipt{}, e.reject(ctx, span, OpWithdrawSettlement, start, rec, err)
	}
	e.refreshValuation()

	e.emit(SettlementWithdrawnEvent(rec.ID, rec.Account, amount.String()))
	e.accept(ctx, span, OpWithdrawSettlement, start, rec, "settlement withdrawal settled")
	span.SetAttributes(attribute.String("operation.id", rec.ID))
	return Receipt{
		OperationID: rec.ID,
		Operation:   OpWithdrawSettlement,
		Account:     account,
		Asset:       e.params.SettlementSymbol,
		AmountIn:    cloneAmount(amount),
		CompletedAt: e.clock(),
	}, nil
}

// SetCap moves the capital ceiling. Admin only, and blocked while paused.
func (e *Engine) SetCap(ctx context.Context, caller crypto.Address, amount *big.Int) (Receipt, error) {
	if e == nil {
		return Receipt{}, errNilEngine
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "custody.set_cap")
	defer span.End()
	rec := &OperationRecord{ID: uuid.NewString(), Operation: OpSetCap, Account: caller.String(), AmountIn: amountStr(amount)}
	if !e.workflow.TryLock() {
		return Receipt{}, e.reject(ctx, span, OpSetCap, start, rec, ErrReentrancyBlocked)
	}
	defer e.workflow.Unlock()
	if !e.isAdmin(caller) {
		return Receipt{}, e.reject(ctx, span, OpSetCap, start, rec, ErrUnauthorized)
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return Receipt{}, e.reject(ctx, span, OpSetCap, start, rec, ErrPaused)
	}
	if err := e.ledger.SetCap(amount); err != nil {
		return Receipt{}, e.reject(ctx, span, OpSetCap, start, rec, err)
	}
	e.metrics.RecordCap(e.lastValuation, amount)

	e.emit(CapUpdatedEvent(rec.Account, amount.String()))
	e.accept(ctx, span, OpSetCap, start, rec, "cap updated")
	return Receipt{
		OperationID: rec.ID,
		Operation:   OpSetCap,
		Account:     caller,
		AmountIn:    cloneAmount(amount),
		CompletedAt: e.clock(),
	}, nil
}

// AddSupportedAsset whitelists a token for held deposits. Admin only, and
// blocked while paused. The native and settlement symbols may not join the
// whitelist.
func (e *Engine) AddSupportedAsset(ctx context.Context, caller crypto.Address, info AssetInfo) (Receipt, error) {
	if e == nil {
		return Receipt{}, errNilEngine
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "custody.add_asset",
		trace.WithAttributes(attribute.String("asset", string(NormalizeAsset(string(info.Symbol))))))
	defer span.End()
	normalised := info.Normalise()
	rec := &OperationRecord{ID: uuid.NewString(), Operation: OpAddAsset, Account: caller.String(), Asset: string(normalised.Symbol)}
	if !e.workflow.TryLock() {
		return Receipt{}, e.reject(ctx, span, OpAddAsset, start, rec, ErrReentrancyBlocked)
	}
	defer e.workflow.Unlock()
	if !e.isAdmin(caller) {
		return Receipt{}, e.reject(ctx, span, OpAddAsset, start, rec, ErrUnauthorized)
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return Receipt{}, e.reject(ctx, span, OpAddAsset, start, rec, ErrPaused)
	}
	if err := normalised.Validate(); err != nil {
		return Receipt{}, e.reject(ctx, span, OpAddAsset, start, rec, err)
	}
	if normalised.Symbol == e.params.NativeSymbol || normalised.Symbol == e.params.SettlementSymbol {
		return Receipt{}, e.reject(ctx, span, OpAddAsset, start, rec, fmt.Errorf("%w: %s cannot join the whitelist", ErrInvalidInput, normalised.Symbol))
	}
	if err := e.ledger.AddAsset(normalised); err != nil {
		return Receipt{}, e.reject(ctx, span, OpAddAsset, start, rec, err)
	}

	e.emit(AssetListedEvent(rec.Account, string(normalised.Symbol), normalised.Token.String(), normalised.Decimals))
	e.accept(ctx, span, OpAddAsset, start, rec, "asset listed")
	return Receipt{
		OperationID: rec.ID,
		Operation:   OpAddAsset,
		Account:     caller,
		Asset:       normalised.Symbol,
		CompletedAt: e.clock(),
	}, nil
}

// RemoveSupportedAsset delists a token. Admin only, blocked while paused, and
// refused while custody still holds balances in the asset.
func (e *Engine) RemoveSupportedAsset(ctx context.Context, caller crypto.Address, symbol Asset) (Receipt, error) {
	if e == nil {
		return Receipt{}, errNilEngine
	}
	start := e.clock()
	normalized := NormalizeAsset(string(symbol))
	ctx, span := e.tracer.Start(ctx, "custody.remove_asset",
		trace.WithAttributes(attribute.String("asset", string(normalized))))
	defer span.End()
	rec := &OperationRecord{ID: uuid.NewString(), Operation: OpRemoveAsset, Account: caller.String(), Asset: string(normalized)}
	if !e.workflow.TryLock() {
		return Receipt{}, e.reject(ctx, span, OpRemoveAsset, start, rec, ErrReentrancyBlocked)
	}
	defer e.workflow.Unlock()
	if !e.isAdmin(caller) {
		return Receipt{}, e.reject(ctx, span, OpRemoveAsset, start, rec, ErrUnauthorized)
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return Receipt{}, e.reject(ctx, span, OpRemoveAsset, start, rec, ErrPaused)
	}
	reserve, err := e.ledger.TokenReserve(normalized)
	if err != nil {
		return Receipt{}, e.reject(ctx, span, OpRemoveAsset, start, rec, err)
	}
	if reserve.Sign() > 0 {
		return Receipt{}, e.reject(ctx, span, OpRemoveAsset, start, rec, fmt.Errorf("%w: %s still holds %s in custody", ErrInvalidInput, normalized, reserve))
	}
	if err := e.ledger.RemoveAsset(normalized); err != nil {
		return Receipt{}, e.reject(ctx, span, OpRemoveAsset, start, rec, err)
	}

	e.emit(AssetDelistedEvent(rec.Account, string(normalized)))
	e.accept(ctx, span, OpRemoveAsset, start, rec, "asset delisted")
	return Receipt{
		OperationID: rec.ID,
		Operation:   OpRemoveAsset,
		Account:     caller,
		Asset:       normalized,
		CompletedAt: e.clock(),
	}, nil
}

// Pause engages the pause guard. Admin only, and deliberately available while
// already paused.
func (e *Engine) Pause(ctx context.Context, caller crypto.Address) (Receipt, error) {
	return e.setPaused(ctx, caller, true)
}

// Resume releases the pause guard. Admin only, and available while paused.
func (e *Engine) Resume(ctx context.Context, caller crypto.Address) (Receipt, error) {
	return e.setPaused(ctx, caller, false)
}

func (e *Engine) setPaused(ctx context.Context, caller crypto.Address, paused bool) (Receipt, error) {
	if e == nil {
		return Receipt{}, errNilEngine
	}
	op := OpResume
	if paused {
		op = OpPause
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "custody."+op)
	defer span.End()
	rec := &OperationRecord{ID: uuid.NewString(), Operation: op, Account: caller.String()}
	if !e.workflow.TryLock() {
		return Receipt{}, e.reject(ctx, span, op, start, rec, ErrReentrancyBlocked)
	}
	defer e.workflow.Unlock()
	if !e.isAdmin(caller) {
		return Receipt{}, e.reject(ctx, span, op, start, rec, ErrUnauthorized)
	}
	if err := e.ledger.SetPaused(paused); err != nil {
		return Receipt{}, e.reject(ctx, span, op, start, rec, err)
	}
	e.pauses.SetPaused(ModuleName, paused)
	e.metrics.SetPause(paused)

	e.emit(PauseChangedEvent(rec.Account, paused))
	e.accept(ctx, span, op, start, rec, "pause flag updated")
	return Receipt{
		OperationID: rec.ID,
		Operation:   op,
		Account:     caller,
		CompletedAt: e.clock(),
	}, nil
}

// HeldBalanceOf reads the held balance for an account and asset.
func (e *Engine) HeldBalanceOf(account crypto.Address, asset Asset) (*big.Int, error) {
	if e == nil {
		return nil, errNilEngine
	}
	return e.ledger.HeldBalance(account, asset)
}

// SettlementBalanceOf reads the settlement balance for an account.
func (e *Engine) SettlementBalanceOf(account crypto.Address) (*big.Int, error) {
	if e == nil {
		return nil, errNilEngine
	}
	return e.ledger.SettlementBalance(account)
}

// SupportedAssets lists the whitelist sorted by symbol.
func (e *Engine) SupportedAssets() ([]AssetInfo, error) {
	if e == nil {
		return nil, errNilEngine
	}
	return e.ledger.Assets()
}

// Paused reports whether the pause guard is engaged.
func (e *Engine) Paused() bool {
	if e == nil {
		return false
	}
	return e.pauses.IsPaused(ModuleName)
}

// CapStatus values the reserves at the current oracle price and reports the
// remaining headroom. It fails closed when no validated price is available.
func (e *Engine) CapStatus(ctx context.Context) (CapStatus, error) {
	if e == nil {
		return CapStatus{}, errNilEngine
	}
	_, span := e.tracer.Start(ctx, "custody.cap_status")
	defer span.End()
	price, err := e.validatedPrice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CapStatus{}, err
	}
	valuation, err := e.capEngine.Valuation(price)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CapStatus{}, err
	}
	ceiling, err := e.ledger.Cap()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CapStatus{}, err
	}
	remaining := big.NewInt(0)
	if ceiling != nil && ceiling.Cmp(valuation) > 0 {
		remaining = new(big.Int).Sub(ceiling, valuation)
	}
	e.recordValuation(valuation)
	span.SetStatus(codes.Ok, "cap status computed")
	return CapStatus{
		Valuation: valuation,
		Cap:       ceiling,
		Remaining: remaining,
		Paused:    e.Paused(),
		AsOf:      e.clock(),
	}, nil
}

func amountStr(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func cloneIfSet(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
