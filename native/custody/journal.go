package custody

import (
	"context"
	"time"
)

// Operation labels shared by the journal, telemetry, and receipts.
const (
	OpDeposit            = "deposit"
	OpDepositAndConvert  = "deposit_convert"
	OpWithdraw           = "withdraw"
	OpWithdrawSettlement = "withdraw_settlement"
	OpSetCap             = "set_cap"
	OpAddAsset           = "add_asset"
	OpRemoveAsset        = "remove_asset"
	OpPause              = "pause"
	OpResume             = "resume"
)

// Journal record statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// OperationRecord captures one custody workflow outcome for the audit
// journal. Amounts are decimal strings so records survive any storage layer
// without precision loss.
type OperationRecord struct {
	ID        string
	Operation string
	Account   string
	Asset     string
	AmountIn  string
	AmountOut string
	Valuation string
	FeeTier   string
	Status    string
	Reason    string
	CreatedAt time.Time
}

// Journal persists operation records for auditing and reconciliation.
// Implementations must be safe for concurrent use.
type Journal interface {
	RecordOperation(ctx context.Context, record OperationRecord) error
}
