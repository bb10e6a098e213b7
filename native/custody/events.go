package custody

import (
	"strconv"

	"nhbvault/core/events"
)

const (
	// EventTypeDeposit is emitted when held funds are credited after a deposit.
	EventTypeDeposit = "custody.deposit"
	// EventTypeConvert is emitted when a deposit is converted into the settlement asset.
	EventTypeConvert = "custody.convert"
	// EventTypeWithdraw is emitted when held funds leave custody.
	EventTypeWithdraw = "custody.withdraw"
	// EventTypeWithdrawSettlement is emitted when settlement funds leave custody.
	EventTypeWithdrawSettlement = "custody.withdraw.settlement"
	// EventTypeCapUpdated is emitted when an operator moves the capital ceiling.
	EventTypeCapUpdated = "custody.cap.updated"
	// EventTypeAssetListed is emitted when a token joins the whitelist.
	EventTypeAssetListed = "custody.asset.listed"
	// EventTypeAssetDelisted is emitted when a token leaves the whitelist.
	EventTypeAssetDelisted = "custody.asset.delisted"
	// EventTypePauseChanged is emitted when an operator pauses or resumes the module.
	EventTypePauseChanged = "custody.pause.changed"
)

type eventEnvelope struct {
	evt *events.Payload
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *events.Payload { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *events.Payload) events.Event { return eventEnvelope{evt: evt} }

// DepositRecordedEvent captures a completed deposit into held funds.
func DepositRecordedEvent(operationID, account, asset, amount, valuation string) *events.Payload {
	return &events.Payload{
		Type: EventTypeDeposit,
		Attributes: map[string]string{
			"operationId": operationID,
			"account":     account,
			"asset":       asset,
			"amount":      amount,
			"valuation":   valuation,
		},
	}
}

// ConversionExecutedEvent captures a deposit converted into the settlement asset.
func ConversionExecutedEvent(operationID, account, assetIn, amountIn, amountOut, feeTier string) *events.Payload {
	return &events.Payload{
		Type: EventTypeConvert,
		Attributes: map[string]string{
			"operationId": operationID,
			"account":     account,
			"assetIn":     assetIn,
			"amountIn":    amountIn,
			"amountOut":   amountOut,
			"feeTier":     feeTier,
		},
	}
}

// WithdrawRecordedEvent captures held funds leaving custody.
func WithdrawRecordedEvent(operationID, account, asset, amount string) *events.Payload {
	return &events.Payload{
		Type: EventTypeWithdraw,
		Attributes: map[string]string{
			"operationId": operationID,
			"account":     account,
			"asset":       asset,
			"amount":      amount,
		},
	}
}

// SettlementWithdrawnEvent captures settlement funds leaving custody.
func SettlementWithdrawnEvent(operationID, account, amount string) *events.Payload {
	return &events.Payload{
		Type: EventTypeWithdrawSettlement,
		Attributes: map[string]string{
			"operationId": operationID,
			"account":     account,
			"amount":      amount,
		},
	}
}

// CapUpdatedEvent captures a capital ceiling change.
func CapUpdatedEvent(authority, capAmount string) *events.Payload {
	return &events.Payload{
		Type: EventTypeCapUpdated,
		Attributes: map[string]string{
			"authority": authority,
			"cap":       capAmount,
		},
	}
}

// AssetListedEvent captures a token joining the whitelist.
func AssetListedEvent(authority, symbol, token string, decimals uint8) *events.Payload {
	return &events.Payload{
		Type: EventTypeAssetListed,
		Attributes: map[string]string{
			"authority": authority,
			"symbol":    symbol,
			"token":     token,
			"decimals":  strconv.FormatUint(uint64(decimals), 10),
		},
	}
}

// AssetDelistedEvent captures a token leaving the whitelist.
func AssetDelistedEvent(authority, symbol string) *events.Payload {
	return &events.Payload{
		Type: EventTypeAssetDelisted,
		Attributes: map[string]string{
			"authority": authority,
			"symbol":    symbol,
		},
	}
}

// PauseChangedEvent captures the module pausing or resuming.
func PauseChangedEvent(authority string, paused bool) *events.Payload {
	return &events.Payload{
		Type: EventTypePauseChanged,
		Attributes: map[string]string{
			"authority": authority,
			"paused":    strconv.FormatBool(paused),
		},
	}
}
