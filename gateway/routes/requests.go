package routes

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"nhbvault/native/custody"
)

const maxBodyBytes = 1 << 20

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type convertRequest struct {
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	FeeTier      string `json:"feeTier"`
	MinAmountOut string `json:"minAmountOut,omitempty"`
	// Deadline is a unix timestamp in seconds; zero means no deadline.
	Deadline int64 `json:"deadline,omitempty"`
}

type withdrawRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type settlementWithdrawRequest struct {
	Amount string `json:"amount"`
}

type capRequest struct {
	Amount string `json:"amount"`
}

type assetRequest struct {
	Symbol      string `json:"symbol"`
	Token       string `json:"token"`
	Decimals    uint8  `json:"decimals"`
	DisplayName string `json:"displayName,omitempty"`
}

type receiptResponse struct {
	OperationID string `json:"operationId"`
	Operation   string `json:"operation"`
	Account     string `json:"account"`
	Asset       string `json:"asset,omitempty"`
	AmountIn    string `json:"amountIn,omitempty"`
	AmountOut   string `json:"amountOut,omitempty"`
	FeeTier     string `json:"feeTier,omitempty"`
	Valuation   string `json:"valuation,omitempty"`
	CompletedAt string `json:"completedAt"`
}

func receiptPayload(receipt custody.Receipt) receiptResponse {
	out := receiptResponse{
		OperationID: receipt.OperationID,
		Operation:   receipt.Operation,
		Account:     receipt.Account.String(),
		Asset:       string(receipt.Asset),
		FeeTier:     receipt.FeeTier,
		CompletedAt: receipt.CompletedAt.UTC().Format(time.RFC3339),
	}
	if receipt.AmountIn != nil {
		out.AmountIn = receipt.AmountIn.String()
	}
	if receipt.AmountOut != nil {
		out.AmountOut = receipt.AmountOut.String()
	}
	if receipt.Valuation != nil {
		out.Valuation = receipt.Valuation.String()
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", custody.ErrInvalidInput, err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", custody.ErrInvalidInput)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", custody.ErrInvalidInput, raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", custody.ErrInvalidInput)
	}
	return value, nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", custody.ErrInvalidInput, raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", custody.ErrInvalidInput)
	}
	return value, nil
}
