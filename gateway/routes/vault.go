package routes

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nhbvault/core/events"
	"nhbvault/crypto"
	"nhbvault/gateway/middleware"
	"nhbvault/native/custody"
)

// VaultEngine is the slice of the custody engine the gateway drives. The JWT
// subject is the acting account for money operations; admin operations pass
// the subject through as the caller for the engine's own authorisation check.
type VaultEngine interface {
	DepositHeld(ctx context.Context, account crypto.Address, asset custody.Asset, amount *big.Int) (custody.Receipt, error)
	DepositAndConvert(ctx context.Context, account crypto.Address, asset custody.Asset, amount *big.Int, feeTier string, minAmountOut *big.Int, deadline time.Time) (custody.Receipt, error)
	WithdrawHeld(ctx context.Context, account crypto.Address, asset custody.Asset, amount *big.Int) (custody.Receipt, error)
	WithdrawSettlement(ctx context.Context, account crypto.Address, amount *big.Int) (custody.Receipt, error)
	SetCap(ctx context.Context, caller crypto.Address, amount *big.Int) (custody.Receipt, error)
	AddSupportedAsset(ctx context.Context, caller crypto.Address, info custody.AssetInfo) (custody.Receipt, error)
	RemoveSupportedAsset(ctx context.Context, caller crypto.Address, symbol custody.Asset) (custody.Receipt, error)
	Pause(ctx context.Context, caller crypto.Address) (custody.Receipt, error)
	Resume(ctx context.Context, caller crypto.Address) (custody.Receipt, error)
	HeldBalanceOf(account crypto.Address, asset custody.Asset) (*big.Int, error)
	SettlementBalanceOf(account crypto.Address) (*big.Int, error)
	SupportedAssets() ([]custody.AssetInfo, error)
	Paused() bool
	CapStatus(ctx context.Context) (custody.CapStatus, error)
	Params() custody.Params
}

// Server bundles the handlers for the vault API.
type Server struct {
	engine VaultEngine
	stream *events.Stream
}

// NewServer constructs the handler set over the supplied engine. The stream
// may be nil when the websocket feed is not wired.
func NewServer(engine VaultEngine, stream *events.Stream) *Server {
	return &Server{engine: engine, stream: stream}
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: errorBody{
			Code:    "unauthorized",
			Message: "authenticated subject required",
		}})
		return crypto.Address{}, false
	}
	return addr, true
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	account, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.engine.DepositHeld(r.Context(), account, custody.NormalizeAsset(req.Asset), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptPayload(receipt))
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	account, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req convertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	minOut, err := parseOptionalAmount(req.MinAmountOut)
	if err != nil {
		writeError(w, err)
		return
	}
	var deadline time.Time
	if req.Deadline > 0 {
		deadline = time.Unix(req.Deadline, 0)
	}
	receipt, err := s.engine.DepositAndConvert(r.Context(), account, custody.NormalizeAsset(req.Asset), amount, req.FeeTier, minOut, deadline)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptPayload(receipt))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	account, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.engine.WithdrawHeld(r.Context(), account, custody.NormalizeAsset(req.Asset), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptPayload(receipt))
}

func (s *Server) handleWithdrawSettlement(w http.ResponseWriter, r *http.Request) {
	account, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req settlementWithdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.engine.WithdrawSettlement(r.Context(), account, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptPayload(receipt))
}

type balanceEntry struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type balancesResponse struct {
	Account    string         `json:"account"`
	Held       []balanceEntry `json:"held"`
	Settlement balanceEntry   `json:"settlement"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
			Code:    "invalid_input",
			Message: "malformed account address",
		}})
		return
	}
	params := s.engine.Params()
	assets := []custody.Asset{params.NativeSymbol}
	supported, err := s.engine.SupportedAssets()
	if err != nil {
		writeError(w, err)
		return
	}
	for _, info := range supported {
		assets = append(assets, info.Symbol)
	}
	held := make([]balanceEntry, 0, len(assets))
	for _, asset := range assets {
		balance, err := s.engine.HeldBalanceOf(account, asset)
		if err != nil {
			writeError(w, err)
			return
		}
		held = append(held, balanceEntry{Asset: string(asset), Amount: balance.String()})
	}
	settlement, err := s.engine.SettlementBalanceOf(account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{
		Account: account.String(),
		Held:    held,
		Settlement: balanceEntry{
			Asset:  string(params.SettlementSymbol),
			Amount: settlement.String(),
		},
	})
}

type assetEntry struct {
	Symbol      string `json:"symbol"`
	Token       string `json:"token"`
	Decimals    uint8  `json:"decimals"`
	DisplayName string `json:"displayName"`
}

type statusResponse struct {
	Valuation string       `json:"valuation"`
	Cap       string       `json:"cap"`
	Remaining string       `json:"remaining"`
	Paused    bool         `json:"paused"`
	AsOf      string       `json:"asOf"`
	Assets    []assetEntry `json:"assets"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.CapStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	supported, err := s.engine.SupportedAssets()
	if err != nil {
		writeError(w, err)
		return
	}
	assets := make([]assetEntry, 0, len(supported))
	for _, info := range supported {
		assets = append(assets, assetEntry{
			Symbol:      string(info.Symbol),
			Token:       info.Token.String(),
			Decimals:    info.Decimals,
			DisplayName: info.DisplayName,
		})
	}
	out := statusResponse{Paused: status.Paused, AsOf: status.AsOf.UTC().Format(time.RFC3339), Assets: assets}
	if status.Valuation != nil {
		out.Valuation = status.Valuation.String()
	}
	if status.Cap != nil {
		out.Cap = status.Cap.String()
	}
	if status.Remaining != nil {
		out.Remaining = status.Remaining.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
