package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"nhbvault/crypto"
	"nhbvault/native/custody"
)

func (s *Server) handleSetCap(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req capRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.engine.SetCap(r.Context(), caller, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptPayload(receipt))
}

func (s *Server) handleAddAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req assetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := crypto.ParseAddress(req.Token)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
			Code:    "invalid_input",
			Message: "malformed token address",
		}})
		return
	}
	receipt, err := s.engine.AddSupportedAsset(r.Context(), caller, custody.AssetInfo{
		Symbol:      custody.NormalizeAsset(req.Symbol),
		Token:       token,
		Decimals:    req.Decimals,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptPayload(receipt))
}

func (s *Server) handleRemoveAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	symbol := custody.NormalizeAsset(chi.URLParam(r, "symbol"))
	receipt, err := s.engine.RemoveSupportedAsset(r.Context(), caller, symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptPayload(receipt))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	receipt, err := s.engine.Pause(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptPayload(receipt))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	receipt, err := s.engine.Resume(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptPayload(receipt))
}
