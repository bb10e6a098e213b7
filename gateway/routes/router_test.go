package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"nhbvault/core/events"
	"nhbvault/crypto"
	"nhbvault/gateway/middleware"
	"nhbvault/native/custody"
)

type engineCall struct {
	op       string
	account  crypto.Address
	asset    custody.Asset
	amount   *big.Int
	feeTier  string
	minOut   *big.Int
	deadline time.Time
	symbol   custody.Asset
	info     custody.AssetInfo
}

// stubEngine records calls and answers with canned receipts so the tests can
// focus on the HTTP surface: routing, auth, decoding, and error mapping.
type stubEngine struct {
	mu         sync.Mutex
	now        time.Time
	params     custody.Params
	err        error
	status     custody.CapStatus
	statusErr  error
	assets     []custody.AssetInfo
	held       map[string]*big.Int
	settlement map[string]*big.Int
	paused     bool
	calls      []engineCall
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		now: time.Unix(1_700_000_000, 0).UTC(),
		params: custody.Params{
			NativeSymbol:     "NHB",
			SettlementSymbol: "ZNHB",
			ReferenceSymbol:  "USD",
		},
		held:       make(map[string]*big.Int),
		settlement: make(map[string]*big.Int),
	}
}

func (s *stubEngine) record(call engineCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubEngine) callsFor(op string) []engineCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engineCall, 0, len(s.calls))
	for _, call := range s.calls {
		if call.op == op {
			out = append(out, call)
		}
	}
	return out
}

func (s *stubEngine) receiptFor(op string, account crypto.Address, asset custody.Asset, amount *big.Int) (custody.Receipt, error) {
	if s.err != nil {
		return custody.Receipt{}, s.err
	}
	return custody.Receipt{
		OperationID: "op-" + op,
		Operation:   op,
		Account:     account,
		Asset:       asset,
		AmountIn:    amount,
		CompletedAt: s.now,
	}, nil
}

func balanceKey(account crypto.Address, asset custody.Asset) string {
	return account.String() + "|" + string(asset)
}

func (s *stubEngine) DepositHeld(_ context.Context, account crypto.Address, asset custody.Asset, amount *big.Int) (custody.Receipt, error) {
	s.record(engineCall{op: "deposit", account: account, asset: asset, amount: amount})
	return s.receiptFor("deposit", account, asset, amount)
}

func (s *stubEngine) DepositAndConvert(_ context.Context, account crypto.Address, asset custody.Asset, amount *big.Int, feeTier string, minOut *big.Int, deadline time.Time) (custody.Receipt, error) {
	s.record(engineCall{op: "convert", account: account, asset: asset, amount: amount, feeTier: feeTier, minOut: minOut, deadline: deadline})
	receipt, err := s.receiptFor("convert", account, asset, amount)
	if err != nil {
		return custody.Receipt{}, err
	}
	receipt.AmountOut = new(big.Int).Mul(amount, big.NewInt(2))
	receipt.FeeTier = feeTier
	return receipt, nil
}

func (s *stubEngine) WithdrawHeld(_ context.Context, account crypto.Address, asset custody.Asset, amount *big.Int) (custody.Receipt, error) {
	s.record(engineCall{op: "withdraw", account: account, asset: asset, amount: amount})
	return s.receiptFor("withdraw", account, asset, amount)
}

func (s *stubEngine) WithdrawSettlement(_ context.Context, account crypto.Address, amount *big.Int) (custody.Receipt, error) {
	s.record(engineCall{op: "withdraw_settlement", account: account, amount: amount})
	return s.receiptFor("withdraw_settlement", account, s.params.SettlementSymbol, amount)
}

func (s *stubEngine) SetCap(_ context.Context, caller crypto.Address, amount *big.Int) (custody.Receipt, error) {
	s.record(engineCall{op: "set_cap", account: caller, amount: amount})
	return s.receiptFor("set_cap", caller, "", amount)
}

func (s *stubEngine) AddSupportedAsset(_ context.Context, caller crypto.Address, info custody.AssetInfo) (custody.Receipt, error) {
	s.record(engineCall{op: "add_asset", account: caller, info: info})
	return s.receiptFor("add_asset", caller, info.Symbol, nil)
}

func (s *stubEngine) RemoveSupportedAsset(_ context.Context, caller crypto.Address, symbol custody.Asset) (custody.Receipt, error) {
	s.record(engineCall{op: "remove_asset", account: caller, symbol: symbol})
	return s.receiptFor("remove_asset", caller, symbol, nil)
}

func (s *stubEngine) Pause(_ context.Context, caller crypto.Address) (custody.Receipt, error) {
	s.record(engineCall{op: "pause", account: caller})
	return s.receiptFor("pause", caller, "", nil)
}

func (s *stubEngine) Resume(_ context.Context, caller crypto.Address) (custody.Receipt, error) {
	s.record(engineCall{op: "resume", account: caller})
	return s.receiptFor("resume", caller, "", nil)
}

func (s *stubEngine) HeldBalanceOf(account crypto.Address, asset custody.Asset) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if balance, ok := s.held[balanceKey(account, asset)]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (s *stubEngine) SettlementBalanceOf(account crypto.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if balance, ok := s.settlement[account.String()]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (s *stubEngine) SupportedAssets() ([]custody.AssetInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]custody.AssetInfo(nil), s.assets...), nil
}

func (s *stubEngine) Paused() bool { return s.paused }

func (s *stubEngine) CapStatus(context.Context) (custody.CapStatus, error) {
	if s.statusErr != nil {
		return custody.CapStatus{}, s.statusErr
	}
	return s.status, nil
}

func (s *stubEngine) Params() custody.Params { return s.params }

type gatewayFixture struct {
	t      *testing.T
	engine *stubEngine
	stream *events.Stream
	server *httptest.Server
	secret string
	user   crypto.Address
	admin  crypto.Address
}

func routeAddress(t *testing.T, last byte) crypto.Address {
	t.Helper()
	raw := make([]byte, crypto.AddressLength)
	raw[crypto.AddressLength-1] = last
	return crypto.NewAddress(crypto.NHBPrefix, raw)
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	fx := &gatewayFixture{
		t:      t,
		engine: newStubEngine(),
		stream: events.NewStream(16),
		secret: "gateway-test-secret",
	}
	fx.user = routeAddress(t, 0x11)
	fx.admin = routeAddress(t, 0xA1)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: fx.secret,
		Issuer:     "nhb-vault",
		Audience:   "vault-gateway",
	})
	replays, err := middleware.NewReplayStore(filepath.Join(t.TempDir(), "replays.db"), time.Hour)
	if err != nil {
		t.Fatalf("replay store: %v", err)
	}
	t.Cleanup(func() { _ = replays.Close() })

	handler, err := New(Config{
		Engine:        fx.engine,
		Stream:        fx.stream,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(nil),
		Replays:       replays,
	})
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	fx.server = httptest.NewServer(handler)
	t.Cleanup(fx.server.Close)
	return fx
}

func (fx *gatewayFixture) tokenForSubject(subject string, scopes ...string) string {
	fx.t.Helper()
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss":   "nhb-vault",
		"aud":   "vault-gateway",
		"sub":   subject,
		"iat":   now.Unix(),
		"exp":   now.Add(30 * time.Minute).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(fx.secret))
	if err != nil {
		fx.t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func (fx *gatewayFixture) token(subject crypto.Address, scopes ...string) string {
	return fx.tokenForSubject(subject.String(), scopes...)
}

func (fx *gatewayFixture) request(method, path, token string, body interface{}, headers map[string]string) *http.Response {
	fx.t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			fx.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, fx.server.URL+path, reader)
	if err != nil {
		fx.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	res, err := fx.server.Client().Do(req)
	if err != nil {
		fx.t.Fatalf("%s %s: %v", method, path, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, dst interface{}) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestGatewayRequiresBearerToken(t *testing.T) {
	fx := newGatewayFixture(t)

	res := fx.request(http.MethodPost, "/v1/deposits", "", map[string]string{"asset": "NHB", "amount": "10"}, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}

	res = fx.request(http.MethodGet, "/v1/status", "", nil, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on read without token, got %d", res.StatusCode)
	}
}

func TestGatewayEnforcesScopes(t *testing.T) {
	fx := newGatewayFixture(t)

	writeToken := fx.token(fx.user, middleware.ScopeWrite)
	res := fx.request(http.MethodPost, "/v1/admin/cap", writeToken, map[string]string{"amount": "1000"}, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected write scope to be refused on admin route, got %d", res.StatusCode)
	}

	readToken := fx.token(fx.user, middleware.ScopeRead)
	res = fx.request(http.MethodPost, "/v1/deposits", readToken, map[string]string{"asset": "NHB", "amount": "10"}, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected read scope to be refused on write route, got %d", res.StatusCode)
	}
	if calls := fx.engine.callsFor("deposit"); len(calls) != 0 {
		t.Fatalf("engine must not be reached on scope failure, saw %d calls", len(calls))
	}
}

func TestGatewayRejectsMalformedSubject(t *testing.T) {
	fx := newGatewayFixture(t)

	token := fx.tokenForSubject("not-an-address", middleware.ScopeWrite)
	res := fx.request(http.MethodPost, "/v1/deposits", token, map[string]string{"asset": "NHB", "amount": "10"}, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unparseable subject, got %d", res.StatusCode)
	}
}

func TestGatewayDepositUsesTokenSubject(t *testing.T) {
	fx := newGatewayFixture(t)

	token := fx.token(fx.user, middleware.ScopeWrite)
	res := fx.request(http.MethodPost, "/v1/deposits", token, map[string]string{"asset": "weth", "amount": "125"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.StatusCode)
	}
	var payload receiptResponse
	decodeBody(t, res, &payload)
	if payload.OperationID == "" {
		t.Fatal("expected operation id in receipt")
	}
	if payload.Account != fx.user.String() {
		t.Fatalf("receipt account %q should match token subject %q", payload.Account, fx.user.String())
	}
	if payload.AmountIn != "125" {
		t.Fatalf("unexpected amountIn %q", payload.AmountIn)
	}

	calls := fx.engine.callsFor("deposit")
	if len(calls) != 1 {
		t.Fatalf("expected one deposit call, got %d", len(calls))
	}
	if calls[0].account.String() != fx.user.String() {
		t.Fatalf("engine saw account %s, want %s", calls[0].account, fx.user)
	}
	if calls[0].asset != "WETH" {
		t.Fatalf("asset should be normalised, got %q", calls[0].asset)
	}
	if calls[0].amount.Cmp(big.NewInt(125)) != 0 {
		t.Fatalf("unexpected amount %s", calls[0].amount)
	}
}

func TestGatewayConvertParsesOptionalFields(t *testing.T) {
	fx := newGatewayFixture(t)
	token := fx.token(fx.user, middleware.ScopeWrite)

	res := fx.request(http.MethodPost, "/v1/conversions", token, map[string]interface{}{
		"asset":        "WETH",
		"amount":       "100",
		"feeTier":      "standard",
		"minAmountOut": "190",
		"deadline":     1_700_000_600,
	}, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.StatusCode)
	}

	res = fx.request(http.MethodPost, "/v1/conversions", token, map[string]interface{}{
		"asset":   "WETH",
		"amount":  "100",
		"feeTier": "standard",
	}, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 without optional fields, got %d", res.StatusCode)
	}

	calls := fx.engine.callsFor("convert")
	if len(calls) != 2 {
		t.Fatalf("expected two convert calls, got %d", len(calls))
	}
	if calls[0].minOut == nil || calls[0].minOut.Cmp(big.NewInt(190)) != 0 {
		t.Fatalf("expected minAmountOut 190, got %v", calls[0].minOut)
	}
	if calls[0].deadline.Unix() != 1_700_000_600 {
		t.Fatalf("expected deadline 1700000600, got %d", calls[0].deadline.Unix())
	}
	if calls[0].feeTier != "standard" {
		t.Fatalf("unexpected fee tier %q", calls[0].feeTier)
	}
	if calls[1].minOut != nil {
		t.Fatalf("expected nil minAmountOut when omitted, got %v", calls[1].minOut)
	}
	if !calls[1].deadline.IsZero() {
		t.Fatalf("expected zero deadline when omitted, got %v", calls[1].deadline)
	}
}

func TestGatewayValidatesAmounts(t *testing.T) {
	fx := newGatewayFixture(t)
	token := fx.token(fx.user, middleware.ScopeWrite)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"negative", map[string]interface{}{"asset": "NHB", "amount": "-5"}},
		{"zero", map[string]interface{}{"asset": "NHB", "amount": "0"}},
		{"malformed", map[string]interface{}{"asset": "NHB", "amount": "abc"}},
		{"missing", map[string]interface{}{"asset": "NHB"}},
		{"unknown field", map[string]interface{}{"asset": "NHB", "amount": "5", "bogus": true}},
	}
	for _, tc := range cases {
		res := fx.request(http.MethodPost, "/v1/deposits", token, tc.body, nil)
		var envelope errorEnvelope
		decodeBody(t, res, &envelope)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, res.StatusCode)
		}
		if envelope.Error.Code != "invalid_input" {
			t.Fatalf("%s: expected invalid_input, got %q", tc.name, envelope.Error.Code)
		}
	}
	if calls := fx.engine.callsFor("deposit"); len(calls) != 0 {
		t.Fatalf("engine must not be reached for invalid bodies, saw %d calls", len(calls))
	}
}

func TestGatewayMapsEngineErrors(t *testing.T) {
	fx := newGatewayFixture(t)
	token := fx.token(fx.user, middleware.ScopeWrite)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"cap", &custody.CapError{Valuation: big.NewInt(1_500_000), Cap: big.NewInt(1_000_000)}, http.StatusConflict, "cap_exceeded"},
		{"balance", &custody.BalanceError{Have: big.NewInt(100), Want: big.NewInt(250)}, http.StatusConflict, "insufficient_balance"},
		{"oracle", fmt.Errorf("deposit: %w", custody.ErrOracleFailed), http.StatusBadGateway, "oracle_failed"},
		{"unsupported", custody.ErrUnsupportedAsset, http.StatusUnprocessableEntity, "unsupported_asset"},
		{"paused", custody.ErrPaused, http.StatusLocked, "paused"},
		{"reentrancy", custody.ErrReentrancyBlocked, http.StatusConflict, "reentrancy"},
		{"swap", fmt.Errorf("convert: %w", custody.ErrSwapFailed), http.StatusBadGateway, "swap_failed"},
	}
	for _, tc := range cases {
		fx.engine.err = tc.err
		res := fx.request(http.MethodPost, "/v1/withdrawals", token, map[string]string{"asset": "NHB", "amount": "10"}, nil)
		var envelope errorEnvelope
		decodeBody(t, res, &envelope)
		if res.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, res.StatusCode)
		}
		if envelope.Error.Code != tc.code {
			t.Fatalf("%s: expected code %q, got %q", tc.name, tc.code, envelope.Error.Code)
		}
		if envelope.Error.Message == "" {
			t.Fatalf("%s: expected message in envelope", tc.name)
		}
	}
}

func TestGatewayStatusEndpoint(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.engine.status = custody.CapStatus{
		Valuation: big.NewInt(500_000),
		Cap:       big.NewInt(1_000_000),
		Remaining: big.NewInt(500_000),
		AsOf:      fx.engine.now,
	}
	fx.engine.assets = []custody.AssetInfo{{
		Symbol:      "WETH",
		Token:       routeAddress(t, 0xE0),
		Decimals:    18,
		DisplayName: "Wrapped Ether",
	}}
	token := fx.token(fx.user, middleware.ScopeRead)

	res := fx.request(http.MethodGet, "/v1/status", token, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	var payload statusResponse
	decodeBody(t, res, &payload)
	if payload.Valuation != "500000" || payload.Cap != "1000000" || payload.Remaining != "500000" {
		t.Fatalf("unexpected cap payload: %+v", payload)
	}
	if len(payload.Assets) != 1 || payload.Assets[0].Symbol != "WETH" || payload.Assets[0].Decimals != 18 {
		t.Fatalf("unexpected assets payload: %+v", payload.Assets)
	}

	fx.engine.statusErr = fmt.Errorf("status: %w", custody.ErrOracleFailed)
	res = fx.request(http.MethodGet, "/v1/status", token, nil, nil)
	var envelope errorEnvelope
	decodeBody(t, res, &envelope)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status to fail closed with 502, got %d", res.StatusCode)
	}
	if envelope.Error.Code != "oracle_failed" {
		t.Fatalf("expected oracle_failed, got %q", envelope.Error.Code)
	}
}

func TestGatewayBalancesEndpoint(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.engine.assets = []custody.AssetInfo{{Symbol: "WETH", Token: routeAddress(t, 0xE0), Decimals: 18}}
	fx.engine.held[balanceKey(fx.user, "NHB")] = big.NewInt(250)
	fx.engine.held[balanceKey(fx.user, "WETH")] = big.NewInt(50)
	fx.engine.settlement[fx.user.String()] = big.NewInt(498_500)
	token := fx.token(fx.admin, middleware.ScopeRead)

	res := fx.request(http.MethodGet, "/v1/accounts/"+fx.user.String()+"/balances", token, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	var payload balancesResponse
	decodeBody(t, res, &payload)
	if payload.Account != fx.user.String() {
		t.Fatalf("unexpected account %q", payload.Account)
	}
	if len(payload.Held) != 2 {
		t.Fatalf("expected native plus one token entry, got %d", len(payload.Held))
	}
	if payload.Held[0].Asset != "NHB" || payload.Held[0].Amount != "250" {
		t.Fatalf("unexpected native entry %+v", payload.Held[0])
	}
	if payload.Held[1].Asset != "WETH" || payload.Held[1].Amount != "50" {
		t.Fatalf("unexpected token entry %+v", payload.Held[1])
	}
	if payload.Settlement.Asset != "ZNHB" || payload.Settlement.Amount != "498500" {
		t.Fatalf("unexpected settlement entry %+v", payload.Settlement)
	}

	res = fx.request(http.MethodGet, "/v1/accounts/not-bech32/balances", token, nil, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed address, got %d", res.StatusCode)
	}
}

func TestGatewayAdminRoutesReachEngine(t *testing.T) {
	fx := newGatewayFixture(t)
	token := fx.token(fx.admin, middleware.ScopeAdmin)

	res := fx.request(http.MethodPost, "/v1/admin/cap", token, map[string]string{"amount": "2000000"}, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for cap update, got %d", res.StatusCode)
	}
	capCalls := fx.engine.callsFor("set_cap")
	if len(capCalls) != 1 || capCalls[0].account.String() != fx.admin.String() {
		t.Fatalf("cap update should pass the subject as caller, got %+v", capCalls)
	}

	res = fx.request(http.MethodPost, "/v1/admin/assets", token, map[string]interface{}{
		"symbol":      "usdc",
		"token":       routeAddress(t, 0xC0).String(),
		"decimals":    6,
		"displayName": "USD Coin",
	}, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for asset listing, got %d", res.StatusCode)
	}
	addCalls := fx.engine.callsFor("add_asset")
	if len(addCalls) != 1 || addCalls[0].info.Symbol != "USDC" {
		t.Fatalf("asset listing should normalise the symbol, got %+v", addCalls)
	}

	res = fx.request(http.MethodDelete, "/v1/admin/assets/usdc", token, nil, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for delisting, got %d", res.StatusCode)
	}
	removeCalls := fx.engine.callsFor("remove_asset")
	if len(removeCalls) != 1 || removeCalls[0].symbol != "USDC" {
		t.Fatalf("delisting should normalise the symbol, got %+v", removeCalls)
	}

	res = fx.request(http.MethodPost, "/v1/admin/pause", token, nil, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for pause, got %d", res.StatusCode)
	}
	res = fx.request(http.MethodPost, "/v1/admin/unpause", token, nil, nil)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for unpause, got %d", res.StatusCode)
	}
	if len(fx.engine.callsFor("pause")) != 1 || len(fx.engine.callsFor("resume")) != 1 {
		t.Fatal("pause and resume should each reach the engine once")
	}
}

func TestGatewayReplaysIdempotentDeposits(t *testing.T) {
	fx := newGatewayFixture(t)
	token := fx.token(fx.user, middleware.ScopeWrite)
	body := map[string]string{"asset": "NHB", "amount": "77"}
	headers := map[string]string{"Idempotency-Key": "dep-001"}

	res := fx.request(http.MethodPost, "/v1/deposits", token, body, headers)
	first, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read first response: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.StatusCode)
	}

	res = fx.request(http.MethodPost, "/v1/deposits", token, body, headers)
	second, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read second response: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected replay to keep 201, got %d", res.StatusCode)
	}
	if res.Header.Get("Idempotency-Replay") != "true" {
		t.Fatal("expected replay marker header on second response")
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("replayed body differs: %s vs %s", first, second)
	}
	if calls := fx.engine.callsFor("deposit"); len(calls) != 1 {
		t.Fatalf("expected a single engine call across the replay, got %d", len(calls))
	}
}

func TestGatewayHealthAndMetricsOpen(t *testing.T) {
	fx := newGatewayFixture(t)

	res := fx.request(http.MethodGet, "/healthz", "", nil, nil)
	var health map[string]string
	decodeBody(t, res, &health)
	if res.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %+v", res.StatusCode, health)
	}

	res = fx.request(http.MethodGet, "/metrics", "", nil, nil)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", res.StatusCode)
	}
	if len(body) == 0 {
		t.Fatal("expected metrics exposition output")
	}
}

func TestGatewayEventStreamDelivers(t *testing.T) {
	fx := newGatewayFixture(t)
	token := fx.token(fx.user, middleware.ScopeRead)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(fx.server.URL, "http://", "ws://", 1) + "/v1/events/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: fx.server.Client(),
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	deadline := time.Now().Add(2 * time.Second)
	for fx.stream.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fx.stream.Emit(custody.WrapEvent(&events.Payload{
		Type:       "custody.deposit.recorded",
		Attributes: map[string]string{"asset": "NHB", "amount": "250"},
	}))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var payload events.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if payload.Type != "custody.deposit.recorded" {
		t.Fatalf("unexpected event type %q", payload.Type)
	}
	if payload.Attributes["amount"] != "250" {
		t.Fatalf("unexpected attributes %+v", payload.Attributes)
	}
}

func TestGatewayRejectsUnauthorizedWebsocket(t *testing.T) {
	fx := newGatewayFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := strings.Replace(fx.server.URL, "http://", "ws://", 1) + "/v1/events/ws"
	conn, res, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: fx.server.Client()})
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "unexpected")
		t.Fatal("expected websocket dial without token to fail")
	}
	if res != nil && res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection, got %d", res.StatusCode)
	}
}
