package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhbvault/core/events"
	"nhbvault/gateway/middleware"
)

// Config wires the vault API router.
type Config struct {
	Engine        VaultEngine
	Stream        *events.Stream
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Replays       *middleware.ReplayStore
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New assembles the gateway handler: CORS on the outside, then per-group rate
// limiting, authentication, and idempotency replay, with request telemetry
// closest to each handler. The whole tree is wrapped in an otelhttp span so
// downstream engine spans parent correctly.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("routes: engine required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("routes: authenticator required")
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil)
	}
	obs := cfg.Observability
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{})
	}
	srv := NewServer(cfg.Engine, cfg.Stream)

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", srv.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Money operations. Replay protection sits after auth so the cache key
	// can include the authenticated subject.
	r.Group(func(g chi.Router) {
		g.Use(limiter.Middleware("write"))
		g.Use(cfg.Authenticator.Middleware(middleware.ScopeWrite))
		if cfg.Replays != nil {
			g.Use(cfg.Replays.Middleware())
		}
		g.With(obs.Middleware("/v1/deposits")).Post("/v1/deposits", srv.handleDeposit)
		g.With(obs.Middleware("/v1/conversions")).Post("/v1/conversions", srv.handleConvert)
		g.With(obs.Middleware("/v1/withdrawals")).Post("/v1/withdrawals", srv.handleWithdraw)
		g.With(obs.Middleware("/v1/settlement-withdrawals")).Post("/v1/settlement-withdrawals", srv.handleWithdrawSettlement)
	})

	// Read surface.
	r.Group(func(g chi.Router) {
		g.Use(limiter.Middleware("read"))
		g.Use(cfg.Authenticator.Middleware(middleware.ScopeRead))
		g.With(obs.Middleware("/v1/accounts/balances")).Get("/v1/accounts/{address}/balances", srv.handleBalances)
		g.With(obs.Middleware("/v1/status")).Get("/v1/status", srv.handleStatus)
	})

	// Admin surface.
	r.Group(func(g chi.Router) {
		g.Use(limiter.Middleware("admin"))
		g.Use(cfg.Authenticator.Middleware(middleware.ScopeAdmin))
		if cfg.Replays != nil {
			g.Use(cfg.Replays.Middleware())
		}
		g.With(obs.Middleware("/v1/admin/cap")).Post("/v1/admin/cap", srv.handleSetCap)
		g.With(obs.Middleware("/v1/admin/assets")).Post("/v1/admin/assets", srv.handleAddAsset)
		g.With(obs.Middleware("/v1/admin/assets")).Delete("/v1/admin/assets/{symbol}", srv.handleRemoveAsset)
		g.With(obs.Middleware("/v1/admin/pause")).Post("/v1/admin/pause", srv.handlePause)
		g.With(obs.Middleware("/v1/admin/unpause")).Post("/v1/admin/unpause", srv.handleResume)
	})

	// Event stream. No replay middleware: websocket upgrades are not
	// idempotent POSTs.
	r.Group(func(g chi.Router) {
		g.Use(limiter.Middleware("events"))
		g.Use(cfg.Authenticator.Middleware(middleware.ScopeRead))
		g.Get("/v1/events/ws", srv.handleEventsWS)
	})

	return otelhttp.NewHandler(r, "vault-gateway"), nil
}
