package vaultd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nhbvault/config"
	"nhbvault/core/events"
	"nhbvault/crypto"
	"nhbvault/gateway/middleware"
	"nhbvault/gateway/routes"
	"nhbvault/native/custody"
	"nhbvault/observability/logging"
	otelinit "nhbvault/observability/otel"
	vstorage "nhbvault/services/vaultd/storage"
	"nhbvault/storage"
)

type options struct {
	client custody.TokenClient
	router custody.SwapRouter
}

// Option customises service construction.
type Option func(*options)

// WithTokenClient attaches a settlement rail client, replacing the one the
// configured rail mode would build.
func WithTokenClient(client custody.TokenClient) Option {
	return func(o *options) { o.client = client }
}

// WithSwapRouter attaches a conversion router, replacing the one the
// configured rail mode would build.
func WithSwapRouter(router custody.SwapRouter) Option {
	return func(o *options) { o.router = router }
}

// devOracle quotes a constant rate with a fresh timestamp so a simulated
// deployment without real feeds never goes stale.
type devOracle struct {
	rate *big.Rat
}

func (o devOracle) GetRate(base, quote string) (custody.PriceQuote, error) {
	return custody.PriceQuote{Rate: new(big.Rat).Set(o.rate), Timestamp: time.Now(), Source: "simulated"}, nil
}

// Service owns the custody engine, its stores, the oracle poller, and the
// HTTP gateway. New wires everything from configuration; Run serves until
// the context is cancelled.
type Service struct {
	cfg      *config.Config
	params   custody.Params
	logger   *slog.Logger
	db       *storage.LevelDB
	journal  *vstorage.Storage
	replays  *middleware.ReplayStore
	engine   *custody.Engine
	stream   *events.Stream
	poller   *Poller
	handler  http.Handler
	rail     *KVRail
	otelStop func(context.Context) error
}

// New builds the service from a normalised, validated configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vaultd: configuration required")
	}
	params, err := cfg.Custody.Parameters()
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("vaultd: %w", err)
	}
	logger := logging.SetupWithOptions(cfg.Service.Name, cfg.Service.Environment, logging.Options{
		Level:    level,
		Rotation: cfg.Observability.LogFile.Rotation(),
	})

	svc := &Service{cfg: cfg, params: params, logger: logger}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	if cfg.Observability.Metrics || cfg.Observability.Tracing {
		stop, err := otelinit.Init(ctx, otelinit.Config{
			ServiceName: cfg.Service.Name,
			Environment: cfg.Service.Environment,
			Endpoint:    cfg.Observability.OTLPEndpoint,
			Insecure:    cfg.Observability.OTLPInsecure,
			Metrics:     cfg.Observability.Metrics,
			Traces:      cfg.Observability.Tracing,
			SampleRatio: cfg.Observability.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("vaultd: telemetry: %w", err)
		}
		svc.otelStop = stop
	}

	stateDB, err := storage.NewLevelDB(cfg.Storage.StatePath)
	if err != nil {
		return nil, fmt.Errorf("vaultd: open state store: %w", err)
	}
	svc.db = stateDB
	kv := storage.NewRLPKV(stateDB)
	ledger := custody.NewLedger(kv, params.NativeSymbol)

	if err := ensureParentDir(cfg.Storage.JournalPath); err != nil {
		return nil, err
	}
	journalDSN, err := vstorage.FileDSN(cfg.Storage.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("vaultd: resolve journal DSN: %w", err)
	}
	journal, err := vstorage.Open(journalDSN)
	if err != nil {
		return nil, fmt.Errorf("vaultd: open journal: %w", err)
	}
	svc.journal = journal

	httpClient := &http.Client{Timeout: 10 * time.Second}
	names := make([]string, 0, len(cfg.Oracle.Feeds)+1)
	for _, fc := range cfg.Oracle.Feeds {
		names = append(names, fc.Name)
	}
	useDevOracle := len(cfg.Oracle.Feeds) == 0 && cfg.Service.RailMode == config.RailSimulated
	if useDevOracle {
		names = append(names, "simulated")
	}
	aggregator := custody.NewOracleAggregator(names, cfg.Oracle.MaxQuoteAge.Duration)
	feeds := make([]Feed, 0, len(names))
	for _, fc := range cfg.Oracle.Feeds {
		apiKey := ""
		if fc.APIKeyEnv != "" {
			apiKey = os.Getenv(fc.APIKeyEnv)
		}
		oracle := custody.NewFeedOracle(httpClient, fc.URL, apiKey, fc.Name)
		aggregator.Register(fc.Name, oracle)
		feeds = append(feeds, Feed{Name: fc.Name, Oracle: oracle, Interval: fc.Interval.Duration})
	}
	if useDevOracle {
		dev := devOracle{rate: big.NewRat(1, 1)}
		aggregator.Register("simulated", dev)
		feeds = append(feeds, Feed{Name: "simulated", Oracle: dev, Interval: 30 * time.Second})
	}
	priceSource := custody.NewOraclePriceSource(aggregator, string(params.NativeSymbol), params.ReferenceSymbol, params.ReferenceDecimals, params.OracleHeartbeat)

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var client custody.TokenClient
	var router custody.SwapRouter
	var table *TableRouter
	if cfg.Service.RailMode == config.RailSimulated {
		svc.rail = NewKVRail(kv)
		table = NewTableRouter(svc.rail, aggregator, params, cfg.Service.SimSpreadBps)
		client, router = svc.rail, table
	} else {
		client, router = unconfiguredClient{}, unconfiguredRouter{}
		if o.client == nil {
			logger.Warn("external rail selected without a token client; money operations will fail until one is attached")
		}
	}
	if o.client != nil {
		client = o.client
	}
	if o.router != nil {
		router = o.router
	}

	transfers := custody.NewTransferAdapter(client, params.Custody)
	swapper := custody.NewSwapAdapter(client, router, params.Router, params.Custody)
	capEngine := custody.NewCapEngine(ledger, params.NativeDecimals, params.SettlementDecimals, params.ReferenceDecimals)
	engine, err := custody.NewEngine(params, ledger, capEngine, priceSource, transfers, swapper)
	if err != nil {
		return nil, err
	}
	svc.engine = engine

	svc.stream = events.NewStream(256)
	engine.SetEmitter(svc.stream)
	engine.SetJournal(journal)

	assets, err := config.LoadRegistry(cfg.Custody.RegistryPath)
	if err != nil {
		return nil, err
	}
	if err := engine.Bootstrap(assets); err != nil {
		return nil, err
	}
	if table != nil {
		for _, info := range assets {
			table.RegisterAsset(info)
		}
	}

	if svc.rail != nil {
		if err := seedSimRail(ctx, svc.rail, params, cfg.Service.SimInventory); err != nil {
			return nil, err
		}
	}

	svc.poller = NewPoller(PollerConfig{
		Base:   string(params.NativeSymbol),
		Quote:  params.ReferenceSymbol,
		Feeds:  feeds,
		Store:  journal,
		Logger: logger,
	})

	if err := ensureParentDir(cfg.Gateway.IdempotencyPath); err != nil {
		return nil, err
	}
	replays, err := middleware.NewReplayStore(cfg.Gateway.IdempotencyPath, cfg.Gateway.IdempotencyTTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("vaultd: open replay store: %w", err)
	}
	svc.replays = replays

	limits := make(map[string]middleware.RateLimit, len(cfg.Gateway.RateLimits))
	for route, rl := range cfg.Gateway.RateLimits {
		limits[route] = middleware.RateLimit{RequestsPerMinute: rl.RequestsPerMinute, Burst: rl.Burst}
	}
	handler, err := routes.New(routes.Config{
		Engine: engine,
		Stream: svc.stream,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.Gateway.AuthSecret,
			Issuer:     cfg.Gateway.Issuer,
			Audience:   cfg.Gateway.Audience,
			ClockSkew:  cfg.Gateway.ClockSkew.Duration,
		}),
		RateLimiter:   middleware.NewRateLimiter(limits),
		Replays:       replays,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: cfg.Service.Name, LogRequests: true}),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.Gateway.AllowedOrigins},
	})
	if err != nil {
		return nil, err
	}
	svc.handler = handler

	ok = true
	return svc, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vaultd: create %s: %w", dir, err)
	}
	return nil
}

// seedSimRail funds the simulated rail: the router receives settlement
// inventory to back conversions and the configured accounts receive native
// balances. Seeding only tops up zero balances so restarts stay idempotent.
func seedSimRail(ctx context.Context, rail *KVRail, params custody.Params, inventory map[string]string) error {
	balance, err := rail.TokenBalance(ctx, params.SettlementToken, params.Router)
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		seed := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(params.SettlementDecimals)+12), nil)
		if err := rail.Mint(ctx, custody.TokenRef(params.SettlementToken), params.Router, seed); err != nil {
			return err
		}
	}
	for account, raw := range inventory {
		addr, err := crypto.ParseAddress(account)
		if err != nil {
			return fmt.Errorf("vaultd: inventory account %q: %w", account, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("vaultd: inventory amount %q for %s must be a positive integer", raw, account)
		}
		current, err := rail.NativeBalance(ctx, addr)
		if err != nil {
			return err
		}
		if current.Sign() > 0 {
			continue
		}
		if err := rail.Mint(ctx, custody.NativeRef(), addr, amount); err != nil {
			return err
		}
	}
	return nil
}

// Engine exposes the custody engine for embedding callers and tests.
func (s *Service) Engine() *custody.Engine {
	if s == nil {
		return nil
	}
	return s.engine
}

// Handler exposes the gateway handler.
func (s *Service) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.handler
}

// Rail exposes the simulated rail, or nil in external mode.
func (s *Service) Rail() *KVRail {
	if s == nil {
		return nil
	}
	return s.rail
}

// Journal exposes the operation journal store.
func (s *Service) Journal() *vstorage.Storage {
	if s == nil {
		return nil
	}
	return s.journal
}

// Close releases the persistent stores and telemetry exporters. Run calls
// it during shutdown; callers that never start Run should close the service
// themselves.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.replays != nil {
		if err := s.replays.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.replays = nil
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.journal = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.db = nil
	}
	if s.otelStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.otelStop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
		s.otelStop = nil
	}
	return firstErr
}

// Run serves the gateway and the oracle poller until the context is
// cancelled, then drains in-flight requests and closes the stores.
func (s *Service) Run(ctx context.Context) error {
	if s == nil || s.handler == nil {
		return fmt.Errorf("vaultd: service not initialised")
	}
	srv := &http.Server{
		Addr:         s.cfg.Service.ListenAddress,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		s.logger.Info("vault gateway listening", "addr", srv.Addr, "rail", s.cfg.Service.RailMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go func() {
		if err := s.poller.Run(pollCtx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	cancelPoll()
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
