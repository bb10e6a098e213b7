package vaultd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhbvault/native/custody"
	"nhbvault/observability"
)

// Feed couples a named price source with its polling cadence.
type Feed struct {
	Name     string
	Oracle   custody.PriceOracle
	Interval time.Duration
}

// SampleStore persists oracle observations for later audit.
type SampleStore interface {
	RecordSample(ctx context.Context, pair, source string, quote custody.PriceQuote, recorded time.Time) error
	PruneSamples(ctx context.Context, cutoff time.Time) error
}

// PollerConfig assembles a Poller.
type PollerConfig struct {
	Base      string
	Quote     string
	Feeds     []Feed
	Store     SampleStore
	Logger    *slog.Logger
	Retention time.Duration
}

// Poller samples every configured feed on its own cadence and persists the
// observations, giving the journal an audit trail for the prices the engine
// validates live. Sampling is best-effort: the valuation path reads feeds
// directly and never waits for the poller.
type Poller struct {
	base    string
	quote   string
	feeds   []Feed
	store   SampleStore
	metrics *observability.CustodyMetrics
	logger  *slog.Logger
	retain  time.Duration
	now     func() time.Time
}

// NewPoller wires the poller. Retention defaults to seven days and the
// logger to the process default.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retain := cfg.Retention
	if retain <= 0 {
		retain = 7 * 24 * time.Hour
	}
	return &Poller{
		base:    cfg.Base,
		quote:   cfg.Quote,
		feeds:   cfg.Feeds,
		store:   cfg.Store,
		metrics: observability.Custody(),
		logger:  logger,
		retain:  retain,
		now:     time.Now,
	}
}

func (p *Poller) pair() string {
	return p.base + "/" + p.quote
}

// Run polls until the context is cancelled. Each feed runs on its own
// ticker so a slow upstream cannot delay the others.
func (p *Poller) Run(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("vaultd: poller not configured")
	}
	var wg sync.WaitGroup
	started := 0
	for _, feed := range p.feeds {
		if feed.Oracle == nil {
			continue
		}
		started++
		wg.Add(1)
		go func(feed Feed) {
			defer wg.Done()
			p.loop(ctx, feed)
		}(feed)
	}
	p.logger.Info("oracle poller started", "feeds", started, "pair", p.pair())
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.pruneLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (p *Poller) loop(ctx context.Context, feed Feed) {
	interval := feed.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.Sample(ctx, feed); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("oracle feed sample failed", "feed", feed.Name, "pair", p.pair(), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample fetches one quote from the feed, records the observation, and
// refreshes the quote age gauge.
func (p *Poller) Sample(ctx context.Context, feed Feed) error {
	if feed.Oracle == nil {
		return fmt.Errorf("vaultd: feed %s has no oracle", feed.Name)
	}
	quote, err := feed.Oracle.GetRate(p.base, p.quote)
	if err != nil {
		return err
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return fmt.Errorf("vaultd: feed %s returned an invalid rate", feed.Name)
	}
	now := p.now()
	if quote.Timestamp.After(now.Add(5 * time.Second)) {
		return fmt.Errorf("vaultd: feed %s produced a future timestamp", feed.Name)
	}
	p.metrics.RecordOracleAge(p.pair(), now.Sub(quote.Timestamp))
	if p.store == nil {
		return nil
	}
	if err := p.store.RecordSample(ctx, p.pair(), feed.Name, quote, now); err != nil {
		return fmt.Errorf("vaultd: record sample: %w", err)
	}
	return nil
}

func (p *Poller) pruneLoop(ctx context.Context) {
	if p.store == nil {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.PruneSamples(ctx, p.now().Add(-p.retain)); err != nil {
				p.logger.Warn("prune oracle samples", "error", err)
			}
		}
	}
}
