package custody

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PriceQuote captures an exchange rate for a currency pair along with the
// timestamp reported by the upstream oracle and the oracle identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate using the supplied precision.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// PriceOracle resolves an exchange rate for the provided base/quote pair.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that the aggregator could not retrieve a quote
// within the configured freshness window.
var ErrNoFreshQuote = errors.New("custody: no fresh oracle quote available")

func normaliseSymbol(symbol string) string {
	return string(NormalizeAsset(symbol))
}

// OracleAggregator consults a list of registered oracles in priority order
// until a usable quote is obtained.
type OracleAggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
	maxAge   time.Duration
}

// NewOracleAggregator constructs an aggregator with the provided priority and
// freshness window.
func NewOracleAggregator(priority []string, maxAge time.Duration) *OracleAggregator {
	return &OracleAggregator{
		priority: append([]string{}, priority...),
		oracles:  make(map[string]PriceOracle),
		maxAge:   maxAge,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *OracleAggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// Register adds or replaces an oracle under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent regardless
// of the configuration casing.
func (a *OracleAggregator) Register(name string, oracle PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetRate fetches a rate from the configured oracles respecting the priority
// ordering. The freshness window is enforced and the returned quote is a
// defensive copy.
func (a *OracleAggregator) GetRate(base, quote string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("custody: oracle aggregator not configured")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	a.mu.RUnlock()

	baseSym := normaliseSymbol(base)
	quoteSym := normaliseSymbol(quote)
	if baseSym == "" || quoteSym == "" {
		return PriceQuote{}, fmt.Errorf("custody: oracle base and quote required")
	}

	var lastErr error
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	for _, name := range priority {
		a.mu.RLock()
		oracle := a.oracles[strings.ToLower(name)]
		a.mu.RUnlock()
		if oracle == nil {
			continue
		}
		sample, err := oracle.GetRate(baseSym, quoteSym)
		if err != nil {
			lastErr = err
			continue
		}
		if sample.Rate == nil || sample.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("custody: oracle %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && sample.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := sample.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = strings.ToLower(name)
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return PriceQuote{}, lastErr
}

// ManualOracle provides an in-memory oracle implementation used for tests and
// manual overrides during incident response.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual oracle instance.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

func manualKey(base, quote string) string {
	return normaliseSymbol(base) + "_" + normaliseSymbol(quote)
}

// SetDecimal records the supplied decimal rate for the currency pair using
// the provided timestamp.
func (m *ManualOracle) SetDecimal(base, quote, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("custody: manual oracle not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("custody: manual oracle rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("custody: manual oracle invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("custody: manual oracle rate must be positive")
	}
	m.Set(base, quote, rat, ts)
	return nil
}

// Set stores the provided rational rate for the currency pair.
func (m *ManualOracle) Set(base, quote string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	key := manualKey(base, quote)
	m.mu.Lock()
	quoteCopy := PriceQuote{Timestamp: ts, Source: "manual"}
	quoteCopy.Rate = new(big.Rat).Set(rate)
	m.quotes[key] = quoteCopy
	m.mu.Unlock()
}

// GetRate retrieves the stored rate for the currency pair.
func (m *ManualOracle) GetRate(base, quote string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("custody: manual oracle not configured")
	}
	key := manualKey(base, quote)
	m.mu.RLock()
	stored, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("custody: manual oracle quote for %s/%s not found", base, quote)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FeedOracle fetches price data from an HTTP quote endpoint that answers with
// a JSON body of the form {"rate": "...", "timestamp": ...}.
type FeedOracle struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	source   string
}

// NewFeedOracle constructs a feed oracle adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewFeedOracle(client HTTPDoer, endpoint, apiKey, source string) *FeedOracle {
	if client == nil {
		client = http.DefaultClient
	}
	trimmedSource := strings.ToLower(strings.TrimSpace(source))
	if trimmedSource == "" {
		trimmedSource = "feed"
	}
	return &FeedOracle{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		source:   trimmedSource,
	}
}

func (o *FeedOracle) GetRate(base, quote string) (PriceQuote, error) {
	if o == nil {
		return PriceQuote{}, fmt.Errorf("custody: feed oracle not configured")
	}
	if o.endpoint == "" {
		return PriceQuote{}, fmt.Errorf("custody: feed oracle endpoint required")
	}
	req, err := http.NewRequest(http.MethodGet, o.endpoint, nil)
	if err != nil {
		return PriceQuote{}, err
	}
	values := url.Values{}
	values.Set("from", normaliseSymbol(base))
	values.Set("to", normaliseSymbol(quote))
	req.URL.RawQuery = values.Encode()
	if o.apiKey != "" {
		req.Header.Set("x-api-key", o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return PriceQuote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceQuote{}, fmt.Errorf("custody: feed oracle status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return PriceQuote{}, fmt.Errorf("custody: feed oracle decode: %w", err)
	}
	rate := strings.TrimSpace(payload.Rate)
	if rate == "" {
		return PriceQuote{}, fmt.Errorf("custody: feed oracle empty rate")
	}
	rat, ok := new(big.Rat).SetString(rate)
	if !ok || rat.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("custody: feed oracle invalid rate %q", payload.Rate)
	}
	return PriceQuote{Rate: rat, Timestamp: time.Unix(payload.Timestamp, 0), Source: o.source}, nil
}

// OraclePriceSource validates oracle quotes for valuation purposes. Returned
// prices are scaled to reference base units and quotes older than the
// heartbeat are rejected so a stalled oracle fails closed.
type OraclePriceSource struct {
	oracle     PriceOracle
	base       string
	quote      string
	decimals   uint8
	heartbeat  time.Duration
	priceScale *big.Int
}

// NewOraclePriceSource binds the validation rules to an oracle and pair. The
// decimals argument controls the integer scaling of the returned price.
func NewOraclePriceSource(oracle PriceOracle, base, quote string, decimals uint8, heartbeat time.Duration) *OraclePriceSource {
	if heartbeat <= 0 {
		heartbeat = time.Duration(DefaultOracleHeartbeatSeconds) * time.Second
	}
	return &OraclePriceSource{
		oracle:     oracle,
		base:       normaliseSymbol(base),
		quote:      normaliseSymbol(quote),
		decimals:   decimals,
		heartbeat:  heartbeat,
		priceScale: pow10(decimals),
	}
}

// Heartbeat returns the staleness window applied to quotes.
func (s *OraclePriceSource) Heartbeat() time.Duration {
	if s == nil {
		return 0
	}
	return s.heartbeat
}

// ValidatedPrice fetches the current rate and enforces the validation rules:
// the rate must be positive and the quote timestamp must be no older than the
// heartbeat relative to now. The returned price is the rate scaled to integer
// reference base units, truncated toward zero.
func (s *OraclePriceSource) ValidatedPrice(now time.Time) (*big.Int, time.Time, error) {
	if s == nil || s.oracle == nil {
		return nil, time.Time{}, fmt.Errorf("%w: price source not configured", ErrOracleFailed)
	}
	quote, err := s.oracle.GetRate(s.base, s.quote)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrOracleFailed, err)
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, time.Time{}, fmt.Errorf("%w: non-positive rate", ErrOracleFailed)
	}
	asOf := quote.Timestamp
	if asOf.IsZero() {
		return nil, time.Time{}, fmt.Errorf("%w: quote missing timestamp", ErrOracleFailed)
	}
	if age := now.Sub(asOf); age > s.heartbeat {
		return nil, time.Time{}, fmt.Errorf("%w: quote is %s old, heartbeat %s", ErrOracleFailed, age.Truncate(time.Second), s.heartbeat)
	}
	scaled := new(big.Rat).Mul(quote.Rate, new(big.Rat).SetInt(s.priceScale))
	price := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if price.Sign() <= 0 {
		return nil, time.Time{}, fmt.Errorf("%w: rate truncates to zero at %d decimals", ErrOracleFailed, s.decimals)
	}
	return price, asOf, nil
}
