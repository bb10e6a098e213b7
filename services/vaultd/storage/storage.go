package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"
	"lukechampine.com/blake3"

	"nhbvault/native/custody"
)

// Storage wraps the vaultd persistence layer: the digest-chained operation
// journal, raw oracle samples, and per-day usage aggregates.
type Storage struct {
	db *sql.DB

	// mu serialises journal appends so sequence numbers and the digest
	// chain stay linear even when several workflows finish close together.
	mu         sync.Mutex
	lastSeq    int64
	lastDigest string
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("vaultd storage path must be configured")

// Open initialises the backing store using a sqlite-compatible DSN and loads
// the journal chain head.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	store := &Storage{db: db}
	if err := store.loadChainHead(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) loadChainHead(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `
        SELECT seq, digest
        FROM operations
        ORDER BY seq DESC
        LIMIT 1
    `)
	var seq int64
	var digest string
	if err := row.Scan(&seq, &digest); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("load chain head: %w", err)
	}
	s.lastSeq = seq
	s.lastDigest = digest
	return nil
}

// JournalRow is one persisted operation record plus its chain position.
type JournalRow struct {
	Seq        int64
	ID         string
	Operation  string
	Account    string
	Asset      string
	AmountIn   string
	AmountOut  string
	Valuation  string
	FeeTier    string
	Status     string
	Reason     string
	PrevDigest string
	Digest     string
	CreatedAt  time.Time
}

// Record converts the row back into the engine's journal shape.
func (r JournalRow) Record() custody.OperationRecord {
	return custody.OperationRecord{
		ID:        r.ID,
		Operation: r.Operation,
		Account:   r.Account,
		Asset:     r.Asset,
		AmountIn:  r.AmountIn,
		AmountOut: r.AmountOut,
		Valuation: r.Valuation,
		FeeTier:   r.FeeTier,
		Status:    r.Status,
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
	}
}

// ChainDigest computes the tamper-evidence digest for a journal row. The
// previous digest is hex; an empty string denotes the chain genesis. Auditors
// recompute this over every row to verify the chain.
func ChainDigest(prevHex string, seq int64, rec custody.OperationRecord) (string, error) {
	prev := make([]byte, 32)
	if trimmed := strings.TrimSpace(prevHex); trimmed != "" {
		decoded, err := hex.DecodeString(trimmed)
		if err != nil {
			return "", fmt.Errorf("decode prev digest: %w", err)
		}
		if len(decoded) != 32 {
			return "", fmt.Errorf("prev digest must be 32 bytes, got %d", len(decoded))
		}
		prev = decoded
	}
	buf := bytes.NewBuffer(nil)
	buf.Write(prev)
	if err := binary.Write(buf, binary.BigEndian, uint64(seq)); err != nil {
		return "", err
	}
	for _, field := range []string{
		rec.ID, rec.Operation, rec.Account, rec.Asset,
		rec.AmountIn, rec.AmountOut, rec.Valuation,
		rec.FeeTier, rec.Status, rec.Reason,
	} {
		if err := writeDelimited(buf, []byte(field)); err != nil {
			return "", err
		}
	}
	if err := binary.Write(buf, binary.BigEndian, rec.CreatedAt.UTC().UnixNano()); err != nil {
		return "", err
	}
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := buf.Write(data)
	return err
}

// RecordOperation appends a journal row, extending the digest chain and
// rolling the day's usage aggregates in the same transaction. It implements
// the engine's Journal interface.
func (s *Storage) RecordOperation(ctx context.Context, record custody.OperationRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("operation id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.lastSeq + 1
	digest, err := ChainDigest(s.lastDigest, seq, record)
	if err != nil {
		return fmt.Errorf("chain digest: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO operations(seq, id, operation, account, asset, amount_in, amount_out,
                               valuation, fee_tier, status, reason, prev_digest, digest, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, seq, record.ID, record.Operation, record.Account, record.Asset,
		record.AmountIn, record.AmountOut, record.Valuation,
		record.FeeTier, record.Status, record.Reason,
		s.lastDigest, digest, record.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	if record.Status == custody.StatusOK {
		if err := accumulateUsage(ctx, tx, record); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit operation: %w", err)
	}
	s.lastSeq = seq
	s.lastDigest = digest
	return nil
}

func accumulateUsage(ctx context.Context, tx *sql.Tx, record custody.OperationRecord) error {
	volume := big.NewInt(0)
	if trimmed := strings.TrimSpace(record.AmountIn); trimmed != "" {
		if parsed, ok := new(big.Int).SetString(trimmed, 10); ok {
			volume = parsed
		}
	}
	day := record.CreatedAt.UTC().Format("2006-01-02")

	row := tx.QueryRowContext(ctx, `
        SELECT count, volume
        FROM daily_usage
        WHERE day = ? AND operation = ?
    `, day, record.Operation)
	var count int64
	var stored string
	if err := row.Scan(&count, &stored); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query usage: %w", err)
	}
	total := big.NewInt(0)
	if trimmed := strings.TrimSpace(stored); trimmed != "" {
		if parsed, ok := new(big.Int).SetString(trimmed, 10); ok {
			total = parsed
		}
	}
	total.Add(total, volume)

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO daily_usage(day, operation, count, volume, updated_at)
        VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(day, operation) DO UPDATE SET
            count=excluded.count,
            volume=excluded.volume,
            updated_at=CURRENT_TIMESTAMP
    `, day, record.Operation, count+1, total.String()); err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

// OperationsBetween returns journal rows created inside [from, to), ordered
// by sequence so callers can replay the digest chain.
func (s *Storage) OperationsBetween(ctx context.Context, from, to time.Time) ([]JournalRow, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT seq, id, operation, account, asset, amount_in, amount_out,
               valuation, fee_tier, status, reason, prev_digest, digest, created_at
        FROM operations
        WHERE created_at >= ? AND created_at < ?
        ORDER BY seq ASC
    `, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()
	out := make([]JournalRow, 0)
	for rows.Next() {
		var row JournalRow
		if err := rows.Scan(&row.Seq, &row.ID, &row.Operation, &row.Account, &row.Asset,
			&row.AmountIn, &row.AmountOut, &row.Valuation, &row.FeeTier,
			&row.Status, &row.Reason, &row.PrevDigest, &row.Digest, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}

// ChainHead reports the latest journal sequence and digest; a zero sequence
// means the journal is empty.
func (s *Storage) ChainHead() (int64, string) {
	if s == nil {
		return 0, ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq, s.lastDigest
}

// Sample is one persisted oracle observation.
type Sample struct {
	Pair       string
	Source     string
	Rate       string
	ObservedAt time.Time
	RecordedAt time.Time
}

// RecordSample persists a raw oracle quote.
func (s *Storage) RecordSample(ctx context.Context, pair, source string, quote custody.PriceQuote, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if quote.Rate == nil {
		return fmt.Errorf("quote missing rate")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(pair, source, rate, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, strings.ToUpper(strings.TrimSpace(pair)), strings.ToLower(strings.TrimSpace(source)),
		quote.Rate.FloatString(18), quote.Timestamp.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecentSamples returns samples for a pair observed at or after the cutoff.
func (s *Storage) RecentSamples(ctx context.Context, pair string, cutoff time.Time) ([]Sample, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT pair, source, rate, observed_at, recorded_at
        FROM oracle_samples
        WHERE pair = ? AND observed_at >= ?
        ORDER BY observed_at ASC
    `, strings.ToUpper(strings.TrimSpace(pair)), cutoff.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	out := make([]Sample, 0)
	for rows.Next() {
		var sample Sample
		var observed int64
		if err := rows.Scan(&sample.Pair, &sample.Source, &sample.Rate, &observed, &sample.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sample.ObservedAt = time.Unix(observed, 0).UTC()
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return out, nil
}

// PruneSamples removes oracle samples observed before the cutoff.
func (s *Storage) PruneSamples(ctx context.Context, cutoff time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM oracle_samples
        WHERE observed_at < ?
    `, cutoff.UTC().Unix()); err != nil {
		return fmt.Errorf("prune samples: %w", err)
	}
	return nil
}

// UsageRow aggregates completed operations for one UTC day.
type UsageRow struct {
	Day       string
	Operation string
	Count     int64
	Volume    string
}

// UsageBetween returns daily aggregates for days inside [from, to].
func (s *Storage) UsageBetween(ctx context.Context, from, to time.Time) ([]UsageRow, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT day, operation, count, volume
        FROM daily_usage
        WHERE day >= ? AND day <= ?
        ORDER BY day ASC, operation ASC
    `, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()
	out := make([]UsageRow, 0)
	for rows.Next() {
		var row UsageRow
		if err := rows.Scan(&row.Day, &row.Operation, &row.Count, &row.Volume); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return out, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
    seq INTEGER PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    operation TEXT NOT NULL,
    account TEXT NOT NULL,
    asset TEXT NOT NULL,
    amount_in TEXT NOT NULL,
    amount_out TEXT NOT NULL,
    valuation TEXT NOT NULL,
    fee_tier TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT NOT NULL,
    prev_digest TEXT NOT NULL,
    digest TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at);
CREATE INDEX IF NOT EXISTS idx_operations_account ON operations(account, created_at);

CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    source TEXT NOT NULL,
    rate TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_pair_ts ON oracle_samples(pair, observed_at);

CREATE TABLE IF NOT EXISTS daily_usage (
    day TEXT NOT NULL,
    operation TEXT NOT NULL,
    count INTEGER NOT NULL,
    volume TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (day, operation)
);
`
