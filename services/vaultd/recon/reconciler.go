package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nhbvault/native/custody"
	"nhbvault/observability"
	vstorage "nhbvault/services/vaultd/storage"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyDigestMismatch     = "digest_mismatch"
	AnomalyConservationBreach = "conservation_breach"
	AnomalyCapBreach          = "cap_breach"
	AnomalyZeroDeltaSwap      = "zero_delta_swap"
	AnomalyOrphanRefund       = "orphan_refund"
)

// Source yields journal rows for a reconciliation window.
type Source interface {
	OperationsBetween(ctx context.Context, from, to time.Time) ([]vstorage.JournalRow, error)
}

// ReserveReader exposes the ledger totals the conservation check compares
// against. The live ledger implements it; audits over a copied journal run
// without one.
type ReserveReader interface {
	NativeReserve() (*big.Int, error)
	SettlementReserve() (*big.Int, error)
	Cap() (*big.Int, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB          *gorm.DB
	Journal     Source
	Reserves    ReserveReader
	NativeAsset custody.Asset
	OutputDir   string
	DryRun      bool
	Now         func() time.Time
	Alert       AlertFunc
	Logger      *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window. A
// zero Start audits the full history: the chain must anchor to its genesis
// and, when reserves are available, the conservation check runs.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	Seq     int64
	OpID    string
	Details string
}

// ReportFile references the CSV and parquet artefacts generated per asset.
type ReportFile struct {
	Asset       string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run. Totals holds the net value drawn
// from depositors per asset across successful operations in the window.
type Result struct {
	RunID     string
	Start     time.Time
	End       time.Time
	Rows      []vstorage.JournalRow
	Files     []ReportFile
	Anomalies []Anomaly
	Totals    map[string]*big.Int
}

// Reconciler replays journal windows into the reporting database, verifies
// the digest chain, and materialises per-asset report artefacts.
type Reconciler struct {
	db          *gorm.DB
	journal     Source
	reserves    ReserveReader
	nativeAsset custody.Asset
	outputDir   string
	dryRun      bool
	now         func() time.Time
	alert       AlertFunc
	logger      *slog.Logger
	metrics     *observability.ReconMetrics
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Journal == nil {
		return nil, errors.New("recon: journal source is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("vault-data", "recon")
	}
	native := custody.NormalizeAsset(string(cfg.NativeAsset))
	if native == "" {
		native = "NHB"
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		db:          cfg.DB,
		journal:     cfg.Journal,
		reserves:    cfg.Reserves,
		nativeAsset: native,
		outputDir:   outputDir,
		dryRun:      cfg.DryRun,
		now:         nowFn,
		alert:       alert,
		logger:      logger,
		metrics:     observability.Recon(),
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun
	fromGenesis := opts.Start.IsZero()

	rows, err := r.journal.OperationsBetween(ctx, start, end)
	if err != nil {
		r.metrics.RecordRun("error", r.now())
		return nil, fmt.Errorf("recon: load journal: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	runID := uuid.NewString()
	anomalies := r.verifyChain(ctx, rows, fromGenesis)
	anomalies = append(anomalies, r.flagOperations(ctx, rows)...)
	if fromGenesis && r.reserves != nil {
		found, err := r.checkConservation(ctx, rows)
		if err != nil {
			r.metrics.RecordRun("error", r.now())
			return nil, err
		}
		anomalies = append(anomalies, found...)
	}
	totals := sumTotals(rows)

	files := make([]ReportFile, 0)
	if !dryRun {
		if err := r.persist(ctx, runID, rows, anomalies, start, end, dryRun); err != nil {
			r.metrics.RecordRun("error", r.now())
			return nil, err
		}
		files, err = r.writeArtifacts(start, end, rows)
		if err != nil {
			r.metrics.RecordRun("error", r.now())
			return nil, err
		}
	}

	r.metrics.RecordRun("success", r.now())
	r.logger.Info("reconciliation complete",
		"run_id", runID,
		"rows", len(rows),
		"anomalies", len(anomalies),
		"files", len(files),
		"dry_run", dryRun)
	return &Result{
		RunID:     runID,
		Start:     start,
		End:       end,
		Rows:      rows,
		Files:     files,
		Anomalies: anomalies,
		Totals:    totals,
	}, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.metrics.RecordAnomaly(anomaly.Type)
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Warn("recon alert delivery failed", "type", anomaly.Type, "error", err)
		}
	}
	return anomaly
}

// verifyChain recomputes every digest and checks that each row links to its
// predecessor. When auditing from genesis the first row must anchor to an
// empty previous digest.
func (r *Reconciler) verifyChain(ctx context.Context, rows []vstorage.JournalRow, fromGenesis bool) []Anomaly {
	anomalies := make([]Anomaly, 0)
	prev := ""
	for i, row := range rows {
		if i == 0 {
			if fromGenesis && row.PrevDigest != "" {
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:    AnomalyDigestMismatch,
					Seq:     row.Seq,
					OpID:    row.ID,
					Details: "first row does not anchor to the chain genesis",
				}))
			}
		} else if row.PrevDigest != prev {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyDigestMismatch,
				Seq:     row.Seq,
				OpID:    row.ID,
				Details: fmt.Sprintf("row links to %s but the previous digest is %s", shortDigest(row.PrevDigest), shortDigest(prev)),
			}))
		}
		recomputed, err := vstorage.ChainDigest(row.PrevDigest, row.Seq, row.Record())
		if err != nil {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyDigestMismatch,
				Seq:     row.Seq,
				OpID:    row.ID,
				Details: fmt.Sprintf("digest recompute failed: %v", err),
			}))
		} else if recomputed != row.Digest {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyDigestMismatch,
				Seq:     row.Seq,
				OpID:    row.ID,
				Details: "stored digest does not match the recomputed digest",
			}))
		}
		prev = row.Digest
	}
	return anomalies
}

// flagOperations replays the window looking for settled conversions without
// output, failed conversions whose measured output needs a verified refund,
// and valuations above the capital ceiling. Cap changes recorded in the
// window are replayed; rows before the first change are checked against the
// currently configured ceiling.
func (r *Reconciler) flagOperations(ctx context.Context, rows []vstorage.JournalRow) []Anomaly {
	anomalies := make([]Anomaly, 0)
	var runningCap *big.Int
	if r.reserves != nil {
		if limit, err := r.reserves.Cap(); err == nil {
			runningCap = limit
		}
	}
	for _, row := range rows {
		ok := row.Status == custody.StatusOK
		if ok && row.Operation == custody.OpSetCap {
			if value, valid := parseAmount(row.AmountIn); valid {
				runningCap = value
			}
			continue
		}
		if row.Operation == custody.OpDepositAndConvert {
			if ok {
				out, valid := parseAmount(row.AmountOut)
				if !valid || out.Sign() <= 0 {
					anomalies = append(anomalies, r.raise(ctx, Anomaly{
						Type:    AnomalyZeroDeltaSwap,
						Seq:     row.Seq,
						OpID:    row.ID,
						Details: "conversion settled without measurable output",
					}))
				}
			} else if out, valid := parseAmount(row.AmountOut); valid && out.Sign() > 0 {
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:    AnomalyOrphanRefund,
					Seq:     row.Seq,
					OpID:    row.ID,
					Details: fmt.Sprintf("failed conversion recorded output %s; verify the refund reached %s", row.AmountOut, row.Account),
				}))
			}
		}
		if ok && runningCap != nil {
			if valuation, valid := parseAmount(row.Valuation); valid && valuation.Cmp(runningCap) > 0 {
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:    AnomalyCapBreach,
					Seq:     row.Seq,
					OpID:    row.ID,
					Details: fmt.Sprintf("valuation %s settled above the %s ceiling", row.Valuation, runningCap),
				}))
			}
		}
	}
	return anomalies
}

// checkConservation recomputes the reserve totals the full journal implies
// and compares them to the live ledger.
func (r *Reconciler) checkConservation(ctx context.Context, rows []vstorage.JournalRow) ([]Anomaly, error) {
	expectNative := big.NewInt(0)
	expectSettlement := big.NewInt(0)
	for _, row := range rows {
		if row.Status != custody.StatusOK {
			continue
		}
		switch row.Operation {
		case custody.OpDeposit:
			if custody.NormalizeAsset(row.Asset) != r.nativeAsset {
				continue
			}
			if value, valid := parseAmount(row.AmountIn); valid {
				expectNative.Add(expectNative, value)
			}
		case custody.OpWithdraw:
			if custody.NormalizeAsset(row.Asset) != r.nativeAsset {
				continue
			}
			if value, valid := parseAmount(row.AmountIn); valid {
				expectNative.Sub(expectNative, value)
			}
		case custody.OpDepositAndConvert:
			if value, valid := parseAmount(row.AmountOut); valid {
				expectSettlement.Add(expectSettlement, value)
			}
		case custody.OpWithdrawSettlement:
			if value, valid := parseAmount(row.AmountIn); valid {
				expectSettlement.Sub(expectSettlement, value)
			}
		}
	}
	native, err := r.reserves.NativeReserve()
	if err != nil {
		return nil, fmt.Errorf("recon: read native reserve: %w", err)
	}
	settlement, err := r.reserves.SettlementReserve()
	if err != nil {
		return nil, fmt.Errorf("recon: read settlement reserve: %w", err)
	}
	anomalies := make([]Anomaly, 0, 2)
	if native.Cmp(expectNative) != 0 {
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:    AnomalyConservationBreach,
			Details: fmt.Sprintf("native reserve %s does not match the %s the journal implies", native, expectNative),
		}))
	}
	if settlement.Cmp(expectSettlement) != 0 {
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:    AnomalyConservationBreach,
			Details: fmt.Sprintf("settlement reserve %s does not match the %s the journal implies", settlement, expectSettlement),
		}))
	}
	return anomalies, nil
}

func sumTotals(rows []vstorage.JournalRow) map[string]*big.Int {
	totals := make(map[string]*big.Int)
	accumulate := func(asset string, value *big.Int, negate bool) {
		key := assetKey(asset)
		total, present := totals[key]
		if !present {
			total = big.NewInt(0)
			totals[key] = total
		}
		if negate {
			total.Sub(total, value)
			return
		}
		total.Add(total, value)
	}
	for _, row := range rows {
		if row.Status != custody.StatusOK {
			continue
		}
		value, valid := parseAmount(row.AmountIn)
		if !valid {
			continue
		}
		switch row.Operation {
		case custody.OpDeposit, custody.OpDepositAndConvert:
			accumulate(row.Asset, value, false)
		case custody.OpWithdraw, custody.OpWithdrawSettlement:
			accumulate(row.Asset, value, true)
		}
	}
	return totals
}

func (r *Reconciler) persist(ctx context.Context, runID string, rows []vstorage.JournalRow, anomalies []Anomaly, start, end time.Time, dryRun bool) error {
	if len(rows) > 0 {
		ops := make([]Operation, 0, len(rows))
		for _, row := range rows {
			ops = append(ops, Operation{
				Seq:        row.Seq,
				OpID:       row.ID,
				Operation:  row.Operation,
				Account:    row.Account,
				Asset:      row.Asset,
				AmountIn:   row.AmountIn,
				AmountOut:  row.AmountOut,
				Valuation:  row.Valuation,
				FeeTier:    row.FeeTier,
				Status:     row.Status,
				Reason:     row.Reason,
				PrevDigest: row.PrevDigest,
				Digest:     row.Digest,
				CreatedAt:  row.CreatedAt,
			})
		}
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(ops, 200).Error; err != nil {
			return fmt.Errorf("recon: mirror operations: %w", err)
		}
	}
	now := r.now()
	if len(anomalies) > 0 {
		records := make([]AnomalyRecord, 0, len(anomalies))
		for _, anomaly := range anomalies {
			records = append(records, AnomalyRecord{
				RunID:     runID,
				Type:      anomaly.Type,
				Seq:       anomaly.Seq,
				OpID:      anomaly.OpID,
				Details:   anomaly.Details,
				CreatedAt: now,
			})
		}
		if err := r.db.WithContext(ctx).Create(&records).Error; err != nil {
			return fmt.Errorf("recon: persist anomalies: %w", err)
		}
	}
	run := RunRecord{
		ID:        runID,
		Start:     start,
		End:       end,
		Rows:      len(rows),
		Anomalies: len(anomalies),
		DryRun:    dryRun,
		CreatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("recon: persist run: %w", err)
	}
	return nil
}

func (r *Reconciler) writeArtifacts(start, end time.Time, rows []vstorage.JournalRow) ([]ReportFile, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	grouped := groupRows(rows)
	assets := make([]string, 0, len(grouped))
	for asset := range grouped {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	files := make([]ReportFile, 0, len(assets))
	for _, asset := range assets {
		entries := grouped[asset]
		filename := strings.ToLower(asset)
		csvPath := filepath.Join(runDir, filename+".csv")
		if err := writeCSV(csvPath, entries); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(runDir, filename+".parquet")
		if err := writeParquet(parquetPath, entries); err != nil {
			return nil, err
		}
		r.logger.Info("recon report written", "asset", asset, "rows", len(entries), "csv", csvPath, "parquet", parquetPath)
		files = append(files, ReportFile{
			Asset:       asset,
			CSVPath:     csvPath,
			ParquetPath: parquetPath,
			Count:       len(entries),
		})
	}
	return files, nil
}

func groupRows(rows []vstorage.JournalRow) map[string][]vstorage.JournalRow {
	grouped := make(map[string][]vstorage.JournalRow)
	for _, row := range rows {
		key := assetKey(row.Asset)
		grouped[key] = append(grouped[key], row)
	}
	return grouped
}

func assetKey(asset string) string {
	key := strings.ToUpper(strings.TrimSpace(asset))
	if key == "" {
		return "UNSPECIFIED"
	}
	return key
}

func writeCSV(path string, rows []vstorage.JournalRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	out := csv.NewWriter(file)
	header := []string{
		"seq", "op_id", "operation", "account", "asset", "amount_in", "amount_out",
		"valuation", "fee_tier", "status", "reason", "prev_digest", "digest", "created_at",
	}
	if err := out.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			fmt.Sprintf("%d", row.Seq),
			row.ID,
			row.Operation,
			row.Account,
			row.Asset,
			row.AmountIn,
			row.AmountOut,
			row.Valuation,
			row.FeeTier,
			row.Status,
			row.Reason,
			row.PrevDigest,
			row.Digest,
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := out.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	OpID       string `parquet:"name=op_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Operation  string `parquet:"name=operation, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountIn   string `parquet:"name=amount_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountOut  string `parquet:"name=amount_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	Valuation  string `parquet:"name=valuation, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeeTier    string `parquet:"name=fee_tier, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status     string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason     string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevDigest string `parquet:"name=prev_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []vstorage.JournalRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Seq:        row.Seq,
			OpID:       row.ID,
			Operation:  row.Operation,
			Account:    row.Account,
			Asset:      row.Asset,
			AmountIn:   row.AmountIn,
			AmountOut:  row.AmountOut,
			Valuation:  row.Valuation,
			FeeTier:    row.FeeTier,
			Status:     row.Status,
			Reason:     row.Reason,
			PrevDigest: row.PrevDigest,
			Digest:     row.Digest,
			CreatedAt:  row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, false
	}
	return value, true
}

func shortDigest(digest string) string {
	trimmed := strings.TrimSpace(digest)
	if trimmed == "" {
		return "<genesis>"
	}
	if len(trimmed) > 12 {
		return trimmed[:12]
	}
	return trimmed
}
