package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nhbvault/services/vaultd/recon"
	vstorage "nhbvault/services/vaultd/storage"
)

type auditReport struct {
	RunID     string            `json:"runId"`
	Start     string            `json:"start,omitempty"`
	End       string            `json:"end"`
	Rows      int               `json:"rows"`
	Totals    map[string]string `json:"totals,omitempty"`
	Files     []reportFile      `json:"files,omitempty"`
	Anomalies []reportAnomaly   `json:"anomalies,omitempty"`
	DryRun    bool              `json:"dryRun"`
}

type reportFile struct {
	Asset   string `json:"asset"`
	CSV     string `json:"csv"`
	Parquet string `json:"parquet"`
	Rows    int    `json:"rows"`
}

type reportAnomaly struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	OpID    string `json:"opId,omitempty"`
	Details string `json:"details"`
}

func main() {
	journalPath := flag.String("journal", "./vault-data/journal.db", "path to the vault journal database")
	dsn := flag.String("db", "./vault-data/recon.db", "reporting database DSN (postgres:// or a sqlite path)")
	outDir := flag.String("out", "./vault-data/recon", "directory for per-asset report files")
	startRaw := flag.String("start", "", "window start (RFC3339); empty audits the full history")
	endRaw := flag.String("end", "", "window end (RFC3339); defaults to now")
	dryRun := flag.Bool("dry-run", false, "verify only, skip report files and database writes")
	strict := flag.Bool("strict", false, "exit with non-zero code when anomalies exist")
	flag.Parse()

	if err := run(*journalPath, *dsn, *outDir, *startRaw, *endRaw, *dryRun, *strict); err != nil {
		fmt.Fprintf(os.Stderr, "vault-audit: %v\n", err)
		os.Exit(1)
	}
}

func run(journalPath, dsn, outDir, startRaw, endRaw string, dryRun, strict bool) error {
	var start time.Time
	var err error
	if trimmed := strings.TrimSpace(startRaw); trimmed != "" {
		start, err = time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return fmt.Errorf("parse start: %w", err)
		}
	}
	end := time.Now().UTC()
	if trimmed := strings.TrimSpace(endRaw); trimmed != "" {
		end, err = time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return fmt.Errorf("parse end: %w", err)
		}
	}

	journal, err := vstorage.Open(journalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	db, err := recon.OpenDB(dsn)
	if err != nil {
		return err
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		Journal:   journal,
		OutputDir: outDir,
		DryRun:    dryRun,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := reconciler.Run(ctx, recon.RunOptions{Start: start, End: end})
	if err != nil {
		return err
	}

	report := auditReport{
		RunID:  result.RunID,
		End:    result.End.Format(time.RFC3339),
		Rows:   len(result.Rows),
		DryRun: dryRun,
	}
	if !result.Start.IsZero() {
		report.Start = result.Start.Format(time.RFC3339)
	}
	if len(result.Totals) > 0 {
		report.Totals = make(map[string]string, len(result.Totals))
		for asset, total := range result.Totals {
			report.Totals[asset] = total.String()
		}
	}
	for _, file := range result.Files {
		report.Files = append(report.Files, reportFile{
			Asset:   file.Asset,
			CSV:     file.CSVPath,
			Parquet: file.ParquetPath,
			Rows:    file.Count,
		})
	}
	for _, anomaly := range result.Anomalies {
		report.Anomalies = append(report.Anomalies, reportAnomaly{
			Type:    anomaly.Type,
			Seq:     anomaly.Seq,
			OpID:    anomaly.OpID,
			Details: anomaly.Details,
		})
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Println(string(output))

	if strict && len(result.Anomalies) > 0 {
		return fmt.Errorf("%d anomalies detected", len(result.Anomalies))
	}
	return nil
}
