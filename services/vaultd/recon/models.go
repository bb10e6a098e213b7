package recon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Operation mirrors a journal row into the reporting database so auditors can
// query windows with SQL instead of walking the live journal.
type Operation struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement:false"`
	OpID       string `gorm:"column:op_id;uniqueIndex"`
	Operation  string `gorm:"index"`
	Account    string `gorm:"index"`
	Asset      string `gorm:"index"`
	AmountIn   string
	AmountOut  string
	Valuation  string
	FeeTier    string
	Status     string `gorm:"index"`
	Reason     string
	PrevDigest string
	Digest     string
	CreatedAt  time.Time `gorm:"index"`
}

// AnomalyRecord persists a detected anomaly for operator review.
type AnomalyRecord struct {
	ID        uint   `gorm:"primaryKey"`
	RunID     string `gorm:"index"`
	Type      string `gorm:"index"`
	Seq       int64
	OpID      string
	Details   string
	CreatedAt time.Time
}

// RunRecord summarises a reconciliation run.
type RunRecord struct {
	ID        string `gorm:"primaryKey"`
	Start     time.Time
	End       time.Time
	Rows      int
	Anomalies int
	DryRun    bool
	CreatedAt time.Time
}

// AutoMigrate creates or upgrades the reporting schema.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("recon: db is required")
	}
	return db.AutoMigrate(&Operation{}, &AnomalyRecord{}, &RunRecord{})
}

// OpenDB dials the reporting database and migrates the schema. A
// postgres:// or postgresql:// DSN selects the postgres driver; anything
// else is treated as a sqlite path.
func OpenDB(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("recon: database dsn required")
	}
	dialector := sqlite.Open(trimmed)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("recon: open reporting db: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
