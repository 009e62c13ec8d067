// Package persistence provides a gorm-backed audit trail for the
// execution core: order lifecycle, failover events and inconsistency
// repairs. Grounded on internal/database.Database's New/AutoMigrate
// pattern, generalized from the teacher's opportunity/arbitrage models
// to the order-execution domain; everything else (save/query helpers)
// follows the same one-struct-one-method style.
package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OrderRecord is one persisted snapshot of an SOE order, written on
// every terminal transition (filled/canceled/rejected/expired/failed).
type OrderRecord struct {
	ClientID      string `gorm:"primaryKey"`
	RemoteID      string `gorm:"index"`
	EndpointID    string
	AccountID     string `gorm:"index"`
	Symbol        string `gorm:"index"`
	Side          string
	Type          string
	State         string
	Requested     decimal.Decimal `gorm:"type:decimal(30,10)"`
	Filled        decimal.Decimal `gorm:"type:decimal(30,10)"`
	AvgFillPrice  decimal.Decimal `gorm:"type:decimal(30,10)"`
	ResubmitCount int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FailoverRecord is one persisted endpoint failover event.
type FailoverRecord struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}

// RepairRecord is one persisted reconciliation repair outcome.
type RepairRecord struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	Kind       string
	Key        string
	Severity   string
	Action     string
	Success    bool
	ErrMessage string
	At         time.Time
}

// ExecutionSink is the subset of persistence the SOE/EFC/SR event
// subscribers depend on; both *Store and NoopStore satisfy it.
type ExecutionSink interface {
	SaveOrder(*OrderRecord) error
	SaveFailover(*FailoverRecord) error
	SaveRepair(*RepairRecord) error
}

// Store is the execution core's persistence layer.
type Store struct {
	db *gorm.DB
}

// Open connects via postgres when dbURL has a postgres(ql):// scheme,
// otherwise falls back to sqlite, mirroring the teacher's
// database.New dispatch.
func Open(dbURL string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("persistence store connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbURL)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbURL).Msg("persistence store initialized (SQLite)")
	}

	if err := db.AutoMigrate(&OrderRecord{}, &FailoverRecord{}, &RepairRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SaveOrder upserts an order snapshot keyed by ClientID.
func (s *Store) SaveOrder(r *OrderRecord) error {
	return s.db.Save(r).Error
}

// RecentOrders returns the most recently updated orders for an account.
func (s *Store) RecentOrders(accountID string, limit int) ([]OrderRecord, error) {
	var out []OrderRecord
	err := s.db.Where("account_id = ?", accountID).Order("updated_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// SaveFailover appends a failover event.
func (s *Store) SaveFailover(r *FailoverRecord) error {
	return s.db.Create(r).Error
}

// SaveRepair appends a repair outcome.
func (s *Store) SaveRepair(r *RepairRecord) error {
	return s.db.Create(r).Error
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NoopStore is a nil-safe Store usable when DatabaseURL is unset, so
// callers can wire persistence unconditionally.
type NoopStore struct{}

func (NoopStore) SaveOrder(*OrderRecord) error       { return nil }
func (NoopStore) SaveFailover(*FailoverRecord) error { return nil }
func (NoopStore) SaveRepair(*RepairRecord) error      { return nil }
