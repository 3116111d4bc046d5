package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/model"
)

// PostgreSQL error codes treated as append conflicts.
const (
	pgErrUniqueViolation      = "23505" // unique_violation
	pgErrSerializationFailure = "40001" // serialization_failure
)

// entryRow is the ledger_entries table. The unique index on
// (lot_id, previous_hash) rejects a second successor of any entry, so a
// fork cannot be committed even by writers outside this process.
type entryRow struct {
	Seq              int64                   `gorm:"primaryKey;autoIncrement"`
	EntryID          string                  `gorm:"size:36;not null;uniqueIndex"`
	LotID            string                  `gorm:"size:64;not null;index;uniqueIndex:idx_lot_previous,priority:1"`
	LotName          string                  `gorm:"size:255"`
	Action           string                  `gorm:"size:8;not null"`
	Timestamp        time.Time               `gorm:"not null"`
	OccupancyAfter   int                     `gorm:"not null"`
	Capacity         int                     `gorm:"not null"`
	PerformedBy      string                  `gorm:"size:255;not null"`
	PreviousHash     string                  `gorm:"size:64;not null;uniqueIndex:idx_lot_previous,priority:2"`
	Hash             string                  `gorm:"size:64;not null;uniqueIndex"`
	IsViolation      bool                    `gorm:"not null;default:false"`
	ViolationAmount  int                     `gorm:"not null;default:0"`
	Signature        string                  `gorm:"size:512"`
	TrustedTimestamp *model.TrustedTimestamp `gorm:"serializer:json"`
	Metadata         *model.EntryMetadata    `gorm:"serializer:json"`
	Fee              decimal.NullDecimal     `gorm:"type:numeric(12,2)"`
	DurationMinutes  *int
	ExitTime         *time.Time
}

func (entryRow) TableName() string { return "ledger_entries" }

func fromModel(e *model.LedgerEntry) *entryRow {
	row := &entryRow{
		EntryID:          e.ID,
		LotID:            e.LotID,
		LotName:          e.LotName,
		Action:           string(e.Action),
		Timestamp:        e.Timestamp.UTC(),
		OccupancyAfter:   e.OccupancyAfter,
		Capacity:         e.Capacity,
		PerformedBy:      e.PerformedBy,
		PreviousHash:     string(e.PreviousHash),
		Hash:             string(e.Hash),
		IsViolation:      e.IsViolation,
		ViolationAmount:  e.ViolationAmount,
		Signature:        e.Signature,
		TrustedTimestamp: e.TrustedTimestamp,
		Metadata:         e.Metadata,
		DurationMinutes:  e.DurationMinutes,
		ExitTime:         e.ExitTime,
	}
	if e.Fee != nil {
		row.Fee = decimal.NewNullDecimal(*e.Fee)
	}
	return row
}

func (r *entryRow) toModel() model.LedgerEntry {
	e := model.LedgerEntry{
		ID:               r.EntryID,
		Seq:              r.Seq,
		LotID:            r.LotID,
		LotName:          r.LotName,
		Action:           model.Action(r.Action),
		Timestamp:        r.Timestamp.UTC(),
		OccupancyAfter:   r.OccupancyAfter,
		Capacity:         r.Capacity,
		PerformedBy:      r.PerformedBy,
		PreviousHash:     model.HashValue(r.PreviousHash),
		Hash:             model.HashValue(r.Hash),
		IsViolation:      r.IsViolation,
		ViolationAmount:  r.ViolationAmount,
		Signature:        r.Signature,
		TrustedTimestamp: r.TrustedTimestamp,
		Metadata:         r.Metadata,
		DurationMinutes:  r.DurationMinutes,
	}
	if r.Fee.Valid {
		fee := r.Fee.Decimal
		e.Fee = &fee
	}
	if r.ExitTime != nil {
		t := r.ExitTime.UTC()
		e.ExitTime = &t
	}
	return e
}

// SQLStore keeps the ledger in a SQL database through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenPostgres connects to PostgreSQL and migrates the schema.
func OpenPostgres(dsn string, logger *logging.Logger) (*SQLStore, error) {
	return openSQL(postgres.Open(dsn), logger, 0)
}

// OpenSQLite opens a SQLite database file. An empty path opens a private
// in-memory database.
func OpenSQLite(path string, logger *logging.Logger) (*SQLStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, unavailable("create sqlite dir", err)
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	// One connection: SQLite has a single writer and an in-memory database
	// exists per connection.
	return openSQL(sqlite.Open(dsn), logger, 1)
}

func openSQL(dialector gorm.Dialector, logger *logging.Logger, maxConns int) (*SQLStore, error) {
	if logger == nil {
		logger = logging.Default()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(gormWriter{logger}, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, unavailable("open database", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("database handle", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		sqlDB.Close()
		return nil, unavailable("migrate", err)
	}
	return &SQLStore{db: db}, nil
}

func tailRow(tx *gorm.DB, lotID string) (*entryRow, error) {
	var rows []entryRow
	if err := tx.Where("lot_id = ?", lotID).Order("seq DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Tail implements Store.
func (s *SQLStore) Tail(ctx context.Context, lotID string) (*model.LedgerEntry, error) {
	row, err := tailRow(s.db.WithContext(ctx), lotID)
	if err != nil {
		return nil, unavailable("sql tail", err)
	}
	if row == nil {
		return nil, nil
	}
	e := row.toModel()
	return &e, nil
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, entry *model.LedgerEntry) error {
	var seq int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := tailRow(tx, entry.LotID)
		if err != nil {
			return err
		}
		var tail *model.LedgerEntry
		if row != nil {
			m := row.toModel()
			tail = &m
		}
		if err := checkLink(tail, entry); err != nil {
			return err
		}
		newRow := fromModel(entry)
		if err := tx.Create(newRow).Error; err != nil {
			return err
		}
		seq = newRow.Seq
		return nil
	})
	switch {
	case err == nil:
		entry.Seq = seq
		return nil
	case errors.Is(err, errclass.ErrChainConflict):
		return err
	case isConflict(err):
		return errclass.ErrChainConflict.WithMessagef("lot %s: concurrent append: %v", entry.LotID, err)
	default:
		return unavailable("sql append", err)
	}
}

func isConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation || pgErr.Code == pgErrSerializationFailure
	}
	return false
}

// Entries implements Store.
func (s *SQLStore) Entries(ctx context.Context, lotID string) ([]model.LedgerEntry, error) {
	var rows []entryRow
	if err := s.db.WithContext(ctx).Where("lot_id = ?", lotID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, unavailable("sql entries", err)
	}
	entries := make([]model.LedgerEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].toModel()
	}
	return entries, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*model.LedgerEntry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Where("entry_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, unavailable("sql get", err)
	}
	e := row.toModel()
	return &e, nil
}

// Lots implements Store.
func (s *SQLStore) Lots(ctx context.Context) ([]string, error) {
	lots := []string{}
	err := s.db.WithContext(ctx).Model(&entryRow{}).Distinct("lot_id").Order("lot_id").Pluck("lot_id", &lots).Error
	if err != nil {
		return nil, unavailable("sql lots", err)
	}
	return lots, nil
}

// Enrich implements Store. Only the enrichment columns are updated.
func (s *SQLStore) Enrich(ctx context.Context, id string, en model.Enrichment) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row entryRow
		if err := tx.Where("entry_id = ?", id).First(&row).Error; err != nil {
			return err
		}
		e := row.toModel()
		if err := checkEnrich(&e, en); err != nil {
			return err
		}
		return tx.Model(&entryRow{}).Where("seq = ?", row.Seq).Updates(map[string]any{
			"fee":              decimal.NewNullDecimal(en.Fee),
			"duration_minutes": en.DurationMinutes,
			"exit_time":        en.ExitTime.UTC(),
		}).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return notFound(id)
	case errors.Is(err, errclass.ErrEnrichRejected):
		return err
	default:
		return unavailable("sql enrich", err)
	}
}

// Close implements Store.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("database handle", err)
	}
	return sqlDB.Close()
}

// gormWriter adapts the structured logger to gorm's printf-style logger.
type gormWriter struct {
	l *logging.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
