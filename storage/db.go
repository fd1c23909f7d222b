// Package storage persists watcher cursors and the escrow events observed
// on each chain.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrDSNRequired is returned when no data source name is configured.
var ErrDSNRequired = errors.New("storage: dsn must be configured")

// Store wraps the gorm connection.
type Store struct {
	db *gorm.DB
}

// Open connects to driver at dsn and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(trimmed)
	case DriverPostgres:
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// LoadCursor returns the persisted position for chain. A chain that was
// never polled yields a zero cursor.
func (s *Store) LoadCursor(ctx context.Context, chain string) (Cursor, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).Where("chain = ?", chain).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Cursor{Chain: chain}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("load cursor %s: %w", chain, err)
	}
	return cursor, nil
}

// SaveCursor upserts the position for cursor.Chain.
func (s *Store) SaveCursor(ctx context.Context, cursor Cursor) error {
	if cursor.Chain == "" {
		return errors.New("storage: cursor chain required")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain"}},
		DoUpdates: clause.AssignmentColumns([]string{"height", "signature", "updated_at"}),
	}).Create(&cursor).Error
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", cursor.Chain, err)
	}
	return nil
}

// RecordEvents inserts events, skipping ones already stored for the same
// chain, transaction, and log index. It reports how many rows were new.
func (s *Store) RecordEvents(ctx context.Context, events []ObservedEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&events)
	if res.Error != nil {
		return 0, fmt.Errorf("record events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Chain    string
	Name     string
	RecordID *uint64
	Limit    int
}

// ListEvents returns stored events newest first.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]ObservedEvent, error) {
	q := s.db.WithContext(ctx).Model(&ObservedEvent{})
	if filter.Chain != "" {
		q = q.Where("chain = ?", filter.Chain)
	}
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	if filter.RecordID != nil {
		q = q.Where("record_id = ?", *filter.RecordID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []ObservedEvent
	if err := q.Order("height desc").Order("log_index desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}
