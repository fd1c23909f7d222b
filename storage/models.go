package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Cursor is the last fully processed position of a chain's watcher.
// Height is a block number or slot; Signature is the newest processed
// transaction on chains that page by signature.
type Cursor struct {
	Chain     string `gorm:"primaryKey;size:64"`
	Height    uint64
	Signature string `gorm:"size:128"`
	UpdatedAt time.Time
}

// ObservedEvent is an escrow event seen by a watcher.
type ObservedEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Chain      string    `gorm:"size:64;uniqueIndex:idx_observed_event;index:idx_observed_chain_name"`
	Handle     string    `gorm:"size:128;uniqueIndex:idx_observed_event"`
	LogIndex   int       `gorm:"uniqueIndex:idx_observed_event"`
	Name       string    `gorm:"size:64;index:idx_observed_chain_name"`
	RecordID   uint64    `gorm:"index"`
	Height     uint64    `gorm:"index"`
	Payload    string    `gorm:"type:text"`
	Error      string    `gorm:"type:text"`
	ObservedAt time.Time
}

// BeforeCreate assigns the row id and observation time.
func (e *ObservedEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ObservedAt.IsZero() {
		e.ObservedAt = time.Now().UTC()
	}
	return nil
}

// AutoMigrate performs all schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Cursor{}, &ObservedEvent{})
}
