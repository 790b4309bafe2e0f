package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("checkpoint: database handle is required")

// Key identifies one checkpoint: an emitting contract and one of its event kinds.
type Key struct {
	Emitter string
	Kind    string
}

func (k Key) String() string {
	return k.Emitter + "/" + k.Kind
}

// Record is the persisted last-processed block height for a Key.
type Record struct {
	Emitter   string    `gorm:"column:emitter;primaryKey;size:64;not null"`
	EventKind string    `gorm:"column:event_kind;primaryKey;size:64;not null"`
	Height    uint64    `gorm:"column:height;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing checkpoints.
func (Record) TableName() string {
	return "sync_checkpoints"
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{Emitter: r.Emitter, Kind: r.EventKind}
}

// Store persists checkpoints. Rows are never deleted and a stored height never decreases.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a Store on the provided database.
func NewStore(db *gorm.DB, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// Get returns the stored height for key and whether a checkpoint exists.
func (s *Store) Get(ctx context.Context, key Key) (uint64, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("emitter = ? AND event_kind = ?", normalizeEmitter(key.Emitter), key.Kind).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint get %s: %w", key, err)
	}
	return record.Height, true, nil
}

// Upsert creates the checkpoint or raises its height. A lower height leaves the row unchanged.
func (s *Store) Upsert(ctx context.Context, key Key, height uint64) error {
	record := Record{
		Emitter:   normalizeEmitter(key.Emitter),
		EventKind: key.Kind,
		Height:    height,
		UpdatedAt: s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "emitter"}, {Name: "event_kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"height", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "sync_checkpoints.height <= excluded.height"},
			}},
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("checkpoint upsert %s: %w", key, err)
	}
	return nil
}

// CountAll returns the number of stored checkpoints.
func (s *Store) CountAll(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("checkpoint count: %w", err)
	}
	return count, nil
}

// List returns every checkpoint ordered by emitter and kind.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Order("emitter ASC, event_kind ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("checkpoint list: %w", err)
	}
	return records, nil
}

func normalizeEmitter(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
