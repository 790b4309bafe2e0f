package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseAddresses   = "2026-10-01_lowercase_addresses"
	migrationBackfillRoomActivity = "2026-10-06_backfill_room_activity"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseAddresses, apply: lowercaseAddresses},
		{name: migrationBackfillRoomActivity, apply: backfillRoomActivity},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// lowercaseAddresses normalizes hex addresses written before lookups became case-insensitive.
func lowercaseAddresses(tx *gorm.DB) error {
	statements := []string{
		"UPDATE users SET wallet_address = lower(wallet_address) WHERE wallet_address <> lower(wallet_address)",
		"UPDATE likes SET liker_address = lower(liker_address), target_address = lower(target_address) WHERE liker_address <> lower(liker_address) OR target_address <> lower(target_address)",
		"UPDATE profile_nfts SET owner_address = lower(owner_address) WHERE owner_address <> lower(owner_address)",
	}
	for _, statement := range statements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillRoomActivity moves each room's activity marker to its latest message.
func backfillRoomActivity(tx *gorm.DB) error {
	return tx.Exec(`UPDATE chat_rooms SET updated_at = (
		SELECT MAX(chat_messages.created_at) FROM chat_messages WHERE chat_messages.room_id = chat_rooms.id
	) WHERE EXISTS (
		SELECT 1 FROM chat_messages WHERE chat_messages.room_id = chat_rooms.id AND chat_messages.created_at > chat_rooms.updated_at
	)`).Error
}
