package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/chat"
	"github.com/MarcoPoloResearchLab/cupid/internal/config"
	"github.com/MarcoPoloResearchLab/cupid/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacyUser := users.User{ID: "user-1", WalletAddress: "0xABCDEF"}
	if err := database.Create(&legacyUser).Error; err != nil {
		testContext.Fatalf("failed to insert user: %v", err)
	}
	roomCreated := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	room := chat.Room{ID: "room-1", UserAID: "a", UserBID: "b", PairLow: "a", PairHigh: "b", CreatedAt: roomCreated, UpdatedAt: roomCreated}
	if err := database.Create(&room).Error; err != nil {
		testContext.Fatalf("failed to insert room: %v", err)
	}
	lastMessage := roomCreated.Add(48 * time.Hour)
	messages := []chat.Message{
		{ID: "m1", RoomID: room.ID, SenderID: "a", Content: "one", CreatedAt: roomCreated.Add(time.Hour)},
		{ID: "m2", RoomID: room.ID, SenderID: "b", Content: "two", CreatedAt: lastMessage},
	}
	if err := database.Create(&messages).Error; err != nil {
		testContext.Fatalf("failed to insert messages: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedUser users.User
	if err := database.Where("id = ?", legacyUser.ID).Take(&storedUser).Error; err != nil {
		testContext.Fatalf("failed to reload user: %v", err)
	}
	if storedUser.WalletAddress != "0xabcdef" {
		testContext.Fatalf("expected lowercase wallet, got %q", storedUser.WalletAddress)
	}

	var storedRoom chat.Room
	if err := database.Where("id = ?", room.ID).Take(&storedRoom).Error; err != nil {
		testContext.Fatalf("failed to reload room: %v", err)
	}
	if !storedRoom.UpdatedAt.Equal(lastMessage) {
		testContext.Fatalf("expected room activity %v, got %v", lastMessage, storedRoom.UpdatedAt)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationLowercaseAddresses).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// a second run finds every migration recorded and leaves data untouched
	if err := database.Model(&users.User{}).Where("id = ?", legacyUser.ID).Update("wallet_address", "0xFFFF").Error; err != nil {
		testContext.Fatalf("failed to rewrite wallet: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("id = ?", legacyUser.ID).Take(&storedUser).Error; err != nil {
		testContext.Fatalf("failed to reload user: %v", err)
	}
	if storedUser.WalletAddress != "0xFFFF" {
		testContext.Fatalf("expected recorded migration to be skipped, got %q", storedUser.WalletAddress)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	cfg := config.AppConfig{
		DatabaseDriver: config.DatabaseDriverSQLite,
		DatabasePath:   filepath.Join(testContext.TempDir(), "cupid.db"),
	}
	database, err := Open(cfg, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"users", "chat_rooms", "chat_messages", "sync_checkpoints", "processed_events", "likes", "matches", "multisig_wallets", "profile_nfts", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	// wallet uniqueness ignores users that have no wallet yet
	for _, id := range []string{"session-1", "session-2"} {
		if err := database.Create(&users.User{ID: id}).Error; err != nil {
			testContext.Fatalf("failed to insert wallet-less user %s: %v", id, err)
		}
	}
	if err := database.Create(&users.User{ID: "wallet-1", WalletAddress: "0xaa"}).Error; err != nil {
		testContext.Fatalf("failed to insert wallet user: %v", err)
	}
	if err := database.Create(&users.User{ID: "wallet-2", WalletAddress: "0xaa"}).Error; err == nil {
		testContext.Fatalf("expected duplicate wallet to be rejected")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(config.AppConfig{DatabaseDriver: "mysql"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
