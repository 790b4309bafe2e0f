package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/cupid/internal/chat"
	"github.com/MarcoPoloResearchLab/cupid/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/cupid/internal/config"
	"github.com/MarcoPoloResearchLab/cupid/internal/events"
	"github.com/MarcoPoloResearchLab/cupid/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open connects to the configured driver and brings the schema up to date.
func Open(cfg config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	switch cfg.DatabaseDriver {
	case config.DatabaseDriverSQLite:
		return OpenSQLite(cfg.DatabasePath, logger)
	case config.DatabaseDriverPostgres:
		return OpenPostgres(cfg.DatabaseDSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// Models lists every table the service owns.
func Models() []interface{} {
	models := []interface{}{
		&users.User{},
		&chat.Room{},
		&chat.Message{},
		&checkpoint.Record{},
		&migrationRecord{},
	}
	return append(models, events.Models()...)
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
