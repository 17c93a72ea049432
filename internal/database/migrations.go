package database

import (
	"wa_manager/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// migrateTables creates/updates database tables
func migrateTables(db *gorm.DB, log *zap.Logger) error {
	migrator := db.Migrator()

	// Older deployments created sessions without is_active. Those rows must stay
	// eligible for restart recovery once the column is added.
	legacySessions := migrator.HasTable(&models.Session{}) && !migrator.HasColumn(&models.Session{}, "IsActive")

	if err := db.AutoMigrate(
		&models.Session{},
		&models.SessionData{},
		&models.Message{},
	); err != nil {
		return err
	}

	if legacySessions {
		if err := db.Model(&models.Session{}).Where("1 = 1").Update("is_active", true).Error; err != nil {
			log.Warn("failed to backfill is_active column", zap.Error(err))
		} else {
			log.Info("added is_active column to sessions table")
		}
	}

	return nil
}
