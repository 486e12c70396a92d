package database

import (
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.AuthFactor{},
		&models.MfaChallenge{},
		&models.RecoveryCode{},
		&models.TrustedDevice{},
		&models.LoginAttempt{},
		&models.AuditLog{},
	)
}
