package database

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"QuorumVault/internal/models"
)

func Migrate(db *gorm.DB) error {
	slog.Info("running database migrations", "module", "database", "operation", "migrate")

	err := db.AutoMigrate(
		&models.Policy{},
		&models.Escrow{},
		&models.Participant{},
		&models.Approval{},
		&models.CollectionPayment{},
		&models.Notification{},
	)
	if err != nil {
		slog.Error("database migration failed", "module", "database", "operation", "migrate", "outcome", "failure", "error", err)
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	slog.Info("database migration completed", "module", "database", "operation", "migrate", "outcome", "success")
	return nil
}
