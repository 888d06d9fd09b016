package db

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_acmebot/internal/model"
)

// Models lists every persisted model
func Models() []interface{} {
	return []interface{}{
		&model.User{},
		&model.AcmeAccount{},
		&model.WorkflowInstance{},
		&model.WorkflowEvent{},
		&model.VaultCertificate{},
		&model.RenewalRun{},
	}
}

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB, log *logrus.Entry) error {
	log.Info("Starting database migration...")

	models := Models()
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Infof("✓ Database migration completed successfully (%d tables)", len(models))
	return nil
}
