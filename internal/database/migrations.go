package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/payments"
)

const migrationBackfillPaymentFailureStage = "2026-08-20_backfill_payment_failure_stage"

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
		{name: migrationBackfillPaymentFailureStage, apply: backfillPaymentFailureStage},
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
		if err := migration.apply(db); err != nil {
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

// Orders recorded before failure stages existed carry status=error with a
// blank stage. Those rows all predate webhook processing, so "create" is the
// correct backfill.
func backfillPaymentFailureStage(db *gorm.DB) error {
	return db.Model(&payments.PaymentOrder{}).
		Where("status = ? AND failure_stage = ?", payments.StatusError, "").
		Update("failure_stage", payments.FailureStageCreate).Error
}
