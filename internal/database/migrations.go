package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillModerationCounters = "2026-07-12_backfill_moderation_counters"

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
		{name: migrationBackfillModerationCounters, apply: backfillModerationCounters},
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

// backfillModerationCounters seeds counter rows for users that already have
// warning rows from before the counters table existed.
func backfillModerationCounters(db *gorm.DB) error {
	return db.Exec(`
		INSERT INTO moderation_counters (user_id, warnings_count, mutes_count, kicks_count, bans_count, updated_at_s)
		SELECT w.user_id, COUNT(*), 0, 0, 0, strftime('%s', 'now')
		FROM warnings w
		WHERE NOT EXISTS (
			SELECT 1 FROM moderation_counters c WHERE c.user_id = w.user_id
		)
		GROUP BY w.user_id;
	`).Error
}
