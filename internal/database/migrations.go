package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/top8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeProfileUsernames = "2026-03-02_normalize_profile_usernames"
	migrationResetEmptyGeneratedSets   = "2026-03-09_reset_empty_generated_sets"
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
		{name: migrationNormalizeProfileUsernames, apply: normalizeProfileUsernames},
		{name: migrationResetEmptyGeneratedSets, apply: resetEmptyGeneratedSets},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func normalizeProfileUsernames(db *gorm.DB) error {
	return db.Exec("UPDATE profiles SET username = LOWER(TRIM(username)) WHERE username <> LOWER(TRIM(username))").Error
}

// resetEmptyGeneratedSets removes generated sets left without entries by
// non-transactional writes so the next resolution regenerates them.
func resetEmptyGeneratedSets(db *gorm.DB) error {
	orphaned := db.Model(&top8.Entry{}).Select("1").Where("top8_entries.owner_fid = top8_sets.owner_fid")
	return db.Where("customized = ?", false).
		Where("NOT EXISTS (?)", orphaned).
		Delete(&top8.Set{}).Error
}
