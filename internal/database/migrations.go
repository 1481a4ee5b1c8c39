package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// A migration only runs on databases holding every table it requires, so the agent and
// the server share one migration list.
type migrationDefinition struct {
	name     string
	requires []string
	apply    func(*gorm.DB) error
}

// migrations lists data migrations in the order they run. AutoMigrate covers every
// schema change made so far, so the list is empty.
var migrations []migrationDefinition

func applyMigrations(db *gorm.DB, definitions []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range definitions {
		if !hasTables(db, migration.requires) {
			continue
		}
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

func hasTables(db *gorm.DB, tables []string) bool {
	for _, table := range tables {
		if !db.Migrator().HasTable(table) {
			return false
		}
	}
	return true
}
