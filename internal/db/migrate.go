package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SchemaVersion is the version recorded once the current schema is applied.
const SchemaVersion = "0001_accounts_profiles_analyses"

// Migrate creates or updates the relational schema and records
// SchemaVersion in schema_migrations. It is idempotent.
func Migrate(ctx context.Context, d *DB) error {
	return d.WithSession(ctx, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&SchemaMigration{}, &AccountRow{}, &ProfileRow{}, &AnalysisRow{}); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}

		var count int64
		if err := tx.Model(&SchemaMigration{}).Where("version = ?", SchemaVersion).Count(&count).Error; err != nil {
			return fmt.Errorf("check schema version: %w", err)
		}
		if count > 0 {
			return nil
		}

		m := SchemaMigration{Version: SchemaVersion, Applied: time.Now().UTC().Unix()}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("record migration %s: %w", SchemaVersion, err)
		}
		return nil
	})
}
