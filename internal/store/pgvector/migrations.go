package pgvector

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB, dim int) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension
		{
			ID: "001_vector_extension",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP EXTENSION IF EXISTS vector").Error
			},
		},

		// Migration 002: vectors table
		{
			ID: "002_vectors_table",
			Migrate: func(tx *gorm.DB) error {
				sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vectors (
					key TEXT NOT NULL,
					index_name TEXT NOT NULL,
					embedding vector(%d) NOT NULL,
					product TEXT DEFAULT '',
					status TEXT DEFAULT '',
					category TEXT DEFAULT '',
					PRIMARY KEY (key, index_name)
				)`, dim)
				return tx.Exec(sql).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("vectors")
			},
		},

		// Migration 003: ANN and filter indexes
		{
			ID: "003_vector_indexes",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE INDEX IF NOT EXISTS idx_vectors_embedding
					 ON vectors USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
					`CREATE INDEX IF NOT EXISTS idx_vectors_index_product
					 ON vectors(index_name, product)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"DROP INDEX IF EXISTS idx_vectors_embedding",
					"DROP INDEX IF EXISTS idx_vectors_index_product",
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}
	return nil
}
