// Package pgvector provides a PostgreSQL+pgvector backed vector index.
// It implements only store.VectorIndex; pair it with another backend via
// store.WithVectorIndex when Redis lacks the RediSearch module.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Raptors65/darwin/internal/store"
)

// vectorRecord is the GORM model for the vectors table (created by migrations).
// Filter fields from both index specs are flattened into columns so search
// predicates stay plain SQL.
type vectorRecord struct {
	Key       string       `gorm:"primaryKey;column:key"`
	IndexName string       `gorm:"primaryKey;column:index_name"`
	Embedding pgvec.Vector `gorm:"column:embedding"`
	Product   string       `gorm:"column:product;index"`
	Status    string       `gorm:"column:status"`
	Category  string       `gorm:"column:category"`
}

func (vectorRecord) TableName() string { return "vectors" }

// Index provides vector operations via PostgreSQL+pgvector.
type Index struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Dial opens the PostgreSQL DSN, runs migrations and returns the index.
func Dial(ctx context.Context, dsn string, dim int) (*Index, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := runMigrations(db, dim); err != nil {
		return nil, err
	}
	log.Info().Int("dim", dim).Msg("Connected pgvector index")
	return &Index{db: db, sqlDB: sqlDB}, nil
}

// EnsureIndex is a no-op: migrations create the shared vectors table and the
// per-row index_name column partitions it.
func (x *Index) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	return nil
}

func (x *Index) IndexVector(ctx context.Context, spec store.IndexSpec, key string, vec []float32, meta map[string]string) error {
	rec := vectorRecord{
		Key:       key,
		IndexName: spec.Name,
		Embedding: pgvec.NewVector(vec),
		Product:   meta["product"],
		Status:    meta["status"],
		Category:  meta["category"],
	}
	return x.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}, {Name: "index_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"embedding", "product", "status", "category",
			}),
		}).
		Create(&rec).Error
}

func (x *Index) RemoveVector(ctx context.Context, spec store.IndexSpec, key string) error {
	return x.db.WithContext(ctx).
		Where("index_name = ? AND key = ?", spec.Name, key).
		Delete(&vectorRecord{}).Error
}

// Search runs a cosine-distance KNN over one logical index.
// $1 is reserved for the query vector; filter args start at $2.
func (x *Index) Search(ctx context.Context, spec store.IndexSpec, vec []float32, k int, filter map[string]string) ([]store.Match, error) {
	if k <= 0 {
		return nil, nil
	}

	args := []any{pgvec.NewVector(vec)}
	argIdx := 2

	whereClauses := []string{fmt.Sprintf("index_name = $%d", argIdx)}
	args = append(args, spec.Name)
	argIdx++

	for _, f := range spec.FilterFields {
		v, ok := filter[f]
		if !ok {
			continue
		}
		whereClauses = append(whereClauses, fmt.Sprintf("%s = $%d", f, argIdx))
		args = append(args, v)
		argIdx++
	}
	args = append(args, k)

	sqlStr := fmt.Sprintf(`
		SELECT key, embedding <=> $1 AS distance
		FROM vectors
		WHERE %s
		ORDER BY distance
		LIMIT $%d`,
		strings.Join(whereClauses, " AND "),
		argIdx,
	)

	rows, err := x.sqlDB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var matches []store.Match
	for rows.Next() {
		var (
			key      string
			distance float64
		)
		if err := rows.Scan(&key, &distance); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		matches = append(matches, store.Match{
			ID:         key,
			Similarity: 1 - distance,
		})
	}
	return matches, rows.Err()
}

// Ping checks whether the PostgreSQL connection is alive.
func (x *Index) Ping(ctx context.Context) error {
	if err := x.sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying sql.DB connection.
func (x *Index) Close() error {
	return x.sqlDB.Close()
}

// Compile-time check: Index must satisfy store.VectorIndex.
var _ store.VectorIndex = (*Index)(nil)
