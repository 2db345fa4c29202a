// Package pgdb opens the Postgres connection shared by internal/queue,
// internal/batch/usage and the rest of the control plane, adapted
// from the teacher's internal/data/db.NewPostgresService: same
// gorm.Open + slow-query logger shape, narrowed to a single DSN
// string (SPEC_FULL.md's Config.DatabaseURL) instead of discrete
// POSTGRES_HOST/PORT/USER/... env vars, since this binary already
// loads one process-wide Config at startup (spec.md §9).
package pgdb

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/batchlm/engine/internal/batch/usage"
	"github.com/batchlm/engine/internal/queue"
)

// Open connects to dsn and returns a ready *gorm.DB. Callers run
// AutoMigrate afterward; Open itself performs no schema changes.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pgdb: database_url must not be empty")
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("pgdb: connect: %w", err)
	}
	return db, nil
}

// AutoMigrate creates/updates every table the control plane owns:
// jobs, tasks (internal/queue) and usage_records (internal/batch/usage).
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&queue.Job{}, &queue.Task{}); err != nil {
		return fmt.Errorf("pgdb: automigrate queue: %w", err)
	}
	if err := usage.AutoMigrate(db); err != nil {
		return fmt.Errorf("pgdb: automigrate usage: %w", err)
	}
	return nil
}
