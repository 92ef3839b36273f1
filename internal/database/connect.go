package database

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	connectRetries    = 5
	connectRetryDelay = 3 * time.Second
)

// NewDatabase connects to the shared postgres instance and applies pending
// migrations. Retries cover the broker-style race where the database
// container is still starting when the service comes up.
func NewDatabase(databaseURL string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
		if err == nil {
			break
		}
		slog.Warn("could not connect to database, retrying", "attempt", attempt, "error", err)
		time.Sleep(connectRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return db, nil
}
