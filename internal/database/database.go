package database

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the run database and brings its schema up to date. A
// postgres:// URL selects Postgres; otherwise a SQLite file at sqlitePath is used.
func NewDatabase(databaseURL, sqlitePath string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		slog.Info("connecting to postgres database")
		dialector = postgres.Open(databaseURL)
	} else {
		if sqlitePath != ":memory:" && !strings.HasPrefix(sqlitePath, "file:") {
			if err := os.MkdirAll(filepath.Dir(sqlitePath), os.ModePerm); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		slog.Info("opening sqlite database", "path", sqlitePath)
		dialector = sqlite.Open(sqlitePath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}
