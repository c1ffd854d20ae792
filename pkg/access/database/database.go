package database

import (
	"fmt"

	"github.com/mikepea/access/pkg/access/models"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Conf holds database connection options
type Conf struct {
	DSN     string
	Migrate bool // Run auto-migration on connect
	Debug   bool // Log every SQL statement
}

// Connect opens the database.
// For now, uses SQLite. Can be swapped to another GORM driver later.
func Connect(conf Conf, log *zap.Logger) (*gorm.DB, error) {
	level := logger.Warn
	if conf.Debug {
		level = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(conf.DSN), &gorm.Config{
		Logger: NewGormLogger(log, level),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if conf.Migrate {
		if err := models.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		log.Info("database migrated", zap.String("dsn", conf.DSN))
	}
	return db, nil
}

// OpenMemory opens a migrated in-memory database for tests.
// Every pooled connection to ":memory:" sees its own database, so the pool is pinned to one.
func OpenMemory() (*gorm.DB, error) {
	db, err := Connect(Conf{DSN: ":memory:"}, zap.NewNop())
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
