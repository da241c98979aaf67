package database

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tracklog/internal/archive"
	"tracklog/internal/config"
	"tracklog/internal/goals"
	"tracklog/internal/settings"
	"tracklog/internal/sites"
	"tracklog/internal/store"
	"tracklog/internal/tracker"
)

// DBManager opens the configured database: SQLite through cartridge's
// sqlite.Manager or PostgreSQL through the gorm driver.
type DBManager struct {
	sqlite *sqlite.Manager
	pg     *gorm.DB
	cfg    *config.Config
	logger *slog.Logger
}

// NewDBManager creates a database manager for cfg.DatabaseType.
func NewDBManager(cfg *config.Config, logger *slog.Logger) *DBManager {
	dm := &DBManager{cfg: cfg, logger: logger}
	if cfg.DatabaseType == config.SQLiteDatabase {
		dm.sqlite = sqlite.NewManager(sqlite.Config{
			Path:         cfg.DatabaseDSN(),
			MaxOpenConns: cfg.GetMaxOpenConns(),
			MaxIdleConns: cfg.GetMaxIdleConns(),
			Logger:       logger,
			EnableWAL:    true,
			TxImmediate:  true,
			BusyTimeout:  5000,
		})
	}
	return dm
}

// Init initializes the database connection.
func (dm *DBManager) Init() error {
	if dm.sqlite != nil {
		_, err := dm.sqlite.Connect()
		return err
	}

	db, err := gorm.Open(postgres.Open(dm.cfg.DatabaseDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(dm.cfg.GetMaxOpenConns())
	sqlDB.SetMaxIdleConns(dm.cfg.GetMaxIdleConns())
	sqlDB.SetConnMaxLifetime(time.Hour)

	dm.pg = db
	dm.logger.Info("Connected to postgres")
	return nil
}

// GetConnection returns the shared connection.
func (dm *DBManager) GetConnection() *gorm.DB {
	if dm.sqlite != nil {
		return dm.sqlite.GetConnection()
	}
	return dm.pg
}

// Close releases the connection pool.
func (dm *DBManager) Close() error {
	db := dm.GetConnection()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AllModels lists every table managed by auto-migration. Archive month
// tables are created on demand by the archive package.
func AllModels() []any {
	return []any{
		&cache.CacheRecord{},
		&store.NamedLock{},
		&settings.Setting{},
		&sites.Site{},
		&goals.Goal{},
		&goals.Conversion{},
		&goals.ConversionItem{},
		&tracker.Visit{},
		&tracker.LogAction{},
		&tracker.LinkVisitAction{},
		&archive.Sequence{},
	}
}

// MigrateDatabase creates or updates the schema.
func (dm *DBManager) MigrateDatabase() error {
	db := dm.GetConnection()
	if db == nil {
		return gorm.ErrInvalidDB
	}

	// Run migrations in a transaction
	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.AutoMigrate(AllModels()...)
	})
	if err != nil {
		dm.logger.Error("Failed to auto-migrate database", slog.Any("error", err))
		return err
	}

	if dm.sqlite != nil {
		if err := dm.sqlite.CheckpointWAL("FULL"); err != nil {
			dm.logger.Warn("Failed to checkpoint WAL after migration", slog.Any("error", err))
		}
	}

	dm.logger.Info("Database migration completed successfully", slog.String("type", dm.cfg.DatabaseType))
	return nil
}
