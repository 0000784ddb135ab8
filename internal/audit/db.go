package audit

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	// modernc pure-Go SQLite driver — no CGO required, registers as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBConfig selects the durable audit store's backing database. audit_records
// is a single append-only table with low write volume, so unlike a
// full application schema there is no per-driver connection pool tuning
// here: sqlite gets the one connection it requires to avoid "database is
// locked" errors, and postgres runs on database/sql's defaults.
type DBConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// dialect bundles the two driver-specific steps openDB needs: opening the
// connection (as both a *gorm.DB and the underlying *sql.DB golang-migrate
// wants) and constructing a migrate database.Driver over that connection.
// Keeping both in one table entry means adding or dropping a driver touches
// one map entry instead of two parallel switch statements.
type dialect struct {
	open          func(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error)
	migrateDriver func(sqlDB *sql.DB) (database.Driver, error)
}

var dialects = map[string]dialect{
	"sqlite": {
		open: func(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
			sqlDB, err := sql.Open("sqlite", dsn)
			if err != nil {
				return nil, nil, fmt.Errorf("open sqlite: %w", err)
			}
			sqlDB.SetMaxOpenConns(1) // sqlite allows only one writer at a time

			db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
			if err != nil {
				return nil, nil, fmt.Errorf("gorm open sqlite: %w", err)
			}
			return db, sqlDB, nil
		},
		migrateDriver: func(sqlDB *sql.DB) (database.Driver, error) {
			return migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		},
	},
	"postgres": {
		open: func(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
			db, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
			if err != nil {
				return nil, nil, fmt.Errorf("gorm open postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, nil, fmt.Errorf("sql.DB: %w", err)
			}
			return db, sqlDB, nil
		},
		migrateDriver: func(sqlDB *sql.DB) (database.Driver, error) {
			return migratepg.WithInstance(sqlDB, &migratepg.Config{})
		},
	},
}

// openDB opens the connection, applies embedded migrations, and returns a
// ready *gorm.DB.
func openDB(cfg DBConfig) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("audit: logger is required")
	}

	drvName := cfg.Driver
	if drvName == "" {
		drvName = "sqlite"
	}
	d, ok := dialects[drvName]
	if !ok {
		return nil, fmt.Errorf("audit: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	db, sqlDB, err := d.open(cfg.DSN, &gorm.Config{Logger: newZapGORMLogger(cfg.Logger)})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	if err := migrateUp(sqlDB, drvName, d.migrateDriver, cfg.Logger); err != nil {
		return nil, fmt.Errorf("audit: migrations: %w", err)
	}
	return db, nil
}

// migrateUp applies all pending up-migrations from the embedded SQL files.
// ErrNoChange is treated as success.
func migrateUp(sqlDB *sql.DB, drvName string, newDriver func(*sql.DB) (database.Driver, error), log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	drv, err := newDriver(sqlDB)
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, drvName, drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("audit store migrations applied")
	return nil
}
