package database

import (
	"context"
	"fmt"
	"time"

	"wa_manager/internal/config"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDatabase opens the main database selected by DB_TYPE, configures the pool and migrates tables
func InitDatabase(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	gormCfg := &gorm.Config{Logger: newGormLogger(log, cfg.LogQueries)}

	switch cfg.Type {
	case "mysql":
		db, err = connectMySQL(cfg, gormCfg)
	case "postgres", "postgresql":
		db, err = connectPostgreSQL(cfg, gormCfg)
	case "sqlite", "":
		db, err = connectSQLite(cfg.SQLitePath, gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := configureConnectionPool(db, cfg.Type); err != nil {
		return nil, err
	}

	if err := migrateTables(db, log); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	log.Info("database connected and migrated", zap.String("type", cfg.Type))
	return db, nil
}

// connectMySQL connects to MySQL database
func connectMySQL(cfg config.DatabaseConfig, gormCfg *gorm.Config) (*gorm.DB, error) {
	port := cfg.Port
	if port == "" {
		port = "3306"
	}
	user := cfg.User
	if user == "" {
		user = "root"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=10s&readTimeout=30s&writeTimeout=30s",
		user, cfg.Password, cfg.Host, port, cfg.Name)

	return gorm.Open(mysql.Open(dsn), gormCfg)
}

// connectPostgreSQL connects to PostgreSQL database
func connectPostgreSQL(cfg config.DatabaseConfig, gormCfg *gorm.Config) (*gorm.DB, error) {
	port := cfg.Port
	if port == "" {
		port = "5432"
	}
	user := cfg.User
	if user == "" {
		user = "postgres"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, port, user, cfg.Password, cfg.Name)

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

// connectSQLite opens a SQLite file database
func connectSQLite(path string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if path == "" {
		path = "wa_manager.db"
	}
	return gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"), gormCfg)
}

// OpenSQLite opens and migrates a SQLite database at path; used by tests and tooling
func OpenSQLite(path string, log *zap.Logger) (*gorm.DB, error) {
	db, err := connectSQLite(path, &gorm.Config{Logger: newGormLogger(log, false)})
	if err != nil {
		return nil, err
	}
	if err := configureConnectionPool(db, "sqlite"); err != nil {
		return nil, err
	}
	if err := migrateTables(db, log); err != nil {
		return nil, err
	}
	return db, nil
}

// configureConnectionPool sizes the shared pool. SQLite gets a single writer connection.
func configureConnectionPool(db *gorm.DB, dbType string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if dbType == "sqlite" || dbType == "" {
		sqlDB.SetMaxOpenConns(1)
		return nil
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

func newGormLogger(log *zap.Logger, logQueries bool) logger.Interface {
	level := logger.Warn
	if logQueries {
		level = logger.Info
	}
	return logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)
}

// Ping checks that the database answers and returns the round-trip latency
func Ping(ctx context.Context, db *gorm.DB) (time.Duration, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := sqlDB.PingContext(ctx); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

// Close closes the underlying pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
