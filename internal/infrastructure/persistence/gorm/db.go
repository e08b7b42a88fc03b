// Package gormstore provides the GORM-backed persistence layer for the key
// management service, supporting SQLite for single-node deployments and
// PostgreSQL for shared ones.
package gormstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/qutemail/qkms/internal/config"
	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// Open connects to the configured database, applies pool settings, and runs
// schema migration for all key management models.
func Open(ctx context.Context, cfg *config.DatabaseConfig, log logger.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, errors.ErrValidation("unsupported database driver").
			WithMetadata("driver", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.ErrServiceUnavailable("failed to open database").WithCause(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.ErrInternal("failed to access database pool").WithCause(err)
	}
	if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxConnLifetime) * time.Minute)
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&models.KeyRecord{},
		&models.PQCIdentity{},
	); err != nil {
		return nil, errors.ErrInternal("failed to migrate schema").WithCause(err)
	}

	log.Info(ctx, "database initialized", logger.Fields{
		"driver":    cfg.Driver,
		"max_conns": cfg.MaxConns,
	})

	return db, nil
}

// OpenInMemory opens a throwaway in-memory SQLite database. Each call gets
// its own database so tests never see each other's rows.
func OpenInMemory(ctx context.Context) (*gorm.DB, error) {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.ErrInternal("failed to open in-memory database").WithCause(err)
	}
	if err := db.WithContext(ctx).AutoMigrate(
		&models.KeyRecord{},
		&models.PQCIdentity{},
	); err != nil {
		return nil, errors.ErrInternal("failed to migrate schema").WithCause(err)
	}
	return db, nil
}

// Ping verifies database connectivity.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.ErrServiceUnavailable("database unavailable").WithCause(err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return errors.ErrServiceUnavailable("database unavailable").WithCause(err)
	}
	return nil
}
