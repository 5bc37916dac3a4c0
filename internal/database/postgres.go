package database

import (
	"fmt"

	"github.com/qcom/queryportal/internal/config"
	"github.com/qcom/queryportal/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenPostgres connects to PostgreSQL and applies the pool settings.
func OpenPostgres(cfg *config.Config, logger *logrus.Logger) (*gorm.DB, error) {
	logLevel := gormlogger.Warn
	if cfg.IsDevelopment() {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	logger.Info("PostgreSQL connection established")
	return db, nil
}

// Migrate creates or updates the tables owned by the portal.
func Migrate(db *gorm.DB, logger *logrus.Logger) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.BlacklistedToken{},
		&models.UserTokenInvalidation{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Serves the ListActiveForUser filter.
	err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_active
		ON refresh_tokens (user_id, created_at DESC)
		WHERE is_used = false AND is_revoked = false`).Error
	if err != nil {
		return fmt.Errorf("failed to create active session index: %w", err)
	}

	logger.Info("Database migration completed")
	return nil
}

// Close releases the pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
