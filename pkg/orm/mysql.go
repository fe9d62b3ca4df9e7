package orm

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	DSN         string `mapstructure:"dsn"` // user:pass@tcp(host:port)/db?parseTime=true
	MaxIdle     int    `mapstructure:"max_idle"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxLifetime int    `mapstructure:"max_lifetime"` // seconds
	LogLevel    string `mapstructure:"log_level"`    // silent, error, warn, info
}

// NewMySQL opens a pooled gorm connection.
func NewMySQL(c *Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(c.DSN), GormConfig(c.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(c.MaxIdle)
	sqlDB.SetMaxOpenConns(c.MaxOpen)
	sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)

	return db, nil
}

// GormConfig is shared by production and test connections. TranslateError
// makes duplicate keys surface as gorm.ErrDuplicatedKey on every driver.
func GormConfig(level string) *gorm.Config {
	return &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel(level)),
		TranslateError:         true,
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}
}

func logLevel(level string) logger.LogLevel {
	switch level {
	case "info":
		return logger.Info
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		return logger.Warn
	}
}
