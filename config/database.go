package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// OpenDatabase opens (creating if needed) the embedded sqlite database that
// backs the local store. The engine runs inside a desktop POS client, so the
// database is a file next to the application data, never a server.
//
// Resolution order for the path: explicit argument, POS_DB_PATH env,
// "pos_sync.db" in the working directory.
func OpenDatabase(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("POS_DB_PATH"))
	}
	if path == "" {
		path = "pos_sync.db"
	}

	// WAL keeps checkout writes from blocking on concurrent sync reads;
	// busy_timeout covers the brief writer/writer overlap between the
	// checkout path and a running sweep.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		path, IntFromEnv("DB_BUSY_TIMEOUT_MS", 5000))

	db, err := gorm.Open(sqlite.Open(dsn), initConfig())
	if err != nil {
		return nil, err
	}

	if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
		// sqlite allows a single writer; keeping the pool tiny avoids
		// SQLITE_BUSY churn. Env overrides:
		// - DB_MAX_OPEN_CONNS (default 4)
		// - DB_MAX_IDLE_CONNS (default 2)
		sqlDB.SetMaxOpenConns(IntFromEnv("DB_MAX_OPEN_CONNS", 4))
		sqlDB.SetMaxIdleConns(IntFromEnv("DB_MAX_IDLE_CONNS", 2))
		sqlDB.SetConnMaxIdleTime(time.Duration(IntFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second)
	}

	return db, nil
}

// InitConfig Initialize Config
func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

// InitLog Connection Log Configuration
func initLog() logger.Interface {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
	return newLogger
}

// InitNamingStrategy Init NamingStrategy
func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
