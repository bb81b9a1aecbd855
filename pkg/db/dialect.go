package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/nestbill/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// sqliteParams lets concurrent transitions wait on the file lock instead of
// failing with SQLITE_BUSY; the version check still decides the winner.
const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL"

// Dialect supports the databases the embedded migrations ship for.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode,
		)), nil
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.DBPath)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func sqliteDSN(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "nestbill.db"
	}
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + strings.TrimPrefix(path, "file:") + "?" + sqliteParams
}
