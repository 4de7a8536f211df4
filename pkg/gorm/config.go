package gorm

import "time"

type DatabaseConfig struct {
	DSN             string
	DBPath          string
	QueryLogging    bool
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

func DefaultConfig() DatabaseConfig {
	return DatabaseConfig{
		MaxIdleConns:    25,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
	}
}

// PostgresConfig is the production shape: a DSN plus optional query logging.
func PostgresConfig(dsn string, queryLogging bool) DatabaseConfig {
	config := DefaultConfig()
	config.DSN, config.QueryLogging = dsn, queryLogging
	return config
}

// SQLiteConfig is the development and test fallback. Pass ":memory:" for an
// ephemeral database.
func SQLiteConfig(dbPath string) DatabaseConfig {
	config := DefaultConfig()
	config.DBPath = dbPath
	return config
}
