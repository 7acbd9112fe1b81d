package adapter

import (
	"fmt"

	// Registered drivers for the three CHAPPS_DB_MODULE backends.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/chapps-dev/chapps/framework/cfg"
)

// OpenFromConfig resolves the CHAPPS_DB_MODULE-selected dialect and
// opens a PolicyConfigAdapter against the [PolicyConfigAdapter]
// section of cfg.Config.
func OpenFromConfig(c cfg.Adapter) (PolicyConfigAdapter, error) {
	switch Dialect(cfg.DBModule()) {
	case DialectMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName)
		return Open(DialectMySQL, "mysql", dsn)
	case DialectSQLite:
		// db_name is treated as a filesystem path for the sqlite
		// backend, matching its use as a lightweight dev/test store.
		return Open(DialectSQLite, "sqlite", c.DBName)
	case DialectPostgres:
		fallthrough
	default:
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPass)
		return Open(DialectPostgres, "postgres", dsn)
	}
}
