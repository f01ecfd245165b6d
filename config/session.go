package config

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/alexedwards/scs/mysqlstore"
	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/alexedwards/scs/v2/memstore"
)

// NewSessionStore creates the sessions table if needed and returns a store for driver.
func NewSessionStore(driver string, db *sql.DB) (scs.Store, error) {
	switch driver {
	case DriverMySQL:
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
			token CHAR(43) PRIMARY KEY,
			data BLOB NOT NULL,
			expiry TIMESTAMP(6) NOT NULL,
			INDEX sessions_expiry_idx (expiry)
		)`); err != nil {
			return nil, fmt.Errorf("create sessions table: %w", err)
		}
		return mysqlstore.New(db), nil
	case DriverSQLite:
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			expiry REAL NOT NULL
		)`); err != nil {
			return nil, fmt.Errorf("create sessions table: %w", err)
		}
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions(expiry)`); err != nil {
			return nil, fmt.Errorf("create sessions index: %w", err)
		}
		return sqlite3store.New(db), nil
	case "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown session backend: %s", driver)
	}
}

// NewSessionManager configures cookie and lifetime settings from cfg.
func NewSessionManager(store scs.Store, c AppConfig) *scs.SessionManager {
	sm := scs.New()
	sm.Store = store
	sm.Lifetime = time.Duration(c.SessionLifetimeHours) * time.Hour
	sm.IdleTimeout = 0
	sm.Cookie.Name = "ming_session"
	sm.Cookie.Path = "/"
	sm.Cookie.HttpOnly = true
	sm.Cookie.Persist = false
	sm.Cookie.SameSite = http.SameSiteLaxMode
	sm.Cookie.Secure = c.SessionCookieSecure
	return sm
}
