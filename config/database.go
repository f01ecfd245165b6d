package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/xo/dburl"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

var (
	db       *gorm.DB
	dbDriver string
)

// InitDatabase connects using configuration values and migrates the given models.
// DatabaseURI is parsed with dburl; without it a MySQL DSN is assembled from the DB* parts.
func InitDatabase(modelDefs ...interface{}) *gorm.DB {
	if db != nil {
		return db
	}

	cfg := Get()
	driver, dsn := DriverMySQL, fmt.Sprintf("%s:%s@tcp(%s:%s)/%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
	)
	if cfg.DatabaseURI != "" {
		u, err := dburl.Parse(cfg.DatabaseURI)
		if err != nil {
			log.Fatalf("could not parse database uri: %v", err)
		}
		driver, dsn = u.Driver, u.DSN
	}

	var err error
	db, err = Open(driver, dsn, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	dbDriver = driver

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to get sql.DB: %v", err)
	}
	if driver == DriverMySQL {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	}

	// Ping once so network/auth problems surface at start-up
	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("database ping failed: %v", err)
	}

	if err := db.AutoMigrate(modelDefs...); err != nil {
		log.Fatalf("auto migration failed: %v", err)
	}
	return db
}

// Open returns a gorm handle for a dburl driver name and DSN.
func Open(driver, dsn, logLevel string) (*gorm.DB, error) {
	gLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  toGormLogLevel(logLevel),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gormCfg := &gorm.Config{
		Logger:                                   gLogger,
		DisableForeignKeyConstraintWhenMigrating: true,
	}

	switch driver {
	case DriverMySQL:
		return gorm.Open(mysql.Open(withMySQLParams(dsn)), gormCfg)
	case DriverSQLite:
		return gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// withMySQLParams makes sure timestamps are scanned into time.Time.
func withMySQLParams(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "charset=utf8mb4&parseTime=True&loc=Local"
}

// toGormLogLevel maps application LogLevel to GORM's logger level.
func toGormLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		// GORM 'Info' shows SQL; use with caution
		return logger.Info
	case "info", "", "warn":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		return logger.Warn
	}
}

// DB provides access to initialized gorm DB instance.
func DB() *gorm.DB {
	if db == nil {
		log.Fatal("database not initialized, call InitDatabase first")
	}
	return db
}

// Driver reports the dburl driver name of the initialized database.
func Driver() string {
	return dbDriver
}
