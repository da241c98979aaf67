// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase   = "sqlite"
	PostgresDatabase = "postgres"
)

// Lock backends
const (
	LockBackendDatabase = "database"
	LockBackendRedis    = "redis"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// File paths
	DatabasePath string `mapstructure:"storagepath"`
	DatabaseName string `mapstructure:"-"` // Derived from other settings
	GeoDBPath    string `mapstructure:"geodbpath"`

	// GeoLiteLicenseKey enables the weekly MaxMind download when set.
	GeoLiteLicenseKey string `mapstructure:"geolitelicensekey"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseDSNValue     string `mapstructure:"dbdsn"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Named lock settings
	LockBackend    string `mapstructure:"lockbackend"`
	LockMaxRetries int    `mapstructure:"lockmaxretries"`
	RedisAddr      string `mapstructure:"redisaddr"`
	RedisPassword  string `mapstructure:"redispassword"`
	RedisDB        int    `mapstructure:"redisdb"`
	RedisPrefix    string `mapstructure:"redisprefix"`

	Tracker   TrackerConfig   `mapstructure:",squash"`
	Archiving ArchivingConfig `mapstructure:",squash"`
	Purge     PurgeConfig     `mapstructure:",squash"`

	// Job scheduling settings
	ArchivePurgeIntervalSeconds int `mapstructure:"archivepurgeintervalseconds"`
	LogPurgeIntervalSeconds     int `mapstructure:"logpurgeintervalseconds"`
}

// TrackerConfig holds the visit recognition settings.
type TrackerConfig struct {
	VisitStandardLength      int    `mapstructure:"visitstandardlength"`
	WindowLookBackForVisitor int    `mapstructure:"windowlookbackforvisitor"`
	TrustVisitorsCookies     bool   `mapstructure:"trustvisitorscookies"`
	TrustedCookieLookBack    int    `mapstructure:"trustedcookielookback"`
	DefaultTimeOnePageVisit  int    `mapstructure:"defaulttimeonepagevisit"`
	EnableDNT                bool   `mapstructure:"enablednt"`
	IgnoreCookieName         string `mapstructure:"ignorecookiename"`
	UserAgentDatabaseDir     string `mapstructure:"useragentdbdir"`

	// AnonymizeIPBytes zeroes this many trailing bytes of IPv4 addresses
	// before they are stored. 0 keeps full addresses.
	AnonymizeIPBytes int `mapstructure:"anonymizeipbytes"`
}

// ArchivingConfig controls how temporary archives age out.
type ArchivingConfig struct {
	TodayArchiveTimeToLive           int  `mapstructure:"timebeforetodayarchiveconsideredoutdated"`
	EnableBrowserArchivingTriggering bool `mapstructure:"enablebrowserarchivingtriggering"`
	ArchiveScanSegmentSize           int  `mapstructure:"archivescansegmentsize"`
}

// PurgeConfig controls raw log deletion.
type PurgeConfig struct {
	DeleteLogsEnable          bool `mapstructure:"deletelogsenable"`
	DeleteLogsOlderThanDays   int  `mapstructure:"deletelogsolderthan"`
	DeleteLogsMaxRowsPerQuery int  `mapstructure:"deletelogsmaxrowsperquery"`
	SelectSegmentSize         int  `mapstructure:"selectsegmentsize"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		v.SetDefault("appname", "tracklog")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
		v.SetDefault("geolitelicensekey", "")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbdsn", "")
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("lockbackend", LockBackendDatabase)
		v.SetDefault("lockmaxretries", 30)
		v.SetDefault("redisaddr", "127.0.0.1:6379")
		v.SetDefault("redisdb", 0)
		v.SetDefault("redisprefix", "tracklog")

		v.SetDefault("visitstandardlength", 1800)
		v.SetDefault("windowlookbackforvisitor", 0)
		v.SetDefault("trustvisitorscookies", false)
		v.SetDefault("trustedcookielookback", 86400)
		v.SetDefault("defaulttimeonepagevisit", 0)
		v.SetDefault("enablednt", false)
		v.SetDefault("ignorecookiename", "tracklog_ignore")
		v.SetDefault("anonymizeipbytes", 0)
		v.SetDefault("useragentdbdir", "")

		v.SetDefault("timebeforetodayarchiveconsideredoutdated", 10)
		v.SetDefault("enablebrowserarchivingtriggering", true)
		v.SetDefault("archivescansegmentsize", 10000)

		v.SetDefault("deletelogsenable", false)
		v.SetDefault("deletelogsolderthan", 180)
		v.SetDefault("deletelogsmaxrowsperquery", 100000)
		v.SetDefault("selectsegmentsize", 100000)

		v.SetDefault("archivepurgeintervalseconds", 3600)
		v.SetDefault("logpurgeintervalseconds", 86400)

		v.BindEnv("appname", "TRACKLOG_APP_NAME")
		v.BindEnv("environment", "TRACKLOG_ENV")
		v.BindEnv("loglevel", "TRACKLOG_LOG_LEVEL")
		v.BindEnv("privatekey", "TRACKLOG_PRIVATE_KEY")
		v.BindEnv("storagepath", "TRACKLOG_STORAGE_PATH")
		v.BindEnv("geodbpath", "TRACKLOG_GEO_DB_PATH")
		v.BindEnv("geolitelicensekey", "TRACKLOG_GEOLITE_LICENSE_KEY")
		v.BindEnv("logsdir", "TRACKLOG_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "TRACKLOG_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "TRACKLOG_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "TRACKLOG_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "TRACKLOG_DB_TYPE")
		v.BindEnv("dbdsn", "TRACKLOG_DB_DSN")
		v.BindEnv("dbmaxopenconns", "TRACKLOG_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "TRACKLOG_DB_MAX_IDLE_CONNS")
		v.BindEnv("lockbackend", "TRACKLOG_LOCK_BACKEND")
		v.BindEnv("lockmaxretries", "TRACKLOG_LOCK_MAX_RETRIES")
		v.BindEnv("redisaddr", "TRACKLOG_REDIS_ADDR")
		v.BindEnv("redispassword", "TRACKLOG_REDIS_PASSWORD")
		v.BindEnv("redisdb", "TRACKLOG_REDIS_DB")
		v.BindEnv("redisprefix", "TRACKLOG_REDIS_PREFIX")
		v.BindEnv("visitstandardlength", "TRACKLOG_VISIT_STANDARD_LENGTH")
		v.BindEnv("windowlookbackforvisitor", "TRACKLOG_WINDOW_LOOK_BACK_FOR_VISITOR")
		v.BindEnv("trustvisitorscookies", "TRACKLOG_TRUST_VISITORS_COOKIES")
		v.BindEnv("trustedcookielookback", "TRACKLOG_TRUSTED_COOKIE_LOOK_BACK")
		v.BindEnv("defaulttimeonepagevisit", "TRACKLOG_DEFAULT_TIME_ONE_PAGE_VISIT")
		v.BindEnv("enablednt", "TRACKLOG_ENABLE_DNT")
		v.BindEnv("ignorecookiename", "TRACKLOG_IGNORE_COOKIE_NAME")
		v.BindEnv("anonymizeipbytes", "TRACKLOG_ANONYMIZE_IP_BYTES")
		v.BindEnv("useragentdbdir", "TRACKLOG_USER_AGENT_DB_DIR")
		v.BindEnv("timebeforetodayarchiveconsideredoutdated", "TRACKLOG_TODAY_ARCHIVE_TTL")
		v.BindEnv("enablebrowserarchivingtriggering", "TRACKLOG_BROWSER_ARCHIVING")
		v.BindEnv("archivescansegmentsize", "TRACKLOG_ARCHIVE_SCAN_SEGMENT_SIZE")
		v.BindEnv("deletelogsenable", "TRACKLOG_DELETE_LOGS_ENABLE")
		v.BindEnv("deletelogsolderthan", "TRACKLOG_DELETE_LOGS_OLDER_THAN")
		v.BindEnv("deletelogsmaxrowsperquery", "TRACKLOG_DELETE_LOGS_MAX_ROWS_PER_QUERY")
		v.BindEnv("selectsegmentsize", "TRACKLOG_SELECT_SEGMENT_SIZE")
		v.BindEnv("archivepurgeintervalseconds", "TRACKLOG_ARCHIVE_PURGE_INTERVAL_SECONDS")
		v.BindEnv("logpurgeintervalseconds", "TRACKLOG_LOG_PURGE_INTERVAL_SECONDS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		cfg.DatabaseName = cfg.GetDatabasePath()

		defaultKey := "88888888888888888888888888888888"
		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultKey {
			log.Fatal("Production requires a unique TRACKLOG_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase:   true,
		PostgresDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}
	if c.DatabaseType == PostgresDatabase && c.DatabaseDSNValue == "" {
		return fmt.Errorf("database type %s requires TRACKLOG_DB_DSN", c.DatabaseType)
	}

	if c.LockBackend != LockBackendDatabase && c.LockBackend != LockBackendRedis {
		return fmt.Errorf("invalid lock backend: %s", c.LockBackend)
	}

	if c.Tracker.VisitStandardLength <= 0 {
		return fmt.Errorf("visit standard length must be positive, got %d", c.Tracker.VisitStandardLength)
	}

	if c.Tracker.AnonymizeIPBytes < 0 || c.Tracker.AnonymizeIPBytes > 4 {
		return fmt.Errorf("anonymize ip bytes must be between 0 and 4, got %d", c.Tracker.AnonymizeIPBytes)
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// DatabaseDSN returns the connection string for the configured database type.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseType == PostgresDatabase {
		return c.DatabaseDSNValue
	}
	return c.GetDatabasePath()
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1 (required for E2E test stability)
// - Development/Production: 10
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string.
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
