package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds the base server configuration.
type Config struct {
	Host          string
	Port          string
	SQLiteDBPath  string
	AppEnv        string
	AllowTestMode bool
	LogRequests   bool

	JWTSecret               string
	JWTAccessTokenExpirySec int

	// ScheduleTimezone is the local zone for all calendar arithmetic.
	// Persisted timestamps stay UTC; shifts, breaks and holidays are
	// interpreted in this zone.
	ScheduleTimezone    string
	ScheduleHorizonDays int

	// Auto-run trigger: when enabled, the schedule service fires a
	// {commit:true, onlyIfUnset:true, source:"cron_auto"} run on the
	// configured cron expression.
	AutoRunEnabled bool
	AutoRunCron    string

	OpenAPISpecPath string
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	cfg := Config{
		Host:                    envString("HOST", "0.0.0.0"),
		Port:                    envString("PORT", "8080"),
		SQLiteDBPath:            envString("SQLITE_DB_PATH", "./data/printflow.db"),
		AppEnv:                  envString("APP_ENV", "development"),
		AllowTestMode:           envBool("ALLOW_TEST_MODE", false),
		LogRequests:             envBool("LOG_REQUESTS", true),
		JWTSecret:               envString("JWT_SECRET", ""),
		JWTAccessTokenExpirySec: envInt("JWT_ACCESS_TOKEN_EXPIRY", 3600),
		ScheduleTimezone:        envString("SCHEDULE_TIMEZONE", "Africa/Johannesburg"),
		ScheduleHorizonDays:     envInt("SCHEDULE_HORIZON_DAYS", 365),
		AutoRunEnabled:          envBool("AUTO_RUN_ENABLED", false),
		AutoRunCron:             envString("AUTO_RUN_CRON", "*/30 * * * *"),
		OpenAPISpecPath:         envString("OPENAPI_SPEC_PATH", ""),
	}

	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return Config{}, fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	if _, err := time.LoadLocation(cfg.ScheduleTimezone); err != nil {
		return Config{}, fmt.Errorf("SCHEDULE_TIMEZONE %q is not a valid IANA zone: %w", cfg.ScheduleTimezone, err)
	}

	if cfg.ScheduleHorizonDays < 1 {
		return Config{}, fmt.Errorf("SCHEDULE_HORIZON_DAYS must be at least 1")
	}

	if _, err := cron.ParseStandard(cfg.AutoRunCron); err != nil {
		return Config{}, fmt.Errorf("AUTO_RUN_CRON %q is not a valid cron expression: %w", cfg.AutoRunCron, err)
	}

	return cfg, nil
}

// Location resolves the configured schedule timezone. Load has already
// validated it, so failures here fall back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return strings.EqualFold(val, "true")
}
