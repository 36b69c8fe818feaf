package settings

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mhartley/printflow-go/internal/api"
	"github.com/mhartley/printflow-go/internal/apperrors"
)

// SchedulerSettings holds the runtime scheduling policy. Values live in
// the settings key/value table and override the process environment.
type SchedulerSettings struct {
	AutoRunEnabled     bool      `json:"auto_run_enabled"`
	AutoRunOnlyIfUnset bool      `json:"auto_run_only_if_unset"`
	HorizonDays        int       `json:"horizon_days"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const (
	keyAutoRunEnabled     = "auto_run_enabled"
	keyAutoRunOnlyIfUnset = "auto_run_only_if_unset"
	keyHorizonDays        = "horizon_days"
)

// maxHorizonDays caps the planning window at ten years.
const maxHorizonDays = 3650

// schedulerDefaults mirror the rows seeded by the schema.
var schedulerDefaults = SchedulerSettings{
	AutoRunEnabled:     false,
	AutoRunOnlyIfUnset: true,
	HorizonDays:        365,
}

// DBPair interface for dependency injection (matches db.DBPair).
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// Service provides settings management functionality.
// Uses separate reader/writer connections for optimal SQLite concurrency.
type Service struct {
	reader *sql.DB // For SELECT queries
	writer *sql.DB // For INSERT/UPDATE/DELETE
	logger *log.Logger
}

// NewService creates a new settings service.
func NewService(dbPair DBPair, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		reader: dbPair.Reader(),
		writer: dbPair.Writer(),
		logger: logger,
	}
}

// RegisterRoutes wires settings routes to the router.
func RegisterRoutes(router chi.Router, service *Service) {
	router.Method(http.MethodGet, "/v1/settings/scheduler", api.Handler(getSchedulerSettings(service)))
	router.Method(http.MethodPut, "/v1/settings/scheduler", api.Handler(updateSchedulerSettings(service)))
}

// getSchedulerSettings handles GET /v1/settings/scheduler
func getSchedulerSettings(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		settings, err := service.GetSchedulerSettings()
		if err != nil {
			return apperrors.NewInternalError("Failed to get scheduler settings")
		}

		return api.WriteResource(w, http.StatusOK, formatSchedulerSettings(settings))
	}
}

// UpdateSchedulerSettingsInput represents the request body for updating
// the scheduler policy. Absent fields are left unchanged.
type UpdateSchedulerSettingsInput struct {
	AutoRunEnabled     *bool `json:"auto_run_enabled,omitempty"`
	AutoRunOnlyIfUnset *bool `json:"auto_run_only_if_unset,omitempty"`
	HorizonDays        *int  `json:"horizon_days,omitempty"`
}

// updateSchedulerSettings handles PUT /v1/settings/scheduler
func updateSchedulerSettings(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var input UpdateSchedulerSettingsInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return apperrors.NewValidationError("invalid request body", nil)
		}

		if input.HorizonDays != nil {
			if *input.HorizonDays < 1 || *input.HorizonDays > maxHorizonDays {
				return apperrors.NewValidationError("horizon_days must be between 1 and 3650", map[string]any{
					"horizon_days": *input.HorizonDays,
				})
			}
		}

		settings, err := service.UpdateSchedulerSettings(input)
		if err != nil {
			return apperrors.NewInternalError("Failed to update scheduler settings")
		}

		return api.WriteResource(w, http.StatusOK, formatSchedulerSettings(settings))
	}
}

// GetSchedulerSettings retrieves the current scheduler policy, falling
// back to defaults for missing or unparseable rows.
func (s *Service) GetSchedulerSettings() (*SchedulerSettings, error) {
	rows, err := s.reader.Query(`
		SELECT key, value, updated_at
		FROM settings
		WHERE key IN (?, ?, ?)
	`, keyAutoRunEnabled, keyAutoRunOnlyIfUnset, keyHorizonDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := schedulerDefaults
	for rows.Next() {
		var key, value, updatedAt string
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return nil, err
		}

		switch key {
		case keyAutoRunEnabled:
			if b, err := strconv.ParseBool(value); err == nil {
				settings.AutoRunEnabled = b
			} else {
				s.logger.Printf("Ignoring malformed setting %s=%q", key, value)
			}
		case keyAutoRunOnlyIfUnset:
			if b, err := strconv.ParseBool(value); err == nil {
				settings.AutoRunOnlyIfUnset = b
			} else {
				s.logger.Printf("Ignoring malformed setting %s=%q", key, value)
			}
		case keyHorizonDays:
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				settings.HorizonDays = n
			} else {
				s.logger.Printf("Ignoring malformed setting %s=%q", key, value)
			}
		}

		if t := parseTimestamp(updatedAt); t.After(settings.UpdatedAt) {
			settings.UpdatedAt = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &settings, nil
}

// UpdateSchedulerSettings upserts the provided keys and returns the
// resulting policy.
func (s *Service) UpdateSchedulerSettings(input UpdateSchedulerSettingsInput) (*SchedulerSettings, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	upsert := func(key, value string) error {
		_, err := s.writer.Exec(`
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, key, value, now)
		return err
	}

	if input.AutoRunEnabled != nil {
		if err := upsert(keyAutoRunEnabled, strconv.FormatBool(*input.AutoRunEnabled)); err != nil {
			return nil, err
		}
	}
	if input.AutoRunOnlyIfUnset != nil {
		if err := upsert(keyAutoRunOnlyIfUnset, strconv.FormatBool(*input.AutoRunOnlyIfUnset)); err != nil {
			return nil, err
		}
	}
	if input.HorizonDays != nil {
		if err := upsert(keyHorizonDays, strconv.Itoa(*input.HorizonDays)); err != nil {
			return nil, err
		}
	}

	return s.GetSchedulerSettings()
}

// parseTimestamp accepts RFC3339 as written by updates and the SQLite
// CURRENT_TIMESTAMP format used by the seeded defaults.
func parseTimestamp(value string) time.Time {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
		return t
	}
	return time.Time{}
}

// formatSchedulerSettings formats SchedulerSettings for JSON response.
func formatSchedulerSettings(settings *SchedulerSettings) map[string]any {
	result := map[string]any{
		"object":                 "scheduler_settings",
		"auto_run_enabled":       settings.AutoRunEnabled,
		"auto_run_only_if_unset": settings.AutoRunOnlyIfUnset,
		"horizon_days":           settings.HorizonDays,
	}

	if !settings.UpdatedAt.IsZero() {
		result["updated_at"] = settings.UpdatedAt.UTC().Format(time.RFC3339)
	}

	return result
}
