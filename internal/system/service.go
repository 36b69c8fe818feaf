package system

import (
	"database/sql"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/mhartley/printflow-go/internal/config"
)

// Version is the service version, set at build time or defaulted.
var Version = "1.0.0"

// SchedulerStatusProvider exposes the scheduler state the ops surface
// reports on.
type SchedulerStatusProvider interface {
	IsRunning() bool
	AutoRunEnabled() bool
}

// DBPair interface for dependency injection (matches db.DBPair).
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// Service provides system information and dashboard data.
// Uses reader connection only as this service only performs SELECT queries.
type Service struct {
	cfg             config.Config
	logger          *log.Logger
	reader          *sql.DB // Read-only queries
	schedulerStatus SchedulerStatusProvider
	startTime       time.Time
}

// NewService creates a new system service.
// Accepts a DBPair but only uses the reader (read-only service).
func NewService(cfg config.Config, dbPair DBPair, logger *log.Logger, schedulerStatus SchedulerStatusProvider) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		cfg:             cfg,
		logger:          logger,
		reader:          dbPair.Reader(),
		schedulerStatus: schedulerStatus,
		startTime:       time.Now(),
	}
}

// SystemInfo holds service information for the ops surface.
type SystemInfo struct {
	Version          string  `json:"version"`
	Uptime           int64   `json:"uptime_seconds"`
	MemoryUsageMB    float64 `json:"memory_mb"`
	SQLiteConnected  bool    `json:"sqlite_connected"`
	SchedulerRunning bool    `json:"scheduler_running"`
	AutoRunEnabled   bool    `json:"auto_run_enabled"`
	Timezone         string  `json:"timezone"`
	HorizonDays      int     `json:"horizon_days"`
}

// StageSummary is one upcoming placement for dashboard display.
type StageSummary struct {
	InstanceID     string     `json:"instance_id"`
	JobID          string     `json:"job_id"`
	WoNo           string     `json:"wo_no"`
	StageName      string     `json:"stage_name"`
	StartsAt       *time.Time `json:"starts_at,omitempty"`
	EndsAt         *time.Time `json:"ends_at,omitempty"`
	ScheduleStatus string     `json:"schedule_status,omitempty"`
}

// AttentionItem represents an item that needs operator attention.
type AttentionItem struct {
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	ResolveHint string         `json:"resolve_hint,omitempty"`
}

// DashboardData holds data for the dashboard view.
type DashboardData struct {
	NextUp         *StageSummary   `json:"next_up,omitempty"`
	UpcomingStages []StageSummary  `json:"upcoming_stages"`
	AttentionItems []AttentionItem `json:"attention_items"`
}

// GetSystemInfo returns current service information.
func (s *Service) GetSystemInfo() (*SystemInfo, error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sqliteConnected := true
	if err := s.reader.Ping(); err != nil {
		sqliteConnected = false
	}

	schedulerRunning := false
	autoRunEnabled := false
	if s.schedulerStatus != nil {
		schedulerRunning = s.schedulerStatus.IsRunning()
		autoRunEnabled = s.schedulerStatus.AutoRunEnabled()
	}

	return &SystemInfo{
		Version:          Version,
		Uptime:           int64(time.Since(s.startTime).Seconds()),
		MemoryUsageMB:    float64(memStats.Alloc) / 1024 / 1024,
		SQLiteConnected:  sqliteConnected,
		SchedulerRunning: schedulerRunning,
		AutoRunEnabled:   autoRunEnabled,
		Timezone:         s.cfg.ScheduleTimezone,
		HorizonDays:      s.cfg.ScheduleHorizonDays,
	}, nil
}

// GetDashboardData returns the next placements on the plan plus items
// that need operator attention.
func (s *Service) GetDashboardData() (*DashboardData, error) {
	dashboard := &DashboardData{
		UpcomingStages: []StageSummary{},
		AttentionItems: []AttentionItem{},
	}

	// Placements are stored as RFC3339 UTC strings, so the cutoff is
	// computed in Go rather than with datetime('now').
	nowStr := time.Now().UTC().Format(time.RFC3339)
	rows, err := s.reader.Query(`
		SELECT i.id, i.job_id, j.wo_no, COALESCE(st.name, i.production_stage_id),
		       i.scheduled_start_at, i.scheduled_end_at, i.schedule_status
		FROM job_stage_instances i
		INNER JOIN production_jobs j ON i.job_id = j.id
		LEFT JOIN production_stages st ON i.production_stage_id = st.id
		WHERE i.scheduled_start_at IS NOT NULL
		  AND i.scheduled_start_at >= ?
		  AND i.status IN (?, ?)
		ORDER BY i.scheduled_start_at ASC
		LIMIT 20
	`, nowStr, "pending", "active")
	if err != nil {
		s.logger.Printf("Failed to query upcoming stages for dashboard: %v", err)
		return dashboard, nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			instanceID, jobID string
			woNo, stageName   string
			startAt, endAt    sql.NullString
			scheduleStatus    sql.NullString
		)

		if err := rows.Scan(&instanceID, &jobID, &woNo, &stageName, &startAt, &endAt, &scheduleStatus); err != nil {
			s.logger.Printf("Failed to scan upcoming stage row: %v", err)
			continue
		}

		summary := StageSummary{
			InstanceID: instanceID,
			JobID:      jobID,
			WoNo:       woNo,
			StageName:  stageName,
		}
		if t, ok := parsePlacementTime(startAt); ok {
			summary.StartsAt = &t
		}
		if t, ok := parsePlacementTime(endAt); ok {
			summary.EndsAt = &t
		}
		if scheduleStatus.Valid {
			summary.ScheduleStatus = scheduleStatus.String
		}

		dashboard.UpcomingStages = append(dashboard.UpcomingStages, summary)
	}
	if err := rows.Err(); err != nil {
		s.logger.Printf("Failed to read upcoming stage rows: %v", err)
	}

	if len(dashboard.UpcomingStages) > 0 {
		dashboard.NextUp = &dashboard.UpcomingStages[0]
	}

	dashboard.AttentionItems = s.checkAttentionItems()

	return dashboard, nil
}

func parsePlacementTime(value sql.NullString) (time.Time, bool) {
	if !value.Valid || value.String == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, value.String); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02 15:04:05", value.String); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// checkAttentionItems checks for items that need operator attention.
func (s *Service) checkAttentionItems() []AttentionItem {
	var items []AttentionItem

	// Approved work the planner has not placed yet. Prepress stage names
	// never receive placements, so they are excluded from the count.
	var unscheduledCount int
	err := s.reader.QueryRow(`
		SELECT COUNT(*)
		FROM job_stage_instances i
		INNER JOIN production_jobs j ON i.job_id = j.id
		LEFT JOIN production_stages st ON i.production_stage_id = st.id
		WHERE j.proof_approved_at IS NOT NULL
		  AND i.scheduled_start_at IS NULL
		  AND i.status IN (?, ?)
		  AND LOWER(COALESCE(st.name, '')) NOT LIKE '%proof%'
		  AND LOWER(COALESCE(st.name, '')) NOT LIKE '%dtp%'
		  AND LOWER(COALESCE(st.name, '')) NOT LIKE '%batch allocation%'
	`, "pending", "active").Scan(&unscheduledCount)
	if err == nil && unscheduledCount > 0 {
		items = append(items, AttentionItem{
			Type:     "unscheduled_work",
			Severity: "warning",
			Message:  "Approved stages are waiting for a schedule run",
			Details: map[string]any{
				"unscheduled_count": unscheduledCount,
			},
			ResolveHint: "Trigger a schedule run or enable auto-run",
		})
	}

	// Failed runs in the last 24 hours. Run timestamps are RFC3339 UTC.
	cutoff := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	var failedRunCount int
	err = s.reader.QueryRow(`
		SELECT COUNT(*) FROM schedule_runs WHERE status = 'FAILED' AND started_at > ?
	`, cutoff).Scan(&failedRunCount)
	if err == nil && failedRunCount > 0 {
		items = append(items, AttentionItem{
			Type:     "failed_runs",
			Severity: "error",
			Message:  "Recent schedule runs failed",
			Details: map[string]any{
				"failed_count": fmt.Sprintf("%d", failedRunCount),
				"time_window":  "24 hours",
			},
			ResolveHint: "Review run history for details",
		})
	}

	// Check SQLite database health
	if err := s.reader.Ping(); err != nil {
		items = append(items, AttentionItem{
			Type:        "database_unhealthy",
			Severity:    "critical",
			Message:     "Database connection is unhealthy",
			ResolveHint: "Check database file permissions and disk space",
		})
	}

	return items
}
