package system

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mhartley/printflow-go/internal/api"
	"github.com/mhartley/printflow-go/internal/apperrors"
)

// RegisterRoutes wires system routes to the router.
func RegisterRoutes(router chi.Router, service *Service) {
	router.Method(http.MethodGet, "/v1/system/info", api.Handler(getSystemInfo(service)))
	router.Method(http.MethodGet, "/v1/system/dashboard", api.Handler(getDashboard(service)))
}

// getSystemInfo handles GET /v1/system/info
func getSystemInfo(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		info, err := service.GetSystemInfo()
		if err != nil {
			return apperrors.NewInternalError("Failed to get system info")
		}

		return api.WriteResource(w, http.StatusOK, formatSystemInfo(info))
	}
}

// getDashboard handles GET /v1/system/dashboard
func getDashboard(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		data, err := service.GetDashboardData()
		if err != nil {
			return apperrors.NewInternalError("Failed to get dashboard data")
		}

		return api.WriteResource(w, http.StatusOK, formatDashboardData(data))
	}
}

// formatSystemInfo formats SystemInfo for JSON response.
func formatSystemInfo(info *SystemInfo) map[string]any {
	return map[string]any{
		"object":            "system_info",
		"version":           info.Version,
		"uptime_seconds":    info.Uptime,
		"memory_mb":         info.MemoryUsageMB,
		"sqlite_connected":  info.SQLiteConnected,
		"scheduler_running": info.SchedulerRunning,
		"auto_run_enabled":  info.AutoRunEnabled,
		"timezone":          info.Timezone,
		"horizon_days":      info.HorizonDays,
	}
}

// formatDashboardData formats DashboardData for JSON response.
func formatDashboardData(data *DashboardData) map[string]any {
	result := map[string]any{
		"object":          "system_dashboard",
		"upcoming_stages": formatStageSummaries(data.UpcomingStages),
		"attention_items": formatAttentionItems(data.AttentionItems),
	}

	// Always present so board clients need no key check.
	if data.NextUp != nil {
		result["next_up"] = formatStageSummary(data.NextUp)
	} else {
		result["next_up"] = nil
	}

	return result
}

func formatStageSummaries(stages []StageSummary) []map[string]any {
	result := make([]map[string]any, 0, len(stages))
	for i := range stages {
		result = append(result, formatStageSummary(&stages[i]))
	}
	return result
}

func formatStageSummary(stage *StageSummary) map[string]any {
	result := map[string]any{
		"instance_id": stage.InstanceID,
		"job_id":      stage.JobID,
		"wo_no":       stage.WoNo,
		"stage_name":  stage.StageName,
	}

	if stage.StartsAt != nil {
		result["starts_at"] = stage.StartsAt.UTC().Format(time.RFC3339)
	}
	if stage.EndsAt != nil {
		result["ends_at"] = stage.EndsAt.UTC().Format(time.RFC3339)
	}
	if stage.ScheduleStatus != "" {
		result["schedule_status"] = stage.ScheduleStatus
	}

	return result
}

// formatAttentionItems formats a slice of AttentionItem for JSON response.
func formatAttentionItems(items []AttentionItem) []map[string]any {
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		formatted := map[string]any{
			"type":     item.Type,
			"severity": item.Severity,
			"message":  item.Message,
		}
		if item.Details != nil {
			formatted["details"] = item.Details
		}
		if item.ResolveHint != "" {
			formatted["resolve_hint"] = item.ResolveHint
		}
		result = append(result, formatted)
	}
	return result
}
