package system

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mhartley/printflow-go/internal/config"
	"github.com/mhartley/printflow-go/internal/db"
)

type fakeSchedulerStatus struct {
	running bool
	autoRun bool
}

func (f fakeSchedulerStatus) IsRunning() bool      { return f.running }
func (f fakeSchedulerStatus) AutoRunEnabled() bool { return f.autoRun }

func setupSystemService(t *testing.T, status SchedulerStatusProvider) (*Service, *db.DBPair) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbPair, err := db.Init(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { dbPair.Close() })

	cfg := config.Config{
		ScheduleTimezone:    "UTC",
		ScheduleHorizonDays: 60,
	}
	return NewService(cfg, dbPair, nil, status), dbPair
}

func seedStageAndJob(t *testing.T, dbPair *db.DBPair, stageID, stageName, jobID, woNo string) {
	t.Helper()
	_, err := dbPair.Writer().Exec(
		"INSERT OR IGNORE INTO production_stages (id, name) VALUES (?, ?)", stageID, stageName)
	require.NoError(t, err)
	_, err = dbPair.Writer().Exec(
		"INSERT INTO production_jobs (id, wo_no, proof_approved_at) VALUES (?, ?, ?)",
		jobID, woNo, "2025-01-06T07:30:00Z")
	require.NoError(t, err)
}

func seedPlacement(t *testing.T, dbPair *db.DBPair, id, jobID, stageID string, startAt, endAt any) {
	t.Helper()
	_, err := dbPair.Writer().Exec(`
		INSERT INTO job_stage_instances
			(id, job_id, production_stage_id, stage_order, status, estimated_minutes, scheduled_start_at, scheduled_end_at, schedule_status)
		VALUES (?, ?, ?, 1, 'pending', 60, ?, ?, CASE WHEN ? IS NULL THEN NULL ELSE 'scheduled' END)
	`, id, jobID, stageID, startAt, endAt, startAt)
	require.NoError(t, err)
}

func TestGetSystemInfo(t *testing.T) {
	service, _ := setupSystemService(t, fakeSchedulerStatus{running: true, autoRun: true})

	info, err := service.GetSystemInfo()
	require.NoError(t, err)

	require.Equal(t, Version, info.Version)
	require.GreaterOrEqual(t, info.Uptime, int64(0))
	require.Greater(t, info.MemoryUsageMB, 0.0)
	require.True(t, info.SQLiteConnected)
	require.True(t, info.SchedulerRunning)
	require.True(t, info.AutoRunEnabled)
	require.Equal(t, "UTC", info.Timezone)
	require.Equal(t, 60, info.HorizonDays)
}

func TestGetSystemInfo_NilStatusProvider(t *testing.T) {
	service, _ := setupSystemService(t, nil)

	info, err := service.GetSystemInfo()
	require.NoError(t, err)
	require.False(t, info.SchedulerRunning)
	require.False(t, info.AutoRunEnabled)
}

func TestGetDashboardData_UpcomingStages(t *testing.T) {
	service, dbPair := setupSystemService(t, nil)
	seedStageAndJob(t, dbPair, "res-print", "Printing", "job-1", "WO-100")

	soon := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	soonEnd := time.Now().Add(3 * time.Hour).UTC().Format(time.RFC3339)
	later := time.Now().Add(4 * time.Hour).UTC().Format(time.RFC3339)
	laterEnd := time.Now().Add(5 * time.Hour).UTC().Format(time.RFC3339)
	past := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	pastEnd := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	seedPlacement(t, dbPair, "inst-later", "job-1", "res-print", later, laterEnd)
	seedPlacement(t, dbPair, "inst-soon", "job-1", "res-print", soon, soonEnd)
	seedPlacement(t, dbPair, "inst-past", "job-1", "res-print", past, pastEnd)
	seedPlacement(t, dbPair, "inst-unplanned", "job-1", "res-print", nil, nil)

	dashboard, err := service.GetDashboardData()
	require.NoError(t, err)

	require.Len(t, dashboard.UpcomingStages, 2)
	require.Equal(t, "inst-soon", dashboard.UpcomingStages[0].InstanceID)
	require.Equal(t, "inst-later", dashboard.UpcomingStages[1].InstanceID)

	require.NotNil(t, dashboard.NextUp)
	require.Equal(t, "inst-soon", dashboard.NextUp.InstanceID)
	require.Equal(t, "WO-100", dashboard.NextUp.WoNo)
	require.Equal(t, "Printing", dashboard.NextUp.StageName)
	require.NotNil(t, dashboard.NextUp.StartsAt)
	require.Equal(t, "scheduled", dashboard.NextUp.ScheduleStatus)
}

func TestGetDashboardData_AttentionItems(t *testing.T) {
	service, dbPair := setupSystemService(t, nil)
	seedStageAndJob(t, dbPair, "res-print", "Printing", "job-1", "WO-100")

	// Approved but never placed.
	seedPlacement(t, dbPair, "inst-unplanned", "job-1", "res-print", nil, nil)

	// A run that failed an hour ago.
	started := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	_, err := dbPair.Writer().Exec(`
		INSERT INTO schedule_runs (run_id, status, source, started_at, error)
		VALUES ('run-bad', 'FAILED', 'manual', ?, 'calendar has no working windows')
	`, started)
	require.NoError(t, err)

	dashboard, err := service.GetDashboardData()
	require.NoError(t, err)

	types := make([]string, 0, len(dashboard.AttentionItems))
	for _, item := range dashboard.AttentionItems {
		types = append(types, item.Type)
	}
	require.Contains(t, types, "unscheduled_work")
	require.Contains(t, types, "failed_runs")
	require.NotContains(t, types, "database_unhealthy")
}

func TestGetDashboardData_PrepressExcludedFromUnscheduledCount(t *testing.T) {
	service, dbPair := setupSystemService(t, nil)
	seedStageAndJob(t, dbPair, "res-proof", "Customer PROOF Approval", "job-1", "WO-100")
	seedPlacement(t, dbPair, "inst-proof", "job-1", "res-proof", nil, nil)

	dashboard, err := service.GetDashboardData()
	require.NoError(t, err)

	for _, item := range dashboard.AttentionItems {
		require.NotEqual(t, "unscheduled_work", item.Type)
	}
}

func TestGetDashboardData_OldFailedRunsIgnored(t *testing.T) {
	service, dbPair := setupSystemService(t, nil)

	started := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	_, err := dbPair.Writer().Exec(`
		INSERT INTO schedule_runs (run_id, status, source, started_at, error)
		VALUES ('run-old', 'FAILED', 'manual', ?, 'stale failure')
	`, started)
	require.NoError(t, err)

	dashboard, err := service.GetDashboardData()
	require.NoError(t, err)

	for _, item := range dashboard.AttentionItems {
		require.NotEqual(t, "failed_runs", item.Type)
	}
}

// ==========================================================================
// Route Tests
// ==========================================================================

func TestSystemEndpoints(t *testing.T) {
	service, _ := setupSystemService(t, fakeSchedulerStatus{running: true, autoRun: false})

	router := chi.NewRouter()
	RegisterRoutes(router, service)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/v1/system/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.Equal(t, "system_info", info["object"])
	require.Equal(t, true, info["scheduler_running"])
	require.Equal(t, false, info["auto_run_enabled"])

	dashResp, err := http.Get(ts.URL + "/v1/system/dashboard")
	require.NoError(t, err)
	defer dashResp.Body.Close()
	require.Equal(t, http.StatusOK, dashResp.StatusCode)

	var dash map[string]any
	require.NoError(t, json.NewDecoder(dashResp.Body).Decode(&dash))
	require.Equal(t, "system_dashboard", dash["object"])
	require.Nil(t, dash["next_up"])
	require.Empty(t, dash["upcoming_stages"])
}

func TestVersionDefault(t *testing.T) {
	// Version should have a default value
	require.NotEmpty(t, Version)
}
