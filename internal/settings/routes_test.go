package settings

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mhartley/printflow-go/internal/db"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbPair, err := db.Init(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { dbPair.Close() })

	return NewService(dbPair, nil)
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func TestGetSchedulerSettings_SeededDefaults(t *testing.T) {
	service := setupService(t)

	settings, err := service.GetSchedulerSettings()
	require.NoError(t, err)

	require.False(t, settings.AutoRunEnabled)
	require.True(t, settings.AutoRunOnlyIfUnset)
	require.Equal(t, 365, settings.HorizonDays)
	require.False(t, settings.UpdatedAt.IsZero())
}

func TestUpdateSchedulerSettings_PartialUpdate(t *testing.T) {
	service := setupService(t)

	settings, err := service.UpdateSchedulerSettings(UpdateSchedulerSettingsInput{
		AutoRunEnabled: boolPtr(true),
	})
	require.NoError(t, err)

	require.True(t, settings.AutoRunEnabled)
	// Untouched keys keep their seeded values.
	require.True(t, settings.AutoRunOnlyIfUnset)
	require.Equal(t, 365, settings.HorizonDays)

	settings, err = service.UpdateSchedulerSettings(UpdateSchedulerSettingsInput{
		HorizonDays:        intPtr(90),
		AutoRunOnlyIfUnset: boolPtr(false),
	})
	require.NoError(t, err)
	require.True(t, settings.AutoRunEnabled)
	require.False(t, settings.AutoRunOnlyIfUnset)
	require.Equal(t, 90, settings.HorizonDays)
}

func TestUpdateSchedulerSettings_PersistsAcrossReads(t *testing.T) {
	service := setupService(t)

	_, err := service.UpdateSchedulerSettings(UpdateSchedulerSettingsInput{
		HorizonDays: intPtr(120),
	})
	require.NoError(t, err)

	settings, err := service.GetSchedulerSettings()
	require.NoError(t, err)
	require.Equal(t, 120, settings.HorizonDays)
}

func TestGetSchedulerSettings_MalformedRowFallsBack(t *testing.T) {
	service := setupService(t)

	_, err := service.writer.Exec(
		"UPDATE settings SET value = 'soon' WHERE key = ?", keyHorizonDays)
	require.NoError(t, err)

	settings, err := service.GetSchedulerSettings()
	require.NoError(t, err)
	require.Equal(t, 365, settings.HorizonDays)
}

func TestFormatSchedulerSettings(t *testing.T) {
	service := setupService(t)

	settings, err := service.GetSchedulerSettings()
	require.NoError(t, err)

	formatted := formatSchedulerSettings(settings)
	require.Equal(t, "scheduler_settings", formatted["object"])
	require.Equal(t, false, formatted["auto_run_enabled"])
	require.Equal(t, true, formatted["auto_run_only_if_unset"])
	require.Equal(t, 365, formatted["horizon_days"])
	require.NotNil(t, formatted["updated_at"])
}

// ==========================================================================
// Route Tests
// ==========================================================================

func setupSettingsServer(t *testing.T) *httptest.Server {
	t.Helper()

	router := chi.NewRouter()
	RegisterRoutes(router, setupService(t))

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func TestSettingsEndpoints(t *testing.T) {
	ts := setupSettingsServer(t)

	resp, err := http.Get(ts.URL + "/v1/settings/scheduler")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "scheduler_settings", body["object"])
	require.Equal(t, false, body["auto_run_enabled"])

	payload, err := json.Marshal(map[string]any{"auto_run_enabled": true, "horizon_days": 30})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/settings/scheduler", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	var updated map[string]any
	require.NoError(t, json.NewDecoder(putResp.Body).Decode(&updated))
	require.Equal(t, true, updated["auto_run_enabled"])
	require.EqualValues(t, 30, updated["horizon_days"])
}

func TestSettingsEndpoint_RejectsBadHorizon(t *testing.T) {
	ts := setupSettingsServer(t)

	payload, err := json.Marshal(map[string]any{"horizon_days": 0})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/settings/scheduler", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
