package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mhartley/printflow-go/internal/api"
	"github.com/mhartley/printflow-go/internal/apperrors"
	"github.com/mhartley/printflow-go/internal/calendar"
)

// RegisterRoutes wires scheduler and calendar-admin routes to the router.
func RegisterRoutes(router chi.Router, service *Service) {
	// Scheduler
	router.Method(http.MethodPost, "/v1/schedule/run", api.Handler(runSchedule(service)))
	router.Method(http.MethodGet, "/v1/schedule/snapshot", api.Handler(getSnapshot(service)))
	router.Method(http.MethodGet, "/v1/schedule/runs", api.Handler(listRuns(service)))
	router.Method(http.MethodGet, "/v1/schedule/runs/{run_id}", api.Handler(getRun(service)))

	// Calendar administration
	router.Method(http.MethodGet, "/v1/calendar/shifts", api.Handler(listShifts(service)))
	router.Method(http.MethodPost, "/v1/calendar/shifts", api.Handler(createShift(service)))
	router.Method(http.MethodPut, "/v1/calendar/shifts/{shift_id}", api.Handler(updateShift(service)))
	router.Method(http.MethodDelete, "/v1/calendar/shifts/{shift_id}", api.Handler(deleteShift(service)))

	router.Method(http.MethodGet, "/v1/calendar/breaks", api.Handler(listBreaks(service)))
	router.Method(http.MethodPost, "/v1/calendar/breaks", api.Handler(createBreak(service)))
	router.Method(http.MethodDelete, "/v1/calendar/breaks/{break_id}", api.Handler(deleteBreak(service)))

	router.Method(http.MethodGet, "/v1/calendar/holidays", api.Handler(listHolidays(service)))
	router.Method(http.MethodPost, "/v1/calendar/holidays", api.Handler(createHoliday(service)))
	router.Method(http.MethodDelete, "/v1/calendar/holidays/{holiday_id}", api.Handler(deleteHoliday(service)))

	router.Method(http.MethodGet, "/v1/calendar/preview", api.Handler(previewCalendar(service)))
}

// ==========================================================================
// Run Endpoint
// ==========================================================================

// runRequest is the run endpoint's wire format. Flag names are camelCase
// because the production-tracking frontend already posts them that way.
type runRequest struct {
	Commit      *bool    `json:"commit"`
	Proposed    bool     `json:"proposed"`
	OnlyIfUnset bool     `json:"onlyIfUnset"`
	Nuclear     bool     `json:"nuclear"`
	WipeAll     bool     `json:"wipeAll"`
	StartFrom   string   `json:"startFrom"`
	OnlyJobIDs  []string `json:"onlyJobIds"`
	Division    string   `json:"division"`
	Source      string   `json:"source"`
}

// toRunOptions resolves defaults and validates the date and id inputs.
// startFrom is a plant-local calendar date; commit defaults to true when the
// field is absent.
func (req *runRequest) toRunOptions(loc *time.Location) (*RunOptions, error) {
	opts := RunOptions{
		Commit:      true,
		Proposed:    req.Proposed,
		OnlyIfUnset: req.OnlyIfUnset,
		Nuclear:     req.Nuclear,
		WipeAll:     req.WipeAll,
		Division:    strings.TrimSpace(req.Division),
		Source:      strings.TrimSpace(req.Source),
	}
	if req.Commit != nil {
		opts.Commit = *req.Commit
	}

	if req.StartFrom != "" {
		t, err := time.ParseInLocation("2006-01-02", req.StartFrom, loc)
		if err != nil {
			return nil, fmt.Errorf("startFrom must be YYYY-MM-DD, got %q", req.StartFrom)
		}
		opts.StartFrom = &t
	}

	for _, raw := range req.OnlyJobIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("onlyJobIds contains an invalid id: %q", raw)
		}
		opts.OnlyJobIDs = append(opts.OnlyJobIDs, id)
	}

	return &opts, nil
}

// The run endpoint keeps the {ok: ...} envelope its existing callers were
// built against, so it writes errors itself instead of using the shared
// error writer.
func writeRunRefusal(w http.ResponseWriter, status int, message string) error {
	return api.WriteJSON(w, status, map[string]any{"ok": false, "error": message})
}

func runSchedule(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req runRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return writeRunRefusal(w, http.StatusBadRequest, "invalid request body")
			}
		}

		opts, err := req.toRunOptions(service.Location())
		if err != nil {
			return writeRunRefusal(w, http.StatusBadRequest, err.Error())
		}

		result, err := service.Run(r.Context(), *opts)
		if err != nil {
			appErr := apperrors.EnsureAppError(err)
			log.Printf("POST /v1/schedule/run error: %v", err)
			return writeRunRefusal(w, appErr.StatusCode, appErr.Message)
		}

		payload := map[string]any{
			"ok":        true,
			"run_id":    result.RunID,
			"scheduled": result.Scheduled,
			"applied": map[string]any{
				"updated": result.Applied.Updated,
				"skipped": result.Applied.Skipped,
			},
			"baseStart": result.BaseStart.UTC().Format(time.RFC3339),
		}
		if result.Wiped > 0 {
			payload["wiped"] = result.Wiped
		}
		if len(result.Failures) > 0 {
			payload["errors"] = result.Failures
		}

		return api.WriteJSON(w, http.StatusOK, payload)
	}
}

// ==========================================================================
// Snapshot & Run History Handlers
// ==========================================================================

func getSnapshot(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		snap, err := service.Snapshot()
		if err != nil {
			log.Printf("GET /v1/schedule/snapshot error: %v", err)
			return err
		}
		return api.WriteJSON(w, http.StatusOK, snap)
	}
}

func listRuns(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		limit, offset := parsePagination(r, 50)

		filters := RunQueryFilters{
			Source: r.URL.Query().Get("source"),
			Status: r.URL.Query().Get("status"),
			Limit:  limit,
			Offset: offset,
		}

		runs, total, err := service.ListRuns(filters)
		if err != nil {
			log.Printf("GET /v1/schedule/runs error: %v", err)
			return apperrors.NewInternalError("Failed to list runs")
		}

		formatted := make([]map[string]any, 0, len(runs))
		for i := range runs {
			formatted = append(formatted, formatRun(&runs[i]))
		}

		hasMore := offset+len(runs) < total
		return api.WriteList(w, "/v1/schedule/runs", formatted, hasMore)
	}
}

func getRun(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		runID := chi.URLParam(r, "run_id")

		run, err := service.GetRun(runID)
		if err != nil {
			var notFound *RunNotFoundError
			if errors.As(err, &notFound) {
				return apperrors.NewAppError(apperrors.ErrorCodeRunNotFound, "Run not found", 404, map[string]any{"run_id": runID})
			}
			log.Printf("GET /v1/schedule/runs/%s error: %v", runID, err)
			return apperrors.NewInternalError("Failed to get run")
		}

		return api.WriteResource(w, http.StatusOK, formatRun(run))
	}
}

// ==========================================================================
// Shift Handlers
// ==========================================================================

func listShifts(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		limit, offset := parsePagination(r, 50)

		shifts, total, err := service.ListShifts(limit, offset)
		if err != nil {
			log.Printf("GET /v1/calendar/shifts error: %v", err)
			return apperrors.NewInternalError("Failed to list shifts")
		}

		formatted := make([]map[string]any, 0, len(shifts))
		for i := range shifts {
			formatted = append(formatted, formatShift(&shifts[i]))
		}

		hasMore := offset+len(shifts) < total
		return api.WriteList(w, "/v1/calendar/shifts", formatted, hasMore)
	}
}

func createShift(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var input CreateShiftInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return apperrors.NewValidationError("invalid request body", nil)
		}

		if err := validateShiftFields(input.DayOfWeek, input.StartTime, input.EndTime); err != nil {
			return err
		}

		shift, err := service.CreateShift(input)
		if err != nil {
			log.Printf("POST /v1/calendar/shifts error: %v", err)
			return apperrors.NewInternalError("Failed to create shift")
		}

		return api.WriteResource(w, http.StatusCreated, formatShift(shift))
	}
}

func updateShift(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		id, err := parseRowID(chi.URLParam(r, "shift_id"))
		if err != nil {
			return apperrors.NewValidationError("invalid shift id", nil)
		}

		var input UpdateShiftInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return apperrors.NewValidationError("invalid request body", nil)
		}

		if input.DayOfWeek != nil && (*input.DayOfWeek < 1 || *input.DayOfWeek > 7) {
			return apperrors.NewValidationError("day_of_week must be 1 (Monday) through 7 (Sunday)", nil)
		}
		if input.StartTime != nil {
			if _, err := calendar.ParseClock(*input.StartTime); err != nil {
				return apperrors.NewValidationError("start_time must be HH:MM", nil)
			}
		}
		if input.EndTime != nil {
			if _, err := calendar.ParseClock(*input.EndTime); err != nil {
				return apperrors.NewValidationError("end_time must be HH:MM", nil)
			}
		}
		if input.StartTime != nil && input.EndTime != nil {
			start, _ := calendar.ParseClock(*input.StartTime)
			end, _ := calendar.ParseClock(*input.EndTime)
			if end <= start {
				return apperrors.NewValidationError("end_time must be after start_time", nil)
			}
		}

		shift, err := service.UpdateShift(id, input)
		if err != nil {
			var notFound *ShiftNotFoundError
			if errors.As(err, &notFound) {
				return apperrors.NewAppError(apperrors.ErrorCodeShiftNotFound, "Shift not found", 404, map[string]any{"shift_id": id})
			}
			log.Printf("PUT /v1/calendar/shifts/%d error: %v", id, err)
			return apperrors.NewInternalError("Failed to update shift")
		}

		return api.WriteResource(w, http.StatusOK, formatShift(shift))
	}
}

func deleteShift(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		id, err := parseRowID(chi.URLParam(r, "shift_id"))
		if err != nil {
			return apperrors.NewValidationError("invalid shift id", nil)
		}

		if err := service.DeleteShift(id); err != nil {
			var notFound *ShiftNotFoundError
			if errors.As(err, &notFound) {
				return apperrors.NewAppError(apperrors.ErrorCodeShiftNotFound, "Shift not found", 404, map[string]any{"shift_id": id})
			}
			log.Printf("DELETE /v1/calendar/shifts/%d error: %v", id, err)
			return apperrors.NewInternalError("Failed to delete shift")
		}

		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

// ==========================================================================
// Break Handlers
// ==========================================================================

func listBreaks(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		limit, offset := parsePagination(r, 50)

		breaks, total, err := service.ListBreaks(limit, offset)
		if err != nil {
			log.Printf("GET /v1/calendar/breaks error: %v", err)
			return apperrors.NewInternalError("Failed to list breaks")
		}

		formatted := make([]map[string]any, 0, len(breaks))
		for i := range breaks {
			formatted = append(formatted, formatBreak(&breaks[i]))
		}

		hasMore := offset+len(breaks) < total
		return api.WriteList(w, "/v1/calendar/breaks", formatted, hasMore)
	}
}

func createBreak(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var input CreateBreakInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return apperrors.NewValidationError("invalid request body", nil)
		}

		if _, err := calendar.ParseClock(input.StartTime); err != nil {
			return apperrors.NewValidationError("start_time must be HH:MM", nil)
		}
		if input.Minutes <= 0 {
			return apperrors.NewValidationError("minutes must be positive", nil)
		}

		brk, err := service.CreateBreak(input)
		if err != nil {
			log.Printf("POST /v1/calendar/breaks error: %v", err)
			return apperrors.NewInternalError("Failed to create break")
		}

		return api.WriteResource(w, http.StatusCreated, formatBreak(brk))
	}
}

func deleteBreak(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		id, err := parseRowID(chi.URLParam(r, "break_id"))
		if err != nil {
			return apperrors.NewValidationError("invalid break id", nil)
		}

		if err := service.DeleteBreak(id); err != nil {
			var notFound *BreakNotFoundError
			if errors.As(err, &notFound) {
				return apperrors.NewAppError(apperrors.ErrorCodeBreakNotFound, "Break not found", 404, map[string]any{"break_id": id})
			}
			log.Printf("DELETE /v1/calendar/breaks/%d error: %v", id, err)
			return apperrors.NewInternalError("Failed to delete break")
		}

		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

// ==========================================================================
// Holiday Handlers
// ==========================================================================

func listHolidays(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		limit, offset := parsePagination(r, 100)

		holidays, total, err := service.ListHolidays(limit, offset)
		if err != nil {
			log.Printf("GET /v1/calendar/holidays error: %v", err)
			return apperrors.NewInternalError("Failed to list holidays")
		}

		formatted := make([]map[string]any, 0, len(holidays))
		for i := range holidays {
			formatted = append(formatted, formatHoliday(&holidays[i]))
		}

		hasMore := offset+len(holidays) < total
		return api.WriteList(w, "/v1/calendar/holidays", formatted, hasMore)
	}
}

func createHoliday(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var input CreateHolidayInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return apperrors.NewValidationError("invalid request body", nil)
		}

		if _, err := time.Parse("2006-01-02", input.Date); err != nil {
			return apperrors.NewValidationError("date must be YYYY-MM-DD", nil)
		}
		if strings.TrimSpace(input.Name) == "" {
			return apperrors.NewValidationError("name is required", nil)
		}

		holiday, err := service.CreateHoliday(input)
		if err != nil {
			if errors.Is(err, ErrDuplicateHoliday) {
				return apperrors.NewConflictError("A holiday already exists on that date", map[string]any{"date": input.Date})
			}
			log.Printf("POST /v1/calendar/holidays error: %v", err)
			return apperrors.NewInternalError("Failed to create holiday")
		}

		return api.WriteResource(w, http.StatusCreated, formatHoliday(holiday))
	}
}

func deleteHoliday(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		id, err := parseRowID(chi.URLParam(r, "holiday_id"))
		if err != nil {
			return apperrors.NewValidationError("invalid holiday id", nil)
		}

		if err := service.DeleteHoliday(id); err != nil {
			var notFound *HolidayNotFoundError
			if errors.As(err, &notFound) {
				return apperrors.NewAppError(apperrors.ErrorCodeHolidayNotFound, "Holiday not found", 404, map[string]any{"holiday_id": id})
			}
			log.Printf("DELETE /v1/calendar/holidays/%d error: %v", id, err)
			return apperrors.NewInternalError("Failed to delete holiday")
		}

		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

// ==========================================================================
// Preview Handler
// ==========================================================================

func previewCalendar(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		loc := service.Location()

		from := time.Now().In(loc)
		if f := r.URL.Query().Get("from"); f != "" {
			parsed, err := time.ParseInLocation("2006-01-02", f, loc)
			if err != nil {
				return apperrors.NewValidationError("from must be YYYY-MM-DD", nil)
			}
			from = parsed
		}

		days := 7
		if d := r.URL.Query().Get("days"); d != "" {
			parsed, err := strconv.Atoi(d)
			if err != nil || parsed < 1 || parsed > 60 {
				return apperrors.NewValidationError("days must be between 1 and 60", nil)
			}
			days = parsed
		}

		preview, err := service.CalendarPreview(from, days)
		if err != nil {
			log.Printf("GET /v1/calendar/preview error: %v", err)
			return err
		}

		return api.WriteAction(w, http.StatusOK, map[string]any{
			"object": "calendar_preview",
			"from":   from.Format("2006-01-02"),
			"days":   days,
			"data":   preview,
		})
	}
}

// ==========================================================================
// Formatters
// ==========================================================================

func formatRun(run *ScheduleRun) map[string]any {
	formatted := map[string]any{
		"object":          "schedule_run",
		"run_id":          run.RunID,
		"status":          run.Status,
		"source":          run.Source,
		"started_at":      run.StartedAt.UTC().Format(time.RFC3339),
		"scheduled_count": run.ScheduledCount,
		"applied_count":   run.AppliedCount,
		"options":         run.Options,
	}
	if run.FinishedAt != nil {
		formatted["finished_at"] = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	if run.BaseStart != nil {
		formatted["base_start"] = run.BaseStart.UTC().Format(time.RFC3339)
	}
	if len(run.Failures) > 0 {
		formatted["failures"] = run.Failures
	}
	if run.Error != nil {
		formatted["error"] = *run.Error
	}
	return formatted
}

func formatShift(s *ShiftRow) map[string]any {
	return map[string]any{
		"object":         "shift",
		"id":             s.ID,
		"day_of_week":    s.DayOfWeek,
		"start_time":     s.StartTime,
		"end_time":       s.EndTime,
		"is_working_day": s.IsWorkingDay,
	}
}

func formatBreak(b *BreakRow) map[string]any {
	return map[string]any{
		"object":     "break",
		"id":         b.ID,
		"start_time": b.StartTime,
		"minutes":    b.Minutes,
	}
}

func formatHoliday(h *HolidayRow) map[string]any {
	return map[string]any{
		"object": "holiday",
		"id":     h.ID,
		"date":   h.Date,
		"name":   h.Name,
	}
}

// ==========================================================================
// Shared Helpers
// ==========================================================================

func parsePagination(r *http.Request, defaultLimit int) (int, int) {
	limit := defaultLimit
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return limit, offset
}

func parseRowID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

func validateShiftFields(dayOfWeek int, startTime, endTime string) error {
	if dayOfWeek < 1 || dayOfWeek > 7 {
		return apperrors.NewValidationError("day_of_week must be 1 (Monday) through 7 (Sunday)", nil)
	}

	start, err := calendar.ParseClock(startTime)
	if err != nil {
		return apperrors.NewValidationError("start_time must be HH:MM", nil)
	}

	end, err := calendar.ParseClock(endTime)
	if err != nil {
		return apperrors.NewValidationError("end_time must be HH:MM", nil)
	}

	if end <= start {
		return apperrors.NewValidationError("end_time must be after start_time", nil)
	}

	return nil
}
