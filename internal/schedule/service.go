package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mhartley/printflow-go/internal/apperrors"
	"github.com/mhartley/printflow-go/internal/calendar"
	"github.com/mhartley/printflow-go/internal/config"
)

// Broadcaster pushes run lifecycle events to live feed subscribers.
// A nil Broadcaster disables publishing.
type Broadcaster interface {
	Broadcast(payload any)
}

// Service owns the scheduling pipeline: snapshot load, calendar build,
// planning, applying, wiping, and run history. It also hosts the cron
// auto-run trigger.
type Service struct {
	cfg          config.Config
	logger       *log.Logger
	reader       *sql.DB // For ad-hoc read queries (settings overrides)
	snapshotRepo *SnapshotRepository
	calendarRepo *CalendarRepository
	runsRepo     *RunsRepository
	broadcaster  Broadcaster

	// Auto-run control
	cron       *cron.Cron
	started    bool
	activeRuns int
	mu         sync.Mutex
}

// NewService creates a new schedule service.
// Accepts a DBPair for optimal SQLite concurrency with separate reader/writer pools.
func NewService(cfg config.Config, dbPair DBPair, logger *log.Logger, broadcaster Broadcaster) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		cfg:          cfg,
		logger:       logger,
		reader:       dbPair.Reader(),
		snapshotRepo: NewSnapshotRepository(dbPair),
		calendarRepo: NewCalendarRepository(dbPair),
		runsRepo:     NewRunsRepository(dbPair),
		broadcaster:  broadcaster,
	}
}

// ==========================================================================
// Lifecycle
// ==========================================================================

// Start arms the auto-run cron trigger. The trigger always ticks; whether a
// tick fires a run is decided at tick time from settings (falling back to
// the AUTO_RUN_ENABLED env default), so toggling auto-run needs no restart.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.AutoRunCron, s.runAuto); err != nil {
		// Load() validated the expression; this is unreachable short of a
		// config bypass, but don't crash scheduling over it.
		s.logger.Printf("[schedule] invalid auto-run cron %q: %v", s.cfg.AutoRunCron, err)
		return
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.Printf("[schedule] auto-run trigger armed (%s)", s.cfg.AutoRunCron)
}

// Stop halts the auto-run trigger and waits for an in-flight auto-run to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.logger.Printf("[schedule] auto-run trigger stopped")
}

// IsRunning reports whether any scheduler run is currently in flight.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRuns > 0
}

// Location returns the plant timezone all date-only inputs are interpreted in.
func (s *Service) Location() *time.Location {
	return s.cfg.Location()
}

// AutoRunEnabled reports the effective auto-run policy (settings row first,
// env default second).
func (s *Service) AutoRunEnabled() bool {
	if v, ok := s.settingValue("auto_run_enabled"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return s.cfg.AutoRunEnabled
}

// runAuto is the cron tick handler.
func (s *Service) runAuto() {
	if !s.AutoRunEnabled() {
		return
	}
	if s.IsRunning() {
		s.logger.Printf("[schedule] auto-run skipped: %s", apperrors.ErrorCodeRunInProgress)
		return
	}

	opts := RunOptions{
		Commit:      true,
		OnlyIfUnset: s.autoRunOnlyIfUnset(),
		Source:      SourceCronAuto,
	}

	result, err := s.Run(context.Background(), opts)
	if err != nil {
		s.logger.Printf("[schedule] auto-run failed: %v", err)
		return
	}
	s.logger.Printf("[schedule] auto-run complete: scheduled=%d updated=%d skipped=%d",
		result.Scheduled, result.Applied.Updated, result.Applied.Skipped)
}

// ==========================================================================
// Run Orchestration
// ==========================================================================

// Run executes one scheduler invocation: snapshot, calendar, optional
// nuclear wipe, plan, apply, history row, feed event.
//
// Per-stage and per-row failures are carried in the result; only whole-run
// problems (snapshot unavailable, wipe failure, apply-path I/O) return an
// error, always as an *apperrors.AppError.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	s.mu.Lock()
	s.activeRuns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.activeRuns--
		s.mu.Unlock()
	}()

	run, err := s.runsRepo.Create(opts)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("record run: %v", err))
	}

	result, runErr := s.execute(ctx, run.RunID, opts)
	if runErr != nil {
		if err := s.runsRepo.Fail(run.RunID, runErr); err != nil {
			s.logger.Printf("[schedule] run %s: record failure: %v", run.RunID, err)
		}
		return nil, runErr
	}

	if err := s.runsRepo.Complete(run.RunID, result); err != nil {
		s.logger.Printf("[schedule] run %s: record completion: %v", run.RunID, err)
	}

	if pruned, err := s.runsRepo.PruneOldRuns(RunHistoryRetentionDays); err != nil {
		s.logger.Printf("[schedule] run %s: prune history: %v", run.RunID, err)
	} else if pruned > 0 {
		s.logger.Printf("[schedule] pruned %d run history row(s)", pruned)
	}

	s.publish(map[string]any{
		"type":       EventRunCompleted,
		"run_id":     run.RunID,
		"source":     run.Source,
		"scheduled":  result.Scheduled,
		"updated":    result.Applied.Updated,
		"skipped":    result.Applied.Skipped,
		"base_start": result.BaseStart.UTC().Format(time.RFC3339),
		"errors":     len(result.Failures),
	})

	return result, nil
}

func (s *Service) execute(ctx context.Context, runID string, opts RunOptions) (*RunResult, error) {
	loc := s.cfg.Location()

	snap, err := s.snapshotRepo.LoadSnapshot()
	if err != nil {
		return nil, apperrors.NewSnapshotError(fmt.Sprintf("load snapshot: %v", err))
	}

	cal, err := s.buildCalendar(snap.Shifts, snap.Meta.Breaks, snap.Holidays)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("build calendar: %v", err))
	}

	startFrom := time.Now().In(loc)
	if opts.StartFrom != nil {
		startFrom = opts.StartFrom.In(loc)
	}

	baseStart, err := cal.NextWorkingStart(startFrom)
	if err != nil {
		// No working windows inside the horizon: the calendar is empty or
		// all-holiday. Nothing can be planned from here.
		return nil, apperrors.NewInternalError(fmt.Sprintf("resolve base start: %v", err))
	}

	// Cancellation boundary: nothing has been written yet.
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("run cancelled: %v", err))
	}

	var wiped int64
	if opts.Nuclear && opts.Commit {
		y, m, d := baseStart.In(loc).Date()
		from := time.Date(y, m, d, 0, 0, 0, 0, loc)

		wiped, err = s.snapshotRepo.WipeSchedule(opts.WipeAll, from)
		if err != nil {
			return nil, apperrors.NewWipeError(fmt.Sprintf("nuclear wipe: %v", err))
		}
		s.logger.Printf("[schedule] run %s: wiped %d placement(s) (wipeAll=%t from=%s)",
			runID, wiped, opts.WipeAll, from.Format("2006-01-02"))

		s.publish(map[string]any{
			"type":     EventScheduleWiped,
			"run_id":   runID,
			"wiped":    wiped,
			"wipe_all": opts.WipeAll,
			"from":     from.Format("2006-01-02"),
		})
	}

	jobs := filterJobs(snap.Jobs, opts)
	s.checkRouteMembership(runID, jobs, snap.Routes)

	planner := NewPlanner(cal, s.logger)
	plan := planner.Plan(PlanInput{
		Jobs:      jobs,
		BaseStart: baseStart,
		PinToBase: opts.Nuclear,
	})

	// Cancellation boundary: last chance to bail with no persisted effect.
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("run cancelled: %v", err))
	}

	applied, err := s.snapshotRepo.ApplyUpdates(plan.Updates, ApplyOptions{
		Commit:      opts.Commit,
		OnlyIfUnset: opts.OnlyIfUnset,
		AsProposed:  opts.Proposed,
	})
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("apply plan: %v", err))
	}

	failures := append(plan.Failures, applied.Failures...)
	result := &RunResult{
		RunID:     runID,
		Scheduled: len(plan.Updates),
		Applied:   ApplyResult{Updated: applied.Updated, Skipped: applied.Skipped},
		BaseStart: baseStart,
		Wiped:     wiped,
		Failures:  failures,
	}

	s.logger.Printf("[schedule] run %s: scheduled=%d updated=%d skipped=%d failures=%d baseStart=%s",
		runID, result.Scheduled, result.Applied.Updated, result.Applied.Skipped,
		len(result.Failures), baseStart.UTC().Format(time.RFC3339))

	return result, nil
}

// checkRouteMembership flags stage instances that fall outside their job
// category's standard routing. Orders on the instances themselves win, so
// this only warns; jobs are planned as they stand.
func (s *Service) checkRouteMembership(runID string, jobs []ProductionJob, routes []StageRoute) {
	if len(routes) == 0 {
		return
	}

	byCategory := make(map[string]map[string]bool)
	for _, rt := range routes {
		stages := byCategory[rt.CategoryID]
		if stages == nil {
			stages = make(map[string]bool)
			byCategory[rt.CategoryID] = stages
		}
		stages[rt.ProductionStageID] = true
	}

	for _, job := range jobs {
		if job.CategoryID == nil {
			continue
		}
		stages, ok := byCategory[*job.CategoryID]
		if !ok {
			continue
		}
		for _, stage := range job.Stages {
			if !stages[stage.ProductionStageID] {
				s.logger.Printf("[schedule] run %s: job %s stage %q outside category %s routing",
					runID, job.WoNo, stage.StageName, *job.CategoryID)
			}
		}
	}
}

// filterJobs applies the onlyJobIds and division run restrictions.
func filterJobs(jobs []ProductionJob, opts RunOptions) []ProductionJob {
	if len(opts.OnlyJobIDs) == 0 && opts.Division == "" {
		return jobs
	}

	only := make(map[string]bool, len(opts.OnlyJobIDs))
	for _, id := range opts.OnlyJobIDs {
		only[id] = true
	}

	filtered := make([]ProductionJob, 0, len(jobs))
	for _, job := range jobs {
		if len(only) > 0 && !only[job.ID] {
			continue
		}
		if opts.Division != "" {
			if job.Division == nil || *job.Division != opts.Division {
				continue
			}
		}
		filtered = append(filtered, job)
	}
	return filtered
}

func (s *Service) publish(payload map[string]any) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(payload)
}

// ==========================================================================
// Snapshot & Run History Queries
// ==========================================================================

// Snapshot returns the planner input view.
func (s *Service) Snapshot() (*Snapshot, error) {
	snap, err := s.snapshotRepo.LoadSnapshot()
	if err != nil {
		return nil, apperrors.NewSnapshotError(fmt.Sprintf("load snapshot: %v", err))
	}
	return snap, nil
}

// GetRun retrieves a run history row.
func (s *Service) GetRun(runID string) (*ScheduleRun, error) {
	run, err := s.runsRepo.GetByID(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &RunNotFoundError{RunID: runID}
	}
	return run, nil
}

// ListRuns retrieves run history, newest first.
func (s *Service) ListRuns(filters RunQueryFilters) ([]ScheduleRun, int, error) {
	return s.runsRepo.List(filters)
}

// ==========================================================================
// Calendar Administration
// ==========================================================================

// ListShifts retrieves shifts with pagination.
func (s *Service) ListShifts(limit, offset int) ([]ShiftRow, int, error) {
	return s.calendarRepo.ListShifts(limit, offset)
}

// CreateShift creates a shift.
func (s *Service) CreateShift(input CreateShiftInput) (*ShiftRow, error) {
	return s.calendarRepo.CreateShift(input)
}

// UpdateShift updates a shift.
func (s *Service) UpdateShift(id int64, input UpdateShiftInput) (*ShiftRow, error) {
	shift, err := s.calendarRepo.UpdateShift(id, input)
	if err != nil {
		return nil, err
	}
	if shift == nil {
		return nil, &ShiftNotFoundError{ShiftID: id}
	}
	return shift, nil
}

// DeleteShift deletes a shift.
func (s *Service) DeleteShift(id int64) error {
	err := s.calendarRepo.DeleteShift(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &ShiftNotFoundError{ShiftID: id}
		}
		return err
	}
	return nil
}

// ListBreaks retrieves breaks with pagination.
func (s *Service) ListBreaks(limit, offset int) ([]BreakRow, int, error) {
	return s.calendarRepo.ListBreaks(limit, offset)
}

// CreateBreak creates a break.
func (s *Service) CreateBreak(input CreateBreakInput) (*BreakRow, error) {
	return s.calendarRepo.CreateBreak(input)
}

// DeleteBreak deletes a break.
func (s *Service) DeleteBreak(id int64) error {
	err := s.calendarRepo.DeleteBreak(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &BreakNotFoundError{BreakID: id}
		}
		return err
	}
	return nil
}

// ListHolidays retrieves holidays with pagination.
func (s *Service) ListHolidays(limit, offset int) ([]HolidayRow, int, error) {
	return s.calendarRepo.ListHolidays(limit, offset)
}

// CreateHoliday creates a holiday.
func (s *Service) CreateHoliday(input CreateHolidayInput) (*HolidayRow, error) {
	return s.calendarRepo.CreateHoliday(input)
}

// DeleteHoliday deletes a holiday.
func (s *Service) DeleteHoliday(id int64) error {
	err := s.calendarRepo.DeleteHoliday(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &HolidayNotFoundError{HolidayID: id}
		}
		return err
	}
	return nil
}

// CalendarPreview computes the working windows the planner would see,
// day by day from the given local date.
func (s *Service) CalendarPreview(from time.Time, days int) ([]calendar.DayPreview, error) {
	shifts, breaks, holidays, err := s.snapshotRepo.LoadCalendarInputs()
	if err != nil {
		return nil, apperrors.NewSnapshotError(fmt.Sprintf("load calendar: %v", err))
	}

	cal, err := s.buildCalendar(shifts, breaks, holidays)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("build calendar: %v", err))
	}

	return cal.Preview(from, days), nil
}

func (s *Service) buildCalendar(shifts []calendar.Shift, breaks []calendar.Break, holidays []calendar.Holiday) (*calendar.Calendar, error) {
	return calendar.New(s.cfg.Location(), shifts, breaks, holidays, s.horizonDays())
}

// ==========================================================================
// Settings Overrides
// ==========================================================================

func (s *Service) settingValue(key string) (string, bool) {
	var value string
	err := s.reader.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

func (s *Service) autoRunOnlyIfUnset() bool {
	if v, ok := s.settingValue("auto_run_only_if_unset"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return true
}

func (s *Service) horizonDays() int {
	if v, ok := s.settingValue("horizon_days"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return s.cfg.ScheduleHorizonDays
}

// ==========================================================================
// Event & Source Names
// ==========================================================================

// Feed event types published to the live schedule feed.
const (
	EventRunCompleted  = "run_completed"
	EventScheduleWiped = "schedule_wiped"
)

// SourceCronAuto marks runs fired by the in-process auto-run trigger.
const SourceCronAuto = "cron_auto"

// RunHistoryRetentionDays bounds the schedule_runs table. Rows older than
// this are swept after each completed run.
const RunHistoryRetentionDays = 90

// ==========================================================================
// Error Types
// ==========================================================================

// RunNotFoundError is returned when a run history row is not found.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

// ShiftNotFoundError is returned when a shift is not found.
type ShiftNotFoundError struct {
	ShiftID int64
}

func (e *ShiftNotFoundError) Error() string {
	return fmt.Sprintf("shift not found: %d", e.ShiftID)
}

// BreakNotFoundError is returned when a break is not found.
type BreakNotFoundError struct {
	BreakID int64
}

func (e *BreakNotFoundError) Error() string {
	return fmt.Sprintf("break not found: %d", e.BreakID)
}

// HolidayNotFoundError is returned when a holiday is not found.
type HolidayNotFoundError struct {
	HolidayID int64
}

func (e *HolidayNotFoundError) Error() string {
	return fmt.Sprintf("holiday not found: %d", e.HolidayID)
}
