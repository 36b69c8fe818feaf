package schedule

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mhartley/printflow-go/internal/apperrors"
	"github.com/mhartley/printflow-go/internal/calendar"
)

// ==========================================================================
// Run History Types (not defined in types.go)
// ==========================================================================

// Run statuses as persisted on schedule_runs.status.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
)

// ScheduleRun is one recorded scheduler invocation.
type ScheduleRun struct {
	RunID          string         `json:"run_id"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Status         string         `json:"status"`
	Source         string         `json:"source"`
	BaseStart      *time.Time     `json:"base_start,omitempty"`
	ScheduledCount int            `json:"scheduled_count"`
	AppliedCount   int            `json:"applied_count"`
	Options        RunOptions     `json:"options"`
	Failures       []StageFailure `json:"failures,omitempty"`
	Error          *string        `json:"error,omitempty"`
}

// RunQueryFilters contains optional filters for querying run history.
type RunQueryFilters struct {
	Source string `json:"source,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ErrDuplicateHoliday reports an insert for a date that already has a holiday.
var ErrDuplicateHoliday = errors.New("a holiday already exists for that date")

// ==========================================================================
// SnapshotRepository: planner input
// ==========================================================================

// LoadSnapshot reads everything the planner consumes as one consistent view:
// calendar primitives, stage routes, and jobs with their stage instances.
// All queries run inside a single read transaction so a concurrent apply or
// wipe cannot tear the snapshot.
func (r *SnapshotRepository) LoadSnapshot() (*Snapshot, error) {
	tx, err := r.reader.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	shifts, err := loadShifts(tx)
	if err != nil {
		return nil, err
	}

	breaks, err := loadBreaks(tx)
	if err != nil {
		return nil, err
	}

	holidays, err := loadHolidays(tx)
	if err != nil {
		return nil, err
	}

	routes, err := loadRoutes(tx)
	if err != nil {
		return nil, err
	}

	jobs, err := r.loadJobs(tx)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Meta: SnapshotMeta{
			GeneratedAt: time.Now().UTC(),
			Breaks:      breaks,
		},
		Shifts:   shifts,
		Holidays: holidays,
		Routes:   routes,
		Jobs:     jobs,
	}, nil
}

// LoadCalendarInputs reads just the calendar primitives, for callers that
// need working-time arithmetic without the full job snapshot.
func (r *SnapshotRepository) LoadCalendarInputs() ([]calendar.Shift, []calendar.Break, []calendar.Holiday, error) {
	tx, err := r.reader.Begin()
	if err != nil {
		return nil, nil, nil, err
	}
	defer tx.Rollback()

	shifts, err := loadShifts(tx)
	if err != nil {
		return nil, nil, nil, err
	}

	breaks, err := loadBreaks(tx)
	if err != nil {
		return nil, nil, nil, err
	}

	holidays, err := loadHolidays(tx)
	if err != nil {
		return nil, nil, nil, err
	}

	return shifts, breaks, holidays, nil
}

func loadShifts(tx *sql.Tx) ([]calendar.Shift, error) {
	rows, err := tx.Query(`
		SELECT day_of_week, start_time, end_time
		FROM shifts
		WHERE is_working_day = 1
		ORDER BY day_of_week, start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shifts []calendar.Shift
	for rows.Next() {
		var s calendar.Shift
		if err := rows.Scan(&s.DayOfWeek, &s.StartTime, &s.EndTime); err != nil {
			return nil, err
		}
		shifts = append(shifts, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if shifts == nil {
		shifts = []calendar.Shift{}
	}

	return shifts, nil
}

func loadBreaks(tx *sql.Tx) ([]calendar.Break, error) {
	rows, err := tx.Query(`
		SELECT start_time, minutes
		FROM shift_breaks
		ORDER BY start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaks []calendar.Break
	for rows.Next() {
		var b calendar.Break
		if err := rows.Scan(&b.StartTime, &b.Minutes); err != nil {
			return nil, err
		}
		breaks = append(breaks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if breaks == nil {
		breaks = []calendar.Break{}
	}

	return breaks, nil
}

func loadHolidays(tx *sql.Tx) ([]calendar.Holiday, error) {
	rows, err := tx.Query(`
		SELECT holiday_date, name
		FROM public_holidays
		ORDER BY holiday_date
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holidays []calendar.Holiday
	for rows.Next() {
		var h calendar.Holiday
		if err := rows.Scan(&h.Date, &h.Name); err != nil {
			return nil, err
		}
		holidays = append(holidays, h)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if holidays == nil {
		holidays = []calendar.Holiday{}
	}

	return holidays, nil
}

func loadRoutes(tx *sql.Tx) ([]StageRoute, error) {
	rows, err := tx.Query(`
		SELECT category_id, production_stage_id, stage_order
		FROM stage_routes
		ORDER BY category_id, stage_order
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []StageRoute
	for rows.Next() {
		var rt StageRoute
		if err := rows.Scan(&rt.CategoryID, &rt.ProductionStageID, &rt.StageOrder); err != nil {
			return nil, err
		}
		routes = append(routes, rt)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if routes == nil {
		routes = []StageRoute{}
	}

	return routes, nil
}

// loadJobs returns all production jobs with their stage instances attached.
// Jobs come back in FIFO presentation order (approved first, then by id);
// unapproved jobs trail the list so the snapshot endpoint still shows them.
func (r *SnapshotRepository) loadJobs(tx *sql.Tx) ([]ProductionJob, error) {
	rows, err := tx.Query(`
		SELECT id, wo_no, customer, qty, due_date, division, category_id, proof_approved_at
		FROM production_jobs
		ORDER BY (proof_approved_at IS NULL), proof_approved_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []ProductionJob
	for rows.Next() {
		job, err := r.scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if jobs == nil {
		jobs = []ProductionJob{}
	}

	stagesByJob, err := r.loadStages(tx)
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		stages := stagesByJob[jobs[i].ID]
		if stages == nil {
			stages = []StageInstance{}
		}
		jobs[i].Stages = stages
	}

	return jobs, nil
}

// loadStages reads every stage instance, joined to the resource name the
// planner matches its exclusion list against, grouped by job id.
func (r *SnapshotRepository) loadStages(tx *sql.Tx) (map[string][]StageInstance, error) {
	rows, err := tx.Query(`
		SELECT s.id, s.job_id, s.production_stage_id, p.name, s.stage_order, s.status,
			s.estimated_minutes, s.setup_minutes, s.part_assignment, s.dependency_group,
			s.scheduled_start_at, s.scheduled_end_at, s.scheduled_minutes, s.schedule_status
		FROM job_stage_instances s
		LEFT JOIN production_stages p ON p.id = s.production_stage_id
		ORDER BY s.job_id, (s.stage_order IS NULL), s.stage_order, s.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stagesByJob := make(map[string][]StageInstance)
	for rows.Next() {
		stage, err := r.scanStageRows(rows)
		if err != nil {
			return nil, err
		}
		stagesByJob[stage.JobID] = append(stagesByJob[stage.JobID], *stage)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stagesByJob, nil
}

func (r *SnapshotRepository) scanJobRows(rows *sql.Rows) (*ProductionJob, error) {
	var job ProductionJob
	var customer sql.NullString
	var qty sql.NullInt64
	var dueDate sql.NullString
	var division sql.NullString
	var categoryID sql.NullString
	var proofApprovedAt sql.NullString

	err := rows.Scan(
		&job.ID,
		&job.WoNo,
		&customer,
		&qty,
		&dueDate,
		&division,
		&categoryID,
		&proofApprovedAt,
	)
	if err != nil {
		return nil, err
	}

	return r.parseJob(&job, customer, qty, dueDate, division, categoryID, proofApprovedAt)
}

func (r *SnapshotRepository) parseJob(job *ProductionJob, customer sql.NullString, qty sql.NullInt64, dueDate, division, categoryID, proofApprovedAt sql.NullString) (*ProductionJob, error) {
	if customer.Valid {
		job.Customer = &customer.String
	}

	if qty.Valid {
		q := int(qty.Int64)
		job.Qty = &q
	}

	if dueDate.Valid {
		t, err := time.Parse(time.RFC3339, dueDate.String)
		if err != nil {
			t, _ = time.Parse("2006-01-02", dueDate.String)
		}
		job.DueDate = &t
	}

	if division.Valid {
		job.Division = &division.String
	}

	if categoryID.Valid {
		job.CategoryID = &categoryID.String
	}

	if proofApprovedAt.Valid {
		t, err := time.Parse(time.RFC3339, proofApprovedAt.String)
		if err != nil {
			t, _ = time.Parse("2006-01-02 15:04:05", proofApprovedAt.String)
		}
		job.ProofApprovedAt = &t
	}

	return job, nil
}

func (r *SnapshotRepository) scanStageRows(rows *sql.Rows) (*StageInstance, error) {
	var stage StageInstance
	var stageName sql.NullString
	var stageOrder sql.NullInt64
	var estimatedMinutes, setupMinutes sql.NullFloat64
	var partAssignment, dependencyGroup sql.NullString
	var scheduledStartAt, scheduledEndAt sql.NullString
	var scheduledMinutes sql.NullFloat64
	var scheduleStatus sql.NullString

	err := rows.Scan(
		&stage.ID,
		&stage.JobID,
		&stage.ProductionStageID,
		&stageName,
		&stageOrder,
		&stage.Status,
		&estimatedMinutes,
		&setupMinutes,
		&partAssignment,
		&dependencyGroup,
		&scheduledStartAt,
		&scheduledEndAt,
		&scheduledMinutes,
		&scheduleStatus,
	)
	if err != nil {
		return nil, err
	}

	return r.parseStage(&stage, stageName, stageOrder, estimatedMinutes, setupMinutes, partAssignment, dependencyGroup, scheduledStartAt, scheduledEndAt, scheduledMinutes, scheduleStatus)
}

func (r *SnapshotRepository) parseStage(stage *StageInstance, stageName sql.NullString, stageOrder sql.NullInt64, estimatedMinutes, setupMinutes sql.NullFloat64, partAssignment, dependencyGroup, scheduledStartAt, scheduledEndAt sql.NullString, scheduledMinutes sql.NullFloat64, scheduleStatus sql.NullString) (*StageInstance, error) {
	// Orphaned resource id still needs a name for exclusion matching.
	stage.StageName = stage.ProductionStageID
	if stageName.Valid {
		stage.StageName = stageName.String
	}

	if stageOrder.Valid {
		o := int(stageOrder.Int64)
		stage.StageOrder = &o
	}

	if estimatedMinutes.Valid {
		stage.EstimatedMinutes = estimatedMinutes.Float64
	}

	if setupMinutes.Valid {
		stage.SetupMinutes = setupMinutes.Float64
	}

	if partAssignment.Valid {
		stage.PartAssignment = &partAssignment.String
	}

	if dependencyGroup.Valid {
		stage.DependencyGroup = &dependencyGroup.String
	}

	if scheduledStartAt.Valid {
		t, err := time.Parse(time.RFC3339, scheduledStartAt.String)
		if err != nil {
			t, _ = time.Parse("2006-01-02 15:04:05", scheduledStartAt.String)
		}
		stage.ScheduledStartAt = &t
	}

	if scheduledEndAt.Valid {
		t, err := time.Parse(time.RFC3339, scheduledEndAt.String)
		if err != nil {
			t, _ = time.Parse("2006-01-02 15:04:05", scheduledEndAt.String)
		}
		stage.ScheduledEndAt = &t
	}

	if scheduledMinutes.Valid {
		stage.ScheduledMinutes = &scheduledMinutes.Float64
	}

	if scheduleStatus.Valid {
		stage.ScheduleStatus = &scheduleStatus.String
	}

	return stage, nil
}

// ==========================================================================
// SnapshotRepository: plan applier
// ==========================================================================

// ApplyUpdates persists computed placements onto their stage rows.
//
// Each row is written independently: a failed row is recorded and the rest
// still land, so one bad stage never rolls back a whole run. With OnlyIfUnset
// the UPDATE itself guards on scheduled_start_at IS NULL, which makes the
// check-and-write atomic against concurrent runs. Without Commit nothing is
// written; the result reports what a committed run would have touched.
func (r *SnapshotRepository) ApplyUpdates(updates []PlacementUpdate, opts ApplyOptions) (ApplyResult, error) {
	var result ApplyResult

	status := string(ScheduleStatusScheduled)
	if opts.AsProposed {
		status = string(ScheduleStatusProposed)
	}

	if !opts.Commit {
		if !opts.OnlyIfUnset {
			result.Updated = len(updates)
			return result, nil
		}
		for _, u := range updates {
			var alreadySet int
			err := r.reader.QueryRow(`
				SELECT scheduled_start_at IS NOT NULL
				FROM job_stage_instances
				WHERE id = ?
			`, u.ID).Scan(&alreadySet)
			if errors.Is(err, sql.ErrNoRows) {
				result.Skipped++
				continue
			}
			if err != nil {
				return result, err
			}
			if alreadySet == 1 {
				result.Skipped++
				continue
			}
			result.Updated++
		}
		return result, nil
	}

	now := nowISO()
	for _, u := range updates {
		query := `
			UPDATE job_stage_instances
			SET scheduled_start_at = ?, scheduled_end_at = ?, scheduled_minutes = ?,
				schedule_status = ?, updated_at = ?
			WHERE id = ?
		`
		if opts.OnlyIfUnset {
			query += " AND scheduled_start_at IS NULL"
		}

		res, err := r.writer.Exec(query,
			u.StartAt.UTC().Format(time.RFC3339),
			u.EndAt.UTC().Format(time.RFC3339),
			u.Minutes,
			status,
			now,
			u.ID,
		)
		if err != nil {
			result.Failures = append(result.Failures, StageFailure{
				StageID: u.ID,
				Code:    string(apperrors.ErrorCodeWriteFailed),
				Error:   err.Error(),
			})
			continue
		}

		affected, err := res.RowsAffected()
		if err != nil {
			result.Failures = append(result.Failures, StageFailure{
				StageID: u.ID,
				Code:    string(apperrors.ErrorCodeWriteFailed),
				Error:   err.Error(),
			})
			continue
		}

		if affected == 0 {
			if opts.OnlyIfUnset {
				result.Skipped++
				continue
			}
			result.Failures = append(result.Failures, StageFailure{
				StageID: u.ID,
				Code:    string(apperrors.ErrorCodeWriteFailed),
				Error:   "stage instance not found",
			})
			continue
		}

		result.Updated++
	}

	return result, nil
}

// WipeSchedule nulls the scheduling output fields ahead of a nuclear replan.
// With wipeAll every row holding any scheduling residue is cleared; otherwise
// only rows whose scheduled_start_at falls on or after from. Returns the
// number of rows cleared.
func (r *SnapshotRepository) WipeSchedule(wipeAll bool, from time.Time) (int64, error) {
	now := nowISO()

	var res sql.Result
	var err error
	if wipeAll {
		res, err = r.writer.Exec(`
			UPDATE job_stage_instances
			SET scheduled_start_at = NULL, scheduled_end_at = NULL,
				scheduled_minutes = NULL, schedule_status = NULL, updated_at = ?
			WHERE scheduled_start_at IS NOT NULL OR scheduled_end_at IS NOT NULL
				OR scheduled_minutes IS NOT NULL OR schedule_status IS NOT NULL
		`, now)
	} else {
		res, err = r.writer.Exec(`
			UPDATE job_stage_instances
			SET scheduled_start_at = NULL, scheduled_end_at = NULL,
				scheduled_minutes = NULL, schedule_status = NULL, updated_at = ?
			WHERE scheduled_start_at IS NOT NULL AND scheduled_start_at >= ?
		`, now, from.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// ==========================================================================
// RunsRepository: run history
// ==========================================================================

// RunsRepository records one row per scheduler invocation.
type RunsRepository struct {
	reader *sql.DB
	writer *sql.DB
}

// NewRunsRepository creates a new RunsRepository.
func NewRunsRepository(dbPair DBPair) *RunsRepository {
	return &RunsRepository{reader: dbPair.Reader(), writer: dbPair.Writer()}
}

// Create inserts a RUNNING row for a run that is about to execute.
func (r *RunsRepository) Create(opts RunOptions) (*ScheduleRun, error) {
	runID := uuid.New().String()
	now := nowISO()

	source := opts.Source
	if source == "" {
		source = "manual"
	}

	optionsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}

	_, err = r.writer.Exec(`
		INSERT INTO schedule_runs (run_id, started_at, status, source, options)
		VALUES (?, ?, ?, ?, ?)
	`, runID, now, RunStatusRunning, source, string(optionsJSON))
	if err != nil {
		return nil, err
	}

	return r.GetByID(runID)
}

// Complete marks a run SUCCEEDED and stores its counts and failure list.
func (r *RunsRepository) Complete(runID string, result *RunResult) error {
	failures := result.Failures
	if failures == nil {
		failures = []StageFailure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return err
	}

	_, err = r.writer.Exec(`
		UPDATE schedule_runs
		SET finished_at = ?, status = ?, base_start = ?,
			scheduled_count = ?, applied_count = ?, failures = ?
		WHERE run_id = ?
	`, nowISO(), RunStatusSucceeded, result.BaseStart.UTC().Format(time.RFC3339),
		result.Scheduled, result.Applied.Updated, string(failuresJSON), runID)
	return err
}

// PruneOldRuns deletes run history rows older than retentionDays.
// Returns number of rows deleted.
func (r *RunsRepository) PruneOldRuns(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	result, err := r.writer.Exec(`
		DELETE FROM schedule_runs
		WHERE started_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// Fail marks a run FAILED with its terminal error.
func (r *RunsRepository) Fail(runID string, runErr error) error {
	_, err := r.writer.Exec(`
		UPDATE schedule_runs
		SET finished_at = ?, status = ?, error = ?
		WHERE run_id = ?
	`, nowISO(), RunStatusFailed, runErr.Error(), runID)
	return err
}

// GetByID retrieves a run by ID. Returns nil, nil if not found.
func (r *RunsRepository) GetByID(runID string) (*ScheduleRun, error) {
	row := r.reader.QueryRow(`
		SELECT run_id, started_at, finished_at, status, source, base_start,
			scheduled_count, applied_count, options, failures, error
		FROM schedule_runs
		WHERE run_id = ?
	`, runID)

	return r.scanRunRow(row)
}

// List retrieves runs matching filters, newest first.
// Returns runs, total count, and error.
func (r *RunsRepository) List(filters RunQueryFilters) ([]ScheduleRun, int, error) {
	whereClause, args := r.buildWhereClause(filters)

	countQuery := "SELECT COUNT(*) FROM schedule_runs " + whereClause
	var total int
	err := r.reader.QueryRow(countQuery, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT run_id, started_at, finished_at, status, source, base_start,
			scheduled_count, applied_count, options, failures, error
		FROM schedule_runs
		` + whereClause + `
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	queryArgs := append(args, limit, filters.Offset)

	rows, err := r.reader.Query(query, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []ScheduleRun
	for rows.Next() {
		run, err := r.scanRunRows(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if runs == nil {
		runs = []ScheduleRun{}
	}

	return runs, total, nil
}

// buildWhereClause builds a dynamic WHERE clause based on provided filters.
func (r *RunsRepository) buildWhereClause(filters RunQueryFilters) (string, []any) {
	conditions := []string{}
	args := []any{}

	if filters.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filters.Source)
	}
	if filters.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filters.Status)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	return whereClause, args
}

func (r *RunsRepository) scanRunRow(row *sql.Row) (*ScheduleRun, error) {
	var run ScheduleRun
	var startedAt string
	var finishedAt sql.NullString
	var baseStart sql.NullString
	var optionsJSON, failuresJSON string
	var errMsg sql.NullString

	err := row.Scan(
		&run.RunID,
		&startedAt,
		&finishedAt,
		&run.Status,
		&run.Source,
		&baseStart,
		&run.ScheduledCount,
		&run.AppliedCount,
		&optionsJSON,
		&failuresJSON,
		&errMsg,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return r.parseRun(&run, startedAt, finishedAt, baseStart, optionsJSON, failuresJSON, errMsg)
}

func (r *RunsRepository) scanRunRows(rows *sql.Rows) (*ScheduleRun, error) {
	var run ScheduleRun
	var startedAt string
	var finishedAt sql.NullString
	var baseStart sql.NullString
	var optionsJSON, failuresJSON string
	var errMsg sql.NullString

	err := rows.Scan(
		&run.RunID,
		&startedAt,
		&finishedAt,
		&run.Status,
		&run.Source,
		&baseStart,
		&run.ScheduledCount,
		&run.AppliedCount,
		&optionsJSON,
		&failuresJSON,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	return r.parseRun(&run, startedAt, finishedAt, baseStart, optionsJSON, failuresJSON, errMsg)
}

func (r *RunsRepository) parseRun(run *ScheduleRun, startedAt string, finishedAt, baseStart sql.NullString, optionsJSON, failuresJSON string, errMsg sql.NullString) (*ScheduleRun, error) {
	var err error
	run.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		run.StartedAt, _ = time.Parse("2006-01-02 15:04:05", startedAt)
	}

	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			t, _ = time.Parse("2006-01-02 15:04:05", finishedAt.String)
		}
		run.FinishedAt = &t
	}

	if baseStart.Valid {
		t, err := time.Parse(time.RFC3339, baseStart.String)
		if err != nil {
			t, _ = time.Parse("2006-01-02 15:04:05", baseStart.String)
		}
		run.BaseStart = &t
	}

	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &run.Options); err != nil {
			return nil, err
		}
	}

	if failuresJSON != "" {
		if err := json.Unmarshal([]byte(failuresJSON), &run.Failures); err != nil {
			return nil, err
		}
	}

	if errMsg.Valid {
		run.Error = &errMsg.String
	}

	return run, nil
}

// ==========================================================================
// CalendarRepository: shifts
// ==========================================================================

// ListShifts returns shift rows ordered by weekday and start time.
func (r *CalendarRepository) ListShifts(limit, offset int) ([]ShiftRow, int, error) {
	var total int
	err := r.reader.QueryRow("SELECT COUNT(*) FROM shifts").Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.reader.Query(`
		SELECT id, day_of_week, start_time, end_time, is_working_day
		FROM shifts
		ORDER BY day_of_week, start_time
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var shifts []ShiftRow
	for rows.Next() {
		var s ShiftRow
		if err := rows.Scan(&s.ID, &s.DayOfWeek, &s.StartTime, &s.EndTime, &s.IsWorkingDay); err != nil {
			return nil, 0, err
		}
		shifts = append(shifts, s)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if shifts == nil {
		shifts = []ShiftRow{}
	}

	return shifts, total, nil
}

// GetShift retrieves a shift by ID. Returns nil, nil if not found.
func (r *CalendarRepository) GetShift(id int64) (*ShiftRow, error) {
	var s ShiftRow
	err := r.reader.QueryRow(`
		SELECT id, day_of_week, start_time, end_time, is_working_day
		FROM shifts
		WHERE id = ?
	`, id).Scan(&s.ID, &s.DayOfWeek, &s.StartTime, &s.EndTime, &s.IsWorkingDay)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// CreateShift creates a new shift.
func (r *CalendarRepository) CreateShift(input CreateShiftInput) (*ShiftRow, error) {
	working := true
	if input.IsWorkingDay != nil {
		working = *input.IsWorkingDay
	}

	now := nowISO()
	res, err := r.writer.Exec(`
		INSERT INTO shifts (day_of_week, start_time, end_time, is_working_day, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, input.DayOfWeek, input.StartTime, input.EndTime, working, now, now)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return r.GetShift(id)
}

// UpdateShift updates a shift. Returns nil, nil if not found.
func (r *CalendarRepository) UpdateShift(id int64, input UpdateShiftInput) (*ShiftRow, error) {
	existing, err := r.GetShift(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	dayOfWeek := existing.DayOfWeek
	if input.DayOfWeek != nil {
		dayOfWeek = *input.DayOfWeek
	}

	startTime := existing.StartTime
	if input.StartTime != nil {
		startTime = *input.StartTime
	}

	endTime := existing.EndTime
	if input.EndTime != nil {
		endTime = *input.EndTime
	}

	working := existing.IsWorkingDay
	if input.IsWorkingDay != nil {
		working = *input.IsWorkingDay
	}

	_, err = r.writer.Exec(`
		UPDATE shifts SET day_of_week = ?, start_time = ?, end_time = ?, is_working_day = ?, updated_at = ?
		WHERE id = ?
	`, dayOfWeek, startTime, endTime, working, nowISO(), id)
	if err != nil {
		return nil, err
	}

	return r.GetShift(id)
}

// DeleteShift deletes a shift.
func (r *CalendarRepository) DeleteShift(id int64) error {
	result, err := r.writer.Exec("DELETE FROM shifts WHERE id = ?", id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// ==========================================================================
// CalendarRepository: breaks
// ==========================================================================

// ListBreaks returns break rows ordered by start time.
func (r *CalendarRepository) ListBreaks(limit, offset int) ([]BreakRow, int, error) {
	var total int
	err := r.reader.QueryRow("SELECT COUNT(*) FROM shift_breaks").Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.reader.Query(`
		SELECT id, start_time, minutes
		FROM shift_breaks
		ORDER BY start_time
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var breaks []BreakRow
	for rows.Next() {
		var b BreakRow
		if err := rows.Scan(&b.ID, &b.StartTime, &b.Minutes); err != nil {
			return nil, 0, err
		}
		breaks = append(breaks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if breaks == nil {
		breaks = []BreakRow{}
	}

	return breaks, total, nil
}

// GetBreak retrieves a break by ID. Returns nil, nil if not found.
func (r *CalendarRepository) GetBreak(id int64) (*BreakRow, error) {
	var b BreakRow
	err := r.reader.QueryRow(`
		SELECT id, start_time, minutes
		FROM shift_breaks
		WHERE id = ?
	`, id).Scan(&b.ID, &b.StartTime, &b.Minutes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// CreateBreak creates a new break.
func (r *CalendarRepository) CreateBreak(input CreateBreakInput) (*BreakRow, error) {
	res, err := r.writer.Exec(`
		INSERT INTO shift_breaks (start_time, minutes, created_at)
		VALUES (?, ?, ?)
	`, input.StartTime, input.Minutes, nowISO())
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return r.GetBreak(id)
}

// DeleteBreak deletes a break.
func (r *CalendarRepository) DeleteBreak(id int64) error {
	result, err := r.writer.Exec("DELETE FROM shift_breaks WHERE id = ?", id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// ==========================================================================
// CalendarRepository: holidays
// ==========================================================================

// ListHolidays returns holiday rows ordered by date.
func (r *CalendarRepository) ListHolidays(limit, offset int) ([]HolidayRow, int, error) {
	var total int
	err := r.reader.QueryRow("SELECT COUNT(*) FROM public_holidays").Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.reader.Query(`
		SELECT id, holiday_date, name
		FROM public_holidays
		ORDER BY holiday_date
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var holidays []HolidayRow
	for rows.Next() {
		var h HolidayRow
		if err := rows.Scan(&h.ID, &h.Date, &h.Name); err != nil {
			return nil, 0, err
		}
		holidays = append(holidays, h)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if holidays == nil {
		holidays = []HolidayRow{}
	}

	return holidays, total, nil
}

// GetHoliday retrieves a holiday by ID. Returns nil, nil if not found.
func (r *CalendarRepository) GetHoliday(id int64) (*HolidayRow, error) {
	var h HolidayRow
	err := r.reader.QueryRow(`
		SELECT id, holiday_date, name
		FROM public_holidays
		WHERE id = ?
	`, id).Scan(&h.ID, &h.Date, &h.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

// CreateHoliday creates a new holiday. The date is unique; inserting a second
// holiday on the same date returns ErrDuplicateHoliday.
func (r *CalendarRepository) CreateHoliday(input CreateHolidayInput) (*HolidayRow, error) {
	var existing int
	err := r.reader.QueryRow("SELECT COUNT(*) FROM public_holidays WHERE holiday_date = ?", input.Date).Scan(&existing)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrDuplicateHoliday
	}

	res, err := r.writer.Exec(`
		INSERT INTO public_holidays (holiday_date, name, created_at)
		VALUES (?, ?, ?)
	`, input.Date, input.Name, nowISO())
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return r.GetHoliday(id)
}

// DeleteHoliday deletes a holiday.
func (r *CalendarRepository) DeleteHoliday(id int64) error {
	result, err := r.writer.Exec("DELETE FROM public_holidays WHERE id = ?", id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
