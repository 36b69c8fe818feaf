package schedule

import (
	"database/sql"
	"time"

	"github.com/mhartley/printflow-go/internal/calendar"
)

// ==========================================================================
// Status Types
// ==========================================================================

// ScheduleStatus marks how a placement was persisted.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusProposed  ScheduleStatus = "proposed"
)

// Stage statuses the planner will place. Everything else (completed,
// unscheduled, on hold) is left untouched.
const (
	StageStatusPending = "pending"
	StageStatusActive  = "active"
)

// MissingStageOrder is the sort key for stages without an explicit order;
// they sink to the end of their job.
const MissingStageOrder = 9999

// ==========================================================================
// Domain Types
// ==========================================================================

// ProductionJob is a print work-order with its stage instances.
// Only jobs with an approved proof are eligible for scheduling; FIFO order
// across jobs is proof_approved_at ascending with id as the tiebreaker.
type ProductionJob struct {
	ID              string          `json:"id"`
	WoNo            string          `json:"wo_no"`
	Customer        *string         `json:"customer,omitempty"`
	Qty             *int            `json:"qty,omitempty"`
	DueDate         *time.Time      `json:"due_date,omitempty"`
	Division        *string         `json:"division,omitempty"`
	CategoryID      *string         `json:"category_id,omitempty"`
	ProofApprovedAt *time.Time      `json:"proof_approved_at,omitempty"`
	Stages          []StageInstance `json:"stages"`
}

// StageInstance is one execution of a production step within a job.
type StageInstance struct {
	ID                string  `json:"id"`
	JobID             string  `json:"job_id"`
	ProductionStageID string  `json:"production_stage_id"`
	StageName         string  `json:"stage_name"`
	StageOrder        *int    `json:"stage_order,omitempty"`
	Status            string  `json:"status"`
	EstimatedMinutes  float64 `json:"estimated_minutes"`
	SetupMinutes      float64 `json:"setup_minutes"`
	PartAssignment    *string `json:"part_assignment,omitempty"`
	DependencyGroup   *string `json:"dependency_group,omitempty"`

	// Scheduling outputs; written by the applier, never by upstream workflows.
	ScheduledStartAt *time.Time `json:"scheduled_start_at,omitempty"`
	ScheduledEndAt   *time.Time `json:"scheduled_end_at,omitempty"`
	ScheduledMinutes *float64   `json:"scheduled_minutes,omitempty"`
	ScheduleStatus   *string    `json:"schedule_status,omitempty"`
}

// StageRoute maps a job category to one step of its standard routing.
// The planner uses it to validate stage membership; orders on the stage
// instances themselves take precedence.
type StageRoute struct {
	CategoryID        string `json:"category_id"`
	ProductionStageID string `json:"production_stage_id"`
	StageOrder        int    `json:"stage_order"`
}

// SnapshotMeta carries snapshot provenance plus the calendar breaks, which
// apply globally rather than per shift.
type SnapshotMeta struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Breaks      []calendar.Break `json:"breaks"`
}

// Snapshot is the single consistent view the planner consumes.
type Snapshot struct {
	Meta     SnapshotMeta       `json:"meta"`
	Shifts   []calendar.Shift   `json:"shifts"`
	Holidays []calendar.Holiday `json:"holidays"`
	Routes   []StageRoute       `json:"routes"`
	Jobs     []ProductionJob    `json:"jobs"`
}

// ==========================================================================
// Planner Output Types
// ==========================================================================

// PlacementUpdate is one computed (stage, start, end, minutes) placement.
type PlacementUpdate struct {
	ID      string    `json:"id"`
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
	Minutes int       `json:"minutes"`
}

// StageFailure records a per-stage planning or write error. The run carries
// on past it; the full list surfaces in the run response.
type StageFailure struct {
	JobID   string `json:"job_id,omitempty"`
	StageID string `json:"stage_id"`
	Stage   string `json:"stage,omitempty"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// ==========================================================================
// Run and Apply Types
// ==========================================================================

// RunOptions are the resolved flags for one scheduler invocation.
type RunOptions struct {
	Commit      bool       `json:"commit"`
	Proposed    bool       `json:"proposed"`
	OnlyIfUnset bool       `json:"only_if_unset"`
	Nuclear     bool       `json:"nuclear"`
	WipeAll     bool       `json:"wipe_all"`
	StartFrom   *time.Time `json:"start_from,omitempty"`
	OnlyJobIDs  []string   `json:"only_job_ids,omitempty"`
	Division    string     `json:"division,omitempty"`
	Source      string     `json:"source,omitempty"`
}

// ApplyOptions control how the applier persists placements.
type ApplyOptions struct {
	Commit      bool
	OnlyIfUnset bool
	AsProposed  bool
}

// ApplyResult reports applier outcome. Skipped counts rows left alone
// because only_if_unset found them already scheduled.
type ApplyResult struct {
	Updated  int            `json:"updated"`
	Skipped  int            `json:"skipped"`
	Failures []StageFailure `json:"failures,omitempty"`
}

// RunResult is the outcome of one scheduler run.
type RunResult struct {
	RunID     string         `json:"run_id"`
	Scheduled int            `json:"scheduled"`
	Applied   ApplyResult    `json:"applied"`
	BaseStart time.Time      `json:"base_start"`
	Wiped     int64          `json:"wiped,omitempty"`
	Failures  []StageFailure `json:"failures,omitempty"`
}

// ==========================================================================
// Calendar Admin Types
// ==========================================================================

// ShiftRow is a persisted shift definition. Rows with is_working_day false
// are kept for admin visibility but contribute no working windows.
type ShiftRow struct {
	ID           int64  `json:"id"`
	DayOfWeek    int    `json:"day_of_week"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	IsWorkingDay bool   `json:"is_working_day"`
}

// BreakRow is a persisted daily break.
type BreakRow struct {
	ID        int64  `json:"id"`
	StartTime string `json:"start_time"`
	Minutes   int    `json:"minutes"`
}

// HolidayRow is a persisted public holiday.
type HolidayRow struct {
	ID   int64  `json:"id"`
	Date string `json:"date"`
	Name string `json:"name"`
}

// CreateShiftInput contains the input for creating a shift.
type CreateShiftInput struct {
	DayOfWeek    int    `json:"day_of_week"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	IsWorkingDay *bool  `json:"is_working_day,omitempty"`
}

// UpdateShiftInput contains the input for updating a shift.
type UpdateShiftInput struct {
	DayOfWeek    *int    `json:"day_of_week,omitempty"`
	StartTime    *string `json:"start_time,omitempty"`
	EndTime      *string `json:"end_time,omitempty"`
	IsWorkingDay *bool   `json:"is_working_day,omitempty"`
}

// CreateBreakInput contains the input for creating a break.
type CreateBreakInput struct {
	StartTime string `json:"start_time"`
	Minutes   int    `json:"minutes"`
}

// CreateHolidayInput contains the input for creating a holiday.
type CreateHolidayInput struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

// ==========================================================================
// Repository Types
// ==========================================================================

// DBPair interface for dependency injection (matches db.DBPair)
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// SnapshotRepository reads the planner input and writes placements.
type SnapshotRepository struct {
	reader *sql.DB
	writer *sql.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(dbPair DBPair) *SnapshotRepository {
	return &SnapshotRepository{reader: dbPair.Reader(), writer: dbPair.Writer()}
}

// CalendarRepository handles database operations for shifts, breaks, and holidays.
type CalendarRepository struct {
	reader *sql.DB
	writer *sql.DB
}

// NewCalendarRepository creates a new CalendarRepository.
func NewCalendarRepository(dbPair DBPair) *CalendarRepository {
	return &CalendarRepository{reader: dbPair.Reader(), writer: dbPair.Writer()}
}
