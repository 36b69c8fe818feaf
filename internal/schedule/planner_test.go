package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mhartley/printflow-go/internal/calendar"
)

// plannerCalendar builds the standard plant week: Mon-Fri 08:00-16:30 with a
// 13:00-13:30 lunch break.
func plannerCalendar(t *testing.T, holidays ...calendar.Holiday) *calendar.Calendar {
	t.Helper()
	shifts := make([]calendar.Shift, 0, 5)
	for d := 1; d <= 5; d++ {
		shifts = append(shifts, calendar.Shift{DayOfWeek: d, StartTime: "08:00", EndTime: "16:30"})
	}
	cal, err := calendar.New(time.UTC, shifts, []calendar.Break{{StartTime: "13:00", Minutes: 30}}, holidays, 30)
	require.NoError(t, err)
	return cal
}

// jan returns a January 2025 UTC instant. Jan 6, 2025 is a Monday.
func jan(day, hour, min int) time.Time {
	return time.Date(2025, 1, day, hour, min, 0, 0, time.UTC)
}

func approvedJob(id string, approvedAt time.Time, stages ...StageInstance) ProductionJob {
	for i := range stages {
		stages[i].JobID = id
	}
	return ProductionJob{ID: id, WoNo: "WO-" + id, ProofApprovedAt: &approvedAt, Stages: stages}
}

func pendingStage(id, resource string, order int, minutes float64) StageInstance {
	return StageInstance{
		ID:                id,
		ProductionStageID: resource,
		StageName:         resource,
		StageOrder:        intPtr(order),
		Status:            StageStatusPending,
		EstimatedMinutes:  minutes,
	}
}

func partStage(id, resource string, order int, minutes float64, part string) StageInstance {
	s := pendingStage(id, resource, order, minutes)
	s.PartAssignment = strPtr(part)
	return s
}

func placedByID(result PlanResult) map[string]PlacementUpdate {
	m := make(map[string]PlacementUpdate, len(result.Updates))
	for _, u := range result.Updates {
		m[u.ID] = u
	}
	return m
}

func TestPlan_SimpleSingleStage(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	job := approvedJob("job-1", jan(6, 7, 30), pendingStage("s1", "R1", 1, 60))
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Empty(t, result.Failures)
	require.Len(t, result.Updates, 1)
	require.Equal(t, jan(6, 8, 0), result.Updates[0].StartAt)
	require.Equal(t, jan(6, 9, 0), result.Updates[0].EndAt)
	require.Equal(t, 60, result.Updates[0].Minutes)
}

func TestPlan_LunchSpanningStage(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	job := approvedJob("job-1", jan(6, 12, 0), pendingStage("s1", "R1", 1, 120))
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Empty(t, result.Failures)
	require.Len(t, result.Updates, 1)
	// 12:00-13:00 before lunch, 13:30-14:30 after; the gap is non-working.
	require.Equal(t, jan(6, 12, 0), result.Updates[0].StartAt)
	require.Equal(t, jan(6, 14, 30), result.Updates[0].EndAt)
	require.Equal(t, 120, result.Updates[0].Minutes)
}

func TestPlan_CrossDayPlacement(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	job := approvedJob("job-1", jan(6, 14, 0), pendingStage("s1", "R1", 1, 600))
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Empty(t, result.Failures)
	require.Len(t, result.Updates, 1)
	// Mon 14:00-16:30 gives 150m; Tue 08:00-13:00 another 300m; the last
	// 150m land after Tuesday's lunch, ending 16:00.
	require.Equal(t, jan(6, 14, 0), result.Updates[0].StartAt)
	require.Equal(t, jan(7, 16, 0), result.Updates[0].EndAt)
	require.Equal(t, 600, result.Updates[0].Minutes)
}

func TestPlan_FIFOOnSharedResource(t *testing.T) {
	// Shift opens at 10:00 so both jobs are waiting when the day starts.
	shifts := make([]calendar.Shift, 0, 5)
	for d := 1; d <= 5; d++ {
		shifts = append(shifts, calendar.Shift{DayOfWeek: d, StartTime: "10:00", EndTime: "16:00"})
	}
	cal, err := calendar.New(time.UTC, shifts, nil, nil, 30)
	require.NoError(t, err)
	p := NewPlanner(cal, nil)

	jobA := approvedJob("job-a", jan(6, 9, 0), pendingStage("a1", "R1", 1, 60))
	jobB := approvedJob("job-b", jan(6, 9, 5), pendingStage("b1", "R1", 1, 60))

	// Input order deliberately reversed; approval order must win.
	result := p.Plan(PlanInput{Jobs: []ProductionJob{jobB, jobA}, BaseStart: jan(6, 8, 0)})

	require.Empty(t, result.Failures)
	placed := placedByID(result)
	require.Equal(t, jan(6, 10, 0), placed["a1"].StartAt)
	require.Equal(t, jan(6, 11, 0), placed["a1"].EndAt)
	require.Equal(t, jan(6, 11, 0), placed["b1"].StartAt)
	require.Equal(t, jan(6, 12, 0), placed["b1"].EndAt)
}

func TestPlan_ApprovalTieBrokenByJobID(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	approved := jan(6, 7, 0)
	jobA := approvedJob("aaa", approved, pendingStage("a1", "R1", 1, 30))
	jobB := approvedJob("bbb", approved, pendingStage("b1", "R1", 1, 30))

	result := p.Plan(PlanInput{Jobs: []ProductionJob{jobB, jobA}, BaseStart: jan(6, 8, 0)})

	placed := placedByID(result)
	require.True(t, placed["a1"].StartAt.Before(placed["b1"].StartAt))
}

func TestPlan_CoverTextParallelThenMerge(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	job := approvedJob("job-1", jan(6, 8, 0),
		partStage("s1", "R0", 1, 30, "both"),
		partStage("s2", "R-cov", 2, 60, "cover"),
		partStage("s3", "R-text", 2, 90, "text"),
		partStage("s4", "R-merge", 3, 20, "both"),
	)
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Empty(t, result.Failures)
	placed := placedByID(result)

	require.Equal(t, jan(6, 8, 0), placed["s1"].StartAt)
	require.Equal(t, jan(6, 8, 30), placed["s1"].EndAt)

	// Cover and text branch off s1 concurrently.
	require.Equal(t, jan(6, 8, 30), placed["s2"].StartAt)
	require.Equal(t, jan(6, 9, 30), placed["s2"].EndAt)
	require.Equal(t, jan(6, 8, 30), placed["s3"].StartAt)
	require.Equal(t, jan(6, 10, 0), placed["s3"].EndAt)

	// Merge waits for the slower branch.
	require.Equal(t, jan(6, 10, 0), placed["s4"].StartAt)
	require.Equal(t, jan(6, 10, 20), placed["s4"].EndAt)
}

func TestPlan_DependencyGroupSerializesParallelParts(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	s2 := partStage("s2", "R-cov", 2, 60, "cover")
	s2.DependencyGroup = strPtr("G")
	s3 := partStage("s3", "R-text", 2, 90, "text")
	s3.DependencyGroup = strPtr("G")

	job := approvedJob("job-1", jan(6, 8, 0),
		partStage("s1", "R0", 1, 30, "both"),
		s2,
		s3,
		partStage("s4", "R-merge", 3, 20, "both"),
	)
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Empty(t, result.Failures)
	placed := placedByID(result)

	// The shared group forbids overlap even though the parts differ.
	require.Equal(t, jan(6, 9, 30), placed["s2"].EndAt)
	require.False(t, placed["s3"].StartAt.Before(placed["s2"].EndAt))
	require.Equal(t, jan(6, 9, 30), placed["s3"].StartAt)
	require.Equal(t, jan(6, 11, 0), placed["s3"].EndAt)
	require.Equal(t, jan(6, 11, 0), placed["s4"].StartAt)
}

func TestPlan_SkipsUnapprovedJobs(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	job := ProductionJob{ID: "job-1", WoNo: "WO-1", Stages: []StageInstance{pendingStage("s1", "R1", 1, 60)}}
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Empty(t, result.Updates)
	require.Empty(t, result.Failures)
}

func TestPlan_ExcludesNonSchedulableStages(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	proof := pendingStage("s1", "stage-proof", 1, 60)
	proof.StageName = "Proof Approval"
	dtp := pendingStage("s2", "stage-dtp", 2, 60)
	dtp.StageName = "DTP Setup"
	batch := pendingStage("s3", "stage-batch", 3, 60)
	batch.StageName = "Batch Allocation"
	printing := pendingStage("s4", "stage-print", 4, 60)
	printing.StageName = "Printing"

	job := approvedJob("job-1", jan(6, 7, 0), proof, dtp, batch, printing)
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Len(t, result.Updates, 1)
	require.Equal(t, "s4", result.Updates[0].ID)
	require.Equal(t, jan(6, 8, 0), result.Updates[0].StartAt)
}

func TestPlan_SkipsCompletedStages(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	done := pendingStage("s1", "R1", 1, 60)
	done.Status = "completed"
	active := pendingStage("s2", "R1", 2, 30)
	active.Status = StageStatusActive

	job := approvedJob("job-1", jan(6, 7, 0), done, active)
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Len(t, result.Updates, 1)
	require.Equal(t, "s2", result.Updates[0].ID)
}

func TestPlan_MissingStageOrderSinksToEnd(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	unordered := StageInstance{
		ID: "s1", ProductionStageID: "R1", StageName: "R1",
		Status: StageStatusPending, EstimatedMinutes: 60,
	}
	ordered := pendingStage("s2", "R1", 1, 30)

	job := approvedJob("job-1", jan(6, 7, 0), unordered, ordered)
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	placed := placedByID(result)
	require.Equal(t, jan(6, 8, 0), placed["s2"].StartAt)
	require.Equal(t, jan(6, 8, 30), placed["s2"].EndAt)
	require.Equal(t, jan(6, 8, 30), placed["s1"].StartAt)
}

func TestPlan_NegativeMinutesClampToZero(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	s := pendingStage("s1", "R1", 1, -30)
	s.SetupMinutes = -5

	job := approvedJob("job-1", jan(6, 7, 30), s)
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Len(t, result.Updates, 1)
	require.Equal(t, 0, result.Updates[0].Minutes)
	require.Equal(t, jan(6, 8, 0), result.Updates[0].StartAt)
	require.Equal(t, jan(6, 8, 0), result.Updates[0].EndAt)
}

func TestPlan_FractionalMinutesRoundUp(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	s := pendingStage("s1", "R1", 1, 59.2)
	s.SetupMinutes = 0.3

	job := approvedJob("job-1", jan(6, 7, 30), s)
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Len(t, result.Updates, 1)
	require.Equal(t, 60, result.Updates[0].Minutes)
	require.Equal(t, jan(6, 9, 0), result.Updates[0].EndAt)
}

func TestPlan_SetupMinutesExtendDuration(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	s := pendingStage("s1", "R1", 1, 45)
	s.SetupMinutes = 15

	job := approvedJob("job-1", jan(6, 7, 30), s)
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(6, 8, 0)})

	require.Len(t, result.Updates, 1)
	require.Equal(t, 60, result.Updates[0].Minutes)
}

func TestPlan_HorizonFailureAbandonsJobAndContinues(t *testing.T) {
	shifts := []calendar.Shift{{DayOfWeek: 1, StartTime: "08:00", EndTime: "16:00"}}
	cal, err := calendar.New(time.UTC, shifts, nil, nil, 7)
	require.NoError(t, err)
	p := NewPlanner(cal, nil)

	oversized := approvedJob("job-big", jan(6, 7, 0),
		pendingStage("big1", "R1", 1, 100000),
		pendingStage("big2", "R1", 2, 60),
	)
	small := approvedJob("job-small", jan(6, 7, 30), pendingStage("t1", "R2", 1, 60))

	result := p.Plan(PlanInput{Jobs: []ProductionJob{oversized, small}, BaseStart: jan(6, 8, 0)})

	require.Len(t, result.Failures, 1)
	require.Equal(t, "job-big", result.Failures[0].JobID)
	require.Equal(t, "big1", result.Failures[0].StageID)
	require.Equal(t, "HORIZON_EXHAUSTED", result.Failures[0].Code)

	// big2 floats without its predecessor, so the whole job is abandoned;
	// the next job still plans.
	placed := placedByID(result)
	require.NotContains(t, placed, "big2")
	require.Contains(t, placed, "t1")
	require.Equal(t, jan(6, 8, 0), placed["t1"].StartAt)
}

func TestPlan_PinToBase(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)
	baseStart := jan(13, 8, 0) // the following Monday

	t.Run("past approval pinned forward", func(t *testing.T) {
		job := approvedJob("job-1", jan(2, 8, 0), pendingStage("s1", "R1", 1, 60))
		result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: baseStart, PinToBase: true})

		require.Len(t, result.Updates, 1)
		require.Equal(t, jan(13, 8, 0), result.Updates[0].StartAt)
	})

	t.Run("future approval still respected", func(t *testing.T) {
		job := approvedJob("job-1", jan(14, 9, 0), pendingStage("s1", "R1", 1, 60))
		result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: baseStart, PinToBase: true})

		require.Len(t, result.Updates, 1)
		require.Equal(t, jan(14, 9, 0), result.Updates[0].StartAt)
	})
}

func TestPlan_Deterministic(t *testing.T) {
	p := NewPlanner(plannerCalendar(t), nil)

	jobs := []ProductionJob{
		approvedJob("job-1", jan(6, 7, 0),
			partStage("s1", "R0", 1, 30, "both"),
			partStage("s2", "R-cov", 2, 60, "cover"),
			partStage("s3", "R-text", 2, 90, "text"),
		),
		approvedJob("job-2", jan(6, 7, 0), pendingStage("t1", "R0", 1, 45)),
	}

	first := p.Plan(PlanInput{Jobs: jobs, BaseStart: jan(6, 8, 0)})
	second := p.Plan(PlanInput{Jobs: jobs, BaseStart: jan(6, 8, 0)})

	require.Equal(t, first, second)
}

func TestPlan_WeekendAndHolidaySkipped(t *testing.T) {
	p := NewPlanner(plannerCalendar(t, calendar.Holiday{Date: "2025-01-10", Name: "Stocktake"}), nil)

	// Friday Jan 10 is a holiday, so 600m from Thursday 14:00 runs
	// Thu 14:00-16:30 (150m) then resumes Monday Jan 13.
	job := approvedJob("job-1", jan(9, 14, 0), pendingStage("s1", "R1", 1, 600))
	result := p.Plan(PlanInput{Jobs: []ProductionJob{job}, BaseStart: jan(9, 8, 0)})

	require.Empty(t, result.Failures)
	require.Len(t, result.Updates, 1)
	require.Equal(t, jan(9, 14, 0), result.Updates[0].StartAt)
	// 450m remain after Thursday: Mon 08:00-13:00 (300m), 13:30-16:00 (150m).
	require.Equal(t, jan(13, 16, 0), result.Updates[0].EndAt)
}
