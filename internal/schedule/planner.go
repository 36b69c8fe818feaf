package schedule

import (
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mhartley/printflow-go/internal/apperrors"
	"github.com/mhartley/printflow-go/internal/calendar"
)

// Stage names that are informational and never scheduled. Matched as
// case-insensitive substrings of the resource name.
var nonSchedulableStages = []string{"proof", "dtp", "batch allocation"}

// IsSchedulableStage reports whether a production stage participates in
// scheduling at all.
func IsSchedulableStage(name string) bool {
	lower := strings.ToLower(name)
	for _, skip := range nonSchedulableStages {
		if strings.Contains(lower, skip) {
			return false
		}
	}
	return true
}

// Planner turns snapshot jobs into placement updates. It is purely
// functional over its inputs: no I/O, no clock reads, no concurrency, and
// byte-identical output for identical input.
type Planner struct {
	cal    *calendar.Calendar
	logger *log.Logger
}

// NewPlanner creates a Planner over a built calendar.
func NewPlanner(cal *calendar.Calendar, logger *log.Logger) *Planner {
	return &Planner{cal: cal, logger: logger}
}

// PlanInput is one planning request. BaseStart pins every job and resource
// when PinToBase is set (nuclear mode); otherwise each job floats from its
// own proof approval time.
type PlanInput struct {
	Jobs      []ProductionJob
	BaseStart time.Time
	PinToBase bool
}

// PlanResult carries the computed placements plus per-stage failures the
// run continued past.
type PlanResult struct {
	Updates  []PlacementUpdate
	Failures []StageFailure
}

// Plan places every schedulable stage of every approved job, FIFO by proof
// approval, honoring intra-job barriers and per-resource mutual exclusion.
//
// A stage that cannot fit inside the calendar horizon records a failure and
// abandons the rest of its job (successors would float without their
// predecessor's end); planning then continues with the next job.
func (p *Planner) Plan(in PlanInput) PlanResult {
	jobs := make([]ProductionJob, 0, len(in.Jobs))
	for _, j := range in.Jobs {
		if j.ProofApprovedAt == nil {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].ProofApprovedAt, jobs[k].ProofApprovedAt
		if a.Equal(*b) {
			return jobs[i].ID < jobs[k].ID
		}
		return a.Before(*b)
	})

	var result PlanResult
	queue := newResourceQueue()
	ends := make(map[string]time.Time)

	if in.PinToBase {
		queue.Seed(collectResources(jobs), in.BaseStart)
	}

	for i := range jobs {
		job := &jobs[i]

		baseline := *job.ProofApprovedAt
		if in.PinToBase {
			baseline = in.BaseStart
			if job.ProofApprovedAt.After(baseline) {
				baseline = *job.ProofApprovedAt
			}
		}

		stages := schedulableStages(job)

		for idx, c := range stages {
			earliest := baseline

			for _, pred := range stages[:idx] {
				var barrier bool
				if EffectiveOrder(pred) < EffectiveOrder(c) {
					barrier = IsBarrier(pred, c)
				} else {
					// Equal order: the pair runs concurrently unless an
					// explicit shared group serializes it. The stable sort
					// keeps pred ahead of c in input sequence.
					barrier = SharesDependencyGroup(pred, c)
				}
				if !barrier {
					continue
				}
				end, ok := ends[pred.ID]
				if !ok {
					// Predecessor never got an end recorded (excluded or
					// unplaced); warn and plan without the barrier.
					if p.logger != nil {
						p.logger.Printf("[planner] job %s: predecessor %s of stage %s has no end; ignoring barrier",
							job.ID, pred.ID, c.ID)
					}
					continue
				}
				if end.After(earliest) {
					earliest = end
				}
			}

			earliest = queue.EarliestAvailable(c.ProductionStageID, earliest)
			duration := stageDuration(c)

			var start, end time.Time
			if duration == 0 {
				at, err := p.cal.NextWorkingStart(earliest)
				if err != nil {
					result.Failures = append(result.Failures, stageFailure(job, c, err))
					break
				}
				start, end = at, at
			} else {
				segments, err := p.cal.PlaceDuration(earliest, duration)
				if err != nil {
					result.Failures = append(result.Failures, stageFailure(job, c, err))
					break
				}
				start = segments[0].Start
				end = segments[len(segments)-1].End
			}

			result.Updates = append(result.Updates, PlacementUpdate{
				ID:      c.ID,
				StartAt: start,
				EndAt:   end,
				Minutes: duration,
			})
			ends[c.ID] = end
			queue.Advance(c.ProductionStageID, end)
		}
	}

	return result
}

// schedulableStages filters a job's stages to pending/active work on
// schedulable resources and sorts them by stage order, missing orders last.
// The sort is stable so equal orders keep their input sequence.
func schedulableStages(job *ProductionJob) []*StageInstance {
	stages := make([]*StageInstance, 0, len(job.Stages))
	for i := range job.Stages {
		s := &job.Stages[i]
		if !isSchedulableStatus(s.Status) {
			continue
		}
		if !IsSchedulableStage(s.StageName) {
			continue
		}
		stages = append(stages, s)
	}
	sort.SliceStable(stages, func(i, k int) bool {
		return EffectiveOrder(stages[i]) < EffectiveOrder(stages[k])
	})
	return stages
}

func isSchedulableStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StageStatusPending, StageStatusActive:
		return true
	}
	return false
}

// stageDuration clamps each component to zero, then rounds the sum up to
// whole minutes.
func stageDuration(s *StageInstance) int {
	est := s.EstimatedMinutes
	if est < 0 {
		est = 0
	}
	setup := s.SetupMinutes
	if setup < 0 {
		setup = 0
	}
	return calendar.CeilMinutes(est + setup)
}

func stageFailure(job *ProductionJob, s *StageInstance, err error) StageFailure {
	code := apperrors.ErrorCodeInternalError
	var hz *calendar.HorizonError
	if errors.As(err, &hz) {
		code = apperrors.ErrorCodeHorizonExhausted
	}
	return StageFailure{
		JobID:   job.ID,
		StageID: s.ID,
		Stage:   s.StageName,
		Code:    string(code),
		Error:   err.Error(),
	}
}

func collectResources(jobs []ProductionJob) []string {
	seen := make(map[string]bool)
	var resources []string
	for i := range jobs {
		for k := range jobs[i].Stages {
			id := jobs[i].Stages[k].ProductionStageID
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			resources = append(resources, id)
		}
	}
	return resources
}
