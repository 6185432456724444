// Package planmodel defines the canonical data shapes for jobs, execution
// plans, risk levels, and the stripped validator-visible plan projection.
// It enforces structural validity (acyclic dependsOn, resolvable ids,
// finite JSON parameters) but knows nothing about Scout or Sentinel.
package planmodel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/meridian/internal/corerr"
)

// JobStatus is one of the states in a Job's lifecycle.
type JobStatus string

const (
	JobPending           JobStatus = "pending"
	JobPlanning          JobStatus = "planning"
	JobValidating        JobStatus = "validating"
	JobAwaitingApproval  JobStatus = "awaiting_approval"
	JobExecuting         JobStatus = "executing"
	JobCompleted         JobStatus = "completed"
	JobFailed            JobStatus = "failed"
	JobCancelled         JobStatus = "cancelled"
)

// Terminal reports whether s is one of the terminal job statuses.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// OwnsWorker reports whether a job in status s must carry a non-nil
// worker_id.
func (s JobStatus) OwnsWorker() bool {
	switch s {
	case JobPlanning, JobValidating, JobExecuting:
		return true
	default:
		return false
	}
}

// JobPriority orders dispatch: high > normal > low.
type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
)

// Rank returns a higher number for higher priority, for sort ordering.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// JobSource identifies what created a Job.
type JobSource string

const (
	SourceUser    JobSource = "user"
	SourceSchedule JobSource = "schedule"
	SourceSubJob  JobSource = "sub_job"
)

// Job is a durable unit of work tracked by Axis.
type Job struct {
	ID        string
	Status    JobStatus
	Priority  JobPriority
	Source    JobSource
	WorkerID  *string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
}

// NewJobID returns a sortable, unique job id. Sortability comes from a
// UUIDv7-style timestamp-first layout approximated here with a
// millisecond prefix plus a random suffix, since the corpus's uuid
// library (google/uuid) does not yet expose a v7 constructor in the
// pinned version.
func NewJobID() string {
	return fmt.Sprintf("job_%013d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// RiskLevel is totally ordered low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Order returns the RiskLevel's position in the total order, or -1 if
// the value is not recognized.
func (r RiskLevel) Order() int {
	if o, ok := riskOrder[r]; ok {
		return o
	}
	return -1
}

func (r RiskLevel) Valid() bool {
	_, ok := riskOrder[r]
	return ok
}

// ExecutionStep is one sandboxed action within a plan.
type ExecutionStep struct {
	ID          string          `json:"id"`
	Gear        string          `json:"gear"`
	Action      string          `json:"action"`
	Parameters  json.RawMessage `json:"parameters"`
	RiskLevel   RiskLevel       `json:"riskLevel"`
	Description string          `json:"description,omitempty"`
	Order       *int            `json:"order,omitempty"`
	DependsOn   []string        `json:"dependsOn,omitempty"`
}

// ExecutionPlan is a DAG of steps proposed for one job.
type ExecutionPlan struct {
	ID          string          `json:"id"`
	JobID       string          `json:"jobId"`
	Steps       []ExecutionStep `json:"steps"`
	Reasoning   string          `json:"reasoning,omitempty"`
	JournalSkip bool            `json:"journalSkip,omitempty"`
}

// Validate checks structural validity: parameters are well-formed JSON,
// risk levels are recognized, dependsOn ids resolve, and the dependsOn
// graph is acyclic.
func (p *ExecutionPlan) Validate() error {
	if len(p.Steps) == 0 {
		return corerr.New(corerr.PlanValidation, "plan has no steps")
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return corerr.New(corerr.PlanValidation, "step missing id")
		}
		if seen[s.ID] {
			return corerr.New(corerr.PlanValidation, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true

		if !s.RiskLevel.Valid() {
			return corerr.New(corerr.PlanValidation, "step %q has invalid riskLevel %q", s.ID, s.RiskLevel)
		}
		if s.Gear == "" || s.Action == "" {
			return corerr.New(corerr.PlanValidation, "step %q missing gear/action", s.ID)
		}
		if len(s.Parameters) > 0 && !json.Valid(s.Parameters) {
			return corerr.New(corerr.PlanValidation, "step %q parameters are not valid JSON", s.ID)
		}
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return corerr.New(corerr.PlanValidation, "step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	if cyclic, cycleID := hasCycle(p.Steps); cyclic {
		return corerr.New(corerr.PlanValidation, "dependsOn graph contains a cycle reaching step %q", cycleID)
	}

	return nil
}

// hasCycle runs Kahn's algorithm over the dependsOn edges. A step whose
// in-degree never reaches zero is part of (or depends transitively on) a
// cycle.
func hasCycle(steps []ExecutionStep) (bool, string) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(steps) {
		for id, d := range indegree {
			if d > 0 {
				return true, id
			}
		}
		return true, ""
	}
	return false, ""
}

// TopoOrder returns step ids in an order where every step follows all of
// its dependencies. Assumes Validate has already passed.
func TopoOrder(steps []ExecutionStep) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order
}

// StrippedStep is the validator-visible projection of a step: exactly the
// fields Sentinel's independent judgment is allowed to see.
type StrippedStep struct {
	ID        string          `json:"id"`
	Gear      string          `json:"gear"`
	Action    string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
	RiskLevel RiskLevel       `json:"riskLevel"`
	DependsOn []string        `json:"dependsOn,omitempty"`
}

// StrippedPlan omits reasoning and any other narrative field so Scout's
// free-form explanation cannot anchor Sentinel's review.
type StrippedPlan struct {
	Steps []StrippedStep `json:"steps"`
}

// Strip produces the validator-visible projection of p.
func Strip(p *ExecutionPlan) StrippedPlan {
	out := StrippedPlan{Steps: make([]StrippedStep, 0, len(p.Steps))}
	for _, s := range p.Steps {
		out.Steps = append(out.Steps, StrippedStep{
			ID:         s.ID,
			Gear:       s.Gear,
			Action:     s.Action,
			Parameters: s.Parameters,
			RiskLevel:  s.RiskLevel,
			DependsOn:  s.DependsOn,
		})
	}
	return out
}
