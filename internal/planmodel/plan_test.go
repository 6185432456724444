package planmodel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/meridian/internal/corerr"
)

func step(id string, deps ...string) ExecutionStep {
	return ExecutionStep{ID: id, Gear: "fs", Action: "read_file", Parameters: json.RawMessage(`{}`), RiskLevel: RiskLow, DependsOn: deps}
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	p := &ExecutionPlan{}
	err := p.Validate()
	require.Equal(t, corerr.PlanValidation, corerr.CodeOf(err))
}

func TestValidateRejectsDuplicateStepID(t *testing.T) {
	p := &ExecutionPlan{Steps: []ExecutionStep{step("s1"), step("s1")}}
	err := p.Validate()
	require.Equal(t, corerr.PlanValidation, corerr.CodeOf(err))
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := &ExecutionPlan{Steps: []ExecutionStep{step("s1", "missing")}}
	err := p.Validate()
	require.ErrorContains(t, err, "unknown step")
}

func TestValidateRejectsCycle(t *testing.T) {
	p := &ExecutionPlan{Steps: []ExecutionStep{step("s1", "s2"), step("s2", "s1")}}
	err := p.Validate()
	require.ErrorContains(t, err, "cycle")
}

func TestValidateRejectsInvalidRiskLevel(t *testing.T) {
	s := step("s1")
	s.RiskLevel = "extreme"
	p := &ExecutionPlan{Steps: []ExecutionStep{s}}
	err := p.Validate()
	require.ErrorContains(t, err, "riskLevel")
}

func TestValidateRejectsMalformedParameters(t *testing.T) {
	s := step("s1")
	s.Parameters = json.RawMessage(`{not json`)
	p := &ExecutionPlan{Steps: []ExecutionStep{s}}
	err := p.Validate()
	require.ErrorContains(t, err, "not valid JSON")
}

func TestValidateAcceptsValidDAG(t *testing.T) {
	p := &ExecutionPlan{Steps: []ExecutionStep{step("s1"), step("s2", "s1"), step("s3", "s1", "s2")}}
	require.NoError(t, p.Validate())
}

func TestTopoOrderRespectsDependencies(t *testing.T) {
	steps := []ExecutionStep{step("s3", "s1", "s2"), step("s1"), step("s2", "s1")}
	order := TopoOrder(steps)
	require.Len(t, order, 3)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	require.Less(t, pos["s1"], pos["s2"])
	require.Less(t, pos["s2"], pos["s3"])
}

func TestRiskLevelOrder(t *testing.T) {
	require.Less(t, RiskLow.Order(), RiskMedium.Order())
	require.Less(t, RiskMedium.Order(), RiskHigh.Order())
	require.Less(t, RiskHigh.Order(), RiskCritical.Order())
	require.Equal(t, -1, RiskLevel("bogus").Order())
}

func TestJobStatusTerminalAndOwnsWorker(t *testing.T) {
	require.True(t, JobCompleted.Terminal())
	require.True(t, JobFailed.Terminal())
	require.True(t, JobCancelled.Terminal())
	require.False(t, JobPending.Terminal())

	require.True(t, JobExecuting.OwnsWorker())
	require.True(t, JobPlanning.OwnsWorker())
	require.False(t, JobPending.OwnsWorker())
	require.False(t, JobAwaitingApproval.OwnsWorker())
}

func TestStripOmitsReasoning(t *testing.T) {
	p := &ExecutionPlan{
		ID: "plan_1", JobID: "job_1", Reasoning: "secret internal reasoning",
		Steps: []ExecutionStep{step("s1")},
	}
	stripped := Strip(p)
	require.Len(t, stripped.Steps, 1)
	require.Equal(t, "s1", stripped.Steps[0].ID)
}

func TestNewJobIDIsUniqueAndPrefixed(t *testing.T) {
	a := NewJobID()
	b := NewJobID()
	require.NotEqual(t, a, b)
	require.Contains(t, a, "job_")
}
