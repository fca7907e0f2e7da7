package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackPlan(t *testing.T) {
	p := FallbackPlan()
	require.Len(t, p, 6)
	require.NoError(t, p.Validate())
	assert.Equal(t, StepBroadSearch, p[0].Title)
	assert.Equal(t, StepCrossReference, p[1].Title)
	assert.Equal(t, StepFinalReport, p[5].Title)

	roles := []Role{RoleResearcher, RoleResearcher, RoleResearcher, RoleWriter, RoleEditor, RoleWriter}
	for i, s := range p {
		assert.Equal(t, roles[i], s.Role, "step %d", i)
	}
}

func TestEnforceContract_EmptyFallsBack(t *testing.T) {
	assert.Equal(t, FallbackPlan(), EnforceContract(nil))
	assert.Equal(t, FallbackPlan(), EnforceContract([]string{"  ", ""}))
}

func TestEnforceContract_Repairs(t *testing.T) {
	p := EnforceContract([]string{
		"Research agent: search arXiv for recent preprints",
		"Writer agent: draft the report",
	})
	require.NoError(t, p.Validate())
	assert.Equal(t, []string{
		StepBroadSearch,
		StepCrossReference,
		"Writer agent: draft the report",
		StepFinalReport,
	}, p.Titles())
}

func TestEnforceContract_KeepsValidPlan(t *testing.T) {
	in := []string{StepBroadSearch, StepCrossReference, "Editor agent: review the draft", StepFinalReport}
	assert.Equal(t, in, EnforceContract(in).Titles())
}

func TestEnforceContract_CapKeepsFinalStep(t *testing.T) {
	in := []string{StepBroadSearch, StepCrossReference}
	for i := 0; i < 8; i++ {
		in = append(in, "Research agent: dig deeper")
	}
	p := EnforceContract(in)
	require.Len(t, p, MaxPlanSteps)
	require.NoError(t, p.Validate())
	assert.Equal(t, StepFinalReport, p[MaxPlanSteps-1].Title)
}

func TestEnforceContract_UnknownStepKept(t *testing.T) {
	p := EnforceContract([]string{StepBroadSearch, StepCrossReference, "Summarize the sources", StepFinalReport})
	require.Len(t, p, 4)
	assert.Equal(t, RoleUnknown, p[2].Role)
}

func TestPlanValidate(t *testing.T) {
	assert.ErrorIs(t, Plan{}.Validate(), ErrPlanContract)
	assert.ErrorIs(t, NewPlan([]string{StepCrossReference, StepBroadSearch, StepFinalReport}).Validate(), ErrPlanContract)
	assert.ErrorIs(t, NewPlan([]string{StepBroadSearch, StepCrossReference}).Validate(), ErrPlanContract)
}

func TestClassifyRole(t *testing.T) {
	cases := map[string]Role{
		"Research agent: find papers":        RoleResearcher,
		"Writer agent: Draft an outline":     RoleWriter,
		"Write the introduction":             RoleWriter,
		"Editor agent: revise the draft":     RoleWriter,
		"Editor agent: give feedback":        RoleEditor,
		"Revise the introduction":            RoleEditor,
		"Summarize the sources":              RoleUnknown,
		"RESEARCH and draft the whole thing": RoleResearcher,
		"Editor agent: Review for coherence": RoleEditor,
	}
	for title, want := range cases {
		assert.Equal(t, want, ClassifyRole(title), title)
	}
}

func TestResolveRole(t *testing.T) {
	role, err := resolveRole(PlanStep{Title: "Writer agent: draft"})
	require.NoError(t, err)
	assert.Equal(t, RoleWriter, role)

	role, err = resolveRole(PlanStep{Title: "anything", Role: RoleEditor})
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, role)

	_, err = resolveRole(PlanStep{Title: "Summarize", Role: RoleUnknown})
	assert.ErrorIs(t, err, ErrUnclassifiableStep)
}
