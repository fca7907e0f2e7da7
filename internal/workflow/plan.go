package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// MaxPlanSteps bounds the number of steps in a plan.
const MaxPlanSteps = 7

// Steps every plan must carry.
const (
	StepBroadSearch    = "Research agent: Use Tavily to perform a broad web search and collect top relevant items (title, authors, year, venue/source, URL, DOI if available)."
	StepCrossReference = "Research agent: For each collected item, search on arXiv to find matching preprints/versions and record arXiv URLs (if they exist)."
	StepFinalReport    = "Writer agent: Generate the final comprehensive Markdown report with inline citations and a complete References section with clickable links."
)

var fallbackTitles = []string{
	StepBroadSearch,
	StepCrossReference,
	"Research agent: Synthesize and rank findings by relevance, recency, and authority; deduplicate by title/DOI.",
	"Writer agent: Draft a structured outline based on the ranked evidence.",
	"Editor agent: Review for coherence, coverage, and citation completeness; request fixes.",
	StepFinalReport,
}

var ErrPlanContract = errors.New("plan violates contract")

// PlanStep is one titled unit of work with the role chosen at plan time.
type PlanStep struct {
	Title string `json:"title"`
	Role  Role   `json:"role"`
}

// Plan is the ordered, immutable list of steps for one task.
type Plan []PlanStep

// Titles returns the step titles in order.
func (p Plan) Titles() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = s.Title
	}
	return out
}

// Validate checks the bounds and the mandated steps.
func (p Plan) Validate() error {
	if len(p) == 0 || len(p) > MaxPlanSteps {
		return fmt.Errorf("%w: %d steps", ErrPlanContract, len(p))
	}
	if len(p) < 2 || p[0].Title != StepBroadSearch || p[1].Title != StepCrossReference {
		return fmt.Errorf("%w: first two steps must be the broad search and the cross-reference search", ErrPlanContract)
	}
	if !slices.Contains(p.Titles(), StepFinalReport) {
		return fmt.Errorf("%w: final report step missing", ErrPlanContract)
	}
	return nil
}

// FallbackPlan is used whenever the planner output cannot be used.
func FallbackPlan() Plan {
	return NewPlan(fallbackTitles)
}

// NewPlan tags titles with their roles without changing them.
func NewPlan(titles []string) Plan {
	plan := make(Plan, len(titles))
	for i, t := range titles {
		plan[i] = PlanStep{Title: t, Role: ClassifyRole(t)}
	}
	return plan
}

// EnforceContract repairs a proposed list of titles so that it satisfies the
// plan contract, substituting the fallback plan when nothing usable remains.
func EnforceContract(titles []string) Plan {
	steps := make([]string, 0, len(titles)+3)
	for _, t := range titles {
		if t = strings.TrimSpace(t); t != "" {
			steps = append(steps, t)
		}
	}
	if len(steps) == 0 {
		return FallbackPlan()
	}

	if steps[0] != StepBroadSearch {
		steps = append([]string{StepBroadSearch}, steps...)
	}
	if len(steps) < 2 || steps[1] != StepCrossReference {
		// Generic arXiv searches detached from the collected items are replaced
		// by the mandated cross-reference step.
		rest := make([]string, 0, len(steps))
		for _, s := range steps[1:] {
			if !strings.Contains(s, "arXiv") || strings.Contains(s, "For each collected item") {
				rest = append(rest, s)
			}
		}
		steps = append([]string{steps[0], StepCrossReference}, rest...)
	}
	if !slices.Contains(steps, StepFinalReport) {
		steps = append(steps, StepFinalReport)
	}
	if len(steps) > MaxPlanSteps {
		steps = steps[:MaxPlanSteps]
		if !slices.Contains(steps, StepFinalReport) {
			steps[MaxPlanSteps-1] = StepFinalReport
		}
	}
	return NewPlan(steps)
}
