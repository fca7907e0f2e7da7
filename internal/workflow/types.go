// Package workflow drives a research plan step by step: each step is handed to
// the agent for its role, the accumulated history becomes the next step's
// context, and per-step progress is published for pollers while the task runs.
package workflow

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// StepStatus is the lifecycle state of one plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepError   StepStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepError
}

// Substep is an audit entry attached to a step record.
type Substep struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// StepRecord is the live progress of one plan step.
type StepRecord struct {
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	Description string     `json:"description"`
	Substeps    []Substep  `json:"substeps"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
}

func (r StepRecord) clone() StepRecord {
	c := r
	c.Substeps = append([]Substep(nil), r.Substeps...)
	if c.Substeps == nil {
		c.Substeps = []Substep{}
	}
	return c
}

// HistoryEntry is one executed step as seen by later steps.
type HistoryEntry struct {
	Title       string
	Description string
	Role        Role
	Output      string
}

// FinalResult is persisted with a task once it is done.
type FinalResult struct {
	Report string       `json:"report"`
	Steps  []StepRecord `json:"steps"`
}

// NoReport is the report text when nothing was executed.
const NoReport = "No report generated."

// Agent produces the output for one step. Ordinary model and tool failures
// come back as placeholder text; a non-nil error means the step itself could
// not be attempted and aborts the task.
type Agent interface {
	Run(ctx context.Context, task string) (string, []llms.MessageContent, error)
}

// Planner turns a topic into a plan that satisfies the plan contract.
type Planner interface {
	Plan(ctx context.Context, topic string) Plan
}
