package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/rahul/scholar/internal/observability"
	"github.com/rahul/scholar/internal/store"
)

// TaskStore is the durable side of a task as the workflow needs it.
type TaskStore interface {
	Create(ctx context.Context, id, prompt, owner string, lease time.Duration) error
	Renew(ctx context.Context, id, owner string, lease time.Duration) error
	Complete(ctx context.Context, id string, result []byte) error
	Fail(ctx context.Context, id string, message string) error
	FailExpired(ctx context.Context, id string, message string) error
	Get(ctx context.Context, id string) (*store.Task, error)
	ListExpired(ctx context.Context) ([]store.Task, error)
}

// Executor runs a plan step by step for one task at a time.
type Executor struct {
	agents      map[Role]Agent
	tasks       TaskStore
	registry    *Registry
	logger      *observability.Logger
	stepTimeout time.Duration
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithAgent registers the agent that handles steps of role.
func WithAgent(role Role, a Agent) Option {
	return func(ex *Executor) {
		ex.agents[role] = a
	}
}

// WithStepTimeout bounds each agent dispatch; zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(ex *Executor) {
		ex.stepTimeout = d
	}
}

// WithLogger sets the event logger.
func WithLogger(l *observability.Logger) Option {
	return func(ex *Executor) {
		ex.logger = l
	}
}

func NewExecutor(tasks TaskStore, registry *Registry, opts ...Option) *Executor {
	ex := &Executor{
		agents:   make(map[Role]Agent),
		tasks:    tasks,
		registry: registry,
		logger:   observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// Run executes plan for taskID and persists the outcome. The returned error
// is the fatal error that aborted the task, already recorded in progress and
// in the store.
func (e *Executor) Run(ctx context.Context, taskID, prompt string, plan Plan) (err error) {
	ctx = observability.WithTaskID(ctx, taskID)
	defer e.registry.Finish(taskID)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("task %s panicked: %v\n%s", taskID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
			e.fail(ctx, taskID, err)
		}
	}()

	if err = e.runSteps(ctx, taskID, prompt, plan); err != nil {
		e.fail(ctx, taskID, err)
		return err
	}
	return nil
}

func (e *Executor) runSteps(ctx context.Context, taskID, prompt string, plan Plan) error {
	history := make([]HistoryEntry, 0, len(plan))

	for i, step := range plan {
		resolved := "Executing: " + step.Title
		if err := e.registry.Transition(taskID, i, StepRunning, resolved, nil); err != nil {
			return err
		}
		e.logger.LogStep(taskID, i, step.Title, string(StepRunning))
		started := time.Now()

		role, err := resolveRole(step)
		if err != nil {
			observability.StepDuration.WithLabelValues(string(RoleUnknown), string(StepError)).Observe(time.Since(started).Seconds())
			return err
		}
		agent, ok := e.agents[role]
		if !ok {
			return fmt.Errorf("no agent registered for role %s", role)
		}

		enriched := EnrichTask(prompt, history, step.Title)
		output, err := e.dispatch(ctx, agent, enriched)
		if err != nil {
			observability.StepDuration.WithLabelValues(string(role), string(StepError)).Observe(time.Since(started).Seconds())
			return fmt.Errorf("%s agent: %w", role, err)
		}

		var previous []HistoryEntry
		if len(history) > 0 {
			previous = history[len(history)-1:]
		}
		history = append(history, HistoryEntry{
			Title:       step.Title,
			Description: resolved,
			Role:        role,
			Output:      output,
		})

		sub := &Substep{
			Title:   fmt.Sprintf("Called %s agent", role),
			Content: auditContent(prompt, previous, enriched, output),
		}
		if err := e.registry.Transition(taskID, i, StepDone, "Completed: "+step.Title, sub); err != nil {
			return err
		}
		e.logger.LogStep(taskID, i, step.Title, string(StepDone))
		observability.StepDuration.WithLabelValues(string(role), string(StepDone)).Observe(time.Since(started).Seconds())
	}

	report := NoReport
	if len(history) > 0 {
		report = history[len(history)-1].Output
	}
	steps, _ := e.registry.Snapshot(ctx, taskID)
	result, err := json.Marshal(FinalResult{Report: report, Steps: steps})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := e.tasks.Complete(ctx, taskID, result); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	e.logger.LogTask(taskID, store.StatusDone, map[string]any{"steps": len(plan)})
	observability.TasksCompleted.WithLabelValues(store.StatusDone).Inc()
	return nil
}

func (e *Executor) dispatch(ctx context.Context, agent Agent, task string) (string, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	output, _, err := agent.Run(ctx, task)
	return output, err
}

// fail records err against the running step, or the last step when none is
// running and it has not finished, and marks the task as errored.
func (e *Executor) fail(ctx context.Context, taskID string, err error) {
	msg := err.Error()
	e.logger.LogError(taskID, err)

	idx := e.registry.Running(taskID)
	if idx < 0 {
		steps, _ := e.registry.Snapshot(ctx, taskID)
		if n := len(steps); n > 0 && !steps[n-1].Status.Terminal() {
			idx = n - 1
		}
	}
	if idx >= 0 {
		sub := &Substep{Title: "Error", Content: msg}
		if terr := e.registry.Transition(taskID, idx, StepError, "Error during execution: "+msg, sub); terr != nil {
			log.Printf("task %s: record failure on step %d: %v", taskID, idx, terr)
		}
		e.logger.LogStep(taskID, idx, "", string(StepError))
	}

	// The caller's context may be the one that failed.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ferr := e.tasks.Fail(pctx, taskID, msg); ferr != nil {
		log.Printf("task %s: persist failure: %v", taskID, ferr)
	}
	e.logger.LogTask(taskID, store.StatusError, map[string]any{"error": msg})
	observability.TasksCompleted.WithLabelValues(store.StatusError).Inc()
}
