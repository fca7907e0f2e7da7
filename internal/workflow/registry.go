package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var ErrInvalidTransition = errors.New("invalid step transition")

// Mirror publishes step snapshots outside the process so other replicas can
// answer progress queries.
type Mirror interface {
	Publish(ctx context.Context, taskID string, steps []StepRecord) error
	Load(ctx context.Context, taskID string) ([]StepRecord, bool, error)
}

type progressEntry struct {
	mu         sync.Mutex
	steps      []StepRecord
	finishedAt time.Time
}

// Registry holds the live step records of every task in this process. Only
// the task's own unit of work mutates its records; readers get copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*progressEntry
	mirror  Mirror
	now     func() time.Time
}

func NewRegistry(mirror Mirror) *Registry {
	return &Registry{
		entries: make(map[string]*progressEntry),
		mirror:  mirror,
		now:     time.Now,
	}
}

// Init seeds a task with one pending record per plan step.
func (r *Registry) Init(taskID string, plan Plan) {
	steps := make([]StepRecord, len(plan))
	for i, s := range plan {
		steps[i] = StepRecord{
			Title:       s.Title,
			Status:      StepPending,
			Description: "Awaiting execution",
			Substeps:    []Substep{},
		}
	}
	e := &progressEntry{steps: steps}

	r.mu.Lock()
	r.entries[taskID] = e
	r.mu.Unlock()

	r.publish(taskID, e)
}

func (r *Registry) entry(taskID string) (*progressEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskID]
	return e, ok
}

func allowed(from, to StepStatus) bool {
	switch from {
	case StepPending:
		return to == StepRunning || to == StepError
	case StepRunning:
		return to == StepDone || to == StepError
	default:
		return false
	}
}

// Transition moves step i to status, replacing the description when one is
// given and appending the substep when it is not nil.
func (r *Registry) Transition(taskID string, i int, to StepStatus, description string, sub *Substep) error {
	e, ok := r.entry(taskID)
	if !ok {
		return fmt.Errorf("%w: unknown task %s", ErrInvalidTransition, taskID)
	}

	e.mu.Lock()
	if i < 0 || i >= len(e.steps) {
		e.mu.Unlock()
		return fmt.Errorf("%w: step %d out of range", ErrInvalidTransition, i)
	}
	rec := &e.steps[i]
	if !allowed(rec.Status, to) {
		from := rec.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: step %d %s -> %s", ErrInvalidTransition, i, from, to)
	}
	rec.Status = to
	if description != "" {
		rec.Description = description
	}
	if sub != nil {
		rec.Substeps = append(rec.Substeps, *sub)
	}
	rec.UpdatedAt = r.now()
	e.mu.Unlock()

	r.publish(taskID, e)
	return nil
}

// Finish marks the task as no longer executing; the sweeper uses the time.
func (r *Registry) Finish(taskID string) {
	if e, ok := r.entry(taskID); ok {
		e.mu.Lock()
		e.finishedAt = r.now()
		e.mu.Unlock()
	}
}

// Running returns the index of the running step, or -1.
func (r *Registry) Running(taskID string) int {
	e, ok := r.entry(taskID)
	if !ok {
		return -1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.steps {
		if s.Status == StepRunning {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of the task's records. Unknown tasks yield an empty
// slice and false after the mirror has been consulted.
func (r *Registry) Snapshot(ctx context.Context, taskID string) ([]StepRecord, bool) {
	if e, ok := r.entry(taskID); ok {
		return e.snapshot(), true
	}
	if r.mirror != nil {
		steps, ok, err := r.mirror.Load(ctx, taskID)
		if err != nil {
			log.Printf("progress mirror load for %s failed: %v", taskID, err)
		} else if ok {
			return steps, true
		}
	}
	return []StepRecord{}, false
}

func (e *progressEntry) snapshot() []StepRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StepRecord, len(e.steps))
	for i, s := range e.steps {
		out[i] = s.clone()
	}
	return out
}

// Evict drops entries of tasks that finished before cutoff.
func (r *Registry) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		e.mu.Lock()
		done := !e.finishedAt.IsZero() && e.finishedAt.Before(cutoff)
		e.mu.Unlock()
		if done {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) publish(taskID string, e *progressEntry) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.Publish(ctx, taskID, e.snapshot()); err != nil {
		log.Printf("progress mirror publish for %s failed: %v", taskID, err)
	}
}
