package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rahul/scholar/internal/observability"
	"github.com/rahul/scholar/internal/store"
)

// OrphanMessage is the error recorded for tasks whose owning process stopped
// renewing their lease.
const OrphanMessage = "interrupted: the process running the task stopped before it finished"

// DefaultLease is how long a task stays claimed without a renewal.
const DefaultLease = 90 * time.Second

// TaskStatus is the answer to a status query.
type TaskStatus struct {
	Status string       `json:"status"`
	Result *FinalResult `json:"result"`
	Error  string       `json:"error,omitempty"`
}

// Service accepts report requests and runs each one in its own goroutine,
// with at most maxConcurrent tasks executing at once.
type Service struct {
	planner  Planner
	executor *Executor
	registry *Registry
	tasks    TaskStore
	logger   *observability.Logger
	owner    string
	lease    time.Duration

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithOwner names this process in the tasks it creates. Replicas sharing a
// store must use distinct owners.
func WithOwner(owner string) ServiceOption {
	return func(s *Service) {
		if owner != "" {
			s.owner = owner
		}
	}
}

// WithLease sets how long a task stays claimed between renewals. The lease is
// renewed every third of d while the task is queued or running.
func WithLease(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.lease = d
		}
	}
}

func NewService(planner Planner, executor *Executor, registry *Registry, tasks TaskStore, maxConcurrent int, logger *observability.Logger, opts ...ServiceOption) *Service {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Service{
		planner:  planner,
		executor: executor,
		registry: registry,
		tasks:    tasks,
		logger:   logger,
		owner:    uuid.NewString(),
		lease:    DefaultLease,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Owner is the name this service records on the tasks it runs.
func (s *Service) Owner() string {
	return s.owner
}

// Submit records the task, plans it and schedules it. It returns once the
// progress records exist; execution happens in the background.
func (s *Service) Submit(ctx context.Context, prompt string) (string, error) {
	id := uuid.NewString()
	ctx = observability.WithTaskID(ctx, id)
	if err := s.tasks.Create(ctx, id, prompt, s.owner, s.lease); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	release := s.holdLease(id)

	plan := s.planner.Plan(ctx, prompt)
	if err := plan.Validate(); err != nil {
		log.Printf("task %s: planner returned an invalid plan (%v), using fallback", id, err)
		observability.PlanFallbacks.Inc()
		plan = FallbackPlan()
	}
	s.registry.Init(id, plan)
	s.logger.LogPlan(id, plan.Titles())
	s.logger.LogTask(id, store.StatusRunning, map[string]any{"prompt": prompt})
	observability.TasksSubmitted.Inc()

	s.wg.Add(1)
	go s.run(id, prompt, plan, release)
	return id, nil
}

func (s *Service) run(id, prompt string, plan Plan, release func()) {
	defer s.wg.Done()
	defer release()
	ctx := context.Background()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Printf("task %s: acquire worker slot: %v", id, err)
		return
	}
	defer s.sem.Release(1)

	observability.TaskStarted()
	defer observability.TaskFinished()

	if err := s.executor.Run(ctx, id, prompt, plan); err != nil {
		log.Printf("task %s failed: %v", id, err)
	}
}

// holdLease renews the task's lease until the returned func is called.
func (s *Service) holdLease(id string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := s.tasks.Renew(ctx, id, s.owner, s.lease)
				if errors.Is(err, store.ErrLeaseLost) {
					if t, gerr := s.tasks.Get(ctx, id); gerr == nil && t.Error == OrphanMessage {
						log.Printf("task %s: lease expired and another process failed the task", id)
					}
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Printf("task %s: renew lease: %v", id, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Progress returns a snapshot of the task's step records; unknown ids yield
// an empty slice.
func (s *Service) Progress(ctx context.Context, taskID string) []StepRecord {
	steps, _ := s.registry.Snapshot(ctx, taskID)
	return steps
}

// Status reads the task's durable status. Unknown ids return
// store.ErrNotFound.
func (s *Service) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	st := TaskStatus{Status: t.Status, Error: t.Error}
	if len(t.Result) > 0 {
		var res FinalResult
		if err := json.Unmarshal(t.Result, &res); err != nil {
			return TaskStatus{}, fmt.Errorf("decode result of %s: %w", taskID, err)
		}
		st.Result = &res
	}
	return st, nil
}

// Shutdown waits for in-flight tasks until ctx is done. Running tasks are not
// cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverOrphans fails running tasks whose lease has expired: the process
// that owned them stopped renewing, so nothing will finish them. Tasks another
// live process is running keep their lease and are left alone.
func (s *Service) RecoverOrphans(ctx context.Context) (int, error) {
	expired, err := s.tasks.ListExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("list expired tasks: %w", err)
	}
	n := 0
	for _, t := range expired {
		if _, owned := s.registry.entry(t.ID); owned && t.Owner == s.owner {
			continue
		}
		err := s.tasks.FailExpired(ctx, t.ID, OrphanMessage)
		if errors.Is(err, store.ErrAlreadyTerminal) || errors.Is(err, store.ErrLeaseHeld) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("fail orphan %s: %w", t.ID, err)
		}
		s.logger.LogTask(t.ID, store.StatusError, map[string]any{"error": OrphanMessage, "owner": t.Owner})
		n++
	}
	return n, nil
}

// WatchOrphans runs RecoverOrphans every interval until ctx is done.
func (s *Service) WatchOrphans(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.lease / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.RecoverOrphans(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("recover orphaned tasks: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Marked %d task(s) with an expired lease as failed", n)
			}
		}
	}
}
