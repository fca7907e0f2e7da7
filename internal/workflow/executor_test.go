package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/scholar/internal/store"
)

// scriptedAgent answers every task with respond and remembers what it saw.
type scriptedAgent struct {
	mu      sync.Mutex
	tasks   []string
	respond func(ctx context.Context, task string) (string, error)
}

func (a *scriptedAgent) Run(ctx context.Context, task string) (string, []llms.MessageContent, error) {
	a.mu.Lock()
	a.tasks = append(a.tasks, task)
	a.mu.Unlock()
	out, err := a.respond(ctx, task)
	return out, nil, err
}

func (a *scriptedAgent) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.tasks...)
}

func echoAgent(role Role) *scriptedAgent {
	n := 0
	var mu sync.Mutex
	return &scriptedAgent{respond: func(_ context.Context, _ string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s output %d", role, n), nil
	}}
}

func openStore(t *testing.T) *store.TaskStore {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type harness struct {
	store    *store.TaskStore
	registry *Registry
	executor *Executor
	agents   map[Role]*scriptedAgent
}

func newHarness(t *testing.T, opts ...Option) *harness {
	h := &harness{
		store:    openStore(t),
		registry: NewRegistry(nil),
		agents: map[Role]*scriptedAgent{
			RoleResearcher: echoAgent(RoleResearcher),
			RoleWriter:     echoAgent(RoleWriter),
			RoleEditor:     echoAgent(RoleEditor),
		},
	}
	all := []Option{}
	for role, a := range h.agents {
		all = append(all, WithAgent(role, a))
	}
	h.executor = NewExecutor(h.store, h.registry, append(all, opts...)...)
	return h
}

func (h *harness) run(t *testing.T, id string, plan Plan) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, id, "LLM agents for literature review", "test", time.Hour))
	h.registry.Init(id, plan)
	return h.executor.Run(ctx, id, "LLM agents for literature review", plan)
}

func TestExecutor_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := FallbackPlan()

	require.NoError(t, h.run(t, "a", plan))

	task, err := h.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, task.Status)

	steps, _ := h.registry.Snapshot(ctx, "a")
	require.Len(t, steps, 6)
	for i, s := range steps {
		assert.Equal(t, StepDone, s.Status, "step %d", i)
		assert.Equal(t, "Completed: "+plan[i].Title, s.Description)
		require.Len(t, s.Substeps, 1)
		assert.Equal(t, fmt.Sprintf("Called %s agent", plan[i].Role), s.Substeps[0].Title)
		if i > 0 {
			assert.False(t, s.UpdatedAt.Before(steps[i-1].UpdatedAt), "step %d finished before step %d", i, i-1)
		}
	}

	svc := NewService(nil, h.executor, h.registry, h.store, 1, nil)
	st, err := svc.Status(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, "writer output 2", st.Result.Report)
	assert.Len(t, st.Result.Steps, 6)
	assert.Equal(t, StepDone, st.Result.Steps[5].Status)

	assert.Len(t, h.agents[RoleResearcher].seen(), 3)
	assert.Len(t, h.agents[RoleWriter].seen(), 2)
	assert.Len(t, h.agents[RoleEditor].seen(), 1)
}

func TestExecutor_HistoryFlowsIntoLaterSteps(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, "a", FallbackPlan()))

	final := h.agents[RoleWriter].seen()[1]
	for _, out := range []string{"researcher output 1", "researcher output 2", "researcher output 3", "writer output 1", "editor output 1"} {
		assert.Contains(t, final, out)
	}
	assert.True(t, strings.HasSuffix(final, "Your next task:\n"+StepFinalReport+"\n"))
	assert.True(t, strings.HasPrefix(final, "User Prompt:\nLLM agents for literature review"))

	first := h.agents[RoleResearcher].seen()[0]
	assert.Contains(t, first, "(none)")
}

func TestExecutor_UnclassifiableStepAborts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := NewPlan([]string{StepBroadSearch, StepCrossReference, "Summarize the sources", "Editor agent: review", StepFinalReport})

	err := h.run(t, "b", plan)
	require.ErrorIs(t, err, ErrUnclassifiableStep)

	task, gerr := h.store.Get(ctx, "b")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusError, task.Status)
	assert.Contains(t, task.Error, "unknown step type")
	assert.Nil(t, task.Result)

	steps, _ := h.registry.Snapshot(ctx, "b")
	assert.Equal(t, StepDone, steps[0].Status)
	assert.Equal(t, StepDone, steps[1].Status)
	assert.Equal(t, StepError, steps[2].Status)
	assert.True(t, strings.HasPrefix(steps[2].Description, "Error during execution: unknown step type"))
	require.Len(t, steps[2].Substeps, 1)
	assert.Equal(t, "Error", steps[2].Substeps[0].Title)
	assert.Equal(t, StepPending, steps[3].Status)
	assert.Equal(t, StepPending, steps[4].Status)

	assert.Empty(t, h.agents[RoleEditor].seen())
	assert.Empty(t, h.agents[RoleWriter].seen())
}

func TestExecutor_ModelFailurePlaceholderIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.agents[RoleEditor].respond = func(context.Context, string) (string, error) {
		return "[Model Error: upstream returned 500]", nil
	}

	require.NoError(t, h.run(t, "d", FallbackPlan()))

	steps, _ := h.registry.Snapshot(ctx, "d")
	assert.Equal(t, StepDone, steps[4].Status)
	assert.Contains(t, steps[4].Substeps[0].Content, "[Model Error: upstream returned 500]")
	assert.Contains(t, h.agents[RoleWriter].seen()[1], "[Model Error: upstream returned 500]")

	task, err := h.store.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, task.Status)
}

func TestExecutor_EmptyOutputAllowed(t *testing.T) {
	h := newHarness(t)
	h.agents[RoleWriter].respond = func(context.Context, string) (string, error) { return "", nil }

	require.NoError(t, h.run(t, "e", FallbackPlan()))

	st, err := NewService(nil, h.executor, h.registry, h.store, 1, nil).Status(context.Background(), "e")
	require.NoError(t, err)
	assert.Equal(t, "", st.Result.Report)
}

func TestExecutor_AgentErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.agents[RoleResearcher].respond = func(context.Context, string) (string, error) {
		return "", errors.New("tool registry unavailable")
	}

	err := h.run(t, "f", FallbackPlan())
	require.Error(t, err)

	steps, _ := h.registry.Snapshot(ctx, "f")
	assert.Equal(t, StepError, steps[0].Status)
	assert.Contains(t, steps[0].Substeps[0].Content, "tool registry unavailable")
	for _, s := range steps[1:] {
		assert.Equal(t, StepPending, s.Status)
	}
}

func TestExecutor_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.agents[RoleWriter].respond = func(context.Context, string) (string, error) {
		panic("nil map write")
	}

	err := h.run(t, "p", FallbackPlan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map write")

	steps, _ := h.registry.Snapshot(ctx, "p")
	assert.Equal(t, StepError, steps[3].Status)

	task, gerr := h.store.Get(ctx, "p")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusError, task.Status)
}

func TestExecutor_StepTimeoutReachesAgent(t *testing.T) {
	h := newHarness(t, WithStepTimeout(1))
	h.agents[RoleResearcher].respond = func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "[Model Error: " + ctx.Err().Error() + "]", nil
	}

	require.NoError(t, h.run(t, "t", FallbackPlan()))
	steps, _ := h.registry.Snapshot(context.Background(), "t")
	assert.Contains(t, steps[0].Substeps[0].Content, "deadline exceeded")
}

func TestExecutor_FailDoesNotRevertFinishedSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := FallbackPlan()
	require.NoError(t, h.store.Create(ctx, "m", "x", "test", time.Hour))
	h.registry.Init("m", plan)
	for i := range plan {
		require.NoError(t, h.registry.Transition("m", i, StepRunning, "", nil))
		require.NoError(t, h.registry.Transition("m", i, StepDone, "", nil))
	}

	h.executor.fail(ctx, "m", errors.New("store went away"))

	steps, _ := h.registry.Snapshot(ctx, "m")
	for _, s := range steps {
		assert.Equal(t, StepDone, s.Status)
	}
	task, err := h.store.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, task.Status)
}
