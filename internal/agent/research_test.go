package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/scholar/internal/store"
	"github.com/rahul/scholar/internal/tools"
	"github.com/rahul/scholar/internal/workflow"
)

// A research step whose search provider is down still completes: the failure
// reaches the model as an error record and the task carries on to the writer.
func TestResearchStep_ProviderOutageDoesNotFailTask(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx := context.Background()
	tasks, err := store.Open(ctx, filepath.Join(t.TempDir(), "tasks.db"), false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer tasks.Close()

	arxiv := tools.NewArxivTool(srv.URL, "test")
	toolset := tools.NewRegistry()
	toolset.Register(arxiv)

	researcherModel := &fakeModel{script: []*llms.ContentChoice{
		{ToolCalls: []llms.ToolCall{toolCall("1", "arxiv_search_tool", `{"query":"sparse attention","max_results":2}`)}},
		{Content: "arXiv was unreachable; no papers collected."},
	}}
	writerModel := &fakeModel{script: []*llms.ContentChoice{{Content: "# Sparse attention\n\nNo sources."}}}

	registry := workflow.NewRegistry(nil)
	executor := workflow.NewExecutor(tasks, registry,
		workflow.WithAgent(workflow.RoleResearcher, NewStepAgent(workflow.RoleResearcher, researcherModel, toolset, nil, RolePrompt{}, nil)),
		workflow.WithAgent(workflow.RoleWriter, NewStepAgent(workflow.RoleWriter, writerModel, tools.NewRegistry(), nil, RolePrompt{}, nil)),
	)
	plan := workflow.NewPlan([]string{
		"Research agent: search arXiv for sparse attention papers",
		"Writer agent: draft the report",
	})

	const id = "outage"
	if err := tasks.Create(ctx, id, "sparse attention", "test", time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	registry.Init(id, plan)
	if err := executor.Run(ctx, id, "sparse attention", plan); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if hits.Load() < 2 {
		t.Errorf("expected the arXiv request to be retried, got %d hit(s)", hits.Load())
	}

	second := researcherModel.history[1]
	resp, ok := second[len(second)-1].Parts[0].(llms.ToolCallResponse)
	if !ok {
		t.Fatalf("expected tool output, got %+v", second[len(second)-1])
	}
	var recs []tools.Record
	if err := json.Unmarshal([]byte(resp.Content), &recs); err != nil {
		t.Fatalf("tool output is not records: %v (%q)", err, resp.Content)
	}
	if len(recs) != 1 || !strings.Contains(recs[0].Error, "arXiv API request failed") {
		t.Errorf("expected a single error record, got %+v", recs)
	}

	steps, _ := registry.Snapshot(ctx, id)
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.Status != workflow.StepDone {
			t.Errorf("step %d: expected done, got %s", i, s.Status)
		}
	}

	task, err := tasks.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != store.StatusDone {
		t.Fatalf("expected task done, got %s (%s)", task.Status, task.Error)
	}
	var result workflow.FinalResult
	if err := json.Unmarshal(task.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Report != "# Sparse attention\n\nNo sources." {
		t.Errorf("unexpected report %q", result.Report)
	}
}
