package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/scholar/internal/agent"
	"github.com/rahul/scholar/internal/governance"
	"github.com/rahul/scholar/internal/observability"
	"github.com/rahul/scholar/internal/store"
	"github.com/rahul/scholar/internal/tools"
	"github.com/rahul/scholar/internal/workflow"
	"github.com/rahul/scholar/pkg/config"
)

// app holds everything a command needs, wired from the config.
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	tasks    *store.TaskStore
	redis    *redis.Client
	browser  *tools.BrowserRenderer
	registry *workflow.Registry
	service  *workflow.Service
}

// Arguments matching these never reach a tool: local, private and cloud
// metadata addresses, and non-web schemes. fetch_page also checks the
// resolved address of every connection.
var deniedArguments = []string{
	`(?i)https?://(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\])`,
	`(?i)https?://(10\.\d+|192\.168|172\.(1[6-9]|2\d|3[01]))\.\d+\.\d+`,
	`(?i)https?://\[f[cd][0-9a-f]{0,2}:`,
	`169\.254\.169\.254`,
	`metadata\.google\.internal`,
	`(?i)(file|ftp|gopher)://`,
}

func buildApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	tasks, err := store.Open(ctx, cfg.Database.URL, cfg.IsPostgres())
	if err != nil {
		return err
	}
	a.tasks = tasks

	var mirror workflow.Mirror
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("Warning: redis at %s unavailable, progress stays local: %v", cfg.Redis.Addr, err)
			_ = client.Close()
		} else {
			a.redis = client
			mirror = workflow.NewRedisMirror(client, cfg.Redis.TTL)
		}
	}
	a.registry = workflow.NewRegistry(mirror)

	toolset := tools.NewRegistry()
	toolset.Register(tools.NewWebSearchTool(cfg.Tools.TavilyAPIKey, cfg.Tools.TavilyBaseURL, cfg.Tools.UserAgent))
	toolset.Register(tools.NewArxivTool(cfg.Tools.ArxivBaseURL, cfg.Tools.UserAgent))
	toolset.Register(tools.NewWikipediaTool(cfg.Tools.WikipediaBaseURL, cfg.Tools.UserAgent))
	var renderer tools.Renderer
	if cfg.Tools.BrowserFallback {
		a.browser = tools.NewBrowserRenderer()
		renderer = a.browser
	}
	toolset.Register(tools.NewScraperTool(cfg.Tools.UserAgent, renderer))

	researchTools := []string{"tavily_search_tool", "arxiv_search_tool", "wikipedia_search_tool", "fetch_page"}
	gov := governance.NewDefaultPolicyEngine()
	gov.AllowForRole(string(workflow.RoleResearcher), researchTools...)
	gov.AllowForRole(string(workflow.RoleWriter))
	gov.AllowForRole(string(workflow.RoleEditor))
	for _, p := range deniedArguments {
		if err := gov.DenyArguments(p); err != nil {
			return fmt.Errorf("deny pattern %q: %w", p, err)
		}
	}

	prompts := agent.NewPromptManager(cfg.App.PromptsDir)
	load := func(name string) (agent.RolePrompt, llms.Model, error) {
		p, err := prompts.Load(name)
		if err != nil {
			return agent.RolePrompt{}, nil, err
		}
		m, err := newModel(cfg, cfg.ModelFor(name))
		if err != nil {
			return agent.RolePrompt{}, nil, fmt.Errorf("%s model: %w", name, err)
		}
		return p, m, nil
	}

	planPrompt, planModel, err := load("planner")
	if err != nil {
		return err
	}
	planner := agent.NewPlanner(planModel, planPrompt, logger)

	opts := []workflow.Option{
		workflow.WithStepTimeout(cfg.Workflow.StepTimeout),
		workflow.WithLogger(logger),
	}
	roleTools := map[workflow.Role]*tools.Registry{
		workflow.RoleResearcher: toolset.Subset(researchTools...),
		workflow.RoleWriter:     toolset.Subset(),
		workflow.RoleEditor:     toolset.Subset(),
	}
	for role, reg := range roleTools {
		p, m, err := load(string(role))
		if err != nil {
			return err
		}
		opts = append(opts, workflow.WithAgent(role, agent.NewStepAgent(role, m, reg, gov, p, logger)))
	}

	executor := workflow.NewExecutor(tasks, a.registry, opts...)
	a.service = workflow.NewService(planner, executor, a.registry, tasks, cfg.Workflow.MaxConcurrentTasks, logger,
		workflow.WithOwner(instanceID(cfg)),
		workflow.WithLease(cfg.Workflow.LeaseTTL),
	)
	return nil
}

// instanceID is the configured id or hostname plus a random suffix, so two
// processes on one host never share an owner.
func instanceID(cfg *config.Config) string {
	if cfg.App.InstanceID != "" {
		return cfg.App.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = cfg.App.Name
	}
	return host + "-" + uuid.NewString()[:8]
}

func newModel(cfg *config.Config, model string) (llms.Model, error) {
	name, p := cfg.GetDefaultProvider()
	switch name {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s not yet implemented", name)
	}
}

func (a *app) close() {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.tasks != nil {
		_ = a.tasks.Close()
	}
}
