package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Models    ModelsConfig              `mapstructure:"models"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Tools     ToolsConfig               `mapstructure:"tools"`
	Workflow  WorkflowConfig            `mapstructure:"workflow"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

type AppConfig struct {
	Name       string `mapstructure:"name"`
	Listen     string `mapstructure:"listen"`
	PromptsDir string `mapstructure:"prompts_dir"`
	Dashboard  bool   `mapstructure:"dashboard"`
	// InstanceID names this process on the tasks it runs; replicas sharing a
	// database need distinct ids. Empty means hostname plus a random suffix.
	InstanceID string `mapstructure:"instance_id"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	Enabled bool   `mapstructure:"enabled"`
}

// ModelsConfig overrides the provider model per agent role. Empty fields fall
// back to the provider's model.
type ModelsConfig struct {
	Planner    string `mapstructure:"planner"`
	Researcher string `mapstructure:"researcher"`
	Writer     string `mapstructure:"writer"`
	Editor     string `mapstructure:"editor"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ToolsConfig struct {
	TavilyAPIKey     string `mapstructure:"tavily_api_key"`
	TavilyBaseURL    string `mapstructure:"tavily_base_url"`
	ArxivBaseURL     string `mapstructure:"arxiv_base_url"`
	WikipediaBaseURL string `mapstructure:"wikipedia_base_url"`
	UserAgent        string `mapstructure:"user_agent"`
	BrowserFallback  bool   `mapstructure:"browser_fallback"`
}

type WorkflowConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	ProgressTTL        time.Duration `mapstructure:"progress_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
}

type LoggingConfig struct {
	LLMLogPath string `mapstructure:"llm_log_path"`
	MaxSize    int64  `mapstructure:"max_size"`
}

// setDefaults registers every key, zero values included: AutomaticEnv only
// overrides keys viper already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "scholar")
	v.SetDefault("app.listen", ":8000")
	v.SetDefault("app.prompts_dir", "./prompts")
	v.SetDefault("app.dashboard", false)
	v.SetDefault("app.instance_id", "")
	v.SetDefault("models.planner", "")
	v.SetDefault("models.researcher", "")
	v.SetDefault("models.writer", "")
	v.SetDefault("models.editor", "")
	v.SetDefault("database.url", "scholar.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("tools.tavily_api_key", "")
	v.SetDefault("tools.tavily_base_url", "https://api.tavily.com")
	v.SetDefault("tools.arxiv_base_url", "https://export.arxiv.org")
	v.SetDefault("tools.wikipedia_base_url", "https://en.wikipedia.org")
	v.SetDefault("tools.user_agent", "scholar-agent/1.0")
	v.SetDefault("tools.browser_fallback", false)
	v.SetDefault("workflow.max_concurrent_tasks", 4)
	v.SetDefault("workflow.step_timeout", 10*time.Minute)
	v.SetDefault("workflow.progress_ttl", time.Duration(0))
	v.SetDefault("workflow.sweep_interval", time.Minute)
	v.SetDefault("workflow.lease_ttl", 90*time.Second)
	v.SetDefault("logging.llm_log_path", "logs/llm.jsonl")
	v.SetDefault("logging.max_size", 10*1024*1024) // 10MB
}

// LoadConfig reads a JSON or YAML config file (optional when path is empty) and
// applies SCHOLAR_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCHOLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.applyEnvFallbacks()
	return &cfg, nil
}

// applyEnvFallbacks honours the plain variable names used by earlier
// deployments (DATABASE_URL, OPENAI_API_KEY, TAVILY_API_KEY).
func (c *Config) applyEnvFallbacks() {
	if url := os.Getenv("DATABASE_URL"); url != "" && os.Getenv("SCHOLAR_DATABASE_URL") == "" {
		c.Database.URL = url
	}
	// Heroku style postgres:// URLs
	if strings.HasPrefix(c.Database.URL, "postgres://") {
		c.Database.URL = "postgresql://" + strings.TrimPrefix(c.Database.URL, "postgres://")
	}
	if key := os.Getenv("TAVILY_API_KEY"); key != "" && c.Tools.TavilyAPIKey == "" {
		c.Tools.TavilyAPIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Providers == nil {
			c.Providers = map[string]ProviderConfig{}
		}
		p := c.Providers["openai"]
		if p.APIKey == "" {
			p.APIKey = key
			if p.Model == "" {
				p.Model = "gpt-4.1-mini"
			}
			p.Enabled = true
			c.Providers["openai"] = p
		}
	}
}

func (c *Config) Validate() error {
	if name, _ := c.GetDefaultProvider(); name == "" {
		return fmt.Errorf("no enabled provider found in config")
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Workflow.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("workflow.max_concurrent_tasks must be greater than zero")
	}
	if c.Workflow.StepTimeout < 0 {
		return fmt.Errorf("workflow.step_timeout must not be negative")
	}
	if c.Workflow.LeaseTTL < 0 {
		return fmt.Errorf("workflow.lease_ttl must not be negative")
	}
	return nil
}

// IsPostgres reports whether the database URL points at a postgres server;
// everything else is treated as a sqlite path.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.Database.URL, "postgresql://")
}

// GetDefaultProvider returns the enabled provider, preferring "openai" when
// several are enabled so the choice does not depend on map order.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	if p, ok := c.Providers["openai"]; ok && p.Enabled {
		return "openai", p
	}
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// ModelFor returns the model configured for a role, or the provider model.
func (c *Config) ModelFor(role string) string {
	_, p := c.GetDefaultProvider()
	var m string
	switch role {
	case "planner":
		m = c.Models.Planner
	case "researcher":
		m = c.Models.Researcher
	case "writer":
		m = c.Models.Writer
	case "editor":
		m = c.Models.Editor
	}
	if m == "" {
		return p.Model
	}
	return m
}
