package agent

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.md
var defaultPrompts embed.FS

// Budget limits one role's model calls. Zero values leave the model default.
type Budget struct {
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	MaxTurns    int      `yaml:"max_turns"`
}

// RolePrompt is the instruction text for one role plus its budget.
type RolePrompt struct {
	Name   string
	Text   string
	Budget Budget
}

// Render substitutes {{today}} and any vars given as {{key}}.
func (p RolePrompt) Render(vars map[string]string) string {
	out := strings.ReplaceAll(p.Text, "{{today}}", time.Now().Format("2006-01-02"))
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// PromptManager loads role prompts from Directory, falling back to the
// built-in prompt when a file is missing.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// Load returns the prompt for name (planner, researcher, writer or editor).
func (pm *PromptManager) Load(name string) (RolePrompt, error) {
	file := name + ".md"

	var data []byte
	var err error
	if pm.Directory != "" {
		data, err = os.ReadFile(filepath.Join(pm.Directory, file))
	}
	if pm.Directory == "" || errors.Is(err, fs.ErrNotExist) {
		data, err = defaultPrompts.ReadFile("prompts/" + file)
		if errors.Is(err, fs.ErrNotExist) {
			return RolePrompt{}, fmt.Errorf("no prompt for %q", name)
		}
	}
	if err != nil {
		return RolePrompt{}, fmt.Errorf("failed to read %s prompt: %v", name, err)
	}

	p, err := parsePrompt(data)
	if err != nil {
		return RolePrompt{}, fmt.Errorf("%s prompt: %w", name, err)
	}
	p.Name = name
	return p, nil
}

// parsePrompt splits an optional YAML front matter block from the text.
func parsePrompt(data []byte) (RolePrompt, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return RolePrompt{Text: strings.TrimSpace(text)}, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return RolePrompt{}, errors.New("unterminated front matter")
	}

	var b Budget
	if err := yaml.Unmarshal([]byte(rest[:end]), &b); err != nil {
		return RolePrompt{}, fmt.Errorf("front matter: %w", err)
	}
	body := rest[end+len("\n---"):]
	return RolePrompt{Text: strings.TrimSpace(body), Budget: b}, nil
}
