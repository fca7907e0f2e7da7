package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPromptManager_LoadOverridesAndDefaults(t *testing.T) {
	tempDir := t.TempDir()

	files := map[string]string{
		"writer.md": "---\nmax_tokens: 2000\ntemperature: 0.3\n---\nWrite about {{topic}} on {{today}}.",
		"editor.md": "Plain editor prompt",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	pm := NewPromptManager(tempDir)

	writer, err := pm.Load("writer")
	if err != nil {
		t.Fatal(err)
	}
	if writer.Budget.MaxTokens != 2000 {
		t.Errorf("Expected max_tokens 2000, got %d", writer.Budget.MaxTokens)
	}
	if writer.Budget.Temperature == nil || *writer.Budget.Temperature != 0.3 {
		t.Errorf("Expected temperature 0.3, got %v", writer.Budget.Temperature)
	}
	rendered := writer.Render(map[string]string{"topic": "graph databases"})
	want := "Write about graph databases on " + time.Now().Format("2006-01-02") + "."
	if rendered != want {
		t.Errorf("Render = %q, want %q", rendered, want)
	}

	editor, err := pm.Load("editor")
	if err != nil {
		t.Fatal(err)
	}
	if editor.Text != "Plain editor prompt" || editor.Budget.Temperature != nil {
		t.Errorf("Unexpected editor prompt %+v", editor)
	}

	// researcher.md is absent from the directory, so the built-in one is used.
	researcher, err := pm.Load("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if researcher.Budget.MaxTurns != 5 {
		t.Errorf("Expected built-in researcher max_turns 5, got %d", researcher.Budget.MaxTurns)
	}
	if !strings.Contains(researcher.Text, "tavily_search_tool") {
		t.Error("Built-in researcher prompt should describe the search tools")
	}
}

func TestPromptManager_BuiltInBudgets(t *testing.T) {
	pm := NewPromptManager("")

	writer, err := pm.Load("writer")
	if err != nil {
		t.Fatal(err)
	}
	if writer.Budget.MaxTokens != 15000 {
		t.Errorf("Expected writer max_tokens 15000, got %d", writer.Budget.MaxTokens)
	}

	editor, err := pm.Load("editor")
	if err != nil {
		t.Fatal(err)
	}
	if editor.Budget.Temperature == nil || *editor.Budget.Temperature != 0 {
		t.Error("Expected editor temperature 0")
	}

	planner, err := pm.Load("planner")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(planner.Text, "{{topic}}") {
		t.Error("Planner prompt should carry the topic placeholder")
	}

	if _, err := pm.Load("unknown"); err == nil {
		t.Error("Expected error for a prompt that does not exist")
	}
}

func TestParsePrompt_UnterminatedFrontMatter(t *testing.T) {
	if _, err := parsePrompt([]byte("---\ntemperature: 1\nno end")); err == nil {
		t.Error("Expected error for unterminated front matter")
	}
}
