package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/scholar/internal/observability"
	"github.com/rahul/scholar/internal/workflow"
)

// Planner asks the model for a list of step titles and repairs the answer
// until it satisfies the plan contract. It never fails: unusable answers
// yield the fallback plan.
type Planner struct {
	Model  llms.Model
	Prompt RolePrompt
	Logger *observability.Logger
}

func NewPlanner(model llms.Model, prompt RolePrompt, logger *observability.Logger) *Planner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Planner{Model: model, Prompt: prompt, Logger: logger}
}

func (p *Planner) Plan(ctx context.Context, topic string) workflow.Plan {
	taskID := observability.TaskIDFrom(ctx)
	prompt := p.Prompt.Render(map[string]string{"topic": topic})

	var opts []llms.CallOption
	if t := p.Prompt.Budget.Temperature; t != nil {
		opts = append(opts, llms.WithTemperature(*t))
	}
	if p.Prompt.Budget.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.Prompt.Budget.MaxTokens))
	}

	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}
	resp, err := p.Model.GenerateContent(ctx, messages, opts...)
	if err != nil || resp == nil || len(resp.Choices) == 0 {
		if err == nil {
			err = errors.New("empty response")
		}
		log.Printf("planner model failed, using fallback plan: %v", err)
		p.Logger.LogError(taskID, fmt.Errorf("planner: %w", err))
		observability.PlanFallbacks.Inc()
		return workflow.FallbackPlan()
	}

	raw := resp.Choices[0].Content
	recordUsage(p.Logger, taskID, "planner", resp.Choices[0].GenerationInfo)
	p.Logger.LogLLM(taskID, "planner", prompt, raw, nil)

	steps := ParseSteps(raw)
	if len(steps) == 0 {
		log.Printf("planner output unusable, using fallback plan")
		observability.PlanFallbacks.Inc()
		return workflow.FallbackPlan()
	}
	return workflow.EnforceContract(steps)
}

var fence = regexp.MustCompile("(?s)^```[A-Za-z]*\\n?(.*?)\\n?```$")

// ParseSteps reads a list of strings from model output. It accepts a JSON
// array, a single- or double-quoted literal list, and either form wrapped in
// a code fence. Any non-string element rejects the whole list. At most
// MaxPlanSteps titles are returned.
func ParseSteps(raw string) []string {
	s := strings.TrimSpace(raw)
	if steps, ok := parseList(s); ok {
		return capSteps(steps)
	}
	if m := fence.FindStringSubmatch(s); m != nil {
		if steps, ok := parseList(strings.TrimSpace(m[1])); ok {
			return capSteps(steps)
		}
	}
	return nil
}

func capSteps(steps []string) []string {
	if len(steps) > workflow.MaxPlanSteps {
		steps = steps[:workflow.MaxPlanSteps]
	}
	return steps
}

func parseList(s string) ([]string, bool) {
	var steps []string
	if err := json.Unmarshal([]byte(s), &steps); err == nil {
		return steps, steps != nil
	}
	return parseLiteralList(s)
}

// parseLiteralList scans a bracketed list whose elements are quoted strings,
// as written by models that answer with a Python list.
func parseLiteralList(s string) ([]string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, false
	}
	body := s[1 : len(s)-1]
	out := []string{}
	i := 0
	expectItem := true
	for {
		for i < len(body) && isSpace(body[i]) {
			i++
		}
		if i >= len(body) {
			return out, true
		}
		c := body[i]
		switch {
		case c == ',' && !expectItem:
			expectItem = true
			i++
		case (c == '\'' || c == '"') && expectItem:
			str, n, ok := scanQuoted(body[i:])
			if !ok {
				return nil, false
			}
			out = append(out, str)
			i += n
			expectItem = false
		default:
			return nil, false
		}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// scanQuoted reads a quoted string at the start of s and returns its value
// and the number of bytes consumed.
func scanQuoted(s string) (string, int, bool) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); {
		c := s[i]
		switch {
		case c == quote:
			return b.String(), i + 1, true
		case c == '\\' && i+1 < len(s):
			switch e := s[i+1]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(e)
			}
			i += 2
		case c == '\n':
			return "", 0, false
		default:
			r, size := utf8.DecodeRuneInString(s[i:])
			b.WriteRune(r)
			i += size
		}
	}
	return "", 0, false
}
