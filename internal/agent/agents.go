// Package agent holds the language-model side of report generation: the
// planner that proposes a plan and the step agents that carry it out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/scholar/internal/governance"
	"github.com/rahul/scholar/internal/observability"
	"github.com/rahul/scholar/internal/tools"
	"github.com/rahul/scholar/internal/workflow"
)

const defaultMaxTurns = 5

// StepAgent runs one role's model, with a ReAct tool loop when it has tools.
// Model and tool failures never surface as errors: the output becomes a
// "[Model Error: ...]" placeholder instead.
type StepAgent struct {
	Role     workflow.Role
	Model    llms.Model
	Registry *tools.Registry
	Policy   governance.PolicyEngine
	Prompt   RolePrompt
	Logger   *observability.Logger
}

func NewStepAgent(role workflow.Role, model llms.Model, registry *tools.Registry, policy governance.PolicyEngine, prompt RolePrompt, logger *observability.Logger) *StepAgent {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &StepAgent{
		Role:     role,
		Model:    model,
		Registry: registry,
		Policy:   policy,
		Prompt:   prompt,
		Logger:   logger,
	}
}

type toolUse struct {
	name, args string
}

func (a *StepAgent) callOptions(llmTools []llms.Tool) []llms.CallOption {
	var opts []llms.CallOption
	if t := a.Prompt.Budget.Temperature; t != nil {
		opts = append(opts, llms.WithTemperature(*t))
	}
	if a.Prompt.Budget.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(a.Prompt.Budget.MaxTokens))
	}
	if len(llmTools) > 0 {
		opts = append(opts, llms.WithTools(llmTools))
	}
	return opts
}

func (a *StepAgent) tools() []llms.Tool {
	if a.Registry == nil {
		return nil
	}
	var llmTools []llms.Tool
	for _, t := range a.Registry.List() {
		llmTools = append(llmTools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return llmTools
}

func (a *StepAgent) Run(ctx context.Context, task string) (string, []llms.MessageContent, error) {
	taskID := observability.TaskIDFrom(ctx)

	var messages []llms.MessageContent
	if system := a.Prompt.Render(nil); system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, task))

	llmTools := a.tools()
	opts := a.callOptions(llmTools)
	maxTurns := 1
	if len(llmTools) > 0 {
		maxTurns = a.Prompt.Budget.MaxTurns
		if maxTurns <= 0 {
			maxTurns = defaultMaxTurns
		}
	}

	var used []toolUse
	var final string
	answered := false

	for turn := 0; turn < maxTurns; turn++ {
		choice, err := a.generate(ctx, taskID, messages, opts)
		if err != nil {
			return modelError(err), messages, nil
		}

		var parts []llms.ContentPart
		if choice.Content != "" {
			parts = append(parts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			parts = append(parts, tc)
		}
		messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})

		if len(choice.ToolCalls) == 0 {
			final = choice.Content
			answered = true
			break
		}

		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			used = append(used, toolUse{tc.FunctionCall.Name, tc.FunctionCall.Arguments})
			result := a.execTool(ctx, taskID, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: tc.ID,
						Name:       tc.FunctionCall.Name,
						Content:    result,
					},
				},
			})
		}
	}

	if !answered {
		// Turn budget spent while the model still wanted tools: ask for the
		// answer with tool use switched off.
		choice, err := a.generate(ctx, taskID, messages, append(opts, llms.WithToolChoice("none")))
		if err != nil {
			return modelError(err), messages, nil
		}
		final = choice.Content
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, final))
	}

	if lines := toolLines(used); len(lines) > 0 {
		final += "\n\n## Tools used\n" + strings.Join(lines, "\n")
	}
	return final, messages, nil
}

func (a *StepAgent) generate(ctx context.Context, taskID string, messages []llms.MessageContent, opts []llms.CallOption) (*llms.ContentChoice, error) {
	resp, err := a.Model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		a.Logger.LogError(taskID, fmt.Errorf("%s model: %w", a.Role, err))
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from model")
	}
	choice := resp.Choices[0]
	recordUsage(a.Logger, taskID, string(a.Role), choice.GenerationInfo)
	a.Logger.LogLLM(taskID, string(a.Role), messages, choice.Content, choice.ToolCalls)
	return choice, nil
}

func (a *StepAgent) execTool(ctx context.Context, taskID, name, args string) string {
	role := string(a.Role)
	a.Logger.LogToolCall(taskID, role, name, args)

	var tool tools.Tool
	if a.Registry != nil {
		tool = a.Registry.Get(name)
	}
	if tool == nil {
		observability.ToolCalls.WithLabelValues(name, "unknown").Inc()
		return fmt.Sprintf("Error: Tool %s not found", name)
	}

	if a.Policy != nil {
		res, err := a.Policy.Evaluate(ctx, governance.Request{TaskID: taskID, Role: role, Tool: name, Arguments: args})
		if err != nil {
			res = governance.Result{Effect: governance.EffectDeny, Reason: err.Error()}
		}
		a.Logger.LogPolicy(taskID, role, name, string(res.Effect), res.Reason)
		if res.Effect == governance.EffectDeny {
			observability.ToolCalls.WithLabelValues(name, "denied").Inc()
			return fmt.Sprintf("Error: tool call denied: %s", res.Reason)
		}
	}

	out, err := tool.Execute(ctx, args)
	if err != nil {
		log.Printf("[%s] tool %s failed: %v", role, name, err)
		observability.ToolCalls.WithLabelValues(name, "error").Inc()
		return fmt.Sprintf("Error: %v", err)
	}
	observability.ToolCalls.WithLabelValues(name, "ok").Inc()
	a.Logger.LogToolResult(taskID, role, name, len(out))
	return out
}

func modelError(err error) string {
	return fmt.Sprintf("[Model Error: %v]", err)
}

func recordUsage(logger *observability.Logger, taskID, role string, info map[string]any) {
	prompt, _ := info["PromptTokens"].(int)
	completion, _ := info["CompletionTokens"].(int)
	if prompt == 0 && completion == 0 {
		return
	}
	observability.ModelTokens.WithLabelValues(role, "prompt").Add(float64(prompt))
	observability.ModelTokens.WithLabelValues(role, "completion").Add(float64(completion))
	logger.LogCost(taskID, role, prompt, completion)
}

// toolLines renders each distinct call once, in call order, as name(k=v, ...).
func toolLines(used []toolUse) []string {
	seen := make(map[toolUse]bool)
	var lines []string
	for _, u := range used {
		if seen[u] {
			continue
		}
		seen[u] = true
		lines = append(lines, fmt.Sprintf("- %s(%s)", u.name, formatArgs(u.args)))
	}
	return lines
}

func formatArgs(raw string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return raw
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(m[k])
		kv = append(kv, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(kv, ", ")
}
