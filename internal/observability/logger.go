package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeTask       EventType = "task"
	EventTypePlan       EventType = "plan"
	EventTypeStep       EventType = "step"
	EventTypeToolCall   EventType = "tool_call"
	EventTypeToolResult EventType = "tool_result"
	EventTypePolicy     EventType = "policy_check"
	EventTypeCost       EventType = "cost"
	EventTypeLLM        EventType = "llm"
	EventTypeError      EventType = "error"
	EventTypeHeartbeat  EventType = "heartbeat"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging.
type Logger struct {
	out        io.Writer
	llmLogPath string
	maxSize    int64

	mu sync.Mutex
}

func NewLogger(llmLogPath string, maxSize int64) *Logger {
	if llmLogPath == "" {
		llmLogPath = filepath.Join("logs", "llm.jsonl")
	}
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024 // 10MB
	}
	return &Logger{
		out:        os.Stdout,
		llmLogPath: llmLogPath,
		maxSize:    maxSize,
	}
}

// NewNopLogger discards everything; used by tests and the one-shot CLI.
func NewNopLogger() *Logger {
	return &Logger{out: io.Discard}
}

// Log emits a structured JSON event to stdout.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Fprintf(l.out, "{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))

	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

type taskIDKey struct{}

// WithTaskID tags ctx so agents and tools can attribute their events.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskIDFrom returns the task id stored by WithTaskID, or "".
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

// Helper methods for common events

func (l *Logger) LogTask(taskID, status string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = status
	l.Log(Event{Type: EventTypeTask, TaskID: taskID, Data: data})
}

func (l *Logger) LogPlan(taskID string, steps []string) {
	l.Log(Event{
		Type:   EventTypePlan,
		TaskID: taskID,
		Data:   map[string]any{"steps": steps},
	})
}

func (l *Logger) LogStep(taskID string, index int, title, status string) {
	l.Log(Event{
		Type:   EventTypeStep,
		TaskID: taskID,
		Data: map[string]any{
			"index":  index,
			"title":  title,
			"status": status,
		},
	})
}

func (l *Logger) LogToolCall(taskID, role, tool, args string) {
	l.Log(Event{
		Type:   EventTypeToolCall,
		TaskID: taskID,
		Role:   role,
		Data: map[string]string{
			"tool": tool,
			"args": args,
		},
	})
}

func (l *Logger) LogToolResult(taskID, role, tool string, size int) {
	l.Log(Event{
		Type:   EventTypeToolResult,
		TaskID: taskID,
		Role:   role,
		Data: map[string]any{
			"tool":  tool,
			"bytes": size,
		},
	})
}

func (l *Logger) LogPolicy(taskID, role, tool, effect, reason string) {
	l.Log(Event{
		Type:   EventTypePolicy,
		TaskID: taskID,
		Role:   role,
		Data: map[string]string{
			"tool":   tool,
			"effect": effect,
			"reason": reason,
		},
	})
}

func (l *Logger) LogCost(taskID, role string, promptTokens, completionTokens int) {
	l.Log(Event{
		Type:   EventTypeCost,
		TaskID: taskID,
		Role:   role,
		Data: map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
}

func (l *Logger) LogError(taskID string, err error) {
	l.Log(Event{
		Type:   EventTypeError,
		TaskID: taskID,
		Data:   map[string]string{"error": err.Error()},
	})
}

func (l *Logger) LogHeartbeat() {
	running, finished, _ := GetStatus()
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]any{"status": "alive", "running": running, "finished": finished},
	})
}

func (l *Logger) LogLLM(taskID, role string, prompt any, response string, toolCalls any) {
	l.Log(Event{
		Type:   EventTypeLLM,
		TaskID: taskID,
		Role:   role,
		Data: map[string]any{
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}
