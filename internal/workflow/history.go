package workflow

import (
	"fmt"
	"strings"
)

// category labels a history entry when it is replayed as context.
func category(e HistoryEntry) string {
	t := strings.ToLower(e.Title)
	switch {
	case strings.Contains(t, "draft") || e.Role == RoleWriter:
		return "Draft"
	case strings.Contains(t, "feedback") || e.Role == RoleEditor:
		return "Feedback"
	case strings.Contains(t, "research") || e.Role == RoleResearcher:
		return "Research"
	default:
		return "Other"
	}
}

// EnrichTask builds the text handed to the agent for the next step: the
// user prompt, every earlier output in full, then the step title.
func EnrichTask(prompt string, history []HistoryEntry, title string) string {
	var b strings.Builder
	b.WriteString("User Prompt:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nHistory so far:\n")
	if len(history) == 0 {
		b.WriteString("(none)\n")
	}
	for i, e := range history {
		cat := category(e)
		if cat == "Other" {
			fmt.Fprintf(&b, "\n### Other (Step %d) by %s\n", i+1, e.Role)
		} else {
			fmt.Fprintf(&b, "\n### %s (Step %d)\n", cat, i+1)
		}
		b.WriteString(strings.TrimSpace(e.Output))
		b.WriteString("\n")
	}
	b.WriteString("\nYour next task:\n")
	b.WriteString(title)
	b.WriteString("\n")
	return b.String()
}

// FormatHistory renders entries for a human reader.
func FormatHistory(entries []HistoryEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("**%s**\n%s\n\nOutput:\n%s", e.Title, e.Description, e.Output))
	}
	return strings.Join(parts, "\n\n")
}

// auditContent is the substep body recorded when a step completes.
func auditContent(prompt string, previous []HistoryEntry, enriched, output string) string {
	prev := FormatHistory(previous)
	if prev == "" {
		prev = "(first step)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#### User Prompt\n%s\n\n", prompt)
	fmt.Fprintf(&b, "#### Previous Step\n%s\n\n", prev)
	fmt.Fprintf(&b, "#### Your next task\n%s\n\n", strings.TrimSpace(enriched))
	fmt.Fprintf(&b, "#### Output\n%s", output)
	return b.String()
}
