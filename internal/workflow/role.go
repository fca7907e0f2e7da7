package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Role selects the agent that handles a step.
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleWriter     Role = "writer"
	RoleEditor     Role = "editor"
	RoleUnknown    Role = "unknown"
)

// ErrUnclassifiableStep is returned for a step whose title names no role.
var ErrUnclassifiableStep = errors.New("unknown step type")

// ClassifyRole maps a step title to a role by case-insensitive keyword. The
// research keywords win over writing ones, which win over editing ones.
func ClassifyRole(title string) Role {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "research"):
		return RoleResearcher
	case strings.Contains(t, "draft"), strings.Contains(t, "write"):
		return RoleWriter
	case strings.Contains(t, "revise"), strings.Contains(t, "edit"), strings.Contains(t, "feedback"):
		return RoleEditor
	default:
		return RoleUnknown
	}
}

// resolveRole honours the role tagged by the planner and falls back to the
// title for untagged steps.
func resolveRole(step PlanStep) (Role, error) {
	role := step.Role
	if role == "" {
		role = ClassifyRole(step.Title)
	}
	switch role {
	case RoleResearcher, RoleWriter, RoleEditor:
		return role, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: %s", ErrUnclassifiableStep, step.Title)
	}
}
