// Package governance decides whether a step agent may run a tool call.
package governance

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request contains the context of a tool call to be evaluated.
type Request struct {
	TaskID    string
	Role      string
	Tool      string
	Arguments string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates tool calls against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies listed tools and argument patterns everywhere,
// and restricts roles that have an allow list to the tools on it. Roles
// without an allow list may call any tool that is not denied.
type DefaultPolicyEngine struct {
	mu          sync.RWMutex
	DeniedTools map[string]bool
	DeniedRegex []*regexp.Regexp
	RoleTools   map[string]map[string]bool
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedTools: make(map[string]bool),
		DeniedRegex: make([]*regexp.Regexp, 0),
		RoleTools:   make(map[string]map[string]bool),
	}
}

func (e *DefaultPolicyEngine) DenyTool(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedTools[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

// AllowForRole sets the tools role may call. An empty list forbids all tools.
func (e *DefaultPolicyEngine) AllowForRole(role string, tools ...string) {
	allowed := make(map[string]bool, len(tools))
	for _, t := range tools {
		allowed[t] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RoleTools[role] = allowed
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.DeniedTools[req.Tool] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Tool '%s' is restricted by system policy", req.Tool),
		}, nil
	}

	if allowed, ok := e.RoleTools[req.Role]; ok && !allowed[req.Tool] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Tool '%s' is not available to the %s agent", req.Tool, req.Role),
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}
