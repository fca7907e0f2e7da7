// Package gateway exposes report generation to clients.
package gateway

import (
	"context"

	"github.com/rahul/scholar/internal/workflow"
)

// Reports is the part of the workflow service a gateway talks to.
type Reports interface {
	// Submit records and schedules a report request and returns its task id.
	Submit(ctx context.Context, prompt string) (string, error)
	// Progress returns the step records of a task, empty for unknown ids.
	Progress(ctx context.Context, taskID string) []workflow.StepRecord
	// Status returns the durable status, or store.ErrNotFound.
	Status(ctx context.Context, taskID string) (workflow.TaskStatus, error)
}

// Gateway is a client-facing front end (HTTP today).
type Gateway interface {
	// Start serves until Stop is called or the listener fails
	Start() error
	// Stop gracefully shuts down the gateway
	Stop(ctx context.Context) error
}
