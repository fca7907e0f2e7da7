package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Task status values. A task is created running and moves to done or error
// exactly once.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already reached a terminal status")
	ErrLeaseHeld       = errors.New("task lease is still held by its owner")
	ErrLeaseLost       = errors.New("task is no longer leased to this owner")
)

// Task is the durable record of one report request.
type Task struct {
	ID        string          `db:"id" json:"id"`
	Prompt    string          `db:"prompt" json:"prompt"`
	Status    string          `db:"status" json:"status"`
	Result    json.RawMessage `db:"-" json:"result,omitempty"`
	Error     string          `db:"-" json:"error,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`

	// Owner names the process running the task. It renews LeaseUntil (unix
	// millis) for as long as the task is in flight.
	Owner      string `db:"owner" json:"owner,omitempty"`
	LeaseUntil int64  `db:"lease_until" json:"-"`
}
