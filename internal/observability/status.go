package observability

import (
	"sync"
	"time"
)

type SystemStatus struct {
	mu            sync.RWMutex
	Running       int
	Finished      int
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	LastHeartbeat: time.Now(),
}

// TaskStarted records a unit of work entering execution.
func TaskStarted() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.Running++
	TasksRunning.Inc()
}

// TaskFinished records a unit of work leaving execution, whatever its outcome.
func TaskFinished() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if globalStatus.Running > 0 {
		globalStatus.Running--
	}
	globalStatus.Finished++
	TasksRunning.Dec()
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() (running, finished int, lastHeartbeat time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.Running, globalStatus.Finished, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
