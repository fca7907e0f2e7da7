package workflow

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically evicts progress of tasks that finished more than ttl
// ago. Status queries keep working from the task store.
type Sweeper struct {
	Registry *Registry
	TTL      time.Duration
	Interval time.Duration
}

func NewSweeper(registry *Registry, ttl, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{Registry: registry, TTL: ttl, Interval: interval}
}

// Start blocks until ctx is done. A zero TTL disables eviction.
func (s *Sweeper) Start(ctx context.Context) {
	if s.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Printf("Progress sweeper started (ttl %s)", s.TTL)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Sweeper) sweep(now time.Time) int {
	n := s.Registry.Evict(now.Add(-s.TTL))
	if n > 0 {
		log.Printf("Evicted progress of %d finished tasks", n)
	}
	return n
}
