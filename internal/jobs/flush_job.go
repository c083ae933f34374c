package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"mindmesh/internal/services"
)

// FlushScheduler drives the periodic outbox flush. The interval bounds
// how stale the durable log can get between bursts; threshold flushes
// cover the bursts themselves.
type FlushScheduler struct {
	scheduler gocron.Scheduler
	interval  time.Duration
}

// NewFlushScheduler creates the scheduler with the flush job registered.
func NewFlushScheduler(outbox *services.OutboxService, interval time.Duration) (*FlushScheduler, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			outbox.FlushAll(context.Background())
		}),
		gocron.WithName("outbox_flush"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register flush job: %w", err)
	}

	return &FlushScheduler{scheduler: scheduler, interval: interval}, nil
}

// Start begins the periodic flush.
func (s *FlushScheduler) Start() {
	s.scheduler.Start()
	log.Printf("⏰ [SCHEDULER] Outbox flush running every %v", s.interval)
}

// Shutdown stops the scheduler and waits for a running flush to finish.
func (s *FlushScheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}
