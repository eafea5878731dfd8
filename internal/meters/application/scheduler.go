package application

import (
	"context"
	"log"
	"time"
)

// Scheduler triggers a daily sync at a configured wall-clock time (UTC).
type Scheduler struct {
	service      *SyncService
	dailyAt      string
	lookbackDays int
	logger       *log.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(service *SyncService, dailyAt string, lookbackDays int, logger *log.Logger) *Scheduler {
	return &Scheduler{
		service:      service,
		dailyAt:      dailyAt,
		lookbackDays: lookbackDays,
		logger:       logger,
	}
}

// Start begins the scheduler loop. It returns when the context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.service == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.shouldRun(now.UTC()) {
				continue
			}
			s.runOnce(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) shouldRun(now time.Time) bool {
	hour, minute, err := parseDailyAt(s.dailyAt)
	if err != nil {
		return false
	}
	return now.Hour() == hour && now.Minute() == minute
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	end := now
	start := end.AddDate(0, 0, -s.lookbackDays)
	if _, err := s.service.Run(ctx, start, end); err != nil && s.logger != nil {
		s.logger.Printf("sync schedule error: %v", err)
	}
}

func parseDailyAt(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
