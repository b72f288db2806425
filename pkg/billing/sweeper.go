package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the period-end sweep every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// SweepExpired cancels subscriptions that were scheduled to end at period end
// and whose period has passed. Failures on one record are logged and do not
// stop the sweep. It returns the number of records canceled.
func (e *Engine) SweepExpired(ctx context.Context) (canceled int, err error) {
	start := time.Now()
	defer func() { e.observe(opSweep, start, err) }()

	now := e.clock.Now()
	due, err := e.subs.ListDueForCancellation(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list subscriptions due for cancellation: %w", err)
	}

	for _, candidate := range due {
		if ctx.Err() != nil {
			return canceled, ctx.Err()
		}
		done, err := e.expire(ctx, candidate.OrganizationID, now)
		if err != nil {
			e.logger.Error("failed to expire subscription",
				F("organization_id", candidate.OrganizationID), Err(err))
			continue
		}
		if done {
			canceled++
		}
	}
	if canceled > 0 {
		e.logger.Info("expired subscriptions canceled", F("count", canceled))
	}
	return canceled, nil
}

func (e *Engine) expire(ctx context.Context, organizationID string, now time.Time) (bool, error) {
	done := false
	err := e.withOrgLock(ctx, organizationID, func(ctx context.Context) error {
		sub, err := e.subs.FindByOrganization(ctx, organizationID)
		if err != nil {
			return err
		}
		if sub.Status != StatusActive || !sub.CancelAtPeriodEnd || sub.CurrentPeriod.End.After(now) {
			return nil
		}
		if sub.ExternalSubscriptionRef != "" {
			e.cancelExternalBestEffort(ctx, sub)
		}
		sub.Status = StatusCanceled
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
		sub.UpdatedAt = now
		if err := e.subs.Save(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		e.recordStatusChange(StatusActive, StatusCanceled)
		done = true
		return nil
	})
	return done, err
}

// Sweeper runs SweepExpired on a cron schedule.
type Sweeper struct {
	engine   *Engine
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
}

// NewSweeper creates a Sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(engine *Engine, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		engine:   engine,
		cron:     cron.New(),
		schedule: schedule,
		timeout:  time.Minute,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.engine.SweepExpired(ctx); err != nil {
		s.engine.logger.Error("period-end sweep failed", Err(err))
	}
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	s.engine.logger.Info("period-end sweeper started", F("schedule", s.schedule))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
