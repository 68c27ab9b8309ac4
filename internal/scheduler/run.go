package scheduler

import (
	"context"
	"time"

	"lead-engine/internal/clock"
	"lead-engine/internal/models"
	"lead-engine/internal/telemetry"
)

// Run ticks on interval boundaries until ctx is cancelled. A tick that
// overruns the interval does not lose minutes: the minutes it covered are
// ticked in order on the next wake, up to MaxCatchUp of them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.opts.TickInterval).
		Dur("item_delay", s.opts.ItemDelay).
		Str("daily_metrics_at", s.opts.DailyMetricsAt).
		Msg("scheduler started")

	var last time.Time
	for {
		now := s.clock.Now()
		next := now.Truncate(s.opts.TickInterval).Add(s.opts.TickInterval)
		if err := s.opts.Sleep(ctx, next.Sub(now)); err != nil {
			s.log.Info().Msg("scheduler stopped")
			return err
		}
		last = s.catchUp(ctx, last, s.clock.Now().Truncate(s.opts.TickInterval))
	}
}

// catchUp ticks every interval after last up to and including current and
// returns the last one ticked. With a zero last only current is ticked.
func (s *Scheduler) catchUp(ctx context.Context, last, current time.Time) time.Time {
	if !last.IsZero() && !current.After(last) {
		return last
	}
	first := current
	if !last.IsZero() {
		first = last.Add(s.opts.TickInterval)
	}
	if missed := int(current.Sub(first)/s.opts.TickInterval) + 1; missed > s.opts.MaxCatchUp {
		dropped := missed - s.opts.MaxCatchUp
		s.log.Error().
			Time("from", first).
			Int("dropped", dropped).
			Msg("scheduler fell behind, oldest minutes not ticked")
		first = first.Add(time.Duration(dropped) * s.opts.TickInterval)
	} else if missed > 1 {
		s.log.Warn().Time("from", first).Int("minutes", missed).Msg("catching up on overrun minutes")
	}

	for at := first; !at.After(current); at = at.Add(s.opts.TickInterval) {
		if ctx.Err() != nil {
			return last
		}
		s.runAt(ctx, at)
		last = at
	}
	return last
}

// RunOnce performs the tick for the current minute unless another replica
// already claimed it. It reports whether this process ran the tick.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	return s.runAt(ctx, s.clock.Now())
}

func (s *Scheduler) runAt(ctx context.Context, now time.Time) bool {
	name := "scheduler:tick:" + now.UTC().Format("200601021504")

	// The lock is left to expire so a replica arriving later in the same minute still skips.
	_, ok, err := s.locker.TryAcquire(ctx, name, s.opts.TickLockTTL)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("tick lock unavailable, running anyway")
	case !ok:
		telemetry.SchedulerTicks.WithLabelValues("contended").Inc()
		s.log.Debug().Str("lock", name).Msg("tick claimed by another replica")
		return false
	}

	summary := s.TickAt(ctx, now)
	if summary.Error != "" {
		s.log.Error().Str("error", summary.Error).Str("current_time", summary.CurrentTime).Msg("tick failed")
	}

	if s.opts.DailyMetricsAt != "" && clock.HHMM(now) == s.opts.DailyMetricsAt {
		s.periodicMetrics(ctx, models.PeriodDaily)
		if now.Weekday() == time.Monday {
			s.periodicMetrics(ctx, models.PeriodWeekly)
		}
	}
	return true
}

func (s *Scheduler) periodicMetrics(ctx context.Context, period string) {
	if _, err := s.engine.GenerateHealthMetrics(ctx, period); err != nil {
		s.log.Warn().Err(err).Str("period", period).Msg("health metrics")
	}
}
