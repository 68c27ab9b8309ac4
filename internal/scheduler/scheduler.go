// Package scheduler selects the automations due in the current minute and runs
// them one at a time through the engine, in template priority order.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"lead-engine/internal/clock"
	"lead-engine/internal/lock"
	"lead-engine/internal/models"
	"lead-engine/internal/telemetry"
)

// Engine is the execution surface the scheduler drives.
type Engine interface {
	Execute(ctx context.Context, automationID string, execType models.ExecutionType, triggerSource string) (models.ExecutionResult, error)
	ProcessRetries(ctx context.Context) (int, error)
	GenerateHealthMetrics(ctx context.Context, period string) (models.HealthMetrics, error)
}

// Store reads due automations and their templates.
type Store interface {
	ListDueAutomations(ctx context.Context, hhmm string) ([]models.ClientAutomation, error)
	GetTemplate(ctx context.Context, key string) (models.AutomationTemplate, error)
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options tunes pacing and the run loop.
type Options struct {
	// ItemDelay is the pause after every executed automation.
	ItemDelay time.Duration
	// TickInterval is the loop period used by Run.
	TickInterval time.Duration
	// TickLockTTL bounds the per-minute lock that keeps replicas from double-running a tick.
	TickLockTTL time.Duration
	// DailyMetricsAt is the HH:MM at which Run also produces the daily rollup.
	DailyMetricsAt string
	// MaxCatchUp bounds how many overrun intervals Run ticks after a slow tick.
	MaxCatchUp int
	Sleep      SleepFunc
}

func (o Options) withDefaults() Options {
	if o.ItemDelay < 0 {
		o.ItemDelay = 0
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Minute
	}
	if o.TickLockTTL <= 0 {
		o.TickLockTTL = 2 * o.TickInterval
	}
	if o.MaxCatchUp <= 0 {
		o.MaxCatchUp = 5
	}
	if o.Sleep == nil {
		o.Sleep = Sleep
	}
	return o
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Scheduler struct {
	engine Engine
	store  Store
	locker lock.Locker
	clock  clock.Clock
	log    zerolog.Logger
	opts   Options
}

func New(eng Engine, st Store, locker lock.Locker, clk clock.Clock, log zerolog.Logger, opts Options) *Scheduler {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Scheduler{
		engine: eng,
		store:  st,
		locker: locker,
		clock:  clk,
		log:    log.With().Str("component", "scheduler").Logger(),
		opts:   opts.withDefaults(),
	}
}

// Tick runs one scheduling pass for the current minute.
func (s *Scheduler) Tick(ctx context.Context) models.TickSummary {
	return s.TickAt(ctx, s.clock.Now())
}

// TickAt runs one scheduling pass as if the time were now. It never returns
// an error; failures are reported in the summary.
func (s *Scheduler) TickAt(ctx context.Context, now time.Time) (summary models.TickSummary) {
	summary = models.TickSummary{
		Timestamp:   now.UnixMilli(),
		CurrentTime: clock.HHMM(now),
		Results:     []models.ExecutionResult{},
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("current_time", summary.CurrentTime).Msg("scheduler tick panicked")
			telemetry.SchedulerTicks.WithLabelValues("error").Inc()
			summary = models.TickSummary{
				Timestamp:   summary.Timestamp,
				CurrentTime: summary.CurrentTime,
				Results:     []models.ExecutionResult{},
				Error:       fmt.Sprintf("scheduler panic: %v", r),
			}
		}
	}()

	retried, err := s.engine.ProcessRetries(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("process retries")
	}
	summary.RetriesProcessed = retried

	due, err := s.store.ListDueAutomations(ctx, summary.CurrentTime)
	if err != nil {
		s.log.Error().Err(err).Str("current_time", summary.CurrentTime).Msg("list due automations")
		telemetry.SchedulerTicks.WithLabelValues("error").Inc()
		summary.RetriesProcessed = 0
		summary.Error = err.Error()
		return summary
	}
	telemetry.SchedulerDue.Set(float64(len(due)))
	summary.TotalAutomations = len(due)
	if len(due) == 0 {
		telemetry.SchedulerTicks.WithLabelValues("idle").Inc()
		s.log.Debug().Str("current_time", summary.CurrentTime).Int("retries", retried).Msg("no automations due")
		return summary
	}

	s.sortByPriority(ctx, due)

	for i, a := range due {
		res := s.runOne(ctx, a)
		summary.Results = append(summary.Results, res)
		if res.Success {
			summary.ExecutedCount++
		}
		if err := s.opts.Sleep(ctx, s.opts.ItemDelay); err != nil {
			s.log.Warn().Err(err).Int("remaining", len(due)-i-1).Msg("tick interrupted")
			break
		}
	}

	if _, err := s.engine.GenerateHealthMetrics(ctx, models.PeriodHourly); err != nil {
		s.log.Warn().Err(err).Msg("hourly health metrics")
	} else {
		summary.HealthMetricsGenerated = true
	}

	telemetry.SchedulerTicks.WithLabelValues("ran").Inc()
	s.log.Info().
		Str("current_time", summary.CurrentTime).
		Int("due", summary.TotalAutomations).
		Int("executed", summary.ExecutedCount).
		Int("retries", summary.RetriesProcessed).
		Bool("metrics", summary.HealthMetricsGenerated).
		Msg("scheduler tick finished")
	return summary
}

// sortByPriority orders automations by descending template priority, keeping
// retrieval order among equals. A missing template counts as priority 0.
func (s *Scheduler) sortByPriority(ctx context.Context, due []models.ClientAutomation) {
	priorities := make(map[string]int, len(due))
	for _, a := range due {
		if _, ok := priorities[a.TemplateKey]; ok {
			continue
		}
		tpl, err := s.store.GetTemplate(ctx, a.TemplateKey)
		if err != nil {
			s.log.Debug().Err(err).Str("template", a.TemplateKey).Msg("template priority unavailable")
			priorities[a.TemplateKey] = 0
			continue
		}
		priorities[a.TemplateKey] = tpl.Priority
	}
	sort.SliceStable(due, func(i, j int) bool {
		return priorities[due[i].TemplateKey] > priorities[due[j].TemplateKey]
	})
}

// runOne executes a single automation, turning engine errors and panics into
// SCHEDULER_ERROR results so the loop continues.
func (s *Scheduler) runOne(ctx context.Context, a models.ClientAutomation) (res models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("automation_id", a.ID).Msg("automation execution panicked")
			res = schedulerError(a.ID, fmt.Sprintf("panic: %v", r))
		}
	}()
	res, err := s.engine.Execute(ctx, a.ID, models.ExecutionScheduled, "cron")
	if err != nil {
		s.log.Error().Err(err).Str("automation_id", a.ID).Msg("automation execution failed")
		return schedulerError(a.ID, err.Error())
	}
	return res
}

func schedulerError(automationID, msg string) models.ExecutionResult {
	return models.ExecutionResult{
		AutomationID: automationID,
		Status:       models.StatusFailed,
		ErrorCode:    models.CodeSchedulerError,
		ErrorMessage: msg,
	}
}
