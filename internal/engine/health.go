package engine

import (
	"context"
	"fmt"
	"time"

	"lead-engine/internal/models"
)

func periodWindow(period string) (time.Duration, error) {
	switch period {
	case models.PeriodHourly:
		return time.Hour, nil
	case models.PeriodDaily:
		return 24 * time.Hour, nil
	case models.PeriodWeekly:
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown metrics period %q", period)
	}
}

// GenerateHealthMetrics rolls up executions of the window ending now and stores the result.
func (e *Engine) GenerateHealthMetrics(ctx context.Context, period string) (models.HealthMetrics, error) {
	window, err := periodWindow(period)
	if err != nil {
		return models.HealthMetrics{}, err
	}
	end := e.clock.Now()
	start := end.Add(-window)

	execs, err := e.store.ListExecutionsBetween(ctx, start, end)
	if err != nil {
		return models.HealthMetrics{}, fmt.Errorf("list executions: %w", err)
	}

	m := Aggregate(execs)
	m.Period = period
	m.WindowStart = start
	m.WindowEnd = end
	m.GeneratedAt = end

	stored, err := e.store.InsertHealthMetrics(ctx, m)
	if err != nil {
		return models.HealthMetrics{}, fmt.Errorf("store health metrics: %w", err)
	}

	if e.archiver != nil {
		if where, err := e.archiver.Archive(ctx, stored); err != nil {
			e.log.Warn().Err(err).Str("period", period).Msg("archive health metrics")
		} else {
			e.log.Debug().Str("location", where).Msg("health metrics archived")
		}
	}
	e.log.Info().
		Str("period", period).
		Int("executions", stored.TotalExecutions).
		Float64("success_rate", stored.SuccessRate).
		Int("leads_converted", stored.LeadsConverted).
		Msg("health metrics generated")
	return stored, nil
}

// Aggregate summarises executions. Skipped runs count toward the total and
// the error breakdown but not toward the success rate.
func Aggregate(execs []models.AutomationExecution) models.HealthMetrics {
	m := models.HealthMetrics{ErrorBreakdown: map[string]int{}}
	automations := make(map[string]struct{})
	for _, x := range execs {
		m.TotalExecutions++
		automations[x.AutomationID] = struct{}{}
		switch {
		case x.Succeeded():
			m.SuccessfulExecutions++
		case x.Status == models.StatusFailed:
			m.FailedExecutions++
		}
		m.LeadsConverted += x.LeadsConverted
		if x.ErrorCode != nil && *x.ErrorCode != "" {
			m.ErrorBreakdown[*x.ErrorCode]++
		}
	}
	m.ActiveAutomations = len(automations)
	if attempted := m.SuccessfulExecutions + m.FailedExecutions; attempted > 0 {
		m.SuccessRate = float64(m.SuccessfulExecutions) / float64(attempted)
	}
	if m.SuccessfulExecutions > 0 {
		m.AvgLeadsPerExecution = float64(m.LeadsConverted) / float64(m.SuccessfulExecutions)
	}
	return m
}
