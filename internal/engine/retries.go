package engine

import (
	"context"
	"fmt"

	"lead-engine/internal/models"
	"lead-engine/internal/queue"
	"lead-engine/internal/telemetry"
)

// ProcessRetries re-executes every retry that is due and returns how many were processed.
// Entries whose execution could not be recorded go back on the queue at the same attempt.
func (e *Engine) ProcessRetries(ctx context.Context) (int, error) {
	if e.retries == nil {
		return 0, nil
	}
	entries, claimErr := e.retries.ClaimDue(ctx, e.clock.Now(), int64(e.opts.RetryBatchSize))
	if claimErr != nil {
		e.log.Warn().Err(claimErr).Int("claimed", len(entries)).Msg("claim retries")
	}

	processed := 0
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			for _, rest := range entries[i:] {
				e.requeue(context.WithoutCancel(ctx), rest, err)
			}
			return processed, err
		}
		res, err := e.execute(ctx, entry.AutomationID, models.ExecutionRetry, "retry", entry.Attempt)
		processed++
		if err != nil {
			e.log.Error().Err(err).Str("automation_id", entry.AutomationID).Int("attempt", entry.Attempt).Msg("retry execution failed")
			e.requeue(ctx, entry, err)
			continue
		}
		e.log.Info().
			Str("automation_id", entry.AutomationID).
			Int("attempt", entry.Attempt).
			Bool("success", res.Success).
			Bool("rescheduled", res.RetryScheduled).
			Msg("retry processed")
	}

	if depth, err := e.retries.Depth(ctx); err == nil {
		telemetry.RetryQueueDepth.Set(float64(depth))
	}
	if claimErr != nil {
		return processed, fmt.Errorf("claim retries: %w", claimErr)
	}
	return processed, nil
}

// requeue puts a claimed entry back after RequeueDelay, dead-lettering it if
// the queue refuses it.
func (e *Engine) requeue(ctx context.Context, entry queue.RetryEntry, cause error) {
	entry.LastError = cause.Error()
	entry.DueAt = e.clock.Now().Add(e.opts.RequeueDelay)
	if _, err := e.retries.Schedule(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("automation_id", entry.AutomationID).Msg("requeue retry")
		if err := e.retries.DeadLetter(ctx, entry); err != nil {
			e.log.Error().Err(err).Str("automation_id", entry.AutomationID).Msg("dead-letter retry")
			return
		}
		telemetry.RetriesDeadLettered.Inc()
		return
	}
	e.log.Warn().Str("automation_id", entry.AutomationID).Int("attempt", entry.Attempt).Time("due_at", entry.DueAt).Msg("retry requeued")
}
