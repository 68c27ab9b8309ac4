// Package engine runs client automations: one bounded lead-to-contact
// conversion per execution, retries for failed runs, health rollups, and the
// administrative batch conversion path that shares the same conversion code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lead-engine/internal/clock"
	"lead-engine/internal/lock"
	"lead-engine/internal/models"
	"lead-engine/internal/queue"
	"lead-engine/internal/store"
	"lead-engine/internal/telemetry"
)

// Store is the persistence the engine needs.
type Store interface {
	GetTemplate(ctx context.Context, key string) (models.AutomationTemplate, error)
	GetClient(ctx context.Context, id string) (models.Client, error)
	GetClientByDomain(ctx context.Context, domain string) (models.Client, error)
	DebitCredits(ctx context.Context, clientID string, amount int) error
	GetCompany(ctx context.Context, id string) (models.Company, error)
	GetLead(ctx context.Context, id string) (models.Lead, error)
	FindEligibleLeads(ctx context.Context, clientID string, t models.Targeting, limit int) ([]models.Lead, error)
	ContactExists(ctx context.Context, leadID, clientID string) (bool, error)
	ConvertLead(ctx context.Context, c models.Contact) (bool, error)
	GetAutomation(ctx context.Context, id string) (models.ClientAutomation, error)
	RecordConversionRun(ctx context.Context, id string, converted int, at time.Time) error
	InsertExecution(ctx context.Context, e models.AutomationExecution) (models.AutomationExecution, error)
	ConvertedSince(ctx context.Context, automationID string, since time.Time) (int, error)
	ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]models.AutomationExecution, error)
	InsertHealthMetrics(ctx context.Context, m models.HealthMetrics) (models.HealthMetrics, error)
}

// RetryQueue holds failed executions until they are due again.
type RetryQueue interface {
	Schedule(ctx context.Context, e queue.RetryEntry) (queue.RetryEntry, error)
	ClaimDue(ctx context.Context, now time.Time, limit int64) ([]queue.RetryEntry, error)
	DeadLetter(ctx context.Context, e queue.RetryEntry) error
	Depth(ctx context.Context) (int64, error)
}

// Archiver persists health rollups outside the database.
type Archiver interface {
	Archive(ctx context.Context, m models.HealthMetrics) (string, error)
}

// Options tunes batch bounds, locking and retry draining.
type Options struct {
	MicroBatchSize int
	MaxBatchLeads  int
	LockTTL        time.Duration
	RetryBatchSize int
	// RequeueDelay postpones a retry whose execution failed before it could be recorded.
	RequeueDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MicroBatchSize <= 0 {
		o.MicroBatchSize = 10
	}
	if o.MaxBatchLeads <= 0 {
		o.MaxBatchLeads = 500
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Minute
	}
	if o.RetryBatchSize <= 0 {
		o.RetryBatchSize = 50
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = 5 * time.Minute
	}
	return o
}

// Engine executes automations. It is safe for sequential use by one scheduler
// and concurrent use by API handlers; per-automation exclusion comes from the locker.
type Engine struct {
	store    Store
	retries  RetryQueue
	locker   lock.Locker
	archiver Archiver
	clock    clock.Clock
	log      zerolog.Logger
	opts     Options
}

// New wires an engine. archiver may be nil.
func New(st Store, retries RetryQueue, locker lock.Locker, archiver Archiver, clk clock.Clock, log zerolog.Logger, opts Options) *Engine {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Engine{
		store:    st,
		retries:  retries,
		locker:   locker,
		archiver: archiver,
		clock:    clk,
		log:      log.With().Str("component", "engine").Logger(),
		opts:     opts.withDefaults(),
	}
}

// outcome is the engine-internal verdict before it is persisted.
type outcome struct {
	status    string
	code      string
	message   string
	converted int
	skipped   int
	failed    int
	retryable bool
}

// Execute performs one conversion run for the automation. Business failures
// come back as an unsuccessful result; the error is reserved for failures
// that prevented the outcome from being recorded.
func (e *Engine) Execute(ctx context.Context, automationID string, execType models.ExecutionType, triggerSource string) (models.ExecutionResult, error) {
	return e.execute(ctx, automationID, execType, triggerSource, 0)
}

func (e *Engine) execute(ctx context.Context, automationID string, execType models.ExecutionType, source string, attempt int) (models.ExecutionResult, error) {
	now := e.clock.Now()

	a, err := e.store.GetAutomation(ctx, automationID)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.ExecutionsTotal.WithLabelValues(string(execType), models.StatusFailed).Inc()
		return models.ExecutionResult{
			AutomationID: automationID,
			Status:       models.StatusFailed,
			ErrorCode:    models.CodeAutomationNotFound,
			ErrorMessage: err.Error(),
		}, nil
	}
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("load automation %s: %w", automationID, err)
	}

	if !a.IsActive {
		return e.finish(ctx, a, nil, execType, source, attempt, now, outcome{status: models.StatusSkipped, code: models.CodeAutomationInactive, message: "automation is not active"})
	}
	if a.IsPaused && execType != models.ExecutionManual {
		return e.finish(ctx, a, nil, execType, source, attempt, now, outcome{status: models.StatusSkipped, code: models.CodeAutomationPaused, message: "automation is paused"})
	}

	tpl, err := e.store.GetTemplate(ctx, a.TemplateKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return models.ExecutionResult{}, fmt.Errorf("load template %s: %w", a.TemplateKey, err)
		}
		return e.finish(ctx, a, nil, execType, source, attempt, now, outcome{status: models.StatusFailed, code: models.CodeTemplateNotFound, message: err.Error()})
	}

	client, err := e.store.GetClient(ctx, a.ClientID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return models.ExecutionResult{}, fmt.Errorf("load client %s: %w", a.ClientID, err)
		}
		return e.finish(ctx, a, &tpl, execType, source, attempt, now, outcome{status: models.StatusFailed, code: models.CodeClientNotFound, message: err.Error()})
	}

	release, ok, err := e.locker.TryAcquire(ctx, "automation:"+a.ID, e.opts.LockTTL)
	if err != nil {
		// Redis trouble should not stop conversions; the contacts unique key still prevents duplicates.
		e.log.Warn().Err(err).Str("automation_id", a.ID).Msg("automation lock unavailable, running unlocked")
	} else if !ok {
		telemetry.LockContention.Inc()
		return e.finish(ctx, a, &tpl, execType, source, attempt, now, outcome{status: models.StatusSkipped, code: models.CodeAlreadyRunning, message: "another run holds the automation lock"})
	} else {
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				e.log.Warn().Err(err).Str("automation_id", a.ID).Msg("release automation lock")
			}
		}()
	}

	converted, err := e.store.ConvertedSince(ctx, a.ID, clock.StartOfDay(now))
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("daily usage for %s: %w", a.ID, err)
	}
	allowance := a.DailyLimit - converted
	if allowance <= 0 {
		return e.finish(ctx, a, &tpl, execType, source, attempt, now, outcome{status: models.StatusSkipped, code: models.CodeDailyLimitReached, message: fmt.Sprintf("daily limit %d reached", a.DailyLimit)})
	}

	cost := tpl.DefaultSettings.CreditsPerLead
	if cost > 0 {
		affordable := client.Credits / cost
		if affordable <= 0 {
			return e.finish(ctx, a, &tpl, execType, source, attempt, now, outcome{status: models.StatusFailed, code: models.CodeInsufficientCredits, message: fmt.Sprintf("client has %d credits, %d needed per lead", client.Credits, cost)})
		}
		if affordable < allowance {
			allowance = affordable
		}
	}

	leads, err := e.store.FindEligibleLeads(ctx, client.ID, a.Targeting, allowance)
	if err != nil {
		return e.finish(ctx, a, &tpl, execType, source, attempt, now, outcome{status: models.StatusFailed, code: models.CodeLeadQueryFailed, message: err.Error(), retryable: true})
	}

	batch := e.convertLeads(ctx, client, leads, "automation:"+a.ID, now)

	if err := e.store.RecordConversionRun(ctx, a.ID, batch.ConvertedCount, now); err != nil {
		e.log.Error().Err(err).Str("automation_id", a.ID).Msg("record conversion counters")
	}
	if cost > 0 && batch.ConvertedCount > 0 {
		if err := e.store.DebitCredits(ctx, client.ID, batch.ConvertedCount*cost); err != nil {
			e.log.Error().Err(err).Str("client_id", client.ID).Msg("debit credits")
		}
	}

	oc := outcome{
		status:    models.StatusSuccess,
		converted: batch.ConvertedCount,
		skipped:   batch.SkippedCount,
		failed:    len(batch.Errors),
	}
	if len(batch.Errors) > 0 {
		oc.message = fmt.Sprintf("%d of %d leads failed: %s", len(batch.Errors), len(leads), batch.Errors[0].Message)
		if batch.ConvertedCount > 0 {
			oc.status = models.StatusPartial
		} else {
			oc.status = models.StatusFailed
			oc.code = models.CodeConversionFailed
			oc.retryable = true
		}
	}
	return e.finish(ctx, a, &tpl, execType, source, attempt, now, oc)
}

// finish appends the execution row, updates telemetry and queues a retry for
// retryable failures.
func (e *Engine) finish(ctx context.Context, a models.ClientAutomation, tpl *models.AutomationTemplate, execType models.ExecutionType, source string, attempt int, now time.Time, oc outcome) (models.ExecutionResult, error) {
	row := models.AutomationExecution{
		AutomationID:   a.ID,
		ClientID:       a.ClientID,
		ExecutionType:  execType,
		TriggerSource:  source,
		Status:         oc.status,
		LeadsConverted: oc.converted,
		LeadsSkipped:   oc.skipped,
		LeadsFailed:    oc.failed,
		RetryAttempt:   attempt,
		ExecutedAt:     now,
	}
	if oc.message != "" {
		row.ErrorMessage = &oc.message
	}
	if oc.code != "" {
		row.ErrorCode = &oc.code
	}

	res := models.ExecutionResult{
		AutomationID:   a.ID,
		Success:        row.Succeeded(),
		Status:         oc.status,
		LeadsConverted: oc.converted,
		LeadsSkipped:   oc.skipped,
		LeadsFailed:    oc.failed,
		ErrorMessage:   oc.message,
		ErrorCode:      oc.code,
	}

	stored, err := e.store.InsertExecution(ctx, row)
	telemetry.ExecutionsTotal.WithLabelValues(string(execType), oc.status).Inc()
	if err != nil {
		return res, fmt.Errorf("record execution for %s: %w", a.ID, err)
	}
	res.ExecutionID = stored.ID

	logEvent := e.log.Info()
	if oc.status == models.StatusFailed {
		logEvent = e.log.Error()
	}
	logEvent.
		Str("automation_id", a.ID).
		Str("client_id", a.ClientID).
		Str("execution_id", stored.ID).
		Str("type", string(execType)).
		Str("status", oc.status).
		Str("error_code", oc.code).
		Int("converted", oc.converted).
		Int("attempt", attempt).
		Msg("automation executed")

	if oc.status == models.StatusFailed && oc.retryable && tpl != nil {
		res.RetryScheduled = e.scheduleRetry(ctx, a, *tpl, attempt, oc, now)
	}
	return res, nil
}

func (e *Engine) scheduleRetry(ctx context.Context, a models.ClientAutomation, tpl models.AutomationTemplate, attempt int, oc outcome, now time.Time) bool {
	if e.retries == nil {
		return false
	}
	entry := queue.RetryEntry{
		AutomationID:  a.ID,
		Attempt:       attempt + 1,
		LastErrorCode: oc.code,
		LastError:     oc.message,
		DueAt:         now.Add(time.Duration(tpl.DefaultSettings.RetryDelayMinutes) * time.Minute),
	}
	if entry.Attempt > tpl.DefaultSettings.MaxRetries {
		entry.Attempt = attempt
		if err := e.retries.DeadLetter(ctx, entry); err != nil {
			e.log.Error().Err(err).Str("automation_id", a.ID).Msg("dead-letter retry")
		}
		telemetry.RetriesDeadLettered.Inc()
		e.log.Warn().Str("automation_id", a.ID).Int("attempts", attempt).Msg("retries exhausted")
		return false
	}
	if _, err := e.retries.Schedule(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("automation_id", a.ID).Msg("schedule retry")
		return false
	}
	telemetry.RetriesScheduled.Inc()
	e.log.Info().Str("automation_id", a.ID).Int("attempt", entry.Attempt).Time("due_at", entry.DueAt).Msg("retry scheduled")
	return true
}
