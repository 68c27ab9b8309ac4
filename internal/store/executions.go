package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"lead-engine/internal/models"
)

// InsertExecution appends an execution audit row.
func (s *Store) InsertExecution(ctx context.Context, e models.AutomationExecution) (models.AutomationExecution, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_executions (id, automation_id, client_id, execution_type, trigger_source, status, leads_converted, leads_skipped, leads_failed, error_message, error_code, retry_attempt, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.AutomationID, e.ClientID, string(e.ExecutionType), e.TriggerSource, e.Status, e.LeadsConverted, e.LeadsSkipped, e.LeadsFailed, e.ErrorMessage, e.ErrorCode, e.RetryAttempt, e.ExecutedAt)
	if err != nil {
		return models.AutomationExecution{}, fmt.Errorf("insert execution: %w", err)
	}
	return e, nil
}

// ConvertedSince sums leads converted by the automation at or after since.
func (s *Store) ConvertedSince(ctx context.Context, automationID string, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(leads_converted), 0) FROM automation_executions
		WHERE automation_id = $1 AND executed_at >= $2
	`, automationID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("sum converted: %w", err)
	}
	return n, nil
}

// ListExecutionsBetween returns executions in (from, to].
func (s *Store) ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]models.AutomationExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, automation_id, client_id, execution_type, trigger_source, status, leads_converted, leads_skipped, leads_failed, error_message, error_code, retry_attempt, executed_at
		FROM automation_executions
		WHERE executed_at > $1 AND executed_at <= $2
		ORDER BY executed_at
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationExecution
	for rows.Next() {
		var e models.AutomationExecution
		var execType string
		var msg, code pgtype.Text
		if err := rows.Scan(&e.ID, &e.AutomationID, &e.ClientID, &execType, &e.TriggerSource, &e.Status, &e.LeadsConverted, &e.LeadsSkipped, &e.LeadsFailed, &msg, &code, &e.RetryAttempt, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.ExecutionType = models.ExecutionType(execType)
		e.ErrorMessage = textPtr(msg)
		e.ErrorCode = textPtr(code)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertHealthMetrics stores a rollup.
func (s *Store) InsertHealthMetrics(ctx context.Context, m models.HealthMetrics) (models.HealthMetrics, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	breakdown, err := json.Marshal(m.ErrorBreakdown)
	if err != nil {
		return models.HealthMetrics{}, fmt.Errorf("marshal error breakdown: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO health_metrics (id, period, window_start, window_end, total_executions, successful_executions, failed_executions, success_rate, leads_converted, avg_leads_per_execution, active_automations, error_breakdown, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, m.ID, m.Period, m.WindowStart, m.WindowEnd, m.TotalExecutions, m.SuccessfulExecutions, m.FailedExecutions, m.SuccessRate, m.LeadsConverted, m.AvgLeadsPerExecution, m.ActiveAutomations, breakdown, m.GeneratedAt)
	if err != nil {
		return models.HealthMetrics{}, fmt.Errorf("insert health metrics: %w", err)
	}
	return m, nil
}

// LatestHealthMetrics returns the most recent rollup for a period.
func (s *Store) LatestHealthMetrics(ctx context.Context, period string) (models.HealthMetrics, error) {
	var m models.HealthMetrics
	var breakdown []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, period, window_start, window_end, total_executions, successful_executions, failed_executions, success_rate, leads_converted, avg_leads_per_execution, active_automations, error_breakdown, generated_at
		FROM health_metrics WHERE period = $1 ORDER BY generated_at DESC LIMIT 1
	`, period).Scan(&m.ID, &m.Period, &m.WindowStart, &m.WindowEnd, &m.TotalExecutions, &m.SuccessfulExecutions, &m.FailedExecutions, &m.SuccessRate, &m.LeadsConverted, &m.AvgLeadsPerExecution, &m.ActiveAutomations, &breakdown, &m.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.HealthMetrics{}, fmt.Errorf("health metrics %s: %w", period, ErrNotFound)
	}
	if err != nil {
		return models.HealthMetrics{}, fmt.Errorf("scan health metrics: %w", err)
	}
	if err := json.Unmarshal(breakdown, &m.ErrorBreakdown); err != nil {
		return models.HealthMetrics{}, fmt.Errorf("unmarshal error breakdown: %w", err)
	}
	return m, nil
}
