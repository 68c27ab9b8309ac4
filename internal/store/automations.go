package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lead-engine/internal/models"
)

const automationColumns = `id, client_id, template_key, name, is_active, is_paused, targeting, daily_limit, execution_time, total_converted, last_executed, created_at, updated_at`

// CreateAutomation inserts a client automation. The (client, template) pair
// is unique; a duplicate insert surfaces as an error.
func (s *Store) CreateAutomation(ctx context.Context, a models.ClientAutomation) (models.ClientAutomation, error) {
	targeting, err := json.Marshal(a.Targeting)
	if err != nil {
		return models.ClientAutomation{}, fmt.Errorf("marshal targeting: %w", err)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO client_automations (id, client_id, template_key, name, is_active, is_paused, targeting, daily_limit, execution_time, total_converted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
	`, a.ID, a.ClientID, a.TemplateKey, a.Name, a.IsActive, a.IsPaused, targeting, a.DailyLimit, a.ExecutionTime, now)
	if err != nil {
		return models.ClientAutomation{}, fmt.Errorf("insert automation: %w", err)
	}
	return a, nil
}

// GetAutomation fetches one client automation.
func (s *Store) GetAutomation(ctx context.Context, id string) (models.ClientAutomation, error) {
	a, err := scanAutomation(s.pool.QueryRow(ctx, `SELECT `+automationColumns+` FROM client_automations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ClientAutomation{}, fmt.Errorf("automation %s: %w", id, ErrNotFound)
	}
	return a, err
}

// FindAutomation looks up the automation a client has for a template.
func (s *Store) FindAutomation(ctx context.Context, clientID, templateKey string) (models.ClientAutomation, error) {
	a, err := scanAutomation(s.pool.QueryRow(ctx, `
		SELECT `+automationColumns+` FROM client_automations WHERE client_id = $1 AND template_key = $2
	`, clientID, templateKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ClientAutomation{}, fmt.Errorf("automation for client %s template %s: %w", clientID, templateKey, ErrNotFound)
	}
	return a, err
}

// UpdateAutomation persists the editable settings and flags.
func (s *Store) UpdateAutomation(ctx context.Context, a models.ClientAutomation) error {
	targeting, err := json.Marshal(a.Targeting)
	if err != nil {
		return fmt.Errorf("marshal targeting: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE client_automations
		SET name = $2, is_active = $3, is_paused = $4, targeting = $5, daily_limit = $6, execution_time = $7, updated_at = NOW()
		WHERE id = $1
	`, a.ID, a.Name, a.IsActive, a.IsPaused, targeting, a.DailyLimit, a.ExecutionTime)
	if err != nil {
		return fmt.Errorf("update automation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("automation %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// ListDueAutomations returns active, unpaused automations whose execution time equals hhmm,
// in retrieval order (creation time).
func (s *Store) ListDueAutomations(ctx context.Context, hhmm string) ([]models.ClientAutomation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+automationColumns+`
		FROM client_automations
		WHERE execution_time = $1 AND is_active AND NOT COALESCE(is_paused, FALSE)
		ORDER BY created_at, id
	`, hhmm)
	if err != nil {
		return nil, fmt.Errorf("query due automations: %w", err)
	}
	defer rows.Close()

	var out []models.ClientAutomation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordConversionRun adds converted to the running total and stamps last_executed.
func (s *Store) RecordConversionRun(ctx context.Context, id string, converted int, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE client_automations
		SET total_converted = total_converted + $2, last_executed = $3, updated_at = NOW()
		WHERE id = $1
	`, id, converted, at)
	if err != nil {
		return fmt.Errorf("record conversion run: %w", err)
	}
	return nil
}

func scanAutomation(row pgx.Row) (models.ClientAutomation, error) {
	var a models.ClientAutomation
	var targeting []byte
	err := row.Scan(&a.ID, &a.ClientID, &a.TemplateKey, &a.Name, &a.IsActive, &a.IsPaused, &targeting, &a.DailyLimit, &a.ExecutionTime, &a.TotalConverted, &a.LastExecuted, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, fmt.Errorf("scan automation: %w", err)
	}
	if err := json.Unmarshal(targeting, &a.Targeting); err != nil {
		return a, fmt.Errorf("unmarshal targeting: %w", err)
	}
	return a, nil
}
