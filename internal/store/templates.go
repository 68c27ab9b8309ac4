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

const templateColumns = `id, key, name, description, category, type, default_settings, validation_rules, is_active, version, priority, created_at, updated_at`

// InsertTemplate creates the template unless one with the same key exists.
// It returns the stored row and whether it was newly created.
func (s *Store) InsertTemplate(ctx context.Context, t models.AutomationTemplate) (models.AutomationTemplate, bool, error) {
	settings, err := json.Marshal(t.DefaultSettings)
	if err != nil {
		return models.AutomationTemplate{}, false, fmt.Errorf("marshal default settings: %w", err)
	}
	rules, err := json.Marshal(t.ValidationRules)
	if err != nil {
		return models.AutomationTemplate{}, false, fmt.Errorf("marshal validation rules: %w", err)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO automation_templates (id, key, name, description, category, type, default_settings, validation_rules, is_active, version, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (key) DO NOTHING
	`, t.ID, t.Key, t.Name, t.Description, t.Category, t.Type, settings, rules, t.IsActive, t.Version, t.Priority, now)
	if err != nil {
		return models.AutomationTemplate{}, false, fmt.Errorf("insert template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetTemplate(ctx, t.Key)
		return existing, false, err
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return t, true, nil
}

// GetTemplate fetches a template by key.
func (s *Store) GetTemplate(ctx context.Context, key string) (models.AutomationTemplate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM automation_templates WHERE key = $1`, key)
	t, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutomationTemplate{}, fmt.Errorf("template %s: %w", key, ErrNotFound)
	}
	return t, err
}

// ListTemplates returns the catalog ordered by descending priority.
func (s *Store) ListTemplates(ctx context.Context) ([]models.AutomationTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateColumns+` FROM automation_templates ORDER BY priority DESC, key`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTemplate(row pgx.Row) (models.AutomationTemplate, error) {
	var t models.AutomationTemplate
	var settings, rules []byte
	if err := row.Scan(&t.ID, &t.Key, &t.Name, &t.Description, &t.Category, &t.Type, &settings, &rules, &t.IsActive, &t.Version, &t.Priority, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal(settings, &t.DefaultSettings); err != nil {
		return t, fmt.Errorf("unmarshal default settings: %w", err)
	}
	if err := json.Unmarshal(rules, &t.ValidationRules); err != nil {
		return t, fmt.Errorf("unmarshal validation rules: %w", err)
	}
	return t, nil
}
