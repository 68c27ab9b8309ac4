package store

import (
	"context"
	"fmt"

	"lead-engine/internal/models"
)

// searchableTables lists every table with a text primary key named id.
var searchableTables = []string{
	"automation_templates",
	"clients",
	"companies",
	"leads",
	"contacts",
	"client_automations",
	"automation_executions",
	"health_metrics",
}

// DeleteAutomationData removes every execution and client automation.
// Each table is deleted in its own statement; a failure on one table is
// reported in the result and does not stop the next.
func (s *Store) DeleteAutomationData(ctx context.Context) (models.BulkDeleteResult, error) {
	var res models.BulkDeleteResult
	for _, table := range []string{"automation_executions", "client_automations"} {
		entry := models.TableDeleteResult{Table: table}
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&entry.Attempted); err != nil {
			entry.Error = fmt.Sprintf("count: %v", err)
			res.Tables = append(res.Tables, entry)
			continue
		}
		tag, err := s.pool.Exec(ctx, `DELETE FROM `+table)
		if err != nil {
			entry.Error = fmt.Sprintf("delete: %v", err)
		} else {
			entry.Deleted = tag.RowsAffected()
		}
		res.Tables = append(res.Tables, entry)
	}
	return res, nil
}

// SearchID reports which tables hold a row with the given id.
func (s *Store) SearchID(ctx context.Context, id string) ([]models.IDMatch, error) {
	var out []models.IDMatch
	for _, table := range searchableTables {
		var found bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&found); err != nil {
			return nil, fmt.Errorf("search %s: %w", table, err)
		}
		if found {
			out = append(out, models.IDMatch{Table: table, ID: id})
		}
	}
	return out, nil
}
