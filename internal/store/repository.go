package store

import (
	"context"
	"time"

	"lead-engine/internal/models"
)

// Repository is the full persistence surface. *Store implements it on
// Postgres and memstore.Store implements it in memory.
type Repository interface {
	InsertTemplate(ctx context.Context, t models.AutomationTemplate) (models.AutomationTemplate, bool, error)
	GetTemplate(ctx context.Context, key string) (models.AutomationTemplate, error)
	ListTemplates(ctx context.Context) ([]models.AutomationTemplate, error)

	GetClient(ctx context.Context, id string) (models.Client, error)
	GetClientByDomain(ctx context.Context, domain string) (models.Client, error)
	DebitCredits(ctx context.Context, clientID string, amount int) error
	GetCompany(ctx context.Context, id string) (models.Company, error)
	GetLead(ctx context.Context, id string) (models.Lead, error)
	FindEligibleLeads(ctx context.Context, clientID string, t models.Targeting, limit int) ([]models.Lead, error)
	ContactExists(ctx context.Context, leadID, clientID string) (bool, error)
	ConvertLead(ctx context.Context, c models.Contact) (bool, error)

	CreateAutomation(ctx context.Context, a models.ClientAutomation) (models.ClientAutomation, error)
	GetAutomation(ctx context.Context, id string) (models.ClientAutomation, error)
	FindAutomation(ctx context.Context, clientID, templateKey string) (models.ClientAutomation, error)
	UpdateAutomation(ctx context.Context, a models.ClientAutomation) error
	ListDueAutomations(ctx context.Context, hhmm string) ([]models.ClientAutomation, error)
	RecordConversionRun(ctx context.Context, id string, converted int, at time.Time) error

	InsertExecution(ctx context.Context, e models.AutomationExecution) (models.AutomationExecution, error)
	ConvertedSince(ctx context.Context, automationID string, since time.Time) (int, error)
	ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]models.AutomationExecution, error)
	InsertHealthMetrics(ctx context.Context, m models.HealthMetrics) (models.HealthMetrics, error)
	LatestHealthMetrics(ctx context.Context, period string) (models.HealthMetrics, error)

	DeleteAutomationData(ctx context.Context) (models.BulkDeleteResult, error)
	SearchID(ctx context.Context, id string) ([]models.IDMatch, error)
}

var _ Repository = (*Store)(nil)
