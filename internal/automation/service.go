// Package automation manages client automation records: idempotent setup from
// a template, administrative edits, and diagnostics.
package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"lead-engine/internal/clock"
	"lead-engine/internal/models"
	"lead-engine/internal/store"
	"lead-engine/internal/templates"
)

// ErrTemplateInactive is returned when setting up an automation from a disabled template.
var ErrTemplateInactive = errors.New("template is not active")

// Store is the persistence the service needs.
type Store interface {
	GetTemplate(ctx context.Context, key string) (models.AutomationTemplate, error)
	GetClient(ctx context.Context, id string) (models.Client, error)
	CreateAutomation(ctx context.Context, a models.ClientAutomation) (models.ClientAutomation, error)
	GetAutomation(ctx context.Context, id string) (models.ClientAutomation, error)
	FindAutomation(ctx context.Context, clientID, templateKey string) (models.ClientAutomation, error)
	UpdateAutomation(ctx context.Context, a models.ClientAutomation) error
	ListDueAutomations(ctx context.Context, hhmm string) ([]models.ClientAutomation, error)
	DeleteAutomationData(ctx context.Context) (models.BulkDeleteResult, error)
	SearchID(ctx context.Context, id string) ([]models.IDMatch, error)
}

// Settings carries optional values; nil fields keep the current or default value.
type Settings struct {
	Name          *string           `json:"name,omitempty"`
	DailyLimit    *int              `json:"daily_limit,omitempty"`
	ExecutionTime *string           `json:"execution_time,omitempty"`
	Targeting     *models.Targeting `json:"targeting,omitempty"`
}

// SetupResult reports what a setup call did.
type SetupResult struct {
	AutomationID string                  `json:"automationId"`
	Skipped      bool                    `json:"skipped"`
	Automation   models.ClientAutomation `json:"automation"`
}

type Service struct {
	store Store
	clock clock.Clock
	log   zerolog.Logger
}

func NewService(st Store, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{store: st, clock: clk, log: log.With().Str("component", "automation").Logger()}
}

// SetupBasic creates the basic lead conversion automation for a client.
func (s *Service) SetupBasic(ctx context.Context, clientID string) (SetupResult, error) {
	return s.SetupForClient(ctx, clientID, templates.BasicKey, Settings{})
}

// SetupForClient creates the client's automation for templateKey, copying the
// template defaults. A second call for the same pair returns the existing
// record with Skipped set.
func (s *Service) SetupForClient(ctx context.Context, clientID, templateKey string, overrides Settings) (SetupResult, error) {
	tpl, err := s.store.GetTemplate(ctx, templateKey)
	if err != nil {
		return SetupResult{}, fmt.Errorf("template %s: %w", templateKey, err)
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return SetupResult{}, fmt.Errorf("client %s: %w", clientID, err)
	}

	existing, err := s.store.FindAutomation(ctx, client.ID, tpl.Key)
	switch {
	case err == nil:
		s.log.Info().Str("client_id", client.ID).Str("template", tpl.Key).Str("automation_id", existing.ID).Msg("automation already set up")
		return SetupResult{AutomationID: existing.ID, Skipped: true, Automation: existing}, nil
	case !errors.Is(err, store.ErrNotFound):
		return SetupResult{}, err
	}

	if !tpl.IsActive {
		return SetupResult{}, fmt.Errorf("%w: %s", ErrTemplateInactive, tpl.Key)
	}

	a := models.ClientAutomation{
		ClientID:      client.ID,
		TemplateKey:   tpl.Key,
		Name:          fmt.Sprintf("%s - %s", tpl.Name, client.Name),
		IsActive:      true,
		DailyLimit:    tpl.DefaultSettings.DailyLimit,
		ExecutionTime: tpl.DefaultSettings.ExecutionTime,
	}
	if err := apply(&a, tpl, overrides); err != nil {
		return SetupResult{}, err
	}

	created, err := s.store.CreateAutomation(ctx, a)
	if err != nil {
		// A concurrent setup may have inserted the same pair since the lookup.
		if winner, ferr := s.store.FindAutomation(ctx, client.ID, tpl.Key); ferr == nil {
			s.log.Info().Str("client_id", client.ID).Str("template", tpl.Key).Str("automation_id", winner.ID).Msg("automation set up concurrently")
			return SetupResult{AutomationID: winner.ID, Skipped: true, Automation: winner}, nil
		}
		return SetupResult{}, err
	}
	s.log.Info().
		Str("client_id", client.ID).
		Str("template", tpl.Key).
		Str("automation_id", created.ID).
		Int("daily_limit", created.DailyLimit).
		Str("execution_time", created.ExecutionTime).
		Msg("automation set up")
	return SetupResult{AutomationID: created.ID, Automation: created}, nil
}

// apply validates and copies settings onto a.
func apply(a *models.ClientAutomation, tpl models.AutomationTemplate, in Settings) error {
	if in.Name != nil && *in.Name != "" {
		a.Name = *in.Name
	}
	if in.DailyLimit != nil {
		a.DailyLimit = *in.DailyLimit
	}
	if in.ExecutionTime != nil {
		a.ExecutionTime = *in.ExecutionTime
	}
	if in.Targeting != nil {
		a.Targeting = *in.Targeting
	}
	if err := templates.Validate(tpl, a.DailyLimit, a.ExecutionTime); err != nil {
		return err
	}
	return validateTargeting(tpl, a.Targeting)
}

// validateTargeting rejects filters the template does not offer.
func validateTargeting(tpl models.AutomationTemplate, t models.Targeting) error {
	offered := make(map[string]bool, len(tpl.DefaultSettings.TargetingOptions))
	for _, o := range tpl.DefaultSettings.TargetingOptions {
		offered[o] = true
	}
	var problems []string
	check := func(option string, used bool) {
		if used && !offered[option] {
			problems = append(problems, option+" targeting is not available for this template")
		}
	}
	check("function_groups", len(t.FunctionGroups) > 0)
	check("industries", len(t.Industries) > 0)
	check("countries", len(t.Countries) > 0)
	check("employee_range", t.EmployeeMin != nil || t.EmployeeMax != nil)
	if t.EmployeeMin != nil && t.EmployeeMax != nil && *t.EmployeeMin > *t.EmployeeMax {
		problems = append(problems, "employee_min must not exceed employee_max")
	}
	if len(problems) > 0 {
		return &templates.ValidationError{Template: tpl.Key, Problems: problems}
	}
	return nil
}

// UpdateSettings changes name, limit, time or targeting after validating
// against the automation's template.
func (s *Service) UpdateSettings(ctx context.Context, id string, in Settings) (models.ClientAutomation, error) {
	a, err := s.store.GetAutomation(ctx, id)
	if err != nil {
		return models.ClientAutomation{}, err
	}
	tpl, err := s.store.GetTemplate(ctx, a.TemplateKey)
	if err != nil {
		return models.ClientAutomation{}, fmt.Errorf("template %s: %w", a.TemplateKey, err)
	}
	if err := apply(&a, tpl, in); err != nil {
		return models.ClientAutomation{}, err
	}
	if err := s.store.UpdateAutomation(ctx, a); err != nil {
		return models.ClientAutomation{}, err
	}
	return s.store.GetAutomation(ctx, id)
}

func (s *Service) Pause(ctx context.Context, id string) (models.ClientAutomation, error) {
	return s.setFlags(ctx, id, func(a *models.ClientAutomation) { a.IsPaused = true })
}

func (s *Service) Resume(ctx context.Context, id string) (models.ClientAutomation, error) {
	return s.setFlags(ctx, id, func(a *models.ClientAutomation) { a.IsPaused = false })
}

// Deactivate turns the automation off without deleting its history.
func (s *Service) Deactivate(ctx context.Context, id string) (models.ClientAutomation, error) {
	return s.setFlags(ctx, id, func(a *models.ClientAutomation) { a.IsActive = false })
}

func (s *Service) setFlags(ctx context.Context, id string, mutate func(*models.ClientAutomation)) (models.ClientAutomation, error) {
	a, err := s.store.GetAutomation(ctx, id)
	if err != nil {
		return models.ClientAutomation{}, err
	}
	mutate(&a)
	if err := s.store.UpdateAutomation(ctx, a); err != nil {
		return models.ClientAutomation{}, err
	}
	s.log.Info().Str("automation_id", id).Bool("active", a.IsActive).Bool("paused", a.IsPaused).Msg("automation flags changed")
	return s.store.GetAutomation(ctx, id)
}

// Inspect resolves an automation's template and client and reports whether
// the scheduler would pick it up in the current minute.
func (s *Service) Inspect(ctx context.Context, id string) (models.AutomationInspection, error) {
	a, err := s.store.GetAutomation(ctx, id)
	if err != nil {
		return models.AutomationInspection{}, err
	}
	now := s.clock.Now()
	out := models.AutomationInspection{
		Automation:   a,
		CurrentTime:  clock.HHMM(now),
		ShouldRunNow: a.DueAt(clock.HHMM(now)),
		CheckedAt:    now,
	}
	if tpl, err := s.store.GetTemplate(ctx, a.TemplateKey); err == nil {
		out.Template = &tpl
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.AutomationInspection{}, err
	}
	if c, err := s.store.GetClient(ctx, a.ClientID); err == nil {
		out.Client = &c
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.AutomationInspection{}, err
	}
	return out, nil
}

// ListDueNow returns the automations the scheduler would run this minute.
func (s *Service) ListDueNow(ctx context.Context) ([]models.ClientAutomation, error) {
	due, err := s.store.ListDueAutomations(ctx, clock.HHMM(s.clock.Now()))
	if err != nil {
		return nil, err
	}
	if due == nil {
		due = []models.ClientAutomation{}
	}
	return due, nil
}

// Reset deletes every automation and execution row.
func (s *Service) Reset(ctx context.Context) (models.BulkDeleteResult, error) {
	res, err := s.store.DeleteAutomationData(ctx)
	if err != nil {
		return res, err
	}
	ev := s.log.Warn()
	for _, t := range res.Tables {
		ev = ev.Int64(t.Table, t.Deleted)
	}
	ev.Bool("complete", res.Complete()).Msg("automation data reset")
	return res, nil
}

// SearchID lists the tables that contain id.
func (s *Service) SearchID(ctx context.Context, id string) ([]models.IDMatch, error) {
	matches, err := s.store.SearchID(ctx, id)
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []models.IDMatch{}
	}
	return matches, nil
}
