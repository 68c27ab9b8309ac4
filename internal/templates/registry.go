// Package templates owns the automation catalog: loading it, seeding it into
// storage and validating client settings against each template's rules.
package templates

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"lead-engine/internal/clock"
	"lead-engine/internal/models"
)

// BasicKey is the entry tier every new client gets.
const BasicKey = "lead-conversion-basic"

//go:embed catalog.yaml
var embeddedCatalog []byte

type catalogFile struct {
	Templates []models.AutomationTemplate `yaml:"templates"`
}

// LoadCatalog parses the catalog at path, or the embedded one when path is empty.
func LoadCatalog(path string) ([]models.AutomationTemplate, error) {
	data := embeddedCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		data = b
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Templates))
	for _, t := range f.Templates {
		if t.Key == "" {
			return nil, errors.New("catalog entry without key")
		}
		if seen[t.Key] {
			return nil, fmt.Errorf("duplicate catalog key %q", t.Key)
		}
		seen[t.Key] = true
		if err := Validate(t, t.DefaultSettings.DailyLimit, t.DefaultSettings.ExecutionTime); err != nil {
			return nil, fmt.Errorf("template %s defaults: %w", t.Key, err)
		}
	}
	return f.Templates, nil
}

// Store is the persistence the registry needs.
type Store interface {
	InsertTemplate(ctx context.Context, t models.AutomationTemplate) (models.AutomationTemplate, bool, error)
	ListTemplates(ctx context.Context) ([]models.AutomationTemplate, error)
}

// Registry seeds and serves the template catalog.
type Registry struct {
	store   Store
	catalog []models.AutomationTemplate
	log     zerolog.Logger
}

func NewRegistry(st Store, catalog []models.AutomationTemplate, log zerolog.Logger) *Registry {
	return &Registry{store: st, catalog: catalog, log: log.With().Str("component", "templates").Logger()}
}

// SeedResult reports a seed run.
type SeedResult struct {
	PackagesCreated int      `json:"packagesCreated"`
	TemplateIDs     []string `json:"templateIds"`
	Skipped         []string `json:"skipped,omitempty"`
}

// Seed inserts every catalog template not already stored. TemplateIDs lists the
// id of every catalog entry, new or existing.
func (r *Registry) Seed(ctx context.Context) (SeedResult, error) {
	var res SeedResult
	for _, t := range r.catalog {
		stored, created, err := r.store.InsertTemplate(ctx, t)
		if err != nil {
			return res, fmt.Errorf("seed %s: %w", t.Key, err)
		}
		res.TemplateIDs = append(res.TemplateIDs, stored.ID)
		if created {
			res.PackagesCreated++
		} else {
			res.Skipped = append(res.Skipped, t.Key)
		}
	}
	r.log.Info().Int("created", res.PackagesCreated).Int("skipped", len(res.Skipped)).Msg("template catalog seeded")
	return res, nil
}

// List returns stored templates, highest priority first.
func (r *Registry) List(ctx context.Context) ([]models.AutomationTemplate, error) {
	list, err := r.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	return list, nil
}

// ValidationError lists every rule a settings change broke.
type ValidationError struct {
	Template string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid settings for %s: %v", e.Template, e.Problems)
}

// Validate checks a daily limit and execution time against the template's rules.
func Validate(t models.AutomationTemplate, dailyLimit int, executionTime string) error {
	var problems []string
	rules := t.ValidationRules
	for _, f := range rules.RequiredFields {
		switch f {
		case "daily_limit":
			if dailyLimit == 0 {
				problems = append(problems, "daily_limit is required")
			}
		case "execution_time":
			if executionTime == "" {
				problems = append(problems, "execution_time is required")
			}
		}
	}
	if dailyLimit < 0 {
		problems = append(problems, "daily_limit must not be negative")
	}
	if rules.MinDailyLimit > 0 && dailyLimit != 0 && dailyLimit < rules.MinDailyLimit {
		problems = append(problems, fmt.Sprintf("daily_limit must be at least %d", rules.MinDailyLimit))
	}
	if rules.MaxDailyLimit > 0 && dailyLimit > rules.MaxDailyLimit {
		problems = append(problems, fmt.Sprintf("daily_limit must be at most %d", rules.MaxDailyLimit))
	}
	if executionTime != "" {
		if !clock.ValidHHMM(executionTime) {
			problems = append(problems, "execution_time must be HH:MM")
		} else if len(rules.AllowedExecutionTimes) > 0 && !contains(rules.AllowedExecutionTimes, executionTime) {
			problems = append(problems, fmt.Sprintf("execution_time must be one of %v", rules.AllowedExecutionTimes))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Template: t.Key, Problems: problems}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
