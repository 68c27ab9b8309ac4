// Package memstore is an in-process implementation of the repository used by
// the engine, scheduler and API. It mirrors the Postgres store's semantics and
// backs local runs without a database as well as tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lead-engine/internal/models"
	"lead-engine/internal/store"
)

// Store keeps every record type in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	templates   map[string]models.AutomationTemplate
	clients     map[string]models.Client
	companies   map[string]models.Company
	leads       map[string]models.Lead
	contacts    map[string]models.Contact
	automations map[string]models.ClientAutomation
	executions  []models.AutomationExecution
	metrics     []models.HealthMetrics

	// insertion order for stable listings
	automationOrder []string
	leadOrder       []string

	// BeforeContactInsert, when set, runs before a contact is stored and can
	// fail the insert.
	BeforeContactInsert func(models.Contact) error
	// DueQueryErr, when set, fails ListDueAutomations.
	DueQueryErr error
}

func New() *Store {
	return &Store{
		templates:   make(map[string]models.AutomationTemplate),
		clients:     make(map[string]models.Client),
		companies:   make(map[string]models.Company),
		leads:       make(map[string]models.Lead),
		contacts:    make(map[string]models.Contact),
		automations: make(map[string]models.ClientAutomation),
	}
}

func notFound(kind, ref string) error {
	return fmt.Errorf("%s %s: %w", kind, ref, store.ErrNotFound)
}

// PutClient stores or replaces a client.
func (s *Store) PutClient(c models.Client) models.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.clients[c.ID] = c
	return c
}

// PutCompany stores or replaces a company.
func (s *Store) PutCompany(c models.Company) models.Company {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	s.companies[c.ID] = c
	return c
}

// PutLead stores or replaces a lead.
func (s *Store) PutLead(l models.Lead) models.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if _, ok := s.leads[l.ID]; !ok {
		s.leadOrder = append(s.leadOrder, l.ID)
	}
	s.leads[l.ID] = l
	return l
}

// Contacts returns the contacts of a client.
func (s *Store) Contacts(clientID string) []models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if c.ClientID == clientID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeadID < out[j].LeadID })
	return out
}

// Executions returns a copy of the execution log.
func (s *Store) Executions() []models.AutomationExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AutomationExecution(nil), s.executions...)
}

// InsertTemplate creates the template unless the key exists.
func (s *Store) InsertTemplate(_ context.Context, t models.AutomationTemplate) (models.AutomationTemplate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.templates[t.Key]; ok {
		return existing, false, nil
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.templates[t.Key] = t
	return t, true, nil
}

func (s *Store) GetTemplate(_ context.Context, key string) (models.AutomationTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[key]
	if !ok {
		return models.AutomationTemplate{}, notFound("template", key)
	}
	return t, nil
}

func (s *Store) ListTemplates(_ context.Context) ([]models.AutomationTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AutomationTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *Store) GetClient(_ context.Context, id string) (models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return models.Client{}, notFound("client", id)
	}
	return c, nil
}

func (s *Store) GetClientByDomain(_ context.Context, domain string) (models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if strings.EqualFold(c.Domain, domain) {
			return c, nil
		}
	}
	return models.Client{}, notFound("client", domain)
}

func (s *Store) DebitCredits(_ context.Context, clientID string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return notFound("client", clientID)
	}
	c.Credits -= amount
	if c.Credits < 0 {
		c.Credits = 0
	}
	s.clients[clientID] = c
	return nil
}

func (s *Store) GetCompany(_ context.Context, id string) (models.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[id]
	if !ok {
		return models.Company{}, notFound("company", id)
	}
	return c, nil
}

func (s *Store) GetLead(_ context.Context, id string) (models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return models.Lead{}, notFound("lead", id)
	}
	return l, nil
}

func (s *Store) FindEligibleLeads(_ context.Context, clientID string, t models.Targeting, limit int) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	candidates := make([]models.Lead, 0, len(s.leadOrder))
	for _, id := range s.leadOrder {
		l := s.leads[id]
		if _, converted := s.contacts[contactKey(l.ID, clientID)]; converted {
			continue
		}
		if !t.Matches(l) {
			continue
		}
		candidates = append(candidates, l)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func contactKey(leadID, clientID string) string {
	return leadID + "|" + clientID
}

func (s *Store) ContactExists(_ context.Context, leadID, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contacts[contactKey(leadID, clientID)]
	return ok, nil
}

func (s *Store) ConvertLead(_ context.Context, c models.Contact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contactKey(c.LeadID, c.ClientID)
	if _, ok := s.contacts[key]; ok {
		return false, nil
	}
	if s.BeforeContactInsert != nil {
		if err := s.BeforeContactInsert(c); err != nil {
			return false, fmt.Errorf("insert contact: %w", err)
		}
	}
	s.contacts[key] = c
	if l, ok := s.leads[c.LeadID]; ok {
		l.TotalContacts++
		at := c.CreatedAt
		l.LastConvertedAt = &at
		s.leads[c.LeadID] = l
	}
	return true, nil
}

func (s *Store) CreateAutomation(_ context.Context, a models.ClientAutomation) (models.ClientAutomation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.automations {
		if existing.ClientID == a.ClientID && existing.TemplateKey == a.TemplateKey {
			return models.ClientAutomation{}, fmt.Errorf("insert automation: duplicate client %s template %s", a.ClientID, a.TemplateKey)
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	a.TotalConverted = 0
	s.automations[a.ID] = a
	s.automationOrder = append(s.automationOrder, a.ID)
	return a, nil
}

func (s *Store) GetAutomation(_ context.Context, id string) (models.ClientAutomation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return models.ClientAutomation{}, notFound("automation", id)
	}
	return a, nil
}

func (s *Store) FindAutomation(_ context.Context, clientID, templateKey string) (models.ClientAutomation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.automationOrder {
		a := s.automations[id]
		if a.ClientID == clientID && a.TemplateKey == templateKey {
			return a, nil
		}
	}
	return models.ClientAutomation{}, notFound("automation", clientID+"/"+templateKey)
}

func (s *Store) UpdateAutomation(_ context.Context, a models.ClientAutomation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.automations[a.ID]
	if !ok {
		return notFound("automation", a.ID)
	}
	existing.Name = a.Name
	existing.IsActive = a.IsActive
	existing.IsPaused = a.IsPaused
	existing.Targeting = a.Targeting
	existing.DailyLimit = a.DailyLimit
	existing.ExecutionTime = a.ExecutionTime
	existing.UpdatedAt = time.Now().UTC()
	s.automations[a.ID] = existing
	return nil
}

func (s *Store) ListDueAutomations(_ context.Context, hhmm string) ([]models.ClientAutomation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DueQueryErr != nil {
		return nil, s.DueQueryErr
	}
	var out []models.ClientAutomation
	for _, id := range s.automationOrder {
		if a := s.automations[id]; a.DueAt(hhmm) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) RecordConversionRun(_ context.Context, id string, converted int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return notFound("automation", id)
	}
	a.TotalConverted += converted
	a.LastExecuted = &at
	a.UpdatedAt = time.Now().UTC()
	s.automations[id] = a
	return nil
}

func (s *Store) InsertExecution(_ context.Context, e models.AutomationExecution) (models.AutomationExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now().UTC()
	}
	s.executions = append(s.executions, e)
	return e, nil
}

func (s *Store) ConvertedSince(_ context.Context, automationID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.executions {
		if e.AutomationID == automationID && !e.ExecutedAt.Before(since) {
			n += e.LeadsConverted
		}
	}
	return n, nil
}

func (s *Store) ListExecutionsBetween(_ context.Context, from, to time.Time) ([]models.AutomationExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AutomationExecution
	for _, e := range s.executions {
		if e.ExecutedAt.After(from) && !e.ExecutedAt.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) InsertHealthMetrics(_ context.Context, m models.HealthMetrics) (models.HealthMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	s.metrics = append(s.metrics, m)
	return m, nil
}

func (s *Store) LatestHealthMetrics(_ context.Context, period string) (models.HealthMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.metrics) - 1; i >= 0; i-- {
		if s.metrics[i].Period == period {
			return s.metrics[i], nil
		}
	}
	return models.HealthMetrics{}, notFound("health metrics", period)
}

func (s *Store) DeleteAutomationData(_ context.Context) (models.BulkDeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execs := int64(len(s.executions))
	autos := int64(len(s.automations))
	s.executions = nil
	s.automations = make(map[string]models.ClientAutomation)
	s.automationOrder = nil
	return models.BulkDeleteResult{Tables: []models.TableDeleteResult{
		{Table: "automation_executions", Attempted: execs, Deleted: execs},
		{Table: "client_automations", Attempted: autos, Deleted: autos},
	}}, nil
}

func (s *Store) SearchID(_ context.Context, id string) ([]models.IDMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.IDMatch
	add := func(table string, ok bool) {
		if ok {
			out = append(out, models.IDMatch{Table: table, ID: id})
		}
	}
	tplFound := false
	for _, t := range s.templates {
		if t.ID == id {
			tplFound = true
		}
	}
	add("automation_templates", tplFound)
	_, ok := s.clients[id]
	add("clients", ok)
	_, ok = s.companies[id]
	add("companies", ok)
	_, ok = s.leads[id]
	add("leads", ok)
	contactFound := false
	for _, c := range s.contacts {
		if c.ID == id {
			contactFound = true
		}
	}
	add("contacts", contactFound)
	_, ok = s.automations[id]
	add("client_automations", ok)
	execFound := false
	for _, e := range s.executions {
		if e.ID == id {
			execFound = true
		}
	}
	add("automation_executions", execFound)
	metricFound := false
	for _, m := range s.metrics {
		if m.ID == id {
			metricFound = true
		}
	}
	add("health_metrics", metricFound)
	return out, nil
}

var _ store.Repository = (*Store)(nil)
