package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lead-engine/internal/logging"
	"lead-engine/internal/models"
	"lead-engine/internal/store"
	"lead-engine/internal/telemetry"
)

var (
	// ErrBatchTooLarge is returned when a call exceeds its lead cap.
	ErrBatchTooLarge = errors.New("batch too large")
	// ErrClientNotFound is returned when a client reference resolves to nothing.
	ErrClientNotFound = errors.New("client not found")
)

// ResolveClient accepts either a client id or a client domain.
func (e *Engine) ResolveClient(ctx context.Context, ref string) (models.Client, error) {
	c, err := e.store.GetClient(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Client{}, err
	}
	c, err = e.store.GetClientByDomain(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return models.Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, ref)
	}
	return c, err
}

// ConvertBatch converts at most MicroBatchSize leads for one client. A lead
// that already has a contact for the client is skipped; a lead that fails is
// reported in Errors and the rest of the batch continues.
func (e *Engine) ConvertBatch(ctx context.Context, clientRef string, leadIDs []string) (models.BatchResult, error) {
	if len(leadIDs) > e.opts.MicroBatchSize {
		return models.BatchResult{}, fmt.Errorf("%w: %d leads, micro batch limit is %d", ErrBatchTooLarge, len(leadIDs), e.opts.MicroBatchSize)
	}
	client, err := e.ResolveClient(ctx, clientRef)
	if err != nil {
		return models.BatchResult{}, err
	}
	res := e.convertByID(ctx, client, leadIDs, e.clock.Now())
	res.Batches = 1
	return res, nil
}

// ConvertAll splits leadIDs into micro batches and converts them one batch at
// a time, accumulating totals.
func (e *Engine) ConvertAll(ctx context.Context, clientRef string, leadIDs []string) (models.BatchResult, error) {
	if len(leadIDs) > e.opts.MaxBatchLeads {
		return models.BatchResult{}, fmt.Errorf("%w: %d leads, limit is %d", ErrBatchTooLarge, len(leadIDs), e.opts.MaxBatchLeads)
	}
	client, err := e.ResolveClient(ctx, clientRef)
	if err != nil {
		return models.BatchResult{}, err
	}

	total := models.BatchResult{ClientID: client.ID, Errors: []models.LeadError{}}
	for start := 0; start < len(leadIDs); start += e.opts.MicroBatchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := start + e.opts.MicroBatchSize
		if end > len(leadIDs) {
			end = len(leadIDs)
		}
		total.Add(e.convertByID(ctx, client, leadIDs[start:end], e.clock.Now()))
	}
	e.log.Info().
		Str("client_id", client.ID).
		Int("batches", total.Batches).
		Int("converted", total.ConvertedCount).
		Int("skipped", total.SkippedCount).
		Int("errors", len(total.Errors)).
		Msg("batch conversion finished")
	return total, nil
}

func (e *Engine) convertByID(ctx context.Context, client models.Client, leadIDs []string, now time.Time) models.BatchResult {
	res := models.BatchResult{ClientID: client.ID, Errors: []models.LeadError{}}
	for _, id := range leadIDs {
		exists, err := e.store.ContactExists(ctx, id, client.ID)
		if err != nil {
			e.leadFailed(&res, id, err)
			continue
		}
		if exists {
			res.SkippedCount++
			telemetry.LeadsSkipped.Inc()
			continue
		}
		lead, err := e.store.GetLead(ctx, id)
		if err != nil {
			e.leadFailed(&res, id, err)
			continue
		}
		e.convertOne(ctx, client, lead, "manual", now, &res)
	}
	return res
}

// convertLeads is the scheduled path: leads are already loaded and filtered.
func (e *Engine) convertLeads(ctx context.Context, client models.Client, leads []models.Lead, source string, now time.Time) models.BatchResult {
	res := models.BatchResult{ClientID: client.ID, Errors: []models.LeadError{}}
	for _, lead := range leads {
		exists, err := e.store.ContactExists(ctx, lead.ID, client.ID)
		if err != nil {
			e.leadFailed(&res, lead.ID, err)
			continue
		}
		if exists {
			res.SkippedCount++
			telemetry.LeadsSkipped.Inc()
			continue
		}
		e.convertOne(ctx, client, lead, source, now, &res)
	}
	return res
}

func (e *Engine) convertOne(ctx context.Context, client models.Client, lead models.Lead, source string, now time.Time, res *models.BatchResult) {
	var company *models.Company
	if lead.CompanyID != nil && *lead.CompanyID != "" {
		c, err := e.store.GetCompany(ctx, *lead.CompanyID)
		switch {
		case err == nil:
			company = &c
		case errors.Is(err, store.ErrNotFound):
		default:
			e.leadFailed(res, lead.ID, err)
			return
		}
	}

	created, err := e.store.ConvertLead(ctx, buildContact(client, lead, company, source, now))
	if err != nil {
		e.log.Warn().Err(err).Str("lead_id", lead.ID).Str("email", logging.RedactEmail(lead.Email)).Msg("lead conversion failed")
		e.leadFailed(res, lead.ID, err)
		return
	}
	if !created {
		res.SkippedCount++
		telemetry.LeadsSkipped.Inc()
		return
	}
	res.ConvertedCount++
	telemetry.LeadsConverted.Inc()
}

func (e *Engine) leadFailed(res *models.BatchResult, leadID string, err error) {
	res.Errors = append(res.Errors, models.LeadError{LeadID: leadID, Message: err.Error()})
	telemetry.LeadErrors.Inc()
}

// buildContact copies identity and company fields onto the contact so
// contact reads never join companies.
func buildContact(client models.Client, lead models.Lead, company *models.Company, source string, now time.Time) models.Contact {
	c := models.Contact{
		ID:            uuid.New().String(),
		ClientID:      client.ID,
		LeadID:        lead.ID,
		CompanyID:     lead.CompanyID,
		FirstName:     lead.FirstName,
		LastName:      lead.LastName,
		Email:         lead.Email,
		Phone:         lead.Phone,
		JobTitle:      lead.JobTitle,
		FunctionGroup: lead.FunctionGroup,
		LinkedInURL:   lead.LinkedInURL,
		Country:       lead.Country,
		Industry:      lead.Industry,
		Source:        source,
		CreatedAt:     now,
	}
	if company != nil {
		c.CompanyName = company.Name
		c.CompanyDomain = company.Domain
		if c.Industry == "" {
			c.Industry = company.Industry
		}
		if c.Country == "" {
			c.Country = company.Country
		}
	}
	return c
}
