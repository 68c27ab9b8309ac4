package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"lead-engine/internal/models"
)

// GetClient fetches a client by id.
func (s *Store) GetClient(ctx context.Context, id string) (models.Client, error) {
	return s.scanClient(s.pool.QueryRow(ctx, `
		SELECT id, name, domain, credits, created_at FROM clients WHERE id = $1
	`, id), id)
}

// GetClientByDomain resolves a client from its domain, case-insensitively.
func (s *Store) GetClientByDomain(ctx context.Context, domain string) (models.Client, error) {
	return s.scanClient(s.pool.QueryRow(ctx, `
		SELECT id, name, domain, credits, created_at FROM clients WHERE lower(domain) = lower($1)
		ORDER BY created_at LIMIT 1
	`, domain), domain)
}

func (s *Store) scanClient(row pgx.Row, ref string) (models.Client, error) {
	var c models.Client
	if err := row.Scan(&c.ID, &c.Name, &c.Domain, &c.Credits, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Client{}, fmt.Errorf("client %s: %w", ref, ErrNotFound)
		}
		return models.Client{}, fmt.Errorf("scan client: %w", err)
	}
	return c, nil
}

// DebitCredits subtracts amount from the client's balance, never below zero.
func (s *Store) DebitCredits(ctx context.Context, clientID string, amount int) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE clients SET credits = GREATEST(credits - $2, 0) WHERE id = $1
	`, clientID, amount)
	if err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	return nil
}

// GetCompany fetches a company by id.
func (s *Store) GetCompany(ctx context.Context, id string) (models.Company, error) {
	var c models.Company
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, domain, industry, country, employee_count, website FROM companies WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Domain, &c.Industry, &c.Country, &c.EmployeeCount, &c.Website)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Company{}, fmt.Errorf("company %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Company{}, fmt.Errorf("scan company: %w", err)
	}
	return c, nil
}

const leadColumns = `id, first_name, last_name, email, phone, job_title, function_group, industry, country, employee_count, linkedin_url, company_id, total_contacts, last_converted_at, created_at`

// GetLead fetches a lead by id.
func (s *Store) GetLead(ctx context.Context, id string) (models.Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return l, err
}

// FindEligibleLeads returns up to limit leads matching the targeting filters
// that have no contact for the client yet, oldest first.
func (s *Store) FindEligibleLeads(ctx context.Context, clientID string, t models.Targeting, limit int) ([]models.Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+leadColumns+`
		FROM leads l
		WHERE NOT EXISTS (SELECT 1 FROM contacts c WHERE c.lead_id = l.id AND c.client_id = $1)
		  AND (COALESCE(cardinality($2::text[]), 0) = 0 OR lower(l.function_group) = ANY(SELECT lower(x) FROM unnest($2::text[]) x))
		  AND (COALESCE(cardinality($3::text[]), 0) = 0 OR lower(l.industry) = ANY(SELECT lower(x) FROM unnest($3::text[]) x))
		  AND (COALESCE(cardinality($4::text[]), 0) = 0 OR lower(l.country) = ANY(SELECT lower(x) FROM unnest($4::text[]) x))
		  AND ($5::int IS NULL OR l.employee_count >= $5)
		  AND ($6::int IS NULL OR l.employee_count <= $6)
		ORDER BY l.created_at, l.id
		LIMIT $7
	`, clientID, t.FunctionGroups, t.Industries, t.Countries, t.EmployeeMin, t.EmployeeMax, limit)
	if err != nil {
		return nil, fmt.Errorf("query eligible leads: %w", err)
	}
	defer rows.Close()

	var out []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLead(row pgx.Row) (models.Lead, error) {
	var l models.Lead
	err := row.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Email, &l.Phone, &l.JobTitle, &l.FunctionGroup, &l.Industry, &l.Country, &l.EmployeeCount, &l.LinkedInURL, &l.CompanyID, &l.TotalContacts, &l.LastConvertedAt, &l.CreatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return l, fmt.Errorf("scan lead: %w", err)
	}
	return l, err
}

// ContactExists reports whether the lead already has a contact for the client.
func (s *Store) ContactExists(ctx context.Context, leadID, clientID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM contacts WHERE lead_id = $1 AND client_id = $2)
	`, leadID, clientID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check contact: %w", err)
	}
	return exists, nil
}

// ConvertLead inserts the contact and bumps the lead's contact counters in one
// transaction. It returns false without error when the (lead, client) pair
// already has a contact.
func (s *Store) ConvertLead(ctx context.Context, c models.Contact) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO contacts (id, client_id, lead_id, company_id, first_name, last_name, email, phone, job_title, function_group, linkedin_url, country, company_name, company_domain, industry, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (lead_id, client_id) DO NOTHING
	`, c.ID, c.ClientID, c.LeadID, c.CompanyID, c.FirstName, c.LastName, c.Email, c.Phone, c.JobTitle, c.FunctionGroup, c.LinkedInURL, c.Country, c.CompanyName, c.CompanyDomain, c.Industry, c.Source, c.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE leads SET total_contacts = total_contacts + 1, last_converted_at = $2 WHERE id = $1
	`, c.LeadID, c.CreatedAt); err != nil {
		return false, fmt.Errorf("increment lead contacts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
