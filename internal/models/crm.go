package models

import "time"

// Client is a tenant of the CRM.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

// Company is the organisation a lead works for.
type Company struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Domain        string `json:"domain"`
	Industry      string `json:"industry"`
	Country       string `json:"country"`
	EmployeeCount int    `json:"employee_count"`
	Website       string `json:"website"`
}

// Lead is a prospect not yet tied to a client relationship.
type Lead struct {
	ID              string     `json:"id"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Email           string     `json:"email"`
	Phone           string     `json:"phone"`
	JobTitle        string     `json:"job_title"`
	FunctionGroup   string     `json:"function_group"`
	Industry        string     `json:"industry"`
	Country         string     `json:"country"`
	EmployeeCount   int        `json:"employee_count"`
	LinkedInURL     string     `json:"linkedin_url"`
	CompanyID       *string    `json:"company_id,omitempty"`
	TotalContacts   int        `json:"total_contacts"`
	LastConvertedAt *time.Time `json:"last_converted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Contact is a client-scoped copy of a lead. Company fields are denormalised
// so contact listings never join back to companies.
type Contact struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	LeadID        string    `json:"lead_id"`
	CompanyID     *string   `json:"company_id,omitempty"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	JobTitle      string    `json:"job_title"`
	FunctionGroup string    `json:"function_group"`
	LinkedInURL   string    `json:"linkedin_url"`
	Country       string    `json:"country"`
	CompanyName   string    `json:"company_name"`
	CompanyDomain string    `json:"company_domain"`
	Industry      string    `json:"industry"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}
