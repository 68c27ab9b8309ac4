package models

import (
	"strings"
	"time"
)

// ExecutionType records why an automation run happened.
type ExecutionType string

const (
	ExecutionScheduled ExecutionType = "scheduled"
	ExecutionManual    ExecutionType = "manual"
	ExecutionRetry     ExecutionType = "retry"
)

// Execution outcomes persisted in automation_executions.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Error codes attached to failed execution results.
const (
	CodeAutomationNotFound  = "AUTOMATION_NOT_FOUND"
	CodeAutomationInactive  = "AUTOMATION_INACTIVE"
	CodeAutomationPaused    = "AUTOMATION_PAUSED"
	CodeTemplateNotFound    = "TEMPLATE_NOT_FOUND"
	CodeClientNotFound      = "CLIENT_NOT_FOUND"
	CodeDailyLimitReached   = "DAILY_LIMIT_REACHED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeAlreadyRunning      = "ALREADY_RUNNING"
	CodeLeadQueryFailed     = "LEAD_QUERY_FAILED"
	CodeConversionFailed    = "CONVERSION_FAILED"
	CodeSchedulerError      = "SCHEDULER_ERROR"
)

// Metric rollup periods.
const (
	PeriodHourly = "hourly"
	PeriodDaily  = "daily"
	PeriodWeekly = "weekly"
)

// TemplateSettings are the defaults copied into a client automation at setup.
type TemplateSettings struct {
	DailyLimit        int      `json:"daily_limit" yaml:"daily_limit"`
	ExecutionTime     string   `json:"execution_time" yaml:"execution_time"`
	MaxRetries        int      `json:"max_retries" yaml:"max_retries"`
	RetryDelayMinutes int      `json:"retry_delay_minutes" yaml:"retry_delay_minutes"`
	TargetingOptions  []string `json:"targeting_options" yaml:"targeting_options"`
	CreditsPerLead    int      `json:"credits_per_lead" yaml:"credits_per_lead"`
}

// ValidationRules constrain the settings a client may choose for a template.
type ValidationRules struct {
	RequiredFields        []string `json:"required_fields" yaml:"required_fields"`
	MinDailyLimit         int      `json:"min_daily_limit" yaml:"min_daily_limit"`
	MaxDailyLimit         int      `json:"max_daily_limit" yaml:"max_daily_limit"`
	AllowedExecutionTimes []string `json:"allowed_execution_times" yaml:"allowed_execution_times"`
}

// AutomationTemplate is a catalog entry describing one automation type.
type AutomationTemplate struct {
	ID              string           `json:"id" yaml:"-"`
	Key             string           `json:"key" yaml:"key"`
	Name            string           `json:"name" yaml:"name"`
	Description     string           `json:"description" yaml:"description"`
	Category        string           `json:"category" yaml:"category"`
	Type            string           `json:"type" yaml:"type"`
	DefaultSettings TemplateSettings `json:"default_settings" yaml:"default_settings"`
	ValidationRules ValidationRules  `json:"validation_rules" yaml:"validation_rules"`
	IsActive        bool             `json:"is_active" yaml:"is_active"`
	Version         string           `json:"version" yaml:"version"`
	Priority        int              `json:"priority" yaml:"priority"`
	CreatedAt       time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time        `json:"updated_at" yaml:"-"`
}

// Targeting is the lead filter snapshot stored on a client automation.
// Empty lists match everything; employee bounds are inclusive.
type Targeting struct {
	FunctionGroups []string `json:"function_groups,omitempty"`
	Industries     []string `json:"industries,omitempty"`
	Countries      []string `json:"countries,omitempty"`
	EmployeeMin    *int     `json:"employee_min,omitempty"`
	EmployeeMax    *int     `json:"employee_max,omitempty"`
}

// Matches reports whether the lead satisfies every filter.
func (t Targeting) Matches(l Lead) bool {
	if !matchesAny(t.FunctionGroups, l.FunctionGroup) {
		return false
	}
	if !matchesAny(t.Industries, l.Industry) {
		return false
	}
	if !matchesAny(t.Countries, l.Country) {
		return false
	}
	if t.EmployeeMin != nil && l.EmployeeCount < *t.EmployeeMin {
		return false
	}
	if t.EmployeeMax != nil && l.EmployeeCount > *t.EmployeeMax {
		return false
	}
	return true
}

func matchesAny(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return true
		}
	}
	return false
}

// ClientAutomation binds a template to one client with concrete settings.
type ClientAutomation struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	TemplateKey    string     `json:"template_key"`
	Name           string     `json:"name"`
	IsActive       bool       `json:"is_active"`
	IsPaused       bool       `json:"is_paused"`
	Targeting      Targeting  `json:"targeting"`
	DailyLimit     int        `json:"daily_limit"`
	ExecutionTime  string     `json:"execution_time"`
	TotalConverted int        `json:"total_converted"`
	LastExecuted   *time.Time `json:"last_executed,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DueAt reports whether the automation should fire at the given HH:MM.
func (a ClientAutomation) DueAt(hhmm string) bool {
	return a.IsActive && !a.IsPaused && a.ExecutionTime == hhmm
}

// AutomationExecution is one append-only audit row per execution attempt.
type AutomationExecution struct {
	ID             string        `json:"id"`
	AutomationID   string        `json:"automation_id"`
	ClientID       string        `json:"client_id"`
	ExecutionType  ExecutionType `json:"execution_type"`
	TriggerSource  string        `json:"trigger_source"`
	Status         string        `json:"status"`
	LeadsConverted int           `json:"leads_converted"`
	LeadsSkipped   int           `json:"leads_skipped"`
	LeadsFailed    int           `json:"leads_failed"`
	ErrorMessage   *string       `json:"error_message,omitempty"`
	ErrorCode      *string       `json:"error_code,omitempty"`
	RetryAttempt   int           `json:"retry_attempt"`
	ExecutedAt     time.Time     `json:"executed_at"`
}

// Succeeded reports whether the row counts as a successful execution.
func (e AutomationExecution) Succeeded() bool {
	return e.Status == StatusSuccess || e.Status == StatusPartial
}

// HealthMetrics is a rollup of executions over one period window.
type HealthMetrics struct {
	ID                   string         `json:"id"`
	Period               string         `json:"period"`
	WindowStart          time.Time      `json:"window_start"`
	WindowEnd            time.Time      `json:"window_end"`
	TotalExecutions      int            `json:"total_executions"`
	SuccessfulExecutions int            `json:"successful_executions"`
	FailedExecutions     int            `json:"failed_executions"`
	SuccessRate          float64        `json:"success_rate"`
	LeadsConverted       int            `json:"leads_converted"`
	AvgLeadsPerExecution float64        `json:"avg_leads_per_execution"`
	ActiveAutomations    int            `json:"active_automations"`
	ErrorBreakdown       map[string]int `json:"error_breakdown"`
	GeneratedAt          time.Time      `json:"generated_at"`
}
