package models

import "time"

// ExecutionResult is what the engine reports for one automation run.
type ExecutionResult struct {
	AutomationID   string `json:"automation_id"`
	ExecutionID    string `json:"execution_id,omitempty"`
	Success        bool   `json:"success"`
	Status         string `json:"status"`
	LeadsConverted int    `json:"leads_converted"`
	LeadsSkipped   int    `json:"leads_skipped"`
	LeadsFailed    int    `json:"leads_failed"`
	ErrorMessage   string `json:"error_message,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	RetryScheduled bool   `json:"retry_scheduled,omitempty"`
}

// TickSummary is returned by one scheduler invocation.
type TickSummary struct {
	Timestamp              int64             `json:"timestamp"`
	CurrentTime            string            `json:"current_time"`
	TotalAutomations       int               `json:"total_automations"`
	ExecutedCount          int               `json:"executed_count"`
	RetriesProcessed       int               `json:"retries_processed"`
	Results                []ExecutionResult `json:"results"`
	HealthMetricsGenerated bool              `json:"health_metrics_generated"`
	Error                  string            `json:"error,omitempty"`
}

// LeadError describes one lead that could not be converted.
type LeadError struct {
	LeadID  string `json:"lead_id"`
	Message string `json:"message"`
}

// BatchResult aggregates a batch conversion.
type BatchResult struct {
	ClientID       string      `json:"client_id"`
	ConvertedCount int         `json:"converted_count"`
	SkippedCount   int         `json:"skipped_count"`
	Errors         []LeadError `json:"errors"`
	Batches        int         `json:"batches,omitempty"`
}

// Add folds another batch into the running totals.
func (r *BatchResult) Add(o BatchResult) {
	r.ConvertedCount += o.ConvertedCount
	r.SkippedCount += o.SkippedCount
	r.Errors = append(r.Errors, o.Errors...)
	r.Batches++
}

// TableDeleteResult reports one table of a bulk delete.
type TableDeleteResult struct {
	Table     string `json:"table"`
	Attempted int64  `json:"attempted"`
	Deleted   int64  `json:"deleted"`
	Error     string `json:"error,omitempty"`
}

// BulkDeleteResult reports an administrative reset.
type BulkDeleteResult struct {
	Tables []TableDeleteResult `json:"tables"`
}

// Complete reports whether every attempted row was removed.
func (r BulkDeleteResult) Complete() bool {
	for _, t := range r.Tables {
		if t.Error != "" || t.Deleted != t.Attempted {
			return false
		}
	}
	return true
}

// IDMatch is a diagnostic hit for a raw id search.
type IDMatch struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// AutomationInspection bundles an automation with what it resolves to.
type AutomationInspection struct {
	Automation   ClientAutomation    `json:"automation"`
	Template     *AutomationTemplate `json:"template,omitempty"`
	Client       *Client             `json:"client,omitempty"`
	CurrentTime  string              `json:"current_time"`
	ShouldRunNow bool                `json:"should_run_now"`
	CheckedAt    time.Time           `json:"checked_at"`
}
