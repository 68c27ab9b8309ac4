package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetingMatches(t *testing.T) {
	lo, hi := 10, 200
	lead := Lead{FunctionGroup: "Sales", Industry: "Software", Country: "NL", EmployeeCount: 200}

	cases := []struct {
		name string
		t    Targeting
		want bool
	}{
		{"empty matches all", Targeting{}, true},
		{"case insensitive", Targeting{Countries: []string{"nl", "be"}}, true},
		{"country miss", Targeting{Countries: []string{"DE"}}, false},
		{"all filters", Targeting{FunctionGroups: []string{"sales"}, Industries: []string{"software"}, EmployeeMin: &lo, EmployeeMax: &hi}, true},
		{"upper bound inclusive", Targeting{EmployeeMax: &hi}, true},
		{"below minimum", Targeting{EmployeeMin: func() *int { v := 201; return &v }()}, false},
		{"industry miss", Targeting{Industries: []string{"Finance"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.t.Matches(lead))
		})
	}
}

func TestDueAt(t *testing.T) {
	a := ClientAutomation{IsActive: true, ExecutionTime: "09:00"}
	assert.True(t, a.DueAt("09:00"))
	assert.False(t, a.DueAt("09:01"))

	a.IsPaused = true
	assert.False(t, a.DueAt("09:00"))

	a.IsPaused, a.IsActive = false, false
	assert.False(t, a.DueAt("09:00"))
}

func TestBulkDeleteComplete(t *testing.T) {
	ok := BulkDeleteResult{Tables: []TableDeleteResult{{Table: "a", Attempted: 2, Deleted: 2}}}
	assert.True(t, ok.Complete())

	short := BulkDeleteResult{Tables: []TableDeleteResult{{Table: "a", Attempted: 3, Deleted: 2}}}
	assert.False(t, short.Complete())

	failed := BulkDeleteResult{Tables: []TableDeleteResult{{Table: "a", Error: "timeout"}}}
	assert.False(t, failed.Complete())
}

func TestBatchResultAdd(t *testing.T) {
	var total BatchResult
	total.Add(BatchResult{ConvertedCount: 9, Errors: []LeadError{{LeadID: "5"}}})
	total.Add(BatchResult{ConvertedCount: 3, SkippedCount: 2})
	assert.Equal(t, 12, total.ConvertedCount)
	assert.Equal(t, 2, total.SkippedCount)
	assert.Len(t, total.Errors, 1)
	assert.Equal(t, 2, total.Batches)
}
