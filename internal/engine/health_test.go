package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-engine/internal/models"
	"lead-engine/internal/report"
)

func strPtr(s string) *string { return &s }

func TestAggregate(t *testing.T) {
	execs := []models.AutomationExecution{
		{AutomationID: "a", Status: models.StatusSuccess, LeadsConverted: 10},
		{AutomationID: "a", Status: models.StatusPartial, LeadsConverted: 4, ErrorMessage: strPtr("1 failed")},
		{AutomationID: "b", Status: models.StatusFailed, ErrorCode: strPtr(models.CodeConversionFailed)},
		{AutomationID: "c", Status: models.StatusSkipped, ErrorCode: strPtr(models.CodeDailyLimitReached)},
	}

	m := Aggregate(execs)
	assert.Equal(t, 4, m.TotalExecutions)
	assert.Equal(t, 2, m.SuccessfulExecutions)
	assert.Equal(t, 1, m.FailedExecutions)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate, 1e-9)
	assert.Equal(t, 14, m.LeadsConverted)
	assert.InDelta(t, 7.0, m.AvgLeadsPerExecution, 1e-9)
	assert.Equal(t, 3, m.ActiveAutomations)
	assert.Equal(t, map[string]int{models.CodeConversionFailed: 1, models.CodeDailyLimitReached: 1}, m.ErrorBreakdown)
}

func TestAggregateEmpty(t *testing.T) {
	m := Aggregate(nil)
	assert.Zero(t, m.TotalExecutions)
	assert.Zero(t, m.SuccessRate)
	assert.NotNil(t, m.ErrorBreakdown)
}

func TestGenerateHealthMetricsStoresAndArchives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()
	f.eng = New(f.st, f.queue, f.locker, report.NewLocalArchiver(dir), f.clk, zerolog.Nop(), Options{})
	f.addLeads(3, nil)
	a := f.addAutomation(t, "lead-conversion-basic", 10, models.Targeting{})

	_, err := f.eng.Execute(ctx, a.ID, models.ExecutionScheduled, "cron")
	require.NoError(t, err)

	f.clk.Advance(30 * time.Minute)
	m, err := f.eng.GenerateHealthMetrics(ctx, models.PeriodHourly)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, models.PeriodHourly, m.Period)
	assert.Equal(t, 1, m.TotalExecutions)
	assert.Equal(t, 3, m.LeadsConverted)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.True(t, m.WindowEnd.Sub(m.WindowStart) == time.Hour)

	latest, err := f.st.LatestHealthMetrics(ctx, models.PeriodHourly)
	require.NoError(t, err)
	assert.Equal(t, m.ID, latest.ID)

	_, err = os.Stat(filepath.Join(dir, report.Key(m)))
	assert.NoError(t, err)

	// Outside the window nothing is counted.
	f.clk.Advance(2 * time.Hour)
	later, err := f.eng.GenerateHealthMetrics(ctx, models.PeriodHourly)
	require.NoError(t, err)
	assert.Zero(t, later.TotalExecutions)

	_, err = f.eng.GenerateHealthMetrics(ctx, "monthly")
	assert.Error(t, err)
}
