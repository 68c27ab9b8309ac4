package automation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-engine/internal/clock"
	"lead-engine/internal/models"
	"lead-engine/internal/store"
	"lead-engine/internal/store/memstore"
	"lead-engine/internal/templates"
)

func newService(t *testing.T) (*Service, *memstore.Store, *clock.Fixed) {
	t.Helper()
	st := memstore.New()
	catalog, err := templates.LoadCatalog("")
	require.NoError(t, err)
	_, err = templates.NewRegistry(st, catalog, zerolog.Nop()).Seed(context.Background())
	require.NoError(t, err)
	st.PutClient(models.Client{ID: "client-1", Name: "Acme", Domain: "acme.io", Credits: 100})
	clk := clock.NewFixed(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	return NewService(st, clk, zerolog.Nop()), st, clk
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func TestSetupBasicCopiesDefaultsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	first, err := svc.SetupBasic(ctx, "client-1")
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.NotEmpty(t, first.AutomationID)
	assert.Equal(t, 10, first.Automation.DailyLimit)
	assert.Equal(t, "09:00", first.Automation.ExecutionTime)
	assert.True(t, first.Automation.IsActive)
	assert.False(t, first.Automation.IsPaused)
	assert.Zero(t, first.Automation.TotalConverted)
	assert.Equal(t, "Lead Conversion Basic - Acme", first.Automation.Name)

	second, err := svc.SetupBasic(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.AutomationID, second.AutomationID)
}

func TestSetupForClientValidatesOverrides(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.SetupForClient(ctx, "client-1", templates.BasicKey, Settings{DailyLimit: intPtr(40)})
	var verr *templates.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, templates.BasicKey, verr.Template)

	_, err = svc.SetupForClient(ctx, "client-1", templates.BasicKey, Settings{
		Targeting: &models.Targeting{EmployeeMin: intPtr(10)},
	})
	require.ErrorAs(t, err, &verr)

	res, err := svc.SetupForClient(ctx, "client-1", "lead-conversion-standard", Settings{
		ExecutionTime: strPtr("07:30"),
		Targeting:     &models.Targeting{Countries: []string{"NL"}, EmployeeMin: intPtr(10), EmployeeMax: intPtr(500)},
	})
	require.NoError(t, err)
	assert.Equal(t, "07:30", res.Automation.ExecutionTime)
	assert.Equal(t, 25, res.Automation.DailyLimit)
	assert.Equal(t, []string{"NL"}, res.Automation.Targeting.Countries)
}

func TestSetupForClientRejectsUnknownReferences(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.SetupForClient(ctx, "client-1", "does-not-exist", Settings{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.SetupBasic(ctx, "client-404")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.SetupForClient(ctx, "client-1", "linkedin-outreach", Settings{})
	assert.ErrorIs(t, err, ErrTemplateInactive)
}

func TestPauseResumeAndInspect(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)

	res, err := svc.SetupBasic(ctx, "client-1")
	require.NoError(t, err)

	insp, err := svc.Inspect(ctx, res.AutomationID)
	require.NoError(t, err)
	assert.True(t, insp.ShouldRunNow)
	assert.Equal(t, "09:00", insp.CurrentTime)
	require.NotNil(t, insp.Template)
	assert.Equal(t, templates.BasicKey, insp.Template.Key)
	require.NotNil(t, insp.Client)
	assert.Equal(t, "Acme", insp.Client.Name)

	paused, err := svc.Pause(ctx, res.AutomationID)
	require.NoError(t, err)
	assert.True(t, paused.IsPaused)
	due, err := svc.ListDueNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = svc.Resume(ctx, res.AutomationID)
	require.NoError(t, err)
	due, err = svc.ListDueNow(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	clk.Advance(time.Minute)
	insp, err = svc.Inspect(ctx, res.AutomationID)
	require.NoError(t, err)
	assert.False(t, insp.ShouldRunNow)

	off, err := svc.Deactivate(ctx, res.AutomationID)
	require.NoError(t, err)
	assert.False(t, off.IsActive)
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	res, err := svc.SetupBasic(ctx, "client-1")
	require.NoError(t, err)

	updated, err := svc.UpdateSettings(ctx, res.AutomationID, Settings{DailyLimit: intPtr(20), ExecutionTime: strPtr("11:15")})
	require.NoError(t, err)
	assert.Equal(t, 20, updated.DailyLimit)
	assert.Equal(t, "11:15", updated.ExecutionTime)

	_, err = svc.UpdateSettings(ctx, res.AutomationID, Settings{ExecutionTime: strPtr("25:00")})
	var verr *templates.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = svc.UpdateSettings(ctx, "missing", Settings{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResetAndSearch(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	res, err := svc.SetupBasic(ctx, "client-1")
	require.NoError(t, err)

	matches, err := svc.SearchID(ctx, res.AutomationID)
	require.NoError(t, err)
	assert.Contains(t, matches, models.IDMatch{Table: "client_automations", ID: res.AutomationID})

	out, err := svc.Reset(ctx)
	require.NoError(t, err)
	assert.True(t, out.Complete())

	matches, err = svc.SearchID(ctx, res.AutomationID)
	require.NoError(t, err)
	assert.Empty(t, matches)

	again, err := svc.SetupBasic(ctx, "client-1")
	require.NoError(t, err)
	assert.False(t, again.Skipped)
}

// racingStore inserts a competing automation just before each create.
type racingStore struct {
	*memstore.Store
	rival models.ClientAutomation
}

func (r *racingStore) CreateAutomation(ctx context.Context, a models.ClientAutomation) (models.ClientAutomation, error) {
	rival := a
	rival.Name = "created by another replica"
	created, err := r.Store.CreateAutomation(ctx, rival)
	if err != nil {
		return models.ClientAutomation{}, err
	}
	r.rival = created
	return r.Store.CreateAutomation(ctx, a)
}

func TestSetupLosingInsertRaceIsSkipped(t *testing.T) {
	ctx := context.Background()
	_, st, clk := newService(t)
	racing := &racingStore{Store: st}
	svc := NewService(racing, clk, zerolog.Nop())

	res, err := svc.SetupBasic(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, racing.rival.ID, res.AutomationID)
	assert.Equal(t, "created by another replica", res.Automation.Name)
}
