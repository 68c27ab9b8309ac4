package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-engine/internal/models"
)

func TestConvertBatchIsolatesLeadFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.addLeads(10, nil)
	f.st.BeforeContactInsert = func(c models.Contact) error {
		if c.LeadID == "lead-05" {
			return errors.New("constraint violation")
		}
		return nil
	}

	res, err := f.eng.ConvertBatch(ctx, f.client.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, 9, res.ConvertedCount)
	assert.Zero(t, res.SkippedCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "lead-05", res.Errors[0].LeadID)
	assert.Contains(t, res.Errors[0].Message, "constraint violation")
	assert.Len(t, f.st.Contacts(f.client.ID), 9)
}

func TestConvertBatchSkipsExistingContacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.addLeads(3, nil)

	first, err := f.eng.ConvertBatch(ctx, f.client.ID, ids[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, first.ConvertedCount)

	second, err := f.eng.ConvertBatch(ctx, f.client.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ConvertedCount)
	assert.Equal(t, 1, second.SkippedCount)
	assert.Empty(t, second.Errors)
	assert.Len(t, f.st.Contacts(f.client.ID), 3)

	c := f.st.Contacts(f.client.ID)[0]
	assert.Equal(t, "manual", c.Source)
}

func TestConvertBatchResolvesClientByDomain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.addLeads(2, nil)

	res, err := f.eng.ConvertBatch(ctx, "acme.io", ids)
	require.NoError(t, err)
	assert.Equal(t, f.client.ID, res.ClientID)
	assert.Equal(t, 2, res.ConvertedCount)

	_, err = f.eng.ConvertBatch(ctx, "unknown.example", ids)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestConvertBatchRejectsOversizedInput(t *testing.T) {
	f := newFixture(t)
	ids := f.addLeads(11, nil)

	_, err := f.eng.ConvertBatch(context.Background(), f.client.ID, ids)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
	assert.Empty(t, f.st.Contacts(f.client.ID))
}

func TestConvertBatchReportsMissingLead(t *testing.T) {
	f := newFixture(t)
	f.addLeads(1, nil)

	res, err := f.eng.ConvertBatch(context.Background(), f.client.ID, []string{"lead-01", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConvertedCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "ghost", res.Errors[0].LeadID)
}

func TestConvertAllSplitsIntoMicroBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.addLeads(25, nil)

	res, err := f.eng.ConvertAll(ctx, f.client.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 25, res.ConvertedCount)
	assert.Empty(t, res.Errors)

	tooMany := make([]string, 501)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("x-%d", i)
	}
	_, err = f.eng.ConvertAll(ctx, f.client.ID, tooMany)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestBuildContactDenormalisesCompany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	company := f.st.PutCompany(models.Company{ID: "co-1", Name: "Globex", Domain: "globex.com", Industry: "Manufacturing", Country: "DE"})
	f.addLeads(1, func(_ int, l *models.Lead) {
		l.CompanyID = &company.ID
		l.Industry = ""
		l.Country = ""
	})

	res, err := f.eng.ConvertBatch(ctx, f.client.ID, []string{"lead-01"})
	require.NoError(t, err)
	require.Equal(t, 1, res.ConvertedCount)

	c := f.st.Contacts(f.client.ID)[0]
	assert.Equal(t, "Globex", c.CompanyName)
	assert.Equal(t, "globex.com", c.CompanyDomain)
	assert.Equal(t, "Manufacturing", c.Industry)
	assert.Equal(t, "DE", c.Country)
	require.NotNil(t, c.CompanyID)
	assert.Equal(t, "co-1", *c.CompanyID)
}
