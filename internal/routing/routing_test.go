package routing_test

import (
	"testing"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide_CodeErrorUnlocksEverything(t *testing.T) {
	p := routing.NewPolicy(nil)
	d := p.Decide(models.CategoryCode)

	assert.True(t, d.UseGenerator)
	assert.True(t, d.UseSourceFetch)
	assert.True(t, d.UseRetrieval)
	assert.True(t, d.Allows(routing.ClassLogs))
	assert.True(t, d.Record().UseLogs)
	assert.ElementsMatch(t, models.AllSources, d.Sources)
}

func TestDecide_NonCodeIsRetrievalOnly(t *testing.T) {
	p := routing.NewPolicy(nil)
	for _, c := range []models.Category{
		models.CategoryInfra, models.CategoryConfig, models.CategoryDependency,
		models.CategoryTest, models.CategoryUnknown, "SOMETHING_NEW_ERROR",
	} {
		t.Run(string(c), func(t *testing.T) {
			d := p.Decide(c)
			assert.False(t, d.UseGenerator)
			assert.False(t, d.UseSourceFetch)
			assert.True(t, d.UseRetrieval)
			assert.True(t, d.Allows(routing.ClassRetrieval))
			assert.False(t, d.Allows(routing.ClassLogs))
			assert.False(t, d.Record().UseLogs)
			assert.False(t, d.Allows(routing.ClassGenerator))
		})
	}
}

func TestValidate_RejectsSourceFetchForInfra(t *testing.T) {
	p := routing.NewPolicy(nil)
	d := p.Decide(models.CategoryInfra)

	err := p.Validate(d, "source_fetch.get_file")
	require.Error(t, err)
	assert.ErrorIs(t, err, routing.ErrToolNotAllowed)
	assert.Equal(t, apperr.KindFatal, apperr.KindOf(err))

	assert.NoError(t, p.Validate(d, "retrieval.keyword"))
	assert.ErrorIs(t, p.Validate(d, "logs.get_recent"), routing.ErrToolNotAllowed)
	assert.NoError(t, p.Validate(p.Decide(models.CategoryCode), "logs.get_recent"))
}

func TestValidate_UnknownSourceRejected(t *testing.T) {
	p := routing.NewPolicy(nil)
	d := p.Decide(models.CategoryCode)
	assert.ErrorIs(t, p.Validate(d, "retrieval.web"), routing.ErrToolNotAllowed)
	assert.ErrorIs(t, p.Validate(d, "shell.exec"), routing.ErrToolNotAllowed)
}

func TestNewPolicy_PolicyFileCategories(t *testing.T) {
	p := routing.NewPolicy(&config.Policy{Categories: []config.CategoryRule{
		{Name: "NETWORK_ERROR", Patterns: []string{"ECONNRESET"}, UseLogs: true},
		{Name: "FLAKY_CODE_ERROR", Patterns: []string{"flaky"}, UseGenerator: true},
		// Built-in rows cannot be overridden.
		{Name: "INFRA_ERROR", Patterns: []string{"oom"}, UseGenerator: true, UseSourceFetch: true},
	}})

	assert.True(t, p.Known("NETWORK_ERROR"))
	assert.False(t, p.Decide("NETWORK_ERROR").UseGenerator)
	assert.True(t, p.Decide("NETWORK_ERROR").Allows(routing.ClassLogs))
	assert.False(t, p.Decide("FLAKY_CODE_ERROR").UseLogs)
	assert.True(t, p.Decide("FLAKY_CODE_ERROR").UseGenerator)
	assert.False(t, p.Decide(models.CategoryInfra).UseSourceFetch)
}

func TestDecision_RecordIsACopy(t *testing.T) {
	d := routing.NewPolicy(nil).Decide(models.CategoryCode)
	rec := d.Record()
	rec.Sources[0] = "mutated"
	assert.NotEqual(t, "mutated", d.Sources[0])
	assert.Equal(t, models.CategoryCode, rec.Category)
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, routing.ClassRetrieval, routing.ClassOf("retrieval.vector_errors"))
	assert.Equal(t, routing.ClassSourceFetch, routing.ClassOf("source_fetch.get_blame"))
	assert.Equal(t, routing.ClassLogs, routing.ClassOf("logs.get_recent"))
}
