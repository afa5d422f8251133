package classify_test

import (
	"testing"

	"github.com/kiranshivaraju/faultline/internal/classify"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestClassify_BuiltinRules(t *testing.T) {
	c := classify.New(nil)

	tests := []struct {
		name     string
		input    classify.ErrorInput
		expected models.Category
	}{
		{"http status assertion", classify.ErrorInput{Message: "AssertionError: Expected 200, got 401"}, models.CategoryCode},
		{"java heap", classify.ErrorInput{Message: "OutOfMemoryError: Java heap space"}, models.CategoryInfra},
		{"connection refused", classify.ErrorInput{Log: "dial tcp 10.0.0.3:5432: connect: connection refused"}, models.CategoryInfra},
		{"python import", classify.ErrorInput{Message: "ModuleNotFoundError: No module named 'requests'"}, models.CategoryDependency},
		{"permission", classify.ErrorInput{Message: "open /etc/app/secrets.yaml: permission denied"}, models.CategoryConfig},
		{"npe", classify.ErrorInput{StackTrace: "java.lang.NullPointerException\n\tat com.acme.Login.check(Login.java:42)"}, models.CategoryCode},
		{"go panic", classify.ErrorInput{Log: "panic: runtime error: invalid memory address or nil pointer dereference"}, models.CategoryCode},
		{"plain assertion", classify.ErrorInput{Message: "AssertionError: lists differ"}, models.CategoryTest},
		{"unknown", classify.ErrorInput{Message: "something odd happened"}, models.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.input)
			assert.Equal(t, tt.expected, got.Category)
			assert.GreaterOrEqual(t, got.Confidence, 0.0)
			assert.LessOrEqual(t, got.Confidence, 1.0)
		})
	}
}

func TestClassify_UnknownConfidence(t *testing.T) {
	got := classify.New(nil).Classify(classify.ErrorInput{Message: "exit status 1"})
	assert.Equal(t, models.CategoryUnknown, got.Category)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)
	assert.Empty(t, got.Rule)
}

func TestClassify_CorroborationRaisesConfidence(t *testing.T) {
	c := classify.New(nil)
	single := c.Classify(classify.ErrorInput{Message: "OutOfMemoryError"})
	double := c.Classify(classify.ErrorInput{Message: "OutOfMemoryError", Log: "connection reset by peer; request timeout"})

	assert.Equal(t, models.CategoryInfra, double.Category)
	assert.Greater(t, double.Confidence, single.Confidence)
	assert.LessOrEqual(t, double.Confidence, 0.95)
}

func TestClassify_PolicyCategoriesTakePrecedence(t *testing.T) {
	c := classify.New(&config.Policy{Categories: []config.CategoryRule{
		{Name: "LICENSE_ERROR", Patterns: []string{`(?i)license\s+expired`}, Confidence: 0.8},
	}})

	got := c.Classify(classify.ErrorInput{Message: "TypeError: license expired for seat 4"})
	assert.Equal(t, models.Category("LICENSE_ERROR"), got.Category)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.Equal(t, "license_error", got.Rule)
}

func TestClassify_LongInputTruncated(t *testing.T) {
	long := make([]byte, 64*1024)
	for i := range long {
		long[i] = 'a'
	}
	got := classify.New(nil).Classify(classify.ErrorInput{Log: string(long) + " OutOfMemoryError"})
	assert.Equal(t, models.CategoryUnknown, got.Category)
}
