package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreflight_Validate(t *testing.T) {
	tests := []struct {
		name         string
		prereqs      []PrerequisiteCheck
		met          bool
		errCheck     func(error) bool
		validation   int
		warnings     int
		infra        int
		actionSubstr string
	}{
		{
			name: "all mandatory checks pass",
			prereqs: []PrerequisiteCheck{
				&fakePrereq{name: "airflow_connection", mandatory: true, status: CheckOK},
				&fakePrereq{name: "target_reachable", mandatory: true, status: CheckOK},
			},
			met: true,
		},
		{
			name: "mandatory logical failure",
			prereqs: []PrerequisiteCheck{
				&fakePrereq{name: "airflow_connection", mandatory: true, status: CheckError, message: "connection missing"},
				&fakePrereq{name: "target_reachable", mandatory: true, status: CheckOK},
			},
			errCheck:     IsPrerequisite,
			validation:   1,
			actionSubstr: "Resolve airflow_connection",
		},
		{
			name: "optional failure is a warning",
			prereqs: []PrerequisiteCheck{
				&fakePrereq{name: "rag_health", status: CheckError, message: "503"},
				&fakePrereq{name: "airflow_connection", mandatory: true, status: CheckOK},
				&fakePrereq{name: "target_reachable", mandatory: true, status: CheckOK},
			},
			met:      true,
			warnings: 2, // the failed check and the confidence drop
		},
		{
			name: "auto-fixed check passes with a warning",
			prereqs: []PrerequisiteCheck{
				&fakePrereq{name: "airflow_connection", mandatory: true, status: CheckFixed},
			},
			met:      true,
			warnings: 1,
		},
		{
			name: "mandatory check could not execute",
			prereqs: []PrerequisiteCheck{
				&fakePrereq{name: "target_reachable", mandatory: true, err: errors.New("dial tcp 10.0.0.5:22: i/o timeout")},
			},
			errCheck:     IsInfrastructure,
			infra:        1,
			actionSubstr: "Restore access for check target_reachable",
		},
		{
			name: "logical failure wins over infrastructure failure",
			prereqs: []PrerequisiteCheck{
				&fakePrereq{name: "target_reachable", mandatory: true, err: errors.New("no route to host")},
				&fakePrereq{name: "airflow_connection", mandatory: true, status: CheckError, message: "connection missing"},
			},
			errCheck:   IsPrerequisite,
			validation: 1,
			infra:      1,
		},
		{
			name: "missing status counts as an error",
			prereqs: []PrerequisiteCheck{
				&fakePrereq{name: "airflow_connection", mandatory: true},
			},
			errCheck:   IsPrerequisite,
			validation: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf := NewPreflight(&fakeRegistry{prereq: tt.prereqs}, testOptions())

			result, err := pf.Validate(context.Background(), testPlan())
			require.NotNil(t, result)

			if tt.errCheck == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, tt.errCheck(err), "unexpected error class: %v", err)
			}

			assert.Equal(t, tt.met, result.PrerequisitesMet)
			assert.Len(t, result.ValidationErrors, tt.validation)
			assert.Len(t, result.InfrastructureErrors, tt.infra)
			assert.Len(t, result.Checks, len(tt.prereqs))
			if tt.warnings > 0 {
				assert.Len(t, result.Warnings, tt.warnings)
			}
			if tt.actionSubstr != "" {
				assert.Contains(t, result.RecommendedActions[0], tt.actionSubstr)
			}
			assert.GreaterOrEqual(t, result.Confidence, 0.0)
			assert.LessOrEqual(t, result.Confidence, 1.0)
		})
	}
}

func TestPreflight_CheckTimeout(t *testing.T) {
	opts := testOptions()
	opts.CheckTimeout = 20 * time.Millisecond
	pf := NewPreflight(&fakeRegistry{prereq: []PrerequisiteCheck{&slowPrereq{name: "vm_ssh"}}}, opts)

	result, err := pf.Validate(context.Background(), testPlan())
	require.Error(t, err)
	assert.True(t, IsInfrastructure(err))
	require.Len(t, result.Checks, 1)
	assert.Equal(t, CheckError, result.Checks[0].Status)
	assert.Contains(t, result.Checks[0].InfrastructureError, "deadline exceeded")
}

func TestPreflight_LowConfidence(t *testing.T) {
	prereqs := []PrerequisiteCheck{&fakePrereq{name: "rag_health", status: CheckError, message: "503"}}
	plan := testPlan()
	plan.Confidence = 0

	t.Run("warns by default", func(t *testing.T) {
		pf := NewPreflight(&fakeRegistry{prereq: prereqs}, testOptions())
		result, err := pf.Validate(context.Background(), plan)
		require.NoError(t, err)
		assert.True(t, result.PrerequisitesMet)
		assert.Equal(t, 0.0, result.Confidence)
		assert.Contains(t, result.Warnings[len(result.Warnings)-1], "below threshold")
	})

	t.Run("blocks when required", func(t *testing.T) {
		opts := testOptions()
		opts.RequireConfidence = true
		pf := NewPreflight(&fakeRegistry{prereq: prereqs}, opts)
		result, err := pf.Validate(context.Background(), plan)
		require.Error(t, err)
		assert.True(t, IsPrerequisite(err))
		assert.True(t, result.PrerequisitesMet, "no mandatory check failed")
		assert.Contains(t, err.Error(), "below threshold")
	})

	t.Run("mandatory checks pass but confidence is short", func(t *testing.T) {
		opts := testOptions()
		opts.RequireConfidence = true
		opts.ConfidenceThreshold = 0.99
		ok := []PrerequisiteCheck{&fakePrereq{name: "airflow_connection", mandatory: true, status: CheckOK}}
		pf := NewPreflight(&fakeRegistry{prereq: ok}, opts)

		result, err := pf.Validate(context.Background(), testPlan())
		require.Error(t, err)
		assert.True(t, IsPrerequisite(err))
		assert.True(t, result.PrerequisitesMet)
		assert.Less(t, result.Confidence, 0.99)
		assert.Contains(t, result.ValidationErrors[len(result.ValidationErrors)-1], "below threshold 0.99")
	})
}

func TestPreflight_ContractViolation(t *testing.T) {
	contracts := &fakeContracts{fail: map[string]bool{ContractValidationResult: true}}
	pf := NewPreflight(&fakeRegistry{}, testOptions(), WithValidationContracts(contracts))

	result, err := pf.Validate(context.Background(), testPlan())
	require.Error(t, err)
	assert.NotNil(t, result)

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, ErrCodeValidation, engineErr.Code)
}

func TestPreflight_RejectsMalformedPlan(t *testing.T) {
	pf := NewPreflight(&fakeRegistry{}, testOptions())
	result, err := pf.Validate(context.Background(), &ExecutionPlan{ID: "p"})
	assert.Nil(t, result)
	assert.True(t, IsAmbiguousIntent(err))
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name           string
		executed       int
		passed         int
		evidence       []Snippet
		classification float64
		infra          int
		want           float64
	}{
		{name: "no checks", want: 0.6},
		{name: "half passed", executed: 2, passed: 1, classification: 1, want: 0.45},
		{
			name:           "top three snippets only",
			executed:       2,
			passed:         2,
			classification: 1,
			evidence:       []Snippet{{Score: 0.1}, {Score: 0.9}, {Score: 0.7}, {Score: 0.8}},
			want:           0.95,
		},
		{name: "everything perfect", executed: 4, passed: 4, classification: 1, evidence: []Snippet{{Score: 1}}, want: 1},
		{name: "infrastructure penalty", executed: 1, passed: 1, classification: 1, infra: 1, want: 0.65},
		{name: "clamped at zero", classification: 0.5, infra: 2, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(tt.executed, tt.passed, tt.evidence, tt.classification, tt.infra)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}
