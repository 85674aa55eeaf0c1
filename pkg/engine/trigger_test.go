package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrigger_SubmitIsIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	store := NewMemoryStore()
	lineage := &fakeLineage{}
	trigger := NewTrigger(eng, store, lineage, nil, zerolog.Nop())
	plan := testPlan()

	first, dedup, err := trigger.Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.False(t, dedup)
	assert.Equal(t, "smartpipe__plan-1", first.RunID)
	assert.Equal(t, RunStateQueued, first.State)
	assert.Equal(t, "freeipa", first.Resource)
	assert.Same(t, plan, first.Plan)

	second, dedup, err := trigger.Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, dedup)
	assert.Equal(t, first.RunID, second.RunID)

	assert.Equal(t, 1, eng.submitCount())
	assert.Equal(t, []string{"smartpipe__plan-1"}, lineage.correlated)

	stored, err := store.GetRun(context.Background(), first.RunID)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", stored.PlanID)
}

func TestTrigger_ConcurrentSubmitsCallEngineOnce(t *testing.T) {
	eng := &fakeEngine{}
	trigger := NewTrigger(eng, NewMemoryStore(), nil, nil, zerolog.Nop())
	plan := testPlan()

	var wg sync.WaitGroup
	runIDs := make([]string, 10)
	for i := range runIDs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, _, err := trigger.Submit(context.Background(), plan)
			if err == nil {
				runIDs[i] = run.RunID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, eng.submitCount())
	for _, id := range runIDs {
		assert.Equal(t, "smartpipe__plan-1", id)
	}
}

func TestTrigger_SubmitErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		errCheck func(error) bool
	}{
		{name: "engine rejects", err: errors.New("400 bad request"), errCheck: IsTransient},
		{name: "engine unreachable", err: NewInfrastructureError("airflow", errors.New("connection refused")), errCheck: IsInfrastructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{submitErr: tt.err}
			store := NewMemoryStore()
			trigger := NewTrigger(eng, store, nil, nil, zerolog.Nop())

			run, _, err := trigger.Submit(context.Background(), testPlan())
			require.Error(t, err)
			assert.Nil(t, run)
			assert.True(t, tt.errCheck(err), "got %v", err)

			// Nothing was recorded, so a retry reaches the engine again.
			_, _, _ = trigger.Submit(context.Background(), testPlan())
			assert.Equal(t, 2, eng.submitCount())
		})
	}
}

func TestTrigger_SubmitFailureCode(t *testing.T) {
	trigger := NewTrigger(&fakeEngine{submitErr: errors.New("500")}, NewMemoryStore(), nil, nil, zerolog.Nop())
	_, _, err := trigger.Submit(context.Background(), testPlan())

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, ErrCodeSubmissionFailed, engineErr.Code)
}

func TestFingerprint(t *testing.T) {
	fingerprint := func(plan *ExecutionPlan) string {
		t.Helper()
		key, err := Fingerprint(plan)
		require.NoError(t, err)
		return key
	}

	a := testPlan()
	b := testPlan()
	b.Conf = map[string]interface{}{}
	b.Conf["action"] = "create"

	assert.Equal(t, fingerprint(a), fingerprint(b))

	b.Conf["domain"] = "lab.local"
	assert.NotEqual(t, fingerprint(a), fingerprint(b))

	c := testPlan()
	c.ID = "plan-2"
	assert.NotEqual(t, fingerprint(a), fingerprint(c))
}

func TestTrigger_UnencodableConfNeverSubmits(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
	}{
		{name: "channel", value: make(chan int)},
		{name: "function", value: func() {}},
		{name: "complex", value: complex(1, 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			store := NewMemoryStore()
			trigger := NewTrigger(eng, store, nil, nil, zerolog.Nop())
			plan := testPlan()
			plan.Conf = map[string]interface{}{"action": "create", "hook": tt.value}

			_, err := Fingerprint(plan)
			require.Error(t, err)

			run, dedup, err := trigger.Submit(context.Background(), plan)
			require.Error(t, err)
			assert.Nil(t, run)
			assert.False(t, dedup)

			var engineErr *EngineError
			require.True(t, errors.As(err, &engineErr))
			assert.Equal(t, ErrCodeValidation, engineErr.Code)
			assert.Zero(t, eng.submitCount())
		})
	}
}
